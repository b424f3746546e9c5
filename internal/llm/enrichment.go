// Package llm implements the optional LLM enrichment side channel (spec
// §4.6, §9 Design Notes): a best-effort function from per-asset headlines
// to a cached sentiment block, plus a free-text portfolio/asset insight
// call. It is deliberately vendor-neutral — the contract is a generic
// chat-completion HTTP call shaped the way most hosted and self-hosted
// inference gateways expose it, configured entirely through environment
// variables, with no provider-specific naming anywhere in this package.
// All failures are non-fatal: callers must produce identical scores with
// or without enrichment present.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SentimentResult is the per-asset shape produced by Sentiment, mirroring
// the narrative agent's LLMSentimentBlock so the cache round-trips
// without translation.
type SentimentResult struct {
	Sentiment         string   `json:"sentiment"`
	Confidence        float64  `json:"confidence"`
	DominantNarrative string   `json:"dominant_narrative"`
	Tone              string   `json:"tone"`
	NarrativeTopics   []string `json:"narrative_topics"`
}

// Enricher is the opaque best-effort side channel the fusion engine and
// orchestrator hold an optional reference to.
type Enricher interface {
	// Sentiment maps each asset's recent headlines to a sentiment
	// judgement. Assets absent from the input are absent from the
	// output, and so are assets whose call or reply failed; Client and
	// NoopEnricher always return a nil error.
	Sentiment(ctx context.Context, headlines map[string][]string) (map[string]SentimentResult, error)
	// Insight produces a short free-text narrative summary for the
	// given prompt (a portfolio or single-asset description). Used to
	// populate portfolio_summary.llm_insight and top_buys/top_sells
	// entries.
	Insight(ctx context.Context, prompt string) (string, error)
}

// NoopEnricher is used when LLM enrichment is disabled or no credential
// is configured; every call is a cheap no-op.
type NoopEnricher struct{}

func (NoopEnricher) Sentiment(context.Context, map[string][]string) (map[string]SentimentResult, error) {
	return map[string]SentimentResult{}, nil
}

func (NoopEnricher) Insight(context.Context, string) (string, error) {
	return "", nil
}

// Client is a generic chat-completion client: POST a {model, messages}
// body, read back the first choice's message content. This request/
// response shape is the de-facto common denominator across hosted and
// self-hosted inference gateways, which is what makes it a suitable
// vendor-neutral contract — the concrete endpoint, model name, and key
// are all supplied by the operator via environment variables, never
// hard-coded here.
type Client struct {
	HTTP    *http.Client
	BaseURL string // full chat-completions endpoint URL
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient builds a Client from environment configuration. Returns
// NoopEnricher if baseURL or apiKey is empty, so callers can always
// construct an Enricher unconditionally and let absence of credentials
// degrade naturally.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) Enricher {
	if baseURL == "" || apiKey == "" {
		return NoopEnricher{}
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		HTTP:    &http.Client{Timeout: timeout},
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Timeout: timeout,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm request failed: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Sentiment asks the model for a compact JSON sentiment judgement per
// asset and parses the reply. A malformed or partial reply degrades to
// an empty result for the affected asset rather than failing the batch.
func (c *Client) Sentiment(ctx context.Context, headlines map[string][]string) (map[string]SentimentResult, error) {
	out := make(map[string]SentimentResult, len(headlines))
	for asset, hl := range headlines {
		if len(hl) == 0 {
			continue
		}
		prompt := buildSentimentPrompt(asset, hl)
		reply, err := c.complete(ctx, sentimentSystemPrompt, prompt)
		if err != nil {
			continue // best-effort: one asset's failure doesn't fail the cycle
		}
		var result SentimentResult
		if err := json.Unmarshal([]byte(extractJSON(reply)), &result); err != nil {
			continue
		}
		out[asset] = result
	}
	return out, nil
}

// Insight produces a short free-text summary for a portfolio or asset
// description prompt supplied by the caller.
func (c *Client) Insight(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, insightSystemPrompt, prompt)
}

const sentimentSystemPrompt = `You are a market narrative analyst. Given recent headlines for one asset, respond with ONLY a JSON object: {"sentiment":"bullish|bearish|neutral","confidence":0.0-1.0,"dominant_narrative":"short phrase","tone":"short phrase","narrative_topics":["topic1","topic2"]}. No prose outside the JSON.`

const insightSystemPrompt = `You are a market narrative analyst. Given a short description of crypto signal data, respond with a single concise sentence of plain-English insight. No preamble, no markdown.`

func buildSentimentPrompt(asset string, headlines []string) string {
	prompt := fmt.Sprintf("Asset: %s\nHeadlines:\n", asset)
	for _, h := range headlines {
		prompt += "- " + h + "\n"
	}
	return prompt
}

// extractJSON trims any leading/trailing prose a model might add despite
// instructions, returning the first top-level JSON object found.
func extractJSON(s string) string {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
