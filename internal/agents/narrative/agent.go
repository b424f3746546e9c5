// Package narrative implements the Narrative collector agent (spec
// §4.3), grounded on original_source/narrative_agent/engine.py: Reddit/
// Twitter/news keyword-mention counting, CoinGecko trending boost, a
// rolling-peak normalised score, and a lightweight keyword sentiment
// scorer. The original's dedicated `narrative_peaks` SQLite table is
// replaced with day-bucketed entries in the shared kv store (spec
// Design Notes: no agent-private schema), read back as a max over a
// fixed 30-day window.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/httpfetch"
	"github.com/sawpanic/signalsd/internal/store"
)

const (
	agentName        = "narrative_agent"
	kvNamespace      = "narrative_peaks"
	llmCacheNamespace = "llm_sentiment_cache"
)

// LLMSentimentBlock is the per-asset shape the vendor-neutral LLM
// enrichment cache writes (internal/llm) and this agent merges in
// read-only, per spec §4.6's "subsequent narrative runs read this
// block" design note.
type LLMSentimentBlock struct {
	Sentiment         string   `json:"sentiment"`
	Confidence        float64  `json:"confidence"`
	DominantNarrative string   `json:"dominant_narrative"`
	Tone              string   `json:"tone"`
	NarrativeTopics   []string `json:"narrative_topics"`
}

type AssetBlock struct {
	RedditMentions     int                 `json:"reddit_mentions"`
	TwitterMentions    int                 `json:"twitter_mentions"`
	NewsMentions       int                 `json:"news_mentions"`
	TrendingCoingecko  bool                `json:"trending_coingecko"`
	TotalMentions      int                 `json:"total_mentions"`
	NormalisedScore    float64             `json:"normalised_score"`
	NarrativeCondition bool                `json:"narrative_condition"`
	NarrativeStatus    string              `json:"narrative_status"`
	TopHeadlines       []string            `json:"top_headlines"`
	CommunitySentiment float64             `json:"community_sentiment"`
	LLMSentiment       *LLMSentimentBlock  `json:"llm_sentiment,omitempty"`
	InfluencerMentions int                 `json:"influencer_mentions"`
	SourcesWithData    int                 `json:"sources_with_data"`
}

func emptyAssetBlock() AssetBlock {
	return AssetBlock{NarrativeStatus: "unknown", TopHeadlines: []string{}}
}

type Summary struct {
	EarlyPickup  []string `json:"early_pickup"`
	TooEarly     []string `json:"too_early"`
	PeakCrowded  []string `json:"peak_crowded"`
	NoData       []string `json:"no_data"`
}

type Data struct {
	ByAsset             map[string]AssetBlock `json:"by_asset"`
	TrendingOnCoingecko []string              `json:"trending_on_coingecko"`
	SourcesUsed         []string              `json:"sources_used"`
	Summary             Summary               `json:"summary"`
}

type Agent struct {
	profile *config.Profile
	client  *httpfetch.Client
	store   store.Store
	now     func() time.Time
}

func New(profile *config.Profile, client *httpfetch.Client, st store.Store) *Agent {
	return &Agent{profile: profile, client: client, store: st, now: time.Now}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) EmptyData() any {
	d := Data{ByAsset: make(map[string]AssetBlock, len(a.profile.Assets))}
	for _, sym := range a.profile.Assets {
		d.ByAsset[sym] = emptyAssetBlock()
	}
	d.TrendingOnCoingecko = []string{}
	d.SourcesUsed = []string{}
	d.Summary = Summary{EarlyPickup: []string{}, TooEarly: []string{}, PeakCrowded: []string{}, NoData: []string{}}
	return d
}

func (a *Agent) Collect(ctx context.Context) (any, []string) {
	cfg := a.profile.Sources.Narrative
	data := Data{ByAsset: make(map[string]AssetBlock, len(a.profile.Assets))}
	var errs []string
	var sourcesUsed []string

	redditCounts := zeroCounts(a.profile.Assets)
	newsCounts := zeroCounts(a.profile.Assets)
	influencerCounts := zeroCounts(a.profile.Assets)
	headlines := make(map[string][]string, len(a.profile.Assets))
	for _, sym := range a.profile.Assets {
		headlines[sym] = nil
	}
	var trending []string

	if cfg.Reddit.Enabled {
		counts, influencer, hl, err := a.fetchReddit(ctx, cfg.Reddit)
		if err != nil {
			errs = append(errs, fmt.Sprintf("reddit: %v", err))
		} else {
			redditCounts = counts
			influencerCounts = influencer
			mergeHeadlines(headlines, hl)
			sourcesUsed = append(sourcesUsed, "reddit")
		}
	}

	// Twitter is credential-gated (Apify in the original); without
	// configured credentials this source degrades to zero mentions
	// rather than erroring the whole agent.
	twitterCounts := zeroCounts(a.profile.Assets)
	if cfg.Twitter.Enabled {
		sourcesUsed = append(sourcesUsed, "twitter")
	}

	if cfg.CryptoNews.Enabled {
		counts, hl, err := a.fetchNews(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("news: %v", err))
		} else {
			newsCounts = counts
			mergeHeadlines(headlines, hl)
			sourcesUsed = append(sourcesUsed, "news")
		}
	}

	if cfg.Trending.Enabled {
		t, err := a.fetchTrending(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("coingecko_trending: %v", err))
		} else {
			trending = t
			sourcesUsed = append(sourcesUsed, "coingecko_trending")
		}
	}
	data.TrendingOnCoingecko = orEmpty(trending)
	data.SourcesUsed = orEmptySourcesUsed(sourcesUsed)

	const trendingBoost = 20
	// peakDays bounds the rolling-peak lookback window; unlike the
	// status bands below it has no profile field of its own. The
	// profile's peak_half_life_days is not read here, nor by the fusion
	// narrative scorer.
	peakDays := 30
	statusBands := a.profile.Scoring.Narrative.StatusBands

	trendingSet := make(map[string]bool, len(trending))
	for _, sym := range trending {
		trendingSet[sym] = true
	}

	var early, tooEarly, crowded, noData []string
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 5
	}

	for _, sym := range a.profile.Assets {
		rd := redditCounts[sym]
		tw := twitterCounts[sym]
		nw := newsCounts[sym]
		isTrending := trendingSet[sym]
		boost := 0
		if isTrending {
			boost = trendingBoost
		}
		total := rd + tw + nw + boost

		peak, err := a.loadPeak(ctx, sym, peakDays)
		if err != nil {
			errs = append(errs, fmt.Sprintf("peak load %s: %v", sym, err))
		}
		if peak <= 0 {
			peak = total
			if peak < 1 {
				peak = 1
			}
		}

		normalised := round4(minFloat(float64(total)/float64(peak), 1.0))

		var status string
		switch {
		case total == 0:
			status = "unknown"
			noData = append(noData, sym)
		default:
			status = classifyNarrativeStatus(normalised, statusBands)
			switch status {
			case "too_early":
				tooEarly = append(tooEarly, sym)
			case "peak_crowded":
				crowded = append(crowded, sym)
			default:
				status = "early_pickup"
				early = append(early, sym)
			}
		}

		hl := headlines[sym]
		sentiment := scoreSentiment(hl)

		top := hl
		if len(top) > maxItems {
			top = top[:maxItems]
		}

		sourcesWithData := 0
		if rd > 0 {
			sourcesWithData++
		}
		if tw > 0 {
			sourcesWithData++
		}
		if nw > 0 {
			sourcesWithData++
		}
		if isTrending {
			sourcesWithData++
		}

		var llmSentiment *LLMSentimentBlock
		if block, ok, err := a.loadLLMSentiment(ctx, sym); err != nil {
			errs = append(errs, fmt.Sprintf("llm_sentiment %s: %v", sym, err))
		} else if ok {
			llmSentiment = block
		}

		data.ByAsset[sym] = AssetBlock{
			RedditMentions:     rd,
			TwitterMentions:    tw,
			NewsMentions:       nw,
			TrendingCoingecko:  isTrending,
			TotalMentions:      total,
			NormalisedScore:    normalised,
			NarrativeCondition: status == "early_pickup",
			NarrativeStatus:    status,
			TopHeadlines:       orEmpty(top),
			CommunitySentiment: sentiment,
			LLMSentiment:       llmSentiment,
			InfluencerMentions: influencerCounts[sym],
			SourcesWithData:    sourcesWithData,
		}

		if err := a.storeCount(ctx, sym, total); err != nil {
			errs = append(errs, fmt.Sprintf("peak store %s: %v", sym, err))
		}
	}

	data.Summary = Summary{
		EarlyPickup: orEmpty(early),
		TooEarly:    orEmpty(tooEarly),
		PeakCrowded: orEmpty(crowded),
		NoData:      orEmpty(noData),
	}

	return data, errs
}

// fetchReddit approximates the original's PRAW-based r/all keyword
// search via Reddit's public JSON search endpoint, scored by post score
// (weighted) through the profile's karma-tier table, reused here as a
// post-score weight table per spec's "authority weighting" design note.
func (a *Agent) fetchReddit(ctx context.Context, cfg config.RedditConfig) (map[string]int, map[string]int, map[string][]string, error) {
	counts := zeroCounts(a.profile.Assets)
	influencer := zeroCounts(a.profile.Assets)
	headlines := make(map[string][]string, len(a.profile.Assets))

	tiers := append([]config.KarmaTier(nil), cfg.KarmaTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinKarma > tiers[j].MinKarma })
	topTierMinKarma := 0
	if len(tiers) > 0 {
		topTierMinKarma = tiers[0].MinKarma
	}

	for _, sym := range a.profile.Assets {
		kws := a.keywordsFor(sym)
		for _, kw := range kws {
			url := fmt.Sprintf("https://www.reddit.com/r/all/search.json?q=%s&sort=new&limit=50&restrict_sr=0", kw)
			var payload struct {
				Data struct {
					Children []struct {
						Data struct {
							ID       string `json:"id"`
							Title    string `json:"title"`
							Selftext string `json:"selftext"`
							Score    int    `json:"score"`
						} `json:"data"`
					} `json:"children"`
				} `json:"data"`
			}
			if err := a.client.GetJSON(ctx, url, map[string]string{"User-Agent": "signalsd-narrative/1.0"}, &payload); err != nil {
				continue // per-keyword failure is non-fatal
			}
			for _, child := range payload.Data.Children {
				post := child.Data
				weight := 1
				for _, t := range tiers {
					if post.Score >= t.MinKarma {
						weight = int(t.Multiplier)
						if weight < 1 {
							weight = 1
						}
						break
					}
				}
				counts[sym] += weight
				if topTierMinKarma > 0 && post.Score >= topTierMinKarma {
					influencer[sym]++
				}
				title := truncate(post.Title, 100)
				if title != "" && !contains(headlines[sym], title) {
					headlines[sym] = append(headlines[sym], title)
				}
			}
		}
	}
	return counts, influencer, headlines, nil
}

// loadLLMSentiment reads the cached per-asset sentiment block the LLM
// enrichment cadence (internal/llm, orchestrator-driven) writes via
// SaveKVJSON. Absent cache is not an error: scoring must produce
// identical results with or without it (spec §9 Design Notes).
func (a *Agent) loadLLMSentiment(ctx context.Context, symbol string) (*LLMSentimentBlock, bool, error) {
	raw, ok, err := a.store.LoadKVJSON(ctx, llmCacheNamespace, symbol)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var block LLMSentimentBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, false, fmt.Errorf("decode cached llm sentiment for %s: %w", symbol, err)
	}
	return &block, true, nil
}

func (a *Agent) fetchNews(ctx context.Context) (map[string]int, map[string][]string, error) {
	counts := zeroCounts(a.profile.Assets)
	headlines := make(map[string][]string, len(a.profile.Assets))

	url := "https://min-api.cryptocompare.com/data/v2/news/?lang=EN"
	var payload struct {
		Data []struct {
			PublishedOn int64  `json:"published_on"`
			Title       string `json:"title"`
			Body        string `json:"body"`
			Tags        string `json:"tags"`
		} `json:"Data"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
		return counts, headlines, err
	}

	cutoff := a.now().Add(-24 * time.Hour)
	for _, article := range payload.Data {
		if time.Unix(article.PublishedOn, 0).UTC().Before(cutoff) {
			continue
		}
		combined := strings.ToLower(article.Title + " " + article.Body + " " + article.Tags)
		for _, sym := range a.profile.Assets {
			kws := a.keywordsFor(sym)
			for _, kw := range kws {
				if strings.Contains(combined, strings.ToLower(kw)) {
					counts[sym]++
					title := truncate(article.Title, 100)
					if title != "" && !contains(headlines[sym], title) {
						headlines[sym] = append(headlines[sym], title)
					}
					break
				}
			}
		}
	}
	return counts, headlines, nil
}

func (a *Agent) fetchTrending(ctx context.Context) ([]string, error) {
	url := "https://api.coingecko.com/api/v3/search/trending"
	var payload struct {
		Coins []struct {
			Item struct {
				Symbol string `json:"symbol"`
			} `json:"item"`
		} `json:"coins"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
		return nil, err
	}

	assetSet := make(map[string]bool, len(a.profile.Assets))
	for _, sym := range a.profile.Assets {
		assetSet[sym] = true
	}

	var out []string
	for _, c := range payload.Coins {
		sym := strings.ToUpper(c.Item.Symbol)
		if assetSet[sym] {
			out = append(out, sym)
		}
	}
	return out, nil
}

func (a *Agent) keywordsFor(sym string) []string {
	if kws, ok := a.profile.AssetKeywords[sym]; ok && len(kws) > 0 {
		return kws
	}
	return []string{sym}
}

func (a *Agent) loadPeak(ctx context.Context, symbol string, days int) (int, error) {
	max := 0
	today := a.now().UTC()
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i)
		key := peakKey(symbol, day)
		v, ok, err := a.store.LoadKV(ctx, kvNamespace, key)
		if err != nil {
			return max, err
		}
		if ok && int(v) > max {
			max = int(v)
		}
	}
	return max, nil
}

func (a *Agent) storeCount(ctx context.Context, symbol string, count int) error {
	key := peakKey(symbol, a.now().UTC())
	return a.store.SaveKV(ctx, kvNamespace, key, float64(count))
}

// classifyNarrativeStatus walks the profile's configured status bands
// (min/max ranges over normalised_score) and returns the matching band's
// name, falling back to "early_pickup" when no band is configured or
// none matches — spec §4.3's own default mid-band.
func classifyNarrativeStatus(normalised float64, bands []config.NamedBand) string {
	for _, b := range bands {
		if normalised >= b.Min && normalised < b.Max {
			return b.Name
		}
	}
	return "early_pickup"
}

func peakKey(symbol string, t time.Time) string {
	return symbol + ":" + t.Format("2006-01-02")
}

func scoreSentiment(headlines []string) float64 {
	positive := []string{"surge", "rally", "bullish", "breakout", "adoption", "partnership", "upgrade"}
	negative := []string{"crash", "dump", "bearish", "hack", "exploit", "lawsuit", "ban", "delist"}

	if len(headlines) == 0 {
		return 0.0
	}
	var pos, neg int
	for _, h := range headlines {
		t := strings.ToLower(h)
		for _, w := range positive {
			if strings.Contains(t, w) {
				pos++
			}
		}
		for _, w := range negative {
			if strings.Contains(t, w) {
				neg++
			}
		}
	}
	total := pos + neg
	if total == 0 {
		return 0.0
	}
	return round4(float64(pos-neg) / float64(total))
}

func zeroCounts(assets []string) map[string]int {
	m := make(map[string]int, len(assets))
	for _, sym := range assets {
		m[sym] = 0
	}
	return m
}

func mergeHeadlines(dst, src map[string][]string) {
	for sym, hl := range src {
		for _, h := range hl {
			if !contains(dst[sym], h) {
				dst[sym] = append(dst[sym], h)
			}
		}
	}
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func round4(v float64) float64 {
	return float64(int64(v*10000)) / 10000
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptySourcesUsed(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
