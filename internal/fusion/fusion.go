// Package fusion implements the Fusion Engine (spec §4.4): a pure
// computation over the latest envelope of each collector that scores
// five dimensions per asset, reweights around whale-evidence sparsity,
// applies a conviction boost, classifies a label, tracks momentum, and
// produces a portfolio summary. Grounded on
// original_source/signal_fusion/engine.py's fuse()/_score_dimension
// dispatch shape, generalized into the closed dimension→scorer table
// spec §9's Design Notes calls for (no reflection, no string-keyed method
// lookup).
//
// Fusion implements agent.Agent so it can run through the same
// Execute() wrapper every collector uses, producing a "signal_fusion"
// envelope with identical timing/status/panic-recovery semantics.
package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/signalsd/internal/agents/derivatives"
	"github.com/sawpanic/signalsd/internal/agents/market"
	"github.com/sawpanic/signalsd/internal/agents/narrative"
	"github.com/sawpanic/signalsd/internal/agents/technical"
	"github.com/sawpanic/signalsd/internal/agents/whale"
	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/llm"
	"github.com/sawpanic/signalsd/internal/store"
)

const (
	agentName         = "signal_fusion"
	kvMomentumNamespace = "fusion_scores"
	kvOINamespace       = "derivatives_oi"
)

// dimensions is the closed enumeration fusion scores every cycle, in a
// fixed order used wherever iteration order matters (conviction counts,
// detail strings).
var dimensions = []string{"whale", "technical", "derivatives", "narrative", "market"}

// DimensionScore is one entry of a signal's per-dimension breakdown.
type DimensionScore struct {
	Score  float64 `json:"score"`
	Label  string  `json:"label"`
	Detail string  `json:"detail"`
	Weight float64 `json:"weight"`
}

// AssetSignal is the per-asset fusion result (spec §3 Fusion Envelope).
type AssetSignal struct {
	CompositeScore  float64                   `json:"composite_score"`
	Label           string                    `json:"label"`
	Direction       string                    `json:"direction"`
	Dimensions      map[string]DimensionScore `json:"dimensions"`
	Momentum        string                    `json:"momentum"`
	PrevScore       *float64                  `json:"prev_score"`
	WhaleDataTier   string                    `json:"whale_data_tier"`
	ConvictionBoost bool                      `json:"conviction_boost"`
}

// TopAsset is one entry of portfolio_summary.top_buys / top_sells.
type TopAsset struct {
	Asset          string   `json:"asset"`
	CompositeScore float64  `json:"composite_score"`
	Label          string   `json:"label"`
	Conviction     string   `json:"conviction"` // high | moderate
	LLMInsight     *string  `json:"llm_insight,omitempty"`
}

// PortfolioSummary is the aggregate view over all assets' signals.
type PortfolioSummary struct {
	TopBuys         []TopAsset `json:"top_buys"`
	TopSells        []TopAsset `json:"top_sells"`
	MarketRegime    string     `json:"market_regime"`
	RiskLevel       string     `json:"risk_level"`
	SignalMomentum  string     `json:"signal_momentum"`
	AssetsImproving []string   `json:"assets_improving"`
	AssetsDegrading []string   `json:"assets_degrading"`
	LLMInsight      *string    `json:"llm_insight,omitempty"`
}

// Data is the fusion agent's data block.
type Data struct {
	Signals          map[string]AssetSignal `json:"signals"`
	PortfolioSummary PortfolioSummary       `json:"portfolio_summary"`
}

// Engine is the fusion agent. It satisfies agent.Agent.
type Engine struct {
	profile *config.Profile
	store   store.Store
	llm     llm.Enricher
	now     func() time.Time
}

// New builds a fusion Engine. enricher may be llm.NoopEnricher{} when LLM
// enrichment is disabled or uncredentialed.
func New(profile *config.Profile, st store.Store, enricher llm.Enricher) *Engine {
	if enricher == nil {
		enricher = llm.NoopEnricher{}
	}
	return &Engine{profile: profile, store: st, llm: enricher, now: time.Now}
}

func (e *Engine) Name() string { return agentName }

func (e *Engine) EmptyData() any {
	signals := make(map[string]AssetSignal, len(e.profile.Assets))
	for _, sym := range e.profile.Assets {
		signals[sym] = emptySignal()
	}
	return Data{
		Signals: signals,
		PortfolioSummary: PortfolioSummary{
			TopBuys: []TopAsset{}, TopSells: []TopAsset{},
			AssetsImproving: []string{}, AssetsDegrading: []string{},
		},
	}
}

func emptySignal() AssetSignal {
	dims := make(map[string]DimensionScore, len(dimensions))
	for _, d := range dimensions {
		dims[d] = DimensionScore{Score: 50.0, Label: "NEUTRAL", Detail: "no data", Weight: 0}
	}
	return AssetSignal{
		CompositeScore: 50.0,
		Label:          "NEUTRAL",
		Direction:      "neutral",
		Dimensions:     dims,
		Momentum:       "new",
		WhaleDataTier:  "none",
	}
}

// collectorEnvelopes bundles the latest per-collector data, each possibly
// nil when no envelope exists yet (spec §8 scenario 1: cold start).
type collectorEnvelopes struct {
	whale       *whale.Data
	technical   *technical.Data
	derivatives *derivatives.Data
	narrative   *narrative.Data
	market      *market.Data
}

// Collect implements agent.Agent. It reads the latest envelope of every
// collector, scores each asset's five dimensions, reweights, applies
// conviction, classifies, tracks momentum, and builds the portfolio
// summary. A collector with no stored envelope degrades every asset's
// corresponding dimension to "no data" rather than aborting the run.
func (e *Engine) Collect(ctx context.Context) (any, []string) {
	var errs []string
	envs := e.loadCollectorEnvelopes(ctx, &errs)

	signals := make(map[string]AssetSignal, len(e.profile.Assets))
	for _, sym := range e.profile.Assets {
		signal, sigErrs := e.scoreAsset(ctx, sym, envs)
		errs = append(errs, sigErrs...)
		signals[sym] = signal
	}

	portfolio := e.buildPortfolioSummary(ctx, signals, envs, &errs)

	return Data{Signals: signals, PortfolioSummary: portfolio}, errs
}

func (e *Engine) loadCollectorEnvelopes(ctx context.Context, errs *[]string) collectorEnvelopes {
	var envs collectorEnvelopes

	if row, err := e.store.LoadLatest(ctx, "whale_agent"); err != nil || row == nil {
		*errs = append(*errs, "whale: no data in storage")
	} else {
		var d whale.Data
		if err := unmarshalEnvelope(row.Envelope, &d); err == nil {
			envs.whale = &d
		} else {
			*errs = append(*errs, fmt.Sprintf("whale: %v", err))
		}
	}

	if row, err := e.store.LoadLatest(ctx, "technical_agent"); err != nil || row == nil {
		*errs = append(*errs, "technical: no data in storage")
	} else {
		var d technical.Data
		if err := unmarshalEnvelope(row.Envelope, &d); err == nil {
			envs.technical = &d
		} else {
			*errs = append(*errs, fmt.Sprintf("technical: %v", err))
		}
	}

	if row, err := e.store.LoadLatest(ctx, "derivatives_agent"); err != nil || row == nil {
		*errs = append(*errs, "derivatives: no data in storage")
	} else {
		var d derivatives.Data
		if err := unmarshalEnvelope(row.Envelope, &d); err == nil {
			envs.derivatives = &d
		} else {
			*errs = append(*errs, fmt.Sprintf("derivatives: %v", err))
		}
	}

	if row, err := e.store.LoadLatest(ctx, "narrative_agent"); err != nil || row == nil {
		*errs = append(*errs, "narrative: no data in storage")
	} else {
		var d narrative.Data
		if err := unmarshalEnvelope(row.Envelope, &d); err == nil {
			envs.narrative = &d
		} else {
			*errs = append(*errs, fmt.Sprintf("narrative: %v", err))
		}
	}

	if row, err := e.store.LoadLatest(ctx, "market_agent"); err != nil || row == nil {
		*errs = append(*errs, "market: no data in storage")
	} else {
		var d market.Data
		if err := unmarshalEnvelope(row.Envelope, &d); err == nil {
			envs.market = &d
		} else {
			*errs = append(*errs, fmt.Sprintf("market: %v", err))
		}
	}

	return envs
}

// unmarshalEnvelope decodes the `data` field of a stored envelope blob
// (the canonical JSON the envelope package produces) into v.
func unmarshalEnvelope(raw []byte, v any) error {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(wrapper.Data) == 0 {
		return fmt.Errorf("envelope has no data")
	}
	return json.Unmarshal(wrapper.Data, v)
}

// scoreAsset runs steps 1-7 of spec §4.4 for a single asset.
func (e *Engine) scoreAsset(ctx context.Context, sym string, envs collectorEnvelopes) (AssetSignal, []string) {
	var errs []string
	scoring := e.profile.Scoring

	whaleScore, whaleDetail := scoreWhale(sym, envs.whale, scoring.Whale)
	techScore, techDetail := scoreTechnical(sym, envs.technical, scoring.Technical)
	derivScore, derivDetail, err := e.scoreDerivatives(ctx, sym, envs.derivatives, scoring.Derivatives)
	if err != nil {
		errs = append(errs, fmt.Sprintf("derivatives oi kv %s: %v", sym, err))
	}
	narrScore, narrDetail := scoreNarrative(sym, envs.narrative, scoring.Narrative)
	marketScore, marketDetail := scoreMarket(sym, envs.market, scoring.Market)

	rawScores := map[string]float64{
		"whale": whaleScore, "technical": techScore, "derivatives": derivScore,
		"narrative": narrScore, "market": marketScore,
	}
	details := map[string]string{
		"whale": whaleDetail, "technical": techDetail, "derivatives": derivDetail,
		"narrative": narrDetail, "market": marketDetail,
	}

	// Step 2: whale evidence tier.
	tier := "full"
	if e.profile.Reweighting.Enabled {
		tier = classifyWhaleTier(whaleDetail, e.profile.Reweighting.ClassificationKeywords)
	}

	// Step 3: adjusted weights, mass-preserving.
	weights := e.adjustedWeights(tier)

	// Step 4: composite.
	var composite float64
	for _, d := range dimensions {
		composite += rawScores[d] * weights[d]
	}
	composite = roundTo(composite, 1)

	// Step 5: conviction boost.
	convictionFired := false
	if e.profile.Conviction.Enabled {
		bull, bear := 0, 0
		for _, d := range dimensions {
			switch {
			case rawScores[d] > 55:
				bull++
			case rawScores[d] < 45:
				bear++
			}
		}
		min := e.profile.Conviction.MinAgreeingDimensions
		factor := e.profile.Conviction.BoostFactor
		switch {
		case bull >= min && composite > 50:
			composite = 50 + (composite-50)*factor
			convictionFired = true
		case bear >= min && composite < 50:
			composite = 50 + (composite-50)*factor
			convictionFired = true
		}
		composite = clamp(composite, 0, 100)
		composite = roundTo(composite, 1)
	}

	// Step 6: classify.
	band := e.profile.ClassifyLabel(composite)

	dims := make(map[string]DimensionScore, len(dimensions))
	for _, d := range dimensions {
		dimBand := e.profile.ClassifyLabel(rawScores[d])
		dims[d] = DimensionScore{
			Score:  rawScores[d],
			Label:  dimBand.Name,
			Detail: details[d],
			Weight: weights[d],
		}
	}

	// Step 7: momentum.
	momentum, prevScore, err := e.trackMomentum(ctx, sym, composite)
	if err != nil {
		errs = append(errs, fmt.Sprintf("momentum kv %s: %v", sym, err))
	}

	return AssetSignal{
		CompositeScore:  composite,
		Label:           band.Name,
		Direction:       band.Direction,
		Dimensions:      dims,
		Momentum:        momentum,
		PrevScore:       prevScore,
		WhaleDataTier:   tier,
		ConvictionBoost: convictionFired,
	}, errs
}

// adjustedWeights applies spec §4.4 step 3: the whale dimension's
// effective weight is scaled by the tier multiplier, and the freed mass
// is redistributed to the other four dimensions in proportion to their
// configured weights.
func (e *Engine) adjustedWeights(tier string) map[string]float64 {
	base := e.profile.Weights
	out := make(map[string]float64, len(dimensions))
	for _, d := range dimensions {
		out[d] = base[d]
	}

	t := 1.0
	if e.profile.Reweighting.Enabled {
		if m, ok := e.profile.Reweighting.TierMultipliers[tier]; ok {
			t = m
		}
	}

	whaleW := base["whale"]
	adjustedWhale := whaleW * t
	freed := whaleW - adjustedWhale
	out["whale"] = adjustedWhale

	if freed != 0 {
		var nonWhaleSum float64
		for _, d := range dimensions {
			if d != "whale" {
				nonWhaleSum += base[d]
			}
		}
		if nonWhaleSum > 0 {
			for _, d := range dimensions {
				if d != "whale" {
					out[d] = base[d] + freed*base[d]/nonWhaleSum
				}
			}
		}
	}

	return out
}

// trackMomentum implements spec §4.4 step 7 via the "fusion_scores" kv
// namespace: read the previous composite, classify the transition
// against the configured threshold, then persist the new composite for
// next cycle.
func (e *Engine) trackMomentum(ctx context.Context, asset string, composite float64) (string, *float64, error) {
	prev, ok, err := e.store.LoadKV(ctx, kvMomentumNamespace, asset)
	if err != nil {
		_ = e.store.SaveKV(ctx, kvMomentumNamespace, asset, composite)
		return "new", nil, err
	}

	saveErr := e.store.SaveKV(ctx, kvMomentumNamespace, asset, composite)

	if !ok {
		return "new", nil, saveErr
	}

	prevCopy := prev
	delta := composite - prev
	mom := e.profile.Momentum
	switch {
	case delta > mom.Threshold:
		return orDefaultLabel(mom.ImprovingLabel, "improving"), &prevCopy, saveErr
	case delta < -mom.Threshold:
		return orDefaultLabel(mom.DegradingLabel, "degrading"), &prevCopy, saveErr
	default:
		return orDefaultLabel(mom.StableLabel, "stable"), &prevCopy, saveErr
	}
}

// scoreDerivatives wraps the pure dimension scorer with the kv-based open
// interest delta tracking spec §4.4 requires (percent change versus the
// previous cycle's value, read/written under a per-asset kv key), which
// original_source/signal_fusion/engine.py does not implement — it awards
// a flat score whenever OI is present. SPEC_FULL follows the formal spec
// here, not the simpler original.
func (e *Engine) scoreDerivatives(ctx context.Context, asset string, data *derivatives.Data, cfg config.DerivativesScoring) (float64, string, error) {
	if data == nil {
		return 50.0, "no data", nil
	}
	block, ok := data.ByAsset[asset]
	if !ok {
		return 50.0, "no data", nil
	}

	oiTrend := "unknown"
	var oiErr error
	if block.OpenInterestUSD != nil {
		curr := *block.OpenInterestUSD
		prev, found, err := e.store.LoadKV(ctx, kvOINamespace, asset)
		if err != nil {
			oiErr = err
		} else if found && prev != 0 {
			pctChange := (curr - prev) / prev * 100
			threshold := cfg.OIDeltaThreshold
			switch {
			case pctChange > threshold:
				oiTrend = "rising"
			case pctChange < -threshold:
				oiTrend = "falling"
			default:
				oiTrend = "stable"
			}
		}
		if err := e.store.SaveKV(ctx, kvOINamespace, asset, curr); err != nil && oiErr == nil {
			oiErr = err
		}
	}

	score, detail := scoreDerivativesBlock(block, cfg, oiTrend)
	return score, detail, oiErr
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}

func orDefaultLabel(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
