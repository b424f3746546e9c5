package fusion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalsd/internal/agents/derivatives"
	"github.com/sawpanic/signalsd/internal/agents/market"
	"github.com/sawpanic/signalsd/internal/agents/narrative"
	"github.com/sawpanic/signalsd/internal/agents/technical"
	"github.com/sawpanic/signalsd/internal/agents/whale"
	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/llm"
	"github.com/sawpanic/signalsd/internal/store/memstore"
)

// baseProfile returns a minimal profile with every field scoreAsset and
// buildPortfolioSummary read populated to safe zero/defaults; individual
// tests override only what their scenario needs.
func baseProfile(assets ...string) *config.Profile {
	return &config.Profile{
		Name:   "test",
		Assets: assets,
		Weights: map[string]float64{
			"whale": 0.3, "technical": 0.25, "derivatives": 0.2, "narrative": 0.15, "market": 0.1,
		},
		Labels: []config.LabelBand{
			{MinScore: 80, Name: "STRONG BUY", Direction: "buy"},
			{MinScore: 65, Name: "BUY", Direction: "buy"},
			{MinScore: 35, Name: "NEUTRAL", Direction: "neutral"},
			{MinScore: 20, Name: "SELL", Direction: "sell"},
			{MinScore: 0, Name: "STRONG SELL", Direction: "sell"},
		},
	}
}

func newTestEngine(profile *config.Profile, st *memstore.Store) *Engine {
	return New(profile, st, llm.NoopEnricher{})
}

// Scenario 1 (spec §8): cold start, nothing in the store yet. Every
// dimension degrades to "no data", composite stays at the neutral
// midpoint, and one error is reported per missing collector.
func TestCollect_ColdStart(t *testing.T) {
	profile := baseProfile("BTC", "ETH")
	st := memstore.New()
	e := newTestEngine(profile, st)

	data, errs := e.Collect(context.Background())

	assert.Len(t, errs, 5, "one 'no data in storage' error per collector")
	result := data.(Data)
	require.Len(t, result.Signals, 2)
	for _, sym := range profile.Assets {
		sig := result.Signals[sym]
		assert.Equal(t, 50.0, sig.CompositeScore)
		assert.Equal(t, "NEUTRAL", sig.Label)
		assert.Equal(t, "new", sig.Momentum)
		assert.Nil(t, sig.PrevScore)
		for _, dim := range dimensions {
			assert.Equal(t, "no data", sig.Dimensions[dim].Detail)
		}
	}
}

// Scenario 2 (spec §8): every dimension bullish enough to fire the
// conviction boost. Pre-boost composite = 75*.3+80*.25+70*.2+72*.15+78*.1
// = 75.1; five dimensions exceed 55 so the boost fires:
// 50 + (75.1-50)*1.25 = 81.4.
func TestScoreAsset_ConvictionBoost(t *testing.T) {
	profile := baseProfile("BTC")
	profile.Scoring = config.ScoringConfig{
		Whale: config.WhaleScoring{
			BaseScore: 50, MinDirectionalMoves: 1, RatioMaxPoints: 25,
			MinScore: 0, MaxScore: 100,
		},
		Technical: config.TechnicalScoring{TrendBullBonus: 30},
		Derivatives: config.DerivativesScoring{
			LongShortBands: []config.NamedBand{{Name: "band", Min: 0, Max: 2, Points: 20}},
		},
		Narrative: config.NarrativeScoring{VolumeMultiplier: 72},
		Market: config.MarketScoring{
			Change24hBands: []config.NamedBand{{Name: "strong_up", Min: 5, Max: 999, Points: 28}},
		},
	}
	profile.Conviction = config.ConvictionConfig{Enabled: true, MinAgreeingDimensions: 3, BoostFactor: 1.25}

	st := memstore.New()
	e := newTestEngine(profile, st)

	ratio := 1.0
	change := 10.0
	envs := collectorEnvelopes{
		whale: &whale.Data{
			ByAsset: map[string][]whale.Move{"BTC": {{Action: "accumulate"}}},
		},
		technical: &technical.Data{
			ByAsset: map[string]technical.AssetBlock{"BTC": {Trend30d: "bullish"}},
		},
		derivatives: &derivatives.Data{
			ByAsset: map[string]derivatives.AssetBlock{"BTC": {LongShortRatio: &ratio}},
		},
		narrative: &narrative.Data{
			ByAsset: map[string]narrative.AssetBlock{"BTC": {NormalisedScore: 1.0}},
		},
		market: &market.Data{
			PerAsset: map[string]market.AssetBlock{"BTC": {Change24hPct: &change}},
		},
	}

	sig, errs := e.scoreAsset(context.Background(), "BTC", envs)
	require.Empty(t, errs)

	assert.InDelta(t, 75.0, sig.Dimensions["whale"].Score, 1e-9)
	assert.InDelta(t, 80.0, sig.Dimensions["technical"].Score, 1e-9)
	assert.InDelta(t, 70.0, sig.Dimensions["derivatives"].Score, 1e-9)
	assert.InDelta(t, 72.0, sig.Dimensions["narrative"].Score, 1e-9)
	assert.InDelta(t, 78.0, sig.Dimensions["market"].Score, 1e-9)

	// 75*.3+80*.25+70*.2+72*.15+78*.1 = 75.1 pre-boost; five dimensions
	// exceed the bullish threshold so the boost fires:
	// 50 + (75.1-50)*1.25 = 81.375, rounded to 81.4.
	assert.Equal(t, 81.4, sig.CompositeScore)
	assert.True(t, sig.ConvictionBoost)
	assert.Equal(t, "full", sig.WhaleDataTier)
}

// Scenario 3 (spec §8): whale evidence is entirely absent ("no whale
// activity" classifies to the "none" tier), so whale's weight collapses
// to zero and the freed 0.3 redistributes across the other four
// dimensions in proportion to their configured weights.
func TestAdjustedWeights_WhaleMissingRedistributes(t *testing.T) {
	profile := baseProfile("BTC")
	profile.Reweighting = config.ReweightingConfig{
		Enabled:         true,
		TierMultipliers: map[string]float64{"full": 1.0, "sparse": 0.5, "none": 0.0},
	}

	e := newTestEngine(profile, memstore.New())
	weights := e.adjustedWeights("none")

	assert.Equal(t, 0.0, weights["whale"])
	assert.InDelta(t, 0.3571428571, weights["technical"], 1e-9)
	assert.InDelta(t, 0.2857142857, weights["derivatives"], 1e-9)
	assert.InDelta(t, 0.2142857143, weights["narrative"], 1e-9)
	assert.InDelta(t, 0.1428571429, weights["market"], 1e-9)

	sum := weights["technical"] + weights["derivatives"] + weights["narrative"] + weights["market"]
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestClassifyWhaleTier_NoWhaleActivityClassifiesNone(t *testing.T) {
	profile := baseProfile("BTC")
	profile.Reweighting = config.ReweightingConfig{
		Enabled: true,
		ClassificationKeywords: map[string][]string{
			"none": {"no whale activity", "no data"},
		},
	}
	e := newTestEngine(profile, memstore.New())

	envs := collectorEnvelopes{
		whale: &whale.Data{ByAsset: map[string][]whale.Move{"BTC": {}}},
	}
	_, detail := scoreWhale("BTC", envs.whale, profile.Scoring.Whale)
	assert.Equal(t, "no whale activity", detail)

	tier := classifyWhaleTier(detail, profile.Reweighting.ClassificationKeywords)
	assert.Equal(t, "none", tier)
}

// Scenario 4 (spec §8): momentum tracks the delta between consecutive
// cycles against the configured threshold, returning "new" with no
// prev_score the first time an asset is scored.
func TestTrackMomentum_NewThenImprovingThenStable(t *testing.T) {
	profile := baseProfile("BTC")
	profile.Momentum = config.MomentumConfig{Threshold: 5.0}
	e := newTestEngine(profile, memstore.New())
	ctx := context.Background()

	mom, prev, err := e.trackMomentum(ctx, "BTC", 60.0)
	require.NoError(t, err)
	assert.Equal(t, "new", mom)
	assert.Nil(t, prev)

	mom, prev, err = e.trackMomentum(ctx, "BTC", 66.2)
	require.NoError(t, err)
	assert.Equal(t, "improving", mom)
	require.NotNil(t, prev)
	assert.Equal(t, 60.0, *prev)

	mom, prev, err = e.trackMomentum(ctx, "BTC", 67.0)
	require.NoError(t, err)
	assert.Equal(t, "stable", mom)
	require.NotNil(t, prev)
	assert.Equal(t, 66.2, *prev)

	mom, prev, err = e.trackMomentum(ctx, "BTC", 50.0)
	require.NoError(t, err)
	assert.Equal(t, "degrading", mom)
	require.NotNil(t, prev)
	assert.Equal(t, 67.0, *prev)
}

// composite_score must always land in [0, 100] regardless of how extreme
// the inputs are, since every scorer clamps before weighting and the
// conviction boost clamps again afterward.
func TestScoreAsset_CompositeAlwaysInBounds(t *testing.T) {
	profile := baseProfile("BTC")
	profile.Scoring = config.ScoringConfig{
		Whale: config.WhaleScoring{
			BaseScore: 50, MinDirectionalMoves: 1, RatioMaxPoints: 1000, MinScore: 0, MaxScore: 100,
		},
	}
	profile.Conviction = config.ConvictionConfig{Enabled: true, MinAgreeingDimensions: 1, BoostFactor: 10}

	e := newTestEngine(profile, memstore.New())
	envs := collectorEnvelopes{
		whale: &whale.Data{ByAsset: map[string][]whale.Move{"BTC": {{Action: "accumulate"}}}},
	}

	sig, _ := e.scoreAsset(context.Background(), "BTC", envs)
	assert.GreaterOrEqual(t, sig.CompositeScore, 0.0)
	assert.LessOrEqual(t, sig.CompositeScore, 100.0)
}
