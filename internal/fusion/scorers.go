package fusion

import (
	"fmt"
	"strings"

	"github.com/sawpanic/signalsd/internal/agents/derivatives"
	"github.com/sawpanic/signalsd/internal/agents/market"
	"github.com/sawpanic/signalsd/internal/agents/narrative"
	"github.com/sawpanic/signalsd/internal/agents/technical"
	"github.com/sawpanic/signalsd/internal/agents/whale"
	"github.com/sawpanic/signalsd/internal/config"
)

// scoreWhale reproduces original_source/signal_fusion/engine.py's
// _score_whale: a base score, a directional-ratio bonus once enough
// moves exist, and fixed bonuses for the cross-asset exchange-flow
// direction and any known-wallet signals (both evidence sources are
// exchange/chain-level rather than per-asset, so they contribute the
// same bonus to every asset's whale score, matching the original).
func scoreWhale(asset string, data *whale.Data, cfg config.WhaleScoring) (float64, string) {
	if data == nil {
		return 50.0, "no data"
	}
	moves, ok := data.ByAsset[asset]
	if !ok {
		return 50.0, "no data"
	}

	base := cfg.BaseScore
	if base == 0 {
		base = 50
	}
	minScore, maxScore := cfg.MinScore, cfg.MaxScore
	if maxScore == 0 {
		maxScore = 100
	}

	var accumulate, sell int
	for _, m := range moves {
		switch m.Action {
		case "accumulate":
			accumulate++
		case "sell":
			sell++
		}
	}

	score := base
	minMoves := cfg.MinDirectionalMoves
	if minMoves <= 0 {
		minMoves = 1
	}

	var ratio float64
	hasRatio := accumulate+sell >= minMoves
	if hasRatio {
		ratio = float64(accumulate) / float64(accumulate+sell)
		score += ratio * cfg.RatioMaxPoints
	}

	direction := data.Summary.NetExchangeDirection
	if bonus, ok := cfg.DirectionBonuses[direction]; ok {
		score += bonus
	}

	signalCount := len(data.Summary.WhaleWalletSignals)
	score += float64(signalCount) * cfg.WalletSignalBonus

	if len(moves) == 0 && signalCount == 0 && direction == "" {
		return clamp(score, minScore, maxScore), "no whale activity"
	}

	score = clamp(score, minScore, maxScore)
	detail := fmt.Sprintf("%d accumulate, %d sell, direction=%s, wallet_signals=%d", accumulate, sell, orDash(direction), signalCount)
	return score, detail
}

// classifyWhaleTier inspects the whale detail string against the
// profile's configured keyword lists, checking the sparsest tier first
// so a detail matching multiple tiers' keywords resolves to the more
// conservative classification (spec §4.4 step 2).
func classifyWhaleTier(detail string, keywords map[string][]string) string {
	lower := strings.ToLower(detail)
	for _, tier := range []string{"none", "sparse", "full"} {
		for _, kw := range keywords[tier] {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return tier
			}
		}
	}
	return "full"
}

// scoreTechnical reproduces _score_technical: per-band RSI award, a MACD
// crossover bonus, price-above-MA bonuses, and a trend award using
// trend_30d (falling back to trend_7d when trend_30d is unknown).
func scoreTechnical(asset string, data *technical.Data, cfg config.TechnicalScoring) (float64, string) {
	if data == nil {
		return 50.0, "no data"
	}
	block, ok := data.ByAsset[asset]
	if !ok {
		return 50.0, "no data"
	}

	score := 50.0
	var parts []string

	if block.RSI14 != nil {
		for _, band := range cfg.RSIBands {
			if *block.RSI14 <= band.Max {
				score += band.Points
				parts = append(parts, fmt.Sprintf("rsi:%s", band.Name))
				break
			}
		}
	}

	if block.MACDLine != nil && block.MACDSignal != nil && *block.MACDLine > *block.MACDSignal {
		score += cfg.MACDBonus
		parts = append(parts, "macd:bullish")
	}

	if block.Price != nil && block.MA7d != nil && *block.Price > *block.MA7d {
		score += cfg.Above7DBonus
		parts = append(parts, "above_ma7d")
	}
	if block.Price != nil && block.MA30d != nil && *block.Price > *block.MA30d {
		score += cfg.Above30DBonus
		parts = append(parts, "above_ma30d")
	}

	trend := block.Trend30d
	if trend == "" || trend == "unknown" {
		trend = block.Trend7d
	}
	switch trend {
	case "bullish":
		score += cfg.TrendBullBonus
		parts = append(parts, "trend:bullish")
	case "bearish":
		score += cfg.TrendBearPenalt
		parts = append(parts, "trend:bearish")
	}

	score = clamp(score, 0, 100)
	if len(parts) == 0 {
		return score, "no signals"
	}
	return score, strings.Join(parts, ",")
}

// scoreDerivativesBlock reproduces _score_derivatives' band lookups for
// long/short ratio and funding rate, plus (per SPEC_FULL, not the
// original) the oiTrend classification computed by the caller from the
// kv-tracked percent delta.
func scoreDerivativesBlock(block derivatives.AssetBlock, cfg config.DerivativesScoring, oiTrend string) (float64, string) {
	score := 50.0
	var parts []string

	if block.LongShortRatio != nil {
		if band, ok := matchBand(cfg.LongShortBands, *block.LongShortRatio); ok {
			score += band.Points
			parts = append(parts, "ls:"+band.Name)
		}
	}
	if block.FundingRate != nil {
		if band, ok := matchBand(cfg.FundingBands, *block.FundingRate); ok {
			score += band.Points
			parts = append(parts, "funding:"+band.Name)
		}
	}
	if oiTrend != "unknown" && oiTrend != "" {
		score += cfg.OIDeltaBonus[oiTrend]
		parts = append(parts, "oi:"+oiTrend)
	}

	score = clamp(score, 0, 100)
	if len(parts) == 0 {
		return score, "no signals"
	}
	return score, strings.Join(parts, ",")
}

func matchBand(bands []config.NamedBand, value float64) (config.NamedBand, bool) {
	for _, b := range bands {
		if value >= b.Min && value < b.Max {
			return b, true
		}
	}
	return config.NamedBand{}, false
}

// scoreNarrative composes the up-to-six weighted components spec §4.4
// requires: normalised_score*volume_multiplier, optional confidence-
// gated LLM sentiment, community sentiment, a trending bonus, an
// influencer bonus, and a multi-source bonus. original_source's fusion
// only implements the first and fourth of these plus a status term
// (raw_score*multiplier, trending bonus, status bonus/penalty); SPEC_FULL's richer six-
// component contract is implemented here instead.
func scoreNarrative(asset string, data *narrative.Data, cfg config.NarrativeScoring) (float64, string) {
	if data == nil {
		return 50.0, "no data"
	}
	block, ok := data.ByAsset[asset]
	if !ok {
		return 50.0, "no data"
	}

	var parts []string
	volumeMultiplier := cfg.VolumeMultiplier
	if volumeMultiplier == 0 {
		volumeMultiplier = 50
	}
	score := block.NormalisedScore * volumeMultiplier
	parts = append(parts, fmt.Sprintf("base:%.1f", score))

	if block.LLMSentiment != nil && block.LLMSentiment.Confidence >= cfg.LLMConfidenceMin {
		llmValue := mapSentimentDirection(block.LLMSentiment.Sentiment)
		component := llmValue * cfg.LLMSentimentWeight
		score += component
		parts = append(parts, fmt.Sprintf("llm:%.1f", component))
	}

	communityComponent := block.CommunitySentiment * cfg.CommunitySentWeight
	score += communityComponent
	parts = append(parts, fmt.Sprintf("community:%.1f", communityComponent))

	if block.TrendingCoingecko {
		score += cfg.TrendingBonus
		parts = append(parts, fmt.Sprintf("trending:%.1f", cfg.TrendingBonus))
	}

	if cfg.InfluencerThreshold > 0 && block.InfluencerMentions >= cfg.InfluencerThreshold {
		score += cfg.InfluencerBonus
		parts = append(parts, fmt.Sprintf("influencer:%.1f", cfg.InfluencerBonus))
	}

	if cfg.MultiSourceThreshold > 0 && block.SourcesWithData >= cfg.MultiSourceThreshold {
		score += cfg.MultiSourceBonus
		parts = append(parts, fmt.Sprintf("multisource:%.1f", cfg.MultiSourceBonus))
	}

	score = clamp(score, 0, 100)
	detail := fmt.Sprintf("status=%s %d sources %s", block.NarrativeStatus, block.SourcesWithData, strings.Join(parts, ","))
	return score, detail
}

func mapSentimentDirection(sentiment string) float64 {
	switch strings.ToLower(sentiment) {
	case "bullish":
		return 1.0
	case "bearish":
		return -1.0
	default:
		return 0.0
	}
}

// scoreMarket reproduces _score_market: band awards for 24h change,
// volume-spike ratio, and the global Fear & Greed index.
func scoreMarket(asset string, data *market.Data, cfg config.MarketScoring) (float64, string) {
	if data == nil {
		return 50.0, "no data"
	}
	block, ok := data.PerAsset[asset]
	if !ok {
		return 50.0, "no data"
	}

	score := 50.0
	var parts []string

	if block.Change24hPct != nil {
		if band, ok := matchBand(cfg.Change24hBands, *block.Change24hPct); ok {
			score += band.Points
			parts = append(parts, "change:"+band.Name)
		}
	}
	if block.VolumeSpikeRatio != nil {
		if band, ok := matchBand(cfg.VolumeSpikeBands, *block.VolumeSpikeRatio); ok {
			score += band.Points
			parts = append(parts, "volume:"+band.Name)
		}
	}
	if data.Sentiment.FearGreedIndex != nil {
		if band, ok := matchBand(cfg.FearGreedBands, float64(*data.Sentiment.FearGreedIndex)); ok {
			score += band.Points
			parts = append(parts, "fear_greed:"+band.Name)
		}
	}

	score = clamp(score, 0, 100)
	if len(parts) == 0 {
		return score, "no signals"
	}
	return score, strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
