package fusion

import (
	"context"
	"fmt"
	"sort"

	"github.com/sawpanic/signalsd/internal/agents/derivatives"
)

// buildPortfolioSummary implements spec §4.4's portfolio-summary step:
// top/bottom-N by composite, market regime and risk level derived from
// Fear & Greed and average funding, signal-momentum aggregation, and the
// optional best-effort LLM insight attachment.
func (e *Engine) buildPortfolioSummary(ctx context.Context, signals map[string]AssetSignal, envs collectorEnvelopes, errs *[]string) PortfolioSummary {
	assets := make([]string, 0, len(signals))
	for sym := range signals {
		assets = append(assets, sym)
	}
	// Deterministic tie-break: sort by composite descending, then by
	// asset ticker ascending for equal composites.
	sort.Slice(assets, func(i, j int) bool {
		si, sj := signals[assets[i]], signals[assets[j]]
		if si.CompositeScore != sj.CompositeScore {
			return si.CompositeScore > sj.CompositeScore
		}
		return assets[i] < assets[j]
	})

	topN := e.profile.Portfolio.TopN
	highThresh := e.profile.Portfolio.HighConvictionThresh

	buyCount := topN
	if buyCount > len(assets) {
		buyCount = len(assets)
	}
	topBuys := make([]TopAsset, 0, buyCount)
	used := make(map[string]bool, buyCount)
	for _, sym := range assets[:buyCount] {
		sig := signals[sym]
		conviction := "moderate"
		if sig.CompositeScore >= highThresh {
			conviction = "high"
		}
		topBuys = append(topBuys, TopAsset{Asset: sym, CompositeScore: sig.CompositeScore, Label: sig.Label, Conviction: conviction})
		used[sym] = true
	}

	// top_sells draws from the tail, skipping anything already placed in
	// top_buys (possible when fewer than 2*top_n assets are configured;
	// spec §9 leaves this tie-break undocumented, so DESIGN.md records
	// this choice: an asset never appears in both lists, top_buys wins).
	var topSells []TopAsset
	for i := len(assets) - 1; i >= 0 && len(topSells) < topN; i-- {
		sym := assets[i]
		if used[sym] {
			continue
		}
		sig := signals[sym]
		conviction := "moderate"
		if sig.CompositeScore >= highThresh {
			conviction = "high"
		}
		topSells = append(topSells, TopAsset{Asset: sym, CompositeScore: sig.CompositeScore, Label: sig.Label, Conviction: conviction})
	}

	marketRegime := "unknown"
	var fearGreed float64
	if envs.market != nil && envs.market.Sentiment.FearGreedIndex != nil {
		fearGreed = float64(*envs.market.Sentiment.FearGreedIndex)
		if band, ok := matchBand(e.profile.Portfolio.RegimeThresholds, fearGreed); ok {
			marketRegime = band.Name
		}
	}

	avgFunding := avgAbsFunding(envs.derivatives, e.profile.Assets)
	riskLevel := "unknown"
	for _, rl := range e.profile.Portfolio.RiskLevels {
		if avgFunding <= rl.MaxAvgFunding && fearGreed >= rl.MinFearGreed {
			riskLevel = rl.Name
			break
		}
	}

	var improving, degrading []string
	for _, sym := range e.profile.Assets {
		switch signals[sym].Momentum {
		case e.profile.Momentum.ImprovingLabel, "improving":
			improving = append(improving, sym)
		case e.profile.Momentum.DegradingLabel, "degrading":
			degrading = append(degrading, sym)
		}
	}

	signalMomentum := "mixed"
	switch {
	case len(improving)-len(degrading) > 2:
		signalMomentum = "improving"
	case len(degrading)-len(improving) > 2:
		signalMomentum = "degrading"
	}

	summary := PortfolioSummary{
		TopBuys:         topBuys,
		TopSells:        orEmptyTop(topSells),
		MarketRegime:    marketRegime,
		RiskLevel:       riskLevel,
		SignalMomentum:  signalMomentum,
		AssetsImproving: orEmptyStr(improving),
		AssetsDegrading: orEmptyStr(degrading),
	}

	if e.profile.LLMEnrichment.Enabled {
		e.attachLLMInsight(ctx, &summary, errs)
	}

	return summary
}

// attachLLMInsight calls the configured Enricher for a portfolio-level
// insight and one per top_buys/top_sells asset. Any failure is recorded
// in errs and leaves the corresponding insight field unset; scores are
// never affected (spec §4.4 "LLM enrichment (optional)").
func (e *Engine) attachLLMInsight(ctx context.Context, summary *PortfolioSummary, errs *[]string) {
	prompt := fmt.Sprintf("Portfolio regime=%s risk=%s momentum=%s top_buys=%v top_sells=%v",
		summary.MarketRegime, summary.RiskLevel, summary.SignalMomentum,
		tickers(summary.TopBuys), tickers(summary.TopSells))

	if insight, err := e.llm.Insight(ctx, prompt); err != nil {
		*errs = append(*errs, fmt.Sprintf("llm_insight portfolio: %v", err))
	} else if insight != "" {
		summary.LLMInsight = &insight
	}

	for i := range summary.TopBuys {
		e.attachAssetInsight(ctx, &summary.TopBuys[i], errs)
	}
	for i := range summary.TopSells {
		e.attachAssetInsight(ctx, &summary.TopSells[i], errs)
	}
}

func (e *Engine) attachAssetInsight(ctx context.Context, asset *TopAsset, errs *[]string) {
	prompt := fmt.Sprintf("Asset %s composite_score=%.1f label=%s", asset.Asset, asset.CompositeScore, asset.Label)
	insight, err := e.llm.Insight(ctx, prompt)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("llm_insight %s: %v", asset.Asset, err))
		return
	}
	if insight != "" {
		asset.LLMInsight = &insight
	}
}

func tickers(assets []TopAsset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.Asset
	}
	return out
}

func avgAbsFunding(data *derivatives.Data, assets []string) float64 {
	if data == nil {
		return 0
	}
	var sum float64
	var n int
	for _, sym := range assets {
		block, ok := data.ByAsset[sym]
		if !ok || block.FundingRate == nil {
			continue
		}
		f := *block.FundingRate
		if f < 0 {
			f = -f
		}
		sum += f
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func orEmptyTop(s []TopAsset) []TopAsset {
	if s == nil {
		return []TopAsset{}
	}
	return s
}

func orEmptyStr(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
