package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/signalsd/internal/agents/market"
	"github.com/sawpanic/signalsd/internal/envelope"
	"github.com/sawpanic/signalsd/internal/fusion"
	"github.com/sawpanic/signalsd/internal/store"
)

var sourcesRe = regexp.MustCompile(`(\d+)\s+sources`)

// runSnapshotCycle implements spec §4.5's snapshot cadence: read the
// latest fusion and market envelopes, and for every asset present in
// both with a price and a composite score, derive signal_direction from
// the 60/40 bands and extract the source count from the narrative
// dimension's detail string, then write one snapshot row.
func (o *Orchestrator) runSnapshotCycle(ctx context.Context) {
	fusionData, ok := o.loadLatestFusion(ctx)
	if !ok {
		log.Warn().Msg("snapshot cycle: no fusion envelope yet, skipping")
		return
	}
	marketData, ok := o.loadLatestMarket(ctx)
	if !ok {
		log.Warn().Msg("snapshot cycle: no market envelope yet, skipping")
		return
	}

	written := 0
	for _, sym := range o.profile.Assets {
		signal, ok := fusionData.Signals[sym]
		if !ok {
			continue
		}
		block, ok := marketData.PerAsset[sym]
		if !ok || block.Price == nil {
			continue
		}

		direction := signalDirection(signal.CompositeScore)
		sources := 0
		if dim, ok := signal.Dimensions["narrative"]; ok {
			if m := sourcesRe.FindStringSubmatch(dim.Detail); len(m) == 2 {
				sources, _ = strconv.Atoi(m[1])
			}
		}

		snap := store.PerformanceSnapshot{
			Timestamp:       o.now().UTC(),
			Asset:           sym,
			SignalScore:     signal.CompositeScore,
			SignalDirection: direction,
			PriceAtSignal:   *block.Price,
			SourcesCount:    sources,
			Detail:          signal.Label,
		}
		if _, err := o.store.SavePerformanceSnapshot(ctx, snap); err != nil {
			log.Error().Err(err).Str("asset", sym).Msg("failed to save performance snapshot")
			continue
		}
		written++
	}

	log.Info().Int("snapshots", written).Msg("snapshot cycle complete")
}

// signalDirection applies spec §4.5's 60/40 bands: composite >= 60 is
// bullish, <= 40 is bearish, otherwise neutral.
func signalDirection(composite float64) string {
	switch {
	case composite >= 60:
		return "bullish"
	case composite <= 40:
		return "bearish"
	default:
		return "neutral"
	}
}

// runEvaluationCycle implements spec §4.5's evaluation cadence: fetch
// current prices for every tracked asset in one batch call, then for
// each of the three windows load the snapshots still awaiting that
// window's evaluation and score direction_correct against the realized
// percent change.
func (o *Orchestrator) runEvaluationCycle(ctx context.Context) {
	prices, err := o.fetchCurrentPrices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("evaluation cycle: failed to fetch current prices")
		return
	}

	windows := []int{24, 48, 168}
	for _, window := range windows {
		rows, err := o.store.LoadUnevaluatedSnapshots(ctx, window, window)
		if err != nil {
			log.Error().Err(err).Int("window_hours", window).Msg("failed to load unevaluated snapshots")
			continue
		}

		evaluated := 0
		for _, row := range rows {
			priceNow, ok := prices[row.Asset]
			if !ok || row.PriceAtSignal == 0 {
				continue
			}

			pctChange := (priceNow - row.PriceAtSignal) / row.PriceAtSignal * 100

			var correct bool
			switch row.SignalDirection {
			case "bullish":
				correct = pctChange > 0
			case "bearish":
				correct = pctChange < 0
			default:
				correct = pctChange <= 2.0 && pctChange >= -2.0
			}

			acc := store.PerformanceAccuracy{
				SnapshotID:       row.ID,
				WindowHours:      window,
				PriceAtWindow:    priceNow,
				DirectionCorrect: correct,
			}
			if err := o.store.SavePerformanceAccuracy(ctx, acc); err != nil {
				log.Error().Err(err).Int64("snapshot_id", row.ID).Msg("failed to save performance accuracy")
				continue
			}
			evaluated++
		}
		log.Info().Int("window_hours", window).Int("evaluated", evaluated).Msg("evaluation window complete")
	}
}

// fetchCurrentPrices reuses the simple-price shape market.Agent's own
// fetchPerAsset calls against CoinGecko (spec §4.5 "single batch request
// to a configured price source"); the evaluation cadence only needs the
// price, not the full market block, so it goes directly to the same
// endpoint rather than through the collector's envelope.
func (o *Orchestrator) fetchCurrentPrices(ctx context.Context) (map[string]float64, error) {
	cfg := o.profile.Sources.Market
	var ids []string
	symByID := map[string]string{}
	for _, sym := range o.profile.Assets {
		if id, ok := cfg.CoinGeckoMap[sym]; ok && id != "" {
			ids = append(ids, id)
			symByID[id] = sym
		}
	}
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}

	idList := ""
	for i, id := range ids {
		if i > 0 {
			idList += ","
		}
		idList += id
	}
	url := fmt.Sprintf("https://api.coingecko.com/api/v3/simple/price?ids=%s&vs_currencies=usd", idList)

	var payload map[string]map[string]float64
	if err := o.priceClient.GetJSON(ctx, url, nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch current prices: %w", err)
	}

	out := make(map[string]float64, len(symByID))
	for id, sym := range symByID {
		if p, ok := payload[id]["usd"]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

// runLLMEnrichmentCycle implements spec §4.5's LLM enrichment cadence:
// recompute a per-asset sentiment block from the latest narrative
// headlines and cache it under the namespace the narrative agent reads
// on its next run (internal/agents/narrative's loadLLMSentiment).
func (o *Orchestrator) runLLMEnrichmentCycle(ctx context.Context) {
	row, err := o.store.LoadLatest(ctx, "narrative_agent")
	if err != nil || row == nil {
		log.Warn().Msg("llm enrichment cycle: no narrative envelope yet, skipping")
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		log.Error().Err(err).Msg("llm enrichment cycle: failed to decode narrative envelope")
		return
	}

	var narrData struct {
		ByAsset map[string]struct {
			TopHeadlines []string `json:"top_headlines"`
		} `json:"by_asset"`
	}
	if err := env.Unmarshal(&narrData); err != nil {
		log.Error().Err(err).Msg("llm enrichment cycle: failed to decode narrative data")
		return
	}

	headlines := make(map[string][]string, len(narrData.ByAsset))
	for sym, block := range narrData.ByAsset {
		if len(block.TopHeadlines) > 0 {
			headlines[sym] = block.TopHeadlines
		}
	}
	if len(headlines) == 0 {
		log.Info().Msg("llm enrichment cycle: no headlines to enrich")
		return
	}

	results, err := o.llm.Sentiment(ctx, headlines)
	if err != nil {
		log.Error().Err(err).Msg("llm enrichment cycle: sentiment call failed")
		return
	}

	cached := 0
	for sym, result := range results {
		raw, err := json.Marshal(result)
		if err != nil {
			continue
		}
		if err := o.store.SaveKVJSON(ctx, llmCacheNamespace, sym, raw); err != nil {
			log.Error().Err(err).Str("asset", sym).Msg("failed to cache llm sentiment")
			continue
		}
		cached++
	}
	log.Info().Int("assets", cached).Msg("llm enrichment cycle complete")
}

func (o *Orchestrator) loadLatestFusion(ctx context.Context) (*fusion.Data, bool) {
	row, err := o.store.LoadLatest(ctx, "signal_fusion")
	if err != nil || row == nil {
		return nil, false
	}
	var env envelope.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		return nil, false
	}
	var d fusion.Data
	if err := env.Unmarshal(&d); err != nil {
		return nil, false
	}
	return &d, true
}

func (o *Orchestrator) loadLatestMarket(ctx context.Context) (*market.Data, bool) {
	row, err := o.store.LoadLatest(ctx, "market_agent")
	if err != nil || row == nil {
		return nil, false
	}
	var env envelope.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		return nil, false
	}
	var d market.Data
	if err := env.Unmarshal(&d); err != nil {
		return nil, false
	}
	return &d, true
}
