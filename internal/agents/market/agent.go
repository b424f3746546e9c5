// Package market implements the Market collector agent (spec §4.3),
// grounded on original_source/market_agent/engine.py: CoinGecko per-asset
// price/volume, Binance-klines volume-spike enrichment, global market
// data, Fear & Greed sentiment, and optional breadth/trending/DEX
// sections.
package market

import (
	"context"
	"fmt"
	"sort"

	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/httpfetch"
)

const agentName = "market_agent"

type AssetBlock struct {
	Price            *float64 `json:"price"`
	Change24hPct     *float64 `json:"change_24h_pct"`
	Volume24h        *float64 `json:"volume_24h"`
	MarketCap        *float64 `json:"market_cap"`
	Volume7dAvg      *float64 `json:"volume_7d_avg"`
	VolumeSpikeRatio *float64 `json:"volume_spike_ratio"`
	VolumeStatus     string   `json:"volume_status"`
}

type GlobalMarket struct {
	TotalMarketCapUSD        *float64 `json:"total_market_cap_usd"`
	TotalMarketCapChange24h  *float64 `json:"total_market_cap_change_24h"`
	BTCDominance             *float64 `json:"btc_dominance"`
	ETHDominance             *float64 `json:"eth_dominance"`
	ActiveCryptocurrencies   *int     `json:"active_cryptocurrencies"`
}

type Sentiment struct {
	FearGreedIndex *int   `json:"fear_greed_index"`
	Classification string `json:"classification"`
}

type TrendingToken struct {
	ID             string `json:"id"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	MarketCapRank  int    `json:"market_cap_rank"`
}

type DexPair struct {
	ChainID     string  `json:"chain_id"`
	PairAddress string  `json:"pair_address"`
	BaseSymbol  string  `json:"base_symbol"`
	QuoteSymbol string  `json:"quote_symbol"`
	VolumeUSD24h *float64 `json:"volume_usd_24h"`
	PriceUSD    *float64 `json:"price_usd"`
}

type Breadth struct {
	TopGainers     []string        `json:"top_gainers"`
	TopLosers      []string        `json:"top_losers"`
	TrendingTokens []TrendingToken `json:"trending_tokens"`
	DexPairs       []DexPair       `json:"dex_pairs"`
}

type Summary struct {
	VolumeSpikeAssets    []string `json:"volume_spike_assets"`
	ElevatedVolumeAssets []string `json:"elevated_volume_assets"`
	TopGainerAsset       string   `json:"top_gainer_asset"`
	TopLoserAsset        string   `json:"top_loser_asset"`
	MarketDirection      string   `json:"market_direction"`
}

type Data struct {
	PerAsset     map[string]AssetBlock `json:"per_asset"`
	Breadth      Breadth               `json:"breadth"`
	GlobalMarket GlobalMarket          `json:"global_market"`
	Sentiment    Sentiment             `json:"sentiment"`
	Summary      Summary               `json:"summary"`
}

type Agent struct {
	profile   *config.Profile
	client    *httpfetch.Client
	cgBaseURL string
	bnBaseURL string
	fgURL     string
}

func New(profile *config.Profile, client *httpfetch.Client) *Agent {
	return &Agent{
		profile:   profile,
		client:    client,
		cgBaseURL: "https://api.coingecko.com/api/v3",
		bnBaseURL: "https://api.binance.com/api/v3",
		fgURL:     "https://api.alternative.me/fng/?limit=1&format=json",
	}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) EmptyData() any {
	return Data{
		PerAsset: map[string]AssetBlock{},
		Breadth:  Breadth{TopGainers: []string{}, TopLosers: []string{}, TrendingTokens: []TrendingToken{}, DexPairs: []DexPair{}},
		Summary:  Summary{VolumeSpikeAssets: []string{}, ElevatedVolumeAssets: []string{}},
	}
}

func (a *Agent) Collect(ctx context.Context) (any, []string) {
	cfg := a.profile.Sources.Market
	data := Data{PerAsset: map[string]AssetBlock{}}
	var errs []string

	if !cfg.Enabled {
		return a.EmptyData(), []string{"market: source disabled in profile"}
	}

	perAsset, err := a.fetchPerAsset(ctx, cfg)
	if err != nil {
		errs = append(errs, fmt.Sprintf("per_asset: %v", err))
	} else {
		data.PerAsset = perAsset
	}

	if cfg.VolumeSpikeDays > 0 {
		if err := a.enrichVolumeSpikes(ctx, data.PerAsset, cfg); err != nil {
			errs = append(errs, fmt.Sprintf("volume_spikes: %v", err))
		}
	}

	if gm, err := a.fetchGlobal(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("global_market: %v", err))
	} else {
		data.GlobalMarket = gm
	}

	if sent, err := a.fetchSentiment(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("sentiment: %v", err))
	} else {
		data.Sentiment = sent
	}

	if cfg.IncludeTrending {
		if trending, err := a.fetchTrending(ctx, 7); err != nil {
			errs = append(errs, fmt.Sprintf("trending: %v", err))
		} else {
			data.Breadth.TrendingTokens = trending
		}
	}

	if cfg.IncludeDex {
		if pairs, err := a.fetchDexPairs(ctx, cfg); err != nil {
			errs = append(errs, fmt.Sprintf("dex_pairs: %v", err))
		} else {
			data.Breadth.DexPairs = pairs
		}
	}

	data.Summary = buildSummary(data)
	return data, errs
}

func (a *Agent) fetchPerAsset(ctx context.Context, cfg config.MarketSourceConfig) (map[string]AssetBlock, error) {
	var ids []string
	symByID := map[string]string{}
	for _, sym := range a.profile.Assets {
		if id, ok := cfg.CoinGeckoMap[sym]; ok && id != "" {
			ids = append(ids, id)
			symByID[id] = sym
		}
	}
	if len(ids) == 0 {
		return map[string]AssetBlock{}, nil
	}

	idList := joinComma(ids)
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_market_cap=true&include_24hr_vol=true&include_24hr_change=true",
		a.cgBaseURL, idList)

	var payload map[string]map[string]float64
	if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
		return nil, err
	}

	result := make(map[string]AssetBlock, len(symByID))
	for id, sym := range symByID {
		coin := payload[id]
		result[sym] = AssetBlock{
			Price:        optFloat(coin, "usd"),
			Change24hPct: optFloat(coin, "usd_24h_change"),
			Volume24h:    optFloat(coin, "usd_24h_vol"),
			MarketCap:    optFloat(coin, "usd_market_cap"),
			VolumeStatus: "unknown",
		}
	}
	return result, nil
}

func (a *Agent) enrichVolumeSpikes(ctx context.Context, perAsset map[string]AssetBlock, cfg config.MarketSourceConfig) error {
	lookback := cfg.VolumeSpikeDays
	if lookback < 2 {
		lookback = 8
	}
	const spikeThreshold, highThreshold = 2.0, 1.5

	for sym, block := range perAsset {
		bnSym, ok := a.profile.Sources.Technical.BinanceMap[sym]
		if !ok || bnSym == "" {
			continue
		}

		url := fmt.Sprintf("%s/klines?symbol=%s&interval=1d&limit=%d", a.bnBaseURL, bnSym, lookback)
		var raw [][]any
		if err := a.client.GetJSON(ctx, url, nil, &raw); err != nil {
			continue // per-asset volume failure is non-fatal
		}

		volumes := make([]float64, 0, len(raw))
		for _, candle := range raw {
			if len(candle) < 6 {
				continue
			}
			if v, err := toFloat(candle[5]); err == nil {
				volumes = append(volumes, v)
			}
		}
		if len(volumes) < 2 {
			continue
		}

		today := volumes[len(volumes)-1]
		prior := volumes[:len(volumes)-1]
		var sum float64
		for _, v := range prior {
			sum += v
		}
		avg := sum / float64(len(prior))

		ratio := 0.0
		if avg > 0 {
			ratio = today / avg
		}

		block.Volume7dAvg = ptr(round2(avg))
		block.VolumeSpikeRatio = ptr(round2(ratio))
		switch {
		case ratio >= spikeThreshold:
			block.VolumeStatus = "spike"
		case ratio >= highThreshold:
			block.VolumeStatus = "elevated"
		default:
			block.VolumeStatus = "normal"
		}
		perAsset[sym] = block
	}
	return nil
}

func (a *Agent) fetchGlobal(ctx context.Context) (GlobalMarket, error) {
	url := fmt.Sprintf("%s/global", a.cgBaseURL)
	var payload struct {
		Data struct {
			MarketCapChangePct24h float64            `json:"market_cap_change_percentage_24h_usd"`
			TotalMarketCap        map[string]float64 `json:"total_market_cap"`
			MarketCapPercentage   map[string]float64 `json:"market_cap_percentage"`
			ActiveCryptocurrencies int               `json:"active_cryptocurrencies"`
		} `json:"data"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
		return GlobalMarket{}, err
	}
	return GlobalMarket{
		TotalMarketCapUSD:       ptr(payload.Data.TotalMarketCap["usd"]),
		TotalMarketCapChange24h: ptr(round2(payload.Data.MarketCapChangePct24h)),
		BTCDominance:            ptr(round2(payload.Data.MarketCapPercentage["btc"])),
		ETHDominance:            ptr(round2(payload.Data.MarketCapPercentage["eth"])),
		ActiveCryptocurrencies:  iptr(payload.Data.ActiveCryptocurrencies),
	}, nil
}

func (a *Agent) fetchSentiment(ctx context.Context) (Sentiment, error) {
	var payload struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
	}
	if err := a.client.GetJSON(ctx, a.fgURL, nil, &payload); err != nil {
		return Sentiment{}, err
	}
	if len(payload.Data) == 0 {
		return Sentiment{}, fmt.Errorf("empty fear & greed response")
	}
	var index int
	fmt.Sscanf(payload.Data[0].Value, "%d", &index)

	const extremeFearMax, fearMax, neutralMax, greedMax = 25, 45, 55, 75
	var classification string
	switch {
	case index <= extremeFearMax:
		classification = "extreme_fear"
	case index <= fearMax:
		classification = "fear"
	case index <= neutralMax:
		classification = "neutral"
	case index <= greedMax:
		classification = "greed"
	default:
		classification = "extreme_greed"
	}
	return Sentiment{FearGreedIndex: iptr(index), Classification: classification}, nil
}

func (a *Agent) fetchTrending(ctx context.Context, count int) ([]TrendingToken, error) {
	url := fmt.Sprintf("%s/search/trending", a.cgBaseURL)
	var payload struct {
		Coins []struct {
			Item struct {
				ID            string `json:"id"`
				Symbol        string `json:"symbol"`
				Name          string `json:"name"`
				MarketCapRank int    `json:"market_cap_rank"`
			} `json:"item"`
		} `json:"coins"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]TrendingToken, 0, count)
	for i, c := range payload.Coins {
		if i >= count {
			break
		}
		out = append(out, TrendingToken{ID: c.Item.ID, Symbol: c.Item.Symbol, Name: c.Item.Name, MarketCapRank: c.Item.MarketCapRank})
	}
	return out, nil
}

// fetchDexPairs queries DexScreener per asset symbol, dedupes by
// chainId:pairAddress, and returns the top pairs sorted by 24h volume
// descending — grounded on _fetch_dex_pairs.
func (a *Agent) fetchDexPairs(ctx context.Context, cfg config.MarketSourceConfig) ([]DexPair, error) {
	seen := map[string]bool{}
	var pairs []DexPair

	for _, sym := range a.profile.Assets {
		url := fmt.Sprintf("https://api.dexscreener.com/latest/dex/search?q=%s", sym)
		var payload struct {
			Pairs []struct {
				ChainID     string `json:"chainId"`
				PairAddress string `json:"pairAddress"`
				BaseToken   struct{ Symbol string `json:"symbol"` } `json:"baseToken"`
				QuoteToken  struct{ Symbol string `json:"symbol"` } `json:"quoteToken"`
				Volume      struct{ H24 float64 `json:"h24"` } `json:"volume"`
				PriceUSD    string `json:"priceUsd"`
			} `json:"pairs"`
		}
		if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
			continue // per-asset DEX lookup failure is non-fatal
		}
		for _, p := range payload.Pairs {
			key := p.ChainID + ":" + p.PairAddress
			if seen[key] {
				continue
			}
			seen[key] = true
			price, _ := toFloat(p.PriceUSD)
			pairs = append(pairs, DexPair{
				ChainID:      p.ChainID,
				PairAddress:  p.PairAddress,
				BaseSymbol:   p.BaseToken.Symbol,
				QuoteSymbol:  p.QuoteToken.Symbol,
				VolumeUSD24h: ptr(p.Volume.H24),
				PriceUSD:     ptr(price),
			})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		vi, vj := 0.0, 0.0
		if pairs[i].VolumeUSD24h != nil {
			vi = *pairs[i].VolumeUSD24h
		}
		if pairs[j].VolumeUSD24h != nil {
			vj = *pairs[j].VolumeUSD24h
		}
		return vi > vj
	})

	const maxPairs = 10
	if len(pairs) > maxPairs {
		pairs = pairs[:maxPairs]
	}
	return pairs, nil
}

func buildSummary(data Data) Summary {
	var spike, elevated []string
	var topGainer, topLoser string
	bestChange, worstChange := -999.0, 999.0

	symbols := make([]string, 0, len(data.PerAsset))
	for sym := range data.PerAsset {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols) // deterministic iteration for tie-breaking

	for _, sym := range symbols {
		info := data.PerAsset[sym]
		switch info.VolumeStatus {
		case "spike":
			spike = append(spike, sym)
		case "elevated":
			elevated = append(elevated, sym)
		}

		change := 0.0
		if info.Change24hPct != nil {
			change = *info.Change24hPct
		}
		if change > bestChange {
			bestChange = change
			topGainer = sym
		}
		if change < worstChange {
			worstChange = change
			topLoser = sym
		}
	}

	marketDirection := "unknown"
	if data.GlobalMarket.TotalMarketCapChange24h != nil {
		change := *data.GlobalMarket.TotalMarketCapChange24h
		switch {
		case change > 1.0:
			marketDirection = "bullish"
		case change < -1.0:
			marketDirection = "bearish"
		default:
			marketDirection = "neutral"
		}
	}

	return Summary{
		VolumeSpikeAssets:    orEmpty(spike),
		ElevatedVolumeAssets: orEmpty(elevated),
		TopGainerAsset:       topGainer,
		TopLoserAsset:        topLoser,
		MarketDirection:      marketDirection,
	}
}

func optFloat(m map[string]float64, key string) *float64 {
	if v, ok := m[key]; ok {
		return &v
	}
	return nil
}

func ptr(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func round2(v float64) float64 {
	return float64(int64(v*100)) / 100
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		var f float64
		_, err := fmt.Sscanf(t, "%f", &f)
		return f, err
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
