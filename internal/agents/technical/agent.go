// Package technical implements the Technical collector agent (spec
// §4.3), grounded on original_source/technical_agent/engine.py: Binance
// spot klines, Wilder's-smoothed RSI, EMA-based MACD with the
// slow-minus-fast alignment offset, simple moving averages, and the
// 7d/30d trend derivation.
package technical

import (
	"context"
	"fmt"

	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/httpfetch"
)

const agentName = "technical_agent"

// AssetBlock is the per-asset technical data block (spec §3).
type AssetBlock struct {
	Price          *float64 `json:"price"`
	RSI14          *float64 `json:"rsi_14"`
	MACDLine       *float64 `json:"macd_line"`
	MACDSignal     *float64 `json:"macd_signal"`
	MACDHistogram  *float64 `json:"macd_histogram"`
	MA7d           *float64 `json:"ma_7d"`
	MA30d          *float64 `json:"ma_30d"`
	PriceVs7dMA    *float64 `json:"price_vs_7d_ma"`
	PriceVs30dMA   *float64 `json:"price_vs_30d_ma"`
	Trend7d        string   `json:"trend_7d"`
	Trend30d       string   `json:"trend_30d"`
	RSIStatus      string   `json:"rsi_status"`
	MACDStatus     string   `json:"macd_status"`
	TechnicalCond  bool     `json:"technical_condition"`
}

func emptyAssetBlock() AssetBlock {
	return AssetBlock{Trend7d: "unknown", Trend30d: "unknown", RSIStatus: "unknown", MACDStatus: "unknown"}
}

// Summary is the deterministic reduction over the per-asset map.
type Summary struct {
	BullishAssets    []string `json:"bullish_assets"`
	BearishAssets    []string `json:"bearish_assets"`
	NeutralAssets    []string `json:"neutral_assets"`
	OverboughtAssets []string `json:"overbought_assets"`
	OversoldAssets   []string `json:"oversold_assets"`
}

// Data is the full agent data block.
type Data struct {
	ByAsset map[string]AssetBlock `json:"by_asset"`
	Summary Summary               `json:"summary"`
}

// Agent implements agent.Agent.
type Agent struct {
	profile *config.Profile
	client  *httpfetch.Client
	baseURL string
}

func New(profile *config.Profile, client *httpfetch.Client) *Agent {
	baseURL := "https://api.binance.com/api/v3"
	return &Agent{profile: profile, client: client, baseURL: baseURL}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) EmptyData() any {
	d := Data{ByAsset: make(map[string]AssetBlock, len(a.profile.Assets))}
	for _, sym := range a.profile.Assets {
		d.ByAsset[sym] = emptyAssetBlock()
	}
	d.Summary = Summary{}
	return d
}

func (a *Agent) Collect(ctx context.Context) (any, []string) {
	cfg := a.profile.Sources.Technical
	data := Data{ByAsset: make(map[string]AssetBlock, len(a.profile.Assets))}
	var errs []string

	rsiPeriod := nonZeroInt(cfg.RSIPeriod, 14)
	rsiBullish := nonZeroFloat(cfg.RSIBullish, 50)
	macdFast := nonZeroInt(cfg.MACDFast, 12)
	macdSlow := nonZeroInt(cfg.MACDSlow, 26)
	macdSignalPeriod := nonZeroInt(cfg.MACDSignal, 9)
	ma7dPeriod := nonZeroInt(cfg.MA7DPeriod, 7)
	ma30dPeriod := nonZeroInt(cfg.MA30DPeriod, 30)
	rsiOverbought := 70.0
	rsiOversold := 30.0

	var bullish, bearish, neutral, overbought, oversold []string

	for _, sym := range a.profile.Assets {
		binanceSym, ok := cfg.BinanceMap[sym]
		if !ok || binanceSym == "" {
			errs = append(errs, fmt.Sprintf("%s: no Binance symbol mapping in profile", sym))
			data.ByAsset[sym] = emptyAssetBlock()
			continue
		}

		asset := emptyAssetBlock()

		closes, err := a.fetchKlines(ctx, binanceSym, "1d", 50)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s klines: %v", sym, err))
			data.ByAsset[sym] = asset
			continue
		}
		if len(closes) < macdSlow+macdSignalPeriod {
			errs = append(errs, fmt.Sprintf("%s: not enough candles (%d)", sym, len(closes)))
			data.ByAsset[sym] = asset
			continue
		}

		price := closes[len(closes)-1]
		asset.Price = ptr(round(price, 6))

		rsi, hasRSI := calcRSI(closes, rsiPeriod)
		if hasRSI {
			asset.RSI14 = ptr(round(rsi, 2))
			switch {
			case rsi >= rsiOverbought:
				asset.RSIStatus = "overbought"
				overbought = append(overbought, sym)
			case rsi <= rsiOversold:
				asset.RSIStatus = "oversold"
				oversold = append(oversold, sym)
			case rsi >= rsiBullish:
				asset.RSIStatus = "bullish"
			default:
				asset.RSIStatus = "bearish"
			}
		}

		if len(closes) >= ma7dPeriod {
			ma7 := sma(closes, ma7dPeriod)
			asset.MA7d = ptr(round(ma7, 6))
			asset.PriceVs7dMA = ptr(round((price-ma7)/ma7*100, 2))
		}
		if len(closes) >= ma30dPeriod {
			ma30 := sma(closes, ma30dPeriod)
			asset.MA30d = ptr(round(ma30, 6))
			asset.PriceVs30dMA = ptr(round((price-ma30)/ma30*100, 2))
		}

		macdLine, signalLine, histogram, hasMACD := calcMACD(closes, macdFast, macdSlow, macdSignalPeriod)
		if hasMACD {
			asset.MACDLine = ptr(round(macdLine, 6))
			asset.MACDSignal = ptr(round(signalLine, 6))
			asset.MACDHistogram = ptr(round(histogram, 6))
			if macdLine > signalLine {
				asset.MACDStatus = "bullish"
			} else {
				asset.MACDStatus = "bearish"
			}
		}

		trend30d := "unknown"
		if asset.MA30d != nil && hasRSI {
			switch {
			case price > *asset.MA30d && rsi > rsiBullish:
				trend30d = "bullish"
			case price < *asset.MA30d && rsi < rsiBullish:
				trend30d = "bearish"
			default:
				trend30d = "neutral"
			}
		}
		asset.Trend30d = trend30d

		trend7d := "unknown"
		if asset.MA7d != nil && hasMACD {
			switch {
			case price > *asset.MA7d && macdLine > signalLine:
				trend7d = "bullish"
			case price < *asset.MA7d && macdLine < signalLine:
				trend7d = "bearish"
			default:
				trend7d = "neutral"
			}
		}
		asset.Trend7d = trend7d

		asset.TechnicalCond = trend30d == "bullish" && trend7d == "bullish"

		switch {
		case asset.TechnicalCond:
			bullish = append(bullish, sym)
		case trend30d == "bearish" || trend7d == "bearish":
			bearish = append(bearish, sym)
		default:
			neutral = append(neutral, sym)
		}

		data.ByAsset[sym] = asset
	}

	data.Summary = Summary{
		BullishAssets:    orEmpty(bullish),
		BearishAssets:    orEmpty(bearish),
		NeutralAssets:    orEmpty(neutral),
		OverboughtAssets: orEmpty(overbought),
		OversoldAssets:   orEmpty(oversold),
	}

	return data, errs
}

func (a *Agent) fetchKlines(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	url := fmt.Sprintf("%s/klines?symbol=%s&interval=%s&limit=%d", a.baseURL, symbol, interval, limit)
	var raw [][]any
	if err := a.client.GetJSON(ctx, url, nil, &raw); err != nil {
		return nil, err
	}
	closes := make([]float64, 0, len(raw))
	for _, candle := range raw {
		if len(candle) < 5 {
			continue
		}
		v, err := toFloat(candle[4])
		if err != nil {
			continue
		}
		closes = append(closes, v)
	}
	return closes, nil
}

// calcRSI computes Wilder's-smoothed RSI, ported verbatim from
// technical_agent/engine.py's _calc_rsi.
func calcRSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}

	deltas := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		deltas[i-1] = closes[i] - closes[i-1]
	}

	var avgGain, avgLoss float64
	for _, d := range deltas[:period] {
		if d > 0 {
			avgGain += d
		} else {
			avgLoss += -d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for _, d := range deltas[period:] {
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0, true
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs)), true
}

// calcEMA computes the exponential moving average, seeded with the SMA of
// the first `period` values, matching _calc_ema.
func calcEMA(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	multiplier := 2.0 / float64(period+1)
	ema := make([]float64, 0, len(values)-period+1)
	ema = append(ema, sma(values[:period], period))
	for _, v := range values[period:] {
		ema = append(ema, (v-ema[len(ema)-1])*multiplier+ema[len(ema)-1])
	}
	return ema
}

// calcMACD returns the latest MACD line, signal line, and histogram,
// ported from _calc_macd including its alignment-offset slicing of the
// fast EMA to the slow EMA's start index.
func calcMACD(closes []float64, fast, slow, signalPeriod int) (macd, signal, histogram float64, ok bool) {
	if len(closes) < slow+signalPeriod {
		return 0, 0, 0, false
	}

	emaFast := calcEMA(closes, fast)
	emaSlow := calcEMA(closes, slow)

	offset := slow - fast
	if offset > len(emaFast) {
		return 0, 0, 0, false
	}
	alignedFast := emaFast[offset:]

	minLen := len(alignedFast)
	if len(emaSlow) < minLen {
		minLen = len(emaSlow)
	}
	macdSeries := make([]float64, minLen)
	for i := 0; i < minLen; i++ {
		macdSeries[i] = alignedFast[i] - emaSlow[i]
	}

	if len(macdSeries) < signalPeriod {
		return 0, 0, 0, false
	}

	signalSeries := calcEMA(macdSeries, signalPeriod)
	if len(signalSeries) == 0 {
		return 0, 0, 0, false
	}

	macdVal := macdSeries[len(macdSeries)-1]
	signalVal := signalSeries[len(signalSeries)-1]
	return macdVal, signalVal, macdVal - signalVal, true
}

func sma(values []float64, period int) float64 {
	window := values[len(values)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(period)
}

func round(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int64(v*mult+sign(v)*0.5)) / mult
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func ptr(v float64) *float64 { return &v }

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

func nonZeroInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func nonZeroFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
