// Package derivatives implements the Derivatives collector agent (spec
// §4.3), grounded on original_source/derivatives_agent/engine.py: Binance
// Futures long/short ratio, funding rate, and open interest, classified
// by profile-configured thresholds.
package derivatives

import (
	"context"
	"fmt"

	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/httpfetch"
)

const agentName = "derivatives_agent"

type AssetBlock struct {
	LongPct          *float64 `json:"long_pct"`
	ShortPct         *float64 `json:"short_pct"`
	LongShortRatio   *float64 `json:"long_short_ratio"`
	FundingRate      *float64 `json:"funding_rate"`
	OpenInterestUSD  *float64 `json:"open_interest_usd"`
	LSStatus         string   `json:"ls_status"`
	FundingStatus    string   `json:"funding_status"`
	DerivativesCond  bool     `json:"derivatives_condition"`
}

func emptyAssetBlock() AssetBlock {
	return AssetBlock{LSStatus: "unknown", FundingStatus: "unknown"}
}

type Summary struct {
	HealthyAssets     []string `json:"healthy_assets"`
	OvercrowdedLongs  []string `json:"overcrowded_longs"`
	BearishDominance  []string `json:"bearish_dominance"`
	HighFunding       []string `json:"high_funding"`
}

type Data struct {
	ByAsset map[string]AssetBlock `json:"by_asset"`
	Summary Summary               `json:"summary"`
}

type Agent struct {
	profile *config.Profile
	client  *httpfetch.Client
	baseURL string
}

func New(profile *config.Profile, client *httpfetch.Client) *Agent {
	baseURL := profile.Sources.Derivatives.BaseURL
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &Agent{profile: profile, client: client, baseURL: baseURL}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) EmptyData() any {
	d := Data{ByAsset: make(map[string]AssetBlock, len(a.profile.Assets))}
	for _, sym := range a.profile.Assets {
		d.ByAsset[sym] = emptyAssetBlock()
	}
	return d
}

func (a *Agent) Collect(ctx context.Context) (any, []string) {
	cfg := a.profile.Sources.Derivatives
	data := Data{ByAsset: make(map[string]AssetBlock, len(a.profile.Assets))}
	var errs []string

	lsMin := nonZero(cfg.LSMin, 0.55)
	lsMax := nonZero(cfg.LSMax, 0.65)
	frMax := nonZero(cfg.FundingRateMax, 0.0005)
	period := cfg.LongShortPeriod
	if period == "" {
		period = "1h"
	}

	var healthy, overcrowded, bearish, highFR []string

	for _, sym := range a.profile.Assets {
		futuresSym, ok := cfg.FuturesMap[sym]
		if !ok || futuresSym == "" {
			errs = append(errs, fmt.Sprintf("%s: no Binance futures mapping in profile", sym))
			data.ByAsset[sym] = emptyAssetBlock()
			continue
		}

		asset := emptyAssetBlock()

		if rows, err := a.fetchLongShort(ctx, futuresSym, period); err != nil {
			errs = append(errs, fmt.Sprintf("long_short %s: %v", sym, err))
		} else if len(rows) > 0 {
			asset.LongPct = ptr(round(rows[0].LongAccount, 4))
			asset.ShortPct = ptr(round(rows[0].ShortAccount, 4))
			asset.LongShortRatio = asset.LongPct
		}

		if fr, err := a.fetchFundingRate(ctx, futuresSym); err != nil {
			errs = append(errs, fmt.Sprintf("funding %s: %v", sym, err))
		} else {
			asset.FundingRate = ptr(fr)
		}

		if oi, err := a.fetchOpenInterest(ctx, futuresSym); err != nil {
			errs = append(errs, fmt.Sprintf("oi %s: %v", sym, err))
		} else {
			asset.OpenInterestUSD = ptr(oi)
		}

		if asset.LongShortRatio != nil {
			ls := *asset.LongShortRatio
			switch {
			case ls >= lsMin && ls <= lsMax:
				asset.LSStatus = "healthy"
			case ls > lsMax:
				asset.LSStatus = "overcrowded"
			default:
				asset.LSStatus = "bearish"
			}
		}

		if asset.FundingRate != nil {
			fr := *asset.FundingRate
			switch {
			case fr >= 0 && fr <= frMax:
				asset.FundingStatus = "normal"
			case fr > frMax:
				asset.FundingStatus = "high"
			default:
				asset.FundingStatus = "negative"
			}
		}

		asset.DerivativesCond = asset.LSStatus == "healthy" &&
			(asset.FundingStatus == "normal" || asset.FundingStatus == "negative" || asset.FundingStatus == "unknown")

		switch asset.LSStatus {
		case "healthy":
			healthy = append(healthy, sym)
		case "overcrowded":
			overcrowded = append(overcrowded, sym)
		case "bearish":
			bearish = append(bearish, sym)
		}
		if asset.FundingStatus == "high" {
			highFR = append(highFR, sym)
		}

		data.ByAsset[sym] = asset
	}

	data.Summary = Summary{
		HealthyAssets:    orEmpty(healthy),
		OvercrowdedLongs: orEmpty(overcrowded),
		BearishDominance: orEmpty(bearish),
		HighFunding:      orEmpty(highFR),
	}

	return data, errs
}

type longShortRow struct {
	LongAccount  float64 `json:"longAccount,string"`
	ShortAccount float64 `json:"shortAccount,string"`
}

func (a *Agent) fetchLongShort(ctx context.Context, symbol, period string) ([]longShortRow, error) {
	url := fmt.Sprintf("%s/futures/data/globalLongShortAccountRatio?symbol=%s&period=%s&limit=1", a.baseURL, symbol, period)
	var rows []longShortRow
	if err := a.client.GetJSON(ctx, url, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *Agent) fetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/fapi/v1/premiumIndex?symbol=%s", a.baseURL, symbol)
	var row struct {
		LastFundingRate float64 `json:"lastFundingRate,string"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &row); err != nil {
		return 0, err
	}
	return row.LastFundingRate, nil
}

func (a *Agent) fetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", a.baseURL, symbol)
	var row struct {
		OpenInterest float64 `json:"openInterest,string"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &row); err != nil {
		return 0, err
	}
	return row.OpenInterest, nil
}

func ptr(v float64) *float64 { return &v }

func round(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int64(v*mult)) / mult
}

func nonZero(v, fallback float64) float64 {
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
