// Package config loads the process-wide Profile from YAML, following the
// same read-once-validate-at-startup idiom as the provider operations
// config it is grounded on: a typed struct tree with yaml tags, loaded
// with os.ReadFile + yaml.Unmarshal, validated once via Validate().
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the declarative, read-only configuration object shared by
// every collector agent, the fusion engine, and the orchestrator. It is
// loaded once per process and never mutated.
type Profile struct {
	Name          string                    `yaml:"name"`
	Assets        []string                  `yaml:"assets"`
	HTTPTimeout   time.Duration             `yaml:"http_timeout"`
	Weights       map[string]float64        `yaml:"weights"`
	Scoring       ScoringConfig             `yaml:"scoring"`
	Labels        []LabelBand               `yaml:"labels"`
	Reweighting   ReweightingConfig         `yaml:"reweighting"`
	Conviction    ConvictionConfig          `yaml:"conviction"`
	Momentum      MomentumConfig            `yaml:"momentum"`
	Portfolio     PortfolioConfig           `yaml:"portfolio"`
	Sources       SourcesConfig             `yaml:"sources"`
	LLMEnrichment LLMEnrichmentConfig       `yaml:"llm_enrichment"`
	AssetKeywords map[string][]string       `yaml:"asset_keywords"`
}

// LabelBand is one (min_score, name, direction) triple. Profile.Labels is
// sorted descending by MinScore at load time so classification can walk
// it top to bottom and stop at the first match.
type LabelBand struct {
	MinScore  float64 `yaml:"min_score"`
	Name      string  `yaml:"name"`
	Direction string  `yaml:"direction"`
}

// ScoringConfig holds the per-dimension rule tables used by the fusion
// dimension scorers (see internal/fusion). Declarative: the engine
// contains no hard-coded thresholds, only lookups into this struct.
type ScoringConfig struct {
	Whale       WhaleScoring       `yaml:"whale"`
	Technical   TechnicalScoring   `yaml:"technical"`
	Derivatives DerivativesScoring `yaml:"derivatives"`
	Narrative   NarrativeScoring   `yaml:"narrative"`
	Market      MarketScoring      `yaml:"market"`
}

type WhaleScoring struct {
	BaseScore           float64            `yaml:"base_score"`
	MinDirectionalMoves int                `yaml:"min_directional_moves"`
	RatioMaxPoints      float64            `yaml:"ratio_max_points"`
	DirectionBonuses    map[string]float64 `yaml:"direction_bonuses"` // net_exchange_direction -> points
	WalletSignalBonus   float64            `yaml:"wallet_signal_bonus"`
	MinScore            float64            `yaml:"min_score"`
	MaxScore            float64            `yaml:"max_score"`
}

type Band struct {
	Max    float64 `yaml:"max"`
	Points float64 `yaml:"points"`
	Name   string  `yaml:"name"`
}

type TechnicalScoring struct {
	RSIBands        []Band  `yaml:"rsi_bands"`
	MACDBonus       float64 `yaml:"macd_bonus"`
	Above7DBonus    float64 `yaml:"above_ma7d_bonus"`
	Above30DBonus   float64 `yaml:"above_ma30d_bonus"`
	TrendBullBonus  float64 `yaml:"trend_bullish_bonus"`
	TrendBearPenalt float64 `yaml:"trend_bearish_penalty"`
}

type DerivativesScoring struct {
	LongShortBands   []NamedBand `yaml:"long_short_bands"`   // sweet_spot | overcrowded | contrarian | default
	FundingBands     []NamedBand `yaml:"funding_bands"`       // negative | low | moderate | high
	OIDeltaThreshold float64     `yaml:"oi_delta_threshold_pct"`
	OIDeltaBonus     map[string]float64 `yaml:"oi_delta_bonus"` // rising|falling|stable -> points
}

type NamedBand struct {
	Name   string  `yaml:"name"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Points float64 `yaml:"points"`
}

type NarrativeScoring struct {
	VolumeMultiplier      float64 `yaml:"volume_multiplier"`
	LLMConfidenceMin      float64 `yaml:"llm_confidence_min"`
	LLMSentimentWeight    float64 `yaml:"llm_sentiment_weight"`
	CommunitySentWeight   float64 `yaml:"community_sentiment_weight"`
	TrendingBonus         float64 `yaml:"trending_bonus"`
	InfluencerThreshold   int     `yaml:"influencer_mentions_threshold"`
	InfluencerBonus       float64 `yaml:"influencer_bonus"`
	MultiSourceThreshold  int     `yaml:"multi_source_threshold"`
	MultiSourceBonus      float64 `yaml:"multi_source_bonus"`
	PeakHalfLifeDays      float64 `yaml:"peak_half_life_days"`
	StatusBands           []NamedBand `yaml:"status_bands"` // too_early | early_pickup | peak_crowded by normalised_score
}

type MarketScoring struct {
	Change24hBands    []NamedBand `yaml:"change_24h_bands"`
	VolumeSpikeBands  []NamedBand `yaml:"volume_spike_bands"`
	FearGreedBands    []NamedBand `yaml:"fear_greed_bands"`
	VolumeSpikeThresh float64     `yaml:"volume_spike_threshold"`
	VolumeElevatedThr float64     `yaml:"volume_elevated_threshold"`
}

type ReweightingConfig struct {
	Enabled                bool               `yaml:"enabled"`
	TierMultipliers        map[string]float64 `yaml:"tier_multipliers"` // full, sparse, none
	ClassificationKeywords map[string][]string `yaml:"classification_keywords"`
}

type ConvictionConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MinAgreeingDimensions int    `yaml:"min_agreeing_dimensions"`
	BoostFactor          float64 `yaml:"boost_factor"`
}

type MomentumConfig struct {
	Threshold      float64 `yaml:"threshold"`
	ImprovingLabel string  `yaml:"improving_label"`
	DegradingLabel string  `yaml:"degrading_label"`
	StableLabel    string  `yaml:"stable_label"`
}

type PortfolioConfig struct {
	TopN                   int         `yaml:"top_n"`
	HighConvictionThresh   float64     `yaml:"high_conviction_threshold"`
	RegimeThresholds       []NamedBand `yaml:"regime_thresholds"` // by fear_greed_index
	RiskLevels             []RiskLevel `yaml:"risk_levels"`
}

// RiskLevel is a (max_avg_funding, min_fear_greed) gate; the portfolio
// summary walks these in order and picks the first that the current
// avg|funding| / fear-greed pair satisfies.
type RiskLevel struct {
	Name           string  `yaml:"name"`
	MaxAvgFunding  float64 `yaml:"max_avg_funding"`
	MinFearGreed   float64 `yaml:"min_fear_greed"`
}

type SourcesConfig struct {
	Whale       WhaleSourceConfig       `yaml:"whale"`
	Technical   TechnicalSourceConfig   `yaml:"technical"`
	Derivatives DerivativesSourceConfig `yaml:"derivatives"`
	Market      MarketSourceConfig      `yaml:"market"`
	Narrative   NarrativeSourceConfig   `yaml:"narrative"`
}

type WhaleSourceConfig struct {
	WhaleAlert    WhaleAlertConfig            `yaml:"whale_alert"`
	OnChain       OnChainConfig               `yaml:"onchain"`
	ExchangeFlow  ExchangeFlowConfig          `yaml:"exchange_flow"`
	KnownWallets  KnownWalletsConfig          `yaml:"known_wallets"`
	Arkham        ArkhamConfig                `yaml:"arkham"`
}

type WhaleAlertConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BaseURL       string  `yaml:"base_url"`
	MinValueUSD   float64 `yaml:"min_value_usd"`
	PageDelayMS   int     `yaml:"page_delay_ms"`
	MaxRetries    int     `yaml:"max_retries"`
	BaseDelayMS   int     `yaml:"base_delay_ms"`
}

type OnChainConfig struct {
	Enabled            bool                `yaml:"enabled"`
	ExchangeWallets    map[string][]string `yaml:"exchange_wallets"` // chain -> addresses
	MinTransferUSD     float64             `yaml:"min_transfer_usd"`
}

type ExchangeFlowConfig struct {
	Enabled               bool    `yaml:"enabled"`
	SignificanceThreshold float64 `yaml:"significance_threshold_usd"`
}

type KnownWalletsConfig struct {
	Enabled bool                         `yaml:"enabled"`
	Wallets map[string]KnownWalletEntry  `yaml:"wallets"` // label -> entry
}

type KnownWalletEntry struct {
	Address string `yaml:"address"`
	Chain   string `yaml:"chain"`
	Asset   string `yaml:"asset"`
}

type ArkhamConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TechnicalSourceConfig struct {
	Enabled        bool              `yaml:"enabled"`
	BinanceMap     map[string]string `yaml:"binance_map"`
	RSIPeriod      int               `yaml:"rsi_period"`
	MACDFast       int               `yaml:"macd_fast"`
	MACDSlow       int               `yaml:"macd_slow"`
	MACDSignal     int               `yaml:"macd_signal_period"`
	MA7DPeriod     int               `yaml:"ma_7d_period"`
	MA30DPeriod    int               `yaml:"ma_30d_period"`
	RSIBullish     float64           `yaml:"rsi_bullish"`
	RSIBearish     float64           `yaml:"rsi_bearish"`
}

type DerivativesSourceConfig struct {
	Enabled         bool              `yaml:"enabled"`
	BaseURL         string            `yaml:"base_url"`
	FuturesMap      map[string]string `yaml:"futures_map"`
	LongShortPeriod string            `yaml:"long_short_period"`
	LSMin           float64           `yaml:"long_short_min"`
	LSMax           float64           `yaml:"long_short_max"`
	FundingRateMax  float64           `yaml:"funding_rate_max"`
}

type MarketSourceConfig struct {
	Enabled           bool              `yaml:"enabled"`
	CoinGeckoMap      map[string]string `yaml:"coingecko_map"`
	VolumeSpikeDays   int               `yaml:"volume_spike_days"`
	IncludeDex        bool              `yaml:"include_dex"`
	IncludeTrending   bool              `yaml:"include_trending"`
}

type NarrativeSourceConfig struct {
	Reddit        RedditConfig        `yaml:"reddit"`
	Twitter       TwitterConfig       `yaml:"twitter"`
	CryptoNews    CryptoNewsConfig    `yaml:"crypto_news"`
	Trending      TrendingConfig      `yaml:"trending"`
	MaxItems      int                 `yaml:"max_items"`
	LLMCacheTTL   time.Duration       `yaml:"llm_cache_ttl"`
}

type RedditConfig struct {
	Enabled        bool               `yaml:"enabled"`
	Subreddits     []string           `yaml:"subreddits"`
	KarmaTiers     []KarmaTier        `yaml:"karma_tiers"`
	MinAccountDays int                `yaml:"min_account_age_days"`
}

type KarmaTier struct {
	MinKarma   int     `yaml:"min_karma"`
	Multiplier float64 `yaml:"multiplier"`
}

type TwitterConfig struct {
	Enabled bool `yaml:"enabled"`
}

type CryptoNewsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TrendingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LLMEnrichmentConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CycleHours   int           `yaml:"cycle_hours"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Load reads and validates a Profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}

	sort.SliceStable(p.Labels, func(i, j int) bool {
		return p.Labels[i].MinScore > p.Labels[j].MinScore
	})

	return &p, nil
}

// Validate ensures the profile is internally consistent. Called once at
// startup; misconfiguration here is the only place this package raises.
func (p *Profile) Validate() error {
	if len(p.Assets) == 0 {
		return fmt.Errorf("profile has no assets configured")
	}
	if len(p.Labels) == 0 {
		return fmt.Errorf("profile has no label bands configured")
	}

	const dims = "whale,technical,derivatives,narrative,market"
	var sum float64
	for _, dim := range []string{"whale", "technical", "derivatives", "narrative", "market"} {
		w, ok := p.Weights[dim]
		if !ok {
			return fmt.Errorf("missing weight for dimension %q (expected one of %s)", dim, dims)
		}
		if w < 0 {
			return fmt.Errorf("negative weight for dimension %q", dim)
		}
		sum += w
	}
	if diff := sum - 1.0; diff > 1e-6 || diff < -1e-6 {
		return fmt.Errorf("dimension weights must sum to 1.0, got %f", sum)
	}

	if p.Reweighting.Enabled {
		for _, tier := range []string{"full", "sparse", "none"} {
			if _, ok := p.Reweighting.TierMultipliers[tier]; !ok {
				return fmt.Errorf("reweighting enabled but missing tier_multipliers.%s", tier)
			}
		}
	}

	if p.Conviction.Enabled && p.Conviction.MinAgreeingDimensions <= 0 {
		return fmt.Errorf("conviction enabled but min_agreeing_dimensions must be positive")
	}

	if p.Portfolio.TopN <= 0 {
		return fmt.Errorf("portfolio.top_n must be positive")
	}

	return nil
}

// Dimension returns the configured weight for a dimension, or 0 if unset.
func (p *Profile) Dimension(name string) float64 {
	return p.Weights[name]
}

// ClassifyLabel walks the configured label bands in descending min_score
// order and returns the first band the score qualifies for. Labels is
// kept sorted by Load, so this is safe to call from any goroutine without
// re-sorting.
func (p *Profile) ClassifyLabel(score float64) LabelBand {
	for _, band := range p.Labels {
		if score >= band.MinScore {
			return band
		}
	}
	if len(p.Labels) > 0 {
		return p.Labels[len(p.Labels)-1]
	}
	return LabelBand{Name: "NEUTRAL", Direction: "neutral"}
}
