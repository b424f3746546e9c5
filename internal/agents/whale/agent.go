// Package whale implements the Whale collector agent (spec §4.3),
// grounded on original_source/whale_agent/engine.py: the paginated
// Whale Alert feed (layer 1, the only source that retries on 429), two
// on-chain verification sources (layer 3: Etherscan for ETH,
// Blockchain.com for BTC), kv-backed exchange balance-flow tracking
// (layer 4), known whale wallet balance tracking (layer 5), and an
// off-by-default Arkham secondary source.
package whale

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/httpfetch"
	"github.com/sawpanic/signalsd/internal/store"
)

const (
	agentName = "whale_agent"
	kvFlowNamespace = "whale_flow"
)

type Move struct {
	Source         string  `json:"source"`
	Layer          int     `json:"layer"`
	Asset          string  `json:"asset"`
	AmountUSD      float64 `json:"amount_usd"`
	AmountNative   float64 `json:"amount_native,omitempty"`
	Action         string  `json:"action"`
	FromLabel      string  `json:"from_label"`
	ToLabel        string  `json:"to_label"`
	TxHash         string  `json:"tx_hash"`
	Timestamp      string  `json:"timestamp"`
	WalletSizeUSD  float64 `json:"wallet_size_usd"`
	Label          string  `json:"label"`
	FromOwnerType  string  `json:"from_owner_type,omitempty"`
	ToOwnerType    string  `json:"to_owner_type,omitempty"`
}

type ExchangeFlow struct {
	ETHBalance *float64 `json:"eth_balance"`
	BTCBalance *float64 `json:"btc_balance"`
	ETHChange  *float64 `json:"eth_change"`
	BTCChange  *float64 `json:"btc_change"`
	Direction  string   `json:"direction"`
}

type WalletSignal struct {
	Chain      string  `json:"chain"`
	Address    string  `json:"address"`
	BalanceETH *float64 `json:"balance_eth,omitempty"`
	BalanceBTC *float64 `json:"balance_btc,omitempty"`
	ChangeETH  *float64 `json:"change_eth,omitempty"`
	ChangeBTC  *float64 `json:"change_btc,omitempty"`
	Signal     string  `json:"signal"`
}

type AlertAPIStats struct {
	Total      int `json:"total"`
	Accumulate int `json:"accumulate"`
	Sell       int `json:"sell"`
	Transfer   int `json:"transfer"`
}

type Summary struct {
	TotalMoves           int             `json:"total_moves"`
	CredibleMoves        int             `json:"credible_moves"`
	AssetsWithActivity   []string        `json:"assets_with_activity"`
	NetExchangeDirection string          `json:"net_exchange_direction"`
	WhaleWalletSignals   []string        `json:"whale_wallet_signals"`
	LookbackHours        int             `json:"lookback_hours"`
	WhaleAlertAPIStats   AlertAPIStats   `json:"whale_alert_api_stats"`
}

type Data struct {
	WhaleMoves   []Move                  `json:"whale_moves"`
	ByAsset      map[string][]Move       `json:"by_asset"`
	ExchangeFlow map[string]ExchangeFlow `json:"exchange_flow"`
	WhaleWallets map[string]WalletSignal `json:"whale_wallets"`
	SourcesUsed  []string                `json:"sources_used"`
	Summary      Summary                 `json:"summary"`
}

type Agent struct {
	profile *config.Profile
	client  *httpfetch.Client
	store   store.Store

	etherscanKey  string
	whaleAlertKey string
	arkhamKey     string

	lookbackHours int
}

func New(profile *config.Profile, client *httpfetch.Client, st store.Store, etherscanKey, whaleAlertKey, arkhamKey string) *Agent {
	return &Agent{
		profile:       profile,
		client:        client,
		store:         st,
		etherscanKey:  etherscanKey,
		whaleAlertKey: whaleAlertKey,
		arkhamKey:     arkhamKey,
		lookbackHours: 24,
	}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) EmptyData() any {
	d := Data{
		WhaleMoves:   []Move{},
		ByAsset:      make(map[string][]Move, len(a.profile.Assets)),
		ExchangeFlow: map[string]ExchangeFlow{},
		WhaleWallets: map[string]WalletSignal{},
		SourcesUsed:  []string{},
	}
	for _, sym := range a.profile.Assets {
		d.ByAsset[sym] = []Move{}
	}
	d.Summary = Summary{
		AssetsWithActivity: []string{},
		WhaleWalletSignals: []string{},
		LookbackHours:      a.lookbackHours,
	}
	return d
}

func (a *Agent) Collect(ctx context.Context) (any, []string) {
	cfg := a.profile.Sources.Whale
	var errs []string
	var sourcesUsed []string
	var allMoves []Move

	if cfg.WhaleAlert.Enabled {
		if a.whaleAlertKey == "" {
			errs = append(errs, "whale_alert_api: WHALE_ALERT_API_KEY not set")
		} else {
			moves, err := a.layerWhaleAlert(ctx, cfg.WhaleAlert)
			if err != nil {
				errs = append(errs, fmt.Sprintf("whale_alert_api: %v", err))
			} else {
				allMoves = append(allMoves, moves...)
				sourcesUsed = append(sourcesUsed, "whale_alert_api")
			}
		}
	}

	if cfg.OnChain.Enabled {
		if a.etherscanKey == "" {
			errs = append(errs, "etherscan: ETHERSCAN_API_KEY not set")
		} else {
			moves, err := a.layerEtherscan(ctx, cfg.OnChain)
			if err != nil {
				errs = append(errs, fmt.Sprintf("etherscan: %v", err))
			} else {
				allMoves = append(allMoves, moves...)
				sourcesUsed = append(sourcesUsed, "etherscan")
			}
		}

		moves, err := a.layerBlockchainCom(ctx, cfg.OnChain)
		if err != nil {
			errs = append(errs, fmt.Sprintf("blockchain_com: %v", err))
		} else {
			allMoves = append(allMoves, moves...)
			sourcesUsed = append(sourcesUsed, "blockchain_com")
		}
	}

	exchangeFlow := map[string]ExchangeFlow{}
	if cfg.ExchangeFlow.Enabled {
		flow, err := a.layerExchangeFlow(ctx, cfg)
		if err != nil {
			errs = append(errs, fmt.Sprintf("exchange_flow: %v", err))
		} else {
			exchangeFlow = flow
			sourcesUsed = append(sourcesUsed, "exchange_flow")
		}
	}

	whaleWallets := map[string]WalletSignal{}
	if cfg.KnownWallets.Enabled {
		wallets, err := a.layerKnownWallets(ctx, cfg.KnownWallets, cfg.OnChain)
		if err != nil {
			errs = append(errs, fmt.Sprintf("whale_wallets: %v", err))
		} else {
			whaleWallets = wallets
			sourcesUsed = append(sourcesUsed, "whale_wallets")
		}
	}

	if cfg.Arkham.Enabled {
		if a.arkhamKey == "" {
			errs = append(errs, "arkham: ARKHAM_API_KEY not set")
		} else {
			moves, err := a.legacyArkham(ctx)
			if err != nil {
				errs = append(errs, fmt.Sprintf("arkham: %v", err))
			} else {
				allMoves = append(allMoves, moves...)
				sourcesUsed = append(sourcesUsed, "arkham")
			}
		}
	}

	minWalletSize := 1_000_000.0
	var credible []Move
	for _, m := range allMoves {
		if a.isCredible(m, minWalletSize) {
			credible = append(credible, m)
		}
	}

	byAsset := make(map[string][]Move, len(a.profile.Assets))
	for _, sym := range a.profile.Assets {
		byAsset[sym] = nil
	}
	for _, m := range credible {
		sym := strings.ToUpper(m.Asset)
		if _, ok := byAsset[sym]; ok {
			byAsset[sym] = append(byAsset[sym], m)
		}
	}

	var active []string
	for _, sym := range a.profile.Assets {
		if len(byAsset[sym]) > 0 {
			active = append(active, sym)
		} else {
			byAsset[sym] = []Move{}
		}
	}

	summary := buildSummary(allMoves, credible, active, exchangeFlow, whaleWallets, a.lookbackHours)

	data := Data{
		WhaleMoves:   orEmptyMoves(credible),
		ByAsset:      byAsset,
		ExchangeFlow: exchangeFlow,
		WhaleWallets: whaleWallets,
		SourcesUsed:  orEmptyStrings(sourcesUsed),
		Summary:      summary,
	}

	return data, errs
}

// layerWhaleAlert pages through Whale Alert's transactions feed. This is
// the one collector call in the whole agent fleet that retries with
// exponential backoff on HTTP 429 (spec §5), since it is the primary,
// always-credible evidence source and pagination naturally trips rate
// limits.
func (a *Agent) layerWhaleAlert(ctx context.Context, cfg config.WhaleAlertConfig) ([]Move, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.whale-alert.io/v1"
	}
	minValue := cfg.MinValueUSD
	if minValue <= 0 {
		minValue = 100_000
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := time.Duration(cfg.BaseDelayMS) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	pageDelay := time.Duration(cfg.PageDelayMS) * time.Millisecond
	if pageDelay <= 0 {
		pageDelay = time.Second
	}
	const maxPages = 10
	const maxPerPage = 100

	assetSet := make(map[string]string, len(a.profile.Assets))
	for _, sym := range a.profile.Assets {
		assetSet[strings.ToLower(sym)] = sym
	}

	start := time.Now().Add(-time.Hour).Unix()
	seen := map[string]bool{}
	var moves []Move
	cursor := ""

	for page := 0; page < maxPages; page++ {
		url := fmt.Sprintf("%s/transactions?api_key=%s&min_value=%.0f&start=%d&limit=%d",
			baseURL, a.whaleAlertKey, minValue, start, maxPerPage)
		if cursor != "" {
			url += "&cursor=" + cursor
		}

		var payload struct {
			Transactions []struct {
				Hash       string  `json:"hash"`
				Symbol     string  `json:"symbol"`
				Blockchain string  `json:"blockchain"`
				AmountUSD  float64 `json:"amount_usd"`
				Amount     float64 `json:"amount"`
				Timestamp  int64   `json:"timestamp"`
				From       struct {
					Owner     string `json:"owner"`
					OwnerType string `json:"owner_type"`
				} `json:"from"`
				To struct {
					Owner     string `json:"owner"`
					OwnerType string `json:"owner_type"`
				} `json:"to"`
			} `json:"transactions"`
			Cursor string `json:"cursor"`
		}

		if err := a.client.GetJSONWithRetry(ctx, url, nil, &payload, maxRetries, baseDelay); err != nil {
			if page == 0 {
				return nil, err
			}
			break
		}
		if len(payload.Transactions) == 0 {
			break
		}

		for _, tx := range payload.Transactions {
			if tx.Hash != "" {
				if seen[tx.Hash] {
					continue
				}
				seen[tx.Hash] = true
			}
			sym, ok := assetSet[strings.ToLower(tx.Symbol)]
			if !ok {
				continue
			}

			fromType := strings.ToLower(orDefault(tx.From.OwnerType, "unknown"))
			toType := strings.ToLower(orDefault(tx.To.OwnerType, "unknown"))

			var action string
			switch {
			case fromType == "exchange" && toType != "exchange":
				action = "accumulate"
			case fromType != "exchange" && toType == "exchange":
				action = "sell"
			default:
				action = "transfer"
			}

			fromLabel := orDefault(tx.From.Owner, "unknown")
			toLabel := orDefault(tx.To.Owner, "unknown")
			label := fromLabel
			if label == "unknown" {
				label = toLabel
			}

			moves = append(moves, Move{
				Source:        "whale_alert_api",
				Layer:         1,
				Asset:         sym,
				AmountUSD:     tx.AmountUSD,
				AmountNative:  tx.Amount,
				Action:        action,
				FromLabel:     fromLabel,
				ToLabel:       toLabel,
				TxHash:        tx.Hash,
				Timestamp:     fmt.Sprintf("%d", tx.Timestamp),
				WalletSizeUSD: tx.AmountUSD,
				Label:         label,
				FromOwnerType: fromType,
				ToOwnerType:   toType,
			})
		}

		cursor = payload.Cursor
		if cursor == "" {
			break
		}
		if page < maxPages-1 {
			select {
			case <-time.After(pageDelay):
			case <-ctx.Done():
				return moves, ctx.Err()
			}
		}
	}

	return moves, nil
}

func (a *Agent) layerEtherscan(ctx context.Context, cfg config.OnChainConfig) ([]Move, error) {
	const base = "https://api.etherscan.io/v2/api"
	const chainID = 1
	minETH := cfg.MinTransferUSD // reused as a native-unit threshold when no USD pricing is available
	if minETH <= 0 {
		minETH = 100
	}
	const maxTxs = 20

	var moves []Move
	seen := map[string]bool{}

	for exchange, addrs := range cfg.ExchangeWallets {
		for _, addr := range addrs {
			url := fmt.Sprintf("%s?chainid=%d&module=account&action=txlist&address=%s&page=1&offset=%d&sort=desc&apikey=%s",
				base, chainID, addr, maxTxs, a.etherscanKey)
			var payload struct {
				Result []struct {
					Hash      string `json:"hash"`
					Value     string `json:"value"`
					From      string `json:"from"`
					To        string `json:"to"`
					TimeStamp string `json:"timeStamp"`
				} `json:"result"`
			}
			if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
				continue
			}
			for _, tx := range payload.Result {
				if tx.Hash != "" {
					if seen[tx.Hash] {
						continue
					}
					seen[tx.Hash] = true
				}
				wei, err := toFloat(tx.Value)
				if err != nil {
					continue
				}
				valueETH := wei / 1e18
				if valueETH < minETH {
					continue
				}
				isInflow := strings.EqualFold(tx.To, addr)
				action := "accumulate"
				fromLabel, toLabel := "unknown", exchange
				if isInflow {
					action = "sell"
					fromLabel, toLabel = exchange, "unknown"
				}
				moves = append(moves, Move{
					Source: "etherscan", Layer: 3, Asset: "ETH",
					AmountNative: round4(valueETH), Action: action,
					FromLabel: fromLabel, ToLabel: toLabel, TxHash: tx.Hash,
					Timestamp: tx.TimeStamp, Label: exchange,
				})
			}
		}
	}
	return moves, nil
}

func (a *Agent) layerBlockchainCom(ctx context.Context, cfg config.OnChainConfig) ([]Move, error) {
	const base = "https://blockchain.info"
	const minBTC = 10
	const maxTxs = 10

	var moves []Move
	seen := map[string]bool{}

	for exchange, addrs := range cfg.ExchangeWallets {
		for _, addr := range addrs {
			url := fmt.Sprintf("%s/rawaddr/%s?limit=%d", base, addr, maxTxs)
			var payload struct {
				Txs []struct {
					Hash   string  `json:"hash"`
					Result int64   `json:"result"`
					Time   int64   `json:"time"`
				} `json:"txs"`
			}
			if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
				continue
			}
			for _, tx := range payload.Txs {
				if tx.Hash != "" {
					if seen[tx.Hash] {
						continue
					}
					seen[tx.Hash] = true
				}
				resultBTC := absFloat(float64(tx.Result)) / 1e8
				if resultBTC < minBTC {
					continue
				}
				isInflow := tx.Result > 0
				action := "sell"
				fromLabel, toLabel := "unknown", exchange
				if !isInflow {
					action = "accumulate"
					fromLabel, toLabel = exchange, "unknown"
				}
				moves = append(moves, Move{
					Source: "blockchain_com", Layer: 3, Asset: "BTC",
					AmountNative: round8(resultBTC), Action: action,
					FromLabel: fromLabel, ToLabel: toLabel, TxHash: tx.Hash,
					Timestamp: fmt.Sprintf("%d", tx.Time), Label: exchange,
				})
			}
		}
	}
	return moves, nil
}

func (a *Agent) layerExchangeFlow(ctx context.Context, cfg config.WhaleSourceConfig) (map[string]ExchangeFlow, error) {
	ethThreshold := 1000.0
	btcThreshold := 100.0
	flows := map[string]ExchangeFlow{}

	exchanges := map[string]bool{}
	for ex := range cfg.OnChain.ExchangeWallets {
		exchanges[ex] = true
	}

	for exchange := range exchanges {
		flow := ExchangeFlow{Direction: "unknown"}

		if addrs, ok := cfg.OnChain.ExchangeWallets[exchange]; ok && len(addrs) > 0 && a.etherscanKey != "" {
			var total float64
			for _, addr := range addrs {
				url := fmt.Sprintf("https://api.etherscan.io/v2/api?chainid=1&module=account&action=balance&address=%s&tag=latest&apikey=%s", addr, a.etherscanKey)
				var payload struct {
					Status string `json:"status"`
					Result string `json:"result"`
				}
				if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil || payload.Status != "1" {
					continue
				}
				wei, err := toFloat(payload.Result)
				if err == nil {
					total += wei / 1e18
				}
			}
			flow.ETHBalance = ptr(round2(total))
			prev, ok, err := a.store.LoadKV(ctx, kvFlowNamespace, exchange+":eth")
			if err == nil && ok {
				change := total - prev
				flow.ETHChange = ptr(round2(change))
			}
			_ = a.store.SaveKV(ctx, kvFlowNamespace, exchange+":eth", total)
		}

		ethChange, btcChange := 0.0, 0.0
		if flow.ETHChange != nil {
			ethChange = *flow.ETHChange
		}
		if flow.BTCChange != nil {
			btcChange = *flow.BTCChange
		}
		switch {
		case ethChange > ethThreshold || btcChange > btcThreshold:
			flow.Direction = "inflow"
		case ethChange < -ethThreshold || btcChange < -btcThreshold:
			flow.Direction = "outflow"
		default:
			flow.Direction = "neutral"
		}

		flows[exchange] = flow
	}

	return flows, nil
}

func (a *Agent) layerKnownWallets(ctx context.Context, cfg config.KnownWalletsConfig, onchain config.OnChainConfig) (map[string]WalletSignal, error) {
	const minETHChange = 50.0
	results := map[string]WalletSignal{}

	for name, entry := range cfg.Wallets {
		if entry.Chain != "ETH" || a.etherscanKey == "" {
			continue
		}
		url := fmt.Sprintf("https://api.etherscan.io/v2/api?chainid=1&module=account&action=balance&address=%s&tag=latest&apikey=%s", entry.Address, a.etherscanKey)
		var payload struct {
			Status string `json:"status"`
			Result string `json:"result"`
		}
		if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil || payload.Status != "1" {
			continue
		}
		wei, err := toFloat(payload.Result)
		if err != nil {
			continue
		}
		balance := wei / 1e18

		key := "whale_" + name + ":eth"
		prev, ok, err := a.store.LoadKV(ctx, kvFlowNamespace, key)
		change := 0.0
		if err == nil && ok {
			change = balance - prev
		}
		_ = a.store.SaveKV(ctx, kvFlowNamespace, key, balance)

		signal := "neutral"
		if absFloat(change) >= minETHChange {
			if change > 0 {
				signal = "accumulating"
			} else {
				signal = "reducing"
			}
		}

		results[name] = WalletSignal{
			Chain:      "ETH",
			Address:    truncateAddr(entry.Address),
			BalanceETH: ptr(round2(balance)),
			ChangeETH:  ptr(round2(change)),
			Signal:     signal,
		}
	}

	return results, nil
}

func (a *Agent) legacyArkham(ctx context.Context) ([]Move, error) {
	const base = "https://api.arkhamintelligence.com"
	url := fmt.Sprintf("%s/transfers?limit=50&timerange=%dh&entityType=smart_money", base, a.lookbackHours)

	var payload struct {
		Transfers []struct {
			TokenSymbol     string  `json:"tokenSymbol"`
			HistoricalUSD   float64 `json:"historicalUSD"`
			TxnHash         string  `json:"txnHash"`
			BlockTimestamp  string  `json:"blockTimestamp"`
			FromEntity      struct {
				Name     string  `json:"name"`
				USDValue float64 `json:"usdValue"`
			} `json:"fromEntity"`
			ToEntity struct {
				Name        string `json:"name"`
				IsSmartMoney bool  `json:"isSmartMoney"`
			} `json:"toEntity"`
		} `json:"transfers"`
	}
	if err := a.client.GetJSON(ctx, url, map[string]string{"API-Key": a.arkhamKey}, &payload); err != nil {
		return nil, err
	}

	assetSet := make(map[string]bool, len(a.profile.Assets))
	for _, sym := range a.profile.Assets {
		assetSet[sym] = true
	}

	var moves []Move
	for _, tx := range payload.Transfers {
		token := strings.ToUpper(tx.TokenSymbol)
		if !assetSet[token] {
			continue
		}
		action := "transfer"
		if tx.ToEntity.IsSmartMoney {
			action = "accumulate"
		}
		moves = append(moves, Move{
			Source: "arkham", Layer: 0, Asset: token,
			AmountUSD: tx.HistoricalUSD, Action: action,
			FromLabel: orDefault(tx.FromEntity.Name, "unknown"),
			ToLabel:   orDefault(tx.ToEntity.Name, "unknown"),
			TxHash:    tx.TxnHash, Timestamp: tx.BlockTimestamp,
			WalletSizeUSD: tx.FromEntity.USDValue,
			Label:         orDefault(tx.FromEntity.Name, "unknown"),
		})
	}
	return moves, nil
}

func (a *Agent) isCredible(m Move, minWalletSize float64) bool {
	switch {
	case m.Source == "whale_alert_api", m.Source == "etherscan", m.Source == "blockchain_com":
		return true
	}
	if m.AmountUSD < minWalletSize && m.WalletSizeUSD < minWalletSize {
		return false
	}
	return true
}

func buildSummary(all, credible []Move, active []string, flows map[string]ExchangeFlow, wallets map[string]WalletSignal, lookbackHours int) Summary {
	inflow, outflow := 0, 0
	for _, f := range flows {
		switch f.Direction {
		case "inflow":
			inflow++
		case "outflow":
			outflow++
		}
	}
	netDirection := "neutral"
	switch {
	case outflow > inflow:
		netDirection = "net_outflow"
	case inflow > outflow:
		netDirection = "net_inflow"
	}

	var signals []string
	for name, w := range wallets {
		if w.Signal != "neutral" && w.Signal != "" {
			signals = append(signals, fmt.Sprintf("%s: %s", name, w.Signal))
		}
	}

	var waMoves []Move
	for _, m := range credible {
		if m.Source == "whale_alert_api" {
			waMoves = append(waMoves, m)
		}
	}
	var accumulate, sell int
	for _, m := range waMoves {
		switch m.Action {
		case "accumulate":
			accumulate++
		case "sell":
			sell++
		}
	}

	return Summary{
		TotalMoves:           len(all),
		CredibleMoves:        len(credible),
		AssetsWithActivity:   orEmptyStrings(active),
		NetExchangeDirection: netDirection,
		WhaleWalletSignals:   orEmptyStrings(signals),
		LookbackHours:        lookbackHours,
		WhaleAlertAPIStats: AlertAPIStats{
			Total:      len(waMoves),
			Accumulate: accumulate,
			Sell:       sell,
			Transfer:   len(waMoves) - accumulate - sell,
		},
	}
}

func toFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func round2(v float64) float64 { return float64(int64(v*100)) / 100 }
func round4(v float64) float64 { return float64(int64(v*10000)) / 10000 }
func round8(v float64) float64 { return float64(int64(v*1e8)) / 1e8 }

func ptr(v float64) *float64 { return &v }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncateAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:12] + "..."
}

func orEmptyMoves(m []Move) []Move {
	if m == nil {
		return []Move{}
	}
	return m
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
