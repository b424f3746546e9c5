package httpapi

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the standardized error body, grounded on the teacher's
// internal/interfaces/http/contracts.go ErrorResponse shape.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReputationResponse is GET /performance/reputation's body (spec §6).
type ReputationResponse struct {
	ReputationScore       int                       `json:"reputation_score"`
	Accuracy30d           float64                   `json:"accuracy_30d"`
	SignalsEvaluated      int                       `json:"signals_evaluated"`
	SignalsCorrect        int                       `json:"signals_correct"`
	ByTimeframe           map[string]TimeframeStats `json:"by_timeframe"`
	ByAsset               map[string]float64        `json:"by_asset"`
	SnapshotsCollected30d int64                     `json:"snapshots_collected_30d"`
	Methodology           string                    `json:"methodology"`
	LastUpdated           time.Time                 `json:"last_updated"`
}

// TimeframeStats mirrors store.TimeframeStats for the JSON boundary.
type TimeframeStats struct {
	Accuracy float64 `json:"accuracy"`
	Hits     int     `json:"hits"`
	Total    int     `json:"total"`
}

// PerformanceAssetResponse is GET /performance/{asset}'s body.
type PerformanceAssetResponse struct {
	Asset       string  `json:"asset"`
	AccuracyPct float64 `json:"accuracy_pct"`
	DaysWindow  int     `json:"days_window"`
}

// HealthResponse is GET /health's body (spec §6/§7: per-agent status,
// last run timestamp, duration, error count, plus fusion status).
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Agents    map[string]AgentHealth `json:"agents"`
	Fusion    AgentHealth            `json:"fusion"`
}

type AgentHealth struct {
	Status     string    `json:"status"`
	LastRun    time.Time `json:"last_run"`
	DurationMS int64     `json:"duration_ms"`
	ErrorCount int       `json:"error_count"`
	Stale      bool      `json:"stale"`
}

// HistoryResponse is GET /api/history's body.
type HistoryResponse struct {
	Agent  string       `json:"agent"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Rows   []HistoryRow `json:"rows"`
}

type HistoryRow struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Envelope  json.RawMessage `json:"envelope"`
}

// AnalyticsResponse is GET /analytics's body.
type AnalyticsResponse struct {
	Days           int            `json:"days"`
	TotalRequests  int            `json:"total_requests"`
	UniqueClients  int            `json:"unique_clients"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	ByEndpoint     map[string]int `json:"by_endpoint"`
	ByClientType   map[string]int `json:"by_client_type"`
	RequestsPerDay map[string]int `json:"requests_per_day"`
	TopUserAgents  []string       `json:"top_user_agents"`
}
