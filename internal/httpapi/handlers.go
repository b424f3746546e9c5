package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/signalsd/internal/cache"
	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/envelope"
	"github.com/sawpanic/signalsd/internal/fusion"
	"github.com/sawpanic/signalsd/internal/store"
)

// collectorStreams is every append stream the Read API reports on in
// GET /health and accepts in GET /api/history's agent= parameter, plus
// the fusion stream itself.
var collectorStreams = []string{
	"whale_agent", "technical_agent", "derivatives_agent", "narrative_agent", "market_agent",
}

const fusionStream = "signal_fusion"

// Handlers holds every dependency the Read API's endpoints read from:
// the Snapshot Store, the profile (for the asset list and cache key), and
// the in-memory signal cache (spec §5). Grounded on the teacher's
// handlers.Handlers struct and writeJSON/writeError helpers, generalized
// from an empty struct to one carrying the store/cache/profile this
// domain's handlers actually need.
type Handlers struct {
	profile    *config.Profile
	store      store.Store
	cache      cache.Cache
	cacheTTL   time.Duration
	staleAfter time.Duration
	metrics    *metricsRegistry
}

func newHandlers(profile *config.Profile, st store.Store, c cache.Cache, cacheTTL time.Duration) *Handlers {
	return &Handlers{
		profile:    profile,
		store:      st,
		cache:      c,
		cacheTTL:   cacheTTL,
		staleAfter: 30 * time.Minute,
		metrics:    newMetricsRegistry(),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)
	if requestID == "" {
		requestID = "unknown"
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

// Signal implements GET /signal: the latest fusion envelope, cached in
// memory for cacheTTL (spec §5/§6) keyed by profile name.
func (h *Handlers) Signal(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.cache.Get(r.Context(), h.profile.Name)
	if ok {
		h.metrics.cacheHits.Inc()
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
		return
	}
	h.metrics.cacheMisses.Inc()

	row, err := h.store.LoadLatest(r.Context(), fusionStream)
	if err != nil || row == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "no_signal_data", "no fusion envelope is available yet")
		return
	}

	h.cache.Set(r.Context(), h.profile.Name, row.Envelope, h.cacheTTL)
	w.WriteHeader(http.StatusOK)
	w.Write(row.Envelope)
}

// SignalAsset implements GET /signal/{asset}: a single-asset slice of the
// latest fusion envelope's signals map.
func (h *Handlers) SignalAsset(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(mux.Vars(r)["asset"])

	data, env, ok := h.loadFusionData(r.Context())
	if !ok {
		h.writeError(w, r, http.StatusServiceUnavailable, "no_signal_data", "no fusion envelope is available yet")
		return
	}

	signal, ok := data.Signals[asset]
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "unknown_asset", "no signal for asset "+asset)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     asset,
		"signal":    signal,
		"timestamp": env.Timestamp,
	})
}

func (h *Handlers) loadFusionData(ctx context.Context) (fusion.Data, envelope.Envelope, bool) {
	row, err := h.store.LoadLatest(ctx, fusionStream)
	if err != nil || row == nil {
		return fusion.Data{}, envelope.Envelope{}, false
	}
	var env envelope.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		return fusion.Data{}, envelope.Envelope{}, false
	}
	var d fusion.Data
	if err := env.Unmarshal(&d); err != nil {
		return fusion.Data{}, envelope.Envelope{}, false
	}
	return d, env, true
}

// Reputation implements GET /performance/reputation: the 30-day accuracy
// reduction, reduced further to a single integer reputation_score via
// rounding (spec §8 scenario 6: accuracy_30d=62.5 -> reputation_score=63).
func (h *Handlers) Reputation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const days = 30

	stats, err := h.store.LoadAccuracyStats(ctx, days)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "store_error", "failed to load accuracy stats")
		return
	}
	snapshots, err := h.store.CountSnapshots(ctx, days)
	if err != nil {
		snapshots = 0
	}

	var accuracy float64
	if stats.Total > 0 {
		accuracy = float64(stats.Hits) / float64(stats.Total) * 100
	}

	byTimeframe := make(map[string]TimeframeStats, len(stats.ByTimeframe))
	for k, v := range stats.ByTimeframe {
		byTimeframe[k] = TimeframeStats{Accuracy: v.Accuracy, Hits: v.Hits, Total: v.Total}
	}

	resp := ReputationResponse{
		ReputationScore:       int(math.Round(accuracy)),
		Accuracy30d:           math.Round(accuracy*10) / 10,
		SignalsEvaluated:      stats.Total,
		SignalsCorrect:        stats.Hits,
		ByTimeframe:           byTimeframe,
		ByAsset:               stats.ByAsset,
		SnapshotsCollected30d: snapshots,
		Methodology:           "direction_correct against realized price change over 24h/48h/168h windows; bullish needs pct_change>0, bearish needs pct_change<0, neutral needs |pct_change|<=2.0",
		LastUpdated:           time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PerformanceAsset implements GET /performance/{asset}.
func (h *Handlers) PerformanceAsset(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(mux.Vars(r)["asset"])
	days := queryInt(r, "days", 30)

	stats, err := h.store.LoadAccuracyStats(r.Context(), days)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "store_error", "failed to load accuracy stats")
		return
	}

	accuracy, ok := stats.ByAsset[asset]
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "unknown_asset", "no accuracy data for asset "+asset)
		return
	}

	h.writeJSON(w, http.StatusOK, PerformanceAssetResponse{
		Asset:       asset,
		AccuracyPct: accuracy,
		DaysWindow:  days,
	})
}

// Health implements GET /health: per-agent status/last-run/duration/error
// count plus fusion status (spec §6/§7). A stream with no stored envelope
// yet reports status "unknown" rather than failing the whole response.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents := make(map[string]AgentHealth, len(collectorStreams))
	overall := "ok"

	for _, name := range collectorStreams {
		ah := h.loadAgentHealth(ctx, name)
		agents[name] = ah
		if ah.Status != string(envelope.StatusSuccess) {
			overall = "degraded"
		}
	}

	fusionHealth := h.loadAgentHealth(ctx, fusionStream)
	if fusionHealth.Status != string(envelope.StatusSuccess) {
		overall = "degraded"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Agents:    agents,
		Fusion:    fusionHealth,
	})
}

func (h *Handlers) loadAgentHealth(ctx context.Context, name string) AgentHealth {
	row, err := h.store.LoadLatest(ctx, name)
	if err != nil || row == nil {
		return AgentHealth{Status: "unknown", Stale: true}
	}
	var env envelope.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		return AgentHealth{Status: "unknown", Stale: true}
	}
	return AgentHealth{
		Status:     string(env.Status),
		LastRun:    env.Timestamp,
		DurationMS: env.Meta.DurationMS,
		ErrorCount: len(env.Meta.Errors),
		Stale:      time.Since(env.Timestamp) > h.staleAfter,
	}
}

// History implements GET /api/history: pagination over a named append
// stream.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_agent", "agent query parameter is required")
		return
	}
	if !isKnownStream(agent) {
		h.writeError(w, r, http.StatusBadRequest, "unknown_agent", "agent "+agent+" is not a recognized stream")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := h.store.LoadHistory(r.Context(), agent, limit, offset)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "store_error", "failed to load history")
		return
	}

	out := make([]HistoryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, HistoryRow{ID: row.ID, Timestamp: row.Timestamp, Envelope: row.Envelope})
	}

	h.writeJSON(w, http.StatusOK, HistoryResponse{Agent: agent, Limit: limit, Offset: offset, Rows: out})
}

func isKnownStream(name string) bool {
	if name == fusionStream {
		return true
	}
	for _, s := range collectorStreams {
		if s == name {
			return true
		}
	}
	return false
}

// Analytics implements GET /analytics: API usage aggregation over the
// request log this server itself writes via recordRequest.
func (h *Handlers) Analytics(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	if days <= 0 {
		days = 7
	}

	stats, err := h.store.LoadAPIAnalytics(r.Context(), days)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "store_error", "failed to load analytics")
		return
	}

	h.writeJSON(w, http.StatusOK, AnalyticsResponse{
		Days:           days,
		TotalRequests:  stats.TotalRequests,
		UniqueClients:  stats.UniqueClients,
		AvgDurationMS:  stats.AvgDurationMS,
		ByEndpoint:     stats.ByEndpoint,
		ByClientType:   stats.ByClientType,
		RequestsPerDay: stats.RequestsPerDay,
		TopUserAgents:  stats.TopUserAgents,
	})
}

// Metrics exposes the Read API's own Prometheus series.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.handler().ServeHTTP(w, r)
}

// recordRequest persists one api_requests row and updates the Prometheus
// request counters, called from the logging middleware after every
// request completes.
func (h *Handlers) recordRequest(r *http.Request, status int, duration time.Duration) {
	h.metrics.requestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
	h.metrics.requestDuration.WithLabelValues(r.URL.Path).Observe(duration.Seconds())

	clientIP := r.RemoteAddr
	if idx := strings.LastIndex(clientIP, ":"); idx > 0 {
		clientIP = clientIP[:idx]
	}

	_ = h.store.SaveAPIRequest(context.Background(), store.APIRequest{
		Timestamp:  time.Now().UTC(),
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		StatusCode: status,
		DurationMS: duration.Milliseconds(),
		ClientIP:   clientIP,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
