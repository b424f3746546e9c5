// Package postgres implements the store.Store contract against a
// server-hosted Postgres database, grounded on the teacher's
// internal/persistence/postgres/regime_repo.go: sqlx.DB wrapped in a
// private struct, context.WithTimeout per call, ON CONFLICT upserts where
// the semantics call for them, JSON columns for nested data, separate
// Row/Rows scan helpers.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/signalsd/internal/store"
)

const defaultTimeout = 10 * time.Second

// pgStore implements store.Store. Schema is created lazily: the first
// call against a table ensures it exists before touching it, per spec
// §4.1 ("schemas are created lazily on first write").
type pgStore struct {
	db      *sqlx.DB
	timeout time.Duration

	mu       struct{} // placeholder to mirror teacher's field ordering convention
	ensured  map[string]bool
}

// Open connects to Postgres and returns a ready store.Store.
func Open(dsn string) (store.Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &pgStore{db: db, timeout: defaultTimeout, ensured: make(map[string]bool)}
	if err := s.ensureCoreSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure core schema: %w", err)
	}
	return s, nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

func (s *pgStore) ensureCoreSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			id BIGSERIAL PRIMARY KEY,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value_num DOUBLE PRECISION,
			value_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_ns_key ON kv_store (namespace, key, id DESC)`,
		`CREATE TABLE IF NOT EXISTS performance_snapshots (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			asset TEXT NOT NULL,
			signal_score DOUBLE PRECISION NOT NULL,
			signal_direction TEXT NOT NULL,
			price_at_signal DOUBLE PRECISION NOT NULL,
			sources_count INT NOT NULL DEFAULT 0,
			detail TEXT,
			evaluated_24h BOOLEAN NOT NULL DEFAULT false,
			evaluated_48h BOOLEAN NOT NULL DEFAULT false,
			evaluated_7d BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_snap_ts ON performance_snapshots (ts)`,
		`CREATE TABLE IF NOT EXISTS performance_accuracy (
			id BIGSERIAL PRIMARY KEY,
			snapshot_id BIGINT NOT NULL REFERENCES performance_snapshots(id),
			window_hours INT NOT NULL,
			price_at_window DOUBLE PRECISION NOT NULL,
			direction_correct BOOLEAN NOT NULL,
			evaluated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (snapshot_id, window_hours)
		)`,
		`CREATE TABLE IF NOT EXISTS api_requests (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			user_agent TEXT,
			status_code INT NOT NULL,
			duration_ms BIGINT NOT NULL,
			client_ip TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_ts ON api_requests (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	return nil
}

// streamTableName sanitizes an agent name into a safe table identifier,
// grounded on storage.py's _table_name sanitizer: lowercase, non
// alphanumeric collapsed to underscore, prefixed so it can never collide
// with a reserved word.
func streamTableName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return "stream_" + b.String()
}

func (s *pgStore) ensureStreamTable(ctx context.Context, table string) error {
	if s.ensured[table] {
		return nil
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		envelope JSONB NOT NULL
	)`, table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure stream table %s: %w", table, err)
	}
	idxStmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts DESC)`, table, table)
	if _, err := s.db.ExecContext(ctx, idxStmt); err != nil {
		return fmt.Errorf("ensure stream index %s: %w", table, err)
	}
	s.ensured[table] = true
	return nil
}

func (s *pgStore) Save(ctx context.Context, name string, envelopeJSON []byte, ts time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (ts, envelope) VALUES ($1, $2)`, table)
	if _, err := s.db.ExecContext(ctx, query, ts, envelopeJSON); err != nil {
		return fmt.Errorf("save %s envelope: %w", name, err)
	}
	return nil
}

func (s *pgStore) LoadLatest(ctx context.Context, name string) (*store.StreamRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, ts, envelope FROM %s ORDER BY ts DESC, id DESC LIMIT 1`, table)
	row := s.db.QueryRowxContext(ctx, query)

	var r store.StreamRow
	if err := row.Scan(&r.ID, &r.Timestamp, &r.Envelope); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest %s: %w", name, err)
	}
	return &r, nil
}

func (s *pgStore) LoadRecent(ctx context.Context, name string, days int) ([]store.StreamRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := fmt.Sprintf(`SELECT id, ts, envelope FROM %s WHERE ts >= $1 ORDER BY ts DESC, id DESC`, table)
	rows, err := s.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load recent %s: %w", name, err)
	}
	defer rows.Close()
	return scanStreamRows(rows)
}

func (s *pgStore) LoadHistory(ctx context.Context, name string, limit, offset int) ([]store.StreamRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, ts, envelope FROM %s ORDER BY ts DESC, id DESC LIMIT $1 OFFSET $2`, table)
	rows, err := s.db.QueryxContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", name, err)
	}
	defer rows.Close()
	return scanStreamRows(rows)
}

func scanStreamRows(rows *sqlx.Rows) ([]store.StreamRow, error) {
	var out []store.StreamRow
	for rows.Next() {
		var r store.StreamRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Envelope); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream rows: %w", err)
	}
	return out, nil
}

func (s *pgStore) CountRows(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return 0, err
	}

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	if err := s.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", name, err)
	}
	return n, nil
}

func (s *pgStore) SaveKV(ctx context.Context, namespace, key string, value float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO kv_store (namespace, key, value_num) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, namespace, key, value); err != nil {
		return fmt.Errorf("save kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *pgStore) LoadKV(ctx context.Context, namespace, key string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT value_num FROM kv_store WHERE namespace = $1 AND key = $2 AND value_num IS NOT NULL ORDER BY id DESC LIMIT 1`
	var v float64
	err := s.db.GetContext(ctx, &v, query, namespace, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load kv %s/%s: %w", namespace, key, err)
	}
	return v, true, nil
}

func (s *pgStore) SaveKVJSON(ctx context.Context, namespace, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO kv_store (namespace, key, value_json) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, namespace, key, value); err != nil {
		return fmt.Errorf("save kv json %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *pgStore) LoadKVJSON(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT value_json FROM kv_store WHERE namespace = $1 AND key = $2 AND value_json IS NOT NULL ORDER BY id DESC LIMIT 1`
	var v []byte
	err := s.db.GetContext(ctx, &v, query, namespace, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load kv json %s/%s: %w", namespace, key, err)
	}
	return v, true, nil
}

func (s *pgStore) SavePerformanceSnapshot(ctx context.Context, snap store.PerformanceSnapshot) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO performance_snapshots
		(ts, asset, signal_score, signal_direction, price_at_signal, sources_count, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		snap.Timestamp, snap.Asset, snap.SignalScore, snap.SignalDirection,
		snap.PriceAtSignal, snap.SourcesCount, snap.Detail).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save performance snapshot: %w", err)
	}
	return id, nil
}

// SavePerformanceAccuracy inserts the accuracy row and flips the matching
// evaluated flag, the atomic insert-then-update-flag sequence spec §4.6
// requires to keep (snapshot_id, window) unique. The UNIQUE constraint on
// performance_accuracy makes a duplicate insert fail rather than silently
// double-count, and ON CONFLICT DO NOTHING makes a second evaluation run
// a no-op instead of an error.
func (s *pgStore) SavePerformanceAccuracy(ctx context.Context, acc store.PerformanceAccuracy) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO performance_accuracy (snapshot_id, window_hours, price_at_window, direction_correct)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id, window_hours) DO NOTHING`
	res, err := tx.ExecContext(ctx, insert, acc.SnapshotID, acc.WindowHours, acc.PriceAtWindow, acc.DirectionCorrect)
	if err != nil {
		return fmt.Errorf("insert performance accuracy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already evaluated for this window; nothing further to do.
		return tx.Commit()
	}

	flagCol, err := evaluatedFlagColumn(acc.WindowHours)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`UPDATE performance_snapshots SET %s = true WHERE id = $1`, flagCol)
	if _, err := tx.ExecContext(ctx, update, acc.SnapshotID); err != nil {
		return fmt.Errorf("flip evaluated flag: %w", err)
	}

	return tx.Commit()
}

func evaluatedFlagColumn(windowHours int) (string, error) {
	switch windowHours {
	case 24:
		return "evaluated_24h", nil
	case 48:
		return "evaluated_48h", nil
	case 168:
		return "evaluated_7d", nil
	default:
		return "", fmt.Errorf("unsupported evaluation window: %dh", windowHours)
	}
}

func (s *pgStore) LoadUnevaluatedSnapshots(ctx context.Context, windowHours, minAgeHours int) ([]store.PerformanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	flagCol, err := evaluatedFlagColumn(windowHours)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-time.Duration(minAgeHours) * time.Hour)
	query := fmt.Sprintf(`
		SELECT id, ts, asset, signal_score, signal_direction, price_at_signal,
		       sources_count, detail, evaluated_24h, evaluated_48h, evaluated_7d
		FROM performance_snapshots
		WHERE %s = false AND ts <= $1
		ORDER BY ts ASC
		LIMIT 500`, flagCol)

	rows, err := s.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load unevaluated snapshots: %w", err)
	}
	defer rows.Close()

	var out []store.PerformanceSnapshot
	for rows.Next() {
		var snap store.PerformanceSnapshot
		if err := rows.Scan(&snap.ID, &snap.Timestamp, &snap.Asset, &snap.SignalScore,
			&snap.SignalDirection, &snap.PriceAtSignal, &snap.SourcesCount, &snap.Detail,
			&snap.Evaluated24h, &snap.Evaluated48h, &snap.Evaluated7d); err != nil {
			return nil, fmt.Errorf("scan unevaluated snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *pgStore) LoadAccuracyStats(ctx context.Context, days int) (store.AccuracyStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := `
		SELECT a.window_hours, a.direction_correct, s.asset
		FROM performance_accuracy a
		JOIN performance_snapshots s ON s.id = a.snapshot_id
		WHERE s.ts >= $1`

	rows, err := s.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return store.AccuracyStats{}, fmt.Errorf("load accuracy stats: %w", err)
	}
	defer rows.Close()

	stats := store.AccuracyStats{
		ByTimeframe: make(map[string]store.TimeframeStats),
		ByAsset:     make(map[string]float64),
	}
	assetHits := make(map[string]int)
	assetTotal := make(map[string]int)
	tfHits := make(map[string]int)
	tfTotal := make(map[string]int)

	for rows.Next() {
		var windowHours int
		var correct bool
		var asset string
		if err := rows.Scan(&windowHours, &correct, &asset); err != nil {
			return store.AccuracyStats{}, fmt.Errorf("scan accuracy row: %w", err)
		}
		label := timeframeLabel(windowHours)
		stats.Total++
		assetTotal[asset]++
		tfTotal[label]++
		if correct {
			stats.Hits++
			assetHits[asset]++
			tfHits[label]++
		}
	}
	if err := rows.Err(); err != nil {
		return store.AccuracyStats{}, fmt.Errorf("iterate accuracy rows: %w", err)
	}

	for label, total := range tfTotal {
		stats.ByTimeframe[label] = store.TimeframeStats{
			Accuracy: percentage(tfHits[label], total),
			Hits:     tfHits[label],
			Total:    total,
		}
	}
	for asset, total := range assetTotal {
		stats.ByAsset[asset] = percentage(assetHits[asset], total)
	}

	return stats, nil
}

func timeframeLabel(windowHours int) string {
	switch windowHours {
	case 24:
		return "24h"
	case 48:
		return "48h"
	case 168:
		return "7d"
	default:
		return fmt.Sprintf("%dh", windowHours)
	}
}

func percentage(hits, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func (s *pgStore) CountSnapshots(ctx context.Context, days int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var n int64
	query := `SELECT COUNT(*) FROM performance_snapshots WHERE ts >= $1`
	if err := s.db.GetContext(ctx, &n, query, cutoff); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

func (s *pgStore) SaveAPIRequest(ctx context.Context, r store.APIRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO api_requests (ts, endpoint, method, user_agent, status_code, duration_ms, client_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, r.Timestamp, r.Endpoint, r.Method, r.UserAgent, r.StatusCode, r.DurationMS, r.ClientIP)
	if err != nil {
		return fmt.Errorf("save api request: %w", err)
	}
	return nil
}

func (s *pgStore) LoadAPIAnalytics(ctx context.Context, days int) (store.APIAnalytics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := `SELECT ts, endpoint, method, user_agent, status_code, duration_ms, client_ip FROM api_requests WHERE ts >= $1`
	rows, err := s.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return store.APIAnalytics{}, fmt.Errorf("load api analytics: %w", err)
	}
	defer rows.Close()

	analytics := store.APIAnalytics{
		ByEndpoint:   make(map[string]int),
		ByClientType: make(map[string]int),
		RequestsPerDay: make(map[string]int),
	}
	clients := make(map[string]bool)
	uaCounts := make(map[string]int)
	var totalDuration int64

	for rows.Next() {
		var r store.APIRequest
		if err := rows.Scan(&r.Timestamp, &r.Endpoint, &r.Method, &r.UserAgent, &r.StatusCode, &r.DurationMS, &r.ClientIP); err != nil {
			return store.APIAnalytics{}, fmt.Errorf("scan api request: %w", err)
		}
		analytics.TotalRequests++
		analytics.ByEndpoint[r.Endpoint]++
		analytics.ByClientType[classifyUserAgent(r.UserAgent)]++
		analytics.RequestsPerDay[r.Timestamp.Format("2006-01-02")]++
		clients[r.ClientIP] = true
		uaCounts[r.UserAgent]++
		totalDuration += r.DurationMS
	}
	if err := rows.Err(); err != nil {
		return store.APIAnalytics{}, fmt.Errorf("iterate api requests: %w", err)
	}

	analytics.UniqueClients = len(clients)
	if analytics.TotalRequests > 0 {
		analytics.AvgDurationMS = float64(totalDuration) / float64(analytics.TotalRequests)
	}
	analytics.TopUserAgents = topN(uaCounts, 5)

	return analytics, nil
}

// classifyUserAgent buckets a raw User-Agent header string, grounded on
// storage.py's _classify_user_agent heuristic: substring match against a
// small set of known tokens, falling back to "unknown".
func classifyUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case lower == "":
		return "unknown"
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawler") || strings.Contains(lower, "spider"):
		return "bot"
	case strings.Contains(lower, "mozilla") || strings.Contains(lower, "chrome") || strings.Contains(lower, "safari") || strings.Contains(lower, "firefox"):
		return "browser"
	case strings.Contains(lower, "curl") || strings.Contains(lower, "python-requests") || strings.Contains(lower, "go-http-client") || strings.Contains(lower, "okhttp"):
		return "api_client"
	default:
		return "unknown"
	}
}

func topN(counts map[string]int, n int) []string {
	type kv struct {
		key   string
		count int
	}
	items := make([]kv, 0, len(counts))
	for k, c := range counts {
		items = append(items, kv{k, c})
	}
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].count > items[i].count {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	if len(items) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out
}
