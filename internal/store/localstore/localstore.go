// Package localstore implements the store.Store contract against a
// single embedded SQLite file, the backend selected when no Postgres DSN
// is configured (spec §6). It mirrors postgres.pgStore's shape and
// lazy-schema behavior exactly — same method bodies, different SQL
// dialect — so the two backends offer equivalent semantics as spec §4.1
// requires. modernc.org/sqlite is a pure-Go driver (no cgo), chosen
// because the teacher carries no SQLite driver at all (it is
// Postgres-first); original_source's local backend is SQLite, so this is
// the closest idiomatic match available in the example pack's ecosystem.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sawpanic/signalsd/internal/store"
)

const defaultTimeout = 10 * time.Second

type localStoreImpl struct {
	db      *sql.DB
	timeout time.Duration
	ensured map[string]bool
}

// Open creates/opens the SQLite file at path and returns a ready store.Store.
func Open(path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, avoid SQLITE_BUSY under concurrent goroutines

	s := &localStoreImpl{db: db, timeout: defaultTimeout, ensured: make(map[string]bool)}
	if err := s.ensureCoreSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure core schema: %w", err)
	}
	return s, nil
}

func (s *localStoreImpl) Close() error {
	return s.db.Close()
}

func (s *localStoreImpl) ensureCoreSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value_num REAL,
			value_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_ns_key ON kv_store (namespace, key, id DESC)`,
		`CREATE TABLE IF NOT EXISTS performance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			asset TEXT NOT NULL,
			signal_score REAL NOT NULL,
			signal_direction TEXT NOT NULL,
			price_at_signal REAL NOT NULL,
			sources_count INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			evaluated_24h INTEGER NOT NULL DEFAULT 0,
			evaluated_48h INTEGER NOT NULL DEFAULT 0,
			evaluated_7d INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_snap_ts ON performance_snapshots (ts)`,
		`CREATE TABLE IF NOT EXISTS performance_accuracy (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			snapshot_id INTEGER NOT NULL,
			window_hours INTEGER NOT NULL,
			price_at_window REAL NOT NULL,
			direction_correct INTEGER NOT NULL,
			evaluated_at TEXT NOT NULL,
			UNIQUE (snapshot_id, window_hours)
		)`,
		`CREATE TABLE IF NOT EXISTS api_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			user_agent TEXT,
			status_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
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

func (s *localStoreImpl) ensureStreamTable(ctx context.Context, table string) error {
	if s.ensured[table] {
		return nil
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		envelope TEXT NOT NULL
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

const tsLayout = time.RFC3339Nano

func (s *localStoreImpl) Save(ctx context.Context, name string, envelopeJSON []byte, ts time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (ts, envelope) VALUES (?, ?)`, table)
	if _, err := s.db.ExecContext(ctx, query, ts.UTC().Format(tsLayout), string(envelopeJSON)); err != nil {
		return fmt.Errorf("save %s envelope: %w", name, err)
	}
	return nil
}

func (s *localStoreImpl) LoadLatest(ctx context.Context, name string) (*store.StreamRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, ts, envelope FROM %s ORDER BY ts DESC, id DESC LIMIT 1`, table)
	row := s.db.QueryRowContext(ctx, query)

	var id int64
	var tsStr, env string
	if err := row.Scan(&id, &tsStr, &env); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest %s: %w", name, err)
	}
	ts, err := time.Parse(tsLayout, tsStr)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &store.StreamRow{ID: id, Timestamp: ts, Envelope: []byte(env)}, nil
}

func (s *localStoreImpl) LoadRecent(ctx context.Context, name string, days int) ([]store.StreamRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsLayout)
	query := fmt.Sprintf(`SELECT id, ts, envelope FROM %s WHERE ts >= ? ORDER BY ts DESC, id DESC`, table)
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load recent %s: %w", name, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *localStoreImpl) LoadHistory(ctx context.Context, name string, limit, offset int) ([]store.StreamRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, ts, envelope FROM %s ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`, table)
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", name, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]store.StreamRow, error) {
	var out []store.StreamRow
	for rows.Next() {
		var id int64
		var tsStr, env string
		if err := rows.Scan(&id, &tsStr, &env); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		ts, err := time.Parse(tsLayout, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, store.StreamRow{ID: id, Timestamp: ts, Envelope: []byte(env)})
	}
	return out, rows.Err()
}

func (s *localStoreImpl) CountRows(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := streamTableName(name)
	if err := s.ensureStreamTable(ctx, table); err != nil {
		return 0, err
	}

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", name, err)
	}
	return n, nil
}

func (s *localStoreImpl) SaveKV(ctx context.Context, namespace, key string, value float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO kv_store (namespace, key, value_num, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, namespace, key, value, time.Now().UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("save kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *localStoreImpl) LoadKV(ctx context.Context, namespace, key string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT value_num FROM kv_store WHERE namespace = ? AND key = ? AND value_num IS NOT NULL ORDER BY id DESC LIMIT 1`
	var v float64
	err := s.db.QueryRowContext(ctx, query, namespace, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load kv %s/%s: %w", namespace, key, err)
	}
	return v, true, nil
}

func (s *localStoreImpl) SaveKVJSON(ctx context.Context, namespace, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO kv_store (namespace, key, value_json, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, namespace, key, string(value), time.Now().UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("save kv json %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *localStoreImpl) LoadKVJSON(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT value_json FROM kv_store WHERE namespace = ? AND key = ? AND value_json IS NOT NULL ORDER BY id DESC LIMIT 1`
	var v string
	err := s.db.QueryRowContext(ctx, query, namespace, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load kv json %s/%s: %w", namespace, key, err)
	}
	return []byte(v), true, nil
}

func (s *localStoreImpl) SavePerformanceSnapshot(ctx context.Context, snap store.PerformanceSnapshot) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO performance_snapshots
		(ts, asset, signal_score, signal_direction, price_at_signal, sources_count, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		snap.Timestamp.UTC().Format(tsLayout), snap.Asset, snap.SignalScore, snap.SignalDirection,
		snap.PriceAtSignal, snap.SourcesCount, snap.Detail)
	if err != nil {
		return 0, fmt.Errorf("save performance snapshot: %w", err)
	}
	return res.LastInsertId()
}

func (s *localStoreImpl) SavePerformanceAccuracy(ctx context.Context, acc store.PerformanceAccuracy) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT OR IGNORE INTO performance_accuracy (snapshot_id, window_hours, price_at_window, direction_correct, evaluated_at)
		VALUES (?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert, acc.SnapshotID, acc.WindowHours, acc.PriceAtWindow, acc.DirectionCorrect, time.Now().UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert performance accuracy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	flagCol, err := evaluatedFlagColumn(acc.WindowHours)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`UPDATE performance_snapshots SET %s = 1 WHERE id = ?`, flagCol)
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

func (s *localStoreImpl) LoadUnevaluatedSnapshots(ctx context.Context, windowHours, minAgeHours int) ([]store.PerformanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	flagCol, err := evaluatedFlagColumn(windowHours)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-time.Duration(minAgeHours) * time.Hour).Format(tsLayout)
	query := fmt.Sprintf(`
		SELECT id, ts, asset, signal_score, signal_direction, price_at_signal,
		       sources_count, detail, evaluated_24h, evaluated_48h, evaluated_7d
		FROM performance_snapshots
		WHERE %s = 0 AND ts <= ?
		ORDER BY ts ASC
		LIMIT 500`, flagCol)

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load unevaluated snapshots: %w", err)
	}
	defer rows.Close()

	var out []store.PerformanceSnapshot
	for rows.Next() {
		var snap store.PerformanceSnapshot
		var tsStr string
		var e24, e48, e7d int
		if err := rows.Scan(&snap.ID, &tsStr, &snap.Asset, &snap.SignalScore,
			&snap.SignalDirection, &snap.PriceAtSignal, &snap.SourcesCount, &snap.Detail,
			&e24, &e48, &e7d); err != nil {
			return nil, fmt.Errorf("scan unevaluated snapshot: %w", err)
		}
		snap.Timestamp, _ = time.Parse(tsLayout, tsStr)
		snap.Evaluated24h, snap.Evaluated48h, snap.Evaluated7d = e24 != 0, e48 != 0, e7d != 0
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *localStoreImpl) LoadAccuracyStats(ctx context.Context, days int) (store.AccuracyStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsLayout)
	query := `
		SELECT a.window_hours, a.direction_correct, s.asset
		FROM performance_accuracy a
		JOIN performance_snapshots s ON s.id = a.snapshot_id
		WHERE s.ts >= ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
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
		var correct int
		var asset string
		if err := rows.Scan(&windowHours, &correct, &asset); err != nil {
			return store.AccuracyStats{}, fmt.Errorf("scan accuracy row: %w", err)
		}
		label := timeframeLabel(windowHours)
		stats.Total++
		assetTotal[asset]++
		tfTotal[label]++
		if correct != 0 {
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

func (s *localStoreImpl) CountSnapshots(ctx context.Context, days int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsLayout)
	var n int64
	query := `SELECT COUNT(*) FROM performance_snapshots WHERE ts >= ?`
	if err := s.db.QueryRowContext(ctx, query, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

func (s *localStoreImpl) SaveAPIRequest(ctx context.Context, r store.APIRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO api_requests (ts, endpoint, method, user_agent, status_code, duration_ms, client_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, r.Timestamp.UTC().Format(tsLayout), r.Endpoint, r.Method, r.UserAgent, r.StatusCode, r.DurationMS, r.ClientIP)
	if err != nil {
		return fmt.Errorf("save api request: %w", err)
	}
	return nil
}

func (s *localStoreImpl) LoadAPIAnalytics(ctx context.Context, days int) (store.APIAnalytics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsLayout)
	query := `SELECT ts, endpoint, method, user_agent, status_code, duration_ms, client_ip FROM api_requests WHERE ts >= ?`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return store.APIAnalytics{}, fmt.Errorf("load api analytics: %w", err)
	}
	defer rows.Close()

	analytics := store.APIAnalytics{
		ByEndpoint:     make(map[string]int),
		ByClientType:   make(map[string]int),
		RequestsPerDay: make(map[string]int),
	}
	clients := make(map[string]bool)
	uaCounts := make(map[string]int)
	var totalDuration int64

	for rows.Next() {
		var tsStr, endpoint, method, ua, clientIP string
		var statusCode int
		var durationMS int64
		if err := rows.Scan(&tsStr, &endpoint, &method, &ua, &statusCode, &durationMS, &clientIP); err != nil {
			return store.APIAnalytics{}, fmt.Errorf("scan api request: %w", err)
		}
		ts, _ := time.Parse(tsLayout, tsStr)
		analytics.TotalRequests++
		analytics.ByEndpoint[endpoint]++
		analytics.ByClientType[classifyUserAgent(ua)]++
		analytics.RequestsPerDay[ts.Format("2006-01-02")]++
		clients[clientIP] = true
		uaCounts[ua]++
		totalDuration += durationMS
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
