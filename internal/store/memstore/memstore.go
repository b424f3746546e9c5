// Package memstore is an in-memory store.Store fake used by the fusion
// unit tests so they don't need a live Postgres instance.
// Mirrors the real backends' semantics: append-only streams, versioned kv,
// atomic snapshot/accuracy bookkeeping.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/signalsd/internal/store"
)

type kvEntry struct {
	numeric  float64
	hasNum   bool
	json     []byte
	hasJSON  bool
}

type Store struct {
	mu sync.Mutex

	streams map[string][]store.StreamRow
	nextID  map[string]int64

	kv map[string][]kvEntry // namespace+"\x00"+key -> history, newest last

	snapshots   []store.PerformanceSnapshot
	accuracy    []store.PerformanceAccuracy
	nextSnapID  int64
	nextAccID   int64

	apiRequests []store.APIRequest
}

func New() *Store {
	return &Store{
		streams: make(map[string][]store.StreamRow),
		nextID:  make(map[string]int64),
		kv:      make(map[string][]kvEntry),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Save(ctx context.Context, name string, envelopeJSON []byte, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID[name]++
	s.streams[name] = append(s.streams[name], store.StreamRow{
		ID: s.nextID[name], Timestamp: ts, Envelope: envelopeJSON,
	})
	return nil
}

func (s *Store) sorted(name string) []store.StreamRow {
	rows := append([]store.StreamRow(nil), s.streams[name]...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})
	return rows
}

func (s *Store) LoadLatest(ctx context.Context, name string) (*store.StreamRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(name)
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	return &row, nil
}

func (s *Store) LoadRecent(ctx context.Context, name string, days int) ([]store.StreamRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var out []store.StreamRow
	for _, row := range s.sorted(name) {
		if !row.Timestamp.Before(cutoff) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) LoadHistory(ctx context.Context, name string, limit, offset int) ([]store.StreamRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sorted(name)
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(rows) || limit <= 0 {
		end = len(rows)
	}
	return rows[offset:end], nil
}

func (s *Store) CountRows(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[name])), nil
}

func kvKey(namespace, key string) string { return namespace + "\x00" + key }

func (s *Store) SaveKV(ctx context.Context, namespace, key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := kvKey(namespace, key)
	s.kv[k] = append(s.kv[k], kvEntry{numeric: value, hasNum: true})
	return nil
}

func (s *Store) LoadKV(ctx context.Context, namespace, key string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.kv[kvKey(namespace, key)]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].hasNum {
			return entries[i].numeric, true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) SaveKVJSON(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := kvKey(namespace, key)
	s.kv[k] = append(s.kv[k], kvEntry{json: value, hasJSON: true})
	return nil
}

func (s *Store) LoadKVJSON(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.kv[kvKey(namespace, key)]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].hasJSON {
			return entries[i].json, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) SavePerformanceSnapshot(ctx context.Context, snap store.PerformanceSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnapID++
	snap.ID = s.nextSnapID
	s.snapshots = append(s.snapshots, snap)
	return snap.ID, nil
}

func (s *Store) SavePerformanceAccuracy(ctx context.Context, acc store.PerformanceAccuracy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accuracy {
		if existing.SnapshotID == acc.SnapshotID && existing.WindowHours == acc.WindowHours {
			return nil // already evaluated, no-op like the SQL ON CONFLICT DO NOTHING path
		}
	}
	s.nextAccID++
	acc.ID = s.nextAccID
	if acc.EvaluatedAt.IsZero() {
		acc.EvaluatedAt = time.Now().UTC()
	}
	s.accuracy = append(s.accuracy, acc)

	for i := range s.snapshots {
		if s.snapshots[i].ID == acc.SnapshotID {
			switch acc.WindowHours {
			case 24:
				s.snapshots[i].Evaluated24h = true
			case 48:
				s.snapshots[i].Evaluated48h = true
			case 168:
				s.snapshots[i].Evaluated7d = true
			}
		}
	}
	return nil
}

func (s *Store) LoadUnevaluatedSnapshots(ctx context.Context, windowHours, minAgeHours int) ([]store.PerformanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(minAgeHours) * time.Hour)
	var out []store.PerformanceSnapshot
	for _, snap := range s.snapshots {
		if snap.Timestamp.After(cutoff) {
			continue
		}
		evaluated := false
		switch windowHours {
		case 24:
			evaluated = snap.Evaluated24h
		case 48:
			evaluated = snap.Evaluated48h
		case 168:
			evaluated = snap.Evaluated7d
		}
		if !evaluated {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) LoadAccuracyStats(ctx context.Context, days int) (store.AccuracyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	snapByID := make(map[int64]store.PerformanceSnapshot)
	for _, snap := range s.snapshots {
		snapByID[snap.ID] = snap
	}

	stats := store.AccuracyStats{ByTimeframe: make(map[string]store.TimeframeStats), ByAsset: make(map[string]float64)}
	assetHits, assetTotal := map[string]int{}, map[string]int{}
	tfHits, tfTotal := map[string]int{}, map[string]int{}

	for _, acc := range s.accuracy {
		snap, ok := snapByID[acc.SnapshotID]
		if !ok || snap.Timestamp.Before(cutoff) {
			continue
		}
		label := timeframeLabel(acc.WindowHours)
		stats.Total++
		assetTotal[snap.Asset]++
		tfTotal[label]++
		if acc.DirectionCorrect {
			stats.Hits++
			assetHits[snap.Asset]++
			tfHits[label]++
		}
	}
	for label, total := range tfTotal {
		stats.ByTimeframe[label] = store.TimeframeStats{Accuracy: pct(tfHits[label], total), Hits: tfHits[label], Total: total}
	}
	for asset, total := range assetTotal {
		stats.ByAsset[asset] = pct(assetHits[asset], total)
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
		return "other"
	}
}

func pct(hits, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func (s *Store) CountSnapshots(ctx context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var n int64
	for _, snap := range s.snapshots {
		if !snap.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveAPIRequest(ctx context.Context, r store.APIRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiRequests = append(s.apiRequests, r)
	return nil
}

func (s *Store) LoadAPIAnalytics(ctx context.Context, days int) (store.APIAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	analytics := store.APIAnalytics{ByEndpoint: map[string]int{}, ByClientType: map[string]int{}, RequestsPerDay: map[string]int{}}
	clients := map[string]bool{}
	var totalDuration int64
	for _, r := range s.apiRequests {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		analytics.TotalRequests++
		analytics.ByEndpoint[r.Endpoint]++
		analytics.RequestsPerDay[r.Timestamp.Format("2006-01-02")]++
		clients[r.ClientIP] = true
		totalDuration += r.DurationMS
	}
	analytics.UniqueClients = len(clients)
	if analytics.TotalRequests > 0 {
		analytics.AvgDurationMS = float64(totalDuration) / float64(analytics.TotalRequests)
	}
	return analytics, nil
}

var _ store.Store = (*Store)(nil)
