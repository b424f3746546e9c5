// Package orchestrator implements the single periodic driver described in
// spec §4.5: a fast collector+fusion cycle interleaved with a snapshot
// cadence, an evaluation cadence, and an LLM-enrichment cadence, each
// gated by its own kv bookmark. Grounded on
// original_source/orchestrator/runner.py's run_all_agents/run_fusion
// shape (run every agent, save, then fuse) and on the teacher's
// internal/scheduler.Scheduler for the Go idiom of a ticker-driven
// background worker with context cancellation — generalized here from
// the teacher's config-file-driven cron jobs to spec §4.5's fixed set of
// three interleaved cadences, since nothing in this domain calls for
// user-defined job types.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/signalsd/internal/agent"
	"github.com/sawpanic/signalsd/internal/agents/derivatives"
	"github.com/sawpanic/signalsd/internal/agents/market"
	"github.com/sawpanic/signalsd/internal/agents/narrative"
	"github.com/sawpanic/signalsd/internal/agents/technical"
	"github.com/sawpanic/signalsd/internal/agents/whale"
	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/fusion"
	"github.com/sawpanic/signalsd/internal/httpfetch"
	"github.com/sawpanic/signalsd/internal/llm"
	"github.com/sawpanic/signalsd/internal/store"
)

const (
	bookmarkNamespace   = "orchestrator_bookmarks"
	snapshotBookmarkKey = "perf_snapshot.last_run"
	evalBookmarkKey     = "perf_eval.last_run"
	llmBookmarkKey      = "llm_enrichment.last_run"
	llmCacheNamespace   = "llm_sentiment_cache"

	shutdownGrace = 5 * time.Second
)

// Orchestrator owns the five collector agents, the fusion engine, and the
// cadence bookkeeping. It is the sole writer of every agent and fusion
// stream.
type Orchestrator struct {
	profile *config.Profile
	store   store.Store
	cfg     config.RuntimeConfig
	llm     llm.Enricher

	agents []agent.Agent
	fusion *fusion.Engine

	priceClient *httpfetch.Client

	now func() time.Time
}

// New wires the five collectors and the fusion engine around a single
// httpfetch.Client shared by every collector per the teacher's one-
// circuit-breaker-registry-per-process convention; the evaluation
// cadence's batch price fetch uses that same client.
func New(profile *config.Profile, st store.Store, cfg config.RuntimeConfig, client *httpfetch.Client, enricher llm.Enricher, etherscanKey, whaleAlertKey, arkhamKey string) *Orchestrator {
	if enricher == nil {
		enricher = llm.NoopEnricher{}
	}

	agents := []agent.Agent{
		technical.New(profile, client),
		derivatives.New(profile, client),
		market.New(profile, client),
		narrative.New(profile, client, st),
		whale.New(profile, client, st, etherscanKey, whaleAlertKey, arkhamKey),
	}

	return &Orchestrator{
		profile:     profile,
		store:       st,
		cfg:         cfg,
		llm:         enricher,
		agents:      agents,
		fusion:      fusion.New(profile, st, enricher),
		priceClient: client,
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled, driving the fast cycle on
// cfg.OrchestratorInterval and checking the slower cadences after every
// fast cycle. Per spec §4.5/§5, a shutdown signal interrupts the sleep
// between cycles; a cycle already in flight stops at its next safe
// point — between one collector agent's Execute call and the next, or
// before fusion runs — rather than running every remaining agent to
// completion. Cycles run on Run's own goroutine, so Run returns only
// after the in-flight runCycle call has returned, followed by a fixed
// shutdownGrace pause.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.cfg.OrchestratorInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log.Info().Str("profile", o.profile.Name).Dur("interval", interval).Msg("orchestrator starting")

	o.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

// shutdown pauses for shutdownGrace before Run returns. No cycle step is
// running by then: runCycle runs on Run's goroutine and has returned.
func (o *Orchestrator) shutdown() {
	log.Info().Dur("grace", shutdownGrace).Msg("orchestrator stopping")
	time.Sleep(shutdownGrace)
}

// runCycle is one fast cycle plus whichever slower cadences are due.
func (o *Orchestrator) runCycle(ctx context.Context) {
	start := o.now()
	o.runFastCycle(ctx)

	due, err := o.cadenceDue(ctx, snapshotBookmarkKey, o.snapshotInterval())
	if err != nil {
		log.Error().Err(err).Msg("snapshot bookmark check failed")
	}
	if due {
		o.runSnapshotCycle(ctx)
		o.advanceBookmark(ctx, snapshotBookmarkKey)
	}

	due, err = o.cadenceDue(ctx, evalBookmarkKey, o.evalInterval())
	if err != nil {
		log.Error().Err(err).Msg("evaluation bookmark check failed")
	}
	if due {
		o.runEvaluationCycle(ctx)
		o.advanceBookmark(ctx, evalBookmarkKey)
	}

	if o.profile.LLMEnrichment.Enabled {
		due, err := o.cadenceDue(ctx, llmBookmarkKey, o.llmInterval())
		if err != nil {
			log.Error().Err(err).Msg("llm enrichment bookmark check failed")
		}
		if due {
			o.runLLMEnrichmentCycle(ctx)
			o.advanceBookmark(ctx, llmBookmarkKey)
		}
	}

	log.Info().Dur("elapsed", o.now().Sub(start)).Msg("orchestrator cycle complete")
}

func (o *Orchestrator) snapshotInterval() time.Duration {
	if o.cfg.PerfSnapshotInterval > 0 {
		return o.cfg.PerfSnapshotInterval
	}
	return 12 * time.Hour
}

func (o *Orchestrator) evalInterval() time.Duration {
	if o.cfg.PerfEvalInterval > 0 {
		return o.cfg.PerfEvalInterval
	}
	return 4 * time.Hour
}

func (o *Orchestrator) llmInterval() time.Duration {
	if o.cfg.LLMSentimentCycle > 0 {
		return o.cfg.LLMSentimentCycle
	}
	if o.profile.LLMEnrichment.CycleHours > 0 {
		return time.Duration(o.profile.LLMEnrichment.CycleHours) * time.Hour
	}
	return 12 * time.Hour
}

// cadenceDue treats the kv bookmark as advisory scheduling state only
// (spec §9: the underlying tables are the source of truth for what ran;
// the bookmark only decides whether to try again this tick). A read
// failure is reported but never blocks the cadence from firing — missing
// a cadence entirely is worse than running it once more than strictly
// necessary.
func (o *Orchestrator) cadenceDue(ctx context.Context, key string, interval time.Duration) (bool, error) {
	last, ok, err := o.store.LoadKV(ctx, bookmarkNamespace, key)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	elapsed := o.now().Sub(time.Unix(int64(last), 0))
	return elapsed >= interval, nil
}

func (o *Orchestrator) advanceBookmark(ctx context.Context, key string) {
	if err := o.store.SaveKV(ctx, bookmarkNamespace, key, float64(o.now().Unix())); err != nil {
		log.Error().Err(err).Str("bookmark", key).Msg("failed to advance bookmark")
	}
}

// runFastCycle runs every collector sequentially, per spec §4.5/§5:
// "Collectors may execute sequentially within a cycle to cap upstream
// pressure." Each collector's envelope is saved before fusion reads any
// of them, satisfying the §5 ordering guarantee. ctx is checked between
// agents so a shutdown signal stops the cycle at the next safe point
// (end of the in-flight agent call) instead of only after every
// collector and fusion have run.
func (o *Orchestrator) runFastCycle(ctx context.Context) {
	for _, a := range o.agents {
		if err := ctx.Err(); err != nil {
			log.Info().Str("agent", a.Name()).Msg("cycle interrupted before agent ran")
			return
		}

		env := agent.Execute(ctx, a, o.profile.Name)
		log.Info().Str("agent", a.Name()).Str("status", string(env.Status)).
			Int64("duration_ms", env.Meta.DurationMS).Int("errors", len(env.Meta.Errors)).
			Msg("cycle step complete")
		raw, err := json.Marshal(env)
		if err != nil {
			log.Error().Err(err).Str("agent", a.Name()).Msg("failed to marshal envelope")
			continue
		}
		if err := o.store.Save(ctx, a.Name(), raw, env.Timestamp); err != nil {
			log.Error().Err(err).Str("agent", a.Name()).Msg("failed to save envelope")
		}
	}

	if err := ctx.Err(); err != nil {
		log.Info().Msg("cycle interrupted before fusion ran")
		return
	}

	fusionEnv := agent.Execute(ctx, o.fusion, o.profile.Name)
	log.Info().Str("agent", o.fusion.Name()).Str("status", string(fusionEnv.Status)).
		Int64("duration_ms", fusionEnv.Meta.DurationMS).Int("errors", len(fusionEnv.Meta.Errors)).
		Msg("cycle step complete")
	raw, err := json.Marshal(fusionEnv)
	if err != nil {
		log.Error().Err(err).Str("agent", o.fusion.Name()).Msg("failed to marshal fusion envelope")
		return
	}
	if err := o.store.Save(ctx, o.fusion.Name(), raw, fusionEnv.Timestamp); err != nil {
		log.Error().Err(err).Msg("failed to save fusion envelope")
	}
}
