// Package agent defines the uniform contract every collector implements
// and the Execute wrapper that turns a collect() call into a standardized
// envelope, per spec §4.2. Grounded on original_source/shared/base_agent.py's
// BaseAgent.execute(): wrap collect(), record wall-clock, catch fatal
// exceptions, classify status, return the envelope. Execute must never
// panic out to the caller.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/signalsd/internal/envelope"
)

// Agent is the contract every collector implements. It is stateless save
// for the profile it was built from.
type Agent interface {
	// Name identifies the agent's stream in the snapshot store (e.g.
	// "whale_agent").
	Name() string
	// EmptyData returns the deterministic zero-value payload whose schema
	// matches a successful run.
	EmptyData() any
	// Collect gathers this cycle's evidence. errs holds one short
	// human-readable string per partial failure. There is no separate
	// error return; a panic inside Collect is recovered by Execute.
	Collect(ctx context.Context) (data any, errs []string)
}

// Execute wraps a.Collect with timing, panic recovery, and status
// classification, producing the envelope described in spec §3. It never
// returns an error to the orchestrator: a fatal panic becomes an
// envelope with status=error and empty data instead.
func Execute(ctx context.Context, a Agent, profileName string) envelope.Envelope {
	start := time.Now()
	empty := a.EmptyData()

	data, errs, fatal := runCollect(ctx, a)
	duration := time.Since(start)

	if fatal != nil {
		errs = append(errs, fatal.Error())
		data = empty
	}

	env, err := envelope.Build(a.Name(), profileName, data, empty, errs, duration)
	if err != nil {
		// Marshaling the envelope itself failed; fall back to an
		// error envelope built from the empty shape, which must
		// always be marshalable.
		env, _ = envelope.Build(a.Name(), profileName, empty, empty, append(errs, err.Error()), duration)
	}
	return env
}

// runCollect isolates the panic-recovery boundary so a single collector
// bug can never take down the orchestrator's cycle.
func runCollect(ctx context.Context, a Agent) (data any, errs []string, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = fmt.Errorf("%s panicked: %v", a.Name(), r)
		}
	}()
	data, errs = a.Collect(ctx)
	return data, errs, nil
}
