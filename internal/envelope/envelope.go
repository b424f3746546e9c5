// Package envelope defines the uniform agent result envelope every
// collector and the fusion engine produce, per spec §3. Rather than model
// it as an open record with optional fields (the source's approach), each
// envelope is a tagged product: a fixed header plus a JSON blob holding
// the agent-specific data, serialized to one canonical representation for
// storage. Downstream readers unmarshal Data into whatever shape they
// expect and treat missing optional fields as "no data".
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the three-way classification derived from collect() outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Meta carries the bookkeeping every envelope needs regardless of agent.
type Meta struct {
	DurationMS int64    `json:"duration_ms"`
	Errors     []string `json:"errors"`
}

// Envelope is the `{agent, profile, timestamp, status, data, meta}` record
// produced by every agent and by fusion.
type Envelope struct {
	Agent     string          `json:"agent"`
	Profile   string          `json:"profile"`
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Meta      Meta            `json:"meta"`
}

// Build marshals data and derives Status per spec §3: success if errors is
// empty and data is non-empty (not the agent's empty_data shape); partial
// if errors is non-empty but data carries some content; error if data
// marshals to the agent's empty shape or marshaling itself failed.
func Build(agent, profile string, data any, emptyData any, errs []string, duration time.Duration) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", agent, err)
	}

	emptyRaw, err := json.Marshal(emptyData)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s empty data: %w", agent, err)
	}

	status := deriveStatus(raw, emptyRaw, errs)

	return Envelope{
		Agent:     agent,
		Profile:   profile,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Data:      raw,
		Meta: Meta{
			DurationMS: duration.Milliseconds(),
			Errors:     errs,
		},
	}, nil
}

func deriveStatus(data, empty []byte, errs []string) Status {
	isEmpty := string(data) == string(empty)
	switch {
	case isEmpty:
		return StatusError
	case len(errs) == 0:
		return StatusSuccess
	default:
		return StatusPartial
	}
}

// Unmarshal decodes Data into v, the pattern every fusion scorer and Read
// API handler uses to get back to a typed per-agent block.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
