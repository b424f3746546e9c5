package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a minimal Agent used to exercise Execute's timing,
// status-derivation, and panic-recovery behavior without any real
// collector's network/storage dependencies.
type fakeAgent struct {
	name    string
	empty   any
	data    any
	errs    []string
	panicOn bool
}

func (f *fakeAgent) Name() string     { return f.name }
func (f *fakeAgent) EmptyData() any   { return f.empty }
func (f *fakeAgent) Collect(ctx context.Context) (any, []string) {
	if f.panicOn {
		panic("boom")
	}
	return f.data, f.errs
}

type payload struct {
	Value int `json:"value"`
}

func TestExecute_SuccessWhenNoErrorsAndDataNonEmpty(t *testing.T) {
	a := &fakeAgent{name: "fake_agent", empty: payload{}, data: payload{Value: 42}}

	env := Execute(context.Background(), a, "default")

	assert.Equal(t, "fake_agent", env.Agent)
	assert.Equal(t, "default", env.Profile)
	assert.Equal(t, "success", string(env.Status))
	assert.Empty(t, env.Meta.Errors)

	var got payload
	require.NoError(t, env.Unmarshal(&got))
	assert.Equal(t, 42, got.Value)
}

func TestExecute_PartialWhenErrorsButDataNonEmpty(t *testing.T) {
	a := &fakeAgent{name: "fake_agent", empty: payload{}, data: payload{Value: 7}, errs: []string{"one source failed"}}

	env := Execute(context.Background(), a, "default")

	assert.Equal(t, "partial", string(env.Status))
	assert.Equal(t, []string{"one source failed"}, env.Meta.Errors)
}

func TestExecute_ErrorWhenDataMatchesEmptyShape(t *testing.T) {
	a := &fakeAgent{name: "fake_agent", empty: payload{Value: 0}, data: payload{Value: 0}}

	env := Execute(context.Background(), a, "default")

	assert.Equal(t, "error", string(env.Status))
}

func TestExecute_PanicBecomesErrorEnvelope(t *testing.T) {
	a := &fakeAgent{name: "fake_agent", empty: payload{Value: 0}, panicOn: true}

	env := Execute(context.Background(), a, "default")

	assert.Equal(t, "error", string(env.Status))
	require.Len(t, env.Meta.Errors, 1)
	assert.Contains(t, env.Meta.Errors[0], "fake_agent panicked")

	var got payload
	require.NoError(t, env.Unmarshal(&got))
	assert.Equal(t, payload{Value: 0}, got)
}

func TestExecute_RoundTripsArbitraryData(t *testing.T) {
	type block struct {
		ByAsset map[string]float64 `json:"by_asset"`
	}
	a := &fakeAgent{
		name:  "whale_agent",
		empty: block{ByAsset: map[string]float64{}},
		data:  block{ByAsset: map[string]float64{"BTC": 75.0, "ETH": 60.0}},
	}

	env := Execute(context.Background(), a, "default")
	require.Equal(t, "success", string(env.Status))

	var got block
	require.NoError(t, env.Unmarshal(&got))
	assert.Equal(t, 75.0, got.ByAsset["BTC"])
	assert.Equal(t, 60.0, got.ByAsset["ETH"])

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var reDecoded struct {
		Agent string          `json:"agent"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &reDecoded))
	assert.Equal(t, "whale_agent", reDecoded.Agent)
}
