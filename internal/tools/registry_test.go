// ABOUTME: Tests for the tool registry
// ABOUTME: Covers duplicate names, mode gating, deterministic ordering and failure-as-output execution

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/engine"
)

func echoEntry(name string) Entry {
	return Entry{
		Name:   name,
		Schema: json.RawMessage(`{"type":"object"}`),
		Source: Builtin("test"),
		Handler: func(_ context.Context, input json.RawMessage) (any, error) {
			return map[string]json.RawMessage{"echo": input}, nil
		},
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]bool
}

func (o *recordingObserver) ObserveTool(name string, failed bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]bool{}
	}
	o.calls[name] = failed
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry(0, nil)
	require.NoError(t, r.Register(echoEntry("getWeather")))

	dup := echoEntry("getWeather")
	dup.Source = External("spaces")
	err := r.Register(dup)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegister_RequiresHandler(t *testing.T) {
	r := NewRegistry(0, nil)
	require.Error(t, r.Register(Entry{Name: "noop"}))
	require.Error(t, r.Register(Entry{Handler: echoEntry("x").Handler}))
}

func TestActive_ModeGating(t *testing.T) {
	r := NewRegistry(0, nil)
	for _, name := range []string{"updateSpace", "getWeather", "deleteSpace"} {
		require.NoError(t, r.Register(echoEntry(name)))
	}

	reasoning := r.Active(engine.ModeReasoning)
	assert.NotNil(t, reasoning)
	assert.Empty(t, reasoning)

	standard := r.Active(engine.ModeStandard)
	names := make([]string, 0, len(standard))
	for _, s := range standard {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"deleteSpace", "getWeather", "updateSpace"}, names)
	assert.Equal(t, standard, r.Active(engine.ModeStandard), "declared subset is deterministic")
}

func TestExecute_Success(t *testing.T) {
	r := NewRegistry(0, nil)
	obs := &recordingObserver{}
	r.SetObserver(obs)
	require.NoError(t, r.Register(echoEntry("echo")))

	res := r.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	assert.False(t, res.Failed)
	assert.JSONEq(t, `{"echo":{"a":1}}`, string(res.Output))
	assert.Equal(t, map[string]bool{"echo": false}, obs.calls)
}

func TestExecute_FailuresBecomeOutput(t *testing.T) {
	r := NewRegistry(0, nil)
	require.NoError(t, r.Register(Entry{
		Name:   "fails",
		Source: External("spaces"),
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("space not found")
		},
	}))
	require.NoError(t, r.Register(Entry{
		Name:   "panics",
		Source: Builtin("test"),
		Handler: func(context.Context, json.RawMessage) (any, error) {
			panic("boom")
		},
	}))
	require.NoError(t, r.Register(echoEntry("echo")))

	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"unknown tool", "nope", `{}`, "tool not found"},
		{"handler error", "fails", `{}`, "space not found"},
		{"panic", "panics", `{}`, "failed unexpectedly"},
		{"invalid json", "echo", `{not json`, "invalid tool input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), tt.tool, json.RawMessage(tt.input))
			assert.True(t, res.Failed)

			var out map[string]string
			require.NoError(t, json.Unmarshal(res.Output, &out))
			assert.Contains(t, out["error"], tt.want)
		})
	}
}

func TestExecute_EmptyInputIsEmptyObject(t *testing.T) {
	r := NewRegistry(0, nil)
	require.NoError(t, r.Register(echoEntry("echo")))

	res := r.Execute(context.Background(), "echo", nil)
	assert.JSONEq(t, `{"echo":{}}`, string(res.Output))
}

func TestExecute_Timeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil)
	require.NoError(t, r.Register(Entry{
		Name:   "slow",
		Source: Builtin("test"),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	res := r.Execute(context.Background(), "slow", nil)
	assert.True(t, res.Failed)
	assert.Contains(t, string(res.Output), "deadline exceeded")
}

func TestSource(t *testing.T) {
	b := Builtin("weather")
	e := External("spaces")
	assert.True(t, b.IsBuiltin())
	assert.False(t, e.IsBuiltin())
	assert.Equal(t, "builtin:weather", b.String())
	assert.Equal(t, "external:spaces", e.String())
	assert.Equal(t, "spaces", e.Name())
	assert.Equal(t, "unknown", Source{}.String())
}

func TestRequiresApproval(t *testing.T) {
	r := NewRegistry(0, nil)
	require.NoError(t, RegisterDefaults(r, "http://weather.invalid", "http://spaces.invalid", "", time.Second))

	assert.True(t, r.RequiresApproval("deleteSpace"))
	assert.False(t, r.RequiresApproval("getSpace"))
	assert.False(t, r.RequiresApproval("getWeather"))
	assert.False(t, r.RequiresApproval("missing"))
	assert.Equal(t, []string{"deleteSpace", "getSpace", "getWeather", "updateSpace"}, r.Names())
}
