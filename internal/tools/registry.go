// ABOUTME: Thread-safe registry of tools offered to the generation engine
// ABOUTME: Entries are tagged builtin or external; execution never fails, errors become output

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/engine"
)

// ErrDuplicateTool indicates a tool with the same name is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrInvalidInput is wrapped by handlers when the model supplied unusable arguments.
var ErrInvalidInput = errors.New("invalid tool input")

type sourceKind int

const (
	sourceBuiltin sourceKind = iota + 1
	sourceExternal
)

// Source says where a tool's implementation lives. Construct with Builtin or External.
type Source struct {
	kind sourceKind
	name string
}

// Builtin is a tool implemented in-process; kind groups related tools (e.g. "weather").
func Builtin(kind string) Source { return Source{kind: sourceBuiltin, name: kind} }

// External is a tool backed by a remote provider (e.g. "spaces").
func External(provider string) Source { return Source{kind: sourceExternal, name: provider} }

// IsBuiltin reports whether the tool runs in-process.
func (s Source) IsBuiltin() bool { return s.kind == sourceBuiltin }

// Name returns the builtin kind or external provider.
func (s Source) Name() string { return s.name }

func (s Source) String() string {
	switch s.kind {
	case sourceBuiltin:
		return "builtin:" + s.name
	case sourceExternal:
		return "external:" + s.name
	default:
		return "unknown"
	}
}

// Handler executes a tool. The returned value is marshaled to JSON as the tool output.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Entry is one registered tool.
type Entry struct {
	Name             string
	Description      string
	Schema           json.RawMessage // JSON Schema of the input object
	Source           Source
	RequiresApproval bool
	Handler          Handler
}

// Result is the outcome of an execution. Output is always valid JSON.
type Result struct {
	Output json.RawMessage
	Failed bool
}

// Observer is notified after every execution.
type Observer interface {
	ObserveTool(name string, failed bool, elapsed time.Duration)
}

// Registry holds the tool set. It is populated at startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. timeout bounds each execution; zero means none.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// SetObserver installs an execution observer.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds a tool. Names are unique across builtin and external sources.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" || e.Handler == nil {
		return fmt.Errorf("tool %q: name and handler are required", e.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("%w: %q already registered by %s", ErrDuplicateTool, e.Name, existing.Source)
	}
	entry := e
	r.entries[e.Name] = &entry

	r.logger.Info("tool registered",
		"tool_name", e.Name,
		"source", e.Source.String(),
		"requires_approval", e.RequiresApproval,
	)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// RequiresApproval reports whether calls to name must be approved by a human first.
func (r *Registry) RequiresApproval(name string) bool {
	e, ok := r.Get(name)
	return ok && e.RequiresApproval
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the tool declarations offered to the engine for a mode, sorted by name.
// Reasoning mode gets no tools.
func (r *Registry) Active(mode engine.Mode) []engine.ToolSpec {
	if mode == engine.ModeReasoning {
		return []engine.ToolSpec{}
	}
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]engine.ToolSpec, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		specs = append(specs, engine.ToolSpec{
			Name:        e.Name,
			Description: e.Description,
			Parameters:  e.Schema,
		})
	}
	return specs
}

// Execute runs a tool and never returns an error: unknown tools, bad input,
// handler errors and panics are reported as {"error": "..."} output.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	start := time.Now()
	result := r.execute(ctx, name, input)

	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	if observer != nil {
		observer.ObserveTool(name, result.Failed, time.Since(start))
	}
	return result
}

func (r *Registry) execute(ctx context.Context, name string, input json.RawMessage) (result Result) {
	entry, ok := r.Get(name)
	if !ok {
		r.logger.Warn("unknown tool requested", "tool_name", name)
		return errorResult(fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return errorResult(fmt.Errorf("%w: not valid JSON", ErrInvalidInput))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool_name", name, "panic", p)
			result = errorResult(fmt.Errorf("tool %s failed unexpectedly", name))
		}
	}()

	r.logger.Debug("→ executing tool", "tool_name", name, "source", entry.Source.String())
	out, err := entry.Handler(ctx, input)
	if err != nil {
		r.logger.Warn("tool error", "tool_name", name, "error", err)
		return errorResult(err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errorResult(fmt.Errorf("encoding output: %w", err))
	}
	r.logger.Debug("← tool responded", "tool_name", name, "bytes", len(data))
	return Result{Output: data}
}

func errorResult(err error) Result {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Output: data, Failed: true}
}
