package stage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
)

// Mode selects between performing side effects and simulating them.
type Mode int

const (
	ModeLive Mode = iota
	ModeDryRun
)

func (m Mode) String() string {
	if m == ModeDryRun {
		return "dry-run"
	}
	return "live"
}

// Key namespaces a context key under a plugin id.
func Key(pluginID, name string) string {
	return pluginID + ":" + name
}

// state is shared by a Context and every per-stage view derived from it.
type state struct {
	mu       sync.RWMutex
	values   map[string]any
	shutdown *atomic.Bool
	ops      *dryrun.Context
}

// Context is the run-scoped environment handed to every stage.
type Context struct {
	mode    Mode
	runID   string
	stageID string
	storage storage.Provider
	events  *events.Dispatcher
	log     *logger.Logger
	shared  *state
}

// ContextOption customises NewContext.
type ContextOption func(*Context)

// WithStorage sets the underlying storage provider.
func WithStorage(p storage.Provider) ContextOption {
	return func(c *Context) { c.storage = p }
}

// WithEvents sets the event dispatcher.
func WithEvents(d *events.Dispatcher) ContextOption {
	return func(c *Context) { c.events = d }
}

// WithLogger sets the run logger.
func WithLogger(l *logger.Logger) ContextOption {
	return func(c *Context) { c.log = l }
}

// WithShutdownFlag shares an externally owned cancellation flag.
func WithShutdownFlag(flag *atomic.Bool) ContextOption {
	return func(c *Context) {
		if flag != nil {
			c.shared.shutdown = flag
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) ContextOption {
	return func(c *Context) { c.runID = id }
}

// NewContext creates a context for one pipeline run.
func NewContext(mode Mode, opts ...ContextOption) *Context {
	c := &Context{
		mode:  mode,
		runID: uuid.NewString(),
		shared: &state{
			values:   make(map[string]any),
			shutdown: &atomic.Bool{},
			ops:      dryrun.NewContext(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.storage == nil {
		c.storage = storage.NewLocalProvider("")
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	return c
}

// ForStage returns a view of c bound to stageID. Values, the shutdown flag and
// recorded operations are shared with c.
func (c *Context) ForStage(stageID string) *Context {
	view := *c
	view.stageID = stageID
	view.log = c.log.With("stage", stageID)
	return &view
}

func (c *Context) Mode() Mode      { return c.mode }
func (c *Context) IsDryRun() bool  { return c.mode == ModeDryRun }
func (c *Context) RunID() string   { return c.runID }
func (c *Context) StageID() string { return c.stageID }

// Logger returns the run logger, scoped to the stage for per-stage views.
func (c *Context) Logger() *logger.Logger { return c.log }

// Events returns the dispatcher, which may be nil.
func (c *Context) Events() *events.Dispatcher { return c.events }

// Storage returns the provider a stage should use. Writes are recorded under
// the current stage and, in dry-run mode, not performed.
func (c *Context) Storage() storage.Provider {
	return storage.NewRecordingProvider(c.storage, c.shared.ops, c.stageID, c.IsDryRun())
}

// RawStorage returns the provider without recording.
func (c *Context) RawStorage() storage.Provider { return c.storage }

// DryRun returns the simulation record, or nil in live mode.
func (c *Context) DryRun() *dryrun.Context {
	if !c.IsDryRun() {
		return nil
	}
	return c.shared.ops
}

// Operations returns the recorded operations: the simulation in dry-run mode,
// the journal of performed writes in live mode.
func (c *Context) Operations() *dryrun.Context { return c.shared.ops }

// Record adds an operation on behalf of the current stage.
func (c *Context) Record(op dryrun.Operation) {
	c.shared.ops.Record(c.stageID, op)
}

// Set stores a value.
func (c *Context) Set(key string, value any) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	c.shared.values[key] = value
}

// Get returns a stored value.
func (c *Context) Get(key string) (any, bool) {
	c.shared.mu.RLock()
	defer c.shared.mu.RUnlock()
	v, ok := c.shared.values[key]
	return v, ok
}

// Delete removes a stored value.
func (c *Context) Delete(key string) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	delete(c.shared.values, key)
}

// Keys returns the stored keys, sorted.
func (c *Context) Keys() []string {
	c.shared.mu.RLock()
	defer c.shared.mu.RUnlock()
	keys := make([]string, 0, len(c.shared.values))
	for k := range c.shared.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the value under key when it holds a T.
func Value[T any](c *Context, key string) (T, bool) {
	var zero T
	raw, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Shutdown asks running pipelines to stop before their next stage.
func (c *Context) Shutdown() { c.shared.shutdown.Store(true) }

// ShutdownRequested reports whether Shutdown was called on the shared flag.
func (c *Context) ShutdownRequested() bool { return c.shared.shutdown.Load() }
