// Package events implements the in-process event dispatcher shared by the
// runtime, the execution engine and plugins.
package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/stagehand/internal/logger"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event types dispatched by the runtime.
const (
	PipelineStarted    = "pipeline.started"
	PipelineFinished   = "pipeline.finished"
	StageCompleted     = "stage.completed"
	PluginsInitialized = "plugins.initialized"
	PluginsShutdown    = "plugins.shutdown"
)

// Event is a typed notification with a free-form payload.
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

// New builds an event stamped with the cached clock.
func New(eventType, source string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: timecache.CachedTime(),
	}
}

// HandlerID identifies a registered handler.
type HandlerID string

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// HandlerResult is the outcome of one handler for one dispatch.
type HandlerResult struct {
	HandlerID HandlerID
	Err       error
}

type registration struct {
	id        HandlerID
	eventType string
	handler   Handler
	seq       int
}

// Dispatcher fans events out to registered handlers in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[HandlerID]registration
	seq      int
	log      *logger.Logger
}

// NewDispatcher creates an empty dispatcher. A nil logger disables dispatch logging.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[HandlerID]registration),
		log:      log,
	}
}

// RegisterHandler subscribes handler to eventType (or Wildcard) and returns its id.
func (d *Dispatcher) RegisterHandler(eventType string, handler Handler) HandlerID {
	if d == nil || handler == nil {
		return ""
	}
	id := HandlerID(uuid.NewString())

	d.mu.Lock()
	d.seq++
	d.handlers[id] = registration{id: id, eventType: eventType, handler: handler, seq: d.seq}
	d.mu.Unlock()

	return id
}

// UnregisterHandler removes a handler. It reports whether the id was known.
func (d *Dispatcher) UnregisterHandler(id HandlerID) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; !ok {
		return false
	}
	delete(d.handlers, id)
	return true
}

// HandlerCount returns the number of registered handlers.
func (d *Dispatcher) HandlerCount() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *Dispatcher) matching(eventType string) []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	matched := make([]registration, 0, len(d.handlers))
	for _, reg := range d.handlers {
		if reg.eventType == eventType || reg.eventType == Wildcard {
			matched = append(matched, reg)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	return matched
}

// Dispatch delivers event synchronously and returns one result per matching
// handler. A panicking handler yields an error result; remaining handlers
// still run.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) []HandlerResult {
	if d == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = timecache.CachedTime()
	}

	handlers := d.matching(event.Type)
	d.log.WithFields(map[string]any{
		"event_type": event.Type,
		"source":     event.Source,
		"handlers":   len(handlers),
	}).Debug("dispatching event")

	results := make([]HandlerResult, 0, len(handlers))
	for _, reg := range handlers {
		err := invoke(ctx, reg.handler, event)
		if err != nil {
			d.log.WithFields(map[string]any{
				"event_type": event.Type,
				"handler_id": string(reg.id),
			}).Error(err, "event handler failed")
		}
		results = append(results, HandlerResult{HandlerID: reg.id, Err: err})
	}
	return results
}

// DispatchAsync runs Dispatch on its own goroutine. The returned channel
// yields the results once and is then closed.
func (d *Dispatcher) DispatchAsync(ctx context.Context, event Event) <-chan []HandlerResult {
	out := make(chan []HandlerResult, 1)
	go func() {
		defer close(out)
		out <- d.Dispatch(ctx, event)
	}()
	return out
}

func invoke(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Errors collects the non-nil errors from results.
func Errors(results []HandlerResult) []error {
	var errs []error
	for _, result := range results {
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
	}
	return errs
}
