package plugin

import (
	"context"
	"fmt"

	"github.com/alexisbeaulieu97/stagehand/internal/events"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/internal/storage"
)

// Plugin is the host-side handle of a loaded plugin.
//
// The registry calls the lifecycle methods in this order:
//   - PreflightCheck, optionally, before activation
//   - Stages, once, to register the plugin's stages
//   - Init, once, in dependency order
//   - Shutdown, once, in reverse initialization order
//   - Close, last, to destroy the instance and release its library
type Plugin interface {
	Manifest() manifest.Manifest
	PreflightCheck(ctx context.Context) error
	Init(ctx context.Context, host Host) error
	Stages() ([]stage.Stage, error)
	Shutdown(ctx context.Context) error
	Close() error
}

// Host is the runtime surface handed to plugins during Init.
type Host interface {
	Storage() storage.Provider
	Events() *events.Dispatcher
	Logger() *logger.Logger
	Setting(key string) (string, bool)
}

// Loader turns files on disk into plugins.
type Loader interface {
	Discover(dir string) ([]string, error)
	Load(ctx context.Context, path string) (Plugin, error)
}

// BasicHost is a Host backed by fixed collaborators.
type BasicHost struct {
	storage  storage.Provider
	events   *events.Dispatcher
	log      *logger.Logger
	settings map[string]string
}

var _ Host = (*BasicHost)(nil)

// NewHost builds a Host. settings may be nil.
func NewHost(st storage.Provider, ev *events.Dispatcher, log *logger.Logger, settings map[string]string) *BasicHost {
	copied := make(map[string]string, len(settings))
	for k, v := range settings {
		copied[k] = v
	}
	return &BasicHost{storage: st, events: ev, log: log, settings: copied}
}

func (h *BasicHost) Storage() storage.Provider  { return h.storage }
func (h *BasicHost) Events() *events.Dispatcher { return h.events }
func (h *BasicHost) Logger() *logger.Logger     { return h.log }

func (h *BasicHost) Setting(key string) (string, bool) {
	v, ok := h.settings[key]
	return v, ok
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
