package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/plugin"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
	"github.com/alexisbeaulieu97/stagehand/pkg/abi"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// ErrDestroyed is returned by calls made after Close.
var ErrDestroyed = errors.New("plugin instance already destroyed")

// CallError is a non-OK result code returned by a vtable entry, together with
// the message the plugin reported through LastError.
type CallError struct {
	Code    abi.ResultCode
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// VTablePlugin is the host-side handle of a loaded plugin binary. Calls into
// the vtable are serialised and run behind a recover barrier.
type VTablePlugin struct {
	mu        sync.Mutex
	path      string
	lib       Library
	vt        *abi.VTable
	manifest  manifest.Manifest
	log       *logger.Logger
	destroyed bool
}

var _ plugin.Plugin = (*VTablePlugin)(nil)

func newVTablePlugin(path string, lib Library, vt *abi.VTable, m manifest.Manifest, log *logger.Logger) *VTablePlugin {
	return &VTablePlugin{
		path:     path,
		lib:      lib,
		vt:       vt,
		manifest: m,
		log:      log.With("plugin", m.ID),
	}
}

// Path returns the file the plugin was loaded from.
func (p *VTablePlugin) Path() string { return p.path }

func (p *VTablePlugin) Manifest() manifest.Manifest { return p.manifest.Clone() }

func (p *VTablePlugin) PreflightCheck(ctx context.Context) error {
	return p.lifecycle("preflight", func(vt *abi.VTable) abi.ResultCode {
		return vt.PreflightCheck(ctx, vt.Instance)
	})
}

func (p *VTablePlugin) Init(_ context.Context, host plugin.Host) error {
	adapter := &hostAdapter{id: p.manifest.ID, host: host}
	return p.lifecycle("init", func(vt *abi.VTable) abi.ResultCode {
		return vt.Init(vt.Instance, adapter)
	})
}

// Stages asks the plugin for its stage descriptors and wraps each as a stage.Stage.
func (p *VTablePlugin) Stages() ([]stage.Stage, error) {
	var stages []stage.Stage
	var rejected []error
	sink := func(desc abi.StageDescriptor) abi.ResultCode {
		s, err := newPluginStage(p.manifest.ID, desc)
		if err != nil {
			rejected = append(rejected, err)
			return abi.ResultInvalidArgument
		}
		stages = append(stages, s)
		return abi.ResultOK
	}

	err := p.lifecycle("register_stages", func(vt *abi.VTable) abi.ResultCode {
		return vt.RegisterStages(vt.Instance, sink)
	})
	if err != nil {
		return nil, errors.Join(append([]error{err}, rejected...)...)
	}
	return stages, nil
}

func (p *VTablePlugin) Shutdown(context.Context) error {
	return p.lifecycle("shutdown", func(vt *abi.VTable) abi.ResultCode {
		return vt.Shutdown(vt.Instance)
	})
}

// Close destroys the plugin instance and drops the library handle. It is
// safe to call more than once.
func (p *VTablePlugin) Close() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.lifecycle("destroy", func(vt *abi.VTable) abi.ResultCode {
		return vt.Destroy(vt.Instance)
	})

	p.mu.Lock()
	p.destroyed = true
	p.lib = nil
	p.mu.Unlock()
	return err
}

// lifecycle runs fn with the instance lock held, converting a panic or a
// non-OK result into an *errors.InitializationError.
func (p *VTablePlugin) lifecycle(phase string, fn func(vt *abi.VTable) abi.ResultCode) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return stagehanderrors.NewInitializationError(p.manifest.ID, phase, ErrDestroyed)
	}

	defer func() {
		if r := recover(); r != nil {
			err = stagehanderrors.NewInitializationError(p.manifest.ID, phase, fmt.Errorf("panic: %v", r))
			p.log.Error(err, "plugin panicked")
		}
	}()

	code := fn(p.vt)
	if code == abi.ResultOK {
		return nil
	}
	return stagehanderrors.NewInitializationError(p.manifest.ID, phase, &CallError{Code: code, Message: p.lastErrorLocked()})
}

func (p *VTablePlugin) lastErrorLocked() string {
	msg, ok := takeString(p.vt, p.vt.LastError(p.vt.Instance), p.log)
	if !ok {
		return ""
	}
	return msg
}

// hostAdapter presents a plugin.Host through the abi.Host contract.
type hostAdapter struct {
	id   string
	host plugin.Host
}

func (h *hostAdapter) PluginID() string { return h.id }

func (h *hostAdapter) Logf(level, format string, args ...any) {
	if h.host == nil {
		return
	}
	h.host.Logger().With("plugin", h.id).Logf(level, format, args...)
}

func (h *hostAdapter) Setting(key string) (string, bool) {
	if h.host == nil {
		return "", false
	}
	if v, ok := h.host.Setting(h.id + "." + key); ok {
		return v, true
	}
	return h.host.Setting(key)
}

// pluginStage adapts a StageDescriptor to stage.Stage.
type pluginStage struct {
	stage.Base
	owner string
	run   func(ctx context.Context, env abi.StageEnv) error
}

func newPluginStage(owner string, desc abi.StageDescriptor) (*pluginStage, error) {
	if !manifest.ValidStageID(desc.ID) {
		return nil, fmt.Errorf("plugin '%s' offered invalid stage id %q", owner, desc.ID)
	}
	if desc.Execute == nil {
		return nil, fmt.Errorf("plugin '%s' stage '%s' has no Execute function", owner, desc.ID)
	}

	reqs := make([]manifest.StageRequirement, 0, len(desc.Requirements))
	for _, req := range desc.Requirements {
		switch req.Kind {
		case abi.StageRequire:
			reqs = append(reqs, manifest.Require(req.StageID))
		case abi.StageProvide:
			reqs = append(reqs, manifest.Provide(req.StageID))
		default:
			reqs = append(reqs, manifest.OptionalStage(req.StageID))
		}
	}

	return &pluginStage{
		Base: stage.Base{
			StageID:    desc.ID,
			StageName:  desc.Name,
			Desc:       desc.Description,
			NoDryRun:   desc.NoDryRun,
			DryRunText: desc.DryRunDescription,
			Reqs:       reqs,
		},
		owner: owner,
		run:   desc.Execute,
	}, nil
}

func (s *pluginStage) Execute(ctx context.Context, sctx *stage.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin '%s' stage '%s' panicked: %v", s.owner, s.StageID, r)
		}
	}()
	return s.run(ctx, &stageEnv{sctx: sctx})
}

// stageEnv presents a stage.Context through the abi.StageEnv contract.
// File access goes through the context's recording storage.
type stageEnv struct {
	sctx *stage.Context
}

func (e *stageEnv) DryRun() bool               { return e.sctx.IsDryRun() }
func (e *stageEnv) Get(key string) (any, bool) { return e.sctx.Get(key) }
func (e *stageEnv) Set(key string, value any)  { e.sctx.Set(key, value) }
func (e *stageEnv) ShutdownRequested() bool    { return e.sctx.ShutdownRequested() }
func (e *stageEnv) Record(description string)  { e.sctx.Record(dryrun.CustomOperation{Text: description}) }

func (e *stageEnv) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return e.sctx.Storage().ReadFile(ctx, path)
}

func (e *stageEnv) WriteFile(ctx context.Context, path string, data []byte) error {
	return e.sctx.Storage().WriteFile(ctx, path, data)
}

func (e *stageEnv) CreateDirAll(ctx context.Context, path string) error {
	return e.sctx.Storage().CreateDirAll(ctx, path)
}

func (e *stageEnv) Remove(ctx context.Context, path string) error {
	return e.sctx.Storage().RemoveAll(ctx, path)
}
