package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
)

// callLog records lifecycle calls across plugins in the order they happen.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakePlugin struct {
	manifest     manifest.Manifest
	log          *callLog
	initErr      error
	initPanic    bool
	preflightErr error
	shutdownErr  error
	stageIDs     []string
}

func newFake(log *callLog, b *manifest.Builder) *fakePlugin {
	m := b.MustBuild()
	return &fakePlugin{manifest: m, log: log, stageIDs: []string{m.ID + ":run"}}
}

func (p *fakePlugin) Manifest() manifest.Manifest { return p.manifest }

func (p *fakePlugin) PreflightCheck(context.Context) error {
	p.log.add("preflight:" + p.manifest.ID)
	return p.preflightErr
}

func (p *fakePlugin) Init(context.Context, Host) error {
	p.log.add("init:" + p.manifest.ID)
	if p.initPanic {
		panic("boom")
	}
	return p.initErr
}

func (p *fakePlugin) Stages() ([]stage.Stage, error) {
	stages := make([]stage.Stage, 0, len(p.stageIDs))
	for _, id := range p.stageIDs {
		stages = append(stages, stage.NewFunc(id, func(context.Context, *stage.Context) error { return nil }))
	}
	return stages, nil
}

func (p *fakePlugin) Shutdown(context.Context) error {
	p.log.add("shutdown:" + p.manifest.ID)
	return p.shutdownErr
}

func (p *fakePlugin) Close() error {
	p.log.add("close:" + p.manifest.ID)
	return nil
}

// fakeLoader serves plugins by file name; files without an entry fail to load.
type fakeLoader struct {
	plugins map[string]Plugin
}

func (l *fakeLoader) Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".so" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *fakeLoader) Load(_ context.Context, path string) (Plugin, error) {
	p, ok := l.plugins[filepath.Base(path)]
	if !ok {
		return nil, errors.New("not a plugin library")
	}
	return p, nil
}

func gracefulConfig() *RegistryConfig {
	return &RegistryConfig{DependencyPolicy: PolicyGraceful}
}

func newTestRegistry(config *RegistryConfig, plugins ...Plugin) (*Registry, error) {
	reg := NewRegistry(config, nil, nil)
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
