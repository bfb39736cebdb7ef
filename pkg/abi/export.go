package abi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// Plugin is the Go-level interface a plugin author implements. Export turns
// it into a VTable.
type Plugin interface {
	Manifest() Document
	Init(host Host) error
	PreflightCheck(ctx context.Context) error
	Stages() []StageDescriptor
	Shutdown() error
}

// holder boxes the author's value so the instance pointer always refers to
// non-zero-size storage, even when the plugin type is an empty struct.
type holder struct {
	plugin  Plugin
	lastErr string
	alive   bool
}

type exporter struct {
	mu     sync.Mutex
	inst   *holder
	allocs map[any]struct{}
}

// Export builds a VTable bound to a new instance produced by factory.
// Each entry recovers panics raised by the plugin and reports them as
// ResultPanic; the panic message is available through LastError.
func Export(factory func() Plugin) *VTable {
	e := &exporter{allocs: make(map[any]struct{})}
	h := &holder{alive: true}
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.lastErr = fmt.Sprintf("panic: %v", r)
			}
		}()
		h.plugin = factory()
	}()
	e.inst = h

	return &VTable{
		owner:                 e,
		ABIVersion:            Version,
		Instance:              Instance(h),
		InstanceSize:          e.instanceSize,
		Name:                  e.name,
		Version:               e.version,
		LastError:             e.lastError,
		FreeString:            func(b *StringBuf) ResultCode { return e.release(b) },
		Manifest:              e.manifest,
		FreeBytes:             func(b *ByteBuf) ResultCode { return e.release(b) },
		Dependencies:          e.dependencies,
		FreeDependencies:      func(b *DependencyList) ResultCode { return e.release(b) },
		StageRequirements:     e.stageRequirements,
		FreeStageRequirements: func(b *StageRequirementList) ResultCode { return e.release(b) },
		Conflicts:             e.conflicts,
		FreeStrings:           func(b *StringList) ResultCode { return e.release(b) },
		Init:                  e.initialize,
		PreflightCheck:        e.preflight,
		RegisterStages:        e.registerStages,
		Shutdown:              e.shutdown,
		Destroy:               e.destroy,
	}
}

// Outstanding reports how many buffers handed out by vt have not been freed.
// It only works for tables built by Export.
func Outstanding(vt *VTable) int {
	if vt == nil || vt.owner == nil {
		return 0
	}
	vt.owner.mu.Lock()
	defer vt.owner.mu.Unlock()
	return len(vt.owner.allocs)
}

func (e *exporter) resolve(inst Instance) *holder {
	if inst == nil || inst != Instance(e.inst) {
		return nil
	}
	h := (*holder)(inst)
	if !h.alive || h.plugin == nil {
		return nil
	}
	return h
}

func (e *exporter) track(buf any) {
	e.mu.Lock()
	e.allocs[buf] = struct{}{}
	e.mu.Unlock()
}

func (e *exporter) release(buf any) ResultCode {
	if isNilPointer(buf) {
		return ResultInvalidArgument
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, owned := e.allocs[buf]; !owned {
		return ResultInvalidArgument
	}
	delete(e.allocs, buf)
	return ResultOK
}

func isNilPointer(buf any) bool {
	switch b := buf.(type) {
	case *StringBuf:
		return b == nil
	case *ByteBuf:
		return b == nil
	case *DependencyList:
		return b == nil
	case *StageRequirementList:
		return b == nil
	case *StringList:
		return b == nil
	}
	return buf == nil
}

// guard runs fn, converting a panic into ResultPanic and a returned error into ResultError.
func (e *exporter) guard(h *holder, fn func() error) (code ResultCode) {
	defer func() {
		if r := recover(); r != nil {
			h.lastErr = fmt.Sprintf("panic: %v", r)
			code = ResultPanic
		}
	}()
	if err := fn(); err != nil {
		h.lastErr = err.Error()
		return ResultError
	}
	return ResultOK
}

func (e *exporter) document(h *holder) (doc Document, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.lastErr = fmt.Sprintf("panic: %v", r)
			ok = false
		}
	}()
	return h.plugin.Manifest(), true
}

func (e *exporter) instanceSize(inst Instance) uintptr {
	if e.resolve(inst) == nil {
		return 0
	}
	return unsafe.Sizeof(holder{})
}

func (e *exporter) stringBuf(value string) *StringBuf {
	buf := &StringBuf{Value: value}
	e.track(buf)
	return buf
}

func (e *exporter) name(inst Instance) *StringBuf {
	h := e.resolve(inst)
	if h == nil {
		return nil
	}
	doc, ok := e.document(h)
	if !ok {
		return nil
	}
	if doc.Plugin.ID != "" {
		return e.stringBuf(doc.Plugin.ID)
	}
	return e.stringBuf(doc.Plugin.Name)
}

func (e *exporter) version(inst Instance) *StringBuf {
	h := e.resolve(inst)
	if h == nil {
		return nil
	}
	doc, ok := e.document(h)
	if !ok {
		return nil
	}
	return e.stringBuf(doc.Plugin.Version)
}

func (e *exporter) lastError(inst Instance) *StringBuf {
	if inst == nil || inst != Instance(e.inst) {
		return nil
	}
	h := (*holder)(inst)
	if h.lastErr == "" {
		return nil
	}
	return e.stringBuf(h.lastErr)
}

func (e *exporter) manifest(inst Instance) *ByteBuf {
	h := e.resolve(inst)
	if h == nil {
		return nil
	}
	doc, ok := e.document(h)
	if !ok {
		return nil
	}
	// Relations travel through their own entries.
	doc.Dependencies = nil
	doc.OptionalDependencies = nil
	doc.Conflicts.With = nil
	doc.StageRequirements = StageRequirementSection{}
	data, err := json.Marshal(doc)
	if err != nil {
		h.lastErr = err.Error()
		return nil
	}
	buf := &ByteBuf{Data: data}
	e.track(buf)
	return buf
}

func (e *exporter) dependencies(inst Instance) *DependencyList {
	h := e.resolve(inst)
	if h == nil {
		return nil
	}
	doc, ok := e.document(h)
	if !ok {
		return nil
	}
	list := &DependencyList{}
	for _, id := range sortedKeys(doc.Dependencies) {
		list.Items = append(list.Items, DependencyEntry{ID: id, Range: doc.Dependencies[id], Required: true})
	}
	for _, id := range sortedKeys(doc.OptionalDependencies) {
		list.Items = append(list.Items, DependencyEntry{ID: id, Range: doc.OptionalDependencies[id]})
	}
	e.track(list)
	return list
}

func (e *exporter) stageRequirements(inst Instance) *StageRequirementList {
	h := e.resolve(inst)
	if h == nil {
		return nil
	}
	doc, ok := e.document(h)
	if !ok {
		return nil
	}
	list := &StageRequirementList{}
	for _, id := range doc.StageRequirements.Provides {
		list.Items = append(list.Items, StageRequirementEntry{StageID: id, Kind: StageProvide})
	}
	for _, id := range doc.StageRequirements.Requires {
		list.Items = append(list.Items, StageRequirementEntry{StageID: id, Kind: StageRequire})
	}
	for _, id := range doc.StageRequirements.Optional {
		list.Items = append(list.Items, StageRequirementEntry{StageID: id, Kind: StageOptional})
	}
	e.track(list)
	return list
}

func (e *exporter) conflicts(inst Instance) *StringList {
	h := e.resolve(inst)
	if h == nil {
		return nil
	}
	doc, ok := e.document(h)
	if !ok {
		return nil
	}
	list := &StringList{Items: append([]string(nil), doc.Conflicts.With...)}
	e.track(list)
	return list
}

func (e *exporter) initialize(inst Instance, host Host) ResultCode {
	h := e.resolve(inst)
	if h == nil {
		return ResultNullInstance
	}
	if host == nil {
		return ResultInvalidArgument
	}
	return e.guard(h, func() error { return h.plugin.Init(host) })
}

func (e *exporter) preflight(ctx context.Context, inst Instance) ResultCode {
	h := e.resolve(inst)
	if h == nil {
		return ResultNullInstance
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return e.guard(h, func() error { return h.plugin.PreflightCheck(ctx) })
}

func (e *exporter) registerStages(inst Instance, sink StageSink) ResultCode {
	h := e.resolve(inst)
	if h == nil {
		return ResultNullInstance
	}
	if sink == nil {
		return ResultInvalidArgument
	}
	return e.guard(h, func() error {
		for _, stage := range h.plugin.Stages() {
			if code := sink(stage); code != ResultOK {
				return fmt.Errorf("stage '%s' rejected by host: %s", stage.ID, code)
			}
		}
		return nil
	})
}

func (e *exporter) shutdown(inst Instance) ResultCode {
	h := e.resolve(inst)
	if h == nil {
		return ResultNullInstance
	}
	return e.guard(h, h.plugin.Shutdown)
}

func (e *exporter) destroy(inst Instance) ResultCode {
	h := e.resolve(inst)
	if h == nil {
		return ResultNullInstance
	}
	h.alive = false
	h.plugin = nil
	return ResultOK
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
