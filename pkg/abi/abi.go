// Package abi defines the contract between the stagehand host and plugins
// built with -buildmode=plugin.
//
// A plugin binary exports a single function named by EntrySymbol with the
// signature func() *VTable. The table is bound to one freshly constructed
// plugin instance. Every variable-length result is returned as an owned
// buffer that the caller must hand back to the matching Free function after
// copying it; buffers are never released any other way. Every entry tolerates
// a nil Instance by returning ResultNullInstance (or a nil buffer).
//
// Plugin authors normally do not fill a VTable by hand; see Export.
package abi

import (
	"context"
	"unsafe"
)

// Version is the layout revision of VTable. The host refuses tables with a
// different revision.
const Version uint32 = 1

// EntrySymbol is the exported symbol the host looks up in a plugin binary.
const EntrySymbol = "StagehandPluginVTable"

// ResultCode is the status returned by lifecycle entries.
type ResultCode int32

const (
	ResultOK ResultCode = iota
	ResultNullInstance
	ResultError
	ResultPanic
	ResultInvalidArgument
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultNullInstance:
		return "null instance"
	case ResultError:
		return "error"
	case ResultPanic:
		return "panic"
	case ResultInvalidArgument:
		return "invalid argument"
	}
	return "unknown result"
}

// Instance is the opaque pointer a VTable is bound to.
type Instance = unsafe.Pointer

// StringBuf is an owned string result. Release with VTable.FreeString.
type StringBuf struct {
	Value string
}

// ByteBuf is an owned byte result. Release with VTable.FreeBytes.
type ByteBuf struct {
	Data []byte
}

// DependencyEntry is one declared plugin dependency.
type DependencyEntry struct {
	ID       string
	Range    string
	Required bool
}

// DependencyList is an owned dependency list. Release with VTable.FreeDependencies.
type DependencyList struct {
	Items []DependencyEntry
}

// StageKind mirrors the host's stage requirement kinds.
type StageKind int32

const (
	StageRequire StageKind = iota
	StageOptional
	StageProvide
)

// StageRequirementEntry is one stage relation.
type StageRequirementEntry struct {
	StageID string
	Kind    StageKind
}

// StageRequirementList is an owned requirement list. Release with VTable.FreeStageRequirements.
type StageRequirementList struct {
	Items []StageRequirementEntry
}

// StringList is an owned string list. Release with VTable.FreeStrings.
type StringList struct {
	Items []string
}

// Host is what the runtime hands a plugin during Init.
type Host interface {
	PluginID() string
	Logf(level, format string, args ...any)
	Setting(key string) (string, bool)
}

// StageEnv is the view of a pipeline run that plugin stages operate on.
// Writes through it are recorded instead of performed during a dry-run.
type StageEnv interface {
	DryRun() bool
	Get(key string) (any, bool)
	Set(key string, value any)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	CreateDirAll(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Record(description string)
	ShutdownRequested() bool
}

// StageDescriptor describes one stage contributed by a plugin.
type StageDescriptor struct {
	ID                string
	Name              string
	Description       string
	NoDryRun          bool
	DryRunDescription string
	Requirements      []StageRequirementEntry
	Execute           func(ctx context.Context, env StageEnv) error
}

// StageSink receives stages during RegisterStages.
type StageSink func(StageDescriptor) ResultCode

// VTable is the fixed function table exported by a plugin binary.
type VTable struct {
	owner *exporter

	ABIVersion uint32
	Instance   Instance

	InstanceSize func(Instance) uintptr

	Name       func(Instance) *StringBuf
	Version    func(Instance) *StringBuf
	LastError  func(Instance) *StringBuf
	FreeString func(*StringBuf) ResultCode

	Manifest  func(Instance) *ByteBuf
	FreeBytes func(*ByteBuf) ResultCode

	Dependencies     func(Instance) *DependencyList
	FreeDependencies func(*DependencyList) ResultCode

	StageRequirements     func(Instance) *StageRequirementList
	FreeStageRequirements func(*StageRequirementList) ResultCode

	Conflicts   func(Instance) *StringList
	FreeStrings func(*StringList) ResultCode

	Init           func(Instance, Host) ResultCode
	PreflightCheck func(context.Context, Instance) ResultCode
	RegisterStages func(Instance, StageSink) ResultCode
	Shutdown       func(Instance) ResultCode
	Destroy        func(Instance) ResultCode
}

// EntryFunc is the type of the exported entry symbol.
type EntryFunc = func() *VTable
