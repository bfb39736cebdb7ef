// Package dryrun records the side effects a pipeline intends to perform, so
// they can be reported instead of executed.
package dryrun

import (
	"fmt"
	"time"
)

// Operation is a side effect that can be described without performing it.
type Operation interface {
	Description() string
	EstimatedDiskUsage() uint64
	EstimatedDuration() time.Duration
}

// Previewer is implemented by operations that can show their effect in detail.
type Previewer interface {
	Preview() string
}

// FileOperationType enumerates filesystem side effects.
type FileOperationType int

const (
	FileCreate FileOperationType = iota
	FileCopy
	FileMove
	FileDelete
	FileModify
	FileChangePermissions
	FileCreateDir
)

func (t FileOperationType) String() string {
	switch t {
	case FileCreate:
		return "create"
	case FileCopy:
		return "copy"
	case FileMove:
		return "move"
	case FileDelete:
		return "delete"
	case FileModify:
		return "modify"
	case FileChangePermissions:
		return "chmod"
	case FileCreateDir:
		return "mkdir"
	}
	return "unknown"
}

// FileOperation describes one filesystem change.
type FileOperation struct {
	Type        FileOperationType
	Source      string
	Destination string
	Permissions uint32
	Content     []byte
	Duration    time.Duration
	// Diff previews a modification as a unified diff. Only set in dry-run mode.
	Diff string
}

// Description renders a "Would <verb> <object>" line.
func (op FileOperation) Description() string {
	switch op.Type {
	case FileCreate:
		return fmt.Sprintf("Would create file at %s", op.Source)
	case FileCopy:
		if op.Destination != "" {
			return fmt.Sprintf("Would copy %s to %s", op.Source, op.Destination)
		}
		return fmt.Sprintf("Would copy %s", op.Source)
	case FileMove:
		if op.Destination != "" {
			return fmt.Sprintf("Would move %s to %s", op.Source, op.Destination)
		}
		return fmt.Sprintf("Would move %s", op.Source)
	case FileDelete:
		return fmt.Sprintf("Would delete %s", op.Source)
	case FileModify:
		return fmt.Sprintf("Would modify %s", op.Source)
	case FileChangePermissions:
		if op.Permissions != 0 {
			return fmt.Sprintf("Would change permissions of %s to %o", op.Source, op.Permissions)
		}
		return fmt.Sprintf("Would change permissions of %s", op.Source)
	case FileCreateDir:
		return fmt.Sprintf("Would create directory %s", op.Source)
	}
	return fmt.Sprintf("Would touch %s", op.Source)
}

// EstimatedDiskUsage counts the bytes a create or copy would add.
func (op FileOperation) EstimatedDiskUsage() uint64 {
	switch op.Type {
	case FileCreate, FileCopy, FileModify:
		return uint64(len(op.Content))
	}
	return 0
}

// EstimatedDuration returns the declared duration estimate.
func (op FileOperation) EstimatedDuration() time.Duration {
	return op.Duration
}

// Preview returns the diff attached to a modification, or "".
func (op FileOperation) Preview() string { return op.Diff }

// Target returns the path the operation writes to, or "" when it writes nothing.
func (op FileOperation) Target() string {
	switch op.Type {
	case FileCreate, FileModify, FileCreateDir, FileChangePermissions:
		return op.Source
	case FileCopy, FileMove:
		return op.Destination
	}
	return ""
}

// CustomOperation is a free-form operation, typically a stage's own dry-run description.
type CustomOperation struct {
	Text      string
	DiskUsage uint64
	Duration  time.Duration
}

// Description returns the text as given.
func (op CustomOperation) Description() string { return op.Text }

// EstimatedDiskUsage returns the declared disk estimate.
func (op CustomOperation) EstimatedDiskUsage() uint64 { return op.DiskUsage }

// EstimatedDuration returns the declared duration estimate.
func (op CustomOperation) EstimatedDuration() time.Duration { return op.Duration }
