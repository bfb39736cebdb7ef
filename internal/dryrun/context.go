package dryrun

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one recorded operation together with the stage that produced it.
type Entry struct {
	StageID   string
	Operation Operation
}

// Context accumulates the operations a pipeline run would perform. The same
// type doubles as the journal of a live run, which keeps live and simulated
// descriptions comparable.
type Context struct {
	mu         sync.Mutex
	entries    []Entry
	stageOrder []string
	byStage    map[string][]Operation
	notes      map[string]string
	conflicts  []string
	writers    map[string]string
	files      map[string]simulatedFile
}

// simulatedFile is the state of a path after the operations recorded so far.
type simulatedFile struct {
	content []byte
	exists  bool
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		byStage: make(map[string][]Operation),
		notes:   make(map[string]string),
		writers: make(map[string]string),
		files:   make(map[string]simulatedFile),
	}
}

// Record appends op under stageID. A file operation writing a path that a
// different stage already writes adds a conflict.
func (c *Context) Record(stageID string, op Operation) {
	if op == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.touchStage(stageID)
	c.entries = append(c.entries, Entry{StageID: stageID, Operation: op})
	c.byStage[stageID] = append(c.byStage[stageID], op)

	fileOp, ok := op.(FileOperation)
	if !ok {
		return
	}
	c.simulate(fileOp)
	if !writesContent(fileOp.Type) {
		return
	}
	target := fileOp.Target()
	if target == "" {
		return
	}
	if prev, seen := c.writers[target]; seen && prev != stageID {
		c.conflicts = append(c.conflicts, fmt.Sprintf(
			"path %s is written by stage %s and stage %s", target, prev, stageID))
	}
	c.writers[target] = stageID
}

func (c *Context) simulate(op FileOperation) {
	switch op.Type {
	case FileCreate, FileModify:
		c.files[op.Source] = simulatedFile{content: append([]byte{}, op.Content...), exists: true}
	case FileCopy:
		src := c.files[op.Source]
		c.files[op.Destination] = simulatedFile{content: src.content, exists: true}
	case FileMove:
		src := c.files[op.Source]
		c.files[op.Destination] = simulatedFile{content: src.content, exists: true}
		c.files[op.Source] = simulatedFile{}
	case FileDelete:
		c.files[op.Source] = simulatedFile{}
	}
}

// Simulated reports the state of path after the operations recorded so far.
// known is false when no recorded operation touched path. content is nil when
// the path exists but its content was not captured, as for a copy of a file
// the run never wrote.
func (c *Context) Simulated(path string) (content []byte, exists, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[path]
	if !ok {
		return nil, false, false
	}
	if f.content == nil {
		return nil, f.exists, true
	}
	return append([]byte{}, f.content...), f.exists, true
}

func writesContent(t FileOperationType) bool {
	switch t {
	case FileCreate, FileCopy, FileMove, FileModify:
		return true
	}
	return false
}

func (c *Context) touchStage(stageID string) {
	if _, ok := c.byStage[stageID]; ok {
		return
	}
	if _, ok := c.notes[stageID]; ok {
		return
	}
	c.stageOrder = append(c.stageOrder, stageID)
	c.byStage[stageID] = nil
}

// Note attaches an explanatory line to a stage that recorded nothing, such as
// a stage skipped because it cannot be simulated.
func (c *Context) Note(stageID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchStage(stageID)
	c.notes[stageID] = text
}

// NoteFor returns the note recorded for stageID.
func (c *Context) NoteFor(stageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	note, ok := c.notes[stageID]
	return note, ok
}

// AddConflict records a potential conflict found during simulation.
func (c *Context) AddConflict(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = append(c.conflicts, description)
}

// Conflicts returns the recorded conflicts in insertion order.
func (c *Context) Conflicts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.conflicts...)
}

// HasConflicts reports whether any conflict was recorded.
func (c *Context) HasConflicts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conflicts) > 0
}

// Operations returns every entry in recording order.
func (c *Context) Operations() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// StageOperations returns the operations recorded by one stage.
func (c *Context) StageOperations(stageID string) []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Operation(nil), c.byStage[stageID]...)
}

// Stages returns the ids of stages that recorded something, in first-seen order.
func (c *Context) Stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stageOrder...)
}

// Descriptions flattens every operation into its description, in recording order.
func (c *Context) Descriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry.Operation.Description())
	}
	return out
}

// Len returns the number of recorded operations.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EstimatedDiskUsage sums the disk estimates of every operation.
func (c *Context) EstimatedDiskUsage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, entry := range c.entries {
		total += entry.Operation.EstimatedDiskUsage()
	}
	return total
}

// EstimatedDuration sums the duration estimates of every operation.
func (c *Context) EstimatedDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, entry := range c.entries {
		total += entry.Operation.EstimatedDuration()
	}
	return total
}
