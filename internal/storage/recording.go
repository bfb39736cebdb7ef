package storage

import (
	"context"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/pkg/diff"
)

// Recorder receives the operations a RecordingProvider observes.
type Recorder interface {
	Record(stageID string, op dryrun.Operation)
}

// Simulator is implemented by recorders that track the file state a dry run
// has produced so far. dryrun.Context implements it.
type Simulator interface {
	Simulated(path string) (content []byte, exists, known bool)
}

// RecordingProvider wraps a Provider on behalf of a single stage. Reads always
// pass through. In dry-run mode writes are recorded and not performed; in live
// mode they are performed and then recorded with the same description.
type RecordingProvider struct {
	inner    Provider
	recorder Recorder
	stageID  string
	dryRun   bool
}

var _ Provider = (*RecordingProvider)(nil)

// NewRecordingProvider binds inner to recorder for stageID.
func NewRecordingProvider(inner Provider, recorder Recorder, stageID string, dryRun bool) *RecordingProvider {
	return &RecordingProvider{inner: inner, recorder: recorder, stageID: stageID, dryRun: dryRun}
}

// DryRun reports whether writes are suppressed.
func (p *RecordingProvider) DryRun() bool { return p.dryRun }

// StageID returns the stage the provider records on behalf of.
func (p *RecordingProvider) StageID() string { return p.stageID }

func (p *RecordingProvider) record(op dryrun.FileOperation) {
	if p.recorder != nil {
		p.recorder.Record(p.stageID, op)
	}
}

// apply performs write unless in dry-run mode, then records op on success.
func (p *RecordingProvider) apply(op dryrun.FileOperation, write func() error) error {
	if !p.dryRun {
		if err := write(); err != nil {
			return err
		}
	}
	p.record(op)
	return nil
}

func (p *RecordingProvider) FileExists(ctx context.Context, path string) (bool, error) {
	return p.inner.FileExists(ctx, path)
}

func (p *RecordingProvider) IsDir(ctx context.Context, path string) (bool, error) {
	return p.inner.IsDir(ctx, path)
}

func (p *RecordingProvider) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return p.inner.ReadFile(ctx, path)
}

func (p *RecordingProvider) ReadString(ctx context.Context, path string) (string, error) {
	return p.inner.ReadString(ctx, path)
}

// WriteFile records a create, or a modify when the file already exists. In
// dry-run mode a file counts as existing once an earlier simulated operation
// wrote it, so repeated writes describe the same way a live run does.
// Dry-run modifications carry a diff against the current content.
func (p *RecordingProvider) WriteFile(ctx context.Context, path string, data []byte) error {
	op := dryrun.FileOperation{Type: dryrun.FileCreate, Source: path, Content: append([]byte(nil), data...)}
	if !p.dryRun {
		if exists, err := p.inner.FileExists(ctx, path); err == nil && exists {
			op.Type = dryrun.FileModify
		}
		return p.apply(op, func() error { return p.inner.WriteFile(ctx, path, data) })
	}

	current, exists := p.simulatedContent(ctx, path)
	if exists {
		op.Type = dryrun.FileModify
		if current != nil {
			op.Diff = diff.Unified(current, data, path)
		}
	}
	p.record(op)
	return nil
}

// simulatedContent returns the content path would have at this point of a
// dry run. A nil slice with exists true means the content is unknown.
func (p *RecordingProvider) simulatedContent(ctx context.Context, path string) ([]byte, bool) {
	if sim, ok := p.recorder.(Simulator); ok {
		if content, exists, known := sim.Simulated(path); known {
			return content, exists
		}
	}
	exists, err := p.inner.FileExists(ctx, path)
	if err != nil || !exists {
		return nil, false
	}
	current, err := p.inner.ReadFile(ctx, path)
	if err != nil {
		return nil, true
	}
	return current, true
}

func (p *RecordingProvider) WriteString(ctx context.Context, path, content string) error {
	return p.WriteFile(ctx, path, []byte(content))
}

func (p *RecordingProvider) CreateDirAll(ctx context.Context, path string) error {
	op := dryrun.FileOperation{Type: dryrun.FileCreateDir, Source: path}
	return p.apply(op, func() error { return p.inner.CreateDirAll(ctx, path) })
}

func (p *RecordingProvider) RemoveFile(ctx context.Context, path string) error {
	op := dryrun.FileOperation{Type: dryrun.FileDelete, Source: path}
	return p.apply(op, func() error { return p.inner.RemoveFile(ctx, path) })
}

func (p *RecordingProvider) RemoveDir(ctx context.Context, path string) error {
	op := dryrun.FileOperation{Type: dryrun.FileDelete, Source: path}
	return p.apply(op, func() error { return p.inner.RemoveDir(ctx, path) })
}

func (p *RecordingProvider) RemoveAll(ctx context.Context, path string) error {
	op := dryrun.FileOperation{Type: dryrun.FileDelete, Source: path}
	return p.apply(op, func() error { return p.inner.RemoveAll(ctx, path) })
}

func (p *RecordingProvider) ListDir(ctx context.Context, path string) ([]string, error) {
	return p.inner.ListDir(ctx, path)
}

func (p *RecordingProvider) CopyFile(ctx context.Context, src, dst string) error {
	op := dryrun.FileOperation{Type: dryrun.FileCopy, Source: src, Destination: dst}
	return p.apply(op, func() error { return p.inner.CopyFile(ctx, src, dst) })
}

func (p *RecordingProvider) MoveFile(ctx context.Context, src, dst string) error {
	op := dryrun.FileOperation{Type: dryrun.FileMove, Source: src, Destination: dst}
	return p.apply(op, func() error { return p.inner.MoveFile(ctx, src, dst) })
}
