// Package storage provides the filesystem collaborator stages operate on.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider is the storage surface exposed to stages and plugins.
type Provider interface {
	FileExists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ReadString(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	WriteString(ctx context.Context, path, content string) error
	CreateDirAll(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	ListDir(ctx context.Context, path string) ([]string, error)
	CopyFile(ctx context.Context, src, dst string) error
	MoveFile(ctx context.Context, src, dst string) error
}

// LocalProvider reads and writes the local filesystem. Relative paths are
// resolved against Root when it is set.
type LocalProvider struct {
	Root string
}

// NewLocalProvider returns a provider rooted at root ("" for the working directory).
func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{Root: root}
}

func (p *LocalProvider) resolve(op, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", newError(ErrCodeInvalidPath, op, path, "path must not be empty")
	}
	if p.Root == "" || filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Join(p.Root, path), nil
}

func checkContext(ctx context.Context, op, path string) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return newError(ErrCodeCanceled, op, path, err.Error())
	}
	return nil
}

func (p *LocalProvider) prepare(ctx context.Context, op, path string) (string, error) {
	if err := checkContext(ctx, op, path); err != nil {
		return "", err
	}
	return p.resolve(op, path)
}

func (p *LocalProvider) FileExists(ctx context.Context, path string) (bool, error) {
	full, err := p.prepare(ctx, "exists", path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapError(err, "exists", path)
	}
	return true, nil
}

func (p *LocalProvider) IsDir(ctx context.Context, path string) (bool, error) {
	full, err := p.prepare(ctx, "is_dir", path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapError(err, "is_dir", path)
	}
	return info.IsDir(), nil
}

func (p *LocalProvider) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := p.prepare(ctx, "read", path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, wrapError(err, "read", path)
	}
	return data, nil
}

func (p *LocalProvider) ReadString(ctx context.Context, path string) (string, error) {
	data, err := p.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile creates parent directories as needed.
func (p *LocalProvider) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := p.prepare(ctx, "write", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return wrapError(err, "write", path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return wrapError(err, "write", path)
	}
	return nil
}

func (p *LocalProvider) WriteString(ctx context.Context, path, content string) error {
	return p.WriteFile(ctx, path, []byte(content))
}

func (p *LocalProvider) CreateDirAll(ctx context.Context, path string) error {
	full, err := p.prepare(ctx, "mkdir", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return wrapError(err, "mkdir", path)
	}
	return nil
}

func (p *LocalProvider) RemoveFile(ctx context.Context, path string) error {
	full, err := p.prepare(ctx, "remove", path)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return wrapError(err, "remove", path)
	}
	if info.IsDir() {
		return newError(ErrCodeInvalidPath, "remove", path, "path is a directory")
	}
	if err := os.Remove(full); err != nil {
		return wrapError(err, "remove", path)
	}
	return nil
}

// RemoveDir removes an empty directory.
func (p *LocalProvider) RemoveDir(ctx context.Context, path string) error {
	full, err := p.prepare(ctx, "rmdir", path)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return wrapError(err, "rmdir", path)
	}
	if !info.IsDir() {
		return newError(ErrCodeNotDirectory, "rmdir", path, "path is not a directory")
	}
	if err := os.Remove(full); err != nil {
		return wrapError(err, "rmdir", path)
	}
	return nil
}

func (p *LocalProvider) RemoveAll(ctx context.Context, path string) error {
	full, err := p.prepare(ctx, "remove_all", path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return wrapError(err, "remove_all", path)
	}
	return nil
}

// ListDir returns the sorted entry names of a directory.
func (p *LocalProvider) ListDir(ctx context.Context, path string) ([]string, error) {
	full, err := p.prepare(ctx, "list", path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, wrapError(err, "list", path)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (p *LocalProvider) CopyFile(ctx context.Context, src, dst string) error {
	from, err := p.prepare(ctx, "copy", src)
	if err != nil {
		return err
	}
	to, err := p.resolve("copy", dst)
	if err != nil {
		return err
	}

	in, err := os.Open(from)
	if err != nil {
		return wrapError(err, "copy", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return wrapError(err, "copy", dst)
	}
	out, err := os.Create(to)
	if err != nil {
		return wrapError(err, "copy", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return wrapError(err, "copy", dst)
	}
	if err := out.Close(); err != nil {
		return wrapError(err, "copy", dst)
	}
	return nil
}

func (p *LocalProvider) MoveFile(ctx context.Context, src, dst string) error {
	from, err := p.prepare(ctx, "move", src)
	if err != nil {
		return err
	}
	to, err := p.resolve("move", dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return wrapError(err, "move", dst)
	}
	if err := os.Rename(from, to); err != nil {
		return wrapError(err, "move", src)
	}
	return nil
}
