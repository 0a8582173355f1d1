package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// LocalBackend implements Backend over the local filesystem rooted at Root.
// Grounded on internal/sync/scanner.go's direct os.Stat/os.ReadDir/os.Open
// usage; unlike the teacher's scanner, which inlines these calls, this
// backend centralizes them behind the Backend interface so the indexer
// pipeline works unmodified against either storage medium.
type LocalBackend struct {
	Root string
}

// NewLocalBackend returns a Backend rooted at root.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{Root: root}
}

func (b *LocalBackend) fullPath(path string) string {
	return filepath.Join(b.Root, path)
}

func (b *LocalBackend) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := os.Stat(b.fullPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return FileInfo{}, ErrNotExist
	}

	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: %v", ErrNotAccessible, err)
	}

	return FileInfo{
		Name:     info.Name(),
		Size:     info.Size(),
		Mode:     uint32(info.Mode()),
		ModTime:  info.ModTime(),
		IsDir:    info.IsDir(),
		InodeKey: inodeKey(info),
	}, nil
}

func (b *LocalBackend) ReadDir(_ context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(b.fullPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAccessible, err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}

	return out, nil
}

func (b *LocalBackend) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(b.fullPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAccessible, err)
	}

	return f, nil
}

func (b *LocalBackend) Create(_ context.Context, path string, content io.Reader) error {
	full := b.fullPath(path)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("volume: mkdir for %s: %w", path, err)
	}

	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("volume: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("volume: write %s: %w", path, err)
	}

	return nil
}

func (b *LocalBackend) Remove(_ context.Context, path string) error {
	err := os.Remove(b.fullPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotExist
	}

	if err != nil {
		return fmt.Errorf("volume: remove %s: %w", path, err)
	}

	return nil
}

func (b *LocalBackend) Rename(_ context.Context, oldPath, newPath string) error {
	newFull := b.fullPath(newPath)
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return fmt.Errorf("volume: mkdir for rename target %s: %w", newPath, err)
	}

	if err := os.Rename(b.fullPath(oldPath), newFull); err != nil {
		return fmt.Errorf("volume: rename %s -> %s: %w", oldPath, newPath, err)
	}

	return nil
}

// inodeKey extracts the platform inode number from fs.FileInfo when
// available, falling back to empty (callers treat empty as "no stable
// inode key", forcing path-based lookup only).
func inodeKey(info fs.FileInfo) string {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}

	return fmt.Sprintf("%d", sys.Ino)
}
