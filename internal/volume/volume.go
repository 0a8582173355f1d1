// Package volume abstracts read/write/stat access over the storage medium
// backing a library Location: a local filesystem path or a cloud object
// store bucket prefix. The indexer, content-identification jobs, and the
// sync engine's artifact transfers all go through this interface instead
// of calling os/io directly, so a Location can be backed by either medium
// without the rest of the system caring.
//
// Grounded on the teacher's direct os/filepath usage throughout
// internal/sync/scanner.go (Stat, ReadDir, Open) for the local backend
// shape, and on ghjramos-aistore's go.mod dependency on
// github.com/aws/aws-sdk-go-v2/service/s3 for the object-store backend.
package volume

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Stat/Open when the requested path does not
// exist in the backend.
var ErrNotExist = errors.New("volume: path does not exist")

// ErrNotAccessible is returned when a path's existence cannot be
// determined (e.g. the underlying volume is unmounted or unreachable),
// distinct from ErrNotExist per spec.md §4.5's safety-check step: the
// indexer must not treat "cannot access" as an authoritative delete.
var ErrNotAccessible = errors.New("volume: path not accessible")

// FileInfo is the subset of metadata the indexer pipeline needs,
// independent of backend (local inode semantics vs. object store ETags).
type FileInfo struct {
	Name    string
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool

	// InodeKey is a backend-specific stable identifier used for
	// find_by_inode lookups (spec.md §4.5 step 4): the local backend uses
	// the OS inode number; the S3 backend uses the object's ETag, which
	// is stable across renames-as-copies within the bucket.
	InodeKey string
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Backend is a uniform read/write/stat surface over a Location's storage
// medium.
type Backend interface {
	// Stat returns metadata for path, ErrNotExist if absent, or
	// ErrNotAccessible if existence cannot be determined.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// ReadDir lists the immediate children of path.
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)

	// Open returns a reader over path's content.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Create writes content to path, creating or truncating it.
	Create(ctx context.Context, path string, content io.Reader) error

	// Remove deletes path.
	Remove(ctx context.Context, path string) error

	// Rename moves oldPath to newPath within the same backend.
	Rename(ctx context.Context, oldPath, newPath string) error
}
