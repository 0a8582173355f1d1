// Package library implements the durable per-library store (C3): entries,
// the entry closure table, content identities, devices, and locations,
// plus the jobs table shared with internal/jobs.
//
// Grounded on the teacher's internal/sync/state.go: a single *sql.DB
// handle opened in WAL mode, prepared statements grouped by domain into
// small structs rather than one flat field list, and a constructor that
// opens, sets pragmas, migrates, and prepares statements in one call.
package library

import "time"

// EntryKind discriminates the three filesystem entry types spec.md §3.2
// names.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
	KindSymlink   EntryKind = "symlink"
)

// IndexMode controls how much work the indexer performs for a Location.
// Monotonically increasing: Shallow < Content < Deep (spec.md §3.2).
type IndexMode string

const (
	IndexShallow IndexMode = "shallow"
	IndexContent IndexMode = "content"
	IndexDeep    IndexMode = "deep"
)

// indexModeRank gives IndexMode a total order so promotion can be checked
// with a simple integer comparison.
var indexModeRank = map[IndexMode]int{
	IndexShallow: 0,
	IndexContent: 1,
	IndexDeep:    2,
}

// Allows reports whether mode permits at least as much work as other.
func (m IndexMode) Allows(other IndexMode) bool {
	return indexModeRank[m] >= indexModeRank[other]
}

// ScanState is a Location's indexing lifecycle state.
type ScanState string

const (
	ScanPending   ScanState = "pending"
	ScanScanning  ScanState = "scanning"
	ScanCompleted ScanState = "completed"
	ScanFailed    ScanState = "failed"
)

// Device is a paired installation known to this library.
type Device struct {
	UUID          string
	Slug          string
	Name          string
	OS            string
	HardwareModel string
	CreatedAt     time.Time
}

// Location is one indexed filesystem root owned by a Device.
type Location struct {
	UUID                 string
	DeviceUUID           string
	RootPath             string
	IndexMode            IndexMode
	ScanState            ScanState
	IndexerRulesSnapshot string
	CreatedAt            time.Time
}

// Entry is one filesystem object: file, directory, or symlink.
type Entry struct {
	ID           int64
	UUID         string // empty until content-identification completes (files)
	ParentID     *int64
	LocationUUID string
	Name         string
	Kind         EntryKind
	Extension    string
	Size         int64
	Inode        string
	ContentID    string
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// HasUUID reports whether the entry has been assigned a syncable uuid.
func (e Entry) HasUUID() bool { return e.UUID != "" }

// ContentIdentity is a deduplicated content-addressed blob descriptor.
type ContentIdentity struct {
	CasID          string
	MimeType       string
	Size           int64
	ReferenceCount int
}

// ClosureRow is one row of the entry_closure table: every ancestor of
// descendant_id, including descendant_id itself at depth 0.
type ClosureRow struct {
	AncestorID   int64
	DescendantID int64
	Depth        int
}

// Tag is a user-defined label that can be attached to any number of
// entries (spec.md §8 S2's set-valued association).
type Tag struct {
	UUID      string
	Name      string
	CreatedAt time.Time
}

// EntryTag is one (entry, tag) pairing. Both sides are referenced by their
// stable uuid, never a local row id, so the pairing carries the same peer
// log record identity on every device.
type EntryTag struct {
	EntryUUID string
	TagUUID   string
	AddedAt   time.Time
}
