package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/ids"
	"github.com/tonimelisma/libraryd/internal/jobs"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/volume"
)

// ChangeType is the pipeline's decision for one observed path, per
// spec.md §4.5 step 5.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeMove   ChangeType = "move"
	ChangeDelete ChangeType = "delete"
	ChangeNone   ChangeType = "none" // path hit, inode matches, nothing changed
)

// Decision is the outcome the pipeline reached for one path.
type Decision struct {
	Change  ChangeType
	EntryID int64
}

// Pipeline implements the shared 6-step per-event algorithm both the
// indexer job's walk and the watcher feed into (spec.md §4.5: "Two entry
// points, one core pipeline"). Grounded on the teacher's
// reconciler.go/planner.go split (compare local-vs-remote state, decide an
// action) collapsed here into one pipeline since there is only one source
// of truth (the filesystem) to reconcile against the store, not two sides.
type Pipeline struct {
	backend    volume.Backend
	store      *library.SQLiteStore
	rules      *Rules
	bus        *eventbus.Bus
	identifier *Identifier
	location   library.Location
	logger     *slog.Logger

	jobCtx *jobs.Context
}

// NewPipeline builds a Pipeline for one location.
func NewPipeline(backend volume.Backend, store *library.SQLiteStore, rules *Rules, bus *eventbus.Bus, identifier *Identifier, location library.Location, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		backend:    backend,
		store:      store,
		rules:      rules,
		bus:        bus,
		identifier: identifier,
		location:   location,
		logger:     logger,
	}
}

// BindJobContext attaches the running job's Context so content
// identification dispatches as a tracked child job (spec.md §4.5 step 5)
// instead of running inline. A Pipeline built for tests without a bound
// Context falls back to calling the Identifier directly.
func (p *Pipeline) BindJobContext(jobCtx *jobs.Context) {
	p.jobCtx = jobCtx
}

// identify runs content identification for entryID, dispatched as a
// depth-tracked child job of the indexer/watcher job driving this pipeline
// when one is bound, or inline otherwise (tests, and callers with no job
// context).
func (p *Pipeline) identify(ctx context.Context, entryID int64) (string, error) {
	if p.jobCtx == nil {
		return p.identifier.Identify(ctx, p, entryID)
	}

	var casID string

	_, _, err := p.jobCtx.DispatchChildren([]jobs.ChildFunc{
		func(childCtx *jobs.Context) (jobs.Output, error) {
			id, identifyErr := p.identifier.Identify(childCtx.Context(), p, entryID)
			casID = id

			return jobs.Output{}, identifyErr
		},
	})

	return casID, err
}

// ProcessPath runs the full pipeline for one observed (still-existing)
// path: safety check, rule evaluation, metadata extraction, lookup, and
// decision + event emission.
func (p *Pipeline) ProcessPath(ctx context.Context, relPath string) (Decision, error) {
	// Step 1: safety check. ProcessPath is only called for paths the
	// scanner/watcher currently believe exist, but a concurrent delete can
	// race the walk, so re-probe before trusting the earlier info.
	info, err := p.backend.Stat(ctx, relPath)
	if errors.Is(err, volume.ErrNotAccessible) {
		return Decision{}, nil // drop: cannot distinguish from a real delete (spec.md §4.5 step 1)
	}

	if errors.Is(err, volume.ErrNotExist) {
		return p.processRemoval(ctx, relPath)
	}

	if err != nil {
		return Decision{}, fmt.Errorf("indexer: stat %q: %w", relPath, err)
	}

	// Step 2: rule evaluation.
	result := p.rules.Evaluate(relPath, info.IsDir, info.Size)
	if !result.Accepted {
		return Decision{Change: ChangeNone}, nil
	}

	// Step 3: metadata already extracted into info.
	// Step 4: lookup by path, then by inode.
	parentID, err := p.resolveParent(ctx, relPath)
	if err != nil {
		return Decision{}, err
	}

	name := filepath.Base(relPath)

	byPath, pathErr := p.store.FindByPath(ctx, parentID, name)
	byInode, inodeErr := p.lookupByInode(ctx, info.InodeKey)

	decision, err := p.decide(ctx, relPath, parentID, name, info, byPath, pathErr, byInode, inodeErr)
	if err != nil {
		return Decision{}, err
	}

	if err := p.emit(decision); err != nil {
		p.logger.Warn("indexer: event emission had dropped subscribers", "path", relPath, "error", err)
	}

	return decision, nil
}

func (p *Pipeline) lookupByInode(ctx context.Context, inodeKey string) (library.Entry, error) {
	if inodeKey == "" {
		return library.Entry{}, library.ErrNotFound
	}

	return p.store.FindByInode(ctx, inodeKey)
}

// decide implements spec.md §4.5 step 5's lookup-result matrix.
func (p *Pipeline) decide(ctx context.Context, relPath string, parentID *int64, name string, info volume.FileInfo, byPath library.Entry, pathErr error, byInode library.Entry, inodeErr error) (Decision, error) {
	pathHit := pathErr == nil
	inodeHit := inodeErr == nil

	switch {
	case pathHit && inodeHit && byPath.ID == byInode.ID:
		return p.decideUpdateOrNone(ctx, byPath, info)

	case !pathHit && inodeHit:
		return p.decideMove(ctx, byInode, parentID, name)

	case !pathHit && !inodeHit:
		return p.decideCreate(ctx, relPath, parentID, name, info)

	default:
		// Path hit but a different inode now occupies it (replaced file):
		// treat as delete-then-create.
		if pathHit {
			if err := p.store.DeleteEntry(ctx, byPath.ID); err != nil {
				return Decision{}, fmt.Errorf("indexer: replacing entry at %q: %w", relPath, err)
			}
		}

		return p.decideCreate(ctx, relPath, parentID, name, info)
	}
}

func (p *Pipeline) decideUpdateOrNone(ctx context.Context, existing library.Entry, info volume.FileInfo) (Decision, error) {
	// An unchanged file that has no content identity yet (identification
	// failed earlier, or the location was Shallow when it was created) is
	// identified now rather than skipped.
	needsIdentity := !info.IsDir && p.identifier != nil && p.identifier.mode != library.IndexShallow && existing.ContentID == ""
	if existing.Size == info.Size && existing.ModifiedAt.Equal(info.ModTime) && !needsIdentity {
		return Decision{Change: ChangeNone, EntryID: existing.ID}, nil
	}

	var (
		contentID string
		newUUID   string
	)

	if !info.IsDir && p.identifier != nil {
		id, err := p.identify(ctx, existing.ID)
		if err != nil {
			p.logger.Warn("indexer: re-identification failed", "entry_id", existing.ID, "error", err)
		} else {
			contentID = id

			// A file only reaches here without a uuid if it was
			// non-empty at creation (uuid deferred until identification
			// completes, per spec.md §3.3); assign it now, unless this
			// location's mode is Shallow, where identification never
			// actually runs.
			if existing.UUID == "" && p.identifier.mode != library.IndexShallow {
				newUUID = ids.NewEntryUUID().String()
			}
		}
	}

	if err := p.store.UpdateEntry(ctx, existing.ID, info.Size, info.ModTime, info.InodeKey, contentID, newUUID); err != nil {
		return Decision{}, fmt.Errorf("indexer: update entry %d: %w", existing.ID, err)
	}

	return Decision{Change: ChangeUpdate, EntryID: existing.ID}, nil
}

func (p *Pipeline) decideMove(ctx context.Context, existing library.Entry, newParentID *int64, newName string) (Decision, error) {
	if err := p.store.MoveEntry(ctx, existing.ID, newParentID, newName); err != nil {
		return Decision{}, fmt.Errorf("indexer: move entry %d: %w", existing.ID, err)
	}

	return Decision{Change: ChangeMove, EntryID: existing.ID}, nil
}

func (p *Pipeline) decideCreate(ctx context.Context, relPath string, parentID *int64, name string, info volume.FileInfo) (Decision, error) {
	kind := library.KindFile
	if info.IsDir {
		kind = library.KindDirectory
	}

	entry := library.Entry{
		ParentID:     parentID,
		LocationUUID: p.location.UUID,
		Name:         name,
		Kind:         kind,
		Extension:    strings.TrimPrefix(filepath.Ext(name), "."),
		Size:         info.Size,
		Inode:        info.InodeKey,
		ModifiedAt:   info.ModTime,
	}

	// Directories and zero-length files are syncable the moment they
	// exist; every other file waits for content identification to
	// complete before it is assigned a uuid (spec.md §3.3: "Directories
	// get a uuid immediately. Files get a uuid when content
	// identification completes (or immediately if zero-length).").
	if info.IsDir || info.Size == 0 {
		entry.UUID = ids.NewEntryUUID().String()
	}

	id, err := p.store.CreateEntry(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("indexer: create entry %q: %w", relPath, err)
	}

	if !info.IsDir && p.identifier != nil {
		casID, err := p.identify(ctx, id)
		if err != nil {
			p.logger.Warn("indexer: content identification failed, will retry on next scan", "entry_id", id, "error", err)
		} else {
			var newUUID string
			if entry.UUID == "" && p.identifier.mode != library.IndexShallow {
				newUUID = ids.NewEntryUUID().String()
			}

			if casID != "" || newUUID != "" {
				if err := p.store.UpdateEntry(ctx, id, info.Size, info.ModTime, info.InodeKey, casID, newUUID); err != nil {
					p.logger.Warn("indexer: persisting content identity after creation failed", "entry_id", id, "error", err)
				}
			}
		}
	}

	return Decision{Change: ChangeCreate, EntryID: id}, nil
}

// processRemoval handles a path the backend confirms no longer exists
// (spec.md §4.5 step 5: "Remove event with verified absence -> Delete").
func (p *Pipeline) processRemoval(ctx context.Context, relPath string) (Decision, error) {
	parentID, err := p.resolveParent(ctx, relPath)
	if err != nil {
		return Decision{}, err
	}

	existing, err := p.store.FindByPath(ctx, parentID, filepath.Base(relPath))
	if errors.Is(err, library.ErrNotFound) {
		return Decision{Change: ChangeNone}, nil // already gone from the store, nothing to do
	}

	if err != nil {
		return Decision{}, err
	}

	if err := p.store.DeleteEntry(ctx, existing.ID); err != nil {
		return Decision{}, fmt.Errorf("indexer: delete entry %d: %w", existing.ID, err)
	}

	decision := Decision{Change: ChangeDelete, EntryID: existing.ID}

	if err := p.emit(decision); err != nil {
		p.logger.Warn("indexer: event emission had dropped subscribers", "path", relPath, "error", err)
	}

	return decision, nil
}

// resolveParent walks relPath's directory component back to a store entry
// id, nil for a location root.
func (p *Pipeline) resolveParent(ctx context.Context, relPath string) (*int64, error) {
	dir := filepath.Dir(filepath.ToSlash(relPath))
	if dir == "." || dir == "/" || dir == "" {
		return nil, nil
	}

	segments := strings.Split(dir, "/")

	var parentID *int64

	for _, seg := range segments {
		entry, err := p.store.FindByPath(ctx, parentID, seg)
		if err != nil {
			return nil, fmt.Errorf("indexer: resolving parent directory %q: %w", dir, err)
		}

		id := entry.ID
		parentID = &id
	}

	return parentID, nil
}

// emit posts a ResourceChanged notification for decision to the event
// bus, per spec.md §4.5 step 6. Peer-log appends do not go through this
// event: the library store records each committed mutation itself, through
// its ChangeRecorder.
func (p *Pipeline) emit(decision Decision) error {
	if decision.Change == ChangeNone {
		return nil
	}

	return p.bus.Publish(eventbus.Event{
		Topic: eventbus.LibraryTopic(p.location.DeviceUUID),
		Kind:  "resource_changed",
		Payload: ResourceChanged{
			ResourceType: "entry",
			ResourceID:   decision.EntryID,
			ChangeType:   decision.Change,
		},
	})
}

// ResourceChanged is the event payload spec.md §4.5 step 6 names:
// `ResourceChanged { resource_type, resource_uuid, change_type }`. The
// local event carries the store's integer id, because newly created files
// may not have a syncable uuid until content identification completes; the
// library store records an entry for sync by its uuid once it has one.
type ResourceChanged struct {
	ResourceType string
	ResourceID   int64
	ChangeType   ChangeType
}
