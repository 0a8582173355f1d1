package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntrySyncRecord is the wire shape an Entry takes in the peer log. Entry's
// ParentID is a local autoincrement row id with no meaning on another
// device, so the sync record carries the parent's stable uuid instead,
// resolved once at recording time by buildEntrySyncRecord.
type EntrySyncRecord struct {
	UUID         string
	ParentUUID   string // empty for location roots
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

// buildEntrySyncRecord resolves e's local ParentID to its parent's uuid.
// Directories are assigned a uuid immediately at creation (see
// indexer.decideCreate), so a parent is only ever missing a uuid while it
// is itself a file still awaiting content identification — in which case
// it cannot yet have children of its own to record.
func (s *SQLiteStore) buildEntrySyncRecord(ctx context.Context, e Entry) (EntrySyncRecord, error) {
	rec := EntrySyncRecord{
		UUID:         e.UUID,
		LocationUUID: e.LocationUUID,
		Name:         e.Name,
		Kind:         e.Kind,
		Extension:    e.Extension,
		Size:         e.Size,
		Inode:        e.Inode,
		ContentID:    e.ContentID,
		CreatedAt:    e.CreatedAt,
		ModifiedAt:   e.ModifiedAt,
	}

	if e.ParentID != nil {
		parent, err := s.GetEntry(ctx, *e.ParentID)
		if err != nil {
			return EntrySyncRecord{}, err
		}

		rec.ParentUUID = parent.UUID
	}

	return rec, nil
}

// ApplyRemoteChange idempotently applies one inbound peer-log entry
// (spec.md §4.7 inbound protocol step 5, "Apply"). The caller
// (internal/peersync) has already resolved the hlc conflict check and
// ordering decision; this method only performs the local Insert/Update/
// Delete, reusing the same mutation paths local writes go through so
// closure maintenance and content-identity refcounts stay correct.
// Every internal call runs with recording suppressed, so applying a
// remote change never re-appends it to this device's own peer log.
func (s *SQLiteStore) ApplyRemoteChange(ctx context.Context, modelType, recordUUID, changeType, data string) error {
	ctx = withoutRecording(ctx)

	switch modelType {
	case "device":
		return s.applyRemoteDevice(ctx, changeType, data)
	case "location":
		return s.applyRemoteLocation(ctx, changeType, data)
	case "entry":
		return s.applyRemoteEntry(ctx, recordUUID, changeType, data)
	case "tag":
		return s.applyRemoteTag(ctx, changeType, data)
	case "entry_tag":
		return s.applyRemoteEntryTag(ctx, changeType, data)
	default:
		return storageErr("apply remote change", fmt.Errorf("unknown model type %q", modelType))
	}
}

func (s *SQLiteStore) applyRemoteDevice(ctx context.Context, changeType, data string) error {
	if changeType != "insert" && changeType != "update" {
		// devices have no delete operation in this system; ignore anything else.
		return nil
	}

	var d Device
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return storageErr("apply remote device", err)
	}

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	if _, err := s.deviceStmts.upsertRemote.ExecContext(ctx, d.UUID, d.Slug, d.Name, d.OS, d.HardwareModel, d.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return storageErr("apply remote device", err)
	}

	return nil
}

func (s *SQLiteStore) applyRemoteLocation(ctx context.Context, changeType, data string) error {
	if changeType != "insert" && changeType != "update" {
		// locations have no delete operation in this system; ignore anything else.
		return nil
	}

	var l Location
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return storageErr("apply remote location", err)
	}

	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	if _, err := s.locationStmts.upsertRemote.ExecContext(ctx, l.UUID, l.DeviceUUID, l.RootPath, l.IndexMode, l.ScanState, l.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return storageErr("apply remote location", err)
	}

	return nil
}

func (s *SQLiteStore) applyRemoteEntry(ctx context.Context, recordUUID, changeType, data string) error {
	if changeType == "delete" {
		existing, err := s.GetEntryByUUID(ctx, recordUUID)
		if errors.Is(err, ErrNotFound) {
			return nil // already absent: apply(entry) is idempotent
		}

		if err != nil {
			return err
		}

		return s.DeleteEntry(ctx, existing.ID)
	}

	var rec EntrySyncRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return storageErr("apply remote entry", err)
	}

	var parentID *int64

	if rec.ParentUUID != "" {
		parent, err := s.GetEntryByUUID(ctx, rec.ParentUUID)
		if err != nil {
			return err
		}

		parentID = &parent.ID
	}

	existing, err := s.GetEntryByUUID(ctx, recordUUID)
	if errors.Is(err, ErrNotFound) {
		_, createErr := s.CreateEntry(ctx, Entry{
			UUID:         rec.UUID,
			ParentID:     parentID,
			LocationUUID: rec.LocationUUID,
			Name:         rec.Name,
			Kind:         rec.Kind,
			Extension:    rec.Extension,
			Size:         rec.Size,
			Inode:        rec.Inode,
			ContentID:    rec.ContentID,
			CreatedAt:    rec.CreatedAt,
			ModifiedAt:   rec.ModifiedAt,
		})

		return createErr
	}

	if err != nil {
		return err
	}

	if entryNeedsMove(existing, parentID, rec.Name) {
		if err := s.MoveEntry(ctx, existing.ID, parentID, rec.Name); err != nil {
			return err
		}
	}

	return s.UpdateEntry(ctx, existing.ID, rec.Size, rec.ModifiedAt, rec.Inode, rec.ContentID, rec.UUID)
}

func (s *SQLiteStore) applyRemoteTag(ctx context.Context, changeType, data string) error {
	if changeType != "insert" {
		// a tag's name never changes and tags have no delete operation
		// (spec.md §8: tags are only ever added to or removed from entries,
		// never renamed or destroyed); ignore anything else.
		return nil
	}

	var t Tag
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return storageErr("apply remote tag", err)
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	if _, err := s.tagStmts.upsertRemote.ExecContext(ctx, t.UUID, t.Name, t.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return storageErr("apply remote tag", err)
	}

	return nil
}

// applyRemoteEntryTag applies one (entry, tag) pairing change. Unlike
// applyRemoteEntry, this never compares against a "latest" hlc for the
// pairing: AddEntryTag/RemoveEntryTag are themselves idempotent (the
// composite primary key makes a repeat insert a no-op), and because each
// pairing is its own peer-log record (see entryTagRecordUUID), two
// different tags added to the same entry by two different devices are two
// different records that both simply get applied — this is what
// implements set union for spec.md §8 S2 without any special-cased merge
// step: the record granularity already matches the field's set semantics.
func (s *SQLiteStore) applyRemoteEntryTag(ctx context.Context, changeType, data string) error {
	var rec EntryTagSyncRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return storageErr("apply remote entry tag", err)
	}

	if changeType == "delete" {
		return s.RemoveEntryTag(ctx, rec.EntryUUID, rec.TagUUID)
	}

	return s.AddEntryTag(ctx, rec.EntryUUID, rec.TagUUID)
}

func entryNeedsMove(existing Entry, parentID *int64, name string) bool {
	if existing.Name != name {
		return true
	}

	if (existing.ParentID == nil) != (parentID == nil) {
		return true
	}

	return existing.ParentID != nil && parentID != nil && *existing.ParentID != *parentID
}
