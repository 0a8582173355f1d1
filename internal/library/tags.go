package library

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EntryTagSyncRecord is the wire shape an EntryTag pairing takes in the peer
// log. Both sides carry their stable uuid explicitly rather than being
// derived from the compound record uuid, so applyRemoteEntryTag never has
// to split a composite key back apart.
type EntryTagSyncRecord struct {
	EntryUUID string
	TagUUID   string
	AddedAt   time.Time
}

// entryTagRecordUUID builds the peer-log record identity for one (entry,
// tag) pairing. Keying the record uuid per pairing, rather than per entry,
// is what makes two tags added concurrently on the same entry by different
// devices independent peer-log records instead of competing writes to one
// record: each converges on its own, without needing a merge step (spec.md
// §8 S2).
func entryTagRecordUUID(entryUUID, tagUUID string) string {
	return entryUUID + ":" + tagUUID
}

// EnsureTag resolves name to a Tag, creating one with a fresh uuid if none
// exists yet. Idempotent from the caller's perspective: tagging the same
// name twice never produces two tags.
func (s *SQLiteStore) EnsureTag(ctx context.Context, name string) (Tag, error) {
	existing, err := s.GetTagByName(ctx, name)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return Tag{}, err
	}

	t := Tag{UUID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC()}

	if _, err := s.tagStmts.insert.ExecContext(ctx, t.UUID, t.Name, t.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		if isUniqueConstraint(err) {
			// lost a race with a concurrent local EnsureTag call for the same name.
			return s.GetTagByName(ctx, name)
		}

		return Tag{}, storageErr("ensure tag", err)
	}

	s.recordChange(ctx, "tag", t.UUID, "insert", t)

	return t, nil
}

func (s *SQLiteStore) scanTag(row interface{ Scan(...any) error }) (Tag, error) {
	var t Tag

	var createdAt string

	err := row.Scan(&t.UUID, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, notFoundErr("get tag")
	}

	if err != nil {
		return Tag{}, storageErr("scan tag", err)
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return t, nil
}

// GetTagByUUID resolves a tag by its global uuid.
func (s *SQLiteStore) GetTagByUUID(ctx context.Context, tagUUID string) (Tag, error) {
	return s.scanTag(s.tagStmts.getByUUID.QueryRowContext(ctx, tagUUID))
}

// GetTagByName resolves a tag by its unique display name.
func (s *SQLiteStore) GetTagByName(ctx context.Context, name string) (Tag, error) {
	return s.scanTag(s.tagStmts.getByName.QueryRowContext(ctx, name))
}

// AddEntryTag attaches tagUUID to entryUUID. Applying the same pairing
// twice is a no-op (INSERT OR IGNORE on the composite primary key), which
// is what makes this operation safe to replay from the peer log.
func (s *SQLiteStore) AddEntryTag(ctx context.Context, entryUUID, tagUUID string) error {
	addedAt := time.Now().UTC()

	res, err := s.entryTagStmts.insert.ExecContext(ctx, entryUUID, tagUUID, addedAt.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("add entry tag", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("add entry tag: rows affected", err)
	}

	if n == 0 {
		return nil // pairing already existed; nothing new to record
	}

	rec := EntryTagSyncRecord{EntryUUID: entryUUID, TagUUID: tagUUID, AddedAt: addedAt}
	s.recordChange(ctx, "entry_tag", entryTagRecordUUID(entryUUID, tagUUID), "insert", rec)

	return nil
}

// RemoveEntryTag detaches tagUUID from entryUUID. Removing a pairing that
// is not present is a no-op.
func (s *SQLiteStore) RemoveEntryTag(ctx context.Context, entryUUID, tagUUID string) error {
	res, err := s.entryTagStmts.delete.ExecContext(ctx, entryUUID, tagUUID)
	if err != nil {
		return storageErr("remove entry tag", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("remove entry tag: rows affected", err)
	}

	if n == 0 {
		return nil
	}

	rec := EntryTagSyncRecord{EntryUUID: entryUUID, TagUUID: tagUUID, AddedAt: time.Now().UTC()}
	s.recordChange(ctx, "entry_tag", entryTagRecordUUID(entryUUID, tagUUID), "delete", rec)

	return nil
}

// HasEntryTag reports whether entryUUID currently carries tagUUID.
func (s *SQLiteStore) HasEntryTag(ctx context.Context, entryUUID, tagUUID string) (bool, error) {
	var exists int

	err := s.entryTagStmts.get.QueryRowContext(ctx, entryUUID, tagUUID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, storageErr("has entry tag", err)
	}

	return true, nil
}

// ListTagsForEntry returns every tag currently attached to entryUUID,
// ordered by name.
func (s *SQLiteStore) ListTagsForEntry(ctx context.Context, entryUUID string) ([]Tag, error) {
	rows, err := s.entryTagStmts.listForEntry.QueryContext(ctx, entryUUID)
	if err != nil {
		return nil, storageErr("list tags for entry", err)
	}
	defer rows.Close()

	var tags []Tag

	for rows.Next() {
		t, err := s.scanTag(rows)
		if err != nil {
			return nil, err
		}

		tags = append(tags, t)
	}

	return tags, rows.Err()
}
