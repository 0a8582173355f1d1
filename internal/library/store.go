package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers as "sqlite"
)

const walJournalSizeLimit = 64 * 1024 * 1024

// SQLiteStore implements the library store (C3) over a single *sql.DB
// handle opened in WAL mode. Grounded on internal/sync/state.go's
// construction sequence (open -> pragmas -> migrate -> prepare) and its
// statement-group-per-domain layout.
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	recorder ChangeRecorder

	deviceStmts   deviceStatements
	locationStmts locationStatements
	entryStmts    entryStatements
	closureStmts  closureStatements
	contentStmts  contentStatements
	tagStmts      tagStatements
	entryTagStmts entryTagStatements
}

// ChangeRecorder receives one notification per committed mutation against a
// shared entity (entries, locations, devices — spec.md §4.6), so the peer
// log can append it. changeType is one of "insert", "update", "delete".
// The library store never imports internal/peerlog; the composition root
// wires a *peerlog.SQLiteStore in via SetChangeRecorder, keeping the two
// stores' packages independent of each other.
type ChangeRecorder interface {
	RecordChange(ctx context.Context, modelType, recordUUID, changeType, data string) error
}

// SetChangeRecorder installs r to be notified after every commit to a
// shared entity. Recording failures are logged, not propagated: the peer
// log is a replication concern layered on top of the authoritative local
// store, and a transient sync.db error must not block local writes (see
// DESIGN.md's "Peer log wiring" entry).
func (s *SQLiteStore) SetChangeRecorder(r ChangeRecorder) { s.recorder = r }

// suppressRecordingKey marks a context as carrying a remote-originated
// mutation (applied by internal/peersync's inbound apply engine). Such
// mutations must not be re-appended to this device's own peer log, or
// every inbound change would bounce back out to other peers forever.
type suppressRecordingKey struct{}

// withoutRecording returns a context that recordChange treats as a no-op,
// used by ApplyRemoteChange.
func withoutRecording(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressRecordingKey{}, true)
}

func recordingSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressRecordingKey{}).(bool)
	return v
}

func (s *SQLiteStore) recordChange(ctx context.Context, modelType, recordUUID, changeType string, v any) {
	if s.recorder == nil || recordingSuppressed(ctx) {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("peer log: marshal change", slog.String("model_type", modelType), slog.Any("error", err))
		return
	}

	if err := s.recorder.RecordChange(ctx, modelType, recordUUID, changeType, string(data)); err != nil {
		s.logger.Warn("peer log: record change", slog.String("model_type", modelType), slog.String("record_uuid", recordUUID), slog.Any("error", err))
	}
}

type deviceStatements struct {
	insert, getByUUID, getBySlug, upsertRemote *sql.Stmt
}

type locationStatements struct {
	insert, get, updateScanState, updateIndexMode, upsertRemote *sql.Stmt
}

type entryStatements struct {
	insert, getByID, getByUUID, getByPath, getByInode, update, reparent, delete, countChildren *sql.Stmt
}

type closureStatements struct {
	insertSelf, insertAncestors, deleteAncestors, deleteAll, descendants *sql.Stmt
}

type contentStatements struct {
	upsert, incRef, decRef, get *sql.Stmt
}

type tagStatements struct {
	insert, getByUUID, getByName, upsertRemote *sql.Stmt
}

type entryTagStatements struct {
	insert, delete, get, listForEntry *sql.Stmt
}

// NewStore opens dbPath (use ":memory:" for tests), sets WAL pragmas,
// applies migrations, and prepares all statements.
func NewStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storageErr("open", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAll(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DB returns the underlying handle, shared with internal/jobs.SQLStore so
// the jobs table lives in the same database.db file as the rest of the
// library schema (spec.md §6.3).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return storageErr("set pragma", fmt.Errorf("%s: %w", p, err))
		}
	}

	return nil
}

func (s *SQLiteStore) prepareAll(ctx context.Context) error {
	type prep struct {
		dst  **sql.Stmt
		text string
	}

	stmts := []prep{
		{&s.deviceStmts.insert, `INSERT INTO device (uuid, slug, name, os, hardware_model, created_at) VALUES (?, ?, ?, ?, ?, ?)`},
		{&s.deviceStmts.getByUUID, `SELECT uuid, slug, name, os, hardware_model, created_at FROM device WHERE uuid = ?`},
		{&s.deviceStmts.getBySlug, `SELECT uuid, slug, name, os, hardware_model, created_at FROM device WHERE slug = ?`},
		{&s.deviceStmts.upsertRemote, `INSERT INTO device (uuid, slug, name, os, hardware_model, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(uuid) DO UPDATE SET slug = excluded.slug, name = excluded.name, os = excluded.os, hardware_model = excluded.hardware_model`},

		{&s.locationStmts.insert, `INSERT INTO location (uuid, device_uuid, root_path, index_mode, scan_state, created_at) VALUES (?, ?, ?, ?, ?, ?)`},
		{&s.locationStmts.get, `SELECT uuid, device_uuid, root_path, index_mode, scan_state, COALESCE(indexer_rules_snapshot, ''), created_at FROM location WHERE uuid = ?`},
		{&s.locationStmts.updateScanState, `UPDATE location SET scan_state = ? WHERE uuid = ?`},
		{&s.locationStmts.updateIndexMode, `UPDATE location SET index_mode = ? WHERE uuid = ?`},
		{&s.locationStmts.upsertRemote, `INSERT INTO location (uuid, device_uuid, root_path, index_mode, scan_state, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(uuid) DO UPDATE SET root_path = excluded.root_path, index_mode = excluded.index_mode, scan_state = excluded.scan_state`},

		{&s.entryStmts.insert, `INSERT INTO entry (uuid, parent_id, location_uuid, name, kind, extension, size, inode, content_id, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.entryStmts.getByID, `SELECT id, COALESCE(uuid, ''), parent_id, COALESCE(location_uuid, ''), name, kind, COALESCE(extension, ''), size, COALESCE(inode, ''), COALESCE(content_id, ''), created_at, modified_at FROM entry WHERE id = ?`},
		{&s.entryStmts.getByUUID, `SELECT id, COALESCE(uuid, ''), parent_id, COALESCE(location_uuid, ''), name, kind, COALESCE(extension, ''), size, COALESCE(inode, ''), COALESCE(content_id, ''), created_at, modified_at FROM entry WHERE uuid = ?`},
		{&s.entryStmts.getByPath, `SELECT id, COALESCE(uuid, ''), parent_id, COALESCE(location_uuid, ''), name, kind, COALESCE(extension, ''), size, COALESCE(inode, ''), COALESCE(content_id, ''), created_at, modified_at FROM entry WHERE name = ? AND (parent_id IS ? )`},
		{&s.entryStmts.getByInode, `SELECT id, COALESCE(uuid, ''), parent_id, COALESCE(location_uuid, ''), name, kind, COALESCE(extension, ''), size, COALESCE(inode, ''), COALESCE(content_id, ''), created_at, modified_at FROM entry WHERE inode = ?`},
		{&s.entryStmts.update, `UPDATE entry SET size = ?, modified_at = ?, inode = ?, content_id = ?, uuid = COALESCE(NULLIF(?, ''), uuid) WHERE id = ?`},
		{&s.entryStmts.reparent, `UPDATE entry SET parent_id = ?, name = ? WHERE id = ?`},
		{&s.entryStmts.delete, `DELETE FROM entry WHERE id = ?`},
		{&s.entryStmts.countChildren, `SELECT COUNT(*) FROM entry WHERE parent_id = ?`},

		{&s.closureStmts.insertSelf, `INSERT INTO entry_closure (ancestor_id, descendant_id, depth) VALUES (?, ?, 0)`},
		{&s.closureStmts.insertAncestors, `INSERT INTO entry_closure (ancestor_id, descendant_id, depth) SELECT ancestor_id, ?, depth + 1 FROM entry_closure WHERE descendant_id = ?`},
		{&s.closureStmts.deleteAncestors, `DELETE FROM entry_closure WHERE descendant_id = ? AND depth > 0`},
		{&s.closureStmts.deleteAll, `DELETE FROM entry_closure WHERE descendant_id IN (SELECT descendant_id FROM entry_closure WHERE ancestor_id = ?)`},
		{&s.closureStmts.descendants, `SELECT descendant_id FROM entry_closure WHERE ancestor_id = ? AND depth > 0 ORDER BY depth DESC`},

		{&s.contentStmts.upsert, `INSERT INTO content_identity (cas_id, mime_type, size, reference_count) VALUES (?, ?, ?, 1) ON CONFLICT(cas_id) DO UPDATE SET reference_count = reference_count + 1`},
		{&s.contentStmts.incRef, `UPDATE content_identity SET reference_count = reference_count + 1 WHERE cas_id = ?`},
		{&s.contentStmts.decRef, `UPDATE content_identity SET reference_count = reference_count - 1 WHERE cas_id = ?`},
		{&s.contentStmts.get, `SELECT cas_id, COALESCE(mime_type, ''), size, reference_count FROM content_identity WHERE cas_id = ?`},

		{&s.tagStmts.insert, `INSERT INTO tag (uuid, name, created_at) VALUES (?, ?, ?)`},
		{&s.tagStmts.getByUUID, `SELECT uuid, name, created_at FROM tag WHERE uuid = ?`},
		{&s.tagStmts.getByName, `SELECT uuid, name, created_at FROM tag WHERE name = ?`},
		{&s.tagStmts.upsertRemote, `INSERT INTO tag (uuid, name, created_at) VALUES (?, ?, ?) ON CONFLICT(uuid) DO NOTHING`},

		{&s.entryTagStmts.insert, `INSERT OR IGNORE INTO entry_tag (entry_uuid, tag_uuid, added_at) VALUES (?, ?, ?)`},
		{&s.entryTagStmts.delete, `DELETE FROM entry_tag WHERE entry_uuid = ? AND tag_uuid = ?`},
		{&s.entryTagStmts.get, `SELECT 1 FROM entry_tag WHERE entry_uuid = ? AND tag_uuid = ?`},
		{&s.entryTagStmts.listForEntry, `SELECT t.uuid, t.name, t.created_at FROM tag t JOIN entry_tag et ON et.tag_uuid = t.uuid WHERE et.entry_uuid = ? ORDER BY t.name`},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.text)
		if err != nil {
			return storageErr("prepare statement", fmt.Errorf("%s: %w", st.text, err))
		}

		*st.dst = prepared
	}

	return nil
}

// InsertDevice registers a new paired device.
func (s *SQLiteStore) InsertDevice(ctx context.Context, d Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.deviceStmts.insert.ExecContext(ctx, d.UUID, d.Slug, d.Name, d.OS, d.HardwareModel, d.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("insert device", err)
	}

	s.recordChange(ctx, "device", d.UUID, "insert", d)

	return nil
}

func (s *SQLiteStore) scanDevice(row *sql.Row) (Device, error) {
	var d Device

	var createdAt string

	err := row.Scan(&d.UUID, &d.Slug, &d.Name, &d.OS, &d.HardwareModel, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, notFoundErr("get device")
	}

	if err != nil {
		return Device{}, storageErr("scan device", err)
	}

	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return d, nil
}

// GetDeviceByUUID resolves a device by its global uuid.
func (s *SQLiteStore) GetDeviceByUUID(ctx context.Context, uuid string) (Device, error) {
	return s.scanDevice(s.deviceStmts.getByUUID.QueryRowContext(ctx, uuid))
}

// GetDeviceBySlug resolves a device-slug override to a device (spec.md
// §4.3 item 5).
func (s *SQLiteStore) GetDeviceBySlug(ctx context.Context, slug string) (Device, error) {
	return s.scanDevice(s.deviceStmts.getBySlug.QueryRowContext(ctx, slug))
}

// InsertLocation registers a new indexed root.
func (s *SQLiteStore) InsertLocation(ctx context.Context, l Location) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	if l.IndexMode == "" {
		l.IndexMode = IndexShallow
	}

	if l.ScanState == "" {
		l.ScanState = ScanPending
	}

	_, err := s.locationStmts.insert.ExecContext(ctx, l.UUID, l.DeviceUUID, l.RootPath, l.IndexMode, l.ScanState, l.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("insert location", err)
	}

	s.recordChange(ctx, "location", l.UUID, "insert", l)

	return nil
}

// GetLocation resolves a location by uuid.
func (s *SQLiteStore) GetLocation(ctx context.Context, uuid string) (Location, error) {
	var l Location

	var createdAt string

	err := s.locationStmts.get.QueryRowContext(ctx, uuid).Scan(
		&l.UUID, &l.DeviceUUID, &l.RootPath, &l.IndexMode, &l.ScanState, &l.IndexerRulesSnapshot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, notFoundErr("get location")
	}

	if err != nil {
		return Location{}, storageErr("scan location", err)
	}

	l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return l, nil
}

// UpdateScanState transitions a location's scan state.
func (s *SQLiteStore) UpdateScanState(ctx context.Context, uuid string, state ScanState) error {
	if _, err := s.locationStmts.updateScanState.ExecContext(ctx, state, uuid); err != nil {
		return storageErr("update scan state", err)
	}

	return nil
}

// PromoteIndexMode raises a location's index mode to target if target
// allows more work than the current mode (spec.md §3.2: Shallow ⊂
// Content ⊂ Deep, monotonic promotion only).
func (s *SQLiteStore) PromoteIndexMode(ctx context.Context, uuid string, target IndexMode) error {
	loc, err := s.GetLocation(ctx, uuid)
	if err != nil {
		return err
	}

	if loc.IndexMode.Allows(target) {
		return nil // already at or above target; promotion is monotonic only
	}

	if _, err := s.locationStmts.updateIndexMode.ExecContext(ctx, target, uuid); err != nil {
		return storageErr("promote index mode", err)
	}

	return nil
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry

	var parentID sql.NullInt64

	var createdAt, modifiedAt string

	err := row.Scan(&e.ID, &e.UUID, &parentID, &e.LocationUUID, &e.Name, &e.Kind, &e.Extension, &e.Size, &e.Inode, &e.ContentID, &createdAt, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, notFoundErr("get entry")
	}

	if err != nil {
		return Entry{}, storageErr("scan entry", err)
	}

	if parentID.Valid {
		e.ParentID = &parentID.Int64
	}

	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modifiedAt)

	return e, nil
}

// GetEntry resolves an entry by its local id.
func (s *SQLiteStore) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(s.entryStmts.getByID.QueryRowContext(ctx, id))
}

// GetEntryByUUID resolves an entry by its global uuid, used by
// ApplyRemoteChange to translate a peer-log record_uuid back to a local id.
func (s *SQLiteStore) GetEntryByUUID(ctx context.Context, uuid string) (Entry, error) {
	return scanEntry(s.entryStmts.getByUUID.QueryRowContext(ctx, uuid))
}

// FindByPath resolves an entry by (parentID, name), the "by path" lookup
// of spec.md §4.5 step 4. A nil parentID matches location roots.
func (s *SQLiteStore) FindByPath(ctx context.Context, parentID *int64, name string) (Entry, error) {
	return scanEntry(s.entryStmts.getByPath.QueryRowContext(ctx, name, nullableInt(parentID)))
}

// FindByInode resolves an entry by its backend-reported inode key, used
// to detect moves the watcher missed (spec.md §4.5 step 4).
func (s *SQLiteStore) FindByInode(ctx context.Context, inode string) (Entry, error) {
	return scanEntry(s.entryStmts.getByInode.QueryRowContext(ctx, inode))
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

// CreateEntry inserts a new entry and its closure rows in one transaction
// (spec.md §4.3 item 2, §4.4 closure maintenance). Returns the entry's
// new local id.
func (s *SQLiteStore) CreateEntry(ctx context.Context, e Entry) (int64, error) {
	var newID int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}

		if e.ModifiedAt.IsZero() {
			e.ModifiedAt = e.CreatedAt
		}

		// The unique (parent_id, name) index treats NULL parents as
		// distinct, so sibling names at a location root are checked here.
		if e.ParentID == nil {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entry WHERE parent_id IS NULL AND name = ? AND location_uuid IS ?`, e.Name, nullString(e.LocationUUID)).Scan(&n); err != nil {
				return storageErr("check root sibling name", err)
			}

			if n > 0 {
				return conflictErr("create entry", fmt.Errorf("sibling name %q already exists: %w", e.Name, ErrDuplicate))
			}
		}

		res, err := tx.StmtContext(ctx, s.entryStmts.insert).ExecContext(ctx,
			nullString(e.UUID), nullableInt(e.ParentID), nullString(e.LocationUUID), e.Name, e.Kind,
			nullString(e.Extension), e.Size, nullString(e.Inode), nullString(e.ContentID),
			e.CreatedAt.Format(time.RFC3339Nano), e.ModifiedAt.Format(time.RFC3339Nano))
		if err != nil {
			if isUniqueConstraint(err) {
				return conflictErr("create entry", fmt.Errorf("sibling name %q already exists: %w", e.Name, ErrDuplicate))
			}

			return storageErr("insert entry", err)
		}

		newID, err = res.LastInsertId()
		if err != nil {
			return storageErr("insert entry: last insert id", err)
		}

		return s.insertClosureForNewEntry(ctx, tx, newID, e.ParentID)
	})
	if err != nil {
		return 0, err
	}

	if e.HasUUID() {
		e.ID = newID
		if rec, buildErr := s.buildEntrySyncRecord(ctx, e); buildErr == nil {
			s.recordChange(ctx, "entry", e.UUID, "insert", rec)
		}
	}

	return newID, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// UpdateEntry applies an Update decision (spec.md §4.5 step 5): size,
// mtime, inode, and content id change without moving the entry.
func (s *SQLiteStore) UpdateEntry(ctx context.Context, id int64, size int64, modifiedAt time.Time, inode, contentID, newUUID string) error {
	_, err := s.entryStmts.update.ExecContext(ctx, size, modifiedAt.Format(time.RFC3339Nano), nullString(inode), nullString(contentID), newUUID, id)
	if err != nil {
		return storageErr("update entry", err)
	}

	if s.recorder != nil && !recordingSuppressed(ctx) {
		if entry, getErr := s.GetEntry(ctx, id); getErr == nil && entry.HasUUID() {
			if rec, buildErr := s.buildEntrySyncRecord(ctx, entry); buildErr == nil {
				s.recordChange(ctx, "entry", entry.UUID, "update", rec)
			}
		}
	}

	return nil
}

// MoveEntry applies a Move decision: updates parent/name and reparents
// the closure table per spec.md §4.5's closure-maintenance rule ("delete
// old ancestor rows (depth > 0), reinsert under new parent").
func (s *SQLiteStore) MoveEntry(ctx context.Context, id int64, newParentID *int64, newName string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.StmtContext(ctx, s.entryStmts.reparent).ExecContext(ctx, nullableInt(newParentID), newName, id); err != nil {
			if isUniqueConstraint(err) {
				return conflictErr("move entry", fmt.Errorf("sibling name %q already exists: %w", newName, ErrDuplicate))
			}

			return storageErr("reparent entry", err)
		}

		return s.reparentClosure(ctx, tx, id, newParentID)
	})
	if err != nil {
		return err
	}

	if s.recorder != nil && !recordingSuppressed(ctx) {
		if entry, getErr := s.GetEntry(ctx, id); getErr == nil && entry.HasUUID() {
			if rec, buildErr := s.buildEntrySyncRecord(ctx, entry); buildErr == nil {
				s.recordChange(ctx, "entry", entry.UUID, "update", rec)
			}
		}
	}

	return nil
}

// DeleteEntry removes an entry and every closure row referencing any of
// its descendants, in one transaction (spec.md §4.5 step 5: "Delete the
// entry and all closure descendants in one transaction").
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id int64) error {
	deletedUUIDs := s.collectDeletedUUIDs(ctx, id)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		victims, err := s.cascadeDeleteClosure(ctx, tx, id)
		if err != nil {
			return err
		}

		for _, d := range victims {
			if _, err := tx.StmtContext(ctx, s.entryStmts.delete).ExecContext(ctx, d); err != nil {
				return storageErr("delete entry", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, uuid := range deletedUUIDs {
		s.recordChange(ctx, "entry", uuid, "delete", map[string]string{"uuid": uuid})
	}

	return nil
}

// collectDeletedUUIDs reads the uuids of id and every descendant that will
// be cascade-deleted, before the delete transaction runs, so the peer log
// entries can be recorded once the delete has actually committed. Read
// failures are swallowed (best-effort, same as recordChange itself) rather
// than blocking the local delete; a tombstone that fails to reach the peer
// log is not appended later.
func (s *SQLiteStore) collectDeletedUUIDs(ctx context.Context, id int64) []string {
	if s.recorder == nil || recordingSuppressed(ctx) {
		return nil
	}

	var uuids []string

	if e, err := s.GetEntry(ctx, id); err == nil && e.HasUUID() {
		uuids = append(uuids, e.UUID)
	}

	descendants, err := s.Descendants(ctx, id)
	if err != nil {
		return uuids
	}

	for _, d := range descendants {
		if e, err := s.GetEntry(ctx, d); err == nil && e.HasUUID() {
			uuids = append(uuids, e.UUID)
		}
	}

	return uuids
}

// Descendants returns the ids of every descendant of id (not including
// id itself), via the closure table — O(result-size) per spec.md §4.3
// item 3.
func (s *SQLiteStore) Descendants(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.closureStmts.descendants.QueryContext(ctx, id)
	if err != nil {
		return nil, storageErr("list descendants", err)
	}
	defer rows.Close()

	var out []int64

	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, storageErr("scan descendant", err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// HasChildren reports whether id has any direct children, used to decide
// whether an empty-directory safety check applies before a delete.
func (s *SQLiteStore) HasChildren(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := s.entryStmts.countChildren.QueryRowContext(ctx, id).Scan(&count); err != nil {
		return false, storageErr("count children", err)
	}

	return count > 0, nil
}

// FullPath reconstructs an entry's path by walking parent_id links to the
// location root (spec.md §4.3 item 3).
func (s *SQLiteStore) FullPath(ctx context.Context, id int64) (string, error) {
	var segments []string

	cur := id

	for {
		e, err := s.GetEntry(ctx, cur)
		if err != nil {
			return "", err
		}

		segments = append([]string{e.Name}, segments...)

		if e.ParentID == nil {
			break
		}

		cur = *e.ParentID
	}

	path := ""
	for _, seg := range segments {
		path += "/" + seg
	}

	return path, nil
}

// UpsertContentIdentity inserts a new content identity or increments its
// reference count if cas_id already exists (spec.md §3.3: "Content
// identities survive as long as at least one entry refers to them").
func (s *SQLiteStore) UpsertContentIdentity(ctx context.Context, ci ContentIdentity) error {
	_, err := s.contentStmts.upsert.ExecContext(ctx, ci.CasID, nullString(ci.MimeType), ci.Size)
	if err != nil {
		return storageErr("upsert content identity", err)
	}

	return nil
}

// ReleaseContentIdentity decrements a content identity's reference count
// when an entry referencing it is deleted or re-identified.
func (s *SQLiteStore) ReleaseContentIdentity(ctx context.Context, casID string) error {
	if _, err := s.contentStmts.decRef.ExecContext(ctx, casID); err != nil {
		return storageErr("release content identity", err)
	}

	return nil
}

// GetContentIdentity resolves a content identity by its cas id.
func (s *SQLiteStore) GetContentIdentity(ctx context.Context, casID string) (ContentIdentity, error) {
	var ci ContentIdentity

	err := s.contentStmts.get.QueryRowContext(ctx, casID).Scan(&ci.CasID, &ci.MimeType, &ci.Size, &ci.ReferenceCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentIdentity{}, notFoundErr("get content identity")
	}

	if err != nil {
		return ContentIdentity{}, storageErr("scan content identity", err)
	}

	return ci, nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error, per spec.md §4.3 item 2's atomicity requirement.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		var libErr *Error
		if errors.As(err, &libErr) {
			return err
		}

		return storageErr("transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}

	return nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}

	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}

	return -1
}
