package peerlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers as "sqlite"

	"github.com/tonimelisma/libraryd/internal/hlc"
	"github.com/tonimelisma/libraryd/internal/ids"
)

const walJournalSizeLimit = 64 * 1024 * 1024

// SQLiteStore implements the peer log and resource watermarks (C6) over its
// own *sql.DB handle, independent of internal/library's database.db
// (spec.md §6.3: "sync.db: the peer log"). Grounded on internal/library's
// construction sequence, itself adapted from the teacher's
// internal/sync/state.go.
type SQLiteStore struct {
	db       *sql.DB
	clock    *hlc.Clock
	device   ids.DeviceID
	logger   *slog.Logger
	observer AppendObserver

	changeStmts    changeStatements
	ackStmts       ackStatements
	watermarkStmts watermarkStatements
}

// AppendObserver is notified after a local Append commits. Declared on the
// consumer side the same way internal/library declares ChangeRecorder: this
// package never imports internal/peersync, so the sync engine supplies its
// own adapter and wires it in via SetAppendObserver (spec.md §4.7: "every
// local mutation is broadcast to connected peers").
type AppendObserver interface {
	ObserveAppend(ctx context.Context, e Entry)
}

// SetAppendObserver installs o to be notified after every commit to
// shared_changes via Append. Not called for AppendRemote, since those
// entries originated from a peer and are relayed onward by the inbound
// session, not by the local broadcast path.
func (s *SQLiteStore) SetAppendObserver(o AppendObserver) { s.observer = o }

type changeStatements struct {
	insert, insertRemote, since, latestForRecord, pruneBelow, minAckedExcludingSelf *sql.Stmt
}

type ackStatements struct {
	upsert, removePeer *sql.Stmt
}

type watermarkStatements struct {
	upsert, get, removePeer *sql.Stmt
}

// NewStore opens dbPath (use ":memory:" for tests), sets WAL pragmas,
// applies migrations, and prepares all statements. clock stamps every
// locally-appended entry; device is this installation's own id, used to
// reject self-acks (spec.md §4.6 invariant).
func NewStore(ctx context.Context, dbPath string, clock *hlc.Clock, device ids.DeviceID, logger *slog.Logger) (*SQLiteStore, error) {
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

	s := &SQLiteStore{db: db, clock: clock, device: device, logger: logger}

	if err := s.prepareAll(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DB returns the underlying handle (tests only; production code has no
// reason to reach past the Store API).
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
		{&s.changeStmts.insert, `INSERT INTO shared_changes (hlc, model_type, record_uuid, change_type, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`},
		{&s.changeStmts.insertRemote, `INSERT INTO shared_changes (hlc, model_type, record_uuid, change_type, data, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(hlc) DO NOTHING`},
		{&s.changeStmts.since, `SELECT hlc, model_type, record_uuid, change_type, data, created_at FROM shared_changes WHERE hlc > ? ORDER BY hlc ASC LIMIT ?`},
		{&s.changeStmts.latestForRecord, `SELECT hlc FROM shared_changes WHERE record_uuid = ? ORDER BY hlc DESC LIMIT 1`},
		{&s.changeStmts.pruneBelow, `DELETE FROM shared_changes WHERE hlc <= ?`},
		{&s.changeStmts.minAckedExcludingSelf, `SELECT MIN(last_acked_hlc) FROM peer_acks WHERE peer_device_id != ?`},

		{&s.ackStmts.upsert, `INSERT INTO peer_acks (peer_device_id, last_acked_hlc, acked_at) VALUES (?, ?, ?) ON CONFLICT(peer_device_id) DO UPDATE SET last_acked_hlc = excluded.last_acked_hlc, acked_at = excluded.acked_at WHERE excluded.last_acked_hlc > peer_acks.last_acked_hlc`},
		{&s.ackStmts.removePeer, `DELETE FROM peer_acks WHERE peer_device_id = ?`},

		{&s.watermarkStmts.upsert, `INSERT INTO device_resource_watermarks (device_uuid, peer_device_uuid, resource_type, last_watermark, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(device_uuid, peer_device_uuid, resource_type) DO UPDATE SET last_watermark = excluded.last_watermark, updated_at = excluded.updated_at WHERE excluded.last_watermark > device_resource_watermarks.last_watermark`},
		{&s.watermarkStmts.get, `SELECT last_watermark FROM device_resource_watermarks WHERE device_uuid = ? AND peer_device_uuid = ? AND resource_type = ?`},
		{&s.watermarkStmts.removePeer, `DELETE FROM device_resource_watermarks WHERE peer_device_uuid = ?`},
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

// Append stamps a new mutation with the current HLC and writes it
// synchronously (spec.md §4.6 "append(entry)": "write with the current
// HLC"). Callers are the library store's mutation paths, invoked after the
// underlying entity write has committed, so only committed mutations are
// appended.
func (s *SQLiteStore) Append(ctx context.Context, modelType, recordUUID string, changeType ChangeType, data string) (Entry, error) {
	stamp, err := s.clock.Now()
	if err != nil {
		return Entry{}, fmt.Errorf("peerlog: append: stamping entry: %w", err)
	}

	e := Entry{
		HLC:        stamp.String(),
		ModelType:  modelType,
		RecordUUID: recordUUID,
		ChangeType: changeType,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = s.changeStmts.insert.ExecContext(ctx, e.HLC, e.ModelType, e.RecordUUID, e.ChangeType, e.Data, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, storageErr("append", err)
	}

	if s.observer != nil {
		s.observer.ObserveAppend(ctx, e)
	}

	return e, nil
}

// AppendRemote writes an entry whose hlc was assigned by another device
// (spec.md §4.7 inbound protocol step 5: on successful apply, the
// message's own hlc joins the local peer log so later Since/backfill
// reads and conflict checks see it, and so it can be relayed onward to
// other peers). Unlike Append, the hlc is not restamped. A duplicate
// redelivery of the same hlc (e.g. a retried backfill page) is silently
// ignored rather than erroring, since apply is specified to be
// idempotent.
func (s *SQLiteStore) AppendRemote(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.changeStmts.insertRemote.ExecContext(ctx, e.HLC, e.ModelType, e.RecordUUID, e.ChangeType, e.Data, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("append remote", err)
	}

	return nil
}

// Since returns every entry with hlc strictly greater than after, in
// ascending order, bounded by limit (spec.md §4.6 "since(hlc?)": "bounded
// pagination for large gaps"). Pass "" for after to read from the
// beginning of the log.
func (s *SQLiteStore) Since(ctx context.Context, after string, limit int) ([]Entry, error) {
	rows, err := s.changeStmts.since.QueryContext(ctx, after, limit)
	if err != nil {
		return nil, storageErr("since", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var e Entry

		var createdAt string

		if err := rows.Scan(&e.HLC, &e.ModelType, &e.RecordUUID, &e.ChangeType, &e.Data, &createdAt); err != nil {
			return nil, storageErr("scan entry", err)
		}

		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}

	return out, rows.Err()
}

// LatestForRecord returns the greatest hlc logged mentioning uuid, or "" if
// none (spec.md §4.6 "latest_for_record(uuid)", used by the sync engine's
// conflict check).
func (s *SQLiteStore) LatestForRecord(ctx context.Context, uuid string) (string, error) {
	var latest string

	err := s.changeStmts.latestForRecord.QueryRowContext(ctx, uuid).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", storageErr("latest for record", err)
	}

	return latest, nil
}

// RecordAck remembers that peer has durably applied everything up to and
// including upToHLC (spec.md §4.6 "record_ack(peer, hlc)"). Self-acks are
// rejected: a device can never be its own peer.
func (s *SQLiteStore) RecordAck(ctx context.Context, peerDeviceUUID, upToHLC string) error {
	if peerDeviceUUID == s.device.String() {
		return selfAckErr("record ack")
	}

	_, err := s.ackStmts.upsert.ExecContext(ctx, peerDeviceUUID, upToHLC, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("record ack", err)
	}

	return nil
}

// Prune deletes every entry with hlc <= the minimum last-acked hlc across
// all peers (self excluded). If no peer has acked anything, Prune is a
// no-op (spec.md §4.6 invariant: "If no peer has acked, no pruning").
func (s *SQLiteStore) Prune(ctx context.Context) error {
	var minAcked sql.NullString

	if err := s.changeStmts.minAckedExcludingSelf.QueryRowContext(ctx, s.device.String()).Scan(&minAcked); err != nil {
		return storageErr("prune: compute min acked", err)
	}

	if !minAcked.Valid {
		return nil
	}

	if _, err := s.changeStmts.pruneBelow.ExecContext(ctx, minAcked.String); err != nil {
		return storageErr("prune", err)
	}

	return nil
}

// RemovePeer drops a peer's ack record and its resource watermarks
// (spec.md §4.6: "After a peer removal, its rows are deleted from
// peer_acks and its watermarks are dropped").
func (s *SQLiteStore) RemovePeer(ctx context.Context, peerDeviceUUID string) error {
	if _, err := s.ackStmts.removePeer.ExecContext(ctx, peerDeviceUUID); err != nil {
		return storageErr("remove peer ack", err)
	}

	if _, err := s.watermarkStmts.removePeer.ExecContext(ctx, peerDeviceUUID); err != nil {
		return storageErr("remove peer watermarks", err)
	}

	return nil
}

// UpsertWatermark writes (peer, resource) := ts only if ts is strictly
// greater than the stored value (spec.md §4.6 "upsert(peer, resource,
// ts)").
func (s *SQLiteStore) UpsertWatermark(ctx context.Context, peerDeviceUUID, resourceType, ts string) error {
	_, err := s.watermarkStmts.upsert.ExecContext(ctx, s.device.String(), peerDeviceUUID, resourceType, ts, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("upsert watermark", err)
	}

	return nil
}

// GetWatermark returns the current watermark for (peer, resource), or ""
// and false if none has ever been recorded (spec.md §4.6 "get(peer,
// resource)": "returns the current value or None").
func (s *SQLiteStore) GetWatermark(ctx context.Context, peerDeviceUUID, resourceType string) (string, bool, error) {
	var ts string

	err := s.watermarkStmts.get.QueryRowContext(ctx, s.device.String(), peerDeviceUUID, resourceType).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, storageErr("get watermark", err)
	}

	return ts, true, nil
}
