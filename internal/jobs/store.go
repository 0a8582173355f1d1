package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Row is the persisted state of one dispatched job, mapped to the jobs
// table in the owning library's database.db (see internal/library/migrations).
type Row struct {
	ID           int64
	Name         string
	Status       Status
	StateBlob    json.RawMessage
	Progress     json.RawMessage
	ErrorMessage string
}

// Store persists job rows. The concrete implementation lives against the
// library's *sql.DB (database.db), grounded on the teacher's state.go
// pattern of grouping prepared statements by domain on a shared handle.
type Store interface {
	Insert(ctx context.Context, name string, state json.RawMessage) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status, progress json.RawMessage) error
	UpdateCheckpoint(ctx context.Context, id int64, state json.RawMessage, progress json.RawMessage) error
	Fail(ctx context.Context, id int64, errMsg string, progress json.RawMessage) error
	Get(ctx context.Context, id int64) (Row, error)
	ListResumable(ctx context.Context) ([]Row, error)
	Delete(ctx context.Context, id int64) error
}

// SQLStore is the default Store, backed by a shared *sql.DB handle.
type SQLStore struct {
	db *sql.DB

	insertStmt    *sql.Stmt
	updateStatus  *sql.Stmt
	updateCheckpt *sql.Stmt
	failStmt      *sql.Stmt
	getStmt       *sql.Stmt
	listResumable *sql.Stmt
	deleteStmt    *sql.Stmt
}

// NewSQLStore prepares all statements against db. db must already have the
// jobs table migrated (see internal/library/migrations).
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}

	stmts := []struct {
		dst  **sql.Stmt
		text string
	}{
		{&s.insertStmt, `INSERT INTO jobs (name, status, state_blob, progress) VALUES (?, ?, ?, NULL)`},
		{&s.updateStatus, `UPDATE jobs SET status = ?, progress = ? WHERE id = ?`},
		{&s.updateCheckpt, `UPDATE jobs SET state_blob = ?, progress = ? WHERE id = ?`},
		{&s.failStmt, `UPDATE jobs SET status = ?, error_message = ?, progress = ? WHERE id = ?`},
		{&s.getStmt, `SELECT id, name, status, state_blob, progress, COALESCE(error_message, '') FROM jobs WHERE id = ?`},
		{&s.listResumable, `SELECT id, name, status, state_blob, progress, COALESCE(error_message, '') FROM jobs WHERE status IN ('running', 'paused')`},
		{&s.deleteStmt, `DELETE FROM jobs WHERE id = ?`},
	}

	for _, st := range stmts {
		prepared, err := db.PrepareContext(ctx, st.text)
		if err != nil {
			return nil, fmt.Errorf("jobs: prepare statement: %w", err)
		}

		*st.dst = prepared
	}

	return s, nil
}

func (s *SQLStore) Insert(ctx context.Context, name string, state json.RawMessage) (int64, error) {
	res, err := s.insertStmt.ExecContext(ctx, name, StatusQueued, state)
	if err != nil {
		return 0, fmt.Errorf("jobs: insert: %w", err)
	}

	return res.LastInsertId()
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, status Status, progress json.RawMessage) error {
	if _, err := s.updateStatus.ExecContext(ctx, status, progress, id); err != nil {
		return fmt.Errorf("jobs: update status: %w", err)
	}

	return nil
}

func (s *SQLStore) UpdateCheckpoint(ctx context.Context, id int64, state json.RawMessage, progress json.RawMessage) error {
	if _, err := s.updateCheckpt.ExecContext(ctx, state, progress, id); err != nil {
		return fmt.Errorf("jobs: checkpoint: %w", err)
	}

	return nil
}

func (s *SQLStore) Fail(ctx context.Context, id int64, errMsg string, progress json.RawMessage) error {
	if _, err := s.failStmt.ExecContext(ctx, StatusFailed, errMsg, progress, id); err != nil {
		return fmt.Errorf("jobs: fail: %w", err)
	}

	return nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (Row, error) {
	var r Row

	err := s.getStmt.QueryRowContext(ctx, id).Scan(&r.ID, &r.Name, &r.Status, &r.StateBlob, &r.Progress, &r.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}

	if err != nil {
		return Row{}, fmt.Errorf("jobs: get: %w", err)
	}

	return r, nil
}

func (s *SQLStore) ListResumable(ctx context.Context) ([]Row, error) {
	rows, err := s.listResumable.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: list resumable: %w", err)
	}
	defer rows.Close()

	var out []Row

	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.StateBlob, &r.Progress, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("jobs: scan resumable row: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("jobs: delete: %w", err)
	}

	return nil
}
