package library

import (
	"context"
	"database/sql"
)

// Closure-table maintenance, split out from store.go so the algorithm
// spec.md §4.5 describes ("insert on create, cascade delete, reparent on
// move") reads as one unit rather than being scattered across the entry
// CRUD methods that trigger it.

// insertClosureForNewEntry adds the new entry's self row (depth 0) and,
// if it has a parent, one row per ancestor of that parent at depth+1.
func (s *SQLiteStore) insertClosureForNewEntry(ctx context.Context, tx *sql.Tx, newID int64, parentID *int64) error {
	if _, err := tx.StmtContext(ctx, s.closureStmts.insertSelf).ExecContext(ctx, newID, newID); err != nil {
		return storageErr("insert self closure row", err)
	}

	if parentID == nil {
		return nil
	}

	if _, err := tx.StmtContext(ctx, s.closureStmts.insertAncestors).ExecContext(ctx, newID, *parentID); err != nil {
		return storageErr("insert ancestor closure rows", err)
	}

	return nil
}

// reparentClosure drops every ancestor row above entryID (depth > 0,
// leaving the depth-0 self row untouched) and reinserts ancestor rows
// under newParentID, per spec.md §4.5's move handling.
func (s *SQLiteStore) reparentClosure(ctx context.Context, tx *sql.Tx, entryID int64, newParentID *int64) error {
	if _, err := tx.StmtContext(ctx, s.closureStmts.deleteAncestors).ExecContext(ctx, entryID); err != nil {
		return storageErr("delete stale ancestor closure rows", err)
	}

	if newParentID == nil {
		return nil
	}

	if _, err := tx.StmtContext(ctx, s.closureStmts.insertAncestors).ExecContext(ctx, entryID, *newParentID); err != nil {
		return storageErr("insert new ancestor closure rows", err)
	}

	return nil
}

// cascadeDeleteClosure removes every closure row referencing entryID or
// any of its descendants and returns the full set of entry ids (entryID
// plus all descendants) the caller must now delete from entry itself.
func (s *SQLiteStore) cascadeDeleteClosure(ctx context.Context, tx *sql.Tx, entryID int64) ([]int64, error) {
	rows, err := tx.StmtContext(ctx, s.closureStmts.descendants).QueryContext(ctx, entryID)
	if err != nil {
		return nil, storageErr("list descendants for delete", err)
	}

	var victims []int64

	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, storageErr("scan descendant id", err)
		}

		victims = append(victims, d)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate descendants", err)
	}

	victims = append(victims, entryID)

	for _, d := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entry_closure WHERE ancestor_id = ? OR descendant_id = ?`, d, d); err != nil {
			return nil, storageErr("delete closure rows", err)
		}
	}

	return victims, nil
}
