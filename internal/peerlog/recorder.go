package peerlog

import "context"

// Recorder adapts a *SQLiteStore to library.ChangeRecorder without the
// library package importing peerlog (library only depends on the
// ChangeRecorder interface it declares itself). Constructed once in
// cmd/libraryd and installed via (*library.SQLiteStore).SetChangeRecorder.
type Recorder struct {
	store *SQLiteStore
}

// NewRecorder wraps store for use as a library.ChangeRecorder.
func NewRecorder(store *SQLiteStore) *Recorder {
	return &Recorder{store: store}
}

// RecordChange appends a peer-log entry for a committed library mutation.
func (r *Recorder) RecordChange(ctx context.Context, modelType, recordUUID, changeType, data string) error {
	_, err := r.store.Append(ctx, modelType, recordUUID, ChangeType(changeType), data)
	return err
}
