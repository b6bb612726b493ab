package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists call records in a SQLite database. Change-feed fanout
// is in-process: every write publishes to local subscribers after commit.
// Cross-process deployments need a shared backend behind the Store interface
// instead; this one exists for the single-process embedded case where the
// record history must survive restarts.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	incoming *fanout
	updates  *fanout
}

// OpenSQLite opens (or creates) the call-record database in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "calls.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers, busy_timeout so writers queue instead of
	// failing under contention.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			caller_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      INTEGER,
			ended_at        INTEGER,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_call_records_active
			ON call_records(conversation_id, status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_records table: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		now:      time.Now,
		incoming: newFanout(),
		updates:  newFanout(),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SetClock replaces the store clock. Test hook.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

// CreateCall inserts a record with StatusCalling inside one transaction so
// the active-conversation check and the insert are atomic.
func (s *SQLiteStore) CreateCall(ctx context.Context, conversationID, callerID, receiverID string) (*CallRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM call_records WHERE conversation_id = ? AND status IN (?, ?) LIMIT 1`,
		conversationID, StatusCalling, StatusAccepted,
	).Scan(&one)
	switch {
	case err == nil:
		return nil, ErrActiveCallExists
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check active call: %w", err)
	}

	now := s.now().UTC()
	rec := &CallRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		Status:         StatusCalling,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO call_records (id, conversation_id, caller_id, receiver_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.CallerID, rec.ReceiverID, rec.Status,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert call record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit call record: %w", err)
	}

	out := rec.Clone()
	s.incoming.publish(receiverID, out)
	return &out, nil
}

// UpdateStatus transitions the record. Validation runs against the row read
// in the same transaction as the write.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, callID string, status Status, at time.Time) (*CallRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, callID))
	if err != nil {
		return nil, err
	}

	if rec.Status == status && status.Terminal() {
		out := rec.Clone()
		return &out, nil // idempotent terminal re-assert
	}
	if !canTransition(rec.Status, status) {
		return nil, &InvalidTransitionError{CallID: callID, From: rec.Status, To: status}
	}

	if at.IsZero() {
		at = s.now()
	}
	rec.applyStatus(status, at.UTC())

	if _, err := tx.ExecContext(ctx,
		`UPDATE call_records SET status = ?, started_at = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		rec.Status, millisPtr(rec.StartedAt), millisPtr(rec.EndedAt), rec.UpdatedAt.UnixMilli(), rec.ID,
	); err != nil {
		return nil, fmt.Errorf("update call record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	out := rec.Clone()
	s.updates.publish(callID, out)
	return &out, nil
}

// GetCall fetches one record.
func (s *SQLiteStore) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, callID))
}

// SubscribeIncoming delivers new records addressed to userID.
func (s *SQLiteStore) SubscribeIncoming(_ context.Context, userID string) (<-chan CallRecord, func(), error) {
	ch, cancel := s.incoming.subscribe(userID)
	return ch, cancel, nil
}

// SubscribeCall delivers status changes of one record.
func (s *SQLiteStore) SubscribeCall(_ context.Context, callID string) (<-chan CallRecord, func(), error) {
	ch, cancel := s.updates.subscribe(callID)
	return ch, cancel, nil
}

const selectRecord = `SELECT id, conversation_id, caller_id, receiver_id, status,
	started_at, ended_at, created_at, updated_at FROM call_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CallRecord, error) {
	var (
		rec                 CallRecord
		started, ended      sql.NullInt64
		createdMs, updatedMs int64
	)
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.CallerID, &rec.ReceiverID,
		&rec.Status, &started, &ended, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call record: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if started.Valid {
		t := time.UnixMilli(started.Int64).UTC()
		rec.StartedAt = &t
	}
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		rec.EndedAt = &t
	}
	return &rec, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
