package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/value"
)

var (
	// ErrNotFound is returned when a record does not exist (or no longer
	// exists because a concurrent cancel deleted it).
	ErrNotFound = errors.New("state: record not found")

	// ErrNotClaimable is returned by Claim when the record exists but is no
	// longer BLOCKED.
	ErrNotClaimable = errors.New("state: record is not blocked")
)

// State is the lifecycle position of a pending-work record.
type State string

const (
	Blocked   State = "BLOCKED"
	Running   State = "RUNNING"
	Completed State = "COMPLETED"
)

// Valid reports whether st is a known state.
func (st State) Valid() bool {
	switch st {
	case Blocked, Running, Completed:
		return true
	default:
		return false
	}
}

// Outstanding returns the states that still hold up an owner's chains.
func Outstanding() []State {
	return []State{Blocked, Running}
}

// NewRecord is the input to Create.
type NewRecord struct {
	OwnerType  event.EntityType
	OwnerID    string
	EventID    string
	ResultCode string
	Parameters value.Object

	// SuperOwnerID groups the record with the chains it holds up.
	// Defaults to OwnerID.
	SuperOwnerID string

	// Priority is the priority of the envelope that created the record;
	// resumption passes and resumed envelopes use it.
	Priority event.Priority
}

// Record is a stored pending-work record.
type Record struct {
	ID           string
	OwnerType    event.EntityType
	OwnerID      string
	EventID      string
	ResultCode   string
	SuperOwnerID string
	Priority     event.Priority
	State        State
	Parameters   value.Object
	Attempts     int
	LastError    string
	Seq          int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const recordColumns = `id, owner_type, owner_id, event_id, result_code, super_owner_id, priority,
	state, parameters, attempts, last_error, seq, created_at, updated_at`

// Create stores a BLOCKED record for (owner, result code).
//
// Create is idempotent while a BLOCKED record exists for the same
// (ownerType, ownerId, resultCode): the existing record is returned with
// created=false and its parameters are left untouched.
func (s *Store) Create(ctx context.Context, rec NewRecord) (Record, bool, error) {
	if rec.OwnerType == "" || rec.OwnerID == "" || rec.ResultCode == "" {
		return Record{}, false, fmt.Errorf("create state: owner type, owner id and result code are required")
	}

	paramsJSON, err := marshalParameters(rec.Parameters)
	if err != nil {
		return Record{}, false, fmt.Errorf("create state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("create state: begin tx: %w", err)
	}
	defer tx.Rollback()

	superOwnerID := rec.SuperOwnerID
	if superOwnerID == "" {
		superOwnerID = rec.OwnerID
	}

	now := s.stamp()
	id := s.ids.Generate()

	// A bare DO NOTHING covers the partial unique index on BLOCKED records.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO entity_states
		(id, owner_type, owner_id, event_id, result_code, super_owner_id, priority,
		 state, parameters, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'BLOCKED', ?, 0, '', ?, ?)
		ON CONFLICT DO NOTHING
	`,
		id,
		string(rec.OwnerType),
		rec.OwnerID,
		rec.EventID,
		rec.ResultCode,
		superOwnerID,
		int(rec.Priority),
		paramsJSON,
		now,
		now,
	)
	if err != nil {
		return Record{}, false, fmt.Errorf("create state: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Record{}, false, fmt.Errorf("create state: rows affected: %w", err)
	}

	var row *sql.Row
	if rowsAffected > 0 {
		row = tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM entity_states WHERE id = ?", id)
	} else {
		row = tx.QueryRowContext(ctx, "SELECT "+recordColumns+` FROM entity_states
			WHERE owner_type = ? AND owner_id = ? AND result_code = ? AND state = 'BLOCKED'`,
			string(rec.OwnerType), rec.OwnerID, rec.ResultCode)
	}
	stored, err := scanRecord(row)
	if err != nil {
		return Record{}, false, fmt.Errorf("create state: read back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("create state: commit: %w", err)
	}

	return stored, rowsAffected > 0, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM entity_states WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get state %s: %w", id, err)
	}
	return rec, nil
}

// Find returns all records matching f in creation order.
// Returns an empty slice, never nil, when nothing matches.
func (s *Store) Find(ctx context.Context, f Filter) ([]Record, error) {
	q, args, err := f.query()
	if err != nil {
		return nil, fmt.Errorf("find states: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find states: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("find states: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find states: %w", err)
	}
	return records, nil
}

// HasOutstanding reports whether any BLOCKED or RUNNING record belongs to
// superOwnerID, whatever its owner or result code.
func (s *Store) HasOutstanding(ctx context.Context, superOwnerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_states
		WHERE super_owner_id = ? AND state IN ('BLOCKED', 'RUNNING')
	`, superOwnerID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check outstanding %s: %w", superOwnerID, err)
	}
	return n > 0, nil
}

// Claim moves a BLOCKED record to RUNNING and returns it.
//
// Returns ErrNotFound when the record was deleted and ErrNotClaimable when
// it is no longer BLOCKED. Resumption treats both as "someone else handled
// it".
func (s *Store) Claim(ctx context.Context, id string) (Record, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entity_states SET state = 'RUNNING', updated_at = ?
		WHERE id = ? AND state = 'BLOCKED'
	`, s.stamp(), id)
	if err != nil {
		return Record{}, fmt.Errorf("claim state %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("claim state %s: rows affected: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return Record{}, err
		}
		return Record{}, ErrNotClaimable
	}
	return s.Get(ctx, id)
}

// Release returns a RUNNING record to BLOCKED after a failed resumption,
// incrementing attempts and recording cause.
//
// If another BLOCKED record for the same (owner, result code) was created
// while this one ran, the released record is dropped in its favour so an
// owner never holds two dirty markers for one result code.
func (s *Store) Release(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release state %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM entity_states WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("release state %s: %w", id, err)
	}
	if rec.State != Running {
		return ErrNotClaimable
	}

	var sibling int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_states
		WHERE owner_type = ? AND owner_id = ? AND result_code = ? AND state = 'BLOCKED'
	`, string(rec.OwnerType), rec.OwnerID, rec.ResultCode).Scan(&sibling)
	if err != nil {
		return fmt.Errorf("release state %s: %w", id, err)
	}

	if sibling > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM entity_states WHERE id = ?`, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE entity_states
			SET state = 'BLOCKED', attempts = attempts + 1, last_error = ?, updated_at = ?
			WHERE id = ?
		`, msg, s.stamp(), id)
	}
	if err != nil {
		return fmt.Errorf("release state %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release state %s: commit: %w", id, err)
	}
	return nil
}

// Complete marks a record COMPLETED. Returns ErrNotFound when missing.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.exec1(ctx, "complete state", id, `
		UPDATE entity_states SET state = 'COMPLETED', updated_at = ? WHERE id = ?
	`, s.stamp(), id)
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entity_states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

// ResetAttempts clears the attempt counter and last error so a stuck
// record becomes eligible for resumption again.
func (s *Store) ResetAttempts(ctx context.Context, id string) error {
	return s.exec1(ctx, "reset state", id, `
		UPDATE entity_states SET attempts = 0, last_error = '', updated_at = ? WHERE id = ?
	`, s.stamp(), id)
}

// ReclaimStale returns RUNNING records last touched before cutoff to
// BLOCKED. A runner that died mid-resumption leaves such records behind.
// Records whose owner already has a fresh BLOCKED marker are dropped.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM entity_states
		WHERE state = 'RUNNING' AND updated_at < ?
		  AND EXISTS (
		    SELECT 1 FROM entity_states b
		    WHERE b.state = 'BLOCKED'
		      AND b.owner_type = entity_states.owner_type
		      AND b.owner_id = entity_states.owner_id
		      AND b.result_code = entity_states.result_code
		  )
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}

	// Two stale records for one (owner, result code) cannot both become
	// BLOCKED; keep the oldest.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM entity_states
		WHERE state = 'RUNNING' AND updated_at < ?
		  AND EXISTS (
		    SELECT 1 FROM entity_states o
		    WHERE o.state = 'RUNNING' AND o.updated_at < ?
		      AND o.owner_type = entity_states.owner_type
		      AND o.owner_id = entity_states.owner_id
		      AND o.result_code = entity_states.result_code
		      AND o.seq < entity_states.seq
		  )
	`, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE entity_states
		SET state = 'BLOCKED', attempts = attempts + 1, last_error = 'reclaimed after stale run', updated_at = ?
		WHERE state = 'RUNNING' AND updated_at < ?
	`, s.stamp(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reclaim stale: commit: %w", err)
	}
	return n, nil
}

// exec1 runs a single-row update and maps "no row" to ErrNotFound.
func (s *Store) exec1(ctx context.Context, op, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		ownerType  string
		state      string
		paramsJSON string
		priority   int
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&rec.ID,
		&ownerType,
		&rec.OwnerID,
		&rec.EventID,
		&rec.ResultCode,
		&rec.SuperOwnerID,
		&priority,
		&state,
		&paramsJSON,
		&rec.Attempts,
		&rec.LastError,
		&rec.Seq,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	params, err := unmarshalParameters(paramsJSON)
	if err != nil {
		return Record{}, err
	}

	rec.OwnerType = event.EntityType(ownerType)
	rec.Priority = event.Priority(priority)
	rec.State = State(strings.ToUpper(state))
	rec.Parameters = params
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}
