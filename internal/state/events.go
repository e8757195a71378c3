package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/value"
)

// EventStatus is the lifecycle position of a persisted envelope.
type EventStatus string

const (
	EventCreated   EventStatus = "CREATED"
	EventRunning   EventStatus = "RUNNING"
	EventExecuted  EventStatus = "EXECUTED"
	EventDeferred  EventStatus = "DEFERRED"
	EventException EventStatus = "EXCEPTION"
)

// Terminal reports whether no further work happens for the envelope.
func (st EventStatus) Terminal() bool {
	switch st {
	case EventExecuted, EventDeferred, EventException:
		return true
	default:
		return false
	}
}

// EventMode distinguishes queued asynchronous envelopes from chain-log
// entries of synchronous dispatch.
type EventMode string

const (
	ModeSync  EventMode = "SYNC"
	ModeAsync EventMode = "ASYNC"
)

// EventRecord is a persisted envelope.
type EventRecord struct {
	ID           string
	RootID       string
	ParentID     string
	EntityType   event.EntityType
	EntityID     string
	EventType    event.EventType
	Priority     event.Priority
	SuperOwnerID string
	Depth        int
	Mode         EventMode

	// Current and Original are codec-encoded entity payloads (nil when absent).
	Current  []byte
	Original []byte

	// Properties is the envelope's property bag; PropertyKeys holds its
	// insertion order.
	Properties   value.Object
	PropertyKeys []string

	Status    EventStatus
	Error     string
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Header returns the envelope bookkeeping stored with the record.
func (r EventRecord) Header() event.Header {
	return event.Header{
		ID:           r.ID,
		RootID:       r.RootID,
		ParentID:     r.ParentID,
		EntityType:   r.EntityType,
		EventType:    r.EventType,
		Priority:     r.Priority,
		SuperOwnerID: r.SuperOwnerID,
		Depth:        r.Depth,
	}
}

const eventColumns = `id, root_id, parent_id, entity_type, entity_id, event_type, priority,
	super_owner_id, depth, mode, current, original, properties, status, error, seq, created_at, updated_at`

// EnqueueEvent stores an asynchronous envelope with status CREATED.
// Uses ON CONFLICT(id) DO NOTHING: enqueuing the same envelope twice is a
// no-op and reports inserted=false.
func (s *Store) EnqueueEvent(ctx context.Context, rec EventRecord) (bool, error) {
	rec.Mode = ModeAsync
	rec.Status = EventCreated
	n, err := s.insertEvent(ctx, rec, "ON CONFLICT(id) DO NOTHING")
	if err != nil {
		return false, fmt.Errorf("enqueue event %s: %w", rec.ID, err)
	}
	return n > 0, nil
}

// RecordEvent upserts a chain-log entry for a synchronously dispatched
// envelope. A repeated call only updates status, error and updated_at, so
// an asynchronous row dispatched by the worker keeps its mode and seq.
func (s *Store) RecordEvent(ctx context.Context, rec EventRecord) error {
	if rec.Mode == "" {
		rec.Mode = ModeSync
	}
	if rec.Status == "" {
		rec.Status = EventRunning
	}
	_, err := s.insertEvent(ctx, rec, `ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		error = excluded.error,
		updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("record event %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, rec EventRecord, conflict string) (int64, error) {
	if rec.ID == "" || rec.EntityType == "" || rec.EventType == "" {
		return 0, errors.New("id, entity type and event type are required")
	}
	rootID := rec.RootID
	if rootID == "" {
		rootID = rec.ID
	}
	propsJSON, err := marshalProperties(rec.Properties, rec.PropertyKeys)
	if err != nil {
		return 0, err
	}

	now := s.stamp()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_events
		(id, root_id, parent_id, entity_type, entity_id, event_type, priority, super_owner_id,
		 depth, mode, current, original, properties, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`+conflict,
		rec.ID,
		rootID,
		rec.ParentID,
		string(rec.EntityType),
		rec.EntityID,
		string(rec.EventType),
		int(rec.Priority),
		rec.SuperOwnerID,
		rec.Depth,
		string(rec.Mode),
		nullableText(rec.Current),
		nullableText(rec.Original),
		propsJSON,
		string(rec.Status),
		rec.Error,
		now,
		now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// NextEvents returns up to limit queued envelopes that may start now:
// HIGH priority first, then creation order. Envelopes whose super-owner
// already has a RUNNING asynchronous envelope or outstanding pending work
// are held back, and only the oldest CREATED envelope per super-owner is
// returned.
func (s *Store) NextEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM entity_events e
		WHERE e.mode = 'ASYNC' AND e.status = 'CREATED'
		  AND (
		    e.super_owner_id = ''
		    OR (
		      NOT EXISTS (
		        SELECT 1 FROM entity_events r
		        WHERE r.mode = 'ASYNC' AND r.status = 'RUNNING'
		          AND r.super_owner_id = e.super_owner_id
		      )
		      AND NOT EXISTS (
		        SELECT 1 FROM entity_events o
		        WHERE o.mode = 'ASYNC' AND o.status = 'CREATED'
		          AND o.super_owner_id = e.super_owner_id
		          AND o.seq < e.seq
		      )
		      AND NOT EXISTS (
		        SELECT 1 FROM entity_states p
		        WHERE p.super_owner_id = e.super_owner_id
		          AND p.state IN ('BLOCKED', 'RUNNING')
		      )
		    )
		  )
		ORDER BY e.priority DESC, e.seq ASC, e.id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("next events: %w", err)
	}
	return collectEvents(rows, "next events")
}

// ClaimEvent moves a CREATED asynchronous envelope to RUNNING.
// Returns ErrNotFound when missing and ErrNotClaimable when already taken.
func (s *Store) ClaimEvent(ctx context.Context, id string) (EventRecord, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entity_events SET status = 'RUNNING', updated_at = ?
		WHERE id = ? AND mode = 'ASYNC' AND status = 'CREATED'
	`, s.stamp(), id)
	if err != nil {
		return EventRecord{}, fmt.Errorf("claim event %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return EventRecord{}, fmt.Errorf("claim event %s: rows affected: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return EventRecord{}, err
		}
		return EventRecord{}, ErrNotClaimable
	}
	return s.GetEvent(ctx, id)
}

// FinishEvent sets the final status of an envelope.
func (s *Store) FinishEvent(ctx context.Context, id string, status EventStatus, cause error) error {
	if !status.Terminal() {
		return fmt.Errorf("finish event %s: %s is not a terminal status", id, status)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.exec1(ctx, "finish event", id, `
		UPDATE entity_events SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), msg, s.stamp(), id)
}

// ReclaimEvents returns RUNNING asynchronous envelopes last touched before
// cutoff to CREATED so the worker picks them up again.
func (s *Store) ReclaimEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entity_events SET status = 'CREATED', updated_at = ?
		WHERE mode = 'ASYNC' AND status = 'RUNNING' AND updated_at < ?
	`, s.stamp(), before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("reclaim events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim events: rows affected: %w", err)
	}
	return n, nil
}

// GetEvent returns a single envelope record, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (EventRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM entity_events WHERE id = ?", id)
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EventRecord{}, ErrNotFound
	}
	if err != nil {
		return EventRecord{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return rec, nil
}

// ReadChain returns every envelope of the chain rooted at rootID in
// creation order.
func (s *Store) ReadChain(ctx context.Context, rootID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM entity_events
		WHERE root_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("read chain %s: %w", rootID, err)
	}
	return collectEvents(rows, "read chain "+rootID)
}

// CountEvents returns the number of envelopes per status.
func (s *Store) CountEvents(ctx context.Context) (map[EventStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM entity_events GROUP BY status ORDER BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count events: %w", err)
		}
		counts[EventStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return counts, nil
}

func collectEvents(rows *sql.Rows, op string) ([]EventRecord, error) {
	defer rows.Close()

	records := make([]EventRecord, 0)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

func scanEvent(row rowScanner) (EventRecord, error) {
	var (
		rec        EventRecord
		entityType string
		eventType  string
		priority   int
		mode       string
		current    sql.NullString
		original   sql.NullString
		propsJSON  string
		status     string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.RootID,
		&rec.ParentID,
		&entityType,
		&rec.EntityID,
		&eventType,
		&priority,
		&rec.SuperOwnerID,
		&rec.Depth,
		&mode,
		&current,
		&original,
		&propsJSON,
		&status,
		&rec.Error,
		&rec.Seq,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return EventRecord{}, err
	}

	props, keys, err := unmarshalProperties(propsJSON)
	if err != nil {
		return EventRecord{}, err
	}

	rec.EntityType = event.EntityType(entityType)
	rec.EventType = event.EventType(eventType)
	rec.Priority = event.Priority(priority)
	rec.Mode = EventMode(mode)
	if current.Valid {
		rec.Current = []byte(current.String)
	}
	if original.Valid {
		rec.Original = []byte(original.String)
	}
	rec.Properties = props
	rec.PropertyKeys = keys
	rec.Status = EventStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}
