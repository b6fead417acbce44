// Package audit provides the append-only memory lifecycle log.
//
// Every lifecycle transition (creation, supersession, dispute, tier change,
// importance update) is recorded as an immutable entry. The package exposes
// no update or delete operation: replaying all entries with timestamp <= T
// reconstructs exactly the live state that existed at T, which is the
// engine's defining correctness property.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/engram-labs/engram/pkg/memory"
)

// Action identifies the lifecycle transition an entry records.
type Action string

const (
	ActionCreated    Action = "created"
	ActionUpdated    Action = "updated"
	ActionSuperseded Action = "superseded"
	ActionDisputed   Action = "disputed"
	ActionPromoted   Action = "promoted"
	ActionDemoted    Action = "demoted"
)

// Entry is a single immutable audit record. MemoryID is a soft reference:
// it stays valid even after the memory reaches a terminal status.
type Entry struct {
	ID        string          `json:"id"` // ULID; sorts by time
	MemoryID  string          `json:"memory_id"`
	Action    Action          `json:"action"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Actor     string          `json:"actor"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Log is the append-only audit log, stored in the same SQLite database as
// the memory records.
type Log struct {
	db *sql.DB

	// Monotonic entropy keeps ids strictly increasing within the same
	// millisecond, so ORDER BY id is append order.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Log on the given database handle.
func New(db *sql.DB) *Log {
	return &Log{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Init creates the audit table if it does not exist. The table is only ever
// inserted into and selected from.
func (l *Log) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id        TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			action    TEXT NOT NULL,
			before    TEXT,
			after     TEXT,
			actor     TEXT NOT NULL,
			reason    TEXT,
			ts        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_memory ON audit_log(memory_id);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`)
	if err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

func (l *Log) newID(t time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), l.entropy).String()
}

// Snapshot serializes a record for use as a before/after snapshot.
func Snapshot(r *memory.Record) json.RawMessage {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// Append writes an entry. The id and timestamp are assigned here so entry
// ordering is consistent with insertion order.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	if e.MemoryID == "" {
		return &memory.ValidationError{Field: "memory_id", Reason: "empty"}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = l.newID(e.Timestamp)
	}
	if e.Actor == "" {
		e.Actor = "engine"
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, memory_id, action, before, after, actor, reason, ts)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.MemoryID, string(e.Action),
		nullableJSON(e.Before), nullableJSON(e.After),
		e.Actor, e.Reason, e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &memory.TransientStoreError{Op: "audit_append", Err: err}
	}
	return nil
}

// Entries returns all entries for a memory id in append order.
func (l *Log) Entries(ctx context.Context, memoryID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, memory_id, action, before, after, actor, reason, ts
		FROM audit_log WHERE memory_id = ? ORDER BY id`, memoryID)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "audit_entries", Err: err}
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesThrough returns every entry with timestamp <= t in append order.
func (l *Log) EntriesThrough(ctx context.Context, t time.Time) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, memory_id, action, before, after, actor, reason, ts
		FROM audit_log WHERE ts <= ? ORDER BY id`,
		t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "audit_entries_through", Err: err}
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ReconstructAt replays all entries with timestamp <= t and returns the
// memory state as of t for the given team, keyed by record id. Records
// outside the team are skipped after deserialization, never during replay,
// so cross-record references stay intact.
func (l *Log) ReconstructAt(ctx context.Context, t time.Time, teamID string) (map[string]*memory.Record, error) {
	entries, err := l.EntriesThrough(ctx, t)
	if err != nil {
		return nil, err
	}

	state := make(map[string]*memory.Record)
	for _, e := range entries {
		if len(e.After) == 0 {
			continue
		}
		var r memory.Record
		if err := json.Unmarshal(e.After, &r); err != nil {
			return nil, fmt.Errorf("replay entry %s: %w", e.ID, err)
		}
		state[e.MemoryID] = &r
	}

	if teamID != "" {
		for id, r := range state {
			if r.Scope.TeamID != teamID {
				delete(state, id)
			}
		}
	}
	return state, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var before, after, reason sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.MemoryID, (*string)(&e.Action), &before, &after, &e.Actor, &reason, &ts); err != nil {
			return nil, err
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		e.Reason = reason.String
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
