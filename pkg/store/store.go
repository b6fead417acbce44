// Package store provides the authoritative SQLite-backed memory store.
//
// The memories table is append-mostly: rows are inserted and their status,
// tier, and access bookkeeping are updated, but no code path deletes a row.
// Terminal lifecycle states (superseded, archived) are retained forever so
// the audit log can always be cross-checked against live rows.
package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/engram-labs/engram/pkg/memory"
)

// Store wraps the SQLite database holding all memory records.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store at the given database file path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			team_id          TEXT NOT NULL,
			agent_id         TEXT,
			user_id          TEXT,
			type             TEXT NOT NULL,
			content          TEXT NOT NULL,
			subject          TEXT NOT NULL DEFAULT '',
			importance       INTEGER NOT NULL,
			confidence       REAL NOT NULL,
			pinned           INTEGER NOT NULL DEFAULT 0,
			access_count     INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TEXT,
			created_at       TEXT NOT NULL,
			expires_at       TEXT,
			tier             TEXT NOT NULL,
			status           TEXT NOT NULL,
			version          INTEGER NOT NULL,
			superseded_by    TEXT,
			contradicts      TEXT,
			segment_id       TEXT,
			message_ids      TEXT,
			pass             TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(team_id, status);
		CREATE INDEX IF NOT EXISTS idx_memories_subject ON memories(team_id, subject);
		CREATE INDEX IF NOT EXISTS idx_memories_segment ON memories(segment_id);
		CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier);
	`)
	if err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	slog.Info("memory store initialized", "path", s.path)
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the database handle so the audit log can share the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert stores a new record. The record is validated first; a validation
// failure rejects only this record.
func (s *Store) Insert(ctx context.Context, r *memory.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	contradicts, _ := json.Marshal(r.Contradicts)
	messageIDs, _ := json.Marshal(r.Provenance.MessageIDs)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, team_id, agent_id, user_id, type, content, subject,
			importance, confidence, pinned, access_count, last_accessed_at,
			created_at, expires_at, tier, status, version, superseded_by,
			contradicts, segment_id, message_ids, pass
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Scope.TeamID, r.Scope.AgentID, r.Scope.UserID,
		string(r.Type), r.Content, r.Subject,
		r.Importance, r.Confidence, boolInt(r.Pinned),
		r.AccessCount, timeArg(r.LastAccessedAt),
		r.CreatedAt.UTC().Format(time.RFC3339), timePtrArg(r.ExpiresAt),
		string(r.Tier), string(r.Status), r.Version, r.SupersededBy,
		string(contradicts), r.Provenance.SegmentID, string(messageIDs), r.Provenance.Pass,
	)
	if err != nil {
		return &memory.TransientStoreError{Op: "insert", Err: err}
	}
	slog.Debug("memory inserted", "id", r.ID, "type", r.Type, "subject", r.Subject)
	return nil
}

// Get fetches a single record by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE id = ?`, id)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "get", Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.ErrNotFound
	}
	return scanRecord(rows)
}

// FetchByIDs fetches full records for a list of ids. Missing ids are
// silently skipped; order follows the input list.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]*memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := placeholderList(ids)
	rows, err := s.db.QueryContext(ctx,
		selectRecord+fmt.Sprintf(` WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "fetch_by_ids", Err: err}
	}
	defer rows.Close()

	byID := make(map[string]*memory.Record, len(ids))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*memory.Record, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}

// UpdateStatus transitions a record's status. Illegal transitions return an
// *memory.InvariantViolation; there is no path to any deleted state.
func (s *Store) UpdateStatus(ctx context.Context, id string, to memory.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &memory.TransientStoreError{Op: "update_status", Err: err}
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM memories WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return memory.ErrNotFound
	}
	if err != nil {
		return &memory.TransientStoreError{Op: "update_status", Err: err}
	}
	if !memory.CanTransition(memory.Status(current), to) {
		return &memory.InvariantViolation{
			Invariant: "status-transition",
			Detail:    fmt.Sprintf("%s -> %s on %s", current, to, id),
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET status = ? WHERE id = ?`, string(to), id); err != nil {
		return &memory.TransientStoreError{Op: "update_status", Err: err}
	}
	return tx.Commit()
}

// Supersede marks oldID as superseded by newID in a single transaction.
// The caller is responsible for having inserted newID with version old+1.
func (s *Store) Supersede(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &memory.TransientStoreError{Op: "supersede", Err: err}
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM memories WHERE id = ?`, oldID).Scan(&current)
	if err == sql.ErrNoRows {
		return memory.ErrNotFound
	}
	if err != nil {
		return &memory.TransientStoreError{Op: "supersede", Err: err}
	}
	if !memory.CanTransition(memory.Status(current), memory.StatusSuperseded) {
		return &memory.InvariantViolation{
			Invariant: "status-transition",
			Detail:    fmt.Sprintf("%s -> superseded on %s", current, oldID),
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET status = ?, superseded_by = ? WHERE id = ?`,
		string(memory.StatusSuperseded), newID, oldID)
	if err != nil {
		return &memory.TransientStoreError{Op: "supersede", Err: err}
	}
	return tx.Commit()
}

// Dispute marks two records as disputed with reciprocal contradicts links,
// atomically. Both records remain retrievable.
func (s *Store) Dispute(ctx context.Context, idA, idB string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &memory.TransientStoreError{Op: "dispute", Err: err}
	}
	defer tx.Rollback()

	for _, pair := range [][2]string{{idA, idB}, {idB, idA}} {
		id, other := pair[0], pair[1]
		var status, contradictsJSON string
		var contradictsNull sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT status, contradicts FROM memories WHERE id = ?`, id,
		).Scan(&status, &contradictsNull)
		if err == sql.ErrNoRows {
			return memory.ErrNotFound
		}
		if err != nil {
			return &memory.TransientStoreError{Op: "dispute", Err: err}
		}
		if memory.Status(status) != memory.StatusDisputed &&
			!memory.CanTransition(memory.Status(status), memory.StatusDisputed) {
			return &memory.InvariantViolation{
				Invariant: "status-transition",
				Detail:    fmt.Sprintf("%s -> disputed on %s", status, id),
			}
		}
		contradictsJSON = contradictsNull.String

		var links []string
		if contradictsJSON != "" {
			if err := json.Unmarshal([]byte(contradictsJSON), &links); err != nil {
				links = nil
			}
		}
		if !containsString(links, other) {
			links = append(links, other)
		}
		updated, _ := json.Marshal(links)
		_, err = tx.ExecContext(ctx,
			`UPDATE memories SET status = ?, contradicts = ? WHERE id = ?`,
			string(memory.StatusDisputed), string(updated), id)
		if err != nil {
			return &memory.TransientStoreError{Op: "dispute", Err: err}
		}
	}
	return tx.Commit()
}

// UpdateTierCAS performs an optimistic single-field tier update. It only
// succeeds when the record still has the expected tier, so concurrent
// sweeps and feedback events cannot produce lost updates. A reader never
// observes a half-migrated record: there is exactly one row and one field.
func (s *Store) UpdateTierCAS(ctx context.Context, id string, from, to memory.Tier) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET tier = ? WHERE id = ? AND tier = ?`,
		string(to), id, string(from))
	if err != nil {
		return &memory.TransientStoreError{Op: "update_tier", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return memory.ErrVersionConflict
	}
	return nil
}

// RecordAccess bumps access bookkeeping for the given records. Called off
// the request path after retrieval responses are returned.
func (s *Store) RecordAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := placeholderList(ids)
	args = append([]any{at.UTC().Format(time.RFC3339)}, args...)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return &memory.TransientStoreError{Op: "record_access", Err: err}
	}
	return nil
}

// AdjustImportance applies a feedback delta, clamped to [1,10].
func (s *Store) AdjustImportance(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET importance = MIN(10, MAX(1, importance + ?))
		WHERE id = ?`, delta, id)
	if err != nil {
		return &memory.TransientStoreError{Op: "adjust_importance", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// Ref is a lightweight reference used by the vector sync worker to detect
// un-indexed or stale records.
type Ref struct {
	ID          string
	ContentHash string
	Status      memory.Status
}

// AllRefs returns id, content hash, and status for every record.
func (s *Store) AllRefs(ctx context.Context) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, status FROM memories`)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "all_refs", Err: err}
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var id, content, status string
		if err := rows.Scan(&id, &content, &status); err != nil {
			return nil, err
		}
		refs = append(refs, Ref{
			ID:          id,
			ContentHash: ContentHash(content),
			Status:      memory.Status(status),
		})
	}
	return refs, rows.Err()
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func placeholderList(ids []string) (string, []any) {
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	return string(placeholders), args
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
