package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/engram-labs/engram/pkg/memory"
)

// PGIndex is a pgvector-backed similarity index.
type PGIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPGIndex connects to Postgres and verifies the connection.
func NewPGIndex(ctx context.Context, pgURL string, dimensions int) (*PGIndex, error) {
	if dimensions <= 0 {
		dimensions = 768
	}
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGIndex{pool: pool, dimensions: dimensions}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (x *PGIndex) Init(ctx context.Context) error {
	if _, err := x.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := x.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_vectors (
			memory_id    TEXT PRIMARY KEY,
			embedding    vector(%d) NOT NULL,
			content_hash TEXT NOT NULL,
			team_id      TEXT NOT NULL,
			agent_id     TEXT,
			user_id      TEXT,
			status       TEXT NOT NULL,
			indexed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, x.dimensions))
	if err != nil {
		return fmt.Errorf("create memory_vectors table: %w", err)
	}

	_, err = x.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memory_vectors_hnsw
		ON memory_vectors
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	_, err = x.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memory_vectors_scope
		ON memory_vectors (team_id, status)
	`)
	if err != nil {
		return fmt.Errorf("create scope index: %w", err)
	}

	slog.Info("vector index initialized", "backend", "pgvector", "dimensions", x.dimensions)
	return nil
}

// Close closes the connection pool.
func (x *PGIndex) Close() error {
	x.pool.Close()
	return nil
}

const upsertSQL = `
	INSERT INTO memory_vectors (memory_id, embedding, content_hash, team_id, agent_id, user_id, status, indexed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	ON CONFLICT (memory_id) DO UPDATE
	SET embedding = EXCLUDED.embedding,
		content_hash = EXCLUDED.content_hash,
		status = EXCLUDED.status,
		indexed_at = now()`

// Upsert stores or refreshes one entry.
func (x *PGIndex) Upsert(ctx context.Context, e Entry) error {
	vec := pgvector.NewVector(e.Embedding)
	_, err := x.pool.Exec(ctx, upsertSQL,
		e.MemoryID, vec, e.ContentHash,
		e.Scope.TeamID, e.Scope.AgentID, e.Scope.UserID, string(e.Status))
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", e.MemoryID, err)
	}
	return nil
}

// UpsertBatch stores entries in a single transaction.
func (x *PGIndex) UpsertBatch(ctx context.Context, entries []Entry) error {
	tx, err := x.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		vec := pgvector.NewVector(e.Embedding)
		_, err := tx.Exec(ctx, upsertSQL,
			e.MemoryID, vec, e.ContentHash,
			e.Scope.TeamID, e.Scope.AgentID, e.Scope.UserID, string(e.Status))
		if err != nil {
			return fmt.Errorf("upsert vector %s: %w", e.MemoryID, err)
		}
	}
	return tx.Commit(ctx)
}

// UpdateStatus mirrors a status change so the similarity query keeps
// filtering correctly.
func (x *PGIndex) UpdateStatus(ctx context.Context, memoryID string, status memory.Status) error {
	_, err := x.pool.Exec(ctx,
		`UPDATE memory_vectors SET status = $1 WHERE memory_id = $2`,
		string(status), memoryID)
	if err != nil {
		return fmt.Errorf("update vector status %s: %w", memoryID, err)
	}
	return nil
}

// Search returns the top-K most similar retrievable records in scope.
// Scope and status conditions live in the same statement as the distance
// ordering; the index never returns a row the caller's scope cannot see.
func (x *PGIndex) Search(ctx context.Context, embedding []float32, scope memory.Scope, limit int) ([]Match, error) {
	vec := pgvector.NewVector(embedding)
	conds := []string{"team_id = $2", "status IN ('active', 'disputed')"}
	args := []any{vec, scope.TeamID}

	if scope.AgentID != nil {
		args = append(args, *scope.AgentID)
		conds = append(conds, fmt.Sprintf("(agent_id IS NULL OR agent_id = $%d)", len(args)))
	} else {
		conds = append(conds, "agent_id IS NULL")
	}
	if scope.UserID != nil {
		args = append(args, *scope.UserID)
		conds = append(conds, fmt.Sprintf("(user_id IS NULL OR user_id = $%d)", len(args)))
	} else {
		conds = append(conds, "user_id IS NULL")
	}
	args = append(args, limit)

	rows, err := x.pool.Query(ctx, fmt.Sprintf(`
		SELECT memory_id, 1 - (embedding <=> $1) AS similarity
		FROM memory_vectors
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, strings.Join(conds, " AND "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.MemoryID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Indexed returns all indexed ids with content hash and status.
func (x *PGIndex) Indexed(ctx context.Context) (map[string]IndexedRef, error) {
	rows, err := x.pool.Query(ctx, "SELECT memory_id, content_hash, status FROM memory_vectors")
	if err != nil {
		return nil, fmt.Errorf("list indexed: %w", err)
	}
	defer rows.Close()

	indexed := make(map[string]IndexedRef)
	for rows.Next() {
		var id, hash, status string
		if err := rows.Scan(&id, &hash, &status); err != nil {
			return nil, fmt.Errorf("scan indexed: %w", err)
		}
		indexed[id] = IndexedRef{ContentHash: hash, Status: memory.Status(status)}
	}
	return indexed, rows.Err()
}
