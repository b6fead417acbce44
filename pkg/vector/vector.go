// Package vector provides the similarity index backing the semantic
// retrieval signal.
//
// The authoritative record data lives in the SQLite store; this package
// only maps record ids to embeddings plus the scope/status columns needed
// to filter inside the similarity query itself. Two implementations exist:
// a pgvector-backed index for production and an embedded chromem-go index
// used when no Postgres is configured (and by tests). A background sync
// worker keeps the index consistent with the store.
package vector

import (
	"context"
	"math"

	"github.com/engram-labs/engram/pkg/memory"
)

// Match is a single similarity hit.
type Match struct {
	MemoryID   string
	Similarity float64 // cosine similarity, higher is closer
}

// Entry is what gets indexed for one record.
type Entry struct {
	MemoryID    string
	Embedding   []float32
	ContentHash string
	Scope       memory.Scope
	Status      memory.Status
}

// IndexedRef describes an already-indexed record, for sync staleness checks.
type IndexedRef struct {
	ContentHash string
	Status      memory.Status
}

// Index is the similarity index contract. Search applies scope and status
// filtering as part of the similarity query, never as a post-filter over an
// unfiltered result set, so tenant isolation holds under concurrency.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	UpsertBatch(ctx context.Context, entries []Entry) error
	UpdateStatus(ctx context.Context, memoryID string, status memory.Status) error
	Search(ctx context.Context, embedding []float32, scope memory.Scope, limit int) ([]Match, error)
	Indexed(ctx context.Context) (map[string]IndexedRef, error)
	Close() error
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty or zero-length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
