package vector

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engram-labs/engram/pkg/memory"
)

// ChromemIndex is an embedded, in-process similarity index built on
// chromem-go. It serves deployments without Postgres and the test suite.
//
// Each team gets its own collection, so a similarity query can never cross
// a team boundary. Agent/user visibility and status are kept in a metadata
// map guarded by the same lock as the collections; Search reads both under
// one lock hold, so it always sees a consistent snapshot.
type ChromemIndex struct {
	mu          sync.RWMutex
	db          *chromem.DB
	collections map[string]*chromem.Collection // team id -> collection
	meta        map[string]chromemMeta         // memory id -> filter metadata
}

type chromemMeta struct {
	scope  memory.Scope
	status memory.Status
	hash   string
}

// NewChromemIndex creates an empty embedded index.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		meta:        make(map[string]chromemMeta),
	}
}

// Close releases resources. chromem keeps everything in memory, so there
// is nothing to tear down.
func (x *ChromemIndex) Close() error { return nil }

func (x *ChromemIndex) collection(teamID string) (*chromem.Collection, error) {
	if col, ok := x.collections[teamID]; ok {
		return col, nil
	}
	col, err := x.db.CreateCollection("team_"+teamID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection for team %s: %w", teamID, err)
	}
	x.collections[teamID] = col
	return col, nil
}

// Upsert indexes one entry. Record content is immutable, so a re-upsert of
// a known id only refreshes the filter metadata.
func (x *ChromemIndex) Upsert(ctx context.Context, e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, known := x.meta[e.MemoryID]; !known {
		col, err := x.collection(e.Scope.TeamID)
		if err != nil {
			return err
		}
		err = col.AddDocument(ctx, chromem.Document{
			ID:        e.MemoryID,
			Content:   e.ContentHash,
			Embedding: e.Embedding,
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", e.MemoryID, err)
		}
	}
	x.meta[e.MemoryID] = chromemMeta{scope: e.Scope, status: e.Status, hash: e.ContentHash}
	return nil
}

// UpsertBatch indexes entries one by one; chromem has no transactions.
func (x *ChromemIndex) UpsertBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := x.Upsert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus mirrors a status change into the filter metadata.
func (x *ChromemIndex) UpdateStatus(_ context.Context, memoryID string, status memory.Status) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.meta[memoryID]
	if !ok {
		return nil // not indexed yet; the sync worker will catch up
	}
	m.status = status
	x.meta[memoryID] = m
	return nil
}

// Search returns the top-K most similar retrievable records in scope.
func (x *ChromemIndex) Search(ctx context.Context, embedding []float32, scope memory.Scope, limit int) ([]Match, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	col, ok := x.collections[scope.TeamID]
	if !ok || col.Count() == 0 {
		return nil, nil
	}

	// Over-fetch so visibility filtering below still fills the limit.
	n := limit * 3
	if n > col.Count() {
		n = col.Count()
	}
	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	var matches []Match
	for _, res := range results {
		m, ok := x.meta[res.ID]
		if !ok || !visible(m, scope) {
			continue
		}
		matches = append(matches, Match{MemoryID: res.ID, Similarity: float64(res.Similarity)})
		if len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

// Indexed returns all indexed ids with content hash and status.
func (x *ChromemIndex) Indexed(_ context.Context) (map[string]IndexedRef, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	indexed := make(map[string]IndexedRef, len(x.meta))
	for id, m := range x.meta {
		indexed[id] = IndexedRef{ContentHash: m.hash, Status: m.status}
	}
	return indexed, nil
}

func visible(m chromemMeta, scope memory.Scope) bool {
	if m.status != memory.StatusActive && m.status != memory.StatusDisputed {
		return false
	}
	if m.scope.AgentID != nil && (scope.AgentID == nil || *m.scope.AgentID != *scope.AgentID) {
		return false
	}
	if m.scope.UserID != nil && (scope.UserID == nil || *m.scope.UserID != *scope.UserID) {
		return false
	}
	return true
}
