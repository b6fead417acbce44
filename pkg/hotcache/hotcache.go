// Package hotcache holds hot-tier retrieval snapshots in memory.
//
// The cache sits in front of the retrieval pipeline: a hit serves the
// ranked candidates for a (team, agent, user) scope and query without
// touching SQLite or the vector index; token-budget allocation still runs
// per request. Entries are immutable; writes that touch a scope invalidate
// its snapshots rather than patching them in place.
package hotcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/engram-labs/engram/pkg/memory"
)

// Snapshot is one cached candidate ranking. Scores is parallel to Records;
// Tokens is the estimated token total across Records and doubles as the
// cache cost.
type Snapshot struct {
	Records []*memory.Record
	Scores  []float64
	Tokens  int
	BuiltAt time.Time
}

// Cache is a ristretto-backed snapshot cache keyed by scope and query hash.
type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	// ristretto has no prefix deletion, so team-wide invalidation walks a
	// side index of live keys per team.
	mu   sync.Mutex
	keys map[string]map[string]struct{} // team id -> key set
}

// New creates a Cache. maxCost is the budget in estimated tokens across all
// cached snapshots; ttl bounds staleness when an invalidation is missed.
func New(maxCost int64, ttl time.Duration) (*Cache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	return &Cache{
		cache: rc,
		ttl:   ttl,
		keys:  make(map[string]map[string]struct{}),
	}, nil
}

// Close releases the cache.
func (c *Cache) Close() {
	c.cache.Close()
}

func key(scope memory.Scope, queryHash string) string {
	agent, user := "-", "-"
	if scope.AgentID != nil {
		agent = *scope.AgentID
	}
	if scope.UserID != nil {
		user = *scope.UserID
	}
	return scope.TeamID + "|" + agent + "|" + user + "|" + queryHash
}

// Get returns the snapshot for a scope and query, if cached. Returned
// records are clones; callers may mutate them freely.
func (c *Cache) Get(scope memory.Scope, queryHash string) (*Snapshot, bool) {
	v, ok := c.cache.Get(key(scope, queryHash))
	if !ok {
		return nil, false
	}
	snap, ok := v.(*Snapshot)
	if !ok {
		return nil, false
	}
	out := &Snapshot{
		Records: make([]*memory.Record, len(snap.Records)),
		Scores:  append([]float64(nil), snap.Scores...),
		Tokens:  snap.Tokens,
		BuiltAt: snap.BuiltAt,
	}
	for i, r := range snap.Records {
		out.Records[i] = r.Clone()
	}
	return out, true
}

// Put stores a candidate ranking for a scope and query. Records are cloned
// on the way in so later caller mutations cannot reach the cached copy.
func (c *Cache) Put(scope memory.Scope, queryHash string, records []*memory.Record, scores []float64, tokens int) {
	snap := &Snapshot{
		Records: make([]*memory.Record, len(records)),
		Scores:  append([]float64(nil), scores...),
		Tokens:  tokens,
		BuiltAt: time.Now().UTC(),
	}
	for i, r := range records {
		snap.Records[i] = r.Clone()
	}

	k := key(scope, queryHash)
	cost := int64(tokens)
	if cost <= 0 {
		cost = 1
	}
	if c.cache.SetWithTTL(k, snap, cost, c.ttl) {
		c.mu.Lock()
		set, ok := c.keys[scope.TeamID]
		if !ok {
			set = make(map[string]struct{})
			c.keys[scope.TeamID] = set
		}
		set[k] = struct{}{}
		c.mu.Unlock()
	}
}

// InvalidateTeam drops every snapshot for a team. Called after any write
// that changes what the team's agents could retrieve.
func (c *Cache) InvalidateTeam(teamID string) {
	c.mu.Lock()
	set := c.keys[teamID]
	delete(c.keys, teamID)
	c.mu.Unlock()

	for k := range set {
		c.cache.Del(k)
	}
}

// Wait blocks until pending Set operations are applied. Tests use this to
// make cache contents deterministic.
func (c *Cache) Wait() {
	c.cache.Wait()
}
