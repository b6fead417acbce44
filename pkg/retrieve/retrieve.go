// Package retrieve assembles ranked, token-budgeted memory context.
//
// A retrieval fans out five concurrent scoring signals under one deadline,
// merges them into a weighted rank, and fills the caller's token budget
// with reserved slices first. Signal failures degrade the result instead
// of failing it; the read path performs no record mutation, and access
// bookkeeping happens after the response is returned.
package retrieve

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engram-labs/engram/pkg/embed"
	"github.com/engram-labs/engram/pkg/hotcache"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
	"github.com/engram-labs/engram/pkg/vector"
)

// Signal names, used as keys in Item.Signals and in logs.
const (
	SignalSemantic     = "semantic"
	SignalRecency      = "recency"
	SignalImportance   = "importance"
	SignalContinuity   = "continuity"
	SignalRelationship = "relationship"
)

// recencyLambda gives the exponential decay rate, about a 69 hour half-life.
const recencyLambda = 0.01

// Query is one retrieval request.
type Query struct {
	Text           string
	Scope          memory.Scope
	ConversationID string
	TokenBudget    int
}

// Item is one ranked result.
type Item struct {
	Record  *memory.Record     `json:"record"`
	Score   float64            `json:"score"`
	Signals map[string]float64 `json:"signals,omitempty"`
}

// Result is the assembled retrieval output.
type Result struct {
	Items       []*Item `json:"items"`
	TotalTokens int     `json:"total_tokens"`
	Degraded    bool    `json:"degraded"`
	Warning     string  `json:"warning,omitempty"`
	FromCache   bool    `json:"from_cache"`
}

// Weights is the signal weight vector.
type Weights struct {
	Semantic     float64
	Recency      float64
	Importance   float64
	Continuity   float64
	Relationship float64
}

// DefaultWeights is the tuned production weight vector.
var DefaultWeights = Weights{
	Semantic:     0.35,
	Recency:      0.20,
	Importance:   0.20,
	Continuity:   0.15,
	Relationship: 0.10,
}

// Options configures a Retriever.
type Options struct {
	Weights        Weights
	SignalTimeout  time.Duration // per-signal budget
	OverallTimeout time.Duration // whole fan-out deadline
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Weights:        DefaultWeights,
		SignalTimeout:  150 * time.Millisecond,
		OverallTimeout: 400 * time.Millisecond,
	}
}

// Retriever runs the retrieval pipeline. The cache handle is injected at
// construction and shared across all agents served by the process.
type Retriever struct {
	store    *store.Store
	index    vector.Index
	embedder embed.Service
	cache    *hotcache.Cache
	opts     Options
}

// New creates a Retriever. cache may be nil to disable snapshot caching.
func New(s *store.Store, index vector.Index, embedder embed.Service, cache *hotcache.Cache, opts Options) *Retriever {
	if opts.SignalTimeout <= 0 {
		opts.SignalTimeout = 150 * time.Millisecond
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = 400 * time.Millisecond
	}
	zero := Weights{}
	if opts.Weights == zero {
		opts.Weights = DefaultWeights
	}
	return &Retriever{store: s, index: index, embedder: embedder, cache: cache, opts: opts}
}

// signalHits is one signal's contribution: per-record score plus the
// records themselves so the merger never re-fetches.
type signalHits struct {
	name    string
	scores  map[string]float64
	records map[string]*memory.Record
	dropped bool
}

// Retrieve runs the full pipeline for one query.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.Text == "" {
		return nil, &memory.ValidationError{Field: "query", Reason: "empty"}
	}
	if q.TokenBudget <= 0 {
		return nil, &memory.ValidationError{Field: "token_budget", Reason: "must be > 0"}
	}

	qhash := fmt.Sprintf("%x", md5.Sum([]byte(q.Text)))
	if r.cache != nil {
		if snap, ok := r.cache.Get(q.Scope, qhash); ok {
			// The snapshot holds the ranked candidates, not a finished
			// result: the budget belongs to this call, so allocation runs
			// on every hit.
			selected, total, warning := r.allocate(itemsFromSnapshot(snap), q.TokenBudget)
			res := &Result{
				Items:       selected,
				TotalTokens: total,
				Warning:     warning,
				FromCache:   true,
			}
			r.deferredBookkeeping(q, res, qhash, nil)
			return res, nil
		}
	}

	hits, degraded := r.fanOut(ctx, q)
	items := r.merge(hits)
	selected, total, warning := r.allocate(items, q.TokenBudget)

	res := &Result{
		Items:       selected,
		TotalTokens: total,
		Degraded:    degraded,
		Warning:     warning,
	}
	r.deferredBookkeeping(q, res, qhash, items)
	return res, nil
}

// fanOut runs the five signals concurrently under the overall deadline.
// Each signal gets its own timeout; a timeout or error drops that signal
// only. The relationship signal runs after semantic inside the same
// goroutine, since its seeds are the semantic hits.
func (r *Retriever) fanOut(ctx context.Context, q Query) ([]signalHits, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OverallTimeout)
	defer cancel()

	var mu sync.Mutex
	var results []signalHits
	add := func(h signalHits) {
		mu.Lock()
		results = append(results, h)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sem := r.runSignal(gctx, SignalSemantic, func(sctx context.Context) (signalHits, error) {
			return r.semanticSignal(sctx, q)
		})
		add(sem)
		rel := r.runSignal(gctx, SignalRelationship, func(sctx context.Context) (signalHits, error) {
			return r.relationshipSignal(sctx, q, sem)
		})
		add(rel)
		return nil
	})
	g.Go(func() error {
		add(r.runSignal(gctx, SignalRecency, func(sctx context.Context) (signalHits, error) {
			return r.recencySignal(sctx, q)
		}))
		return nil
	})
	g.Go(func() error {
		add(r.runSignal(gctx, SignalImportance, func(sctx context.Context) (signalHits, error) {
			return r.importanceSignal(sctx, q)
		}))
		return nil
	})
	g.Go(func() error {
		add(r.runSignal(gctx, SignalContinuity, func(sctx context.Context) (signalHits, error) {
			return r.continuitySignal(sctx, q)
		}))
		return nil
	})

	g.Wait()

	degraded := false
	for _, h := range results {
		if h.dropped {
			degraded = true
		}
	}
	return results, degraded
}

// runSignal runs one signal under its per-signal timeout and converts any
// failure into a dropped signal.
func (r *Retriever) runSignal(ctx context.Context, name string, fn func(context.Context) (signalHits, error)) signalHits {
	sctx, cancel := context.WithTimeout(ctx, r.opts.SignalTimeout)
	defer cancel()

	hits, err := fn(sctx)
	if err != nil {
		if sctx.Err() != nil {
			err = fmt.Errorf("%w: %s: %v", memory.ErrSignalTimeout, name, err)
		}
		slog.Warn("retrieval signal dropped", "signal", name, "error", err)
		return signalHits{name: name, dropped: true}
	}
	hits.name = name
	return hits
}

func (r *Retriever) semanticSignal(ctx context.Context, q Query) (signalHits, error) {
	vec, err := r.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return signalHits{}, err
	}
	matches, err := r.index.Search(ctx, vec, q.Scope, 50)
	if err != nil {
		return signalHits{}, err
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.MemoryID
	}
	records, err := r.store.FetchByIDs(ctx, ids)
	if err != nil {
		return signalHits{}, err
	}

	hits := newHits()
	byID := make(map[string]float64, len(matches))
	for _, m := range matches {
		byID[m.MemoryID] = m.Similarity
	}
	for _, rec := range records {
		hits.set(rec, clamp01(byID[rec.ID]))
	}
	return hits, nil
}

func (r *Retriever) recencySignal(ctx context.Context, q Query) (signalHits, error) {
	records, err := r.store.QueryByRecency(ctx, q.Scope, 30)
	if err != nil {
		return signalHits{}, err
	}
	now := time.Now().UTC()
	hits := newHits()
	for _, rec := range records {
		hits.set(rec, recencyScore(rec, now))
	}
	return hits, nil
}

func recencyScore(rec *memory.Record, now time.Time) float64 {
	at := rec.LastAccessedAt
	if at.IsZero() {
		at = rec.CreatedAt
	}
	hours := now.Sub(at).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-recencyLambda * hours)
}

func (r *Retriever) importanceSignal(ctx context.Context, q Query) (signalHits, error) {
	records, err := r.store.QueryByImportance(ctx, q.Scope, 30)
	if err != nil {
		return signalHits{}, err
	}
	hits := newHits()
	for _, rec := range records {
		score := float64(rec.Importance) / 10
		if rec.Pinned || rec.Type == memory.TypeIdentity {
			score = 1.0
		}
		hits.set(rec, score)
	}
	return hits, nil
}

func (r *Retriever) continuitySignal(ctx context.Context, q Query) (signalHits, error) {
	if q.ConversationID == "" {
		return newHits(), nil
	}
	records, err := r.store.QueryByContinuity(ctx, q.Scope, q.ConversationID, 20)
	if err != nil {
		return signalHits{}, err
	}
	hits := newHits()
	for _, rec := range records {
		hits.set(rec, 1.0)
	}
	return hits, nil
}

// relationshipSignal scores records one hop away from the semantic hits.
// A record reachable through several relations gets the maximum bonus,
// never a sum, so composition is deterministic.
func (r *Retriever) relationshipSignal(ctx context.Context, q Query, sem signalHits) (signalHits, error) {
	if sem.dropped || len(sem.records) == 0 {
		return newHits(), nil
	}
	seeds := make([]*memory.Record, 0, len(sem.records))
	for _, rec := range sem.records {
		seeds = append(seeds, rec)
	}
	records, err := r.store.QueryByRelationship(ctx, q.Scope, seeds, 20)
	if err != nil {
		return signalHits{}, err
	}
	hits := newHits()
	for _, rec := range records {
		hits.set(rec, math.Max(hits.scores[rec.ID], 1.0))
	}
	return hits, nil
}

func newHits() signalHits {
	return signalHits{
		scores:  make(map[string]float64),
		records: make(map[string]*memory.Record),
	}
}

func (h *signalHits) set(rec *memory.Record, score float64) {
	h.records[rec.ID] = rec
	if score > h.scores[rec.ID] {
		h.scores[rec.ID] = score
	}
}

// merge unions the signal hits into weighted, floored, sorted items.
func (r *Retriever) merge(hits []signalHits) []*Item {
	w := r.opts.Weights
	weightOf := map[string]float64{
		SignalSemantic:     w.Semantic,
		SignalRecency:      w.Recency,
		SignalImportance:   w.Importance,
		SignalContinuity:   w.Continuity,
		SignalRelationship: w.Relationship,
	}

	records := make(map[string]*memory.Record)
	signals := make(map[string]map[string]float64)
	for _, h := range hits {
		if h.dropped {
			continue
		}
		for id, rec := range h.records {
			records[id] = rec
			if signals[id] == nil {
				signals[id] = make(map[string]float64)
			}
			signals[id][h.name] = h.scores[id]
		}
	}

	items := make([]*Item, 0, len(records))
	for id, rec := range records {
		var score float64
		for name, s := range signals[id] {
			score += weightOf[name] * s
		}
		switch {
		case rec.Type == memory.TypeIdentity:
			score = 1.0
		case rec.Pinned:
			score = math.Max(score, 0.95)
		}
		if rec.Status == memory.StatusDisputed {
			score *= 0.5
		}
		items = append(items, &Item{Record: rec, Score: score, Signals: signals[id]})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ta, tb := effectiveTime(a.Record), effectiveTime(b.Record)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.Record.ID < b.Record.ID
	})
	return items
}

func effectiveTime(rec *memory.Record) time.Time {
	if !rec.LastAccessedAt.IsZero() {
		return rec.LastAccessedAt
	}
	return rec.CreatedAt
}

// allocate fills the token budget. Reserved classes go first in priority
// order: identity is never cut, then pinned, then user profile. Reserved
// content exceeding the budget is included anyway with a warning. The rest
// is added greedily by rank until the budget is exhausted.
func (r *Retriever) allocate(items []*Item, budget int) ([]*Item, int, string) {
	var selected []*Item
	total := 0
	taken := make(map[string]bool)

	reserved := func(keep func(*memory.Record) bool) {
		for _, it := range items {
			if taken[it.Record.ID] || !keep(it.Record) {
				continue
			}
			taken[it.Record.ID] = true
			selected = append(selected, it)
			total += memory.EstimateTokens(it.Record.Content)
		}
	}
	reserved(func(rec *memory.Record) bool { return rec.Type == memory.TypeIdentity })
	reserved(func(rec *memory.Record) bool { return rec.Pinned })
	reserved(func(rec *memory.Record) bool { return rec.Type == memory.TypeUserProfile })

	warning := ""
	if total > budget {
		warning = fmt.Sprintf("reserved content (%d tokens) exceeds budget (%d)", total, budget)
		slog.Warn("retrieval budget overrun by reserved content",
			"reserved_tokens", total, "budget", budget)
	}

	for _, it := range items {
		if taken[it.Record.ID] {
			continue
		}
		cost := memory.EstimateTokens(it.Record.Content)
		if total+cost > budget {
			continue
		}
		taken[it.Record.ID] = true
		selected = append(selected, it)
		total += cost
	}

	// Reserved items jumped the queue; restore rank order for the caller.
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Score > selected[j].Score
	})
	return selected, total, warning
}

// deferredBookkeeping bumps access counters on the returned items and
// refreshes the cache with the full candidate ranking, after the response
// is returned and detached from the request context. A degraded ranking is
// never cached: a snapshot must come from a complete fan-out, or a partial
// result would be served as authoritative for the whole TTL.
func (r *Retriever) deferredBookkeeping(q Query, res *Result, qhash string, candidates []*Item) {
	ids := make([]string, len(res.Items))
	for i, it := range res.Items {
		ids[i] = it.Record.ID
	}

	populate := r.cache != nil && !res.Degraded && len(candidates) > 0
	var records []*memory.Record
	var scores []float64
	tokens := 0
	if populate {
		records = make([]*memory.Record, len(candidates))
		scores = make([]float64, len(candidates))
		for i, it := range candidates {
			records[i] = it.Record
			scores[i] = it.Score
			tokens += memory.EstimateTokens(it.Record.Content)
		}
	}
	if len(ids) == 0 && !populate {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if len(ids) > 0 {
			if err := r.store.RecordAccess(ctx, ids, time.Now().UTC()); err != nil {
				slog.Warn("access bookkeeping failed", "error", err)
			}
		}
		if populate {
			r.cache.Put(q.Scope, qhash, records, scores, tokens)
		}
	}()
}

// itemsFromSnapshot rebuilds the ranked candidate list from a cached
// snapshot. Per-signal breakdowns are not cached; only the merged score
// survives a hit.
func itemsFromSnapshot(snap *hotcache.Snapshot) []*Item {
	items := make([]*Item, len(snap.Records))
	for i, rec := range snap.Records {
		var score float64
		if i < len(snap.Scores) {
			score = snap.Scores[i]
		}
		items[i] = &Item{Record: rec, Score: score}
	}
	return items
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
