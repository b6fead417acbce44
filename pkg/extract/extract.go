// Package extract turns conversation segments into durable memory records.
//
// Extraction runs two sequential LLM passes over the same segment: a full
// pass, then an omissions pass that sees the first pass's output. Survivors
// are deduplicated against each other and the store, routed through the
// contradiction detector, and persisted with full provenance.
//
// The compaction shield is the package's governing invariant: a segment is
// marked trimmable only after every surviving fact is durably persisted.
// On bounded-retry exhaustion the segment stays untrimmed. Fail-closed,
// never fail-open, with respect to data loss.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engram-labs/engram/internal/llm"
	"github.com/engram-labs/engram/pkg/contradict"
	"github.com/engram-labs/engram/pkg/embed"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
	"github.com/engram-labs/engram/pkg/vector"
)

const (
	// duplicateThreshold is the cosine similarity above which two facts are
	// the same fact.
	duplicateThreshold = 0.95
	// persistRetries bounds attempts to persist one fact before the
	// compaction shield fails closed.
	persistRetries = 3
	// discardBelow drops facts the rubric scores as noise.
	discardBelow = 3
)

// SegmentMessage is one message inside a conversation segment.
type SegmentMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Segment is a slice of conversation handed over for extraction before the
// upstream buffer trims it.
type Segment struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Messages       []SegmentMessage `json:"messages"`
}

// Result reports what one extraction produced.
type Result struct {
	Created    []*memory.Record     // persisted records, any verdict
	Verdicts   []*contradict.Verdict
	Duplicates int  // facts dropped as already known
	Discarded  int  // facts below the importance floor
	Trimmable  bool // segment may be discarded upstream
}

// Extractor runs the two-pass extraction pipeline.
type Extractor struct {
	router   *llm.Router
	embedder embed.Service
	index    vector.Index
	detector *contradict.Detector
}

// New creates an Extractor.
func New(router *llm.Router, embedder embed.Service, index vector.Index, detector *contradict.Detector) *Extractor {
	return &Extractor{router: router, embedder: embedder, index: index, detector: detector}
}

// fact is the wire shape both passes return. pass records which pass
// produced it and ends up in the stored provenance.
type fact struct {
	Content    string   `json:"content"`
	Subject    string   `json:"subject"`
	Type       string   `json:"type"`
	Importance int      `json:"importance"`
	MessageIDs []string `json:"message_ids,omitempty"`

	pass string
}

const rubric = `Score each fact's importance on this fixed rubric:
10 = the user explicitly asked to remember it
 9 = identity or self-knowledge of the agent
 8 = durable user preference or profile fact
 7 = a decision, commitment, or correction
 6 = a recurring pattern of behavior
 5 = a project or domain fact likely to matter later
 4 = a situational detail with short-term value
 3 = a casual mention
Do not emit anything that would score below 3.`

const passOneSystem = `You extract durable memories from a conversation segment.
Return ONLY a JSON array. Each element:
{"content": "...", "subject": "dot.path.key", "type": "semantic|episodic|procedural|user_profile|identity|shared|agent_private", "importance": 1-10, "message_ids": ["..."]}
"subject" is a normalized dot-path key naming what the fact is about
(e.g. "user.preference.language"). "message_ids" lists the source messages.
` + rubric

const passTwoSystem = `You review a conversation segment against facts already
extracted from it, and return ONLY a JSON array (same element shape) of facts
that were MISSED. Return [] when nothing was missed.
` + rubric

// Extract runs both passes over the segment and persists the survivors.
// The returned Result's Trimmable field implements the compaction shield:
// it is true only when every surviving fact is durably persisted.
func (e *Extractor) Extract(ctx context.Context, scope memory.Scope, seg Segment) (*Result, error) {
	if len(seg.Messages) == 0 {
		return &Result{Trimmable: true}, nil
	}

	transcript := renderTranscript(seg)

	passOne, err := e.runPass(ctx, "pass1", passOneSystem, transcript)
	if err != nil {
		return &Result{Trimmable: false}, fmt.Errorf("extraction pass 1: %w", err)
	}

	passTwo, err := e.runPass(ctx, "pass2", passTwoSystem, transcript+"\n\nAlready extracted:\n"+renderFacts(passOne))
	if err != nil {
		// Pass 1 output alone is still worth persisting; the shield keeps
		// the segment untrimmed so a later retry can recover omissions.
		slog.Warn("extraction pass 2 failed, persisting pass 1 only",
			"segment_id", seg.ID, "error", err)
		res, perr := e.persist(ctx, scope, seg, passOne)
		if perr != nil {
			return res, perr
		}
		res.Trimmable = false
		return res, nil
	}

	return e.persist(ctx, scope, seg, mergeFacts(passOne, passTwo))
}

func (e *Extractor) runPass(ctx context.Context, name, system, input string) ([]fact, error) {
	resp, err := e.router.Complete(ctx, llm.TierDeep, llm.CompletionRequest{
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: input}},
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, err
	}
	facts, err := parseFacts(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse pass output: %w", err)
	}
	for i := range facts {
		facts[i].pass = name
	}
	return facts, nil
}

// persist deduplicates facts against the store and routes each survivor
// through the contradiction detector, retrying transient failures.
func (e *Extractor) persist(ctx context.Context, scope memory.Scope, seg Segment, facts []fact) (*Result, error) {
	res := &Result{}

	for _, f := range facts {
		if f.Importance < discardBelow {
			res.Discarded++
			continue
		}
		rec, err := e.toRecord(ctx, scope, seg, f)
		if err != nil {
			slog.Warn("discarding malformed fact", "segment_id", seg.ID, "error", err)
			res.Discarded++
			continue
		}

		dup, err := e.isDuplicate(ctx, rec)
		if err == nil && dup {
			slog.Info("duplicate fact, no-op",
				"segment_id", seg.ID, "subject", rec.Subject)
			res.Duplicates++
			continue
		}

		verdict, err := e.persistOne(ctx, rec)
		if err != nil {
			// Shield: one unpersisted fact keeps the whole segment.
			slog.Error("fact persistence exhausted retries, segment stays untrimmed",
				"segment_id", seg.ID, "subject", rec.Subject, "error", err)
			res.Trimmable = false
			return res, fmt.Errorf("persist fact %q: %w", rec.Subject, err)
		}

		res.Created = append(res.Created, rec)
		res.Verdicts = append(res.Verdicts, verdict)

		if rec.Embedding != nil {
			if err := e.index.Upsert(ctx, vector.Entry{
				MemoryID:    rec.ID,
				Embedding:   rec.Embedding,
				ContentHash: store.ContentHash(rec.Content),
				Scope:       rec.Scope,
				Status:      rec.Status,
			}); err != nil {
				// The sync worker reconciles the index on its next cycle.
				slog.Warn("inline index upsert failed", "memory_id", rec.ID, "error", err)
			}
		}
	}

	res.Trimmable = true
	return res, nil
}

func (e *Extractor) persistOne(ctx context.Context, rec *memory.Record) (*contradict.Verdict, error) {
	var lastErr error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		verdict, err := e.detector.Resolve(ctx, rec)
		if err == nil {
			return verdict, nil
		}
		lastErr = err
		slog.Warn("persist attempt failed",
			"memory_id", rec.ID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (e *Extractor) toRecord(ctx context.Context, scope memory.Scope, seg Segment, f fact) (*memory.Record, error) {
	typ := memory.Type(f.Type)
	if !typ.Valid() {
		typ = memory.TypeSemantic
	}
	if f.Importance > 10 {
		f.Importance = 10
	}

	rec := memory.New(scope, typ, f.Content, f.Subject, f.Importance)
	rec.Provenance = memory.Provenance{
		SegmentID:  seg.ID,
		MessageIDs: f.MessageIDs,
		Pass:       f.pass,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	vec, err := e.embedder.EmbedDocument(ctx, f.Content)
	if err == nil {
		rec.Embedding = vec
	}
	return rec, nil
}

// isDuplicate checks the candidate against the similarity index. Embedder
// or index trouble means the check is skipped, not that the fact is lost.
func (e *Extractor) isDuplicate(ctx context.Context, rec *memory.Record) (bool, error) {
	if rec.Embedding == nil {
		return false, memory.ErrEmbeddingUnavailable
	}
	matches, err := e.index.Search(ctx, rec.Embedding, rec.Scope, 5)
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		if m.Similarity > duplicateThreshold {
			return true, nil
		}
	}
	return false, nil
}

// mergeFacts unions the two passes, dropping near-identical repeats on
// exact subject+content equality. Cross-pass semantic duplicates fall to
// the store-level check.
func mergeFacts(a, b []fact) []fact {
	seen := make(map[string]struct{}, len(a))
	merged := make([]fact, 0, len(a)+len(b))
	for _, f := range append(append([]fact{}, a...), b...) {
		key := f.Subject + "\x00" + strings.ToLower(strings.TrimSpace(f.Content))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, f)
	}
	return merged
}

func renderTranscript(seg Segment) string {
	var sb strings.Builder
	for _, m := range seg.Messages {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.ID, m.Role, m.Content)
	}
	return sb.String()
}

func renderFacts(facts []fact) string {
	b, err := json.Marshal(facts)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// parseFacts pulls the JSON array out of a model response, tolerating prose
// around it.
func parseFacts(content string) ([]fact, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var facts []fact
	if err := json.Unmarshal([]byte(content[start:end+1]), &facts); err != nil {
		return nil, err
	}
	return facts, nil
}
