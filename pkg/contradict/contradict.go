// Package contradict resolves conflicts between a new memory and existing
// records about the same subject.
//
// Resolution has three outcomes. An explicit correction signal in the new
// content supersedes the old record and bumps the version. Opposed content
// without a correction signal marks both records disputed with reciprocal
// contradiction links; both stay retrievable, score-penalized. Anything
// else coexists as an independent record. Every verdict is written to the
// audit log before Resolve returns.
package contradict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engram-labs/engram/internal/llm"
	"github.com/engram-labs/engram/pkg/audit"
	"github.com/engram-labs/engram/pkg/embed"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
	"github.com/engram-labs/engram/pkg/vector"
)

// Outcome is the verdict of a contradiction check.
type Outcome string

const (
	OutcomeSupersede Outcome = "supersede"
	OutcomeDispute   Outcome = "dispute"
	OutcomeCoexist   Outcome = "coexist"
)

// similarityFloor is the minimum cosine similarity for two same-subject
// records to be considered statements about the same fact.
const similarityFloor = 0.7

// Verdict describes how a candidate was resolved against the store.
type Verdict struct {
	Outcome Outcome
	// Against is the existing record the candidate conflicted with.
	// Nil for coexist.
	Against *memory.Record
}

// Detector resolves candidate records against existing same-subject records.
type Detector struct {
	store    *store.Store
	log      *audit.Log
	embedder embed.Service
	router   *llm.Router // nil disables the LLM polarity judge
}

// New creates a Detector. router may be nil; polarity judgment then falls
// back to the negation heuristic.
func New(s *store.Store, log *audit.Log, embedder embed.Service, router *llm.Router) *Detector {
	return &Detector{store: s, log: log, embedder: embedder, router: router}
}

// Resolve inserts the candidate and settles any conflict with existing
// same-subject records in its scope. The candidate must be validated and
// unembedded candidates are embedded here; embedding failure degrades the
// opposition test to the heuristic path rather than failing the insert.
func (d *Detector) Resolve(ctx context.Context, candidate *memory.Record) (*Verdict, error) {
	existing, err := d.store.QueryBySubject(ctx, candidate.Scope, candidate.Subject)
	if err != nil {
		return nil, fmt.Errorf("query subject %q: %w", candidate.Subject, err)
	}

	outcome, against, err := d.Check(ctx, candidate, existing)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case OutcomeSupersede:
		return d.applySupersede(ctx, candidate, against)
	case OutcomeDispute:
		return d.applyDispute(ctx, candidate, against)
	default:
		return d.applyCoexist(ctx, candidate)
	}
}

// Check decides the outcome without mutating anything. Deterministic for
// identical inputs. When several existing records conflict, the most
// recently created one wins the comparison.
func (d *Detector) Check(ctx context.Context, candidate *memory.Record, existing []*memory.Record) (Outcome, *memory.Record, error) {
	if candidate.Subject == "" || len(existing) == 0 {
		return OutcomeCoexist, nil, nil
	}

	correction := CorrectionSignal(candidate.Content)
	target := newest(existing)

	if correction {
		return OutcomeSupersede, target, nil
	}
	if d.opposed(ctx, candidate, target) {
		return OutcomeDispute, target, nil
	}
	return OutcomeCoexist, nil, nil
}

func newest(records []*memory.Record) *memory.Record {
	best := records[0]
	for _, r := range records[1:] {
		if r.CreatedAt.After(best.CreatedAt) ||
			(r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best = r
		}
	}
	return best
}

// opposed reports whether two same-subject records state conflicting facts:
// similar enough to be about the same thing, with opposite polarity.
func (d *Detector) opposed(ctx context.Context, candidate, existing *memory.Record) bool {
	if !d.similar(ctx, candidate, existing) {
		return false
	}
	if d.router != nil && d.router.Available(llm.TierFast) {
		if verdict, err := d.judgePolarity(ctx, candidate.Content, existing.Content); err == nil {
			return verdict
		} else {
			slog.Warn("polarity judge failed, using heuristic", "error", err)
		}
	}
	return negationMismatch(candidate.Content, existing.Content)
}

func (d *Detector) similar(ctx context.Context, a, b *memory.Record) bool {
	va, vb := a.Embedding, b.Embedding
	if va == nil {
		if vec, err := d.embedder.EmbedDocument(ctx, a.Content); err == nil {
			va = vec
			a.Embedding = vec
		}
	}
	if vb == nil {
		if vec, err := d.embedder.EmbedDocument(ctx, b.Content); err == nil {
			vb = vec
		}
	}
	if va == nil || vb == nil {
		// Embedder down. Same subject already matched, so treat the pair
		// as comparable rather than silently missing a conflict.
		return true
	}
	return vector.Cosine(va, vb) > similarityFloor
}

const polarityPrompt = `You compare two statements about the same subject.
Answer with exactly one word: OPPOSED if they assert conflicting facts,
COMPATIBLE if both can be true at once.`

func (d *Detector) judgePolarity(ctx context.Context, a, b string) (bool, error) {
	resp, err := d.router.Complete(ctx, llm.TierFast, llm.CompletionRequest{
		System: polarityPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: "Statement A: " + a + "\nStatement B: " + b},
		},
		MaxTokens: 8,
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Content))
	switch {
	case strings.HasPrefix(answer, "OPPOSED"):
		return true, nil
	case strings.HasPrefix(answer, "COMPATIBLE"):
		return false, nil
	}
	return false, fmt.Errorf("unparseable polarity answer %q", resp.Content)
}

func (d *Detector) applySupersede(ctx context.Context, candidate, old *memory.Record) (*Verdict, error) {
	candidate.Version = old.Version + 1

	if err := d.store.Insert(ctx, candidate); err != nil {
		return nil, err
	}
	// A disputed record has no direct path to superseded; the correction
	// settles the dispute first.
	if old.Status == memory.StatusDisputed {
		if err := d.store.UpdateStatus(ctx, old.ID, memory.StatusActive); err != nil {
			return nil, err
		}
	}
	if err := d.store.Supersede(ctx, old.ID, candidate.ID); err != nil {
		return nil, err
	}

	before := audit.Snapshot(old)
	updated, err := d.store.Get(ctx, old.ID)
	if err != nil {
		return nil, err
	}

	if err := d.log.Append(ctx, &audit.Entry{
		MemoryID: candidate.ID,
		Action:   audit.ActionCreated,
		After:    audit.Snapshot(candidate),
		Reason:   "supersedes " + old.ID,
	}); err != nil {
		return nil, err
	}
	if err := d.log.Append(ctx, &audit.Entry{
		MemoryID: old.ID,
		Action:   audit.ActionSuperseded,
		Before:   before,
		After:    audit.Snapshot(updated),
		Reason:   "superseded by " + candidate.ID,
	}); err != nil {
		return nil, err
	}

	slog.Info("memory superseded",
		"old_id", old.ID, "new_id", candidate.ID,
		"subject", candidate.Subject, "version", candidate.Version)
	return &Verdict{Outcome: OutcomeSupersede, Against: updated}, nil
}

func (d *Detector) applyDispute(ctx context.Context, candidate, other *memory.Record) (*Verdict, error) {
	if err := d.store.Insert(ctx, candidate); err != nil {
		return nil, err
	}

	beforeOther := audit.Snapshot(other)
	beforeCandidate := audit.Snapshot(candidate)
	if err := d.store.Dispute(ctx, other.ID, candidate.ID); err != nil {
		return nil, err
	}

	updatedOther, err := d.store.Get(ctx, other.ID)
	if err != nil {
		return nil, err
	}
	updatedCandidate, err := d.store.Get(ctx, candidate.ID)
	if err != nil {
		return nil, err
	}

	if err := d.log.Append(ctx, &audit.Entry{
		MemoryID: candidate.ID,
		Action:   audit.ActionCreated,
		After:    beforeCandidate,
		Reason:   "extracted",
	}); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		id      string
		before  []byte
		updated *memory.Record
		otherID string
	}{
		{candidate.ID, beforeCandidate, updatedCandidate, other.ID},
		{other.ID, beforeOther, updatedOther, candidate.ID},
	} {
		if err := d.log.Append(ctx, &audit.Entry{
			MemoryID: pair.id,
			Action:   audit.ActionDisputed,
			Before:   pair.before,
			After:    audit.Snapshot(pair.updated),
			Reason:   "disputes " + pair.otherID,
		}); err != nil {
			return nil, err
		}
	}

	slog.Info("memories disputed",
		"candidate_id", candidate.ID, "existing_id", other.ID,
		"subject", candidate.Subject)
	return &Verdict{Outcome: OutcomeDispute, Against: updatedOther}, nil
}

func (d *Detector) applyCoexist(ctx context.Context, candidate *memory.Record) (*Verdict, error) {
	if err := d.store.Insert(ctx, candidate); err != nil {
		return nil, err
	}
	if err := d.log.Append(ctx, &audit.Entry{
		MemoryID: candidate.ID,
		Action:   audit.ActionCreated,
		After:    audit.Snapshot(candidate),
		Reason:   "extracted",
	}); err != nil {
		return nil, err
	}
	return &Verdict{Outcome: OutcomeCoexist}, nil
}

// correctionMarkers are phrasings that signal an explicit user correction.
var correctionMarkers = []string{
	"changed my mind",
	"change of plans",
	"i changed",
	"actually,",
	"actually ",
	"correction:",
	"not anymore",
	"no longer",
	"instead of",
	"update:",
	"scratch that",
	"i was wrong",
}

// CorrectionSignal reports whether the text carries an explicit correction
// marker. Purely lexical and deterministic.
func CorrectionSignal(text string) bool {
	t := strings.ToLower(text)
	for _, marker := range correctionMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// negationTokens flips polarity when present in exactly one of two texts.
var negationTokens = []string{
	"not ", "no ", "never ", "n't ", "nothing ", "none ",
	"dislikes ", "hates ", "stopped ", "quit ", "without ",
}

// negationMismatch is the deterministic fallback polarity test: the pair is
// opposed when negation appears in exactly one of the two texts.
func negationMismatch(a, b string) bool {
	return hasNegation(a) != hasNegation(b)
}

func hasNegation(text string) bool {
	t := " " + strings.ToLower(text) + " "
	for _, tok := range negationTokens {
		if strings.Contains(t, " "+tok) || strings.Contains(t, tok) {
			return true
		}
	}
	return false
}
