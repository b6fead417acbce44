package extract

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/engram-labs/engram/internal/llm"
	"github.com/engram-labs/engram/pkg/audit"
	"github.com/engram-labs/engram/pkg/contradict"
	"github.com/engram-labs/engram/pkg/embed"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
	"github.com/engram-labs/engram/pkg/vector"
)

// fakeProvider replays a scripted sequence of responses. A nil entry in the
// script produces an error, simulating a provider outage on that call.
type fakeProvider struct {
	script []*string
	calls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.calls >= len(f.script) {
		return nil, &llm.ProviderError{Message: "script exhausted", Provider: "fake"}
	}
	resp := f.script[f.calls]
	f.calls++
	if resp == nil {
		return nil, &llm.ProviderError{Message: "simulated outage", Provider: "fake"}
	}
	return &llm.CompletionResponse{Content: *resp}, nil
}

func str(s string) *string { return &s }

type fixture struct {
	extractor *Extractor
	store     *store.Store
	index     vector.Index
	embedder  embed.Service
}

func newFixture(t *testing.T, script ...*string) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	log := audit.New(s.DB())
	if err := log.Init(ctx); err != nil {
		t.Fatalf("audit.Init: %v", err)
	}

	mock := embed.NewMock(64)
	idx := vector.NewChromemIndex()
	detector := contradict.New(s, log, mock, nil)
	router := llm.NewRouter(map[llm.Tier]llm.Provider{
		llm.TierDeep: &fakeProvider{script: script},
	})
	return &fixture{
		extractor: New(router, mock, idx, detector),
		store:     s,
		index:     idx,
		embedder:  mock,
	}
}

func testSegment() Segment {
	return Segment{
		ID:             "conv-1-seg-1",
		ConversationID: "conv-1",
		Messages: []SegmentMessage{
			{ID: "m1", Role: "user", Content: "I prefer dark mode everywhere"},
			{ID: "m2", Role: "user", Content: "also we deploy on tuesdays"},
		},
	}
}

func TestExtractEmptySegmentIsTrimmable(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.extractor.Extract(context.Background(), memory.Scope{TeamID: "t1"}, Segment{ID: "empty"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.Trimmable {
		t.Error("empty segment should be trimmable")
	}
}

func TestExtractTwoPasses(t *testing.T) {
	passOne := `[
		{"content": "User prefers dark mode", "subject": "user.preference.theme", "type": "user_profile", "importance": 8, "message_ids": ["m1"]},
		{"content": "User said hello", "subject": "chatter", "type": "semantic", "importance": 2}
	]`
	passTwo := `[
		{"content": "User prefers dark mode", "subject": "user.preference.theme", "type": "user_profile", "importance": 8},
		{"content": "Team deploys on tuesdays", "subject": "team.process.deploy", "type": "procedural", "importance": 6, "message_ids": ["m2"]}
	]`
	fx := newFixture(t, str(passOne), str(passTwo))
	ctx := context.Background()

	res, err := fx.extractor.Extract(ctx, memory.Scope{TeamID: "t1"}, testSegment())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.Trimmable {
		t.Error("Trimmable = false after full persistence")
	}
	if len(res.Created) != 2 {
		t.Fatalf("Created = %d, want 2 (merge drops the repeat)", len(res.Created))
	}
	if res.Discarded != 1 {
		t.Errorf("Discarded = %d, want 1 (importance below floor)", res.Discarded)
	}
	if len(res.Verdicts) != 2 {
		t.Errorf("Verdicts = %d, want 2", len(res.Verdicts))
	}

	// Survivors are durably in the store, each tagged with its originating
	// pass: the dark-mode fact was first seen in pass 1, the deploy fact
	// only in pass 2.
	wantPass := map[string]string{
		"user.preference.theme": "pass1",
		"team.process.deploy":   "pass2",
	}
	for _, rec := range res.Created {
		got, err := fx.store.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get %s: %v", rec.ID, err)
		}
		if got.Provenance.SegmentID != "conv-1-seg-1" {
			t.Errorf("Provenance = %+v", got.Provenance)
		}
		if got.Provenance.Pass != wantPass[got.Subject] {
			t.Errorf("Pass for %q = %q, want %q", got.Subject, got.Provenance.Pass, wantPass[got.Subject])
		}
	}

	// The deploy fact carried its source message.
	deploy := res.Created[1]
	if deploy.Subject != "team.process.deploy" {
		t.Fatalf("second created = %q", deploy.Subject)
	}
	if len(deploy.Provenance.MessageIDs) != 1 || deploy.Provenance.MessageIDs[0] != "m2" {
		t.Errorf("MessageIDs = %v", deploy.Provenance.MessageIDs)
	}
}

func TestExtractPassOneFailureKeepsSegment(t *testing.T) {
	fx := newFixture(t, nil)
	res, err := fx.extractor.Extract(context.Background(), memory.Scope{TeamID: "t1"}, testSegment())
	if err == nil {
		t.Fatal("Extract should report the pass 1 failure")
	}
	if res == nil || res.Trimmable {
		t.Error("segment must stay untrimmed when pass 1 fails")
	}
}

func TestExtractPassTwoFailurePersistsPassOne(t *testing.T) {
	passOne := `[{"content": "User prefers dark mode", "subject": "user.preference.theme", "type": "user_profile", "importance": 8}]`
	fx := newFixture(t, str(passOne), nil)

	res, err := fx.extractor.Extract(context.Background(), memory.Scope{TeamID: "t1"}, testSegment())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Created) != 1 {
		t.Errorf("Created = %d, want pass 1 output persisted", len(res.Created))
	} else if res.Created[0].Provenance.Pass != "pass1" {
		t.Errorf("Pass = %q, want pass1", res.Created[0].Provenance.Pass)
	}
	// Omissions were never checked, so the segment is not safe to trim.
	if res.Trimmable {
		t.Error("Trimmable = true despite a failed omissions pass")
	}
}

func TestExtractUnparseableResponseKeepsSegment(t *testing.T) {
	fx := newFixture(t, str("I could not find any facts worth keeping."))
	res, err := fx.extractor.Extract(context.Background(), memory.Scope{TeamID: "t1"}, testSegment())
	if err == nil {
		t.Fatal("Extract should fail on a response with no JSON array")
	}
	if res.Trimmable {
		t.Error("segment must stay untrimmed on unparseable output")
	}
}

func TestExtractSkipsKnownDuplicates(t *testing.T) {
	content := "User prefers dark mode"
	passOne := `[{"content": "` + content + `", "subject": "user.preference.theme", "type": "user_profile", "importance": 8}]`
	passTwo := `[]`
	fx := newFixture(t, str(passOne), str(passTwo))
	ctx := context.Background()

	// The same content is already indexed; the mock embeds equal text
	// identically, so similarity is ~1.
	vec, err := fx.embedder.EmbedDocument(ctx, content)
	if err != nil {
		t.Fatalf("EmbedDocument: %v", err)
	}
	if err := fx.index.Upsert(ctx, vector.Entry{
		MemoryID:    "existing",
		Embedding:   vec,
		ContentHash: store.ContentHash(content),
		Scope:       memory.Scope{TeamID: "t1"},
		Status:      memory.StatusActive,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	res, err := fx.extractor.Extract(ctx, memory.Scope{TeamID: "t1"}, testSegment())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", res.Duplicates)
	}
	if len(res.Created) != 0 {
		t.Errorf("Created = %d, want 0", len(res.Created))
	}
	if !res.Trimmable {
		t.Error("a duplicate no-op still leaves the segment trimmable")
	}
}

func TestExtractFailedPersistenceFailsClosed(t *testing.T) {
	passOne := `[{"content": "User prefers dark mode", "subject": "user.preference.theme", "type": "user_profile", "importance": 8}]`
	passTwo := `[]`
	fx := newFixture(t, str(passOne), str(passTwo))

	// Kill the store so every persist attempt fails.
	fx.store.Close()

	res, err := fx.extractor.Extract(context.Background(), memory.Scope{TeamID: "t1"}, testSegment())
	if err == nil {
		t.Fatal("Extract should surface exhausted persistence retries")
	}
	if res.Trimmable {
		t.Error("Trimmable = true with an unpersisted fact; the shield must fail closed")
	}
	if len(res.Created) != 0 {
		t.Errorf("Created = %d, want 0", len(res.Created))
	}
}

func TestToRecordNormalizes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rec, err := fx.extractor.toRecord(ctx, memory.Scope{TeamID: "t1"}, testSegment(), fact{
		Content:    "something odd",
		Subject:    "odd.subject",
		Type:       "premonition",
		Importance: 14,
	})
	if err != nil {
		t.Fatalf("toRecord: %v", err)
	}
	if rec.Type != memory.TypeSemantic {
		t.Errorf("unknown type mapped to %q, want semantic", rec.Type)
	}
	if rec.Importance != 10 {
		t.Errorf("Importance = %d, want clamped 10", rec.Importance)
	}
	if rec.Embedding == nil {
		t.Error("record not embedded")
	}
}

func TestParseFactsToleratesProse(t *testing.T) {
	facts, err := parseFacts(`Sure! Here are the extracted facts:
[{"content": "a", "subject": "s", "type": "semantic", "importance": 5}]
Let me know if you need anything else.`)
	if err != nil {
		t.Fatalf("parseFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "a" {
		t.Errorf("facts = %+v", facts)
	}

	if _, err := parseFacts("no array here"); err == nil {
		t.Error("parseFacts should fail without a JSON array")
	}
}

func TestMergeFacts(t *testing.T) {
	a := []fact{
		{Subject: "s1", Content: "Fact one"},
		{Subject: "s2", Content: "Fact two"},
	}
	b := []fact{
		{Subject: "s1", Content: "fact one "}, // case and whitespace repeat
		{Subject: "s3", Content: "Fact three"},
	}
	merged := mergeFacts(a, b)
	if len(merged) != 3 {
		t.Fatalf("merged = %d facts, want 3", len(merged))
	}
	if merged[0].Subject != "s1" || merged[1].Subject != "s2" || merged[2].Subject != "s3" {
		t.Errorf("merge order = %v", merged)
	}
}

func TestPersistOneRetriesBounded(t *testing.T) {
	// persistOne against a closed store must give up after the retry
	// budget, not loop.
	fx := newFixture(t)
	fx.store.Close()

	rec := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "x", "s", 5)
	_, err := fx.extractor.persistOne(context.Background(), rec)
	if err == nil {
		t.Fatal("persistOne should fail on a dead store")
	}
	var terr *memory.TransientStoreError
	if !errors.As(err, &terr) {
		t.Errorf("err = %v, want *TransientStoreError", err)
	}
}
