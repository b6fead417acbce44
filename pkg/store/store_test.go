package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/engram-labs/engram/pkg/memory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func newRecord(teamID string, typ memory.Type, content, subject string, importance int) *memory.Record {
	return memory.New(memory.Scope{TeamID: teamID}, typ, content, subject, importance)
}

func TestInsertGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := "agent-1"
	exp := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	r := memory.New(memory.Scope{TeamID: "t1", AgentID: &agent}, memory.TypeProcedural,
		"deploys go through staging first", "team.process.deploy", 7)
	r.Pinned = true
	r.ExpiresAt = &exp
	r.Contradicts = []string{"some-id"}
	r.Provenance = memory.Provenance{SegmentID: "conv1-seg1", MessageIDs: []string{"m1", "m2"}, Pass: "pass1"}

	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.Content != r.Content || got.Subject != r.Subject || got.Type != r.Type {
		t.Errorf("roundtrip mismatch: got %+v", got)
	}
	if got.Scope.AgentID == nil || *got.Scope.AgentID != agent {
		t.Errorf("AgentID = %v, want %q", got.Scope.AgentID, agent)
	}
	if !got.Pinned || got.Importance != 7 {
		t.Errorf("Pinned/Importance = %v/%d, want true/7", got.Pinned, got.Importance)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
	if len(got.Contradicts) != 1 || got.Contradicts[0] != "some-id" {
		t.Errorf("Contradicts = %v", got.Contradicts)
	}
	if got.Provenance.SegmentID != "conv1-seg1" || len(got.Provenance.MessageIDs) != 2 {
		t.Errorf("Provenance = %+v", got.Provenance)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestSupersedeDisputedIsIllegal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newRecord("t1", memory.TypeSemantic, "user likes spicy food", "user.preference.food", 5)
	b := newRecord("t1", memory.TypeSemantic, "user does not like spicy food", "user.preference.food", 5)
	repl := newRecord("t1", memory.TypeSemantic, "user prefers mild food", "user.preference.food", 5)
	for _, r := range []*memory.Record{a, b, repl} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Dispute(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	// From disputed the only legal move is back to active.
	var iv *memory.InvariantViolation
	if err := s.UpdateStatus(ctx, a.ID, memory.StatusSuperseded); !errors.As(err, &iv) {
		t.Errorf("UpdateStatus(disputed -> superseded) = %v, want InvariantViolation", err)
	}
	if err := s.Supersede(ctx, a.ID, repl.ID); !errors.As(err, &iv) {
		t.Errorf("Supersede on disputed = %v, want InvariantViolation", err)
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != memory.StatusDisputed {
		t.Errorf("Status = %s after refused writes, want disputed", got.Status)
	}

	if err := s.UpdateStatus(ctx, a.ID, memory.StatusActive); err != nil {
		t.Fatalf("UpdateStatus(disputed -> active): %v", err)
	}
	if err := s.Supersede(ctx, a.ID, repl.ID); err != nil {
		t.Errorf("Supersede after reactivation: %v", err)
	}
}

func TestInsertRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	r := newRecord("t1", memory.TypeSemantic, "x", "", 5)
	r.Importance = 0
	err := s.Insert(context.Background(), r)
	var verr *memory.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Insert(invalid) = %v, want *ValidationError", err)
	}
}

func TestFetchByIDsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newRecord("t1", memory.TypeSemantic, "fact a", "", 5)
	b := newRecord("t1", memory.TypeSemantic, "fact b", "", 5)
	for _, r := range []*memory.Record{a, b} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.FetchByIDs(ctx, []string{b.ID, "missing", a.ID})
	if err != nil {
		t.Fatalf("FetchByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (missing id skipped)", len(got))
	}
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("order = [%s %s], want input order [%s %s]", got[0].ID, got[1].ID, b.ID, a.ID)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := newRecord("t1", memory.TypeSemantic, "x", "", 5)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.UpdateStatus(ctx, r.ID, memory.StatusArchived); err != nil {
		t.Fatalf("active -> archived: %v", err)
	}

	// Archived is terminal.
	err := s.UpdateStatus(ctx, r.ID, memory.StatusActive)
	var iv *memory.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("archived -> active = %v, want *InvariantViolation", err)
	}
	if iv.Invariant != "status-transition" {
		t.Errorf("Invariant = %q", iv.Invariant)
	}

	// The refused write must not have changed anything.
	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != memory.StatusArchived {
		t.Errorf("Status = %q after refused transition, want archived", got.Status)
	}
}

func TestSupersede(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newRecord("t1", memory.TypeSemantic, "user prefers typescript", "user.preference.language", 6)
	repl := newRecord("t1", memory.TypeSemantic, "user prefers javascript", "user.preference.language", 6)
	repl.Version = old.Version + 1
	for _, r := range []*memory.Record{old, repl} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := s.Supersede(ctx, old.ID, repl.ID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	got, err := s.Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != memory.StatusSuperseded {
		t.Errorf("old Status = %q, want superseded", got.Status)
	}
	if got.SupersededBy == nil || *got.SupersededBy != repl.ID {
		t.Errorf("SupersededBy = %v, want %q", got.SupersededBy, repl.ID)
	}

	// Superseding a superseded record is an invariant violation, not a no-op.
	err = s.Supersede(ctx, old.ID, repl.ID)
	var iv *memory.InvariantViolation
	if !errors.As(err, &iv) {
		t.Errorf("double supersede = %v, want *InvariantViolation", err)
	}
}

func TestDisputeReciprocal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newRecord("t1", memory.TypeSemantic, "user likes spicy food", "user.preference.food", 5)
	b := newRecord("t1", memory.TypeSemantic, "user does not like spicy food", "user.preference.food", 5)
	for _, r := range []*memory.Record{a, b} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := s.Dispute(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	gotA, _ := s.Get(ctx, a.ID)
	gotB, _ := s.Get(ctx, b.ID)
	if gotA.Status != memory.StatusDisputed || gotB.Status != memory.StatusDisputed {
		t.Errorf("statuses = %q/%q, want disputed/disputed", gotA.Status, gotB.Status)
	}
	if len(gotA.Contradicts) != 1 || gotA.Contradicts[0] != b.ID {
		t.Errorf("a.Contradicts = %v, want [%s]", gotA.Contradicts, b.ID)
	}
	if len(gotB.Contradicts) != 1 || gotB.Contradicts[0] != a.ID {
		t.Errorf("b.Contradicts = %v, want [%s]", gotB.Contradicts, a.ID)
	}

	// Re-disputing the same pair is idempotent on the link list.
	if err := s.Dispute(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("second Dispute: %v", err)
	}
	gotA, _ = s.Get(ctx, a.ID)
	if len(gotA.Contradicts) != 1 {
		t.Errorf("a.Contradicts after re-dispute = %v, want one link", gotA.Contradicts)
	}
}

func TestUpdateTierCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := newRecord("t1", memory.TypeSemantic, "x", "", 5)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.UpdateTierCAS(ctx, r.ID, memory.TierWarm, memory.TierHot); err != nil {
		t.Fatalf("CAS warm -> hot: %v", err)
	}

	// Stale expectation loses the race.
	err := s.UpdateTierCAS(ctx, r.ID, memory.TierWarm, memory.TierCold)
	if !errors.Is(err, memory.ErrVersionConflict) {
		t.Errorf("stale CAS = %v, want ErrVersionConflict", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Tier != memory.TierHot {
		t.Errorf("Tier = %q after lost race, want hot", got.Tier)
	}
}

func TestRecordAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := newRecord("t1", memory.TypeSemantic, "x", "", 5)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.RecordAccess(ctx, []string{r.ID}, at); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	if err := s.RecordAccess(ctx, []string{r.ID}, at); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}

	got, _ := s.Get(ctx, r.ID)
	if got.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", got.AccessCount)
	}
	if !got.LastAccessedAt.Equal(at) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, at)
	}
}

func TestAdjustImportanceClamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := newRecord("t1", memory.TypeSemantic, "x", "", 10)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.AdjustImportance(ctx, r.ID, 5); err != nil {
		t.Fatalf("AdjustImportance: %v", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Importance != 10 {
		t.Errorf("Importance = %d, want clamped 10", got.Importance)
	}

	if err := s.AdjustImportance(ctx, r.ID, -20); err != nil {
		t.Fatalf("AdjustImportance: %v", err)
	}
	got, _ = s.Get(ctx, r.ID)
	if got.Importance != 1 {
		t.Errorf("Importance = %d, want clamped 1", got.Importance)
	}

	if err := s.AdjustImportance(ctx, "missing", 1); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("AdjustImportance(missing) = %v, want ErrNotFound", err)
	}
}

func TestScopeIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agentA, agentB := "agent-a", "agent-b"
	shared := newRecord("t1", memory.TypeShared, "team fact", "", 5)
	privA := memory.New(memory.Scope{TeamID: "t1", AgentID: &agentA}, memory.TypeAgentPrivate, "agent a secret", "", 5)
	otherTeam := newRecord("t2", memory.TypeSemantic, "other team fact", "", 5)
	for _, r := range []*memory.Record{shared, privA, otherTeam} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// Agent A sees shared rows plus its own private rows.
	got, err := s.QueryByRecency(ctx, memory.Scope{TeamID: "t1", AgentID: &agentA}, 10)
	if err != nil {
		t.Fatalf("QueryByRecency: %v", err)
	}
	if !hasID(got, shared.ID) || !hasID(got, privA.ID) {
		t.Errorf("agent A should see shared + own private, got %d records", len(got))
	}
	if hasID(got, otherTeam.ID) {
		t.Error("agent A sees another team's record")
	}

	// Agent B sees the shared row only.
	got, err = s.QueryByRecency(ctx, memory.Scope{TeamID: "t1", AgentID: &agentB}, 10)
	if err != nil {
		t.Fatalf("QueryByRecency: %v", err)
	}
	if hasID(got, privA.ID) {
		t.Error("agent B sees agent A's private record")
	}
	if !hasID(got, shared.ID) {
		t.Error("agent B should see the shared record")
	}

	// No agent in scope: shared rows only.
	got, err = s.QueryByRecency(ctx, memory.Scope{TeamID: "t1"}, 10)
	if err != nil {
		t.Fatalf("QueryByRecency: %v", err)
	}
	if hasID(got, privA.ID) {
		t.Error("agent-less scope sees agent-private record")
	}
}

func TestQueryByImportanceIncludesAllIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ident := newRecord("t1", memory.TypeIdentity, "i am the support agent", "", 9)
	pinned := newRecord("t1", memory.TypeSemantic, "pinned fact", "", 4)
	pinned.Pinned = true
	low := newRecord("t1", memory.TypeSemantic, "forgettable", "", 2)
	for _, r := range []*memory.Record{ident, pinned, low} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// Limit 1 must not cut the identity record.
	got, err := s.QueryByImportance(ctx, memory.Scope{TeamID: "t1"}, 1)
	if err != nil {
		t.Fatalf("QueryByImportance: %v", err)
	}
	if !hasID(got, ident.ID) {
		t.Error("identity record missing from importance query")
	}
	if !hasID(got, pinned.ID) {
		t.Error("pinned record missing from importance query")
	}
	if hasID(got, low.ID) {
		t.Error("low-importance unpinned record should not appear")
	}
}

func TestQueryBySubjectSkipsSuperseded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newRecord("t1", memory.TypeSemantic, "prefers typescript", "user.preference.language", 5)
	repl := newRecord("t1", memory.TypeSemantic, "prefers javascript", "user.preference.language", 5)
	repl.Version = 2
	for _, r := range []*memory.Record{old, repl} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.Supersede(ctx, old.ID, repl.ID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	got, err := s.QueryBySubject(ctx, memory.Scope{TeamID: "t1"}, "user.preference.language")
	if err != nil {
		t.Fatalf("QueryBySubject: %v", err)
	}
	if len(got) != 1 || got[0].ID != repl.ID {
		t.Errorf("subject query should return only the live version, got %d records", len(got))
	}
}

func TestQueryByContinuity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inConv := newRecord("t1", memory.TypeEpisodic, "decided on postgres", "", 6)
	inConv.Provenance.SegmentID = "conv-42-seg-3"
	other := newRecord("t1", memory.TypeEpisodic, "unrelated", "", 6)
	other.Provenance.SegmentID = "conv-99-seg-1"
	for _, r := range []*memory.Record{inConv, other} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.QueryByContinuity(ctx, memory.Scope{TeamID: "t1"}, "conv-42", 10)
	if err != nil {
		t.Fatalf("QueryByContinuity: %v", err)
	}
	if !hasID(got, inConv.ID) || hasID(got, other.ID) {
		t.Errorf("continuity query returned wrong records (%d)", len(got))
	}
}

func TestQueryByRelationship(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := newRecord("t1", memory.TypeSemantic, "seed", "proj.stack", 5)
	sameSubject := newRecord("t1", memory.TypeSemantic, "related by subject", "proj.stack", 5)
	partner := newRecord("t1", memory.TypeSemantic, "contradiction partner", "other.subject", 5)
	seed.Contradicts = []string{partner.ID}
	for _, r := range []*memory.Record{seed, sameSubject, partner} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.QueryByRelationship(ctx, memory.Scope{TeamID: "t1"}, []*memory.Record{seed}, 10)
	if err != nil {
		t.Fatalf("QueryByRelationship: %v", err)
	}
	if !hasID(got, sameSubject.ID) {
		t.Error("same-subject neighbor missing")
	}
	if !hasID(got, partner.ID) {
		t.Error("contradiction partner missing")
	}
	if hasID(got, seed.ID) {
		t.Error("seed must be excluded from its own neighborhood")
	}
}

func TestAllRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := newRecord("t1", memory.TypeSemantic, "some content", "", 5)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	refs, err := s.AllRefs(ctx)
	if err != nil {
		t.Fatalf("AllRefs: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("len = %d, want 1", len(refs))
	}
	if refs[0].ID != r.ID || refs[0].Status != memory.StatusActive {
		t.Errorf("ref = %+v", refs[0])
	}
	if refs[0].ContentHash != ContentHash("some content") {
		t.Errorf("ContentHash mismatch")
	}
}

func hasID(records []*memory.Record, id string) bool {
	for _, r := range records {
		if r.ID == id {
			return true
		}
	}
	return false
}
