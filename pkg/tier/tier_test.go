package tier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/engram-labs/engram/pkg/audit"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *audit.Log) {
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
	return NewManager(s, log, nil, DefaultConfig()), s, log
}

func insert(t *testing.T, s *store.Store, r *memory.Record) {
	t.Helper()
	if err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func setAccessCount(t *testing.T, s *store.Store, id string, n int) {
	t.Helper()
	if _, err := s.DB().Exec(`UPDATE memories SET access_count = ? WHERE id = ?`, n, id); err != nil {
		t.Fatalf("set access_count: %v", err)
	}
}

func TestSweepPromotesHeavilyAccessed(t *testing.T) {
	m, s, log := newTestManager(t)
	ctx := context.Background()

	hotCandidate := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "frequently used", "", 5)
	quiet := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "rarely used", "", 5)
	insert(t, s, hotCandidate)
	insert(t, s, quiet)
	setAccessCount(t, s, hotCandidate.ID, 20)

	report := m.SweepOnce(ctx)
	if report.Promoted != 1 {
		t.Errorf("Promoted = %d, want 1", report.Promoted)
	}

	got, _ := s.Get(ctx, hotCandidate.ID)
	if got.Tier != memory.TierHot {
		t.Errorf("Tier = %q, want hot", got.Tier)
	}
	gotQuiet, _ := s.Get(ctx, quiet.ID)
	if gotQuiet.Tier != memory.TierWarm {
		t.Errorf("quiet record moved to %q", gotQuiet.Tier)
	}

	entries, err := log.Entries(ctx, hotCandidate.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionPromoted {
		t.Errorf("audit = %d entries, want one promoted", len(entries))
	}

	// Re-running over the same state makes no further changes.
	report = m.SweepOnce(ctx)
	if report.Promoted != 0 || report.Demoted != 0 {
		t.Errorf("second sweep = %+v, want no-op", report)
	}
}

func TestSweepDemotesSuperseded(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	old := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "prefers typescript", "user.pref", 5)
	repl := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "prefers javascript", "user.pref", 5)
	repl.Version = 2
	insert(t, s, old)
	insert(t, s, repl)
	if err := s.Supersede(ctx, old.ID, repl.ID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	report := m.SweepOnce(ctx)
	if report.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", report.Demoted)
	}
	got, _ := s.Get(ctx, old.ID)
	if got.Tier != memory.TierCold {
		t.Errorf("superseded record Tier = %q, want cold", got.Tier)
	}
	gotRepl, _ := s.Get(ctx, repl.ID)
	if gotRepl.Tier != memory.TierWarm {
		t.Errorf("live record Tier = %q, want warm", gotRepl.Tier)
	}
}

func TestSweepDemotesDecayed(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	decayed := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "stale detail", "", 2)
	decayed.CreatedAt = time.Now().UTC().Add(-100 * 24 * time.Hour)
	young := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "recent detail", "", 2)
	insert(t, s, decayed)
	insert(t, s, young)

	report := m.SweepOnce(ctx)
	if report.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", report.Demoted)
	}
	got, _ := s.Get(ctx, decayed.ID)
	if got.Tier != memory.TierCold {
		t.Errorf("decayed Tier = %q, want cold", got.Tier)
	}
	// Low importance alone is not enough; age gates the demotion.
	gotYoung, _ := s.Get(ctx, young.ID)
	if gotYoung.Tier != memory.TierWarm {
		t.Errorf("young Tier = %q, want warm", gotYoung.Tier)
	}
}

func TestDemoteRefusesProtected(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	cases := map[string]*memory.Record{
		"pinned":          memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "pinned", "", 5),
		"identity":        memory.New(memory.Scope{TeamID: "t1"}, memory.TypeIdentity, "who i am", "", 5),
		"high importance": memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "critical", "", 9),
	}
	cases["pinned"].Pinned = true

	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			insert(t, s, rec)
			err := m.Demote(ctx, rec, "test")
			var iv *memory.InvariantViolation
			if !errors.As(err, &iv) {
				t.Errorf("Demote(%s) = %v, want *InvariantViolation", name, err)
			}
			got, _ := s.Get(ctx, rec.ID)
			if got.Tier != memory.TierWarm {
				t.Errorf("protected record moved to %q", got.Tier)
			}
		})
	}
}

func TestSweepArchivesExpired(t *testing.T) {
	m, s, log := newTestManager(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	expired := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeEpisodic, "meeting at three today", "", 5)
	expired.ExpiresAt = &past
	pinnedExpired := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "pinned with expiry", "", 5)
	pinnedExpired.Pinned = true
	pinnedExpired.ExpiresAt = &past
	insert(t, s, expired)
	insert(t, s, pinnedExpired)

	report := m.SweepOnce(ctx)
	if report.Archived != 1 {
		t.Errorf("Archived = %d, want 1", report.Archived)
	}

	got, _ := s.Get(ctx, expired.ID)
	if got.Status != memory.StatusArchived {
		t.Errorf("expired Status = %q, want archived", got.Status)
	}
	gotPinned, _ := s.Get(ctx, pinnedExpired.ID)
	if gotPinned.Status != memory.StatusActive {
		t.Errorf("pinned record archived despite protection")
	}

	entries, err := log.Entries(ctx, expired.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionUpdated || entries[0].Reason != "expired" {
		t.Errorf("audit entry = %+v", entries)
	}
}

func TestPromoteLostRaceIsSkipped(t *testing.T) {
	m, s, log := newTestManager(t)
	ctx := context.Background()

	rec := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "contested", "", 5)
	insert(t, s, rec)

	// Another writer moves the record first; our in-memory copy is stale.
	if err := s.UpdateTierCAS(ctx, rec.ID, memory.TierWarm, memory.TierHot); err != nil {
		t.Fatalf("UpdateTierCAS: %v", err)
	}

	if err := m.Promote(ctx, rec, "test"); err != nil {
		t.Errorf("Promote after lost race = %v, want nil", err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Tier != memory.TierHot {
		t.Errorf("Tier = %q, want hot from the first writer", got.Tier)
	}
	// A skipped move writes no audit entry.
	entries, _ := log.Entries(ctx, rec.ID)
	if len(entries) != 0 {
		t.Errorf("audit entries = %d, want 0", len(entries))
	}
}

func TestFeedback(t *testing.T) {
	m, s, log := newTestManager(t)
	ctx := context.Background()

	rec := memory.New(memory.Scope{TeamID: "t1"}, memory.TypeSemantic, "useful fact", "", 5)
	insert(t, s, rec)

	if err := m.Feedback(ctx, rec.ID, true, "used in answer"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Importance != 6 {
		t.Errorf("Importance = %d, want 6", got.Importance)
	}
	// Positive feedback on a warm record triggers a promotion.
	if got.Tier != memory.TierHot {
		t.Errorf("Tier = %q, want hot after positive feedback", got.Tier)
	}

	if err := m.Feedback(ctx, rec.ID, false, "was wrong"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	got, _ = s.Get(ctx, rec.ID)
	if got.Importance != 5 {
		t.Errorf("Importance = %d, want 5", got.Importance)
	}

	entries, err := log.Entries(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	var updated int
	for _, e := range entries {
		if e.Action == audit.ActionUpdated {
			updated++
		}
	}
	if updated != 2 {
		t.Errorf("updated audit entries = %d, want 2", updated)
	}

	if err := m.Feedback(ctx, "missing", true, ""); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Feedback(missing) = %v, want ErrNotFound", err)
	}
}
