// Package tier manages hot/warm/cold placement of memory records.
//
// The sweep worker runs as a background goroutine off the request path.
// Each cycle promotes heavily accessed warm records, demotes superseded or
// decayed ones, and archives expired records. Tier changes are single-field
// compare-and-set updates, so a concurrent read never observes a
// half-migrated record, and a lost race is skipped rather than retried:
// the next cycle converges.
//
// Protected records are never demoted or expired: identity type, pinned,
// and importance >= 8.
package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/engram-labs/engram/pkg/audit"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
)

// EventFunc is a callback for publishing maintenance events.
type EventFunc func(typ, message string)

// Config holds sweep thresholds.
type Config struct {
	Interval         time.Duration // sweep period (default 15m)
	PromoteAccesses  int           // warm->hot above this access count (default 10)
	DemoteImportance int           // warm->cold below this importance (default 3)
	DemoteAccesses   int           // warm->cold below this access count (default 2)
	DemoteAge        time.Duration // warm->cold past this age (default 90d)
	SweepLimit       int           // records examined per tier per cycle
}

// DefaultConfig returns production sweep defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Minute,
		PromoteAccesses:  10,
		DemoteImportance: 3,
		DemoteAccesses:   2,
		DemoteAge:        90 * 24 * time.Hour,
		SweepLimit:       500,
	}
}

// Report holds the results of one sweep cycle.
type Report struct {
	CycleNumber int       `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
	Promoted    int       `json:"promoted"`
	Demoted     int       `json:"demoted"`
	Archived    int       `json:"archived"`
	Errors      []string  `json:"errors,omitempty"`
}

// Manager applies tier policy, both from the sweep and from explicit calls.
type Manager struct {
	store   *store.Store
	log     *audit.Log
	onEvent EventFunc
	cfg     Config

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewManager creates a tier Manager. onEvent may be nil.
func NewManager(s *store.Store, log *audit.Log, onEvent EventFunc, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PromoteAccesses <= 0 {
		cfg.PromoteAccesses = def.PromoteAccesses
	}
	if cfg.DemoteImportance <= 0 {
		cfg.DemoteImportance = def.DemoteImportance
	}
	if cfg.DemoteAccesses <= 0 {
		cfg.DemoteAccesses = def.DemoteAccesses
	}
	if cfg.DemoteAge <= 0 {
		cfg.DemoteAge = def.DemoteAge
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	return &Manager{store: s, log: log, onEvent: onEvent, cfg: cfg}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("tier sweep worker started",
		"interval", m.cfg.Interval,
		"promote_accesses", m.cfg.PromoteAccesses,
		"demote_age", m.cfg.DemoteAge,
	)
	m.emit("status", "tier sweep worker started")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("tier sweep worker stopping")
			m.emit("status", "tier sweep worker stopped")
			return
		case <-ticker.C:
			report := m.SweepOnce(ctx)
			m.logReport(report)
		}
	}
}

// SweepOnce runs a single sweep cycle. Idempotent: re-running over the same
// state makes no further changes.
func (m *Manager) SweepOnce(ctx context.Context) *Report {
	m.mu.Lock()
	m.cycleCount++
	cycle := m.cycleCount
	m.mu.Unlock()

	start := time.Now()
	report := &Report{CycleNumber: cycle, StartedAt: start}
	now := start.UTC()

	m.sweepWarm(ctx, report, now)
	m.sweepExpiry(ctx, report, now)

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()
	return report
}

// Interval returns the configured sweep period.
func (m *Manager) Interval() time.Duration {
	return m.cfg.Interval
}

// LastReport returns the most recent sweep report.
func (m *Manager) LastReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}

func (m *Manager) sweepWarm(ctx context.Context, report *Report, now time.Time) {
	records, err := m.store.ListByTier(ctx, memory.TierWarm, m.cfg.SweepLimit)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list warm: %v", err))
		slog.Warn("sweep: list warm failed", "error", err)
		return
	}

	for _, rec := range records {
		switch {
		case rec.AccessCount > m.cfg.PromoteAccesses || rec.Pinned:
			if err := m.Promote(ctx, rec, "sweep: access threshold"); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("promote %s: %v", rec.ID, err))
			} else {
				report.Promoted++
			}
		case m.demotable(rec, now):
			if err := m.Demote(ctx, rec, "sweep: decayed"); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("demote %s: %v", rec.ID, err))
			} else {
				report.Demoted++
			}
		}
	}
}

// demotable applies the warm->cold policy. Protection wins over every other
// signal.
func (m *Manager) demotable(rec *memory.Record, now time.Time) bool {
	if m.protected(rec) {
		return false
	}
	if rec.Status == memory.StatusSuperseded {
		return true
	}
	return rec.Importance < m.cfg.DemoteImportance &&
		rec.AccessCount < m.cfg.DemoteAccesses &&
		now.Sub(rec.CreatedAt) > m.cfg.DemoteAge
}

func (m *Manager) protected(rec *memory.Record) bool {
	return rec.Protected() || rec.Importance >= 8
}

// Promote moves a record one tier up (cold->warm or warm->hot) via an
// optimistic CAS. A lost race is not an error.
func (m *Manager) Promote(ctx context.Context, rec *memory.Record, reason string) error {
	var to memory.Tier
	switch rec.Tier {
	case memory.TierCold:
		to = memory.TierWarm
	case memory.TierWarm:
		to = memory.TierHot
	default:
		return nil
	}
	return m.move(ctx, rec, to, audit.ActionPromoted, reason)
}

// Demote moves a record one tier down (hot->warm or warm->cold). Protected
// records are refused.
func (m *Manager) Demote(ctx context.Context, rec *memory.Record, reason string) error {
	if m.protected(rec) {
		return &memory.InvariantViolation{
			Invariant: "protected records are never demoted",
			Detail:    "memory " + rec.ID,
		}
	}
	var to memory.Tier
	switch rec.Tier {
	case memory.TierHot:
		to = memory.TierWarm
	case memory.TierWarm:
		to = memory.TierCold
	default:
		return nil
	}
	return m.move(ctx, rec, to, audit.ActionDemoted, reason)
}

func (m *Manager) move(ctx context.Context, rec *memory.Record, to memory.Tier, action audit.Action, reason string) error {
	before := audit.Snapshot(rec)
	err := m.store.UpdateTierCAS(ctx, rec.ID, rec.Tier, to)
	if errors.Is(err, memory.ErrVersionConflict) {
		// Another writer moved it first. The next sweep sees the new state.
		slog.Debug("tier CAS lost race", "memory_id", rec.ID, "from", rec.Tier, "to", to)
		return nil
	}
	if err != nil {
		return err
	}

	from := rec.Tier
	rec.Tier = to
	if err := m.log.Append(ctx, &audit.Entry{
		MemoryID: rec.ID,
		Action:   action,
		Before:   before,
		After:    audit.Snapshot(rec),
		Reason:   reason,
	}); err != nil {
		return err
	}

	slog.Info("tier change",
		"memory_id", rec.ID, "from", from, "to", to, "reason", reason)
	m.emit("tier", fmt.Sprintf("%s: %s -> %s (%s)", rec.ID, from, to, reason))
	return nil
}

// sweepExpiry archives unprotected records past their expiry. Archived is a
// terminal status; the row and its audit trail are retained.
func (m *Manager) sweepExpiry(ctx context.Context, report *Report, now time.Time) {
	for _, tier := range []memory.Tier{memory.TierHot, memory.TierWarm, memory.TierCold} {
		records, err := m.store.ListByTier(ctx, tier, m.cfg.SweepLimit)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("list %s: %v", tier, err))
			continue
		}
		for _, rec := range records {
			if !rec.Expired(now) || rec.Status != memory.StatusActive {
				continue
			}
			before := audit.Snapshot(rec)
			if err := m.store.UpdateStatus(ctx, rec.ID, memory.StatusArchived); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("archive %s: %v", rec.ID, err))
				continue
			}
			rec.Status = memory.StatusArchived
			if err := m.log.Append(ctx, &audit.Entry{
				MemoryID: rec.ID,
				Action:   audit.ActionUpdated,
				Before:   before,
				After:    audit.Snapshot(rec),
				Reason:   "expired",
			}); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("audit archive %s: %v", rec.ID, err))
				continue
			}
			report.Archived++
		}
	}
}

// Feedback adjusts a record's importance from an explicit user signal and
// may trigger a promotion on positive feedback.
func (m *Manager) Feedback(ctx context.Context, id string, positive bool, reason string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	before := audit.Snapshot(rec)

	delta := 1
	if !positive {
		delta = -1
	}
	if err := m.store.AdjustImportance(ctx, id, delta); err != nil {
		return err
	}

	updated, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.log.Append(ctx, &audit.Entry{
		MemoryID: id,
		Action:   audit.ActionUpdated,
		Before:   before,
		After:    audit.Snapshot(updated),
		Reason:   "feedback: " + reason,
	}); err != nil {
		return err
	}

	if positive && updated.Tier == memory.TierWarm {
		return m.Promote(ctx, updated, "positive feedback")
	}
	return nil
}

func (m *Manager) logReport(report *Report) {
	summary := fmt.Sprintf(
		"sweep cycle %d complete (%s): %d promoted, %d demoted, %d archived",
		report.CycleNumber, report.Duration,
		report.Promoted, report.Demoted, report.Archived,
	)
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}
	slog.Info("sweep: cycle complete", "summary", summary)
	m.emit("status", summary)
}

func (m *Manager) emit(typ, message string) {
	if m.onEvent != nil {
		m.onEvent(typ, message)
	}
}
