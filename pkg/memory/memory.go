// Package memory defines the core record model for the engram engine.
//
// A Record is a single remembered fact, event, or pattern about a user,
// agent, or team. Records are never deleted: lifecycle changes are status
// and tier transitions, and every transition is written to the audit log.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of knowledge a record holds. The set is closed:
// adding a type is a schema migration, not a runtime extension.
type Type string

const (
	TypeSemantic     Type = "semantic"      // general facts
	TypeEpisodic     Type = "episodic"      // events tied to a point in time
	TypeProcedural   Type = "procedural"    // how-to knowledge
	TypeAgentPrivate Type = "agent_private" // visible to one agent only
	TypeShared       Type = "shared"        // visible to the whole team
	TypeIdentity     Type = "identity"      // the agent's self-knowledge; always retrieved
	TypeUserProfile  Type = "user_profile"  // durable facts about a user
)

// Types lists every valid record type.
var Types = []Type{
	TypeSemantic, TypeEpisodic, TypeProcedural,
	TypeAgentPrivate, TypeShared, TypeIdentity, TypeUserProfile,
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// Tier is the storage level a record lives in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Status is the lifecycle state of a record. There is no deleted state.
type Status string

const (
	StatusActive     Status = "active"
	StatusDisputed   Status = "disputed"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

// allowedTransitions encodes the legal status graph. A disputed record can
// only return to active; superseded and archived are terminal.
var allowedTransitions = map[Status][]Status{
	StatusActive:   {StatusSuperseded, StatusDisputed, StatusArchived},
	StatusDisputed: {StatusActive},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Scope identifies who a record belongs to. TeamID is always set. A nil
// AgentID means the record is shared across the team's agents; a nil UserID
// means it is not tied to a specific user.
type Scope struct {
	TeamID  string  `json:"team_id"`
	AgentID *string `json:"agent_id,omitempty"`
	UserID  *string `json:"user_id,omitempty"`
}

// Provenance records where an extracted memory came from.
type Provenance struct {
	SegmentID  string   `json:"segment_id"`            // conversation segment
	MessageIDs []string `json:"message_ids,omitempty"` // exact source messages
	Pass       string   `json:"pass,omitempty"`        // extraction pass identifier
}

// Record is a single stored memory.
type Record struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Subject   string    `json:"subject,omitempty"` // normalized dot-path key for conflict matching

	Importance int     `json:"importance"` // 1..10
	Confidence float64 `json:"confidence"` // 0..1
	Pinned     bool    `json:"pinned"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`

	// Supersession lineage. SupersededBy and Contradicts hold record ids,
	// never object references: records live in an append-only table and
	// pointers are id lookups, so reference cycles cannot be expressed.
	Version      int      `json:"version"`
	SupersededBy *string  `json:"superseded_by,omitempty"`
	Contradicts  []string `json:"contradicts,omitempty"`

	Provenance Provenance `json:"provenance"`
}

// New creates an active warm record with defaults filled in.
func New(scope Scope, typ Type, content, subject string, importance int) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         uuid.New().String(),
		Scope:      scope,
		Type:       typ,
		Content:    content,
		Subject:    subject,
		Importance: importance,
		Confidence: 1.0,
		CreatedAt:  now,
		Tier:       TierWarm,
		Status:     StatusActive,
		Version:    1,
	}
}

// Validate checks the record against schema constraints. A failure returns
// a *ValidationError and must reject only this record, never the batch.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "empty"}
	}
	if r.Scope.TeamID == "" {
		return &ValidationError{Field: "scope.team_id", Reason: "empty"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown type " + string(r.Type)}
	}
	if r.Content == "" {
		return &ValidationError{Field: "content", Reason: "empty"}
	}
	if r.Importance < 1 || r.Importance > 10 {
		return &ValidationError{Field: "importance", Reason: "out of range [1,10]"}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "out of range [0,1]"}
	}
	if r.Version < 1 {
		return &ValidationError{Field: "version", Reason: "must be >= 1"}
	}
	return nil
}

// Protected reports whether the record is exempt from demotion and expiry.
func (r *Record) Protected() bool {
	return r.Pinned || r.Type == TypeIdentity
}

// Expired reports whether the record is past its expiry. Identity and
// pinned records never expire.
func (r *Record) Expired(now time.Time) bool {
	if r.Protected() || r.ExpiresAt == nil {
		return false
	}
	return now.After(*r.ExpiresAt)
}

// Clone returns a deep copy. Cached snapshots hand out clones so callers
// can never mutate shared state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Contradicts != nil {
		c.Contradicts = append([]string(nil), r.Contradicts...)
	}
	if r.SupersededBy != nil {
		v := *r.SupersededBy
		c.SupersededBy = &v
	}
	if r.ExpiresAt != nil {
		v := *r.ExpiresAt
		c.ExpiresAt = &v
	}
	if r.Provenance.MessageIDs != nil {
		c.Provenance.MessageIDs = append([]string(nil), r.Provenance.MessageIDs...)
	}
	return &c
}
