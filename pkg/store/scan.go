package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/engram-labs/engram/pkg/memory"
)

const selectRecord = `SELECT id, team_id, agent_id, user_id, type, content, subject,
	importance, confidence, pinned, access_count, last_accessed_at,
	created_at, expires_at, tier, status, version, superseded_by,
	contradicts, segment_id, message_ids, pass
	FROM memories`

// scanRecord reads one row from a query built on selectRecord.
func scanRecord(rows *sql.Rows) (*memory.Record, error) {
	var r memory.Record
	var agentID, userID, lastAccessed, expiresAt sql.NullString
	var supersededBy, contradicts, segmentID, messageIDs, pass sql.NullString
	var createdAt string
	var pinned int

	err := rows.Scan(
		&r.ID, &r.Scope.TeamID, &agentID, &userID,
		(*string)(&r.Type), &r.Content, &r.Subject,
		&r.Importance, &r.Confidence, &pinned,
		&r.AccessCount, &lastAccessed,
		&createdAt, &expiresAt,
		(*string)(&r.Tier), (*string)(&r.Status), &r.Version, &supersededBy,
		&contradicts, &segmentID, &messageIDs, &pass,
	)
	if err != nil {
		return nil, err
	}

	r.Pinned = pinned != 0
	if agentID.Valid {
		v := agentID.String
		r.Scope.AgentID = &v
	}
	if userID.Valid {
		v := userID.String
		r.Scope.UserID = &v
	}
	r.CreatedAt = parseTime(createdAt)
	if lastAccessed.Valid {
		r.LastAccessedAt = parseTime(lastAccessed.String)
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		r.ExpiresAt = &t
	}
	if supersededBy.Valid && supersededBy.String != "" {
		v := supersededBy.String
		r.SupersededBy = &v
	}
	if contradicts.Valid && contradicts.String != "" {
		_ = json.Unmarshal([]byte(contradicts.String), &r.Contradicts)
	}
	if segmentID.Valid {
		r.Provenance.SegmentID = segmentID.String
	}
	if messageIDs.Valid && messageIDs.String != "" {
		_ = json.Unmarshal([]byte(messageIDs.String), &r.Provenance.MessageIDs)
	}
	if pass.Valid {
		r.Provenance.Pass = pass.String
	}
	return &r, nil
}

// parseTime parses a datetime string from SQLite, handling the formats
// different writers may have used.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
