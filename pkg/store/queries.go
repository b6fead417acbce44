package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/engram-labs/engram/pkg/memory"
)

// retrievableStatuses are the statuses a retrieval signal may surface.
// Disputed records stay retrievable (the retriever halves their score);
// superseded and archived records only come back via explicit id fetches.
const retrievableStatuses = `status IN ('active', 'disputed')`

// scopeFilter builds the tenant-isolation WHERE fragment. A query scoped to
// an agent sees shared rows plus that agent's private rows; a query without
// an agent sees shared rows only. User scoping works the same way.
func scopeFilter(scope memory.Scope) (string, []any) {
	conds := []string{"team_id = ?"}
	args := []any{scope.TeamID}

	if scope.AgentID != nil {
		conds = append(conds, "(agent_id IS NULL OR agent_id = ?)")
		args = append(args, *scope.AgentID)
	} else {
		conds = append(conds, "agent_id IS NULL")
	}
	if scope.UserID != nil {
		conds = append(conds, "(user_id IS NULL OR user_id = ?)")
		args = append(args, *scope.UserID)
	} else {
		conds = append(conds, "user_id IS NULL")
	}
	return strings.Join(conds, " AND "), args
}

// QueryByRecency returns the most recently accessed retrievable records in
// scope. Records never accessed fall back to creation time.
func (s *Store) QueryByRecency(ctx context.Context, scope memory.Scope, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 30
	}
	where, args := scopeFilter(scope)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, selectRecord+fmt.Sprintf(`
		WHERE %s AND %s
		ORDER BY COALESCE(last_accessed_at, created_at) DESC, id
		LIMIT ?`, where, retrievableStatuses), args...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "query_recency", Err: err}
	}
	defer rows.Close()
	return collectRecords(rows)
}

// QueryByImportance returns every identity record in scope plus the top
// pinned/high-importance records. Identity records are fetched separately
// so the limit can never cut them.
func (s *Store) QueryByImportance(ctx context.Context, scope memory.Scope, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 30
	}
	where, scopeArgs := scopeFilter(scope)

	rows, err := s.db.QueryContext(ctx, selectRecord+fmt.Sprintf(`
		WHERE %s AND %s AND type = 'identity'
		ORDER BY created_at, id`, where, retrievableStatuses), scopeArgs...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "query_importance", Err: err}
	}
	identity, err := collectRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	args := append(append([]any{}, scopeArgs...), limit)
	rows, err = s.db.QueryContext(ctx, selectRecord+fmt.Sprintf(`
		WHERE %s AND %s AND type != 'identity' AND (pinned = 1 OR importance >= 7)
		ORDER BY pinned DESC, importance DESC, id
		LIMIT ?`, where, retrievableStatuses), args...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "query_importance", Err: err}
	}
	defer rows.Close()
	boosted, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	return append(identity, boosted...), nil
}

// QueryByContinuity returns records whose provenance ties them to the given
// conversation. Segment ids are prefixed with their conversation id, so a
// prefix match covers every segment of the conversation.
func (s *Store) QueryByContinuity(ctx context.Context, scope memory.Scope, conversationID string, limit int) ([]*memory.Record, error) {
	if conversationID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	where, args := scopeFilter(scope)
	args = append(args, conversationID, conversationID+"%", limit)
	rows, err := s.db.QueryContext(ctx, selectRecord+fmt.Sprintf(`
		WHERE %s AND %s AND (segment_id = ? OR segment_id LIKE ?)
		ORDER BY created_at DESC, id
		LIMIT ?`, where, retrievableStatuses), args...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "query_continuity", Err: err}
	}
	defer rows.Close()
	return collectRecords(rows)
}

// QueryByRelationship returns records one hop away from the seed records:
// contradiction partners, supersession neighbors, and same-subject rows.
// Seeds themselves are excluded.
func (s *Store) QueryByRelationship(ctx context.Context, scope memory.Scope, seeds []*memory.Record, limit int) ([]*memory.Record, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	seedIDs := make(map[string]bool, len(seeds))
	var relIDs []string
	var subjects []string
	for _, seed := range seeds {
		seedIDs[seed.ID] = true
		relIDs = append(relIDs, seed.Contradicts...)
		if seed.SupersededBy != nil {
			relIDs = append(relIDs, *seed.SupersededBy)
		}
		if seed.Subject != "" {
			subjects = append(subjects, seed.Subject)
		}
	}
	if len(relIDs) == 0 && len(subjects) == 0 {
		return nil, nil
	}

	where, args := scopeFilter(scope)
	var hops []string
	if len(relIDs) > 0 {
		ph, idArgs := placeholderList(relIDs)
		hops = append(hops, fmt.Sprintf("id IN (%s)", ph))
		args = append(args, idArgs...)
	}
	if len(subjects) > 0 {
		ph, subjArgs := placeholderList(subjects)
		hops = append(hops, fmt.Sprintf("subject IN (%s)", ph))
		args = append(args, subjArgs...)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, selectRecord+fmt.Sprintf(`
		WHERE %s AND %s AND (%s)
		ORDER BY importance DESC, id
		LIMIT ?`, where, retrievableStatuses, strings.Join(hops, " OR ")), args...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "query_relationship", Err: err}
	}
	defer rows.Close()
	all, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	filtered := all[:0]
	for _, r := range all {
		if !seedIDs[r.ID] {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// QueryBySubject returns retrievable records in scope with the exact
// subject key. Used for conflict matching and extraction dedup.
func (s *Store) QueryBySubject(ctx context.Context, scope memory.Scope, subject string) ([]*memory.Record, error) {
	if subject == "" {
		return nil, nil
	}
	where, args := scopeFilter(scope)
	args = append(args, subject)
	rows, err := s.db.QueryContext(ctx, selectRecord+fmt.Sprintf(`
		WHERE %s AND %s AND subject = ?
		ORDER BY version DESC, created_at DESC`, where, retrievableStatuses), args...)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "query_subject", Err: err}
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListByTier returns records in a tier across all teams, oldest first.
// Used by the maintenance sweep, never by the request path.
func (s *Store) ListByTier(ctx context.Context, tier memory.Tier, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE tier = ?
		ORDER BY created_at, id
		LIMIT ?`, string(tier), limit)
	if err != nil {
		return nil, &memory.TransientStoreError{Op: "list_by_tier", Err: err}
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*memory.Record, error) {
	var records []*memory.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
