package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/engram-labs/engram/pkg/extract"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/retrieve"
	"github.com/engram-labs/engram/pkg/store"
	"github.com/engram-labs/engram/pkg/vector"
)

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if d.isHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

type scopeRequest struct {
	TeamID  string  `json:"team_id"`
	AgentID *string `json:"agent_id,omitempty"`
	UserID  *string `json:"user_id,omitempty"`
}

func (s scopeRequest) scope() memory.Scope {
	return memory.Scope{TeamID: s.TeamID, AgentID: s.AgentID, UserID: s.UserID}
}

type retrieveRequest struct {
	scopeRequest
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	TokenBudget    int    `json:"token_budget,omitempty"`
}

type retrieveItem struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Subject    string  `json:"subject,omitempty"`
	Score      float64 `json:"score"`
	Pinned     bool    `json:"pinned"`
	Disputed   bool    `json:"disputed"`
	Tier       string  `json:"tier"`
	Importance int     `json:"importance"`
	Tokens     int     `json:"tokens"`
}

type retrieveResponse struct {
	Items       []retrieveItem `json:"items"`
	TotalTokens int            `json:"total_tokens"`
	Degraded    bool           `json:"degraded"`
	Warning     string         `json:"warning,omitempty"`
	FromCache   bool           `json:"from_cache"`
}

func (d *Daemon) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TokenBudget <= 0 {
		req.TokenBudget = d.Config.Retrieval.DefaultBudget
	}

	result, err := d.Retriever.Retrieve(r.Context(), retrieve.Query{
		Text:           req.Query,
		Scope:          req.scope(),
		ConversationID: req.ConversationID,
		TokenBudget:    req.TokenBudget,
	})
	if err != nil {
		var verr *memory.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := retrieveResponse{
		Items:       make([]retrieveItem, 0, len(result.Items)),
		TotalTokens: result.TotalTokens,
		Degraded:    result.Degraded,
		Warning:     result.Warning,
		FromCache:   result.FromCache,
	}
	for _, it := range result.Items {
		rec := it.Record
		resp.Items = append(resp.Items, retrieveItem{
			ID:         rec.ID,
			Type:       string(rec.Type),
			Content:    rec.Content,
			Subject:    rec.Subject,
			Score:      it.Score,
			Pinned:     rec.Pinned,
			Disputed:   rec.Status == memory.StatusDisputed,
			Tier:       string(rec.Tier),
			Importance: rec.Importance,
			Tokens:     memory.EstimateTokens(rec.Content),
		})
	}
	writeJSON(w, resp)
}

type rememberRequest struct {
	scopeRequest
	Content    string `json:"content"`
	Subject    string `json:"subject,omitempty"`
	Type       string `json:"type,omitempty"`
	Pinned     bool   `json:"pinned,omitempty"`
	Importance int    `json:"importance,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"` // RFC3339
}

// handleRemember is the explicit "remember this" ingestion path. Explicit
// requests default to importance 10 and go through contradiction
// resolution like extracted facts.
func (d *Daemon) handleRemember(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	typ := memory.Type(req.Type)
	if req.Type == "" {
		typ = memory.TypeSemantic
	}
	importance := req.Importance
	if importance == 0 {
		importance = 10
	}

	rec := memory.New(req.scope(), typ, req.Content, req.Subject, importance)
	rec.Pinned = req.Pinned
	rec.Provenance = memory.Provenance{Pass: "remember"}
	if req.ExpiresAt != "" {
		at, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires_at: "+err.Error())
			return
		}
		rec.ExpiresAt = &at
	}
	if err := rec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if vec, err := d.Embedder.EmbedDocument(r.Context(), rec.Content); err == nil {
		rec.Embedding = vec
	}

	verdict, err := d.Detector.Resolve(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if rec.Embedding != nil {
		if err := d.Index.Upsert(r.Context(), vector.Entry{
			MemoryID:    rec.ID,
			Embedding:   rec.Embedding,
			ContentHash: store.ContentHash(rec.Content),
			Scope:       rec.Scope,
			Status:      rec.Status,
		}); err != nil {
			slog.Warn("remember: index upsert failed", "memory_id", rec.ID, "error", err)
		}
	}

	d.Cache.InvalidateTeam(req.TeamID)
	d.Events.Publish(Event{Type: EventMemory, Message: fmt.Sprintf(
		"remembered %s (%s)", rec.ID, verdict.Outcome)})

	writeJSON(w, map[string]any{
		"id":      rec.ID,
		"verdict": verdict.Outcome,
		"version": rec.Version,
	})
}

type extractRequest struct {
	scopeRequest
	Segment extract.Segment `json:"segment"`
}

func (d *Daemon) handleExtract(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if d.Extractor == nil {
		writeError(w, http.StatusServiceUnavailable, "no LLM configured")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	result, err := d.Extractor.Extract(r.Context(), req.scope(), req.Segment)
	if err != nil {
		// The shield already decided trimmable=false; report both.
		slog.Warn("extraction failed", "segment_id", req.Segment.ID, "error", err)
	}
	if result == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(result.Created) > 0 {
		d.Cache.InvalidateTeam(req.TeamID)
	}

	ids := make([]string, len(result.Created))
	for i, rec := range result.Created {
		ids[i] = rec.ID
	}
	writeJSON(w, map[string]any{
		"created":    ids,
		"duplicates": result.Duplicates,
		"discarded":  result.Discarded,
		"trimmable":  result.Trimmable,
	})
}

type feedbackRequest struct {
	ID       string `json:"id"`
	Positive bool   `json:"positive"`
	Reason   string `json:"reason,omitempty"`
}

func (d *Daemon) handleFeedback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := d.Tiers.Feedback(r.Context(), req.ID, req.Positive, req.Reason); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// handleReconstruct replays the audit log and returns the memory state as
// of the requested time.
func (d *Daemon) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at: "+err.Error())
			return
		}
		at = parsed
	}
	teamID := r.URL.Query().Get("team_id")

	state, err := d.Audit.ReconstructAt(r.Context(), at, teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"at":      at.Format(time.RFC3339),
		"count":   len(state),
		"records": state,
	})
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.Events.Subscribe()
	defer d.Events.Unsubscribe(done)

	for _, e := range d.Events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	b, _ := json.Marshal(map[string]string{"error": msg})
	w.Write(b)
}
