// Package llm provides the LLM provider interface used by memory
// extraction and contradiction judgment.
package llm

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Tier represents the quality/cost tier for model selection. Polarity
// judgment runs on the fast tier; extraction passes run on the deep tier.
type Tier int

const (
	TierFast Tier = iota // cheap and quick, for yes/no judgments
	TierDeep             // thorough, for extraction passes
)

// Router selects a provider by task tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Complete routes a request to the provider for the tier, falling back to
// whichever other tier is configured.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

// Available reports whether any provider can serve the tier.
func (r *Router) Available(tier Tier) bool {
	return r.resolveProvider(tier) != nil
}

func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
