// Package embed provides the embedding service client used by the semantic
// retrieval signal and the extraction dedup check.
//
// The production client speaks the HuggingFace Text Embeddings Inference
// (TEI) HTTP protocol. Responses are memoized by content hash: embeddings
// are deterministic for a given text and model version, so a cache hit is
// always safe. When the service is unreachable, callers receive
// memory.ErrEmbeddingUnavailable and are expected to drop the semantic
// signal rather than fail.
package embed

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/engram-labs/engram/pkg/memory"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "
)

// Service converts text to fixed-length vectors.
type Service interface {
	// EmbedQuery embeds a retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocument embeds a document for storage.
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds multiple documents in one round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Client is an HTTP client for a TEI-compatible embedding service with a
// content-hash memoization cache.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string][]float32 // md5(prefix+text) -> vector
}

// NewClient creates a Client for the given TEI base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[string][]float32),
	}
}

type embedRequest struct {
	Inputs any `json:"inputs"` // string or []string
}

func cacheKey(prefix, text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(prefix+text)))
}

func (c *Client) cached(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *Client) put(key string, vec []float32) {
	c.mu.Lock()
	c.cache[key] = vec
	c.mu.Unlock()
}

// embed calls the TEI /embed endpoint for the given prefixed texts.
func (c *Client) embed(ctx context.Context, texts []string, prefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = prefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", memory.ErrEmbeddingUnavailable, resp.StatusCode, string(respBody))
	}

	var embeddings [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embed response size mismatch: want %d, got %d", len(texts), len(embeddings))
	}
	return embeddings, nil
}

func (c *Client) embedOne(ctx context.Context, text, prefix string) ([]float32, error) {
	key := cacheKey(prefix, text)
	if vec, ok := c.cached(key); ok {
		return vec, nil
	}
	results, err := c.embed(ctx, []string{text}, prefix)
	if err != nil {
		return nil, err
	}
	c.put(key, results[0])
	return results[0], nil
}

// EmbedQuery embeds a retrieval query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embedOne(ctx, text, PrefixQuery)
}

// EmbedDocument embeds a document for storage.
func (c *Client) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return c.embedOne(ctx, text, PrefixDocument)
}

// EmbedBatch embeds multiple documents, serving what it can from cache and
// fetching the rest in a single request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := c.cached(cacheKey(PrefixDocument, t)); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	fetched, err := c.embed(ctx, missing, PrefixDocument)
	if err != nil {
		return nil, err
	}
	for j, vec := range fetched {
		idx := missingIdx[j]
		results[idx] = vec
		c.put(cacheKey(PrefixDocument, texts[idx]), vec)
	}
	return results, nil
}

// Health checks if the embedding service is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", memory.ErrEmbeddingUnavailable, resp.StatusCode)
	}
	return nil
}
