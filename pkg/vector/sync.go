package vector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engram-labs/engram/pkg/embed"
	"github.com/engram-labs/engram/pkg/memory"
	"github.com/engram-labs/engram/pkg/store"
)

// SyncWorker keeps the similarity index consistent with the SQLite store.
// It polls for un-indexed records and status drift, embedding new content
// in batches. Content is immutable, so a hash mismatch should never occur;
// if one does the record is re-embedded anyway.
type SyncWorker struct {
	store     *store.Store
	index     Index
	embedder  embed.Service
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a background sync worker.
func NewSyncWorker(s *store.Store, index Index, embedder embed.Service, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		store:     s,
		index:     index,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("vector sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Backfill on startup so a fresh index catches up immediately.
	if n, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial vector sync failed", "error", err)
	} else if n > 0 {
		slog.Info("initial vector sync complete", "indexed", n)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("vector sync worker stopping")
			return
		case <-ticker.C:
			if n, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("vector sync cycle failed", "error", err)
			} else if n > 0 {
				slog.Info("vector sync cycle", "indexed", n)
			}
		}
	}
}

// SyncOnce runs a single sync cycle:
//  1. List every record's id, content hash, and status from SQLite.
//  2. List what the index already holds.
//  3. Mirror status drift for records whose content is already indexed.
//  4. Batch-embed and upsert everything new or stale.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.store.AllRefs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list store refs: %w", err)
	}
	indexed, err := w.index.Indexed(ctx)
	if err != nil {
		return 0, fmt.Errorf("list indexed: %w", err)
	}

	var toIndex []store.Ref
	for _, ref := range refs {
		existing, ok := indexed[ref.ID]
		if !ok || existing.ContentHash != ref.ContentHash {
			toIndex = append(toIndex, ref)
			continue
		}
		if existing.Status != ref.Status {
			if err := w.index.UpdateStatus(ctx, ref.ID, ref.Status); err != nil {
				slog.Warn("mirror status failed", "memory_id", ref.ID, "error", err)
			}
		}
	}

	if len(toIndex) == 0 {
		return 0, nil
	}

	slog.Info("records need indexing",
		"total", len(refs),
		"already_indexed", len(indexed),
		"to_index", len(toIndex),
	)

	totalIndexed := 0
	for i := 0; i < len(toIndex); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toIndex) {
			end = len(toIndex)
		}
		batch := toIndex[i:end]

		ids := make([]string, len(batch))
		for j, ref := range batch {
			ids[j] = ref.ID
		}
		records, err := w.store.FetchByIDs(ctx, ids)
		if err != nil {
			slog.Warn("fetch batch records failed", "error", err, "batch_start", i)
			continue
		}

		texts := make([]string, len(records))
		for j, r := range records {
			texts[j] = r.Content
		}
		embeddings, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			// The embedding service being down is a degradation, not a
			// failure; the next cycle retries.
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		entries := make([]Entry, len(records))
		for j, r := range records {
			entries[j] = Entry{
				MemoryID:    r.ID,
				Embedding:   embeddings[j],
				ContentHash: store.ContentHash(r.Content),
				Scope:       r.Scope,
				Status:      r.Status,
			}
		}
		if err := w.index.UpsertBatch(ctx, entries); err != nil {
			slog.Warn("upsert batch failed", "error", err, "batch_start", i)
			continue
		}

		totalIndexed += len(entries)
		slog.Debug("batch indexed",
			"batch", i/w.batchSize+1,
			"count", len(entries),
			"total_so_far", totalIndexed,
		)
	}

	return totalIndexed, nil
}

// IndexRecord embeds and indexes a single record immediately, outside the
// polling cycle. Used on the write path so new memories are searchable
// without waiting for the next sweep.
func (w *SyncWorker) IndexRecord(ctx context.Context, r *memory.Record) error {
	vec, err := w.embedder.EmbedDocument(ctx, r.Content)
	if err != nil {
		return err
	}
	return w.index.Upsert(ctx, Entry{
		MemoryID:    r.ID,
		Embedding:   vec,
		ContentHash: store.ContentHash(r.Content),
		Scope:       r.Scope,
		Status:      r.Status,
	})
}
