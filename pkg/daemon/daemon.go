package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/engram-labs/engram/internal/llm"
	"github.com/engram-labs/engram/pkg/audit"
	"github.com/engram-labs/engram/pkg/contradict"
	"github.com/engram-labs/engram/pkg/embed"
	"github.com/engram-labs/engram/pkg/extract"
	"github.com/engram-labs/engram/pkg/hotcache"
	"github.com/engram-labs/engram/pkg/retrieve"
	"github.com/engram-labs/engram/pkg/store"
	"github.com/engram-labs/engram/pkg/tier"
	"github.com/engram-labs/engram/pkg/vector"
)

// Daemon owns every engine component and the HTTP surface.
type Daemon struct {
	Config    *Config
	Store     *store.Store
	Audit     *audit.Log
	Index     vector.Index
	Embedder  embed.Service
	Cache     *hotcache.Cache
	Retriever *retrieve.Retriever
	Detector  *contradict.Detector
	Extractor *extract.Extractor // nil when no LLM is configured
	Tiers     *tier.Manager
	Sync      *vector.SyncWorker
	Events    *EventBus
	Scheduler *Scheduler

	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
}

// New builds a Daemon from config: opens the store, initializes schemas,
// picks the vector backend, and wires the pipeline.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}

	s, err := store.Open(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}

	log := audit.New(s.DB())
	if err := log.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}

	var embedder embed.Service
	if cfg.Embedding.TEIURL != "" {
		embedder = embed.NewClient(cfg.Embedding.TEIURL)
	} else {
		// Requests fail with ErrEmbeddingUnavailable; the semantic signal
		// degrades instead of the daemon refusing to start.
		slog.Warn("no embedding service configured, semantic signal disabled")
		embedder = embed.NewClient("http://127.0.0.1:0")
	}

	var index vector.Index
	if cfg.Vector.PostgresURL != "" {
		pg, err := vector.NewPGIndex(ctx, cfg.Vector.PostgresURL, cfg.Vector.Dimensions)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("vector backend: %w", err)
		}
		if err := pg.Init(ctx); err != nil {
			pg.Close()
			s.Close()
			return nil, fmt.Errorf("vector backend init: %w", err)
		}
		index = pg
	} else {
		slog.Info("no postgres configured, using embedded vector index")
		index = vector.NewChromemIndex()
	}

	cacheTTL := 5 * time.Minute
	if cfg.Cache.TTL != "" {
		if parsed, err := time.ParseDuration(cfg.Cache.TTL); err == nil {
			cacheTTL = parsed
		}
	}
	cache, err := hotcache.New(cfg.Cache.MaxTokens, cacheTTL)
	if err != nil {
		index.Close()
		s.Close()
		return nil, err
	}

	router := buildRouter(cfg.LLM)
	detector := contradict.New(s, log, embedder, router)

	d := &Daemon{
		Config:    cfg,
		Store:     s,
		Audit:     log,
		Index:     index,
		Embedder:  embedder,
		Cache:     cache,
		Detector:  detector,
		Events:    NewEventBus(),
		Scheduler: NewScheduler(),
		startedAt: time.Now(),
	}

	d.Retriever = retrieve.New(s, index, embedder, cache, retrievalOptions(cfg.Retrieval))
	d.Tiers = tier.NewManager(s, log, func(typ, msg string) {
		d.Events.Publish(Event{Type: EventTier, Message: msg})
	}, tierConfig(cfg.Sweep))
	d.Sync = vector.NewSyncWorker(s, index, embedder, syncInterval(cfg.Embedding), cfg.Embedding.BatchSize)

	if router != nil {
		d.Extractor = extract.New(router, embedder, index, detector)
	} else {
		slog.Warn("no LLM configured, extraction endpoint disabled")
	}

	return d, nil
}

// buildRouter returns nil when no usable API key is configured.
func buildRouter(cfg LLMConfig) *llm.Router {
	key := cfg.APIKey
	if key == "" || strings.HasPrefix(key, "$") {
		return nil
	}
	providers := map[llm.Tier]llm.Provider{}
	if cfg.BaseURL != "" {
		providers[llm.TierDeep] = llm.NewAnthropicCompat("anthropic", cfg.BaseURL, key, cfg.DeepModel)
	} else {
		providers[llm.TierDeep] = llm.NewAnthropic(key, cfg.DeepModel)
	}
	if cfg.FastModel != "" {
		providers[llm.TierFast] = llm.NewAnthropic(key, cfg.FastModel)
	}
	return llm.NewRouter(providers)
}

func retrievalOptions(cfg RetrievalConfig) retrieve.Options {
	opts := retrieve.DefaultOptions()
	if cfg.SignalTimeoutMS > 0 {
		opts.SignalTimeout = time.Duration(cfg.SignalTimeoutMS) * time.Millisecond
	}
	if cfg.OverallTimeoutMS > 0 {
		opts.OverallTimeout = time.Duration(cfg.OverallTimeoutMS) * time.Millisecond
	}
	weights := retrieve.Weights{
		Semantic:     cfg.WeightSemantic,
		Recency:      cfg.WeightRecency,
		Importance:   cfg.WeightImportance,
		Continuity:   cfg.WeightContinuity,
		Relationship: cfg.WeightRelation,
	}
	if weights != (retrieve.Weights{}) {
		opts.Weights = weights
	}
	return opts
}

func tierConfig(cfg SweepConfig) tier.Config {
	tc := tier.DefaultConfig()
	if cfg.Interval != "" {
		if parsed, err := time.ParseDuration(cfg.Interval); err == nil {
			tc.Interval = parsed
		}
	}
	return tc
}

func syncInterval(cfg EmbeddingConfig) time.Duration {
	if cfg.SyncInterval != "" {
		if parsed, err := time.ParseDuration(cfg.SyncInterval); err == nil {
			return parsed
		}
	}
	return 30 * time.Second
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	v := d.healthy
	d.healthyMu.RUnlock()
	return v
}

// Run starts the scheduler and HTTP server, then blocks until ctx is
// cancelled or the server fails.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.Config.Sweep.Disabled {
		d.Scheduler.Schedule("tier-sweep", d.Tiers.Interval(), func(jctx context.Context) error {
			report := d.Tiers.SweepOnce(jctx)
			if report.Promoted+report.Demoted+report.Archived > 0 {
				d.Events.Publish(Event{Type: EventStatus, Message: fmt.Sprintf(
					"sweep: %d promoted, %d demoted, %d archived",
					report.Promoted, report.Demoted, report.Archived)})
			}
			return nil
		})
	}
	d.Scheduler.Schedule("vector-sync", syncInterval(d.Config.Embedding), func(jctx context.Context) error {
		_, err := d.Sync.SyncOnce(jctx)
		return err
	})
	go d.Scheduler.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/retrieve", d.handleRetrieve)
	mux.HandleFunc("/v1/remember", d.handleRemember)
	mux.HandleFunc("/v1/extract", d.handleExtract)
	mux.HandleFunc("/v1/feedback", d.handleFeedback)
	mux.HandleFunc("/v1/audit/reconstruct", d.handleReconstruct)
	mux.HandleFunc("/v1/events", d.handleEvents)

	d.httpServer = &http.Server{Addr: d.Config.HTTPAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		err := d.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	d.setHealthy(true)
	slog.Info("daemon running", "name", d.Config.Name, "addr", d.Config.HTTPAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.setHealthy(false)
		d.close()
		return err
	}

	d.setHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}
	d.close()
	return nil
}

func (d *Daemon) close() {
	if d.Cache != nil {
		d.Cache.Close()
	}
	if d.Index != nil {
		if err := d.Index.Close(); err != nil {
			slog.Warn("vector index close failed", "error", err)
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
}
