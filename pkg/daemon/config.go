package daemon

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Name      string           `json:"name"`
	DataPath  string           `json:"data_path,omitempty"` // SQLite database file
	HTTPAddr  string           `json:"http_addr,omitempty"`
	Embedding EmbeddingConfig  `json:"embedding,omitempty"`
	Vector    VectorConfig     `json:"vector,omitempty"`
	Cache     CacheConfig      `json:"cache,omitempty"`
	Retrieval RetrievalConfig  `json:"retrieval,omitempty"`
	Sweep     SweepConfig      `json:"sweep,omitempty"`
	LLM       LLMConfig        `json:"llm,omitempty"`
}

type EmbeddingConfig struct {
	TEIURL       string `json:"tei_url,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

type VectorConfig struct {
	PostgresURL string `json:"postgres_url,omitempty"` // empty = embedded index
	Dimensions  int    `json:"dimensions,omitempty"`
}

type CacheConfig struct {
	MaxTokens int64  `json:"max_tokens,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

type RetrievalConfig struct {
	SignalTimeoutMS  int     `json:"signal_timeout_ms,omitempty"`
	OverallTimeoutMS int     `json:"overall_timeout_ms,omitempty"`
	DefaultBudget    int     `json:"default_budget,omitempty"`
	WeightSemantic   float64 `json:"weight_semantic,omitempty"`
	WeightRecency    float64 `json:"weight_recency,omitempty"`
	WeightImportance float64 `json:"weight_importance,omitempty"`
	WeightContinuity float64 `json:"weight_continuity,omitempty"`
	WeightRelation   float64 `json:"weight_relationship,omitempty"`
}

type SweepConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type LLMConfig struct {
	APIKey    string `json:"api_key,omitempty"` // $VAR resolves from env
	BaseURL   string `json:"base_url,omitempty"`
	DeepModel string `json:"deep_model,omitempty"`
	FastModel string `json:"fast_model,omitempty"`
}

// LoadConfig reads the config file (if any), deep-merges it over defaults,
// and applies an optional private overlay from ENGRAM_PRIVATE_CONFIG.
func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("ENGRAM_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Name = resolveEnv(cfg.Name)
	cfg.DataPath = resolveEnv(cfg.DataPath)
	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.Embedding.TEIURL = resolveEnv(cfg.Embedding.TEIURL)
	cfg.Vector.PostgresURL = resolveEnv(cfg.Vector.PostgresURL)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = resolveEnv(cfg.LLM.BaseURL)

	if cfg.Name == "" {
		cfg.Name = "engram"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "engram.db"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	return &cfg, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Name:     "engram",
		DataPath: envOr("ENGRAM_DATA_PATH", "engram.db"),
		HTTPAddr: envOr("ENGRAM_HTTP_ADDR", ":8080"),
		Embedding: EmbeddingConfig{
			TEIURL:       envOr("ENGRAM_TEI_URL", ""),
			SyncInterval: envOr("ENGRAM_SYNC_INTERVAL", "30s"),
			BatchSize:    32,
		},
		Vector: VectorConfig{
			PostgresURL: envOr("ENGRAM_PG_URL", ""),
			Dimensions:  768,
		},
		Cache: CacheConfig{
			MaxTokens: 1 << 20,
			TTL:       "5m",
		},
		Retrieval: RetrievalConfig{
			SignalTimeoutMS:  150,
			OverallTimeoutMS: 400,
			DefaultBudget:    2000,
		},
		Sweep: SweepConfig{
			Disabled: envOr("ENGRAM_SWEEP_DISABLED", "") != "",
			Interval: envOr("ENGRAM_SWEEP_INTERVAL", "15m"),
		},
		LLM: LLMConfig{
			APIKey:    envOr("ENGRAM_LLM_API_KEY", "$ANTHROPIC_API_KEY"),
			DeepModel: envOr("ENGRAM_LLM_DEEP_MODEL", ""),
			FastModel: envOr("ENGRAM_LLM_FAST_MODEL", "claude-haiku-4-5"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
