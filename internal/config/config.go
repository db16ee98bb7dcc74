// Package config provides configuration management for OpenMemory.
// It loads settings from environment variables with the OPENMEMORY_ prefix
// and provides sensible defaults for every knob. An optional .env file is
// read first, then an optional YAML file named by OPENMEMORY_CONFIG_FILE;
// environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for OpenMemory.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Engine      EngineConfig      `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Ops         OpsConfig         `yaml:"ops"`
}

// StorageConfig selects and parameterizes the metadata backend.
type StorageConfig struct {
	MetadataBackend string `yaml:"metadata_backend"` // sqlite or postgres (default: sqlite)
	DBPath          string `yaml:"db_path"`          // SQLite file path (default: ./data/openmemory.db)

	PGHost             string `yaml:"pg_host"`
	PGPort             int    `yaml:"pg_port"`
	PGDB               string `yaml:"pg_db"`
	PGUser             string `yaml:"pg_user"`
	PGPassword         string `yaml:"pg_password"`
	PGSSL              string `yaml:"pg_ssl"`    // sslmode value (default: disable)
	PGSchema           string `yaml:"pg_schema"` // optional search_path schema
	PGConnectionString string `yaml:"pg_connection_string"`

	// EncryptionKey enables AES-GCM content encryption at rest when set.
	EncryptionKey string `yaml:"encryption_key"`
}

// EmbeddingConfig parameterizes the provider pipeline.
type EmbeddingConfig struct {
	Kind     string   `yaml:"embed_kind"`         // synthetic, openai, gemini, ollama, router_cpu
	Fallback []string `yaml:"embedding_fallback"` // ordered provider names after Kind
	VecDim   int      `yaml:"vec_dim"`            // target vector dimension (default: 256)
	Mode     string   `yaml:"embed_mode"`         // simple or advanced (default: simple)
	Parallel bool     `yaml:"adv_embed_parallel"` // bounded parallel per-sector embeds

	// RouterSectorModels maps sector name to provider name for router_cpu.
	RouterSectorModels map[string]string `yaml:"router_sector_models"`

	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
	OllamaURL    string `yaml:"ollama_url"`
	OllamaModel  string `yaml:"ollama_model"`
}

// EngineConfig tunes retrieval and ingestion.
type EngineConfig struct {
	SegSize          int     `yaml:"seg_size"`           // memories per segment, 0 disables rotation
	SummaryMaxLength int     `yaml:"summary_max_length"` // content truncation, 0 disables
	KeywordBoost     float64 `yaml:"keyword_boost"`      // verbatim-match bonus (default: 0.3)
	HybridFusion     bool    `yaml:"hybrid_fusion"`      // fuse provider and synthetic vectors
	Spreading        bool    `yaml:"spreading"`          // spreading activation over waypoints
}

// MaintenanceConfig paces the background jobs.
type MaintenanceConfig struct {
	DecayIntervalMinutes int     `yaml:"decay_interval_minutes"` // default: 60
	DecayRatio           float64 `yaml:"decay_ratio"`            // fraction of chunks per pass (default: 1.0)
	DecaySleepMs         int     `yaml:"decay_sleep_ms"`         // sleep between chunks (default: 100)
}

// OpsConfig bounds the facade.
type OpsConfig struct {
	MaxActive int `yaml:"max_active"` // concurrent query cap (default: 100)
}

// Load reads configuration: .env if present, then the YAML file named by
// OPENMEMORY_CONFIG_FILE, then environment variables on top.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("OPENMEMORY_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.MetadataBackend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown metadata_backend %q", c.Storage.MetadataBackend)
	}
	if c.Embedding.VecDim < 1 {
		return fmt.Errorf("config: vec_dim must be positive, got %d", c.Embedding.VecDim)
	}
	switch c.Embedding.Mode {
	case "simple", "advanced":
	default:
		return fmt.Errorf("config: unknown embed_mode %q", c.Embedding.Mode)
	}
	return nil
}

// PGConnString assembles the lib/pq DSN, preferring the explicit connection
// string when set.
func (c *StorageConfig) PGConnString() string {
	if c.PGConnectionString != "" {
		return c.PGConnectionString
	}
	parts := []string{
		fmt.Sprintf("host=%s", c.PGHost),
		fmt.Sprintf("port=%d", c.PGPort),
		fmt.Sprintf("dbname=%s", c.PGDB),
		fmt.Sprintf("user=%s", c.PGUser),
		fmt.Sprintf("sslmode=%s", c.PGSSL),
	}
	if c.PGPassword != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.PGPassword))
	}
	if c.PGSchema != "" {
		parts = append(parts, fmt.Sprintf("search_path=%s", c.PGSchema))
	}
	return strings.Join(parts, " ")
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			MetadataBackend: "sqlite",
			DBPath:          "./data/openmemory.db",
			PGHost:          "localhost",
			PGPort:          5432,
			PGDB:            "openmemory",
			PGUser:          "openmemory",
			PGSSL:           "disable",
		},
		Embedding: EmbeddingConfig{
			Kind:        "synthetic",
			VecDim:      256,
			Mode:        "simple",
			OpenAIModel: "text-embedding-3-small",
			GeminiModel: "text-embedding-004",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "nomic-embed-text",
		},
		Engine: EngineConfig{
			SummaryMaxLength: 2000,
			KeywordBoost:     0.3,
			Spreading:        true,
		},
		Maintenance: MaintenanceConfig{
			DecayIntervalMinutes: 60,
			DecayRatio:           1.0,
			DecaySleepMs:         100,
		},
		Ops: OpsConfig{
			MaxActive: 100,
		},
	}
}

func applyEnv(c *Config) {
	c.Storage.MetadataBackend = getEnv("OPENMEMORY_METADATA_BACKEND", c.Storage.MetadataBackend)
	c.Storage.DBPath = getEnv("OPENMEMORY_DB_PATH", c.Storage.DBPath)
	c.Storage.PGHost = getEnv("OPENMEMORY_PG_HOST", c.Storage.PGHost)
	c.Storage.PGPort = getEnvInt("OPENMEMORY_PG_PORT", c.Storage.PGPort)
	c.Storage.PGDB = getEnv("OPENMEMORY_PG_DB", c.Storage.PGDB)
	c.Storage.PGUser = getEnv("OPENMEMORY_PG_USER", c.Storage.PGUser)
	c.Storage.PGPassword = getEnv("OPENMEMORY_PG_PASSWORD", c.Storage.PGPassword)
	c.Storage.PGSSL = getEnv("OPENMEMORY_PG_SSL", c.Storage.PGSSL)
	c.Storage.PGSchema = getEnv("OPENMEMORY_PG_SCHEMA", c.Storage.PGSchema)
	c.Storage.PGConnectionString = getEnv("OPENMEMORY_PG_CONNECTION_STRING", c.Storage.PGConnectionString)
	c.Storage.EncryptionKey = getEnv("OPENMEMORY_ENCRYPTION_KEY", c.Storage.EncryptionKey)

	c.Embedding.Kind = getEnv("OPENMEMORY_EMBED_KIND", c.Embedding.Kind)
	if raw := os.Getenv("OPENMEMORY_EMBEDDING_FALLBACK"); raw != "" {
		c.Embedding.Fallback = splitList(raw)
	}
	c.Embedding.VecDim = getEnvInt("OPENMEMORY_VEC_DIM", c.Embedding.VecDim)
	c.Embedding.Mode = getEnv("OPENMEMORY_EMBED_MODE", c.Embedding.Mode)
	c.Embedding.Parallel = getEnvBool("OPENMEMORY_ADV_EMBED_PARALLEL", c.Embedding.Parallel)
	if raw := os.Getenv("OPENMEMORY_ROUTER_SECTOR_MODELS"); raw != "" {
		c.Embedding.RouterSectorModels = splitMap(raw)
	}
	c.Embedding.OpenAIAPIKey = getEnv("OPENMEMORY_OPENAI_API_KEY", c.Embedding.OpenAIAPIKey)
	c.Embedding.OpenAIModel = getEnv("OPENMEMORY_OPENAI_MODEL", c.Embedding.OpenAIModel)
	c.Embedding.GeminiAPIKey = getEnv("OPENMEMORY_GEMINI_API_KEY", c.Embedding.GeminiAPIKey)
	c.Embedding.GeminiModel = getEnv("OPENMEMORY_GEMINI_MODEL", c.Embedding.GeminiModel)
	c.Embedding.OllamaURL = getEnv("OPENMEMORY_OLLAMA_URL", c.Embedding.OllamaURL)
	c.Embedding.OllamaModel = getEnv("OPENMEMORY_OLLAMA_MODEL", c.Embedding.OllamaModel)

	c.Engine.SegSize = getEnvInt("OPENMEMORY_SEG_SIZE", c.Engine.SegSize)
	c.Engine.SummaryMaxLength = getEnvInt("OPENMEMORY_SUMMARY_MAX_LENGTH", c.Engine.SummaryMaxLength)
	c.Engine.KeywordBoost = getEnvFloat("OPENMEMORY_KEYWORD_BOOST", c.Engine.KeywordBoost)
	c.Engine.HybridFusion = getEnvBool("OPENMEMORY_HYBRID_FUSION", c.Engine.HybridFusion)
	c.Engine.Spreading = getEnvBool("OPENMEMORY_SPREADING", c.Engine.Spreading)

	c.Maintenance.DecayIntervalMinutes = getEnvInt("OPENMEMORY_DECAY_INTERVAL_MINUTES", c.Maintenance.DecayIntervalMinutes)
	c.Maintenance.DecayRatio = getEnvFloat("OPENMEMORY_DECAY_RATIO", c.Maintenance.DecayRatio)
	c.Maintenance.DecaySleepMs = getEnvInt("OPENMEMORY_DECAY_SLEEP_MS", c.Maintenance.DecaySleepMs)

	c.Ops.MaxActive = getEnvInt("OPENMEMORY_MAX_ACTIVE", c.Ops.MaxActive)
}

// splitList parses a comma-separated list, trimming whitespace.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitMap parses "sector=provider,sector=provider".
func splitMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] != "" && kv[1] != "" {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
