// Package config loads process configuration from the environment.
// Grounded on manifold's internal/config/config.go grouped-struct-per-concern
// shape (ServiceConfig, EmbeddingsConfig, ...), adapted from YAML-file
// loading to env-var loading per spec §6's "Config (environment)" list.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DatabaseConfig configures the relational/graph Postgres connection.
type DatabaseConfig struct {
	URL string
}

// ObjectStoreConfig configures the S3/MinIO-compatible object store.
type ObjectStoreConfig struct {
	URL       string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
}

// LLMConfig configures the LLM/embedding gateway.
type LLMConfig struct {
	APIKey             string
	Provider           string // "google" | "openai" | "anthropic"
	BaseURL            string
	ChatModel          string
	EmbeddingDimension int
}

// VectorStoreConfig configures the Qdrant vector store.
type VectorStoreConfig struct {
	URL    string
	APIKey string
}

// BrokerConfig configures the Redis-backed job broker.
type BrokerConfig struct {
	URL string
}

// AuthConfig configures the session layer (consumed only at its boundary;
// the auth/cookie layer itself is out of scope per spec §1).
type AuthConfig struct {
	JWTSecret      string
	AdminPassword  string
}

// EmbeddingConfig controls EmbeddingClient's batching/retry behavior (spec §4.2).
type EmbeddingConfig struct {
	BatchSize   int
	MaxRetries  int
	RetryBaseMS int
	Concurrency int
}

// Config is the complete process configuration.
type Config struct {
	Port     int
	LogLevel string

	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	LLM         LLMConfig
	VectorStore VectorStoreConfig
	Broker      BrokerConfig
	Auth        AuthConfig
	Embedding   EmbeddingConfig
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("config: invalid int, using default")
		return def
	}
	return n
}

// Load reads configuration from the environment, loading a local .env file
// first if present (godotenv, matching the teacher's local-dev convention).
// Required production variables absent at boot are an errs.ConfigMissing
// condition; Load itself only assembles values, callers decide when to
// enforce presence (see cmd/stjgraph-server, which enforces it before
// serving).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("config: could not load .env file")
	}

	cfg := &Config{
		Port:     getenvInt("PORT", 3000),
		LogLevel: getenv("LOG_LEVEL", "info"),

		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		ObjectStore: ObjectStoreConfig{
			URL:       getenv("SUPABASE_URL", os.Getenv("S3_URL")),
			AccessKey: getenv("SUPABASE_ACCESS_KEY", os.Getenv("S3_ACCESS_KEY")),
			SecretKey: getenv("SUPABASE_SERVICE_KEY", os.Getenv("S3_SECRET_KEY")),
			Bucket:    getenv("S3_BUCKET", "stj-documents"),
			Region:    getenv("S3_REGION", "us-east-1"),
		},
		LLM: LLMConfig{
			APIKey:             getenv("GEMINI_API_KEY", os.Getenv("LLM_API_KEY")),
			Provider:           getenv("LLM_PROVIDER", "google"),
			BaseURL:            os.Getenv("LLM_BASE_URL"),
			ChatModel:          getenv("LLM_CHAT_MODEL", "gpt-4o-mini"),
			EmbeddingDimension: getenvInt("EMBEDDING_DIMENSION", 768),
		},
		VectorStore: VectorStoreConfig{
			URL:    getenv("QDRANT_URL", "http://localhost:6334"),
			APIKey: os.Getenv("QDRANT_API_KEY"),
		},
		Broker: BrokerConfig{
			URL: getenv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Auth: AuthConfig{
			JWTSecret:     os.Getenv("JWT_SECRET"),
			AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		},
		Embedding: EmbeddingConfig{
			BatchSize:   getenvInt("EMBEDDING_BATCH_SIZE", 50),
			MaxRetries:  getenvInt("EMBEDDING_MAX_RETRIES", 3),
			RetryBaseMS: getenvInt("EMBEDDING_RETRY_BASE_MS", 300),
			Concurrency: getenvInt("EMBEDDING_CONCURRENCY", 1),
		},
	}

	return cfg, nil
}

// RequireProduction enforces the env vars spec §6 marks as required in
// production (ConfigMissing kind, process exits at boot per spec §7).
func (c *Config) RequireProduction() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT_SECRET must be set and at least 32 characters in production")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: GEMINI_API_KEY (or LLM_API_KEY) is required")
	}
	return nil
}
