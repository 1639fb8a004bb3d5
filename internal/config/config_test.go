package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL",
		"SUPABASE_URL", "S3_URL", "SUPABASE_ACCESS_KEY", "S3_ACCESS_KEY",
		"SUPABASE_SERVICE_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_REGION",
		"GEMINI_API_KEY", "LLM_API_KEY", "LLM_PROVIDER", "LLM_BASE_URL",
		"LLM_CHAT_MODEL", "EMBEDDING_DIMENSION", "QDRANT_URL", "QDRANT_API_KEY",
		"REDIS_URL", "JWT_SECRET", "ADMIN_PASSWORD",
		"EMBEDDING_BATCH_SIZE", "EMBEDDING_MAX_RETRIES", "EMBEDDING_RETRY_BASE_MS",
		"EMBEDDING_CONCURRENCY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "stj-documents", cfg.ObjectStore.Bucket)
	assert.Equal(t, "us-east-1", cfg.ObjectStore.Region)
	assert.Equal(t, "google", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.ChatModel)
	assert.Equal(t, 768, cfg.LLM.EmbeddingDimension)
	assert.Equal(t, "http://localhost:6334", cfg.VectorStore.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Broker.URL)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/stj")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("EMBEDDING_DIMENSION", "1536")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://localhost/stj", cfg.Database.URL)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 1536, cfg.LLM.EmbeddingDimension)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
}

func TestRequireProduction_MissingJWTSecret(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/stj"},
		LLM:      LLMConfig{APIKey: "key"},
	}
	err := cfg.RequireProduction()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestRequireProduction_MissingDatabaseURL(t *testing.T) {
	cfg := &Config{
		Auth: AuthConfig{JWTSecret: "01234567890123456789012345678901"},
		LLM:  LLMConfig{APIKey: "key"},
	}
	err := cfg.RequireProduction()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestRequireProduction_MissingLLMAPIKey(t *testing.T) {
	cfg := &Config{
		Auth:     AuthConfig{JWTSecret: "01234567890123456789012345678901"},
		Database: DatabaseConfig{URL: "postgres://localhost/stj"},
	}
	err := cfg.RequireProduction()
	assert.ErrorContains(t, err, "GEMINI_API_KEY")
}

func TestRequireProduction_AllRequiredSet(t *testing.T) {
	cfg := &Config{
		Auth:     AuthConfig{JWTSecret: "01234567890123456789012345678901"},
		Database: DatabaseConfig{URL: "postgres://localhost/stj"},
		LLM:      LLMConfig{APIKey: "key"},
	}
	assert.NoError(t, cfg.RequireProduction())
}
