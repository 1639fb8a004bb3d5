// Command stjgraph-server boots the ingestion-graph-query pipeline: it wires
// every store and pipeline stage, starts the job runner's two queues, and
// serves the ambient /health and /metrics endpoints. The RPC surface shown
// to the UI, the auth/cookie layer, and the dashboard are out-of-scope
// external collaborators (spec §1) and are not implemented here.
//
// Grounded on manifold's cmd/webui/main.go (http.Server + signal.Notify
// graceful shutdown shape) and internal/rag/obs/metrics.go's OTel wiring,
// extended with glyphoxa's prometheus-exporter-backed MeterProvider
// (internal/observe/provider.go) so /metrics serves real Prometheus
// exposition instead of a hand-rolled one.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"stjgraph/internal/audit"
	"stjgraph/internal/config"
	"stjgraph/internal/embedclient"
	"stjgraph/internal/extract"
	"stjgraph/internal/graphengine"
	"stjgraph/internal/jobs"
	"stjgraph/internal/llm"
	"stjgraph/internal/llm/anthropic"
	"stjgraph/internal/llm/google"
	"stjgraph/internal/llm/openai"
	"stjgraph/internal/objectstore"
	"stjgraph/internal/obs"
	"stjgraph/internal/pipeline/document"
	"stjgraph/internal/pipeline/resource"
	"stjgraph/internal/queryplanner"
	"stjgraph/internal/ratelimit"
	"stjgraph/internal/store/graph"
	"stjgraph/internal/store/relational"
	"stjgraph/internal/store/vector"
)

// ragQueryMax and ragQueryWindow are spec §4.10/§6's rate-limit for
// rag.query: 10 requests per user per 60s.
const (
	ragQueryMax    = 10
	ragQueryWindow = 60 * time.Second
)

var startedAt = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stjgraph-server: load config: %v\n", err)
		os.Exit(1)
	}

	obs.InitLogger(cfg.LogLevel, os.Getenv("LOG_FORMAT"))

	if err := cfg.RequireProduction(); err != nil {
		log.Fatal().Err(err).Msg("config missing required production settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, shutdownMetrics, err := setupMetrics(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start metrics pipeline")
	}
	defer shutdownMetrics(context.Background())

	rel, err := relational.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("relational store: connect failed")
	}
	defer rel.Close()

	graphPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("graph store: connect failed")
	}
	defer graphPool.Close()
	g, err := graph.New(ctx, graphPool)
	if err != nil {
		log.Fatal().Err(err).Msg("graph store: migrate failed")
	}

	vec, err := vector.New(vectorDSN(cfg), cfg.LLM.EmbeddingDimension, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("vector store: connect failed")
	}

	objStore, err := objectstore.NewS3Store(ctx, objectstoreConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("object store: connect failed")
	}
	if err := objStore.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("object store: bucket not reachable at boot")
	}

	chat, err := newChatProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("llm provider: init failed")
	}

	embedder := embedclient.New(embeddingConfig(cfg), metrics)
	extractor := extract.New(chat)
	engine := graphengine.New(g)
	_ = engine // invoked on demand by graph.buildCommunities, not on a fixed schedule

	auditLog := audit.New(rel)

	docProc := document.New(rel, vec, embedder, auditLog)
	resProc := resource.New(rel, g, vec, extractor, embedder, auditLog)
	planner := queryplanner.New(rel, g, vec, extractor, embedder, chat, auditLog)
	limiter := ratelimit.New(ragQueryMax, ragQueryWindow)
	_, _ = planner, limiter // consulted by the rag.query RPC handler, out of scope per spec §1

	runner, ok := jobs.New(cfg.Broker.URL, auditLog, obs.FromContext(ctx))
	if !ok {
		log.Warn().Msg("job broker unreachable at boot; enqueue will report async processing required until it recovers")
	}
	runner.Register(jobs.ResourceProcessQueue, 1, resourceHandler(resProc))
	runner.Register(jobs.DocumentProcessQueue, 2, documentHandler(docProc))
	runner.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("stjgraph-server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	runner.Shutdown()
	log.Info().Msg("stjgraph-server stopped")
}

// resourceHandler adapts resource.Processor.Process to jobs.Handler by
// unmarshaling the job payload into resource.Input.
func resourceHandler(p *resource.Processor) jobs.Handler {
	return func(ctx context.Context, job jobs.Job, progress func(pct int)) error {
		var in resource.Input
		if err := json.Unmarshal(job.Data, &in); err != nil {
			return fmt.Errorf("resource job %s: decode payload: %w", job.ID, err)
		}
		return p.Process(ctx, in, progress)
	}
}

// documentHandler adapts document.Processor.Process to jobs.Handler.
func documentHandler(p *document.Processor) jobs.Handler {
	return func(ctx context.Context, job jobs.Job, progress func(pct int)) error {
		var in document.Input
		if err := json.Unmarshal(job.Data, &in); err != nil {
			return fmt.Errorf("document job %s: decode payload: %w", job.ID, err)
		}
		return p.Process(ctx, in, progress)
	}
}

// healthHandler implements spec §6's GET /health.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"uptime":    time.Since(startedAt).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// setupMetrics installs a Prometheus-backed OTel MeterProvider so GET
// /metrics (spec §6) serves real Prometheus exposition, and returns an
// obs.Metrics sink plus a shutdown func.
func setupMetrics(ctx context.Context) (obs.Metrics, func(context.Context) error, error) {
	promExp, err := promexporter.New()
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp))
	otel.SetMeterProvider(mp)
	return obs.NewOtelMetrics(), mp.Shutdown, nil
}

// newChatProvider selects the configured LLM provider (spec §6:
// LLM_PROVIDER, default "google" since GEMINI_API_KEY is the primary key).
func newChatProvider(cfg *config.Config) (llm.Provider, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "anthropic":
		return anthropic.New(cfg.LLM.APIKey, cfg.LLM.ChatModel), nil
	case "openai":
		return openai.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.ChatModel), nil
	default:
		return google.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.ChatModel)
	}
}

func embeddingConfig(cfg *config.Config) embedclient.Config {
	return embedclient.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.ChatModel,
		BatchSize:   cfg.Embedding.BatchSize,
		MaxRetries:  cfg.Embedding.MaxRetries,
		RetryBaseMS: cfg.Embedding.RetryBaseMS,
		Concurrency: cfg.Embedding.Concurrency,
		Dimension:   cfg.LLM.EmbeddingDimension,
	}
}

func objectstoreConfig(cfg *config.Config) objectstore.S3Config {
	return objectstore.S3Config{
		Endpoint:     cfg.ObjectStore.URL,
		Region:       cfg.ObjectStore.Region,
		AccessKey:    cfg.ObjectStore.AccessKey,
		SecretKey:    cfg.ObjectStore.SecretKey,
		Bucket:       cfg.ObjectStore.Bucket,
		UsePathStyle: true,
	}
}

// vectorDSN folds the configured API key into the query string vector.New
// expects (spec §6: QDRANT_URL/QDRANT_API_KEY).
func vectorDSN(cfg *config.Config) string {
	if cfg.VectorStore.APIKey == "" {
		return cfg.VectorStore.URL
	}
	sep := "?"
	if strings.Contains(cfg.VectorStore.URL, "?") {
		sep = "&"
	}
	return cfg.VectorStore.URL + sep + "api_key=" + cfg.VectorStore.APIKey
}
