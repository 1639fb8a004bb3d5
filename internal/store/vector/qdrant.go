// Package vector implements spec §4.3's VectorStore adapter over Qdrant:
// ensureCollection, upsert, and top-k similarity search with similarity =
// 1 - distance, plus the chunk-storage flow (dedupe, batch-embed, upsert,
// progress callback) described in the same section.
//
// Grounded on manifold's internal/persistence/databases/qdrant_vector.go
// (deterministic UUID5 point-id mapping for non-UUID ids, original-id-in-
// payload pattern, gRPC client construction from a DSN).
package vector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"stjgraph/internal/embedclient"
	"stjgraph/internal/obs"
)

// payloadIDField holds the caller-supplied id when it isn't itself a UUID;
// Qdrant point ids must be a UUID or a positive integer.
const payloadIDField = "_original_id"

// TextPayloadKey is the metadata key callers should use to carry a chunk's
// text through to the stored payload, so a later similarity search can
// return it without a second lookup (spec §4.9: vector search returns
// {text, score, source}).
const TextPayloadKey = "text"

// Point is one vector to upsert: a caller id, its embedding, and a string
// payload (spec §4.3: "{id (UUID), vector, payload}" — ids need not
// themselves be UUIDs, they are mapped deterministically).
type Point struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Result is one hit from a similarity search.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Store implements the VectorStore adapter contract over Qdrant.
type Store struct {
	client    *qdrant.Client
	dimension int
	metrics   obs.Metrics
}

// New connects to Qdrant. dsn may carry an api_key query parameter, e.g.
// "http://localhost:6334?api_key=...". The Go client speaks Qdrant's gRPC
// API (default port 6334), not its HTTP API.
func New(dsn string, dimension int, metrics obs.Metrics) (*Store, error) {
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Store{client: client, dimension: dimension, metrics: metrics}, nil
}

// EnsureCollection creates the collection with cosine distance and the
// given dimension if it doesn't already exist (spec §4.3).
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	if s.dimension <= 0 {
		return fmt.Errorf("vector store requires dimension > 0")
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert writes a batch of points into the named collection.
func (s *Store) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		uuidStr := pointID(p.ID)
		metadataAny := make(map[string]any, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			metadataAny[k] = v
		}
		if uuidStr != p.ID {
			metadataAny[payloadIDField] = p.ID
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(metadataAny),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpoints,
	})
	return err
}

// Delete removes a single point by caller id.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(id))),
	})
	return err
}

// Search returns the top-k nearest points, similarity = 1 - distance (spec
// §4.3). filter restricts to payload fields matching exactly.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var qfilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qfilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qfilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		metadata := map[string]string{}
		var originalID string
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		out = append(out, Result{ID: id, Score: float64(hit.Score), Metadata: metadata})
	}
	return out, nil
}

// ListCollections returns every collection name currently known to Qdrant,
// used by QueryPlanner's vector search to fan out across all of them (spec
// §4.9: "List all vector collections, run the same query across all").
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

func (s *Store) Dimension() int { return s.dimension }

func (s *Store) Close() error { return s.client.Close() }

// ChunkInput is one chunk ready to be deduplicated, embedded, and stored.
type ChunkInput struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// StoreResult is storeChunks' per-call summary (spec §4.3).
type StoreResult struct {
	Stored int
	Errors []error
}

// StoreChunks implements the chunk storage flow from spec §4.3:
// ensure the collection, deduplicate chunks by trimmed text, embed in
// batches of batchSize (50 when batchSize <= 0), leaving any per-batch
// concurrency to the embedder, upsert, and report progress per batch.
func (s *Store) StoreChunks(ctx context.Context, collection string, chunks []ChunkInput, embedder embedclient.Embedder, batchSize int, onProgress func(done, total int)) (StoreResult, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return StoreResult{}, err
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	deduped := dedupeByTrimmedText(chunks)

	var result StoreResult
	total := len(deduped)
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		batch := deduped[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err))
			if onProgress != nil {
				onProgress(end, total)
			}
			continue
		}

		points := make([]Point, len(batch))
		for i, c := range batch {
			meta := make(map[string]string, len(c.Metadata)+1)
			for k, v := range c.Metadata {
				meta[k] = v
			}
			meta[TextPayloadKey] = c.Text
			points[i] = Point{ID: c.ID, Vector: vectors[i], Metadata: meta}
		}
		if err := s.Upsert(ctx, collection, points); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("upsert batch [%d:%d]: %w", start, end, err))
		} else {
			result.Stored += len(points)
		}
		if onProgress != nil {
			onProgress(end, total)
		}
	}
	return result, nil
}

func dedupeByTrimmedText(chunks []ChunkInput) []ChunkInput {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]ChunkInput, 0, len(chunks))
	for _, c := range chunks {
		key := strings.TrimSpace(c.Text)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
