// Package relational is the persistence adapter the pipeline, job, and
// query components depend on: Dataset, Resource, Document, Chunk,
// QueryRecord, and AuditLog rows (the graph-domain tables — Entity,
// Relationship, Community — live in stjgraph/internal/store/graph).
//
// Spec §2 lists "the relational store (CRUD over nine domain tables)" as
// an out-of-scope external collaborator specified only at its interface;
// this package is that interface's concrete shape, grounded on manifold's
// internal/persistence/databases/pool.go (pgxpool construction, idempotent
// CREATE TABLE IF NOT EXISTS DDL, context-scoped pool lifetime).
package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool with the domain tables' DDL and narrow,
// state-machine-shaped access methods (not a generic CRUD surface).
type Store struct{ pool *pgxpool.Pool }

// Open creates a pgxpool against dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			slug TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			total_resources INT NOT NULL DEFAULT 0,
			json_resources INT NOT NULL DEFAULT 0,
			last_synced_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			dataset_slug TEXT NOT NULL REFERENCES datasets(slug),
			url TEXT NOT NULL,
			format TEXT NOT NULL,
			status TEXT NOT NULL,
			collection_name TEXT,
			embedded_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS resources_status_idx ON resources(status)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			mime TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			status TEXT NOT NULL,
			collection_name TEXT,
			text_content TEXT,
			chunk_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS documents_status_idx ON documents(status)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			parent_id TEXT NOT NULL,
			parent_kind TEXT NOT NULL,
			chunk_index INT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			UNIQUE(parent_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS query_records (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			query TEXT NOT NULL,
			query_type TEXT NOT NULL,
			response TEXT,
			reasoning_chain JSONB,
			entity_count INT NOT NULL DEFAULT 0,
			chunk_count INT NOT NULL DEFAULT 0,
			duration_ms INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			counters JSONB NOT NULL DEFAULT '{}'::jsonb,
			duration_ms INT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_action_idx ON audit_log(action)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("relational store ddl: %w", err)
		}
	}
	return nil
}

// Dataset mirrors spec §3's Dataset row.
type Dataset struct {
	Slug           string
	Title          string
	Category       string
	TotalResources int
	JSONResources  int
	LastSyncedAt   *time.Time
}

// UpsertDataset creates or refreshes a dataset's sync counters. Invariant
// (spec §3): jsonResources <= totalResources.
func (s *Store) UpsertDataset(ctx context.Context, d Dataset) error {
	if d.JSONResources > d.TotalResources {
		return fmt.Errorf("dataset %s: jsonResources (%d) exceeds totalResources (%d)", d.Slug, d.JSONResources, d.TotalResources)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO datasets(slug, title, category, total_resources, json_resources, last_synced_at)
VALUES ($1,$2,$3,$4,$5,now())
ON CONFLICT (slug) DO UPDATE SET
  title=EXCLUDED.title, category=EXCLUDED.category,
  total_resources=EXCLUDED.total_resources, json_resources=EXCLUDED.json_resources,
  last_synced_at=now()
`, d.Slug, d.Title, d.Category, d.TotalResources, d.JSONResources)
	return err
}

// Resource mirrors spec §3's Resource row. Status is one of StatusR.
type Resource struct {
	ID             string
	ExternalID     string
	DatasetSlug    string
	URL            string
	Format         string
	Status         string
	CollectionName string
	EmbeddedAt     *time.Time
}

func (s *Store) CreateResource(ctx context.Context, r Resource) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO resources(id, external_id, dataset_slug, url, format, status)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (external_id) DO NOTHING
`, r.ID, r.ExternalID, r.DatasetSlug, r.URL, r.Format, r.Status)
	return err
}

// AdvanceResourceStatus moves a resource forward in StatusR; embeddedAt is
// stamped only when the new status is "embedded" (spec §3).
func (s *Store) AdvanceResourceStatus(ctx context.Context, id, status string) error {
	if status == "embedded" {
		_, err := s.pool.Exec(ctx, `UPDATE resources SET status=$1, embedded_at=now() WHERE id=$2`, status, id)
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE resources SET status=$1 WHERE id=$2`, status, id)
	return err
}

func (s *Store) SetResourceCollection(ctx context.Context, id, collection string) error {
	_, err := s.pool.Exec(ctx, `UPDATE resources SET collection_name=$1 WHERE id=$2`, collection, id)
	return err
}

func (s *Store) GetResource(ctx context.Context, id string) (Resource, bool) {
	var r Resource
	row := s.pool.QueryRow(ctx, `SELECT id, external_id, dataset_slug, url, format, status, coalesce(collection_name,''), embedded_at FROM resources WHERE id=$1`, id)
	if err := row.Scan(&r.ID, &r.ExternalID, &r.DatasetSlug, &r.URL, &r.Format, &r.Status, &r.CollectionName, &r.EmbeddedAt); err != nil {
		return Resource{}, false
	}
	return r, true
}

// Document mirrors spec §3's Document row. Status is one of StatusD.
type Document struct {
	ID             string
	UserID         string
	Filename       string
	Mime           string
	SizeBytes      int64
	Status         string
	CollectionName string
	TextContent    string
	ChunkCount     int
}

func (s *Store) CreateDocument(ctx context.Context, d Document) error {
	const maxSize = 15 * 1024 * 1024
	if d.SizeBytes > maxSize {
		return fmt.Errorf("document %s: size %d exceeds 15 MiB limit", d.ID, d.SizeBytes)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents(id, user_id, filename, mime, size_bytes, status)
VALUES ($1,$2,$3,$4,$5,$6)
`, d.ID, d.UserID, d.Filename, d.Mime, d.SizeBytes, d.Status)
	return err
}

func (s *Store) AdvanceDocumentStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET status=$1 WHERE id=$2`, status, id)
	return err
}

func (s *Store) SetDocumentCollection(ctx context.Context, id, collection string) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET collection_name=$1 WHERE id=$2`, collection, id)
	return err
}

// SetDocumentTextContent persists extracted text truncated to spec §4.6's
// 65,000-character cap; the full (untruncated) text is what gets chunked.
func (s *Store) SetDocumentTextContent(ctx context.Context, id, textContent string) error {
	const maxLen = 65000
	if runes := []rune(textContent); len(runes) > maxLen {
		textContent = string(runes[:maxLen])
	}
	_, err := s.pool.Exec(ctx, `UPDATE documents SET text_content=$1 WHERE id=$2`, textContent, id)
	return err
}

// SetDocumentChunkCount persists the number of chunks produced for a
// document (spec §4.6: "Chunk, persist chunkCount").
func (s *Store) SetDocumentChunkCount(ctx context.Context, id string, count int) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET chunk_count=$1 WHERE id=$2`, count, id)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, bool) {
	var d Document
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, filename, mime, size_bytes, status, coalesce(collection_name,''), coalesce(text_content,''), chunk_count FROM documents WHERE id=$1`, id)
	if err := row.Scan(&d.ID, &d.UserID, &d.Filename, &d.Mime, &d.SizeBytes, &d.Status, &d.CollectionName, &d.TextContent, &d.ChunkCount); err != nil {
		return Document{}, false
	}
	return d, true
}

// ChunkRow mirrors spec §3's Chunk row.
type ChunkRow struct {
	ParentID   string
	ParentKind string // "resource" | "document"
	ChunkIndex int
	Text       string
	Metadata   map[string]string
}

// SaveChunks persists an immutable, contiguously-indexed batch of chunks.
func (s *Store) SaveChunks(ctx context.Context, chunks []ChunkRow) error {
	for _, c := range chunks {
		_, err := s.pool.Exec(ctx, `
INSERT INTO chunks(parent_id, parent_kind, chunk_index, text, metadata)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (parent_id, chunk_index) DO NOTHING
`, c.ParentID, c.ParentKind, c.ChunkIndex, c.Text, c.Metadata)
		if err != nil {
			return fmt.Errorf("save chunk %s[%d]: %w", c.ParentID, c.ChunkIndex, err)
		}
	}
	return nil
}

// QueryRecord mirrors spec §3's QueryRecord row.
type QueryRecord struct {
	ID             string
	UserID         string
	Query          string
	QueryType      string
	Response       string
	ReasoningChain []string
	EntityCount    int
	ChunkCount     int
	DurationMS     int
}

// StartQuery inserts the record at query start (response/duration filled
// in later by CompleteQuery per spec §3/§4.9).
func (s *Store) StartQuery(ctx context.Context, q QueryRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO query_records(id, user_id, query, query_type)
VALUES ($1,$2,$3,$4)
`, q.ID, nullIfEmpty(q.UserID), q.Query, q.QueryType)
	return err
}

func (s *Store) CompleteQuery(ctx context.Context, id, response string, reasoningChain []string, entityCount, chunkCount, durationMS int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE query_records SET response=$1, reasoning_chain=$2, entity_count=$3, chunk_count=$4, duration_ms=$5, completed_at=now()
WHERE id=$6
`, response, reasoningChain, entityCount, chunkCount, durationMS, id)
	return err
}

// AuditEntry mirrors spec §3's AuditLog row.
type AuditEntry struct {
	ID           string
	Action       string
	Status       string // started | completed | failed
	Counters     map[string]int
	DurationMS   int
	ErrorMessage string
}

// WriteAudit appends an audit log entry; AuditLog is append-only.
func (s *Store) WriteAudit(ctx context.Context, a AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_log(id, action, status, counters, duration_ms, error_message)
VALUES ($1,$2,$3,$4,$5,$6)
`, a.ID, a.Action, a.Status, countersJSON(a.Counters), a.DurationMS, nullIfEmpty(a.ErrorMessage))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func countersJSON(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
