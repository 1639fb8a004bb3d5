// Package resource implements spec §4.7's ResourceProcessor: the
// pending→queued→downloading→downloaded→processing→extracting_entities→
// entities_extracted→embedding→embedded state machine for one STJ CKAN
// dataset resource.
//
// Grounded on manifold's internal/rag/service/service.go's Ingest()
// staged-orchestration style, retargeted onto spec §4.7's exact
// ResourceProcessor states, plus spec §6's STJ CKAN download step (a plain
// GET with browser-like headers and a 120s timeout, in the idiom of
// sefii.go's bare http.Client request construction).
package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stjgraph/internal/chunker"
	"stjgraph/internal/embedclient"
	"stjgraph/internal/errs"
	"stjgraph/internal/extract"
	"stjgraph/internal/store/graph"
	"stjgraph/internal/store/relational"
	"stjgraph/internal/store/vector"
)

// States of spec §4.7's StatusR.
const (
	StatusPending            = "pending"
	StatusQueued             = "queued"
	StatusDownloading        = "downloading"
	StatusDownloaded         = "downloaded"
	StatusProcessing         = "processing"
	StatusExtractingEntities = "extracting_entities"
	StatusEntitiesExtracted  = "entities_extracted"
	StatusEmbedding          = "embedding"
	StatusEmbedded           = "embedded"
	StatusError              = "error"
)

// maxEntityExtractionChunks bounds LLM cost (spec §4.7: "applied to the
// first 50 chunks (configurable cap)").
const maxEntityExtractionChunks = 50

const downloadTimeout = 120 * time.Second

// Input is what the JobRunner hands ResourceProcessor for one job.
type Input struct {
	ResourceID  string
	URL         string
	DatasetSlug string
}

// relationalStore is the narrow slice of internal/store/relational
// ResourceProcessor calls.
type relationalStore interface {
	AdvanceResourceStatus(ctx context.Context, id, status string) error
	SetResourceCollection(ctx context.Context, id, collection string) error
	SaveChunks(ctx context.Context, chunks []relational.ChunkRow) error
}

// graphStore is the narrow slice of internal/store/graph ResourceProcessor
// calls: nodes first, then edges (spec §4.7: "edges reference ids that
// must now exist").
type graphStore interface {
	UpsertNode(ctx context.Context, e graph.Entity) error
	UpsertEdges(ctx context.Context, rels []graph.Relationship) error
}

// vectorStore is the narrow slice of internal/store/vector
// ResourceProcessor calls.
type vectorStore interface {
	StoreChunks(ctx context.Context, collection string, chunks []vector.ChunkInput, embedder embedclient.Embedder, batchSize int, onProgress func(done, total int)) (vector.StoreResult, error)
}

// entityExtractor is the narrow slice of internal/extract ResourceProcessor
// calls.
type entityExtractor interface {
	ExtractMany(ctx context.Context, chunks []chunker.Chunk, onProgress func(done, total int)) (extract.Result, error)
}

// auditSink is the narrow slice of internal/audit ResourceProcessor calls.
type auditSink interface {
	Record(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string)
}

// Downloader fetches a resource's JSON body. Grounded on spec §6's
// "resource download is a direct GET with 120s timeout" with browser-like
// headers for the STJ CKAN endpoint.
type Downloader struct {
	HTTP *http.Client
}

// NewDownloader builds a Downloader with spec §5's 120s download timeout.
func NewDownloader() *Downloader {
	return &Downloader{HTTP: &http.Client{Timeout: downloadTimeout}}
}

func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New(errs.PermanentInput, "building download request: "+err.Error(), err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; stjgraph/1.0)")
	req.Header.Set("Accept", "application/json")

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "downloading resource: "+err.Error(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.New(errs.TransientIO, fmt.Sprintf("downloading resource: status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.PermanentInput, fmt.Sprintf("downloading resource: status %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.TransientIO, "reading response body: "+err.Error(), err)
	}
	return body, nil
}

// Processor wires the relational store, graph store, vector store,
// extractor, downloader, and audit log ResourceProcessor needs.
type Processor struct {
	Relational relationalStore
	Graph      graphStore
	Vector     vectorStore
	Extractor  entityExtractor
	Embedder   embedclient.Embedder
	Download   *Downloader
	Audit      auditSink
}

// New wires a Processor against the concrete stores.
func New(rel *relational.Store, g *graph.Store, vec *vector.Store, extractor *extract.Extractor, embedder embedclient.Embedder, auditLog auditSink) *Processor {
	return &Processor{Relational: rel, Graph: g, Vector: vec, Extractor: extractor, Embedder: embedder, Download: NewDownloader(), Audit: auditLog}
}

// Process runs the full ResourceProcessor state machine for one resource.
func (p *Processor) Process(ctx context.Context, in Input, progress func(pct int)) (err error) {
	start := time.Now()
	p.audit(ctx, "download_resource", "started", nil, 0, "")

	defer func() {
		if err != nil {
			_ = p.Relational.AdvanceResourceStatus(ctx, in.ResourceID, StatusError)
			p.audit(ctx, "download_resource", "failed", nil, int(time.Since(start).Milliseconds()), err.Error())
		}
	}()

	if err = p.advance(ctx, in.ResourceID, StatusQueued); err != nil {
		return err
	}

	record, err := p.downloadAndParse(ctx, in)
	if err != nil {
		return err
	}
	progress(10)

	chunks, err := p.chunkRecord(ctx, in, record)
	if err != nil {
		return err
	}
	progress(30)

	ents, rels, err := p.extractEntities(ctx, in, chunks)
	if err != nil {
		return err
	}
	progress(50)

	if err = p.upsertGraph(ctx, ents, rels); err != nil {
		return err
	}
	if err = p.advance(ctx, in.ResourceID, StatusEntitiesExtracted); err != nil {
		return err
	}
	progress(80)

	collection := embeddingCollection(in.DatasetSlug)
	if err = p.advance(ctx, in.ResourceID, StatusEmbedding); err != nil {
		return err
	}
	if _, err = p.embedAndStore(ctx, collection, chunks); err != nil {
		return err
	}
	if err = p.Relational.SetResourceCollection(ctx, in.ResourceID, collection); err != nil {
		return err
	}
	if err = p.advance(ctx, in.ResourceID, StatusEmbedded); err != nil {
		return err
	}
	progress(100)

	p.audit(ctx, "download_resource", "completed", map[string]int{"chunkCount": len(chunks), "entityCount": len(ents), "relationshipCount": len(rels)}, int(time.Since(start).Milliseconds()), "")
	return nil
}

func (p *Processor) downloadAndParse(ctx context.Context, in Input) (chunker.Record, error) {
	if err := p.advance(ctx, in.ResourceID, StatusDownloading); err != nil {
		return chunker.Record{}, err
	}
	body, err := p.Download.Download(ctx, in.URL)
	if err != nil {
		return chunker.Record{}, err
	}
	if err := p.advance(ctx, in.ResourceID, StatusDownloaded); err != nil {
		return chunker.Record{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return chunker.Record{}, errs.New(errs.PermanentInput, "parsing resource JSON: "+err.Error(), err)
	}
	return recordFromRaw(raw), nil
}

func (p *Processor) chunkRecord(ctx context.Context, in Input, record chunker.Record) ([]chunker.Chunk, error) {
	if err := p.advance(ctx, in.ResourceID, StatusProcessing); err != nil {
		return nil, err
	}
	text, metadata := chunker.FromSTJRecord(record)
	if text == "" {
		return nil, errs.New(errs.PermanentInput, "resource "+in.ResourceID+": record projects to empty text", nil)
	}
	metadata["resourceId"] = in.ResourceID
	chunks := chunker.Chunk(text, metadata, chunker.DefaultChunkSize, chunker.DefaultOverlap)

	rows := make([]relational.ChunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = relational.ChunkRow{ParentID: in.ResourceID, ParentKind: "resource", ChunkIndex: c.ChunkIndex, Text: c.Text, Metadata: c.Metadata}
	}
	if err := p.Relational.SaveChunks(ctx, rows); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (p *Processor) extractEntities(ctx context.Context, in Input, chunks []chunker.Chunk) ([]extract.Entity, []extract.Relationship, error) {
	if err := p.advance(ctx, in.ResourceID, StatusExtractingEntities); err != nil {
		return nil, nil, err
	}
	bounded := chunks
	if len(bounded) > maxEntityExtractionChunks {
		bounded = bounded[:maxEntityExtractionChunks]
	}
	result, err := p.Extractor.ExtractMany(ctx, bounded, nil)
	if err != nil {
		return nil, nil, err
	}
	return result.Entities, result.Relationships, nil
}

// upsertGraph upserts nodes first, one call per entity, then all edges in
// one bulk call (edges reference ids that must now exist).
func (p *Processor) upsertGraph(ctx context.Context, ents []extract.Entity, rels []extract.Relationship) error {
	for _, e := range ents {
		node := graph.Entity{ID: e.ID, Name: e.Name, EntityType: e.EntityType, Description: e.Description, MentionCount: 1}
		if err := p.Graph.UpsertNode(ctx, node); err != nil {
			return err
		}
	}
	if len(rels) == 0 {
		return nil
	}
	edges := make([]graph.Relationship, len(rels))
	for i, r := range rels {
		edges[i] = graph.Relationship{SourceID: r.SourceID, TargetID: r.TargetID, Type: r.Type, Description: r.Description, Weight: r.Weight}
	}
	return p.Graph.UpsertEdges(ctx, edges)
}

func (p *Processor) embedAndStore(ctx context.Context, collection string, chunks []chunker.Chunk) (vector.StoreResult, error) {
	inputs := make([]vector.ChunkInput, len(chunks))
	for i, c := range chunks {
		inputs[i] = vector.ChunkInput{ID: fmt.Sprintf("%s:%d", collection, c.ChunkIndex), Text: c.Text, Metadata: c.Metadata}
	}
	return p.Vector.StoreChunks(ctx, collection, inputs, p.Embedder, 50, nil)
}

func (p *Processor) advance(ctx context.Context, resourceID, status string) error {
	return p.Relational.AdvanceResourceStatus(ctx, resourceID, status)
}

func (p *Processor) audit(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string) {
	if p.Audit == nil {
		return
	}
	p.Audit.Record(ctx, action, status, counters, durationMS, errMsg)
}

// embeddingCollection implements spec §4.7's collectionName derivation:
// "stj_" + slug(dataset).replace("-", "_").
func embeddingCollection(datasetSlug string) string {
	slug := extract.Slug(datasetSlug)
	return "stj_" + strings.ReplaceAll(slug, "-", "_")
}

func recordFromRaw(raw map[string]any) chunker.Record {
	get := func(key string) string {
		if v, ok := raw[key].(string); ok {
			return v
		}
		return ""
	}
	var refs []string
	switch v := raw["referenciasLegislativas"].(type) {
	case string:
		if v != "" {
			refs = []string{v}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				refs = append(refs, s)
			}
		}
	}

	known := map[string]bool{
		"processo": true, "classe": true, "relator": true, "orgaoJulgador": true,
		"dataJulgamento": true, "dataPublicacao": true, "ementa": true, "decisao": true,
		"acordao": true, "referenciasLegislativas": true, "palavrasChave": true,
		"tema": true, "ramo": true, "notas": true, "informacoesComplementares": true,
	}
	extra := map[string]string{}
	for k, v := range raw {
		if known[k] {
			continue
		}
		if s, ok := v.(string); ok {
			extra[k] = s
		}
	}

	return chunker.Record{
		Processo:                  get("processo"),
		Classe:                    get("classe"),
		Relator:                   get("relator"),
		OrgaoJulgador:             get("orgaoJulgador"),
		DataJulgamento:            get("dataJulgamento"),
		DataPublicacao:            get("dataPublicacao"),
		Ementa:                    get("ementa"),
		Decisao:                   get("decisao"),
		Acordao:                   get("acordao"),
		ReferenciasLegislativas:   refs,
		PalavrasChave:             get("palavrasChave"),
		Tema:                      get("tema"),
		Ramo:                      get("ramo"),
		Notas:                     get("notas"),
		InformacoesComplementares: get("informacoesComplementares"),
		Extra:                     extra,
	}
}
