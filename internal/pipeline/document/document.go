// Package document implements spec §4.6's DocumentProcessor: the
// uploaded→extracting→extracted→chunking→chunked→embedding→embedded state
// machine for a user-uploaded file.
//
// Grounded on manifold's internal/rag/service/service.go's Ingest()
// staged-orchestration style (per-stage audit/metrics, early-return on
// failure), retargeted onto spec §4.6's exact DocumentProcessor states.
package document

import (
	"context"
	"fmt"
	"time"

	"stjgraph/internal/audit"
	"stjgraph/internal/chunker"
	"stjgraph/internal/docextract"
	"stjgraph/internal/embedclient"
	"stjgraph/internal/errs"
	"stjgraph/internal/store/relational"
	"stjgraph/internal/store/vector"
)

// States of spec §4.6's StatusD.
const (
	StatusUploaded   = "uploaded"
	StatusExtracting = "extracting"
	StatusExtracted  = "extracted"
	StatusChunking   = "chunking"
	StatusChunked    = "chunked"
	StatusEmbedding  = "embedding"
	StatusEmbedded   = "embedded"
	StatusError      = "error"
)

// Input is what the JobRunner hands DocumentProcessor for one job.
type Input struct {
	DocumentID     string
	Bytes          []byte
	MIME           string
	Filename       string
	CollectionName string
}

// relationalStore is the narrow slice of internal/store/relational that
// DocumentProcessor actually calls; satisfied by *relational.Store, and by
// a fake in tests.
type relationalStore interface {
	AdvanceDocumentStatus(ctx context.Context, id, status string) error
	SetDocumentTextContent(ctx context.Context, id, textContent string) error
	SetDocumentChunkCount(ctx context.Context, id string, count int) error
	SetDocumentCollection(ctx context.Context, id, collection string) error
	SaveChunks(ctx context.Context, chunks []relational.ChunkRow) error
}

// vectorStore is the narrow slice of internal/store/vector that
// DocumentProcessor actually calls.
type vectorStore interface {
	StoreChunks(ctx context.Context, collection string, chunks []vector.ChunkInput, embedder embedclient.Embedder, batchSize int, onProgress func(done, total int)) (vector.StoreResult, error)
}

// auditSink is the narrow slice of internal/audit that DocumentProcessor
// actually calls.
type auditSink interface {
	Record(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string)
}

// Processor wires the relational store, vector store, embedder, and audit
// log DocumentProcessor needs.
type Processor struct {
	Relational relationalStore
	Vector     vectorStore
	Embedder   embedclient.Embedder
	Audit      auditSink
}

// New wires a Processor against the concrete relational and vector stores.
func New(rel *relational.Store, vec *vector.Store, embedder embedclient.Embedder, auditLog auditSink) *Processor {
	return &Processor{Relational: rel, Vector: vec, Embedder: embedder, Audit: auditLog}
}

// Process runs the full DocumentProcessor state machine for one document.
// progress fires at the marked percentages (10, 30, 50, 80, 100) spec §4.8
// expects a job handler to report.
func (p *Processor) Process(ctx context.Context, in Input, progress func(pct int)) error {
	start := time.Now()
	p.audit(ctx, "process_document", "started", nil, 0, "")
	progress(10)

	text, err := p.extract(ctx, in)
	if err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	progress(30)

	chunks := chunker.Chunk(text, map[string]string{"documentId": in.DocumentID}, chunker.DefaultChunkSize, chunker.DefaultOverlap)
	if err := p.advance(ctx, in.DocumentID, StatusChunking); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	if err := p.persistChunks(ctx, in.DocumentID, chunks); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	if err := p.Relational.SetDocumentChunkCount(ctx, in.DocumentID, len(chunks)); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	if err := p.advance(ctx, in.DocumentID, StatusChunked); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	progress(50)

	if err := p.advance(ctx, in.DocumentID, StatusEmbedding); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	stored, err := p.embedAndStore(ctx, in.CollectionName, chunks)
	if err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	progress(80)

	if err := p.Relational.SetDocumentCollection(ctx, in.DocumentID, in.CollectionName); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	if err := p.advance(ctx, in.DocumentID, StatusEmbedded); err != nil {
		return p.fail(ctx, in.DocumentID, start, err)
	}
	progress(100)

	p.audit(ctx, "process_document", "completed", map[string]int{"chunkCount": len(chunks), "storedCount": stored.Stored}, int(time.Since(start).Milliseconds()), "")
	return nil
}

func (p *Processor) extract(ctx context.Context, in Input) (string, error) {
	if err := p.advance(ctx, in.DocumentID, StatusExtracting); err != nil {
		return "", err
	}
	text, err := docextract.Extract(in.Bytes, in.MIME, in.Filename)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errs.New(errs.PermanentInput, "document "+in.DocumentID+": extracted text is empty", nil)
	}
	if err := p.Relational.SetDocumentTextContent(ctx, in.DocumentID, text); err != nil {
		return "", err
	}
	if err := p.advance(ctx, in.DocumentID, StatusExtracted); err != nil {
		return "", err
	}
	return text, nil
}

func (p *Processor) persistChunks(ctx context.Context, documentID string, chunks []chunker.Chunk) error {
	rows := make([]relational.ChunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = relational.ChunkRow{ParentID: documentID, ParentKind: "document", ChunkIndex: c.ChunkIndex, Text: c.Text, Metadata: c.Metadata}
	}
	return p.Relational.SaveChunks(ctx, rows)
}

func (p *Processor) embedAndStore(ctx context.Context, collection string, chunks []chunker.Chunk) (vector.StoreResult, error) {
	inputs := make([]vector.ChunkInput, len(chunks))
	for i, c := range chunks {
		inputs[i] = vector.ChunkInput{ID: fmt.Sprintf("%s:%d", collection, c.ChunkIndex), Text: c.Text, Metadata: c.Metadata}
	}
	return p.Vector.StoreChunks(ctx, collection, inputs, p.Embedder, 50, nil)
}

func (p *Processor) advance(ctx context.Context, documentID, status string) error {
	return p.Relational.AdvanceDocumentStatus(ctx, documentID, status)
}

func (p *Processor) fail(ctx context.Context, documentID string, start time.Time, err error) error {
	_ = p.Relational.AdvanceDocumentStatus(ctx, documentID, StatusError)
	p.audit(ctx, "process_document", "failed", nil, int(time.Since(start).Milliseconds()), err.Error())
	return err
}

func (p *Processor) audit(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string) {
	if p.Audit == nil {
		return
	}
	p.Audit.Record(ctx, action, status, counters, durationMS, errMsg)
}
