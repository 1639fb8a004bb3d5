package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stjgraph/internal/embedclient"
	"stjgraph/internal/errs"
	"stjgraph/internal/store/relational"
	"stjgraph/internal/store/vector"
)

type fakeRelational struct {
	statuses   []string
	textSet    string
	chunkCount int
	collection string
	chunks     []relational.ChunkRow
	failAt     string // status name to fail on advance
}

func (f *fakeRelational) AdvanceDocumentStatus(ctx context.Context, id, status string) error {
	if status == f.failAt {
		return errs.New(errs.TransientIO, "simulated failure at "+status, nil)
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRelational) SetDocumentTextContent(ctx context.Context, id, textContent string) error {
	f.textSet = textContent
	return nil
}

func (f *fakeRelational) SetDocumentChunkCount(ctx context.Context, id string, count int) error {
	f.chunkCount = count
	return nil
}

func (f *fakeRelational) SetDocumentCollection(ctx context.Context, id, collection string) error {
	f.collection = collection
	return nil
}

func (f *fakeRelational) SaveChunks(ctx context.Context, chunks []relational.ChunkRow) error {
	f.chunks = append(f.chunks, chunks...)
	return nil
}

type fakeVector struct {
	storedCount int
}

func (f *fakeVector) StoreChunks(ctx context.Context, collection string, chunks []vector.ChunkInput, embedder embedclient.Embedder, batchSize int, onProgress func(done, total int)) (vector.StoreResult, error) {
	f.storedCount = len(chunks)
	return vector.StoreResult{Stored: len(chunks)}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type fakeAudit struct {
	records []string
}

func (f *fakeAudit) Record(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string) {
	f.records = append(f.records, action+":"+status)
}

func TestProcess_HappyPathReachesEmbeddedStatus(t *testing.T) {
	rel := &fakeRelational{}
	vec := &fakeVector{}
	aud := &fakeAudit{}
	p := &Processor{Relational: rel, Vector: vec, Embedder: fakeEmbedder{}, Audit: aud}

	var progressCalls []int
	err := p.Process(context.Background(), Input{
		DocumentID:     "doc1",
		Bytes:          []byte("Primeira frase. Segunda frase. Terceira frase."),
		MIME:           "text/plain",
		Filename:       "doc.txt",
		CollectionName: "docs_user1",
	}, func(pct int) { progressCalls = append(progressCalls, pct) })

	require.NoError(t, err)
	assert.Equal(t, []string{StatusExtracting, StatusExtracted, StatusChunking, StatusChunked, StatusEmbedding, StatusEmbedded}, rel.statuses)
	assert.Equal(t, "docs_user1", rel.collection)
	assert.Greater(t, rel.chunkCount, 0)
	assert.Equal(t, []int{10, 30, 50, 80, 100}, progressCalls)
	assert.Contains(t, aud.records, "process_document:started")
	assert.Contains(t, aud.records, "process_document:completed")
}

func TestProcess_EmptyExtractedTextIsPermanentErrorAndMarksError(t *testing.T) {
	rel := &fakeRelational{}
	vec := &fakeVector{}
	p := &Processor{Relational: rel, Vector: vec, Embedder: fakeEmbedder{}}

	err := p.Process(context.Background(), Input{
		DocumentID: "doc2",
		Bytes:      []byte(""),
		MIME:       "text/plain",
		Filename:   "empty.txt",
	}, func(int) {})

	require.Error(t, err)
	assert.Equal(t, errs.PermanentInput, errs.Classify(err))
	assert.Contains(t, rel.statuses, StatusError)
}

func TestProcess_UnsupportedMIMEIsPermanentErrorAndMarksError(t *testing.T) {
	rel := &fakeRelational{}
	vec := &fakeVector{}
	p := &Processor{Relational: rel, Vector: vec, Embedder: fakeEmbedder{}}

	err := p.Process(context.Background(), Input{
		DocumentID: "doc3",
		Bytes:      []byte("whatever"),
		MIME:       "application/octet-stream",
		Filename:   "file.bin",
	}, func(int) {})

	require.Error(t, err)
	assert.Equal(t, errs.PermanentInput, errs.Classify(err))
	assert.Contains(t, rel.statuses, StatusError)
}

func TestProcess_FailureDuringChunkingMarksErrorAndStopsProgressing(t *testing.T) {
	rel := &fakeRelational{failAt: StatusChunked}
	vec := &fakeVector{}
	aud := &fakeAudit{}
	p := &Processor{Relational: rel, Vector: vec, Embedder: fakeEmbedder{}, Audit: aud}

	err := p.Process(context.Background(), Input{
		DocumentID: "doc4",
		Bytes:      []byte("Uma frase. Outra frase."),
		MIME:       "text/plain",
		Filename:   "doc.txt",
	}, func(int) {})

	require.Error(t, err)
	assert.Contains(t, rel.statuses, StatusError)
	assert.Equal(t, 0, vec.storedCount)
	assert.Contains(t, aud.records, "process_document:failed")
}
