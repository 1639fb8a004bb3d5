package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1: chunkText("Frase um. ".repeat(200), {}, 500, 100)
func TestChunk_S1_SequentialIndicesAndSizeBound(t *testing.T) {
	text := strings.Repeat("Frase um. ", 200)
	chunks := Chunk(text, nil, 500, 100)

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.LessOrEqual(t, len(c.Text), 600)
		assert.NotEmpty(t, strings.TrimSpace(c.Text))
	}
}

func TestChunk_SingleChunkFastPath(t *testing.T) {
	text := "Uma frase curta."
	chunks := Chunk(text, map[string]string{"k": "v"}, 1000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "v", chunks[0].Metadata["k"])
}

func TestChunk_RejectsEmptyAfterCollapse(t *testing.T) {
	assert.Empty(t, Chunk("   \n\t  ", nil, 500, 100))
}

func TestChunk_CollapsesWhitespace(t *testing.T) {
	chunks := Chunk("hello   \n\n  world", nil, 1000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0].Text)
}

func TestChunk_OverlapCarriesTrailingWords(t *testing.T) {
	text := strings.Repeat("Palavra numero um. ", 100)
	chunks := Chunk(text, nil, 300, 50)
	require.Greater(t, len(chunks), 1)
	// the overlap suffix of chunk 0 should reappear as a prefix of chunk 1
	tailWords := strings.Fields(chunks[0].Text)
	require.NotEmpty(t, tailWords)
	lastWord := tailWords[len(tailWords)-1]
	assert.Contains(t, chunks[1].Text, lastWord)
}

// S2: fromSTJRecord({processo:"REsp 1/SP", ementa:"Ementa."})
func TestFromSTJRecord_S2(t *testing.T) {
	text, metadata := FromSTJRecord(Record{Processo: "REsp 1/SP", Ementa: "Ementa."})
	assert.Contains(t, text, "Processo: REsp 1/SP")
	assert.Contains(t, text, "EMENTA: Ementa.")
	assert.Equal(t, "REsp 1/SP", metadata["processo"])
}

func TestFromSTJRecord_EmptyWhenNothingProjected(t *testing.T) {
	text, _ := FromSTJRecord(Record{})
	assert.Empty(t, text)
}

func TestFromSTJRecord_CatchAllAppendsLongUnseenFields(t *testing.T) {
	longVal := strings.Repeat("x", 60)
	text, _ := FromSTJRecord(Record{
		Processo: "REsp 2/SP",
		Extra:    map[string]string{"observacaoAdicional": longVal},
	})
	assert.Contains(t, text, longVal)
}

func TestFromSTJRecord_CatchAllSkipsShortFields(t *testing.T) {
	text, _ := FromSTJRecord(Record{
		Processo: "REsp 3/SP",
		Extra:    map[string]string{"short": "too short"},
	})
	assert.NotContains(t, text, "too short")
}

// Round-trip law: chunkText(fromSTJRecord(r).text) contains r.ementa
// substring when r.ementa present.
func TestRoundTrip_ChunkContainsEmenta(t *testing.T) {
	ementa := "Recurso especial provido para reformar o acórdão recorrido."
	text, _ := FromSTJRecord(Record{Processo: "REsp 4/SP", Ementa: ementa})
	chunks := Chunk(text, nil, 1000, 200)
	require.NotEmpty(t, chunks)
	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, ementa) {
			found = true
		}
	}
	assert.True(t, found)
}
