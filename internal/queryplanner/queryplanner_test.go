package queryplanner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stjgraph/internal/llm"
	"stjgraph/internal/store/graph"
	"stjgraph/internal/store/relational"
	"stjgraph/internal/store/vector"
)

type fakeRelational struct {
	started   []relational.QueryRecord
	completed []string
	response  string
}

func (f *fakeRelational) StartQuery(ctx context.Context, q relational.QueryRecord) error {
	f.started = append(f.started, q)
	return nil
}

func (f *fakeRelational) CompleteQuery(ctx context.Context, id, response string, reasoningChain []string, entityCount, chunkCount, durationMS int) error {
	f.completed = append(f.completed, id)
	f.response = response
	return nil
}

type fakeGraph struct {
	entitiesByQuery map[string][]graph.Entity
	edgesByID       map[string][]graph.Relationship
	communities     []graph.Community
}

func (f *fakeGraph) SearchByName(ctx context.Context, query string, limit int) ([]graph.Entity, error) {
	return f.entitiesByQuery[query], nil
}

func (f *fakeGraph) IncidentEdges(ctx context.Context, id string, limit int) ([]graph.Relationship, error) {
	return f.edgesByID[id], nil
}

func (f *fakeGraph) ListCommunities(ctx context.Context, level int) ([]graph.Community, error) {
	return f.communities, nil
}

type fakeVector struct {
	collections []string
	hits        map[string][]vector.Result
}

func (f *fakeVector) ListCollections(ctx context.Context) ([]string, error) {
	return f.collections, nil
}

func (f *fakeVector) Search(ctx context.Context, collection string, vec []float32, k int, filter map[string]string) ([]vector.Result, error) {
	return f.hits[collection], nil
}

type fakeEntities struct {
	names []string
}

func (f *fakeEntities) QueryEntities(ctx context.Context, q string) []string {
	return f.names
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeChat struct {
	classifyResp string
	generateResp string
	classifyErr  error
	generateErr  error
}

func (f *fakeChat) Invoke(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		if f.classifyErr != nil {
			return llm.Response{}, f.classifyErr
		}
		return llm.Response{Content: f.classifyResp}, nil
	}
	if f.generateErr != nil {
		return llm.Response{}, f.generateErr
	}
	return llm.Response{Content: f.generateResp}, nil
}

type fakeAudit struct {
	records []string
}

func (f *fakeAudit) Record(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string) {
	f.records = append(f.records, action+":"+status)
}

func classifyJSON(queryType, reasoning string) string {
	b, _ := json.Marshal(map[string]string{"queryType": queryType, "reasoning": reasoning})
	return string(b)
}

func TestQuery_HybridFansOutAllRetrieversAndGeneratesFromContext(t *testing.T) {
	rel := &fakeRelational{}
	g := &fakeGraph{
		entitiesByQuery: map[string][]graph.Entity{
			"Min. Fulano": {{ID: "ministro:min_fulano", Name: "Min. Fulano", EntityType: "MINISTRO"}},
		},
		edgesByID: map[string][]graph.Relationship{
			"ministro:min_fulano": {{SourceID: "ministro:min_fulano", TargetID: "processo:resp1", Type: "JULGA", Description: "relatou o caso"}},
		},
		communities: []graph.Community{
			{CommunityID: 1, Level: 0, Title: "Recursos Especiais", Summary: "Resumo.", Rank: 0.9},
		},
	}
	vec := &fakeVector{
		collections: []string{"stj_jurisprudencia"},
		hits: map[string][]vector.Result{
			"stj_jurisprudencia": {{ID: "c1", Score: 0.8, Metadata: map[string]string{vector.TextPayloadKey: "trecho relevante"}}},
		},
	}
	ents := &fakeEntities{names: []string{"Min. Fulano"}}
	chat := &fakeChat{classifyResp: classifyJSON("hybrid", "pergunta ampla"), generateResp: "Resposta final."}
	aud := &fakeAudit{}

	p := &Planner{Relational: rel, Graph: g, Vector: vec, Entities: ents, Embedder: fakeEmbedder{}, Chat: chat, Audit: aud}

	result, err := p.Query(context.Background(), "O que diz a jurisprudência sobre recursos especiais?", "user1")
	require.NoError(t, err)

	assert.Equal(t, "hybrid", result.QueryType)
	assert.Equal(t, "Resposta final.", result.Answer)
	assert.Len(t, result.Entities, 1)
	assert.Equal(t, []string{"Recursos Especiais"}, result.CommunityReports)
	require.Len(t, result.VectorResults, 1)
	assert.Equal(t, "trecho relevante", result.VectorResults[0].Text)
	assert.NotEmpty(t, result.QueryID)
	assert.Len(t, rel.started, 1)
	assert.Equal(t, []string{result.QueryID}, rel.completed)
	assert.Contains(t, aud.records, "query:started")
	assert.Contains(t, aud.records, "query:completed")
}

func TestQuery_NoContextReturnsCannedMessage(t *testing.T) {
	rel := &fakeRelational{}
	g := &fakeGraph{}
	vec := &fakeVector{collections: []string{}}
	ents := &fakeEntities{}
	chat := &fakeChat{classifyResp: classifyJSON("local", "sem pistas")}

	p := &Planner{Relational: rel, Graph: g, Vector: vec, Entities: ents, Embedder: fakeEmbedder{}, Chat: chat}

	result, err := p.Query(context.Background(), "consulta qualquer", "")
	require.NoError(t, err)
	assert.Equal(t, noContextMessage, result.Answer)
}

func TestClassify_DefaultsToHybridOnInvokeError(t *testing.T) {
	chat := &fakeChat{classifyErr: errors.New("boom")}
	p := &Planner{Chat: chat}

	qt, _ := p.classify(context.Background(), "qualquer")
	assert.Equal(t, "hybrid", qt)
}

func TestClassify_DefaultsToHybridOnMalformedJSON(t *testing.T) {
	chat := &fakeChat{classifyResp: "not json"}
	p := &Planner{Chat: chat}

	qt, _ := p.classify(context.Background(), "qualquer")
	assert.Equal(t, "hybrid", qt)
}

func TestClassify_DefaultsToHybridWhenNoChatConfigured(t *testing.T) {
	p := &Planner{}
	qt, reasoning := p.classify(context.Background(), "qualquer")
	assert.Equal(t, "hybrid", qt)
	assert.NotEmpty(t, reasoning)
}

func TestGlobalSearch_DropsTrivialSummariesAndCapsAtFifteen(t *testing.T) {
	communities := make([]graph.Community, 20)
	for i := range communities {
		communities[i] = graph.Community{CommunityID: i, Title: "C", Summary: "não vazio"}
	}
	communities = append(communities, graph.Community{CommunityID: 99, Title: "Vazia", Summary: ""})
	g := &fakeGraph{communities: communities}
	p := &Planner{Graph: g}

	kept, _, _, err := p.globalSearch(context.Background())
	require.NoError(t, err)
	assert.Len(t, kept, globalTopCommunities)
}

func TestVectorSearch_MergesAcrossCollectionsSortedByScoreDescending(t *testing.T) {
	vec := &fakeVector{
		collections: []string{"a", "b"},
		hits: map[string][]vector.Result{
			"a": {{ID: "1", Score: 0.5, Metadata: map[string]string{vector.TextPayloadKey: "baixo"}}},
			"b": {{ID: "2", Score: 0.9, Metadata: map[string]string{vector.TextPayloadKey: "alto"}}},
		},
	}
	p := &Planner{Vector: vec, Embedder: fakeEmbedder{}}

	hits, _, _, err := p.vectorSearch(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "alto", hits[0].Text)
	assert.Equal(t, "baixo", hits[1].Text)
}
