package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stjgraph/internal/chunker"
	"stjgraph/internal/llm"
)

func TestSlug_NFDStripAndNonAlnumToUnderscore(t *testing.T) {
	assert.Equal(t, "joao_silva", Slug("João Silva"))
	assert.Equal(t, "resp_1_sp", Slug("REsp 1/SP"))
	assert.Equal(t, "stj", Slug("  STJ  "))
}

func TestSlug_CollapsesAdjacentSeparators(t *testing.T) {
	assert.Equal(t, "min_herman_benjamin", Slug("Min. Herman Benjamin"))
}

func TestStableID_Format(t *testing.T) {
	assert.Equal(t, "ministro:joao_silva", StableID("MINISTRO", "João Silva"))
	assert.Equal(t, "ministro:min_herman_benjamin", StableID("MINISTRO", "Min. Herman Benjamin"))
}

func TestClampWeight_DefaultsAndBounds(t *testing.T) {
	assert.Equal(t, 0.5, clampWeight(0))
	assert.Equal(t, 0.0, clampWeight(-1))
	assert.Equal(t, 1.0, clampWeight(2))
	assert.Equal(t, 0.7, clampWeight(0.7))
}

func TestExtractJSON_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"entities\":[]}\n```"
	out, err := extractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, out)
}

func TestExtractJSON_FindsBracesInProse(t *testing.T) {
	raw := "Sure, here you go: {\"entities\":[]} Hope that helps!"
	out, err := extractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, out)
}

func TestExtractJSON_ErrorsWithNoObject(t *testing.T) {
	_, err := extractJSON("no json here")
	assert.Error(t, err)
}

func TestNormalize_DropsUnknownTypesAndClampsWeight(t *testing.T) {
	raw := rawExtraction{
		Entities: []rawEntity{
			{Name: "Min. João Silva", EntityType: "ministro", Description: "relator"},
			{Name: "Bogus", EntityType: "NOT_A_TYPE", Description: "dropped"},
		},
		Relationships: []rawRelationship{
			{SourceName: "Min. João Silva", SourceType: "MINISTRO", TargetName: "REsp 1/SP", TargetType: "PROCESSO", RelationshipType: "RELATOR_DE", Weight: 1.5},
			{SourceName: "x", SourceType: "MINISTRO", TargetName: "y", TargetType: "PROCESSO", RelationshipType: "NOT_A_REL", Weight: 0.9},
		},
	}
	result := normalize(raw)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "MINISTRO", result.Entities[0].EntityType)
	require.Len(t, result.Relationships, 1)
	assert.Equal(t, 1.0, result.Relationships[0].Weight)
}

type stubProvider struct {
	resp llm.Response
	err  error
}

func (s stubProvider) Invoke(_ context.Context, _ llm.Request) (llm.Response, error) {
	return s.resp, s.err
}

func TestExtract_TransientErrorPropagates(t *testing.T) {
	e := New(stubProvider{err: errors.New("503 service unavailable")})
	_, err := e.Extract(context.Background(), chunker.Chunk{Text: "texto"})
	assert.Error(t, err)
}

func TestExtract_PermanentErrorReturnsEmptyResult(t *testing.T) {
	e := New(stubProvider{err: errors.New("invalid request")})
	res, err := e.Extract(context.Background(), chunker.Chunk{Text: "texto"})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestExtract_ParsesValidResponse(t *testing.T) {
	e := New(stubProvider{resp: llm.Response{Content: `{"entities":[{"name":"REsp 1/SP","entityType":"PROCESSO","description":"caso"}],"relationships":[]}`}})
	res, err := e.Extract(context.Background(), chunker.Chunk{Text: "texto"})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "processo:resp_1_sp", res.Entities[0].ID)
}

func TestQueryEntities_SuppressesErrorsToEmptyList(t *testing.T) {
	e := New(stubProvider{err: errors.New("boom")})
	out := e.QueryEntities(context.Background(), "quem é o relator?")
	assert.Equal(t, []string{}, out)
}

func TestQueryEntities_ParsesNames(t *testing.T) {
	e := New(stubProvider{resp: llm.Response{Content: `{"entities":["João Silva","REsp 1/SP"]}`}})
	out := e.QueryEntities(context.Background(), "q")
	assert.Equal(t, []string{"João Silva", "REsp 1/SP"}, out)
}
