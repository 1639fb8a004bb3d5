// Package queryplanner implements spec §4.9's QueryPlanner (GraphRAG):
// classify a query into {local, global, hybrid}, run the retrievers the
// classification enables in parallel, fuse their context into a labeled
// prompt, and persist the query, response, and reasoning chain.
//
// Grounded on manifold's internal/rag/service/service.go's Retrieve()
// staged orchestration (plan → parallel candidates → fuse → package) and
// internal/rag/retrieve/{query,fusion,graph_expand}.go's per-stage
// reasoning/diagnostics accumulation, retargeted from FTS+vector retrieval
// onto spec §4.9's exact local/global/vector GraphRAG retrievers. The
// parallel fan-out uses golang.org/x/sync/errgroup in the idiom of
// glyphoxa's internal/hotctx/assembler.go (the teacher itself fans out
// candidates with raw goroutines and channels; errgroup is adopted from
// the rest of the pack for the three-way local/global/vector join).
package queryplanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stjgraph/internal/embedclient"
	"stjgraph/internal/errs"
	"stjgraph/internal/llm"
	"stjgraph/internal/store/graph"
	"stjgraph/internal/store/relational"
	"stjgraph/internal/store/vector"
)

// Retrieval bounds from spec §4.9.
const (
	localNamesPerCandidate = 5
	localFullQueryLimit    = 10
	localMaxEntities       = 20
	localTopForNeighbors   = 5
	localNeighborLimit     = 10
	globalTopCommunities   = 15
	vectorTopK             = 10
	classificationPreview  = 100
)

const noContextMessage = "Não foi possível encontrar informações relevantes para a sua consulta."

const classificationPrompt = `Classifique a consulta do usuário sobre jurisprudência do STJ em um queryType:
"local" quando a pergunta se refere a entidades específicas (um processo, um ministro, um órgão julgador);
"global" quando pede uma visão geral ou temas recorrentes;
"hybrid" quando ambos se aplicam ou há dúvida.
Responda em JSON estrito: {"queryType": string, "reasoning": string}.`

const generationSystemPrompt = `Você é um assistente jurídico especializado em jurisprudência do STJ.
Responda apenas com base no contexto fornecido abaixo, citando processos, entidades e legislação relevantes.
Se o contexto for insuficiente para responder com segurança, diga isso explicitamente.`

// Result is spec §4.9's top-level query() response shape.
type Result struct {
	Answer           string
	QueryType        string
	Entities         []string
	CommunityReports []string
	VectorResults    []VectorHit
	ReasoningChain   []string
	QueryID          string
}

// VectorHit is one vector-search hit (spec §4.9: "{text, score=1-distance, source=collection}").
type VectorHit struct {
	Text   string
	Score  float64
	Source string
}

// relationalStore is the narrow slice of internal/store/relational
// QueryPlanner calls.
type relationalStore interface {
	StartQuery(ctx context.Context, q relational.QueryRecord) error
	CompleteQuery(ctx context.Context, id, response string, reasoningChain []string, entityCount, chunkCount, durationMS int) error
}

// graphStore is the narrow slice of internal/store/graph QueryPlanner calls.
type graphStore interface {
	SearchByName(ctx context.Context, query string, limit int) ([]graph.Entity, error)
	IncidentEdges(ctx context.Context, id string, limit int) ([]graph.Relationship, error)
	ListCommunities(ctx context.Context, level int) ([]graph.Community, error)
}

// vectorStore is the narrow slice of internal/store/vector QueryPlanner calls.
type vectorStore interface {
	ListCollections(ctx context.Context) ([]string, error)
	Search(ctx context.Context, collection string, vec []float32, k int, filter map[string]string) ([]vector.Result, error)
}

// entityQuerier is the narrow slice of internal/extract QueryPlanner calls.
type entityQuerier interface {
	QueryEntities(ctx context.Context, q string) []string
}

// auditSink is the narrow slice of internal/audit QueryPlanner calls.
type auditSink interface {
	Record(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string)
}

// Planner wires the relational store, graph store, vector store, entity
// querier, embedder, chat provider, and audit log QueryPlanner needs.
type Planner struct {
	Relational relationalStore
	Graph      graphStore
	Vector     vectorStore
	Entities   entityQuerier
	Embedder   embedclient.Embedder
	Chat       llm.Provider
	Audit      auditSink
}

// New wires a Planner against the concrete stores.
func New(rel *relational.Store, g *graph.Store, vec *vector.Store, extractor entityQuerier, embedder embedclient.Embedder, chat llm.Provider, auditLog auditSink) *Planner {
	return &Planner{Relational: rel, Graph: g, Vector: vec, Entities: extractor, Embedder: embedder, Chat: chat, Audit: auditLog}
}

// Query runs spec §4.9's full GraphRAG flow for one user query.
func (p *Planner) Query(ctx context.Context, q, userID string) (result Result, err error) {
	start := time.Now()
	queryID := uuid.NewString()
	p.audit(ctx, "query", "started", nil, 0, "")

	defer func() {
		if err != nil {
			p.audit(ctx, "query", "failed", nil, int(time.Since(start).Milliseconds()), err.Error())
		}
	}()

	queryType, classifyReasoning := p.classify(ctx, q)
	if err = p.Relational.StartQuery(ctx, relational.QueryRecord{ID: queryID, UserID: userID, Query: q, QueryType: queryType}); err != nil {
		return Result{}, err
	}
	reasoningChain := []string{classifyReasoning}

	runLocal := queryType == "local" || queryType == "hybrid"
	runGlobal := queryType == "global" || queryType == "hybrid"

	var (
		entities        []graph.Entity
		localCtx        string
		localReasoning  []string
		communities     []graph.Community
		globalCtx       string
		globalReasoning []string
		vectorHits      []VectorHit
		vectorCtx       string
		vectorReasoning []string
	)

	eg, egCtx := errgroup.WithContext(ctx)
	if runLocal {
		eg.Go(func() error {
			e, c, r, lerr := p.localSearch(egCtx, q)
			entities, localCtx, localReasoning = e, c, r
			return lerr
		})
	}
	if runGlobal {
		eg.Go(func() error {
			c, ctxStr, r, gerr := p.globalSearch(egCtx)
			communities, globalCtx, globalReasoning = c, ctxStr, r
			return gerr
		})
	}
	eg.Go(func() error {
		v, ctxStr, r, verr := p.vectorSearch(egCtx, q)
		vectorHits, vectorCtx, vectorReasoning = v, ctxStr, r
		return verr
	})
	if err = eg.Wait(); err != nil {
		return Result{}, err
	}

	reasoningChain = append(reasoningChain, localReasoning...)
	reasoningChain = append(reasoningChain, globalReasoning...)
	reasoningChain = append(reasoningChain, vectorReasoning...)

	answer, extraReasoning, err := p.generate(ctx, q, localCtx, globalCtx, vectorCtx)
	if err != nil {
		return Result{}, err
	}
	reasoningChain = append(reasoningChain, extraReasoning...)

	entityNames := make([]string, len(entities))
	for i, e := range entities {
		entityNames[i] = e.Name
	}
	communityTitles := make([]string, len(communities))
	for i, c := range communities {
		communityTitles[i] = c.Title
	}

	durationMS := int(time.Since(start).Milliseconds())
	if err = p.Relational.CompleteQuery(ctx, queryID, answer, reasoningChain, len(entities), len(vectorHits), durationMS); err != nil {
		return Result{}, err
	}
	p.audit(ctx, "query", "completed", map[string]int{
		"entityCount":    len(entities),
		"communityCount": len(communities),
		"vectorHitCount": len(vectorHits),
	}, durationMS, "")

	return Result{
		Answer:           answer,
		QueryType:        queryType,
		Entities:         entityNames,
		CommunityReports: communityTitles,
		VectorResults:    vectorHits,
		ReasoningChain:   reasoningChain,
		QueryID:          queryID,
	}, nil
}

// classify runs spec §4.9's classification LLM call, defaulting to hybrid
// on any failure (no Chat provider, invoke error, or malformed response).
func (p *Planner) classify(ctx context.Context, q string) (queryType, reasoning string) {
	if p.Chat == nil {
		return "hybrid", "classificador indisponível, usando hybrid"
	}
	resp, err := p.Chat.Invoke(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: classificationPrompt},
			{Role: "user", Content: q},
		},
		ResponseFormat: &llm.ResponseFormat{JSON: true},
	})
	if err != nil {
		return "hybrid", "falha na classificação, usando hybrid"
	}
	var parsed struct {
		QueryType string `json:"queryType"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return "hybrid", "classificação malformada, usando hybrid"
	}
	qt := strings.ToLower(strings.TrimSpace(parsed.QueryType))
	if qt != "local" && qt != "global" && qt != "hybrid" {
		return "hybrid", parsed.Reasoning
	}
	return qt, parsed.Reasoning
}

// localSearch implements spec §4.9's local search: candidate names via
// QueryEntities, prefix/substring search per name (top 5) plus one search
// over the first 100 chars of the full query (top 10), merged without
// duplicates and capped at 20 entities; the top 5 get their incident edges
// formatted into a neighborhood description.
func (p *Planner) localSearch(ctx context.Context, q string) ([]graph.Entity, string, []string, error) {
	byID := map[string]graph.Entity{}
	var order []string
	add := func(ents []graph.Entity) {
		for _, e := range ents {
			if _, ok := byID[e.ID]; ok {
				continue
			}
			byID[e.ID] = e
			order = append(order, e.ID)
		}
	}

	for _, name := range p.Entities.QueryEntities(ctx, q) {
		found, err := p.Graph.SearchByName(ctx, name, localNamesPerCandidate)
		if err != nil {
			return nil, "", nil, err
		}
		add(found)
	}

	preview := q
	if len(preview) > classificationPreview {
		preview = preview[:classificationPreview]
	}
	found, err := p.Graph.SearchByName(ctx, preview, localFullQueryLimit)
	if err != nil {
		return nil, "", nil, err
	}
	add(found)

	if len(order) > localMaxEntities {
		order = order[:localMaxEntities]
	}
	entities := make([]graph.Entity, 0, len(order))
	for _, id := range order {
		entities = append(entities, byID[id])
	}

	top := entities
	if len(top) > localTopForNeighbors {
		top = top[:localTopForNeighbors]
	}

	var sb strings.Builder
	for _, e := range top {
		edges, err := p.Graph.IncidentEdges(ctx, e.ID, localNeighborLimit)
		if err != nil {
			return nil, "", nil, err
		}
		fmt.Fprintf(&sb, "%s (%s): %s\n", e.Name, e.EntityType, e.Description)
		for _, r := range edges {
			other := r.TargetID
			if other == e.ID {
				other = r.SourceID
			}
			fmt.Fprintf(&sb, "  -[%s]-> %s: %s\n", r.Type, other, r.Description)
		}
	}

	reasoning := []string{fmt.Sprintf("Busca local: %d entidades encontradas no grafo.", len(entities))}
	return entities, sb.String(), reasoning, nil
}

// globalSearch implements spec §4.9's global search: level-0 communities
// sorted by rank desc, non-trivial summaries only, top 15.
func (p *Planner) globalSearch(ctx context.Context) ([]graph.Community, string, []string, error) {
	communities, err := p.Graph.ListCommunities(ctx, 0)
	if err != nil {
		return nil, "", nil, err
	}
	nonTrivial := make([]graph.Community, 0, len(communities))
	for _, c := range communities {
		if strings.TrimSpace(c.Summary) == "" {
			continue
		}
		nonTrivial = append(nonTrivial, c)
	}
	if len(nonTrivial) > globalTopCommunities {
		nonTrivial = nonTrivial[:globalTopCommunities]
	}

	var sb strings.Builder
	for _, c := range nonTrivial {
		fmt.Fprintf(&sb, "%s (%d entidades, %d relações): %s\n%s\n", c.Title, c.EntityCount, c.EdgeCount, c.Summary, c.FullReport)
	}

	reasoning := []string{fmt.Sprintf("Busca global: %d comunidades relevantes.", len(nonTrivial))}
	return nonTrivial, sb.String(), reasoning, nil
}

// vectorSearch implements spec §4.9's vector search: every collection
// queried with the same embedded query, merged by descending similarity
// (spec's "ascending distance" — this store reports similarity, not raw
// distance, so the merge order is inverted accordingly), capped at
// vectorTopK.
func (p *Planner) vectorSearch(ctx context.Context, q string) ([]VectorHit, string, []string, error) {
	collections, err := p.Vector.ListCollections(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	if len(collections) == 0 {
		return nil, "", []string{"Busca vetorial: nenhuma coleção disponível."}, nil
	}

	embs, err := p.Embedder.EmbedBatch(ctx, []string{q})
	if err != nil {
		return nil, "", nil, err
	}
	if len(embs) == 0 {
		return nil, "", nil, errs.New(errs.PermanentInput, "embedder returned no vector for query", nil)
	}
	qvec := embs[0]

	var hits []VectorHit
	for _, collection := range collections {
		results, serr := p.Vector.Search(ctx, collection, qvec, vectorTopK, nil)
		if serr != nil {
			return nil, "", nil, serr
		}
		for _, r := range results {
			hits = append(hits, VectorHit{Text: r.Metadata[vector.TextPayloadKey], Score: r.Score, Source: collection})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > vectorTopK {
		hits = hits[:vectorTopK]
	}

	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "[%s] (score %.3f): %s\n", h.Source, h.Score, h.Text)
	}

	reasoning := []string{fmt.Sprintf("Busca vetorial: %d trechos encontrados em %d coleções.", len(hits), len(collections))}
	return hits, sb.String(), reasoning, nil
}

// generate assembles spec §4.9's labeled prompt and invokes the LLM, or
// returns the canned fallback when no retriever produced context.
func (p *Planner) generate(ctx context.Context, q, localCtx, globalCtx, vectorCtx string) (string, []string, error) {
	var sections strings.Builder
	has := false
	if strings.TrimSpace(localCtx) != "" {
		sections.WriteString("=== CONTEXTO DO GRAFO ===\n")
		sections.WriteString(localCtx)
		sections.WriteString("\n")
		has = true
	}
	if strings.TrimSpace(globalCtx) != "" {
		sections.WriteString("=== CONTEXTO GLOBAL ===\n")
		sections.WriteString(globalCtx)
		sections.WriteString("\n")
		has = true
	}
	if strings.TrimSpace(vectorCtx) != "" {
		sections.WriteString("=== CONTEXTO VETORIAL ===\n")
		sections.WriteString(vectorCtx)
		sections.WriteString("\n")
		has = true
	}
	if !has {
		return noContextMessage, []string{"Nenhum contexto encontrado para a consulta."}, nil
	}
	if p.Chat == nil {
		return sections.String(), nil, nil
	}
	resp, err := p.Chat.Invoke(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: generationSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Pergunta: %s\n\n%s", q, sections.String())},
		},
	})
	if err != nil {
		return "", nil, err
	}
	return resp.Content, nil, nil
}

func (p *Planner) audit(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string) {
	if p.Audit == nil {
		return
	}
	p.Audit.Record(ctx, action, status, counters, durationMS, errMsg)
}
