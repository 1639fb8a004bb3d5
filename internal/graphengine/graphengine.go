// Package graphengine implements spec §4.5's GraphEngine: in-memory
// bidirectional weighted adjacency over persisted nodes/edges, modularity-
// optimizing greedy local-move community detection, community building
// (LLM summarization, bounded and paced), neighborhood BFS, and a
// mention-count-ranked visualization subgraph.
//
// Grounded on goreason's graph/community.go (local index mapping, strength
// precomputation, incremental community-strength bookkeeping, greedy
// modularity-gain move loop), generalized from its BFS-component +
// size-capped split into spec §4.5's full-graph, resolution-parameterized,
// shuffled local-moving algorithm.
package graphengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"stjgraph/internal/llm"
	"stjgraph/internal/store/graph"
)

// Store is the minimal persistence dependency GraphEngine needs: the full
// graph load and the atomic community rewrite (spec §3: "cleared
// atomically with node.communityId nullification before repopulation").
type Store struct{ graph *graph.Store }

// New binds a GraphEngine Store to a graph adapter.
func New(g *graph.Store) *Store { return &Store{graph: g} }

// Neighbor is one weighted, typed, directed adjacency entry.
type Neighbor struct {
	ID          string
	Type        string
	Weight      float64
	Description string
}

// Graph is the in-memory adjacency GraphEngine builds per run. It is
// build-local and discarded afterward (spec §3 ownership note).
type Graph struct {
	Adj map[string][]Neighbor
}

// BuildAdjacency initializes adj[id] = [] for every node, then adds both
// directions for every edge with its type/weight/description (spec §4.5).
func BuildAdjacency(entities []graph.Entity, rels []graph.Relationship) *Graph {
	adj := make(map[string][]Neighbor, len(entities))
	for _, e := range entities {
		adj[e.ID] = []Neighbor{}
	}
	for _, r := range rels {
		w := r.Weight
		if w == 0 {
			w = 1
		}
		if _, ok := adj[r.SourceID]; ok {
			adj[r.SourceID] = append(adj[r.SourceID], Neighbor{ID: r.TargetID, Type: r.Type, Weight: w, Description: r.Description})
		}
		if _, ok := adj[r.TargetID]; ok {
			adj[r.TargetID] = append(adj[r.TargetID], Neighbor{ID: r.SourceID, Type: r.Type, Weight: w, Description: r.Description})
		}
	}
	return &Graph{Adj: adj}
}

const (
	maxPasses  = 20
	resolution = 1.0
)

// DetectCommunities runs spec §4.5's modularity-optimizing greedy
// local-move algorithm over the full graph and returns a dense
// {entityId -> communityId} membership, renumbered from 0 by first-seen
// order. rnd controls shuffle order; pass rand.New(rand.NewSource(seed))
// for deterministic tests, or nil for a new time-seeded source.
func (g *Graph) DetectCommunities(rnd *rand.Rand) map[string]int {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	ids := make([]string, 0, len(g.Adj))
	for id := range g.Adj {
		ids = append(ids, id)
	}
	sort.Strings(ids) // stable base order before any shuffling

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	n := len(ids)
	if n == 0 {
		return map[string]int{}
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	deg := make([]float64, n)
	var totalWeight float64
	for i, id := range ids {
		for _, nb := range g.Adj[id] {
			deg[i] += nb.Weight
			totalWeight += nb.Weight
		}
	}
	m := totalWeight / 2
	if m == 0 {
		m = 1
	}

	commDeg := make(map[int]float64, n)
	for i := range community {
		commDeg[community[i]] += deg[i]
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	for pass := 0; pass < maxPasses; pass++ {
		rnd.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })

		moved := false
		for _, i := range order {
			id := ids[i]
			currentComm := community[i]

			neighborWeight := map[int]float64{}
			for _, nb := range g.Adj[id] {
				j, ok := index[nb.ID]
				if !ok {
					continue
				}
				neighborWeight[community[j]] += nb.Weight
			}

			bestComm := currentComm
			bestGain := 0.0
			for c, kvC := range neighborWeight {
				if c == currentComm {
					continue
				}
				degC := commDeg[c]
				gain := kvC/m - resolution*deg[i]*degC/(2*m*m)
				if gain > bestGain {
					bestGain = gain
					bestComm = c
				}
			}

			if bestComm != currentComm {
				commDeg[currentComm] -= deg[i]
				commDeg[bestComm] += deg[i]
				community[i] = bestComm
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	return renumber(ids, community)
}

// renumber maps raw community labels to a dense 0-based numbering ordered
// by each community's first appearance in ids' iteration order.
func renumber(ids []string, community []int) map[string]int {
	nextID := 0
	seen := map[int]int{}
	out := make(map[string]int, len(ids))
	for i, id := range ids {
		raw := community[i]
		dense, ok := seen[raw]
		if !ok {
			dense = nextID
			seen[raw] = dense
			nextID++
		}
		out[id] = dense
	}
	return out
}

// communityBag groups entity ids and internal edges for the summarization
// pipeline (spec §4.5 step 3: "collect internal edges — both endpoints in
// the bag").
type communityBag struct {
	CommunityID int
	MemberIDs   []string
	Edges       []graph.Relationship
}

// maxSummarizationCalls bounds LLM summarization cost (spec §4.5: "cap 30").
const maxSummarizationCalls = 30

// summarizationPause is the inter-call pause between LLM summarization
// calls (spec §4.5: "500 ms inter-call pause").
const summarizationPause = 500 * time.Millisecond

// BuildCommunities runs the full community-building pipeline: clear,
// detect, group, sort, summarize (bounded + paced), and persist (spec
// §4.5's "Community building pipeline").
func BuildCommunities(ctx context.Context, store *Store, chat llm.Provider, rnd *rand.Rand) error {
	entities, rels, err := store.graph.AllNodesAndEdges(ctx)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	if len(entities) == 0 {
		return store.graph.ReplaceCommunities(ctx, map[string]int{}, 0, nil)
	}

	g := BuildAdjacency(entities, rels)
	membership := g.DetectCommunities(rnd)

	bags := groupIntoBags(membership, rels)
	sort.Slice(bags, func(i, j int) bool { return len(bags[i].MemberIDs) > len(bags[j].MemberIDs) })

	entityByID := make(map[string]graph.Entity, len(entities))
	for _, e := range entities {
		entityByID[e.ID] = e
	}

	communities := make([]graph.Community, 0, len(bags))
	calls := 0
	for _, bag := range bags {
		title, summary, fullReport := fallbackReport(bag, entityByID)
		if len(bag.MemberIDs) >= 2 && calls < maxSummarizationCalls && chat != nil {
			if t, s, r, err := summarizeCommunity(ctx, chat, bag, entityByID); err == nil {
				title, summary, fullReport = t, s, r
			}
			calls++
			select {
			case <-time.After(summarizationPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		keyEntities := bag.MemberIDs
		if len(keyEntities) > 10 {
			keyEntities = keyEntities[:10]
		}
		communities = append(communities, graph.Community{
			CommunityID: bag.CommunityID,
			Level:       0,
			Title:       title,
			Summary:     summary,
			FullReport:  fullReport,
			KeyEntities: keyEntities,
			EntityCount: len(bag.MemberIDs),
			EdgeCount:   len(bag.Edges),
			Rank:        float64(len(bag.MemberIDs)) + 0.5*float64(len(bag.Edges)),
		})
	}

	return store.graph.ReplaceCommunities(ctx, membership, 0, communities)
}

func groupIntoBags(membership map[string]int, rels []graph.Relationship) []communityBag {
	members := map[int][]string{}
	for id, c := range membership {
		members[c] = append(members[c], id)
	}
	for _, ids := range members {
		sort.Strings(ids)
	}

	edges := map[int][]graph.Relationship{}
	for _, r := range rels {
		sc, ok1 := membership[r.SourceID]
		tc, ok2 := membership[r.TargetID]
		if ok1 && ok2 && sc == tc {
			edges[sc] = append(edges[sc], r)
		}
	}

	bags := make([]communityBag, 0, len(members))
	for c, ids := range members {
		bags = append(bags, communityBag{CommunityID: c, MemberIDs: ids, Edges: edges[c]})
	}
	return bags
}

func fallbackReport(bag communityBag, entityByID map[string]graph.Entity) (title, summary, fullReport string) {
	names := make([]string, 0, len(bag.MemberIDs))
	for _, id := range bag.MemberIDs {
		if e, ok := entityByID[id]; ok {
			names = append(names, e.Name)
		}
	}
	title = fmt.Sprintf("Comunidade %d", bag.CommunityID)
	summary = fmt.Sprintf("%d entidades, %d relações internas: %s", len(bag.MemberIDs), len(bag.Edges), strings.Join(names, ", "))
	return title, summary, summary
}

func summarizeCommunity(ctx context.Context, chat llm.Provider, bag communityBag, entityByID map[string]graph.Entity) (title, summary, fullReport string, err error) {
	var briefing strings.Builder
	briefing.WriteString("ENTIDADES:\n")
	for _, id := range bag.MemberIDs {
		e := entityByID[id]
		fmt.Fprintf(&briefing, "- %s (%s): %s\n", e.Name, e.EntityType, e.Description)
	}
	briefing.WriteString("RELAÇÕES:\n")
	for _, r := range bag.Edges {
		fmt.Fprintf(&briefing, "- %s -[%s]-> %s: %s\n", entityByID[r.SourceID].Name, r.Type, entityByID[r.TargetID].Name, r.Description)
	}

	resp, err := chat.Invoke(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Resuma esta comunidade de entidades jurídicas do STJ. Responda em JSON estrito: {\"title\": string, \"summary\": string, \"fullReport\": string}."},
			{Role: "user", Content: briefing.String()},
		},
		ResponseFormat: &llm.ResponseFormat{JSON: true},
	})
	if err != nil {
		return "", "", "", err
	}

	var parsed struct {
		Title      string `json:"title"`
		Summary    string `json:"summary"`
		FullReport string `json:"fullReport"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return "", "", "", err
	}
	return parsed.Title, parsed.Summary, parsed.FullReport, nil
}

// NeighborhoodNode/NeighborhoodEdge are neighborhood()'s return shape.
type NeighborhoodNode struct{ ID string }
type NeighborhoodEdge struct {
	Source, Target, Type string
	Weight                float64
}

// Neighborhood implements spec §4.5: BFS from entityId, stopping at hops
// layers; edges included iff both endpoints were visited.
func (g *Graph) Neighborhood(entityID string, hops int) ([]NeighborhoodNode, []NeighborhoodEdge) {
	if hops <= 0 {
		hops = 2
	}
	visited := map[string]int{entityID: 0}
	queue := []string{entityID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := visited[cur]
		if depth >= hops {
			continue
		}
		for _, nb := range g.Adj[cur] {
			if _, ok := visited[nb.ID]; !ok {
				visited[nb.ID] = depth + 1
				queue = append(queue, nb.ID)
			}
		}
	}

	nodes := make([]NeighborhoodNode, 0, len(visited))
	for id := range visited {
		nodes = append(nodes, NeighborhoodNode{ID: id})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	seenEdge := map[[2]string]bool{}
	var edges []NeighborhoodEdge
	for id := range visited {
		for _, nb := range g.Adj[id] {
			if _, ok := visited[nb.ID]; !ok {
				continue
			}
			key := [2]string{id, nb.ID}
			if key[0] > key[1] {
				key = [2]string{nb.ID, id}
			}
			if seenEdge[key] {
				continue
			}
			seenEdge[key] = true
			edges = append(edges, NeighborhoodEdge{Source: id, Target: nb.ID, Type: nb.Type, Weight: nb.Weight})
		}
	}
	return nodes, edges
}

// Viz implements spec §4.5's viz(limit): the top-by-mentionCount nodes,
// keeping only edges whose endpoints are both kept.
func Viz(entities []graph.Entity, rels []graph.Relationship, limit int) ([]graph.Entity, []graph.Relationship) {
	if limit <= 0 {
		limit = 200
	}
	sorted := make([]graph.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MentionCount > sorted[j].MentionCount })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	kept := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		kept[e.ID] = true
	}
	var keptRels []graph.Relationship
	for _, r := range rels {
		if kept[r.SourceID] && kept[r.TargetID] {
			keptRels = append(keptRels, r)
		}
	}
	return sorted, keptRels
}
