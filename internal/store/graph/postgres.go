// Package graph implements spec §4's GraphStore adapter over Postgres:
// upsert node by stable entity id (increment mention count on conflict),
// bulk edge insert, neighbor/search/list/stats queries by entity type, and
// the community rewrite used by GraphEngine.
//
// Grounded on manifold's internal/persistence/databases/postgres_graph.go
// (pgxpool-backed nodes/edges tables, idempotent DDL, ON CONFLICT upserts),
// retargeted from the teacher's generic labeled-property-graph schema onto
// the spec's closed ENTITY_TYPES/REL_TYPES domain model.
package graph

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entity mirrors the Entity row from spec §3.
type Entity struct {
	ID            string
	Name          string
	EntityType    string
	Description   string
	MentionCount  int
	CommunityID   *int
	CommunityLevel *int
}

// Relationship mirrors the Relationship row from spec §3.
type Relationship struct {
	SourceID    string
	TargetID    string
	Type        string
	Description string
	Weight      float64
}

// Store implements the GraphStore adapter over Postgres.
type Store struct{ pool *pgxpool.Pool }

// New ensures the entities/relationships/communities tables exist and
// returns a Store bound to the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			mention_count INT NOT NULL DEFAULT 1,
			community_id INT,
			community_level INT
		)`,
		`CREATE INDEX IF NOT EXISTS entities_type_idx ON entities(entity_type)`,
		`CREATE INDEX IF NOT EXISTS entities_community_idx ON entities(community_id)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES entities(id),
			target_id TEXT NOT NULL REFERENCES entities(id),
			rel_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			weight DOUBLE PRECISION NOT NULL DEFAULT 0.5
		)`,
		`CREATE INDEX IF NOT EXISTS relationships_src_idx ON relationships(source_id, rel_type)`,
		`CREATE INDEX IF NOT EXISTS relationships_dst_idx ON relationships(target_id, rel_type)`,
		`CREATE TABLE IF NOT EXISTS communities (
			community_id INT NOT NULL,
			level INT NOT NULL DEFAULT 0,
			title TEXT,
			summary TEXT,
			full_report TEXT,
			key_entities TEXT[] NOT NULL DEFAULT '{}',
			entity_count INT NOT NULL DEFAULT 0,
			edge_count INT NOT NULL DEFAULT 0,
			rank DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (community_id, level)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("graph store ddl: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// UpsertNode inserts an entity or, on id conflict, increments its mention
// count and keeps the first-seen description (spec §3: "Upsert increments
// mentionCount").
func (s *Store) UpsertNode(ctx context.Context, e Entity) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO entities(id, name, entity_type, description, mention_count)
VALUES ($1,$2,$3,$4,1)
ON CONFLICT (id) DO UPDATE SET mention_count = entities.mention_count + 1
`, e.ID, e.Name, e.EntityType, e.Description)
	return err
}

// UpsertEdges bulk-inserts relationships; append-only per spec §3.
func (s *Store) UpsertEdges(ctx context.Context, rels []Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rels {
		w := clampWeight(r.Weight)
		batch.Queue(`
INSERT INTO relationships(source_id, target_id, rel_type, description, weight)
VALUES ($1,$2,$3,$4,$5)
`, r.SourceID, r.TargetID, r.Type, r.Description, w)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rels {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert relationship: %w", err)
		}
	}
	return nil
}

// Neighbors returns ids reachable from id via rel (or any type if rel=="").
func (s *Store) Neighbors(ctx context.Context, id, rel string) ([]string, error) {
	var rows pgx.Rows
	var err error
	if rel == "" {
		rows, err = s.pool.Query(ctx, `SELECT target_id FROM relationships WHERE source_id=$1 ORDER BY target_id`, id)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT target_id FROM relationships WHERE source_id=$1 AND rel_type=$2 ORDER BY target_id`, id, rel)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, rows.Err()
}

// GetNode fetches a single entity by id.
func (s *Store) GetNode(ctx context.Context, id string) (Entity, bool) {
	var e Entity
	row := s.pool.QueryRow(ctx, `SELECT id, name, entity_type, description, mention_count, community_id, community_level FROM entities WHERE id=$1`, id)
	if err := row.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description, &e.MentionCount, &e.CommunityID, &e.CommunityLevel); err != nil {
		return Entity{}, false
	}
	return e, true
}

// SearchByType returns entities of the given type whose name or description
// matches a case-insensitive substring query.
func (s *Store) SearchByType(ctx context.Context, entityType, query string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, name, entity_type, description, mention_count, community_id, community_level
FROM entities
WHERE entity_type = $1 AND (name ILIKE '%'||$2||'%' OR description ILIKE '%'||$2||'%')
ORDER BY mention_count DESC
LIMIT $3
`, entityType, query, limit)
	if err != nil {
		return nil, err
	}
	return scanEntities(rows)
}

// SearchByName returns entities of any type whose name or description
// matches a case-insensitive substring query, used by QueryPlanner's local
// search (spec §4.9: "graph search by prefix/substring").
func (s *Store) SearchByName(ctx context.Context, query string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, name, entity_type, description, mention_count, community_id, community_level
FROM entities
WHERE name ILIKE $1||'%' OR name ILIKE '%'||$1||'%' OR description ILIKE '%'||$1||'%'
ORDER BY mention_count DESC
LIMIT $2
`, query, limit)
	if err != nil {
		return nil, err
	}
	return scanEntities(rows)
}

// IncidentEdges returns the relationships where id is either endpoint,
// used by QueryPlanner's local search neighborhood formatting (spec §4.9:
// "fetch all incident edges (top 10 each)").
func (s *Store) IncidentEdges(ctx context.Context, id string, limit int) ([]Relationship, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT source_id, target_id, rel_type, description, weight
FROM relationships
WHERE source_id = $1 OR target_id = $1
ORDER BY weight DESC
LIMIT $2
`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Relationship{}
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Description, &r.Weight); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListByType returns all entities of a given type, most-mentioned first.
func (s *Store) ListByType(ctx context.Context, entityType string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, name, entity_type, description, mention_count, community_id, community_level
FROM entities WHERE entity_type = $1 ORDER BY mention_count DESC LIMIT $2
`, entityType, limit)
	if err != nil {
		return nil, err
	}
	return scanEntities(rows)
}

// TypeStats reports entity/edge counts per entity type.
type TypeStats struct {
	EntityType  string
	EntityCount int
	EdgeCount   int
}

func (s *Store) StatsByType(ctx context.Context) ([]TypeStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT e.entity_type, COUNT(DISTINCT e.id),
       COUNT(r.id) FILTER (WHERE r.id IS NOT NULL)
FROM entities e
LEFT JOIN relationships r ON r.source_id = e.id
GROUP BY e.entity_type
ORDER BY e.entity_type
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []TypeStats{}
	for rows.Next() {
		var st TypeStats
		if err := rows.Scan(&st.EntityType, &st.EntityCount, &st.EdgeCount); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AllNodesAndEdges loads the full graph for GraphEngine's adjacency build.
func (s *Store) AllNodesAndEdges(ctx context.Context) ([]Entity, []Relationship, error) {
	nodeRows, err := s.pool.Query(ctx, `SELECT id, name, entity_type, description, mention_count, community_id, community_level FROM entities`)
	if err != nil {
		return nil, nil, err
	}
	entities, err := scanEntities(nodeRows)
	if err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.pool.Query(ctx, `SELECT source_id, target_id, rel_type, description, weight FROM relationships`)
	if err != nil {
		return nil, nil, err
	}
	defer edgeRows.Close()
	rels := []Relationship{}
	for edgeRows.Next() {
		var r Relationship
		if err := edgeRows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Description, &r.Weight); err != nil {
			return nil, nil, err
		}
		rels = append(rels, r)
	}
	return entities, rels, edgeRows.Err()
}

// Community is one row to persist in ReplaceCommunities (spec §3:
// "rewritten wholesale on each buildCommunities").
type Community struct {
	CommunityID int
	Level       int
	Title       string
	Summary     string
	FullReport  string
	KeyEntities []string
	EntityCount int
	EdgeCount   int
	Rank        float64
}

// ReplaceCommunities atomically clears community state — nullifying every
// entity's community_id/community_level and deleting the community rows at
// the given level — then applies the new membership and community rows.
// Spec §3: "Must be cleared atomically with node.communityId nullification
// before repopulation."
func (s *Store) ReplaceCommunities(ctx context.Context, membership map[string]int, level int, communities []Community) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE entities SET community_id = NULL, community_level = NULL`); err != nil {
		return fmt.Errorf("clear entity communities: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM communities WHERE level = $1`, level); err != nil {
		return fmt.Errorf("clear communities: %w", err)
	}

	batch := &pgx.Batch{}
	for id, commID := range membership {
		batch.Queue(`UPDATE entities SET community_id=$1, community_level=$2 WHERE id=$3`, commID, level, id)
	}
	for _, c := range communities {
		batch.Queue(`
INSERT INTO communities(community_id, level, title, summary, full_report, key_entities, entity_count, edge_count, rank)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (community_id, level) DO UPDATE SET
  title=EXCLUDED.title, summary=EXCLUDED.summary, full_report=EXCLUDED.full_report,
  key_entities=EXCLUDED.key_entities, entity_count=EXCLUDED.entity_count,
  edge_count=EXCLUDED.edge_count, rank=EXCLUDED.rank
`, c.CommunityID, level, c.Title, c.Summary, c.FullReport, c.KeyEntities, c.EntityCount, c.EdgeCount, c.Rank)
	}
	br := tx.SendBatch(ctx, batch)
	total := len(membership) + len(communities)
	for i := 0; i < total; i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("replace communities: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListCommunities returns all communities at the given level, highest rank
// first, used by QueryPlanner's global search (spec §4.9: "Fetch all
// communities at level 0 sorted by rank desc").
func (s *Store) ListCommunities(ctx context.Context, level int) ([]Community, error) {
	rows, err := s.pool.Query(ctx, `
SELECT community_id, level, title, summary, full_report, key_entities, entity_count, edge_count, rank
FROM communities
WHERE level = $1
ORDER BY rank DESC
`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Community{}
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.CommunityID, &c.Level, &c.Title, &c.Summary, &c.FullReport, &c.KeyEntities, &c.EntityCount, &c.EdgeCount, &c.Rank); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// clampWeight bounds a relationship weight to [0,1] (spec §3: "weight
// clamped on ingest").
func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func scanEntities(rows pgx.Rows) ([]Entity, error) {
	defer rows.Close()
	out := []Entity{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description, &e.MentionCount, &e.CommunityID, &e.CommunityLevel); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
