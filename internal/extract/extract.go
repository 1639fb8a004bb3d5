// Package extract implements spec §4.4's EntityExtractor: per-chunk LLM
// extraction against the closed ENTITY_TYPES/REL_TYPES sets, deterministic
// id normalization, weight clamping, and transient/permanent error
// classification so a job runner knows whether to retry.
//
// Grounded on goreason's graph/builder.go (markdown-fenced JSON extraction,
// structured extraction prompt shape) and graph/entity.go (typed
// ExtractedEntity/ExtractedRelationship DTOs), retargeted from its
// technical-standards domain onto the spec's STJ legal-entity domain.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"stjgraph/internal/chunker"
	"stjgraph/internal/errs"
	"stjgraph/internal/llm"
)

// EntityTypes is spec §3's closed ENTITY_TYPES set.
var EntityTypes = map[string]bool{
	"MINISTRO": true, "PROCESSO": true, "ORGAO_JULGADOR": true, "TEMA": true,
	"LEGISLACAO": true, "PARTE": true, "PRECEDENTE": true, "DECISAO": true,
	"CONCEITO_JURIDICO": true,
}

// RelTypes is spec §3's closed REL_TYPES set.
var RelTypes = map[string]bool{
	"RELATOR_DE": true, "JULGADO_POR": true, "REFERENCIA": true, "CITA_PRECEDENTE": true,
	"TRATA_DE": true, "SIMILAR_A": true, "PERTENCE_A": true, "PARTE_EM": true,
	"FUNDAMENTA": true, "APLICA": true, "CONTRARIA": true, "CONFIRMA": true,
}

// Entity is a normalized extraction result (spec §3's Entity row, minus
// persistence-only fields).
type Entity struct {
	ID          string
	Name        string
	EntityType  string
	Description string
}

// Relationship is a normalized extraction result.
type Relationship struct {
	SourceID    string
	TargetID    string
	Type        string
	Description string
	Weight      float64
}

// Result is extract's per-chunk output (spec §4.4: "extract(chunk) →
// {entities, relationships}").
type Result struct {
	Entities      []Entity
	Relationships []Relationship
}

// rawEntity/rawRelationship mirror the LLM's JSON schema (spec §4.4).
type rawEntity struct {
	Name        string `json:"name"`
	EntityType  string `json:"entityType"`
	Description string `json:"description"`
}

type rawRelationship struct {
	SourceName       string  `json:"sourceName"`
	SourceType       string  `json:"sourceType"`
	TargetName       string  `json:"targetName"`
	TargetType       string  `json:"targetType"`
	RelationshipType string  `json:"relationshipType"`
	Description      string  `json:"description"`
	Weight           float64 `json:"weight"`
}

type rawExtraction struct {
	Entities      []rawEntity       `json:"entities"`
	Relationships []rawRelationship `json:"relationships"`
}

const systemPrompt = `You are an entity and relationship extraction engine for Brazilian Superior Court (STJ) legal decisions.

Extract entities using exactly these types:
- MINISTRO: the reporting justice (relator) or any justice mentioned
- PROCESSO: a case/process number
- ORGAO_JULGADOR: the deciding panel or chamber
- TEMA: a legal theme/subject
- LEGISLACAO: a referenced law, article, or statute
- PARTE: a party to the case
- PRECEDENTE: a cited prior decision
- DECISAO: the outcome of this decision
- CONCEITO_JURIDICO: a legal concept or doctrine

Extract relationships using exactly these types:
- RELATOR_DE, JULGADO_POR, REFERENCIA, CITA_PRECEDENTE, TRATA_DE, SIMILAR_A,
  PERTENCE_A, PARTE_EM, FUNDAMENTA, APLICA, CONTRARIA, CONFIRMA

Return a single JSON object with exactly two keys:
  "entities": array of {"name", "entityType", "description"}
  "relationships": array of {"sourceName", "sourceType", "targetName", "targetType", "relationshipType", "description", "weight"}

weight is a float in [0,1] indicating confidence. Only include entities and
relationships clearly supported by the text. Return empty arrays if none.
Do not include any text outside the JSON object.`

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// extractJSON strips markdown code fences and surrounding prose the LLM
// sometimes wraps the JSON object in.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in extraction response")
}

// Extractor implements spec §4.4.
type Extractor struct {
	Chat llm.Provider
}

// New constructs an Extractor against a chat-capable LLM provider.
func New(chat llm.Provider) *Extractor {
	return &Extractor{Chat: chat}
}

// Extract runs the per-chunk extraction contract. A transient error is
// returned as-is so the caller (JobRunner) can retry; a permanent error
// (parse/validation failure) is swallowed and an empty result returned, per
// spec §4.4's classification rule.
func (e *Extractor) Extract(ctx context.Context, chunk chunker.Chunk) (Result, error) {
	resp, err := e.Chat.Invoke(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: chunk.Text},
		},
		ResponseFormat: &llm.ResponseFormat{JSON: true},
	})
	if err != nil {
		if errs.Classify(err) == errs.TransientIO {
			return Result{}, err
		}
		return Result{}, nil
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return Result{}, nil
	}

	var raw rawExtraction
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Result{}, nil
	}

	return normalize(raw), nil
}

func normalize(raw rawExtraction) Result {
	var res Result
	for _, re := range raw.Entities {
		entityType := strings.ToUpper(strings.TrimSpace(re.EntityType))
		if !EntityTypes[entityType] {
			continue
		}
		name := strings.TrimSpace(re.Name)
		if name == "" {
			continue
		}
		res.Entities = append(res.Entities, Entity{
			ID:          StableID(entityType, name),
			Name:        name,
			EntityType:  entityType,
			Description: strings.TrimSpace(re.Description),
		})
	}
	for _, rr := range raw.Relationships {
		relType := strings.ToUpper(strings.TrimSpace(rr.RelationshipType))
		if !RelTypes[relType] {
			continue
		}
		sourceType := strings.ToUpper(strings.TrimSpace(rr.SourceType))
		targetType := strings.ToUpper(strings.TrimSpace(rr.TargetType))
		if !EntityTypes[sourceType] || !EntityTypes[targetType] {
			continue
		}
		res.Relationships = append(res.Relationships, Relationship{
			SourceID:    StableID(sourceType, rr.SourceName),
			TargetID:    StableID(targetType, rr.TargetName),
			Type:        relType,
			Description: strings.TrimSpace(rr.Description),
			Weight:      clampWeight(rr.Weight),
		})
	}
	return res
}

func clampWeight(w float64) float64 {
	if w == 0 {
		return 0.5 // spec §4.4: "default 0.5 when absent"
	}
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// StableID derives spec §4.4's `<type>:<slug>` entity id.
func StableID(entityType, name string) string {
	return strings.ToLower(entityType) + ":" + Slug(name)
}

// Slug implements spec §4.4's normalization: lowercase, Unicode NFD strip
// combining marks, non-alnum -> '_', trim leading/trailing '_'.
func Slug(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicodeMn)), norm.NFC)
	stripped, _, err := transform.String(t, lower)
	if err != nil {
		stripped = lower
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// ExtractMany runs Extract sequentially across chunks, deduplicating
// entities by id and concatenating relationships, sleeping 300ms between
// calls and reporting (i+1, n) progress after each (spec §4.4).
func (e *Extractor) ExtractMany(ctx context.Context, chunks []chunker.Chunk, onProgress func(done, total int)) (Result, error) {
	entityByID := map[string]Entity{}
	var relationships []Relationship

	for i, c := range chunks {
		r, err := e.Extract(ctx, c)
		if err != nil {
			return Result{}, err
		}
		for _, ent := range r.Entities {
			if _, ok := entityByID[ent.ID]; !ok {
				entityByID[ent.ID] = ent
			}
		}
		relationships = append(relationships, r.Relationships...)

		if onProgress != nil {
			onProgress(i+1, len(chunks))
		}
		if i < len(chunks)-1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}

	entities := make([]Entity, 0, len(entityByID))
	for _, ent := range entityByID {
		entities = append(entities, ent)
	}
	return Result{Entities: entities, Relationships: relationships}, nil
}

// QueryEntities returns a plain list of entity names mentioned in q,
// suppressing errors to an empty list (spec §4.4).
func (e *Extractor) QueryEntities(ctx context.Context, q string) []string {
	resp, err := e.Chat.Invoke(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "List the named entities mentioned in the query as a JSON object: {\"entities\": [string, ...]}. Return an empty array if none. Do not include any text outside the JSON object."},
			{Role: "user", Content: q},
		},
		ResponseFormat: &llm.ResponseFormat{JSON: true},
	})
	if err != nil {
		return []string{}
	}
	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return []string{}
	}
	var parsed struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return []string{}
	}
	if parsed.Entities == nil {
		return []string{}
	}
	return parsed.Entities
}

var unicodeMn = unicode.Mn
