package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mfittko/rag-stack/internal/errs"
)

// ExtractedEntity is one entity as submitted by an enrichment worker.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Mentions is how often the entity appears in the enriched chunk.
	Mentions int `json:"mentions,omitempty"`
}

// ExtractedRelationship is one directed edge as submitted by a worker.
// Source and target reference entities by name.
type ExtractedRelationship struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// MergeEntities append-merges worker-extracted entities and relationships
// into the graph tables and bumps per-document mention counts. Existing
// entities keep their identity; descriptions are only filled when empty.
func (s *Store) MergeEntities(ctx context.Context, documentID string, entities []ExtractedEntity, rels []ExtractedRelationship) error {
	if len(entities) == 0 && len(rels) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		ids := make(map[string]string, len(entities)) // name/type key -> id

		const entityQ = `
INSERT INTO entities (id, name, type, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name, type) DO UPDATE SET
    description = CASE WHEN entities.description = '' THEN EXCLUDED.description
                       ELSE entities.description END,
    updated_at  = now()
RETURNING id`

		for _, e := range entities {
			if e.Name == "" || e.Type == "" {
				continue
			}
			var id string
			if err := tx.QueryRow(ctx, entityQ, uuid.NewString(), e.Name, e.Type, e.Description).Scan(&id); err != nil {
				return fmt.Errorf("store: merge entity %q: %w", e.Name, err)
			}
			ids[entityKey(e.Name, e.Type)] = id

			mentions := e.Mentions
			if mentions <= 0 {
				mentions = 1
			}
			const mentionQ = `
INSERT INTO entity_mentions (entity_id, document_id, count)
VALUES ($1, $2, $3)
ON CONFLICT (entity_id, document_id) DO UPDATE SET
    count = entity_mentions.count + EXCLUDED.count`
			if _, err := tx.Exec(ctx, mentionQ, id, documentID, mentions); err != nil {
				return fmt.Errorf("store: merge entity mention %q: %w", e.Name, err)
			}
		}

		const relQ = `
INSERT INTO relationships (id, source_id, target_id, type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_id, target_id, type) DO UPDATE SET
    weight = relationships.weight + 1`

		for _, r := range rels {
			srcID, err := s.entityIDByName(ctx, tx, ids, r.Source)
			if err != nil || srcID == "" {
				continue // unknown endpoints are skipped, not fatal
			}
			dstID, err := s.entityIDByName(ctx, tx, ids, r.Target)
			if err != nil || dstID == "" {
				continue
			}
			if _, err := tx.Exec(ctx, relQ, uuid.NewString(), srcID, dstID, r.Type); err != nil {
				return fmt.Errorf("store: merge relationship %s->%s: %w", r.Source, r.Target, err)
			}
		}
		return nil
	})
}

// entityKey builds the in-transaction lookup key for an entity.
func entityKey(name, typ string) string { return name + "\x00" + typ }

// entityIDByName resolves an entity id by name, first from the ids cache
// built this transaction, then from the table (any type, newest first).
func (s *Store) entityIDByName(ctx context.Context, tx pgx.Tx, ids map[string]string, name string) (string, error) {
	prefix := name + "\x00"
	for key, id := range ids {
		if strings.HasPrefix(key, prefix) {
			return id, nil
		}
	}
	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM entities WHERE name = $1 ORDER BY updated_at DESC LIMIT 1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: entity lookup %q: %w", name, err)
	}
	return id, nil
}

// GraphNode is an entity plus the documents that mention it.
type GraphNode struct {
	Entity    Entity   `json:"entity"`
	Documents []string `json:"documents"`
}

// GraphEdge is a relationship surfaced in a graph read.
type GraphEdge struct {
	SourceID string  `json:"sourceId"`
	TargetID string  `json:"targetId"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
}

// EntityByName returns the entity with the given name (newest when several
// types share it), mapping no-rows to NOT_FOUND.
func (s *Store) EntityByName(ctx context.Context, name string) (*Entity, error) {
	const q = `
SELECT id, name, type, description
FROM   entities
WHERE  name = $1
ORDER  BY updated_at DESC
LIMIT  1`

	var e Entity
	err := s.pool.QueryRow(ctx, q, name).Scan(&e.ID, &e.Name, &e.Type, &e.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, "entity %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("store: entity by name: %w", err)
	}
	return &e, nil
}

// Neighbours returns all edges touching entityID together with the entities
// on their far ends.
func (s *Store) Neighbours(ctx context.Context, entityID string) ([]GraphEdge, []Entity, error) {
	const q = `
SELECT r.source_id, r.target_id, r.type, r.weight,
       e.id, e.name, e.type, e.description
FROM   relationships r
JOIN   entities e ON e.id = CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END
WHERE  r.source_id = $1 OR r.target_id = $1
ORDER  BY r.weight DESC, e.name`

	rows, err := s.pool.Query(ctx, q, entityID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: neighbours: %w", err)
	}
	defer rows.Close()

	var edges []GraphEdge
	var ents []Entity
	for rows.Next() {
		var edge GraphEdge
		var e Entity
		if err := rows.Scan(&edge.SourceID, &edge.TargetID, &edge.Type, &edge.Weight,
			&e.ID, &e.Name, &e.Type, &e.Description); err != nil {
			return nil, nil, fmt.Errorf("store: neighbours scan: %w", err)
		}
		edges = append(edges, edge)
		ents = append(ents, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: neighbours rows: %w", err)
	}
	return edges, ents, nil
}

// MentionedDocuments returns the base ids of documents mentioning an entity,
// most-mentioned first.
func (s *Store) MentionedDocuments(ctx context.Context, entityID string, limit int) ([]string, error) {
	const q = `
SELECT d.base_id
FROM   entity_mentions m
JOIN   documents d ON d.id = m.document_id
WHERE  m.entity_id = $1
ORDER  BY m.count DESC, d.base_id
LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: mentioned documents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var baseID string
		if err := rows.Scan(&baseID); err != nil {
			return nil, fmt.Errorf("store: mentioned documents scan: %w", err)
		}
		out = append(out, baseID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: mentioned documents rows: %w", err)
	}
	return out, nil
}

// EnrichmentStatusByBase returns per-chunk enrichment status counts for one
// document identified by base id.
func (s *Store) EnrichmentStatusByBase(ctx context.Context, baseID, collection string) (map[string]int, error) {
	q := `
SELECT c.enrichment_status, COUNT(*)
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  d.base_id = $1`
	args := []any{baseID}
	if collection != "" {
		args = append(args, collection)
		q += fmt.Sprintf(` AND d.collection = $%d`, len(args))
	}
	q += ` GROUP BY c.enrichment_status`

	return s.countByKey(ctx, q, args)
}
