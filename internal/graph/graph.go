// Package graph serves the read side of the entity graph: bounded
// neighbourhood expansion around a seed entity. Writes happen on the
// enrichment path (append-merge in the store); this package never mutates.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/mfittko/rag-stack/internal/store"
)

const (
	// DefaultDepth is the traversal depth when the caller names none.
	DefaultDepth = 2
	// maxDepth caps the requested depth.
	maxDepth = 4
	// maxEntities caps the number of entities one expansion may visit.
	maxEntities = 50
	// timeBudget caps the wall-clock spent expanding.
	timeBudget = 2 * time.Second
	// mentionLimit caps the documents listed per entity.
	mentionLimit = 10
)

// Store is the persistence surface the graph service needs.
type Store interface {
	EntityByName(ctx context.Context, name string) (*store.Entity, error)
	Neighbours(ctx context.Context, entityID string) ([]store.GraphEdge, []store.Entity, error)
	MentionedDocuments(ctx context.Context, entityID string, limit int) ([]string, error)
}

// Meta reports how the expansion terminated.
type Meta struct {
	// Capped is true when the entity cap stopped the traversal.
	Capped bool `json:"capped"`
	// TimedOut is true when the time budget stopped the traversal.
	TimedOut bool `json:"timedOut"`
	// Warnings carries non-fatal lookup problems.
	Warnings []string `json:"warnings,omitempty"`
}

// Expansion is the result of one graph read.
type Expansion struct {
	// Entity is the seed.
	Entity store.Entity `json:"entity"`
	// Nodes are all visited entities with the documents mentioning them.
	Nodes []store.GraphNode `json:"nodes"`
	// Edges are all relationships between visited entities.
	Edges []store.GraphEdge `json:"edges"`
	// Paths lists the entity-name path from the seed to each visited node.
	Paths [][]string `json:"paths"`
	// Meta reports caps and warnings.
	Meta Meta `json:"meta"`
}

// Service runs graph expansions.
type Service struct {
	store Store
}

// New constructs the graph Service.
func New(st Store) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("graph: store must not be nil")
	}
	return &Service{store: st}, nil
}

// Expand looks up the seed entity by name and walks its neighbourhood
// breadth-first up to depth, bounded by the entity cap and the time budget.
func (s *Service) Expand(ctx context.Context, name string, depth int) (*Expansion, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}

	seed, err := s.store.EntityByName(ctx, name)
	if err != nil {
		return nil, err
	}

	exp := &Expansion{Entity: *seed}
	deadline := time.Now().Add(timeBudget)

	type queued struct {
		entity store.Entity
		path   []string
		depth  int
	}

	visited := map[string]bool{seed.ID: true}
	seenEdges := map[string]bool{}
	queue := []queued{{entity: *seed, path: []string{seed.Name}, depth: 0}}

	for len(queue) > 0 {
		if time.Now().After(deadline) {
			exp.Meta.TimedOut = true
			break
		}
		if len(exp.Nodes) >= maxEntities {
			exp.Meta.Capped = true
			break
		}

		current := queue[0]
		queue = queue[1:]

		docs, err := s.store.MentionedDocuments(ctx, current.entity.ID, mentionLimit)
		if err != nil {
			exp.Meta.Warnings = append(exp.Meta.Warnings,
				fmt.Sprintf("documents for %s unavailable", current.entity.Name))
		}
		exp.Nodes = append(exp.Nodes, store.GraphNode{Entity: current.entity, Documents: docs})
		exp.Paths = append(exp.Paths, current.path)

		if current.depth >= depth {
			continue
		}

		edges, ents, err := s.store.Neighbours(ctx, current.entity.ID)
		if err != nil {
			exp.Meta.Warnings = append(exp.Meta.Warnings,
				fmt.Sprintf("neighbours of %s unavailable", current.entity.Name))
			continue
		}

		for i, edge := range edges {
			key := edge.SourceID + ">" + edge.TargetID + ">" + edge.Type
			if !seenEdges[key] {
				seenEdges[key] = true
				exp.Edges = append(exp.Edges, edge)
			}

			next := ents[i]
			if visited[next.ID] {
				continue
			}
			visited[next.ID] = true

			path := append(append([]string(nil), current.path...), next.Name)
			queue = append(queue, queued{entity: next, path: path, depth: current.depth + 1})
		}
	}

	return exp, nil
}
