package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/mfittko/rag-stack/internal/errs"
	"github.com/mfittko/rag-stack/internal/store"
)

// fakeGraphStore serves a fixed adjacency list.
type fakeGraphStore struct {
	entities map[string]store.Entity   // by name
	adj      map[string][]string       // entity id -> neighbour ids
	byID     map[string]store.Entity   // by id
	docs     map[string][]string       // entity id -> base ids
}

func newGraph() *fakeGraphStore {
	g := &fakeGraphStore{
		entities: map[string]store.Entity{},
		adj:      map[string][]string{},
		byID:     map[string]store.Entity{},
		docs:     map[string][]string{},
	}
	return g
}

func (g *fakeGraphStore) add(id, name string) {
	e := store.Entity{ID: id, Name: name, Type: "concept"}
	g.entities[name] = e
	g.byID[id] = e
}

func (g *fakeGraphStore) link(a, b string) {
	g.adj[a] = append(g.adj[a], b)
	g.adj[b] = append(g.adj[b], a)
}

func (g *fakeGraphStore) EntityByName(_ context.Context, name string) (*store.Entity, error) {
	e, ok := g.entities[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "entity %q not found", name)
	}
	return &e, nil
}

func (g *fakeGraphStore) Neighbours(_ context.Context, entityID string) ([]store.GraphEdge, []store.Entity, error) {
	var edges []store.GraphEdge
	var ents []store.Entity
	for _, nb := range g.adj[entityID] {
		edges = append(edges, store.GraphEdge{SourceID: entityID, TargetID: nb, Type: "related"})
		ents = append(ents, g.byID[nb])
	}
	return edges, ents, nil
}

func (g *fakeGraphStore) MentionedDocuments(_ context.Context, entityID string, _ int) ([]string, error) {
	return g.docs[entityID], nil
}

func TestExpand_SeedNotFound(t *testing.T) {
	t.Parallel()

	svc, err := New(newGraph())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = svc.Expand(context.Background(), "ghost", 1)
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind: want NOT_FOUND, got %v", errs.KindOf(err))
	}
}

func TestExpand_DepthBounded(t *testing.T) {
	t.Parallel()

	// Chain a - b - c - d; depth 1 from a must reach only a and b.
	g := newGraph()
	for _, n := range []string{"a", "b", "c", "d"} {
		g.add("id-"+n, n)
	}
	g.link("id-a", "id-b")
	g.link("id-b", "id-c")
	g.link("id-c", "id-d")
	g.docs["id-a"] = []string{"doc-1"}

	svc, _ := New(g)
	exp, err := svc.Expand(context.Background(), "a", 1)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(exp.Nodes) != 2 {
		t.Fatalf("nodes: want 2 (a, b), got %d", len(exp.Nodes))
	}
	if exp.Nodes[0].Entity.Name != "a" || exp.Nodes[1].Entity.Name != "b" {
		t.Errorf("nodes: %v, %v", exp.Nodes[0].Entity.Name, exp.Nodes[1].Entity.Name)
	}
	if len(exp.Nodes[0].Documents) != 1 || exp.Nodes[0].Documents[0] != "doc-1" {
		t.Errorf("seed documents: %v", exp.Nodes[0].Documents)
	}
	// Paths parallel the nodes.
	if len(exp.Paths) != 2 || len(exp.Paths[1]) != 2 || exp.Paths[1][1] != "b" {
		t.Errorf("paths: %v", exp.Paths)
	}
	if exp.Meta.Capped || exp.Meta.TimedOut {
		t.Errorf("meta: %+v", exp.Meta)
	}
}

func TestExpand_EntityCap(t *testing.T) {
	t.Parallel()

	// A star with more leaves than the cap.
	g := newGraph()
	g.add("id-hub", "hub")
	for i := 0; i < maxEntities+20; i++ {
		name := fmt.Sprintf("leaf%d", i)
		g.add("id-"+name, name)
		g.link("id-hub", "id-"+name)
	}

	svc, _ := New(g)
	exp, err := svc.Expand(context.Background(), "hub", 2)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !exp.Meta.Capped {
		t.Error("expected the entity cap to trip")
	}
	if len(exp.Nodes) > maxEntities {
		t.Errorf("nodes: %d exceeds cap %d", len(exp.Nodes), maxEntities)
	}
}

func TestExpand_NoDuplicateVisits(t *testing.T) {
	t.Parallel()

	// Triangle a - b - c - a: every node visited once.
	g := newGraph()
	for _, n := range []string{"a", "b", "c"} {
		g.add("id-"+n, n)
	}
	g.link("id-a", "id-b")
	g.link("id-b", "id-c")
	g.link("id-c", "id-a")

	svc, _ := New(g)
	exp, err := svc.Expand(context.Background(), "a", 3)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	seen := map[string]int{}
	for _, n := range exp.Nodes {
		seen[n.Entity.Name]++
	}
	for name, count := range seen {
		if count != 1 {
			t.Errorf("entity %s visited %d times", name, count)
		}
	}
	if len(exp.Nodes) != 3 {
		t.Errorf("nodes: want 3, got %d", len(exp.Nodes))
	}
}
