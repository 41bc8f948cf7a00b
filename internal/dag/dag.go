// Package dag implements a small generic directed acyclic graph used to
// order feature installations. Vertices are addressed by a comparable,
// ordered key so that traversals stay deterministic.
package dag

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// ErrSelfReference is returned when an edge would connect a vertex to itself.
var ErrSelfReference = fmt.Errorf("self-references are not allowed")

// Vertex is a single node in the graph.
type Vertex[T cmp.Ordered] struct {
	ID T

	// Edges holds the IDs of vertices this vertex points at
	// (dependencies of this vertex).
	Edges map[T]struct{}

	InDegree, OutDegree int
}

// Graph is a directed acyclic graph. Edges are rejected when they would
// introduce a cycle.
type Graph[T cmp.Ordered] struct {
	Vertices map[T]*Vertex[T]
}

// New creates an empty graph.
func New[T cmp.Ordered]() *Graph[T] {
	return &Graph[T]{Vertices: make(map[T]*Vertex[T])}
}

// CycleError reports the vertex sequence forming a cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle: %s", strings.Join(e.Cycle, " -> "))
}

// AddVertex adds a vertex. Adding the same ID twice is an error.
func (g *Graph[T]) AddVertex(id T) error {
	if _, exists := g.Vertices[id]; exists {
		return fmt.Errorf("vertex %v already exists", id)
	}
	g.Vertices[id] = &Vertex[T]{
		ID:    id,
		Edges: make(map[T]struct{}),
	}
	return nil
}

// AddEdge adds a directed edge from one vertex to another. The edge is
// rolled back if it would turn the graph cyclic, and the resulting
// CycleError is returned.
func (g *Graph[T]) AddEdge(from, to T) error {
	fromVertex, fromExists := g.Vertices[from]
	toVertex, toExists := g.Vertices[to]
	if !fromExists {
		return fmt.Errorf("vertex %v does not exist", from)
	}
	if !toExists {
		return fmt.Errorf("vertex %v does not exist", to)
	}
	if from == to {
		return ErrSelfReference
	}

	if _, exists := fromVertex.Edges[to]; exists {
		return nil
	}

	fromVertex.Edges[to] = struct{}{}
	fromVertex.OutDegree++
	toVertex.InDegree++

	if cyclic, cycle := g.HasCycle(); cyclic {
		delete(fromVertex.Edges, to)
		fromVertex.OutDegree--
		toVertex.InDegree--
		return fmt.Errorf("adding an edge from %v to %v: %w", from, to, &CycleError{Cycle: cycle})
	}

	return nil
}

// Contains reports whether the vertex is part of the graph.
func (g *Graph[T]) Contains(id T) bool {
	_, ok := g.Vertices[id]
	return ok
}

// SortedVertices returns all vertex IDs in sorted order, for deterministic
// iteration.
func (g *Graph[T]) SortedVertices() []T {
	ids := make([]T, 0, len(g.Vertices))
	for id := range g.Vertices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// HasCycle reports whether the graph contains a cycle, returning the
// offending path when it does.
func (g *Graph[T]) HasCycle() (bool, []string) {
	visited := make(map[T]bool)
	active := make(map[T]bool)
	var path []string

	var dfs func(T) bool
	dfs = func(id T) bool {
		visited[id] = true
		active[id] = true
		path = append(path, fmt.Sprintf("%v", id))

		for neighbor := range g.Vertices[id].Edges {
			if !visited[neighbor] {
				if dfs(neighbor) {
					return true
				}
			} else if active[neighbor] {
				path = append(path, fmt.Sprintf("%v", neighbor))
				return true
			}
		}

		active[id] = false
		path = path[:len(path)-1]
		return false
	}

	for _, id := range g.SortedVertices() {
		if visited[id] {
			continue
		}
		path = path[:0]
		if dfs(id) {
			// Trim the path so it starts at the repeated vertex.
			start := 0
			for i, v := range path[:len(path)-1] {
				if v == path[len(path)-1] {
					start = i
					break
				}
			}
			return true, path[start:]
		}
	}

	return false, nil
}
