// Package graph resolves a requested feature set into the full transitive
// graph of feature nodes, deduplicated by content identity, with cycle and
// option-conflict detection.
package graph

import (
	"fmt"
	"strings"
)

// FNode is a resolved feature node. Nodes are owned exclusively by the
// graph that created them; separate resolution runs never share nodes.
type FNode struct {
	// ID is the caller-facing name the feature was declared under.
	ID string

	// CanonicalID is "<resource>@<contentDigest>". Two nodes with the same
	// CanonicalID inside one graph collapse to one instance.
	CanonicalID string

	// Resource is the version-independent identity "<registry>/<path>".
	Resource string

	// Version is the feature's declared version.
	Version string

	// Options are the options declared for this node by whoever pulled it
	// into the graph.
	Options map[string]any

	// DependsOn holds the resolved hard dependencies, in the order the
	// feature's metadata declared them.
	DependsOn []*FNode

	// InstallsAfter carries the feature's soft ordering hints.
	InstallsAfter []string
}

// Graph is the result of one resolution run.
type Graph struct {
	// Roots are the nodes built from the requested declarations, in
	// declaration order.
	Roots []*FNode

	nodes map[string]*FNode
	order []*FNode
}

// Node returns the node with the given canonical id.
func (g *Graph) Node(canonicalID string) (*FNode, bool) {
	node, ok := g.nodes[canonicalID]
	return node, ok
}

// Nodes returns every node of the graph in resolution (post-order
// completion) order. The order is deterministic for identical input.
func (g *Graph) Nodes() []*FNode {
	return g.order
}

// CycleError reports a dependsOn cycle discovered during resolution.
type CycleError struct {
	// Path is the chain of caller-facing ids forming the cycle.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("feature dependencies form a cycle: %s", strings.Join(e.Path, " -> "))
}

// ConflictError reports two declarations of the same feature content with
// differing options.
type ConflictError struct {
	CanonicalID string
	Existing    map[string]any
	Declared    map[string]any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting options for %s: %v vs %v", e.CanonicalID, e.Existing, e.Declared)
}
