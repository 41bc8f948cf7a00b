// Package plan flattens a resolved feature graph into one linear,
// deterministic installation sequence honoring hard dependencies, soft
// ordering hints and user overrides.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/featplan/featplan/graph"
	"github.com/featplan/featplan/internal/dag"
	"github.com/featplan/featplan/internal/log"
)

const realm = "plan"

var (
	// ErrOverrideConflict is returned when the user-declared override
	// order directly contradicts a hard dependsOn edge.
	ErrOverrideConflict = errors.New("override order contradicts a hard dependency")

	// ErrUnknownOverride is returned in strict mode when an override entry
	// names a feature absent from the resolved set.
	ErrUnknownOverride = errors.New("override order names an unknown feature")
)

// InstallPlanEntry is one step of the final installation sequence. There is
// exactly one entry per distinct canonical id.
type InstallPlanEntry struct {
	ID          string
	CanonicalID string
	Options     map[string]any
}

// Result carries the ordered plan together with the graph roots, so a
// presentation layer can render either the sequence or the tree. This
// package never formats output itself.
type Result struct {
	Entries []InstallPlanEntry
	Roots   []*graph.FNode
}

// Presenter is the collaborator contract for displaying a plan.
type Presenter func(Result) error

// Options configures order resolution.
type Options struct {
	// OverrideOrder pins the named features to this relative order
	// wherever that does not violate a hard dependency.
	OverrideOrder []string

	// StrictOverrides makes an override entry that matches no resolved
	// feature a fatal error instead of being ignored.
	StrictOverrides bool
}

// Resolve computes the installation sequence for the graph.
//
// Selection is a stable, priority-aware topological sort: among nodes whose
// hard dependencies are already placed, the next node is the one ranked
// lowest by (override position, soft-hint rank, declaration order). Ties
// not broken by any of these resolve by declaration order, so identical
// input always yields byte-identical output.
//
// A dependsOn cycle should have been rejected during graph building;
// encountering one here is treated as fatal all the same.
func Resolve(ctx context.Context, g *graph.Graph, opts Options) (*Result, error) {
	nodes := g.Nodes()
	logger := log.Realm(ctx, realm)

	overrideRanks, err := computeOverrideRanks(nodes, opts)
	if err != nil {
		return nil, err
	}

	// Defense-in-depth cycle check over the hard edges.
	hard := dag.New[string]()
	for _, node := range nodes {
		if err := hard.AddVertex(node.CanonicalID); err != nil {
			return nil, err
		}
	}
	for _, node := range nodes {
		for _, child := range node.DependsOn {
			if err := hard.AddEdge(node.CanonicalID, child.CanonicalID); err != nil {
				return nil, err
			}
		}
	}

	if err := checkOverrideContradictions(nodes, overrideRanks); err != nil {
		return nil, err
	}

	declRank := make(map[string]int, len(nodes))
	for i, node := range nodes {
		declRank[node.CanonicalID] = i
	}

	placed := make(map[string]bool, len(nodes))
	entries := make([]InstallPlanEntry, 0, len(nodes))

	for len(entries) < len(nodes) {
		pick := selectNext(nodes, placed, overrideRanks, declRank)
		if pick == nil {
			cyclic, cycle := hard.HasCycle()
			if cyclic {
				return nil, &dag.CycleError{Cycle: cycle}
			}
			return nil, fmt.Errorf("no installable feature among %d remaining", len(nodes)-len(entries))
		}

		placed[pick.CanonicalID] = true
		entries = append(entries, InstallPlanEntry{
			ID:          pick.ID,
			CanonicalID: pick.CanonicalID,
			Options:     pick.Options,
		})
	}

	logger.Debug("resolved installation order", slog.Int("entries", len(entries)))
	return &Result{Entries: entries, Roots: g.Roots}, nil
}

// selectNext returns the lowest-ranked node whose hard dependencies are all
// placed, or nil when none is ready.
func selectNext(nodes []*graph.FNode, placed map[string]bool, overrideRanks, declRank map[string]int) *graph.FNode {
	var ready []*graph.FNode
	for _, node := range nodes {
		if placed[node.CanonicalID] {
			continue
		}
		if hardSatisfied(node, placed) {
			ready = append(ready, node)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	// A node is soft-waiting while an installsAfter target is resolved in
	// the graph but not yet placed. If every ready node is soft-waiting
	// (a soft cycle), the hint cancels out and declaration order decides.
	pick := ready[0]
	pickRank := rank(pick, nodes, placed, overrideRanks, declRank)
	for _, candidate := range ready[1:] {
		candidateRank := rank(candidate, nodes, placed, overrideRanks, declRank)
		if candidateRank.less(pickRank) {
			pick = candidate
			pickRank = candidateRank
		}
	}
	return pick
}

type nodeRank struct {
	override int
	soft     int
	decl     int
}

func (r nodeRank) less(other nodeRank) bool {
	if r.override != other.override {
		return r.override < other.override
	}
	if r.soft != other.soft {
		return r.soft < other.soft
	}
	return r.decl < other.decl
}

func rank(node *graph.FNode, nodes []*graph.FNode, placed map[string]bool, overrideRanks, declRank map[string]int) nodeRank {
	soft := 0
	if softWaiting(node, nodes, placed) {
		soft = 1
	}
	override := math.MaxInt
	if pos, ok := overrideRanks[node.CanonicalID]; ok {
		override = pos
	}
	return nodeRank{override: override, soft: soft, decl: declRank[node.CanonicalID]}
}

func hardSatisfied(node *graph.FNode, placed map[string]bool) bool {
	for _, child := range node.DependsOn {
		if !placed[child.CanonicalID] {
			return false
		}
	}
	return true
}

// softWaiting reports whether one of the node's installsAfter targets is
// resolved in the graph and not yet placed, meaning the node prefers to
// wait. Targets absent from the resolved set are ignored.
func softWaiting(node *graph.FNode, nodes []*graph.FNode, placed map[string]bool) bool {
	for _, target := range node.InstallsAfter {
		target = strings.ToLower(target)
		for _, other := range nodes {
			if other == node || placed[other.CanonicalID] {
				continue
			}
			if matches(other, target) {
				return true
			}
		}
	}
	return false
}

// matches reports whether an identifier names the node, either by its
// caller-facing id or its version-independent resource.
func matches(node *graph.FNode, identifier string) bool {
	return identifier == node.ID || identifier == node.Resource
}

// computeOverrideRanks assigns each node the position of the first override
// entry naming it. Unmatched entries are ignored unless strict mode is on.
func computeOverrideRanks(nodes []*graph.FNode, opts Options) (map[string]int, error) {
	ranks := make(map[string]int)
	for i, entry := range opts.OverrideOrder {
		identifier := strings.ToLower(entry)
		matched := false
		for _, node := range nodes {
			if matches(node, identifier) {
				matched = true
				if _, ok := ranks[node.CanonicalID]; !ok {
					ranks[node.CanonicalID] = i
				}
			}
		}
		if !matched && opts.StrictOverrides {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOverride, entry)
		}
	}
	return ranks, nil
}

// checkOverrideContradictions rejects an override order that asks a parent
// to install before one of its hard dependencies.
func checkOverrideContradictions(nodes []*graph.FNode, overrideRanks map[string]int) error {
	for _, node := range nodes {
		parentRank, ok := overrideRanks[node.CanonicalID]
		if !ok {
			continue
		}
		for _, child := range node.DependsOn {
			childRank, ok := overrideRanks[child.CanonicalID]
			if !ok {
				continue
			}
			if parentRank < childRank {
				return fmt.Errorf("%w: %s must install after %s", ErrOverrideConflict, node.ID, child.ID)
			}
		}
	}
	return nil
}
