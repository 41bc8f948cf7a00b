package graph

import (
	"context"
	"log/slog"
	"reflect"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/featplan/featplan/feature"
	"github.com/featplan/featplan/featref"
	"github.com/featplan/featplan/internal/log"
)

const realm = "graph"

// Loader supplies resolved feature metadata. It must be safe for
// concurrent use; feature.Loader satisfies this.
type Loader interface {
	Load(ctx context.Context, ref featref.ArtifactRef) (*feature.Resolved, error)
}

// Declaration is one requested feature: a reference string and the options
// declared for it.
type Declaration struct {
	Ref     string
	Options map[string]any
}

// Builder resolves declarations into a Graph through a Loader.
type Builder struct {
	loader Loader
}

// NewBuilder creates a builder. The loader's caches bound the network work
// of a build to one fetch per distinct feature.
func NewBuilder(loader Loader) *Builder {
	return &Builder{loader: loader}
}

// BuildFromRef resolves a single ad-hoc feature reference.
func (b *Builder) BuildFromRef(ctx context.Context, ref string, options map[string]any) (*Graph, error) {
	return b.Build(ctx, []Declaration{{Ref: ref, Options: options}})
}

// Build resolves the declared feature set into the full transitive graph.
//
// Any resolution failure anywhere aborts the whole build: a graph with an
// unresolved subtree cannot be safely ordered or installed, so no partial
// graph is ever returned.
func (b *Builder) Build(ctx context.Context, declarations []Declaration) (_ *Graph, err error) {
	done := log.Operation(ctx, realm, "build dependency graph", slog.Int("declarations", len(declarations)))
	defer func() { done(err) }()

	run := &build{
		graph:  &Graph{nodes: make(map[string]*FNode)},
		active: make(map[string]bool),
		seen:   make(map[string]string),
	}

	for _, declaration := range declarations {
		root, err := b.resolve(ctx, run, declaration)
		if err != nil {
			return nil, err
		}
		run.graph.Roots = append(run.graph.Roots, root)
	}
	return run.graph, nil
}

// build is the mutable state of one Build invocation.
type build struct {
	graph *Graph

	// active holds the canonical ids on the current resolution path.
	active map[string]bool

	// seen maps already resolved reference strings to their canonical id,
	// so a repeated identical reference skips the loader entirely.
	seen map[string]string
}

// frame is one entry of the explicit resolution stack. Using a work stack
// with an explicit active-path set bounds memory and keeps cycle detection
// independent of the call stack.
type frame struct {
	declaration Declaration
	parent      *frame
	node        *FNode
	resolved    *feature.Resolved
	deps        []feature.Dependency
	next        int
}

func (b *Builder) resolve(ctx context.Context, run *build, root Declaration) (*FNode, error) {
	stack := []*frame{{declaration: root}}

	var result *FNode
	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.node == nil {
			reused, err := b.enter(ctx, run, top)
			if err != nil {
				return nil, err
			}
			if reused {
				stack = stack[:len(stack)-1]
				if top.parent == nil {
					result = top.node
				} else {
					top.parent.node.DependsOn = append(top.parent.node.DependsOn, top.node)
				}
				continue
			}
		}

		if top.next < len(top.deps) {
			dep := top.deps[top.next]
			top.next++
			stack = append(stack, &frame{
				declaration: Declaration{Ref: dep.Ref, Options: dep.Options},
				parent:      top,
			})
			continue
		}

		// All children resolved; the node is complete.
		delete(run.active, top.node.CanonicalID)
		run.graph.nodes[top.node.CanonicalID] = top.node
		run.graph.order = append(run.graph.order, top.node)
		stack = stack[:len(stack)-1]
		if top.parent == nil {
			result = top.node
		} else {
			top.parent.node.DependsOn = append(top.parent.node.DependsOn, top.node)
		}
	}
	return result, nil
}

// enter resolves the frame's declaration. It returns true when the frame
// was satisfied by a node already present in the graph.
func (b *Builder) enter(ctx context.Context, run *build, top *frame) (reused bool, err error) {
	ref, err := featref.Parse(ctx, top.declaration.Ref)
	if err != nil {
		return false, err
	}

	// A reference string resolved earlier in this run already has a known
	// canonical id; reuse or cycle-check without another load.
	var canonicalID string
	if known, ok := run.seen[ref.String()]; ok {
		canonicalID = known
	} else {
		resolved, err := b.loader.Load(ctx, ref)
		if err != nil {
			return false, err
		}
		canonicalID = resolved.CanonicalID()
		run.seen[ref.String()] = canonicalID
		top.resolved = resolved
	}

	if existing, ok := run.graph.nodes[canonicalID]; ok {
		// Same content declared twice: the declarations must agree on
		// options, otherwise the requested set is unsatisfiable.
		if !optionsEqual(existing.Options, top.declaration.Options) {
			return false, &ConflictError{
				CanonicalID: canonicalID,
				Existing:    existing.Options,
				Declared:    top.declaration.Options,
			}
		}
		top.node = existing
		return true, nil
	}

	if run.active[canonicalID] {
		return false, &CycleError{Path: cyclePath(top, canonicalID)}
	}
	run.active[canonicalID] = true

	if top.resolved == nil {
		// Known canonical id but the node was never completed (it only
		// ever appeared on a failed path); load it now.
		resolved, err := b.loader.Load(ctx, ref)
		if err != nil {
			return false, err
		}
		top.resolved = resolved
	}
	resolved := top.resolved

	version := resolved.Metadata.Version
	if version == "" {
		version = ref.Version
	}
	top.node = &FNode{
		ID:            strings.ToLower(top.declaration.Ref),
		CanonicalID:   canonicalID,
		Resource:      ref.Resource,
		Version:       version,
		Options:       top.declaration.Options,
		InstallsAfter: resolved.Metadata.InstallsAfter,
	}
	top.deps = resolved.Metadata.Dependencies()

	if err := b.prefetch(ctx, top.deps); err != nil {
		return false, err
	}
	return false, nil
}

// prefetch warms the loader for sibling dependencies concurrently. The
// loader collapses concurrent loads of the same content, so this only adds
// parallelism, never duplicate fetches.
func (b *Builder) prefetch(ctx context.Context, deps []feature.Dependency) error {
	if len(deps) < 2 {
		return nil
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, dep := range deps {
		dep := dep
		eg.Go(func() error {
			ref, err := featref.Parse(ctx, dep.Ref)
			if err != nil {
				return err
			}
			_, err = b.loader.Load(ctx, ref)
			return err
		})
	}
	return eg.Wait()
}

// cyclePath reconstructs the offending chain from the resolution stack.
func cyclePath(top *frame, canonicalID string) []string {
	var reversed []string
	reversed = append(reversed, top.declaration.Ref)
	for f := top.parent; f != nil; f = f.parent {
		reversed = append(reversed, f.declaration.Ref)
		if f.node != nil && f.node.CanonicalID == canonicalID {
			break
		}
	}
	path := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, strings.ToLower(reversed[i]))
	}
	return path
}

// optionsEqual treats nil and empty option maps as equal.
func optionsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
