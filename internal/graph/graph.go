// Package graph turns a revision tree into a validated dependency graph
// of sync groups with a deterministic total order.
package graph

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/convergd/convergd/internal/manifest"
	"github.com/convergd/convergd/internal/source"
)

// KindSyncGroup is the YAML kind declaring one sync group.
const KindSyncGroup = "SyncGroup"

// Group is one declared sync unit: a named set of manifests applied
// together, with ordering dependencies on other groups.
type Group struct {
	Name           string
	Path           string   // tree subpath owning the group's manifests
	DependsOn      []string // groups that must converge first
	Interval       time.Duration
	WaitForHealth  bool // dependents wait for Ready, not just applied
	SourceRevision source.Revision
	Manifests      []manifest.Manifest // declaration order: sorted file path, then document order
}

// Graph is a validated set of groups plus their total order.
type Graph struct {
	Revision source.Revision
	Groups   map[string]*Group
	Order    []string // topological; declaration order breaks ties
}

// Builder validates revision trees into graphs.
type Builder struct {
	defaultInterval time.Duration
}

// NewBuilder creates a builder. Groups that declare no interval get the
// given default.
func NewBuilder(defaultInterval time.Duration) *Builder {
	if defaultInterval <= 0 {
		defaultInterval = time.Minute
	}
	return &Builder{defaultInterval: defaultInterval}
}

// Build parses every YAML file in the tree, collects SyncGroup
// declarations, assigns the remaining documents to groups by path
// ownership, and computes the total order. Any structural problem
// rejects the whole revision.
func (b *Builder) Build(rev source.Revision, tree source.Tree) (*Graph, error) {
	groups := map[string]*Group{}
	var declOrder []string
	type objectDoc struct {
		path string
		m    manifest.Manifest
	}
	var objects []objectDoc

	for _, p := range tree.Paths() {
		ms, err := manifest.ParseAll(p, tree[p])
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			if m.Kind != KindSyncGroup {
				objects = append(objects, objectDoc{path: p, m: m})
				continue
			}
			g, err := parseDecl(m)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			if _, exists := groups[g.Name]; exists {
				return nil, fmt.Errorf("%s: duplicate group %q", p, g.Name)
			}
			if g.Interval == 0 {
				g.Interval = b.defaultInterval
			}
			g.SourceRevision = rev
			groups[g.Name] = g
			declOrder = append(declOrder, g.Name)
		}
	}

	// Path ownership: a document belongs to the group with the longest
	// matching path prefix. Documents under no declared path are not
	// desired state and are dropped.
	for _, od := range objects {
		if owner := claim(groups, od.path); owner != nil {
			owner.Manifests = append(owner.Manifests, od.m)
		}
	}

	for _, name := range declOrder {
		for _, dep := range groups[name].DependsOn {
			if _, ok := groups[dep]; !ok {
				return nil, &DanglingRefError{Group: name, Ref: dep}
			}
		}
	}

	order, err := toposort(groups, declOrder)
	if err != nil {
		return nil, err
	}

	return &Graph{Revision: rev, Groups: groups, Order: order}, nil
}

func parseDecl(m manifest.Manifest) (*Group, error) {
	g := &Group{Name: m.Name, WaitForHealth: true}
	spec, _ := m.Object["spec"].(map[string]any)
	if spec == nil {
		return nil, fmt.Errorf("group %q: missing spec", m.Name)
	}

	g.Path, _ = spec["path"].(string)
	g.Path = strings.Trim(path.Clean(g.Path), "/")
	if g.Path == "" || g.Path == "." {
		return nil, fmt.Errorf("group %q: spec.path is required", m.Name)
	}

	if raw, ok := spec["dependsOn"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("group %q: spec.dependsOn must be a list", m.Name)
		}
		for _, item := range items {
			dep, ok := item.(string)
			if !ok || dep == "" {
				return nil, fmt.Errorf("group %q: spec.dependsOn entries must be group names", m.Name)
			}
			g.DependsOn = append(g.DependsOn, dep)
		}
	}

	if raw, ok := spec["interval"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("group %q: spec.interval must be a duration string", m.Name)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("group %q: invalid interval %q: %w", m.Name, s, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("group %q: interval %q is below the 1s floor", m.Name, s)
		}
		g.Interval = d
	}

	if v, ok := spec["waitForHealth"].(bool); ok {
		g.WaitForHealth = v
	}
	return g, nil
}

// claim resolves which group owns a file path, preferring the most
// specific (longest) declared path.
func claim(groups map[string]*Group, filePath string) *Group {
	var best *Group
	for _, g := range groups {
		if filePath != g.Path && !strings.HasPrefix(filePath, g.Path+"/") {
			continue
		}
		if best == nil || len(g.Path) > len(best.Path) {
			best = g
		}
	}
	return best
}

// toposort runs Kahn's algorithm. Among ready nodes the earliest declared
// wins, so the order is stable across builds of the same tree.
func toposort(groups map[string]*Group, declOrder []string) ([]string, error) {
	indeg := make(map[string]int, len(groups))
	dependents := make(map[string][]string, len(groups))
	for _, name := range declOrder {
		indeg[name] = len(groups[name].DependsOn)
		for _, dep := range groups[name].DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	order := make([]string, 0, len(groups))
	done := make(map[string]bool, len(groups))
	for len(order) < len(groups) {
		picked := ""
		for _, name := range declOrder {
			if !done[name] && indeg[name] == 0 {
				picked = name
				break
			}
		}
		if picked == "" {
			var stuck []string
			for _, name := range declOrder {
				if !done[name] {
					stuck = append(stuck, name)
				}
			}
			return nil, &CycleError{Names: stuck}
		}
		done[picked] = true
		order = append(order, picked)
		for _, d := range dependents[picked] {
			indeg[d]--
		}
	}
	return order, nil
}

// Dependents returns the groups that list name as a dependency, sorted.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, grp := range g.Groups {
		for _, dep := range grp.DependsOn {
			if dep == name {
				out = append(out, grp.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
