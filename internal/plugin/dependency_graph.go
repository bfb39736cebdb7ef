package plugin

import (
	"sort"
)

// DependencyGraph tracks plugin relationships for validation and initialization ordering.
// Edges point from a dependent to its dependency and remember whether the
// dependency is required.
type DependencyGraph struct {
	nodes    map[string]struct{}
	incoming map[string]map[string]bool
	outgoing map[string]map[string]bool
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]struct{}),
		incoming: make(map[string]map[string]bool),
		outgoing: make(map[string]map[string]bool),
	}
}

// AddNode ensures the plugin exists within the graph.
func (g *DependencyGraph) AddNode(id string) {
	if _, exists := g.nodes[id]; exists {
		return
	}
	g.nodes[id] = struct{}{}
	g.incoming[id] = make(map[string]bool)
	g.outgoing[id] = make(map[string]bool)
}

// AddEdge records that dependent needs dependency. A required edge wins over
// an optional one between the same pair.
func (g *DependencyGraph) AddEdge(dependent, dependency string, required bool) {
	g.AddNode(dependent)
	g.AddNode(dependency)

	required = required || g.outgoing[dependent][dependency]
	g.outgoing[dependent][dependency] = required
	g.incoming[dependency][dependent] = required
}

const (
	white = iota
	grey
	black
)

// DetectCycles returns the ids of one cycle, in edge order, or nil when the
// graph is acyclic.
func (g *DependencyGraph) DetectCycles() []string {
	colour := make(map[string]int, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		colour[node] = grey
		path = append(path, node)

		for _, dependency := range g.Dependencies(node) {
			switch colour[dependency] {
			case white:
				if visit(dependency) {
					return true
				}
			case grey:
				idx := len(path) - 1
				for idx >= 0 && path[idx] != dependency {
					idx--
				}
				cycle = append([]string{}, path[idx:]...)
				return true
			}
		}

		colour[node] = black
		path = path[:len(path)-1]
		return false
	}

	// Evaluate nodes in deterministic order for consistent results.
	for _, node := range g.Nodes() {
		if colour[node] == white && visit(node) {
			break
		}
	}
	return cycle
}

// TopologicalSort returns nodes dependencies-first. Among nodes that are ready
// at the same time, less decides; a nil less falls back to id order.
func (g *DependencyGraph) TopologicalSort(less func(a, b string) bool) ([]string, error) {
	if less == nil {
		less = func(a, b string) bool { return a < b }
	}

	remaining := make(map[string]int, len(g.nodes))
	for node := range g.nodes {
		remaining[node] = len(g.outgoing[node])
	}

	ready := make([]string, 0, len(g.nodes))
	for node, deps := range remaining {
		if deps == 0 {
			ready = append(ready, node)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		current := ready[0]
		ready = ready[1:]
		result = append(result, current)

		for _, dependent := range g.Dependents(current) {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &ErrCircularDependency{Cycle: g.DetectCycles()}
	}
	return result, nil
}

// Dependencies returns the sorted dependencies of a node.
func (g *DependencyGraph) Dependencies(node string) []string {
	return sortedKeys(g.outgoing[node])
}

// Dependents returns the sorted nodes that rely on node.
func (g *DependencyGraph) Dependents(node string) []string {
	return sortedKeys(g.incoming[node])
}

// RequiredDependents returns every node that transitively requires node
// through required edges only, sorted.
func (g *DependencyGraph) RequiredDependents(node string) []string {
	seen := make(map[string]bool)
	queue := []string{node}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for dependent, required := range g.incoming[current] {
			if required && !seen[dependent] && dependent != node {
				seen[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	return sortedKeys(seen)
}

// IsRequiredBy reports whether dependent has a required edge to dependency.
func (g *DependencyGraph) IsRequiredBy(dependency, dependent string) bool {
	return g.outgoing[dependent][dependency]
}

// HasNode reports if the node exists in the graph.
func (g *DependencyGraph) HasNode(node string) bool {
	if g == nil {
		return false
	}
	_, ok := g.nodes[node]
	return ok
}

// Nodes returns every node, sorted.
func (g *DependencyGraph) Nodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for node := range g.nodes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
