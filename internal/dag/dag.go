// Package dag is the dependency orchestrator: an explicit directed acyclic
// graph of named stages with declared dependencies, validated before any
// stage runs and executed so that a stage starts only after every stage it
// depends on has completed successfully.
package dag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// Func is the body of a stage. It must honour ctx cancellation.
type Func func(ctx context.Context) error

// Node is a single stage in the graph.
type Node struct {
	Name      string
	DependsOn []string
	Run       Func
}

// Graph holds stages keyed by name. It is built once and is not safe for
// concurrent mutation; Run may be called after construction is complete.
type Graph struct {
	nodes map[string]*Node
	names []string // insertion order, for stable error messages
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add registers a stage. Duplicate names and nil bodies are configuration
// errors.
func (g *Graph) Add(name string, dependsOn []string, fn Func) error {
	if name == "" {
		return deployerr.Configf("stage name must not be empty")
	}
	if fn == nil {
		return deployerr.Configf("stage %q has no body", name)
	}
	if _, exists := g.nodes[name]; exists {
		return deployerr.Configf("stage %q declared more than once", name)
	}

	deps := make([]string, len(dependsOn))
	copy(deps, dependsOn)

	g.nodes[name] = &Node{Name: name, DependsOn: deps, Run: fn}
	g.names = append(g.names, name)
	return nil
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.nodes) }

// Has reports whether a stage with the given name exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Validate checks that every declared dependency exists, that no stage
// depends on itself, and that the graph has no cycles.
func (g *Graph) Validate() error {
	for _, name := range g.names {
		for _, dep := range g.nodes[name].DependsOn {
			if dep == name {
				return deployerr.Configf("stage %q depends on itself", name)
			}
			if _, ok := g.nodes[dep]; !ok {
				return deployerr.Configf("stage %q depends on undeclared stage %q", name, dep)
			}
		}
	}

	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dep := range g.nodes[name].DependsOn {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				return deployerr.Configf("dependency cycle: %s", cyclePath(path, dep))
			}
		}

		path = path[:len(path)-1]
		onStack[name] = false
		return nil
	}

	for _, name := range g.sortedNames() {
		if !visited[name] {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Order returns a deterministic topological order: among stages whose
// dependencies are satisfied, the lexicographically smallest runs first.
func (g *Graph) Order() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, name := range g.names {
		indegree[name] += 0
		for _, dep := range g.nodes[name].DependsOn {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, child := range dependents[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(g.nodes) {
		// Validate already rejects cycles; this guards against future edits.
		return nil, deployerr.Configf("graph is not acyclic")
	}
	return order, nil
}

// Downstream returns every stage that transitively depends on name, sorted.
func (g *Graph) Downstream(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, other := range g.names {
			if seen[other] {
				continue
			}
			for _, dep := range g.nodes[other].DependsOn {
				if dep == n {
					seen[other] = true
					walk(other)
					break
				}
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RequireEdge returns a ConfigurationError unless to declares a dependency
// on from. Pipelines use it to assert the edges they rely on.
func (g *Graph) RequireEdge(from, to string) error {
	n, ok := g.nodes[to]
	if !ok {
		return deployerr.Configf("required stage %q is not declared", to)
	}
	if _, ok := g.nodes[from]; !ok {
		return deployerr.Configf("required stage %q is not declared", from)
	}
	for _, dep := range n.DependsOn {
		if dep == from {
			return nil
		}
	}
	return deployerr.Configf("stage %q must depend on %q", to, from)
}

func (g *Graph) sortedNames() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	sort.Strings(out)
	return out
}

// cyclePath renders the portion of path that forms the cycle closing at dep.
func cyclePath(path []string, dep string) string {
	start := 0
	for i, n := range path {
		if n == dep {
			start = i
			break
		}
	}
	cycle := append([]string{}, path[start:]...)
	cycle = append(cycle, dep)
	return strings.Join(cycle, " -> ")
}

// String renders the graph edges for debugging.
func (g *Graph) String() string {
	var b strings.Builder
	for _, name := range g.sortedNames() {
		deps := g.nodes[name].DependsOn
		if len(deps) == 0 {
			fmt.Fprintf(&b, "%s\n", name)
			continue
		}
		fmt.Fprintf(&b, "%s <- %s\n", name, strings.Join(deps, ", "))
	}
	return b.String()
}
