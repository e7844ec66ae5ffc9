package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cellar/internal/ir"
)

// CycleError reports a dependency cycle between recipes.
type CycleError struct {
	Path []string // e.g. ["a", "b", "a"]
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("[%s] dependency cycle: %s", ErrDependencyCycle, strings.Join(e.Path, " → "))
}

// dependencyGraph maps recipe name → names it depends on. Only recipes
// present in the set appear as nodes; external dependencies are edges to
// nowhere and are ignored by the analysis.
type dependencyGraph map[string][]string

func buildDependencyGraph(recipes map[string]*ir.Recipe) dependencyGraph {
	graph := make(dependencyGraph, len(recipes))
	for name, r := range recipes {
		graph[name] = []string{}
		for _, dep := range r.Dependencies {
			if _, ok := recipes[dep]; ok {
				graph[name] = append(graph[name], dep)
			}
		}
		slices.Sort(graph[name])
	}
	return graph
}

// AnalyzeCycles returns one CycleError per dependency cycle among recipes.
//
// Uses Tarjan's algorithm: every strongly connected component with more
// than one node, or a single node with a self-edge, is a cycle.
func AnalyzeCycles(recipes map[string]*ir.Recipe) []*CycleError {
	graph := buildDependencyGraph(recipes)

	var cycles []*CycleError
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			cycles = append(cycles, &CycleError{Path: reconstructCyclePath(scc, graph)})
		}
	}
	slices.SortFunc(cycles, func(a, b *CycleError) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return cycles
}

// InstallOrder returns target and its transitive dependencies in the order
// they must be installed (dependencies first). Dependencies without a
// recipe are returned separately so the caller can decide whether they are
// provided externally.
func InstallOrder(target string, recipes map[string]*ir.Recipe) (order []string, missing []string, err error) {
	if _, ok := recipes[target]; !ok {
		return nil, nil, fmt.Errorf("no recipe named %q", target)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	missingSet := make(map[string]bool)
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			idx := slices.Index(stack, name)
			path := append(slices.Clone(stack[idx:]), name)
			return &CycleError{Path: path}
		}
		state[name] = visiting
		stack = append(stack, name)

		deps := slices.Clone(recipes[name].Dependencies)
		slices.Sort(deps)
		for _, dep := range deps {
			if _, ok := recipes[dep]; !ok {
				missingSet[dep] = true
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	if err := visit(target); err != nil {
		return nil, nil, err
	}
	for name := range missingSet {
		missing = append(missing, name)
	}
	slices.Sort(missing)
	return order, missing, nil
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so results are deterministic.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath walks edges inside the SCC from its first member
// until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	sccSet := make(map[string]bool, len(scc))
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
