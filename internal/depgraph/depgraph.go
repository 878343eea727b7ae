// Package depgraph builds a debug view of which templates produce and
// consume which variables, so a deadlock or an unexpected render order can
// be diagnosed by inspecting the graph instead of re-reading every
// template by hand.
package depgraph

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a directed graph of template paths, where an edge from A to B
// means "B consumes a variable A defines" (B depends on A).
type Graph struct {
	nodes        map[string]bool
	edges        map[string][]string
	reverseEdges map[string][]string
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:        make(map[string]bool),
		edges:        make(map[string][]string),
		reverseEdges: make(map[string][]string),
	}
}

// AddNode registers a template path in the graph even if it has no edges.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge records that consumer depends on producer. Both ends are added
// as nodes if not already present. Duplicate edges are ignored.
func (g *Graph) AddEdge(producer, consumer string) {
	g.AddNode(producer)
	g.AddNode(consumer)

	for _, existing := range g.edges[producer] {
		if existing == consumer {
			return
		}
	}
	g.edges[producer] = append(g.edges[producer], consumer)
	g.reverseEdges[consumer] = append(g.reverseEdges[consumer], producer)
}

// BuildFromVariables constructs a Graph from a map of variable name to the
// template that defines it and a map of variable name to the templates
// that look it up.
func BuildFromVariables(definedBy map[string]string, consumedBy map[string][]string) *Graph {
	g := New()
	for varName, producer := range definedBy {
		g.AddNode(producer)
		for _, consumer := range consumedBy[varName] {
			if consumer == producer {
				continue
			}
			g.AddEdge(producer, consumer)
		}
	}
	for varName, consumers := range consumedBy {
		if _, ok := definedBy[varName]; ok {
			continue
		}
		for _, consumer := range consumers {
			g.AddNode(consumer)
		}
	}
	return g
}

// Dependencies returns the templates id directly depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.reverseEdges[id]
}

// Dependents returns the templates that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.edges[id]
}

// DetectCycles returns every cycle found in the graph, each as the
// sequence of template paths that form it.
func (g *Graph) DetectCycles() [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, next := range g.edges[node] {
			if !visited[next] {
				dfs(next)
			} else if onStack[next] {
				start := -1
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				if start >= 0 {
					cycle := make([]string, len(path)-start)
					copy(cycle, path[start:])
					cycles = append(cycles, cycle)
				}
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
	}

	ids := g.sortedNodes()
	for _, id := range ids {
		if !visited[id] {
			dfs(id)
		}
	}
	return cycles
}

func (g *Graph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph jinjaform_variables {\n")
	sb.WriteString("  rankdir=LR;\n  node [shape=box];\n\n")

	for _, id := range g.sortedNodes() {
		fmt.Fprintf(&sb, "  %q;\n", id)
	}
	sb.WriteString("\n")
	for _, from := range g.sortedNodes() {
		for _, to := range g.edges[from] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", from, to)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
