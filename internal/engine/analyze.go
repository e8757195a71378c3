package engine

import (
	"fmt"
	"slices"
	"strings"
)

// CycleWarning reports handlers that can publish events leading back to
// themselves.
//
// Cycles are warnings, not errors: a chain may well terminate because of
// business conditions (a conditional predicate, a flag the emitter sets).
// The runtime guard catches the ones that do not.
type CycleWarning struct {
	Path    []string `json:"path"`    // e.g. ["contract/cascade", "guarantee/delete", "contract/cascade"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeCycles finds potential event cycles among registered handlers.
//
// The algorithm:
//  1. Node per handler ("<entity type>/<name>")
//  2. Edge from every Emitter to each handler Resolve returns for an
//     emitted (entity type, event type)
//  3. Tarjan's algorithm finds strongly connected components
//  4. Each component with more than one node, or a self-loop, is reported
//
// Handlers that do not implement Emitter have no outgoing edges. Output is
// deterministic: nodes are visited in sorted order.
func AnalyzeCycles(r *Registry) []CycleWarning {
	graph := buildEmitGraph(r)
	if len(graph) == 0 {
		return []CycleWarning{}
	}

	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	return warnings
}

// emitGraph maps handler node -> handler nodes it may trigger.
type emitGraph map[string][]string

func nodeName(h Handler) string {
	return string(h.EntityType()) + "/" + h.Name()
}

func buildEmitGraph(r *Registry) emitGraph {
	graph := make(emitGraph)
	for _, entityType := range r.EntityTypes() {
		for _, h := range r.Handlers(entityType) {
			node := nodeName(h)
			if graph[node] == nil {
				graph[node] = []string{}
			}
			emitter, ok := h.(Emitter)
			if !ok {
				continue
			}
			for _, key := range emitter.Emits() {
				for _, target := range r.Resolve(key.EntityType, key.EventType) {
					graph[node] = append(graph[node], nodeName(target))
				}
			}
		}
	}
	return graph
}

func hasSelfLoop(node string, graph emitGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Single-node components without self-loops are not cycles.
func tarjanSCC(graph emitGraph) [][]string {
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

		// v is a root: pop its component.
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

func cycleSCCToWarning(scc []string, graph emitGraph) CycleWarning {
	if len(scc) == 1 {
		node := scc[0]
		return CycleWarning{
			Path:    []string{node, node},
			Message: fmt.Sprintf("handler publishes events it handles itself: %s -> %s", node, node),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: "potential event cycle: " + strings.Join(path, " -> "),
		Level:   "warning",
	}
}

// reconstructCyclePath walks edges inside the component from its first
// node until it returns to it.
func reconstructCyclePath(scc []string, graph emitGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
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
