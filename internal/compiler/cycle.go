package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/careflow/internal/ir"
)

// runActionType is the handler type whose params schedule other policy
// actions. Kept local so the compiler does not depend on handlers.
const runActionType = "RunAction"

// CycleWarning represents a chain of RunAction actions that schedules
// itself again.
//
// Cycles are warnings, not errors, because they may be intentional:
// a daily check-in that re-arms itself through RunAction is a loop that
// ends when its condition stops activating.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["care/a", "care/b", "care/a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on RunAction chains.
//
// Nodes are "policy/action" pairs. A RunAction action has an edge to each
// action it names in its policy and actions params. Params holding
// template references cannot be resolved statically and add no edges.
//
// The algorithm:
//  1. Build the policy action dependency graph
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or self-loops as a potential cycle warning
//
// A DAG (no cycles) returns an empty warning list.
func AnalyzeCycles(policies []ir.Policy) []CycleWarning {
	if len(policies) == 0 {
		return []CycleWarning{}
	}

	graph := buildDependencyGraph(policies)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			sort.Strings(scc)
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Path[0] < warnings[j].Path[0] })

	return warnings
}

// dependencyGraph maps policy/action → list of policy/actions it schedules.
type dependencyGraph map[string][]string

func nodeID(policy, action string) string {
	return policy + "/" + action
}

// buildDependencyGraph constructs the RunAction dependency graph.
func buildDependencyGraph(policies []ir.Policy) dependencyGraph {
	graph := make(dependencyGraph)

	for _, p := range policies {
		for _, a := range p.Actions {
			from := nodeID(p.ID, a.ID)
			if graph[from] == nil {
				graph[from] = []string{}
			}
			if a.Type != runActionType {
				continue
			}
			target, _ := a.Params["policy"].(string)
			if target == "" || strings.Contains(target, "{{") || strings.HasPrefix(target, "$") {
				continue
			}
			for _, id := range runTargets(a.Params["actions"]) {
				graph[from] = append(graph[from], nodeID(target, id))
			}
		}
	}

	return graph
}

// runTargets reads the actions param as a comma-separated string or a list.
func runTargets(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" && !strings.Contains(s, "{{") && !strings.HasPrefix(s, "$") {
			out = append(out, s)
		}
	}
	return out
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of policy/action IDs.
// Single-node SCCs without self-loops are NOT cycles.
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
		// Set the depth index for v
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		// Consider successors of v
		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				// Successor w has not yet been visited; recurse on it
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				// Successor w is on stack and hence in the current SCC
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
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
			sccs = append(sccs, scc)
		}
	}

	// Visit all nodes in a stable order
	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
//
// The path shows the cycle sequence by reconstructing a path through the SCC.
// For self-loops, the path is [node, node].
// For multi-node cycles, the path shows a cycle traversal.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		// Self-loop
		node := scc[0]
		return CycleWarning{
			Path:    []string{node, node},
			Message: fmt.Sprintf("Self-scheduling action detected: %s → %s", node, node),
			Level:   "warning",
		}
	}

	// Multi-node cycle - reconstruct a cycle path
	path := reconstructCyclePath(scc, graph)

	pathStr := strings.Join(path, " → ")
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential cycle detected: %s", pathStr),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	// Build set of SCC members for fast lookup
	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	// Start at first node
	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	// Follow edges within SCC until we return to start
	for {
		visited[current] = true

		// Find next SCC member reachable from current
		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			// No more unvisited neighbors in SCC
			break
		}

		path = append(path, next)

		if next == start {
			// Completed the cycle
			break
		}

		current = next
	}

	return path
}
