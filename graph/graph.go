// Package graph builds the scheduling DAG for the install driver. It
// consumes the resolver's dependency tree and install order and produces
// a doubly linked dependency graph: each node carries a "needs" map
// (packages that must be installed first) and a "provides" set (the
// reverse edges). Packages not scheduled for installation are contracted
// out, cycles are broken against the resolver's install order, and the
// transitive provides closure is computed for scheduling priority.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Action describes what the driver will do with a node.
type Action int

const (
	// ActionMerge installs the package.
	ActionMerge Action = iota
	// ActionNoMerge keeps the node for graph linkage but skips execution.
	ActionNoMerge
	// ActionUninstall marks a removal; nodes with a known replacement are
	// folded into the replacement's merge during the tree walk.
	ActionUninstall
)

// String returns the resolver-side spelling of the action.
func (a Action) String() string {
	switch a {
	case ActionMerge:
		return "merge"
	case ActionNoMerge:
		return "nomerge"
	case ActionUninstall:
		return "uninstall"
	default:
		return "unknown"
	}
}

// ActionFromString parses a resolver action string. Unknown actions are
// treated as nomerge so they never reach the executor.
func ActionFromString(s string) Action {
	switch s {
	case "merge":
		return ActionMerge
	case "uninstall":
		return ActionUninstall
	default:
		return ActionNoMerge
	}
}

// Node is one package in the working graph.
type Node struct {
	// Action is what we are planning on doing with this package.
	Action Action

	// Needs maps each unmet dependency to its "/"-joined dep types.
	Needs map[string]string

	// Provides is the set of packages directly depending on this node.
	Provides map[string]struct{}

	// TProvides is the transitive closure of Provides; scheduling
	// priority term only.
	TProvides map[string]struct{}

	// Idx is the install-order hint from the resolver; lower = earlier.
	Idx int

	// Binary is true for prebuilt packages.
	Binary bool

	// NoDeps is true when the node may be merged before its needs are
	// satisfied (binary package with no install-time hook phases and no
	// blocker edges).
	NoDeps bool
}

// Graph maps package ids to nodes. Edges are map entries rather than
// pointers, so edge removal during cycle-break is trivial.
type Graph map[string]*Node

// RemoveEdge deletes the parent -> dep ordering edge in both directions.
func (g Graph) RemoveEdge(parent, dep string) {
	if p := g[parent]; p != nil {
		delete(p.Needs, dep)
	}
	if d := g[dep]; d != nil {
		delete(d.Provides, parent)
	}
}

// MergeCount returns the number of nodes scheduled for actual installation.
func (g Graph) MergeCount() int {
	n := 0
	for _, node := range g {
		if node.Action == ActionMerge {
			n++
		}
	}
	return n
}

// SortedIDs returns the package ids in lexicographic order.
func (g Graph) SortedIDs() []string {
	ids := make([]string, 0, len(g))
	for pkg := range g {
		ids = append(ids, pkg)
	}
	sort.Strings(ids)
	return ids
}

// DumpLines renders the graph for diagnosis, one needs-list per package.
func (g Graph) DumpLines() []string {
	var lines []string
	for _, pkg := range g.SortedIDs() {
		node := g[pkg]
		lines = append(lines, fmt.Sprintf("%s: (%s) needs", pkg, node.Action))
		needs := make([]string, 0, len(node.Needs))
		for dep := range node.Needs {
			needs = append(needs, dep)
		}
		sort.Strings(needs)
		for _, dep := range needs {
			lines = append(lines, fmt.Sprintf("    %s", dep))
		}
		if len(needs) == 0 {
			lines = append(lines, "    no dependencies")
		}
	}
	return lines
}

// InstallPlan computes the serial install order implied by the graph,
// without mutating it. It fails if the graph still contains cycles.
func (g Graph) InstallPlan() ([]string, error) {
	needs := make(map[string]map[string]bool, len(g))
	for pkg, node := range g {
		m := make(map[string]bool, len(node.Needs))
		for dep := range node.Needs {
			m[dep] = true
		}
		needs[pkg] = m
	}

	var plan []string
	planned := make(map[string]bool, len(g))

	// Expand from each root; removing satisfied edges as we go.
	var expand func(target string) []string
	expand = func(target string) []string {
		nodes := []string{target}
		deps := make([]string, 0, len(g[target].Provides))
		for dep := range g[target].Provides {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			delete(needs[dep], target)
			if len(needs[dep]) == 0 {
				nodes = append(nodes, expand(dep)...)
			}
		}
		return nodes
	}

	for _, pkg := range g.SortedIDs() {
		if len(needs[pkg]) != 0 || planned[pkg] {
			continue
		}
		for _, item := range expand(pkg) {
			if !planned[item] {
				planned[item] = true
				plan = append(plan, item)
			}
		}
	}

	if len(plan) != len(g) {
		var cyclic []string
		for _, pkg := range g.SortedIDs() {
			if !planned[pkg] {
				cyclic = append(cyclic, pkg)
			}
		}
		return plan, fmt.Errorf("cyclic dependencies: %s", strings.Join(cyclic, " "))
	}
	return plan, nil
}

// ShortName returns the package name without its category prefix.
func ShortName(pkg string) string {
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		return pkg[i+1:]
	}
	return pkg
}
