package graph

import (
	"sort"
	"strings"

	"pmerge/log"
	"pmerge/resolver"
)

// Install-time hook phases that may read dependent packages. A prebuilt
// package defining none of these can be merged before its deps are ready.
var binpkgPhases = map[string]bool{
	"setup":    true,
	"preinst":  true,
	"postinst": true,
}

// Dependency types that constrain install order. Ignored, optional and
// runtime_post edges do not.
var neededDepTypes = map[string]bool{
	resolver.DepBlocker:   true,
	resolver.DepBuildtime: true,
	resolver.DepRuntime:   true,
}

// Build turns the resolver's plan into a scheduling-ready DAG: reverse
// the tree into a doubly linked graph, contract away packages that are
// not being installed, break cycles against the resolver's install
// order, and fill in the transitive provides sets.
func Build(plan *resolver.Plan, logger log.LibraryLogger) Graph {
	b := &builder{
		plan:     plan,
		orderIdx: plan.OrderIndex(),
		g:        make(Graph),
		logger:   logger,
	}
	b.reverseTree(plan.Tree)
	b.removeNonInstalls()
	b.breakCycles()
	b.fillTransitiveProvides()
	return b.g
}

type builder struct {
	plan     *resolver.Plan
	orderIdx map[string]int
	g        Graph
	logger   log.LibraryLogger
}

// resolveTarget folds an uninstall into the merge of its replacement
// when the resolver reported one. The old package is removed by the
// executor as part of installing the replacement.
func (b *builder) resolveTarget(pkg, action string) (string, Action) {
	if action == resolver.ActionUninstall {
		if repl, ok := b.plan.Replacements[pkg]; ok {
			return repl, ActionMerge
		}
	}
	return pkg, ActionFromString(action)
}

// ensure fetches or creates the node for pkg. The first action seen for
// a package wins; later occurrences in the tree refer to the same node.
func (b *builder) ensure(pkg string, action Action) *Node {
	if node, ok := b.g[pkg]; ok {
		return node
	}
	node := &Node{
		Action:   action,
		Needs:    make(map[string]string),
		Provides: make(map[string]struct{}),
	}
	if idx, ok := b.orderIdx[pkg]; ok {
		node.Idx = idx
	}
	if entry, ok := b.plan.Catalog[pkg]; ok && entry.Binary {
		node.Binary = true
		nodeps := true
		for _, phase := range entry.DefinedPhases {
			if binpkgPhases[phase] {
				nodeps = false
				break
			}
		}
		node.NoDeps = nodeps
	}
	b.g[pkg] = node
	return node
}

// reverseTree converts the tree of package -> requirements into a
// digraph of installable packages -> packages they unblock. The walk is
// iterative; resolver trees can be tens of thousands of nodes deep in
// aggregate.
func (b *builder) reverseTree(tree resolver.Tree) {
	type level struct {
		parent string
		tree   resolver.Tree
	}
	stack := []level{{tree: tree}}

	for len(stack) > 0 {
		lvl := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pkgs := make([]string, 0, len(lvl.tree))
		for pkg := range lvl.tree {
			pkgs = append(pkgs, pkg)
		}
		sort.Strings(pkgs)

		for _, rawPkg := range pkgs {
			entry := lvl.tree[rawPkg]
			pkg, action := b.resolveTarget(rawPkg, entry.Action)
			node := b.ensure(pkg, action)

			if lvl.parent != "" {
				// Only blocker, buildtime and runtime deps constrain
				// install order.
				ordering := false
				blocker := false
				for _, dt := range entry.Deptypes {
					if neededDepTypes[dt] {
						ordering = true
					}
					if dt == resolver.DepBlocker {
						blocker = true
					}
				}
				parent := b.g[lvl.parent]
				if ordering && pkg != lvl.parent {
					parent.Needs[pkg] = strings.Join(entry.Deptypes, "/")
					node.Provides[lvl.parent] = struct{}{}
				}
				// A blocker means the executor may move files between the
				// two packages, which edits both packages' contents
				// metadata. The pair must not run concurrently.
				if blocker {
					parent.NoDeps = false
				}
			}

			if len(entry.Deps) > 0 {
				stack = append(stack, level{parent: pkg, tree: entry.Deps})
			}
		}
	}
}

// removeNonInstalls contracts out packages that are in the graph but not
// on the install list, reconnecting their needs to their provides. This
// simplifies the graph and lets the install ordering tell us which
// cycle edges are safe to crack.
func (b *builder) removeNonInstalls() {
	var rm []string
	for pkg := range b.g {
		if _, ok := b.orderIdx[pkg]; !ok {
			rm = append(rm, pkg)
		}
	}
	sort.Strings(rm)

	for _, pkg := range rm {
		node := b.g[pkg]
		for dep := range node.Needs {
			depNode := b.g[dep]
			if depNode == nil {
				continue
			}
			for target := range node.Provides {
				depNode.Provides[target] = struct{}{}
			}
			delete(depNode.Provides, pkg)
			delete(depNode.Provides, dep)
		}
		for target := range node.Provides {
			targetNode := b.g[target]
			if targetNode == nil {
				continue
			}
			for dep, deptypes := range node.Needs {
				targetNode.Needs[dep] = deptypes
			}
			delete(targetNode.Needs, pkg)
			delete(targetNode.Needs, target)
		}
		delete(b.g, pkg)
	}
}

// breakCycles prunes dependencies involved in cycles that go against the
// resolver's install ordering. This guarantees we merge dependencies in
// the same order the serial installer would.
func (b *builder) breakCycles() {
	cycles := b.findCycles()
	for len(cycles) > 0 {
		deps := make([]string, 0, len(cycles))
		for dep := range cycles {
			deps = append(deps, dep)
		}
		sort.Strings(deps)

		for _, dep := range deps {
			basedeps := make([]string, 0, len(cycles[dep]))
			for basedep := range cycles[dep] {
				basedeps = append(basedeps, basedep)
			}
			sort.Strings(basedeps)

			for _, basedep := range basedeps {
				if b.orderIdx[basedep] >= b.orderIdx[dep] {
					b.logCycleBreak(basedep, dep, cycles[dep][basedep])
					b.g.RemoveEdge(dep, basedep)
				}
			}
		}
		cycles = b.findCycles()
	}
}

// logCycleBreak reports the edge we are about to delete, with an example
// traversal showing the cycle. Blocker edges are dropped silently: the
// two packages already depend on each other through the cycle, and the
// no-concurrent-install constraint is preserved because blockers force
// NoDeps off.
func (b *builder) logCycleBreak(basedep, dep string, mycycle []string) {
	node := b.g[dep]
	depinfo, ok := node.Needs[basedep]
	if !ok {
		depinfo = "deleted"
	}
	if depinfo == resolver.DepBlocker {
		return
	}

	b.logger.Info("Breaking %s -> %s (%s)", dep, basedep, depinfo)
	for i := 0; i < len(mycycle)-1; i++ {
		pkg1, pkg2 := mycycle[i], mycycle[i+1]
		info, ok := b.g[pkg1].Needs[pkg2]
		if !ok {
			info = "deleted"
		}
		if pkg1 == dep && pkg2 == basedep {
			info += ", deleting"
		}
		b.logger.Info("  %s -> %s (%s)", pkg1, pkg2, info)
	}
}

// findCycles walks needs edges depth-first and records, for every edge
// that participates in a cycle, an example traversal showing the cycle.
// The walk uses an explicit stack; recursion would overflow on large
// graphs.
func (b *builder) findCycles() map[string]map[string][]string {
	cycles := make(map[string]map[string][]string)
	resolved := make(map[string]bool)
	onStack := make(map[string]int)

	type frame struct {
		pkg  string
		deps []string
		i    int
	}

	sortedNeeds := func(pkg string) []string {
		node := b.g[pkg]
		if node == nil {
			return nil
		}
		deps := make([]string, 0, len(node.Needs))
		for dep := range node.Needs {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		return deps
	}

	for _, start := range b.g.SortedIDs() {
		if resolved[start] && cycles[start] == nil {
			continue
		}
		stack := []frame{{pkg: start, deps: sortedNeeds(start)}}
		onStack[start] = 0

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.i >= len(f.deps) {
				delete(onStack, f.pkg)
				resolved[f.pkg] = true
				stack = stack[:len(stack)-1]
				continue
			}
			dep := f.deps[f.i]
			f.i++

			if pos, ok := onStack[dep]; ok {
				// Revisited a package on the traversal stack: record the
				// minimal cyclic path for every edge along it.
				mycycle := make([]string, 0, len(stack)-pos+1)
				for _, fr := range stack[pos:] {
					mycycle = append(mycycle, fr.pkg)
				}
				mycycle = append(mycycle, dep)
				for i := 0; i < len(mycycle)-1; i++ {
					pkg1, pkg2 := mycycle[i], mycycle[i+1]
					if cycles[pkg1] == nil {
						cycles[pkg1] = make(map[string][]string)
					}
					if _, seen := cycles[pkg1][pkg2]; !seen {
						cycles[pkg1][pkg2] = mycycle
					}
				}
				continue
			}
			if pc := cycles[f.pkg]; pc != nil {
				if _, seen := pc[dep]; seen {
					continue
				}
			}
			if resolved[dep] && cycles[dep] == nil {
				continue
			}
			if b.g[dep] == nil {
				// Dangling edge; the scheduler reports these as deadlock.
				continue
			}
			stack = append(stack, frame{pkg: dep, deps: sortedNeeds(dep)})
			onStack[dep] = len(stack) - 1
		}
	}
	return cycles
}

// fillTransitiveProvides computes tprovides for every node: its provides
// set plus the tprovides of everything in it. Assumes the graph is
// acyclic; runs after breakCycles. Iterative post-order DFS.
func (b *builder) fillTransitiveProvides() {
	seen := make(map[string]bool)

	type frame struct {
		pkg  string
		deps []string
		i    int
	}

	sortedProvides := func(pkg string) []string {
		node := b.g[pkg]
		deps := make([]string, 0, len(node.Provides))
		for dep := range node.Provides {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		return deps
	}

	for _, start := range b.g.SortedIDs() {
		if seen[start] {
			continue
		}
		seen[start] = true
		stack := []frame{{pkg: start, deps: sortedProvides(start)}}

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.i < len(f.deps) {
				dep := f.deps[f.i]
				f.i++
				if !seen[dep] && b.g[dep] != nil {
					seen[dep] = true
					stack = append(stack, frame{pkg: dep, deps: sortedProvides(dep)})
				}
				continue
			}

			node := b.g[f.pkg]
			node.TProvides = make(map[string]struct{}, len(node.Provides))
			for dep := range node.Provides {
				node.TProvides[dep] = struct{}{}
				if depNode := b.g[dep]; depNode != nil {
					for t := range depNode.TProvides {
						node.TProvides[t] = struct{}{}
					}
				}
			}
			stack = stack[:len(stack)-1]
		}
	}
}
