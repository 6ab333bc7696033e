package graph

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pmerge/log"
	"pmerge/resolver"
)

// makePlan builds a resolver plan from a flat edge list: parent -> deps with
// dep types. Every listed package lands on the install order in the
// given sequence with action merge unless overridden.
func makePlan(order []string, edges map[string]map[string][]string) *resolver.Plan {
	tree := make(resolver.Tree)
	for _, pkg := range order {
		tree[pkg] = &resolver.TreeNode{Action: resolver.ActionMerge, Deps: make(resolver.Tree)}
	}
	for parent, deps := range edges {
		if tree[parent] == nil {
			tree[parent] = &resolver.TreeNode{Action: resolver.ActionMerge, Deps: make(resolver.Tree)}
		}
		for dep, deptypes := range deps {
			tree[parent].Deps[dep] = &resolver.TreeNode{
				Action:   resolver.ActionMerge,
				Deptypes: deptypes,
				Deps:     make(resolver.Tree),
			}
		}
	}
	return &resolver.Plan{Tree: tree, Order: order}
}

// checkSymmetry verifies the edge-symmetry invariant: every needs edge
// has a matching provides edge and vice versa.
func checkSymmetry(t *testing.T, g Graph) {
	t.Helper()
	for pkg, n := range g {
		for dep := range n.Needs {
			depNode := g[dep]
			if depNode == nil {
				t.Errorf("%s needs %s which is not in the graph", pkg, dep)
				continue
			}
			if _, ok := depNode.Provides[pkg]; !ok {
				t.Errorf("%s needs %s but reverse edge is missing", pkg, dep)
			}
		}
		for dep := range n.Provides {
			depNode := g[dep]
			if depNode == nil {
				t.Errorf("%s provides %s which is not in the graph", pkg, dep)
				continue
			}
			if _, ok := depNode.Needs[pkg]; !ok {
				t.Errorf("%s provides %s but forward edge is missing", pkg, dep)
			}
		}
	}
}

// checkAcyclic verifies no needs path returns to its origin.
func checkAcyclic(t *testing.T, g Graph) {
	t.Helper()
	state := make(map[string]int) // 0 unvisited, 1 on stack, 2 done
	var visit func(pkg string) bool
	visit = func(pkg string) bool {
		switch state[pkg] {
		case 1:
			return false
		case 2:
			return true
		}
		state[pkg] = 1
		for dep := range g[pkg].Needs {
			if g[dep] == nil {
				continue
			}
			if !visit(dep) {
				return false
			}
		}
		state[pkg] = 2
		return true
	}
	for pkg := range g {
		if !visit(pkg) {
			t.Fatalf("cycle through %s survived the builder", pkg)
		}
	}
}

func TestBuildLinearChain(t *testing.T) {
	plan := makePlan(
		[]string{"cat/C", "cat/B", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepBuildtime}},
			"cat/B": {"cat/C": {resolver.DepRuntime}},
		},
	)

	g := Build(plan, log.NoOpLogger{})

	if len(g) != 3 {
		t.Fatalf("graph size = %d, want 3", len(g))
	}
	checkSymmetry(t, g)
	checkAcyclic(t, g)

	if _, ok := g["cat/A"].Needs["cat/B"]; !ok {
		t.Fatalf("A -> B edge missing")
	}
	if _, ok := g["cat/B"].Provides["cat/A"]; !ok {
		t.Fatalf("B provides A missing")
	}
	if g["cat/C"].Idx != 0 || g["cat/A"].Idx != 2 {
		t.Fatalf("install order hints wrong: C=%d A=%d", g["cat/C"].Idx, g["cat/A"].Idx)
	}
}

func TestBuildDropsSoftDepTypes(t *testing.T) {
	plan := makePlan(
		[]string{"cat/B", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepRuntimePost}},
		},
	)

	g := Build(plan, log.NoOpLogger{})

	if len(g["cat/A"].Needs) != 0 {
		t.Fatalf("runtime_post dep created an ordering edge: %v", g["cat/A"].Needs)
	}
	if len(g["cat/B"].Provides) != 0 {
		t.Fatalf("runtime_post dep created a reverse edge")
	}
}

func TestBuildBinaryNoDeps(t *testing.T) {
	plan := makePlan(
		[]string{"cat/B", "cat/A", "cat/C"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepRuntime}},
			"cat/C": {"cat/B": {resolver.DepRuntime}},
		},
	)
	plan.Catalog = map[string]resolver.CatalogEntry{
		// No install-time hooks: safe to merge before deps are ready.
		"cat/A": {Binary: true},
		// Defines a preinst hook: full ordering required.
		"cat/C": {Binary: true, DefinedPhases: []string{"preinst", "compile"}},
	}

	g := Build(plan, log.NoOpLogger{})

	if !g["cat/A"].Binary || !g["cat/A"].NoDeps {
		t.Fatalf("A = %+v, want binary nodeps", g["cat/A"])
	}
	if !g["cat/C"].Binary || g["cat/C"].NoDeps {
		t.Fatalf("C = %+v, want binary with ordering", g["cat/C"])
	}
}

func TestBuildBlockerForcesOrdering(t *testing.T) {
	plan := makePlan(
		[]string{"cat/B", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepBlocker}},
		},
	)
	plan.Catalog = map[string]resolver.CatalogEntry{
		"cat/A": {Binary: true},
	}

	g := Build(plan, log.NoOpLogger{})

	if g["cat/A"].NoDeps {
		t.Fatalf("blocker edge must clear nodeps")
	}
	if _, ok := g["cat/A"].Needs["cat/B"]; !ok {
		t.Fatalf("blocker edge must constrain ordering")
	}
}

// Packages in the tree but absent from the install order are contracted
// out, reconnecting their needs to their provides.
func TestBuildPrunesNonInstalls(t *testing.T) {
	plan := makePlan(
		[]string{"cat/C", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/mid": {resolver.DepRuntime}},
			"cat/mid": {"cat/C": {resolver.DepRuntime}},
		},
	)
	// cat/mid is in the tree but not on the install order.
	g := Build(plan, log.NoOpLogger{})

	if _, ok := g["cat/mid"]; ok {
		t.Fatalf("non-install node survived pruning")
	}
	if _, ok := g["cat/A"].Needs["cat/C"]; !ok {
		t.Fatalf("contraction lost the transitive edge A -> C")
	}
	if _, ok := g["cat/C"].Provides["cat/A"]; !ok {
		t.Fatalf("contraction lost the reverse edge C -> A")
	}
	checkSymmetry(t, g)
}

// A 2-cycle is broken by deleting the edge that goes against the
// resolver's install order.
func TestBuildBreaksCycleByIdx(t *testing.T) {
	plan := makePlan(
		[]string{"cat/A", "cat/B"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepRuntime}},
			"cat/B": {"cat/A": {resolver.DepBuildtime}},
		},
	)

	logger := log.NewMemoryLogger()
	g := Build(plan, logger)

	checkAcyclic(t, g)
	checkSymmetry(t, g)

	// idx[B] >= idx[A], so the A -> B edge is the soft one.
	if _, ok := g["cat/A"].Needs["cat/B"]; ok {
		t.Fatalf("soft edge A -> B survived cycle break")
	}
	if _, ok := g["cat/B"].Needs["cat/A"]; !ok {
		t.Fatalf("hard edge B -> A was deleted")
	}
	if !logger.HasMessage("Breaking cat/A -> cat/B") {
		t.Fatalf("cycle break was not reported: %v", logger.GetMessages())
	}
}

// Blocker edges dropped during cycle break are not reported; the
// no-concurrency constraint is preserved through nodeps.
func TestBuildBreaksBlockerCycleSilently(t *testing.T) {
	plan := makePlan(
		[]string{"cat/A", "cat/B"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepBlocker}},
			"cat/B": {"cat/A": {resolver.DepBuildtime}},
		},
	)

	logger := log.NewMemoryLogger()
	g := Build(plan, logger)

	checkAcyclic(t, g)
	if logger.HasMessage("Breaking") {
		t.Fatalf("blocker cycle break should be silent: %v", logger.GetMessages())
	}
}

func TestBuildTransitiveProvides(t *testing.T) {
	plan := makePlan(
		[]string{"cat/D", "cat/B", "cat/C", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepRuntime}, "cat/C": {resolver.DepRuntime}},
			"cat/B": {"cat/D": {resolver.DepRuntime}},
			"cat/C": {"cat/D": {resolver.DepRuntime}},
		},
	)

	g := Build(plan, log.NoOpLogger{})

	want := map[string]struct{}{"cat/A": {}, "cat/B": {}, "cat/C": {}}
	if diff := cmp.Diff(want, g["cat/D"].TProvides); diff != "" {
		t.Fatalf("tprovides mismatch (-want +got):\n%s", diff)
	}
	if len(g["cat/A"].TProvides) != 0 {
		t.Fatalf("root has tprovides: %v", g["cat/A"].TProvides)
	}
}

// An uninstall with a known replacement folds into the replacement's
// merge; dependents wait on the replacement instead.
func TestBuildFoldsUninstallIntoReplacement(t *testing.T) {
	tree := resolver.Tree{
		"cat/app-2": &resolver.TreeNode{
			Action: resolver.ActionMerge,
			Deps: resolver.Tree{
				"cat/lib-1": &resolver.TreeNode{
					Action:   resolver.ActionUninstall,
					Deptypes: []string{resolver.DepRuntime},
					Deps:     resolver.Tree{},
				},
			},
		},
		"cat/lib-2": &resolver.TreeNode{Action: resolver.ActionMerge, Deps: resolver.Tree{}},
	}
	plan := &resolver.Plan{
		Tree:         tree,
		Order:        []string{"cat/lib-2", "cat/app-2"},
		Replacements: map[string]string{"cat/lib-1": "cat/lib-2"},
	}

	g := Build(plan, log.NoOpLogger{})

	if _, ok := g["cat/lib-1"]; ok {
		t.Fatalf("uninstall node survived folding")
	}
	if _, ok := g["cat/app-2"].Needs["cat/lib-2"]; !ok {
		t.Fatalf("dependent does not wait on the replacement")
	}
	if g["cat/lib-2"].Action != ActionMerge {
		t.Fatalf("replacement action = %v, want merge", g["cat/lib-2"].Action)
	}
}

// Round-trip: the needs side alone is enough to rebuild the provides
// side, and vice versa (edge symmetry survives serialization).
func TestGraphEdgeRoundTrip(t *testing.T) {
	plan := makePlan(
		[]string{"cat/D", "cat/B", "cat/C", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepRuntime}, "cat/C": {resolver.DepBuildtime}},
			"cat/B": {"cat/D": {resolver.DepRuntime}},
			"cat/C": {"cat/D": {resolver.DepRuntime}},
		},
	)
	g := Build(plan, log.NoOpLogger{})

	needs := make(map[string]map[string]string)
	for pkg, n := range g {
		data, err := json.Marshal(n.Needs)
		if err != nil {
			t.Fatalf("marshal needs: %v", err)
		}
		var decoded map[string]string
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal needs: %v", err)
		}
		needs[pkg] = decoded
	}

	rebuilt := make(map[string]map[string]struct{})
	for pkg := range needs {
		rebuilt[pkg] = make(map[string]struct{})
	}
	for pkg, deps := range needs {
		for dep := range deps {
			rebuilt[dep][pkg] = struct{}{}
		}
	}

	for pkg, n := range g {
		if diff := cmp.Diff(n.Provides, rebuilt[pkg]); diff != "" {
			t.Fatalf("provides mismatch for %s (-want +got):\n%s", pkg, diff)
		}
	}
}

func TestInstallPlan(t *testing.T) {
	plan := makePlan(
		[]string{"cat/C", "cat/B", "cat/A"},
		map[string]map[string][]string{
			"cat/A": {"cat/B": {resolver.DepBuildtime}},
			"cat/B": {"cat/C": {resolver.DepRuntime}},
		},
	)
	g := Build(plan, log.NoOpLogger{})

	order, err := g.InstallPlan()
	if err != nil {
		t.Fatalf("InstallPlan failed: %v", err)
	}
	want := []string{"cat/C", "cat/B", "cat/A"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	// Planning must not consume the graph.
	if len(g) != 3 {
		t.Fatalf("graph mutated by planning")
	}
}

func TestDumpLines(t *testing.T) {
	g := Graph{
		"cat/A": {Action: ActionMerge, Needs: map[string]string{"cat/X": "buildtime"}, Provides: map[string]struct{}{}},
	}
	lines := strings.Join(g.DumpLines(), "\n")
	if !strings.Contains(lines, "cat/A: (merge) needs") || !strings.Contains(lines, "    cat/X") {
		t.Fatalf("dump missing pieces:\n%s", lines)
	}
}

func TestShortName(t *testing.T) {
	if got := ShortName("chromeos-base/power_manager-0.0.1-r1"); got != "power_manager-0.0.1-r1" {
		t.Fatalf("ShortName = %q", got)
	}
	if got := ShortName("plain"); got != "plain" {
		t.Fatalf("ShortName = %q", got)
	}
}
