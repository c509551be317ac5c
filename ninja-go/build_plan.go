package ninja_go

import (
	"fmt"
	"io"
	"sort"
)

// / Enumerate possible steps we want for an edge.
type Want int8

const (
	/// We do not want to build the edge, but we might want to build one of
	/// its dependents.
	kWantNothing Want = iota
	/// We want to build the edge, but have not yet scheduled it.
	kWantToStart
	/// We want to build the edge, have scheduled it, and are waiting
	/// for it to complete.
	kWantToFinish
)

type EdgeResult int8

const (
	kEdgeFailed EdgeResult = iota
	kEdgeSucceeded
)

// EdgeCmp orders the ready queue: the queue polls the smallest element, so
// an edge with a heavier critical path compares as smaller. Equal weights
// fall back to the edge id so dispatch order is stable.
type EdgeCmp struct{}

func (EdgeCmp) Compare(v1, v2 interface{}) (int, error) {
	e1, ok1 := v1.(*Edge)
	e2, ok2 := v2.(*Edge)
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("EdgeCmp: unexpected types %T and %T", v1, v2)
	}
	switch {
	case e1.criticalPathWeight > e2.criticalPathWeight:
		return -1, nil
	case e1.criticalPathWeight < e2.criticalPathWeight:
		return 1, nil
	case e1.id < e2.id:
		return -1, nil
	case e1.id > e2.id:
		return 1, nil
	}
	return 0, nil
}

// PlanObserver hears about edges entering and leaving the plan.
type PlanObserver interface {
	EdgeAddedToPlan(edge *Edge)
	EdgeRemovedFromPlan(edge *Edge)
}

// / Plan stores the state of a build plan: what we intend to build,
// / which steps we're ready to execute.
type Plan struct {
	/// Keep track of which edges we want to build in this plan.  If this map does
	/// not contain an entry for an edge, we do not want to build the entry or its
	/// dependents.  If it does contain an entry, the enumeration indicates what
	/// we want for the edge.
	want map[*Edge]Want

	ready EdgePriorityQueue

	observer PlanObserver

	/// user provided targets in build order, earlier one have higher priority
	targets []*Node

	/// Total number of edges that have commands (not phony).
	commandEdges int

	/// Total remaining number of wanted edges.
	wantedEdges int
}

func NewPlan(observer PlanObserver) *Plan {
	return &Plan{
		want:     map[*Edge]Want{},
		ready:    NewEdgePriorityQueue(),
		observer: observer,
	}
}

// / Add a target to our plan (including all its dependencies).
// / Returns false if we don't need to build this target. A source file
// / that is missing from disk fails with *MissingSourceError.
// / The check runs before the plan is touched, so a target that fails it
// / leaves no half-added edges behind and sibling targets still build.
func (p *Plan) AddTarget(target *Node) (bool, error) {
	if err := findMissingSource(target, nil, map[*Edge]bool{}); err != nil {
		return false, err
	}
	p.targets = append(p.targets, target)
	return p.AddSubTarget(target, nil)
}

func findMissingSource(node, dependent *Node, seen map[*Edge]bool) error {
	edge := node.InEdge()
	if edge == nil {
		if node.Dirty() && !node.GeneratedByDepLoader() {
			missing := &MissingSourceError{Path: node.Path()}
			if dependent != nil {
				missing.Dependent = dependent.Path()
			}
			return missing
		}
		return nil
	}
	if edge.outputsReady || seen[edge] {
		return nil
	}
	seen[edge] = true
	for _, in := range edge.inputs {
		if err := findMissingSource(in, node, seen); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) AddSubTarget(node *Node, dependent *Node) (bool, error) {
	edge := node.InEdge()
	if edge == nil {
		// Leaf node, this can be either a regular input from the manifest
		// (e.g. a source file), or an implicit input from a depfile or the
		// deps log. If the latter, it is likely the file was deleted since
		// the last build, and nothing needs to happen.
		if node.Dirty() && !node.GeneratedByDepLoader() {
			missing := &MissingSourceError{Path: node.Path()}
			if dependent != nil {
				missing.Dependent = dependent.Path()
			}
			return false, missing
		}
		return false, nil
	}

	if edge.outputsReady {
		return false, nil // Don't need to do anything.
	}

	// If an entry in want does not already exist for edge, create an entry which
	// maps to kWantNothing, indicating that we do not want to build this entry itself.
	want, exists := p.want[edge]
	if !exists {
		p.want[edge] = kWantNothing
	}

	// If we do need to build edge and we haven't already marked it as wanted,
	// mark it now.
	if node.Dirty() && want == kWantNothing {
		p.want[edge] = kWantToStart
		p.EdgeWanted(edge)
	}

	if exists {
		return true, nil // We've already processed the inputs.
	}

	for _, input := range edge.inputs {
		if _, err := p.AddSubTarget(input, node); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Plan) EdgeWanted(edge *Edge) {
	p.wantedEdges++
	if !edge.IsPhony() {
		p.commandEdges++
		if p.observer != nil {
			p.observer.EdgeAddedToPlan(edge)
		}
	}
}

// Pop a ready edge off the queue of edges to build.
// Returns nil if there's no work to do.
func (p *Plan) FindWork() *Edge {
	if p.ready.IsEmpty() {
		return nil
	}
	return p.ready.Poll().(*Edge)
}

// / Returns true if there's more work to be done.
func (p *Plan) MoreToDo() bool {
	return p.wantedEdges > 0 && p.commandEdges > 0
}

// / Number of edges with commands to run.
func (p *Plan) CommandEdgeCount() int { return p.commandEdges }

// / Dumps the current state of the plan.
func (p *Plan) Dump(w io.Writer) {
	fmt.Fprintf(w, "pending: %d\n", len(p.want))
	for _, edge := range p.sortedWanted() {
		if p.want[edge] != kWantNothing {
			fmt.Fprintf(w, "want ")
		}
		edge.Dump(w, "")
	}
	fmt.Fprintf(w, "ready: %d\n", p.ready.Size())
}

func (p *Plan) sortedWanted() []*Edge {
	edges := make([]*Edge, 0, len(p.want))
	for e := range p.want {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].id < edges[j].id })
	return edges
}

// / Mark an edge as done building (whether it succeeded or failed).
func (p *Plan) EdgeFinished(edge *Edge, result EdgeResult) {
	want, ok := p.want[edge]
	if !ok {
		panic(fmt.Sprintf("EdgeFinished: edge %d is not in the plan", edge.id))
	}
	directlyWanted := want != kWantNothing

	// See if this job frees up any delayed jobs.
	if directlyWanted {
		edge.pool.EdgeFinished(edge)
	}
	edge.pool.RetrieveReadyEdges(p.ready)

	// The rest of this function only applies to successful commands.
	if result != kEdgeSucceeded {
		return
	}

	if directlyWanted {
		p.wantedEdges--
	}
	delete(p.want, edge)
	edge.outputsReady = true

	// Check off any nodes we were waiting for with this edge.
	for _, o := range edge.outputs {
		p.NodeFinished(o)
	}
}

// / Update plan with knowledge that the given node is up to date.
func (p *Plan) NodeFinished(node *Node) {
	// See if we we want any edges from this node.
	for _, oe := range node.OutEdges() {
		if _, ok := p.want[oe]; !ok {
			continue
		}
		// See if the edge is now ready.
		p.EdgeMaybeReady(oe)
	}
}

func (p *Plan) EdgeMaybeReady(edge *Edge) {
	if !edge.AllInputsReady() {
		return
	}
	if p.want[edge] != kWantNothing {
		p.ScheduleWork(edge)
	} else {
		// We do not need to build this edge, but we might need to build one of
		// its dependents.
		p.EdgeFinished(edge, kEdgeSucceeded)
	}
}

// / Clean the given node during the build.
// / This is how restat keeps downstream edges from running when a command
// / left its output untouched.
func (p *Plan) CleanNode(scan *DependencyScan, node *Node) {
	node.SetDirty(false)

	for _, oe := range node.OutEdges() {
		// Don't process edges that we don't actually want.
		if want, ok := p.want[oe]; !ok || want == kWantNothing {
			continue
		}
		// Don't attempt to clean an edge if it failed to load deps.
		if oe.depsMissing {
			continue
		}

		// If all non-order-only inputs for this edge are now clean,
		// we might have changed the dirty state of the outputs.
		inputs := oe.NonOrderOnlyInputs()
		anyDirty := false
		var mostRecentInput *Node
		for _, in := range inputs {
			if in.Dirty() {
				anyDirty = true
				break
			}
			if mostRecentInput == nil || in.Mtime() > mostRecentInput.Mtime() {
				mostRecentInput = in
			}
		}
		if anyDirty {
			continue
		}

		// Now, this edge is dirty if any of the outputs are dirty.
		// If the edge isn't dirty, clean the outputs and mark the edge as not
		// wanted.
		if scan.RecomputeOutputsDirty(oe, mostRecentInput) {
			continue
		}
		for _, o := range oe.outputs {
			p.CleanNode(scan, o)
		}
		p.want[oe] = kWantNothing
		p.wantedEdges--
		if !oe.IsPhony() {
			p.commandEdges--
			if p.observer != nil {
				p.observer.EdgeRemovedFromPlan(oe)
			}
		}
	}
}

// / Reset state.  Clears want and ready sets.
func (p *Plan) Reset() {
	p.commandEdges = 0
	p.wantedEdges = 0
	p.ready.Clear()
	p.want = map[*Edge]Want{}
	p.targets = nil
}

// After all targets have been added, prepares the ready queue for find work.
func (p *Plan) PrepareQueue() {
	p.ComputeCriticalPath()
	p.ScheduleInitialEdges()
}

func EdgeWeightHeuristic(edge *Edge) int64 {
	if edge.IsPhony() {
		return 0
	}
	return 1
}

// / Convenience type to perform a topological sort of all edges reachable
// / from a set of unique targets. Duplicate targets are ignored. Result()
// / lists every edge after the edges producing its inputs.
type TopoSort struct {
	visited map[*Edge]bool
	sorted  []*Edge
}

func NewTopoSort() *TopoSort {
	return &TopoSort{visited: map[*Edge]bool{}}
}

func (t *TopoSort) VisitTarget(target *Node) {
	if edge := target.InEdge(); edge != nil {
		t.Visit(edge)
	}
}

func (t *TopoSort) Visit(edge *Edge) {
	if t.visited[edge] {
		return
	}
	t.visited[edge] = true
	for _, input := range edge.inputs {
		if producer := input.InEdge(); producer != nil {
			t.Visit(producer)
		}
	}
	t.sorted = append(t.sorted, edge)
}

func (t *TopoSort) Result() []*Edge { return t.sorted }

func (p *Plan) ComputeCriticalPath() {
	defer METRIC_RECORD("ComputeCriticalPath")()

	topo := NewTopoSort()
	for _, target := range p.targets {
		topo.VisitTarget(target)
	}
	sorted := topo.Result()

	// First, reset all weights to 1.
	for _, edge := range sorted {
		edge.SetCriticalPathWeight(EdgeWeightHeuristic(edge))
	}

	// Second propagate / increment weights from
	// children to parents. Scan the list
	// in reverse order to do so.
	for i := len(sorted) - 1; i >= 0; i-- {
		edge := sorted[i]
		edgeWeight := edge.CriticalPathWeight()
		for _, input := range edge.inputs {
			producer := input.InEdge()
			if producer == nil {
				continue
			}
			candidate := edgeWeight + EdgeWeightHeuristic(producer)
			if candidate > producer.CriticalPathWeight() {
				producer.SetCriticalPathWeight(candidate)
			}
		}
	}
}

// Add edges that kWantToStart into the ready queue
// Must be called after ComputeCriticalPath and before FindWork
func (p *Plan) ScheduleInitialEdges() {
	if !p.ready.IsEmpty() {
		panic("ScheduleInitialEdges: ready queue is not empty")
	}
	var pools []*Pool
	seen := map[*Pool]bool{}
	for _, edge := range p.sortedWanted() {
		if p.want[edge] != kWantToStart || !edge.AllInputsReady() {
			continue
		}
		pool := edge.pool
		if pool.ShouldDelayEdge() {
			pool.DelayEdge(edge)
			if !seen[pool] {
				seen[pool] = true
				pools = append(pools, pool)
			}
		} else {
			p.ScheduleWork(edge)
		}
	}

	// Call RetrieveReadyEdges only once at the end so higher priority
	// edges are retrieved first, not the ones that happen to be first
	// in the want map.
	for _, pool := range pools {
		pool.RetrieveReadyEdges(p.ready)
	}
}

// / Submits a ready edge as a candidate for execution.
// / The edge may be delayed from running, for example if it's a member of a
// / currently-full pool.
func (p *Plan) ScheduleWork(edge *Edge) {
	want := p.want[edge]
	if want == kWantToFinish {
		// This edge has already been scheduled.  We can get here again if an edge
		// and one of its dependencies share an order-only input, or if a node
		// duplicates an out edge (see https://github.com/ninja-build/ninja/pull/519).
		// Avoid scheduling the work again.
		return
	}
	if want != kWantToStart {
		panic("ScheduleWork: edge is not wanted")
	}
	p.want[edge] = kWantToFinish

	pool := edge.pool
	if pool.ShouldDelayEdge() {
		pool.DelayEdge(edge)
		pool.RetrieveReadyEdges(p.ready)
	} else {
		pool.EdgeScheduled(edge)
		p.ready.Add(edge)
	}
}
