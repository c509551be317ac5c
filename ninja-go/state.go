package ninja_go

import (
	"fmt"
	"io"
	"sort"

	"github.com/ahrtr/gocontainer/queue/priorityqueue"
)

// / A pool for delayed edges.
// / Pools are scoped to a State. Edges within a State will share Pools. A Pool
// / will keep a count of the total 'weight' of the currently scheduled edges. If
// / a Plan attempts to schedule an Edge which would cause the total weight to
// / exceed the depth of the Pool, the Pool will enqueue the Edge instead of
// / allowing the Plan to schedule it. The Pool will relinquish queued Edges when
// / the total scheduled weight diminishes enough (i.e. when a scheduled edge
// / completes).
type Pool struct {
	name string
	/// |currentUse| is the total of the weights of the edges which are
	/// currently scheduled in the Plan (i.e. the edges in Plan.ready).
	currentUse int
	depth      int
	delayed    EdgePriorityQueue
}

// EdgePriorityQueue orders edges with EdgeCmp.
type EdgePriorityQueue = priorityqueue.Interface

func NewEdgePriorityQueue() EdgePriorityQueue {
	return priorityqueue.New().WithComparator(&EdgeCmp{})
}

func NewPool(name string, depth int) *Pool {
	return &Pool{name: name, depth: depth, delayed: NewEdgePriorityQueue()}
}

// A depth of 0 is infinite.
func (p *Pool) IsValid() bool         { return p.depth >= 0 }
func (p *Pool) Depth() int            { return p.depth }
func (p *Pool) Name() string          { return p.name }
func (p *Pool) CurrentUse() int       { return p.currentUse }
func (p *Pool) ShouldDelayEdge() bool { return p.depth != 0 }

// / informs this Pool that the given edge is committed to be run.
// / Pool will count this edge as using resources from this pool.
func (p *Pool) EdgeScheduled(edge *Edge) {
	if p.depth != 0 {
		p.currentUse += edge.Weight()
	}
}

// / informs this Pool that the given edge is no longer runnable, and should
// / relinquish its resources back to the pool
func (p *Pool) EdgeFinished(edge *Edge) {
	if p.depth != 0 {
		p.currentUse -= edge.Weight()
	}
}

// / adds the given edge to this Pool to be delayed.
func (p *Pool) DelayEdge(edge *Edge) {
	p.delayed.Add(edge)
}

// / Pool will add zero or more edges to the ready queue
func (p *Pool) RetrieveReadyEdges(ready EdgePriorityQueue) {
	for !p.delayed.IsEmpty() {
		edge := p.delayed.Peek().(*Edge)
		if p.currentUse+edge.Weight() > p.depth {
			break
		}
		p.delayed.Poll()
		ready.Add(edge)
		p.EdgeScheduled(edge)
	}
}

func (p *Pool) Dump(w io.Writer) {
	fmt.Fprintf(w, "%s (%d/%d) ->\n", p.name, p.currentUse, p.depth)
}

var (
	DefaultPool = NewPool("", 0)
	ConsolePool = NewPool("console", 1)
	PhonyRule   = NewRule("phony")
)

// / Global state (file status) for a single run.
type State struct {
	/// Mapping of path -> Node.
	paths map[string]*Node

	/// All the pools used in the graph.
	pools map[string]*Pool

	/// All the edges of the graph.
	edges []*Edge

	bindings *BindingEnv
	defaults []*Node
}

func NewState() *State {
	s := &State{
		paths:    map[string]*Node{},
		pools:    map[string]*Pool{},
		bindings: NewBindingEnv(nil),
	}
	s.bindings.AddRule(PhonyRule)
	s.AddPool(DefaultPool)
	// The console pool is per-State so its usage counter starts fresh.
	s.AddPool(NewPool(ConsolePool.name, ConsolePool.depth))
	return s
}

func (s *State) Bindings() *BindingEnv { return s.bindings }
func (s *State) Edges() []*Edge        { return s.edges }

func (s *State) AddPool(pool *Pool) error {
	if s.LookupPool(pool.Name()) != nil {
		return fmt.Errorf("duplicate pool '%s'", pool.Name())
	}
	s.pools[pool.Name()] = pool
	return nil
}

func (s *State) LookupPool(name string) *Pool {
	return s.pools[name]
}

// AddEdge allocates an edge bound to rule in the default pool. Inputs and
// outputs are attached with AddIn and AddOut.
func (s *State) AddEdge(rule *Rule) *Edge {
	edge := &Edge{
		id:                    len(s.edges),
		rule:                  rule,
		pool:                  DefaultPool,
		env:                   s.bindings,
		criticalPathWeight:    -1,
		prevElapsedTimeMillis: -1,
	}
	s.edges = append(s.edges, edge)
	return edge
}

// GetNode returns the node for an already canonical path, creating it on
// first use.
func (s *State) GetNode(path string, slashBits uint64) *Node {
	if node := s.LookupNode(path); node != nil {
		return node
	}
	node := NewNode(path, slashBits)
	s.paths[path] = node
	return node
}

// LookupOrCreateNode canonicalizes path and returns its node, so that every
// spelling of one path maps to the same Node.
func (s *State) LookupOrCreateNode(path string) (*Node, error) {
	canon, slashBits, err := CanonicalizePath(path)
	if err != nil {
		return nil, err
	}
	return s.GetNode(canon, slashBits), nil
}

func (s *State) LookupNode(path string) *Node {
	return s.paths[path]
}

// / Return a node whose path is close to |path|, for "did you mean" hints.
func (s *State) SpellcheckNode(path string) *Node {
	const allowReplacements = true
	const maxValidEditDistance = 3

	minDistance := maxValidEditDistance + 1
	var result *Node
	for _, p := range s.sortedPaths() {
		distance := EditDistance(p, path, allowReplacements, maxValidEditDistance)
		if distance < minDistance {
			minDistance = distance
			result = s.paths[p]
		}
	}
	return result
}

func (s *State) sortedPaths() []string {
	keys := make([]string, 0, len(s.paths))
	for k := range s.paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *State) AddIn(edge *Edge, path string, slashBits uint64) {
	node := s.GetNode(path, slashBits)
	node.generatedByDepLoader = false
	edge.inputs = append(edge.inputs, node)
	node.AddOutEdge(edge)
}

// AddOut wires path as an output of edge. A node may have one producer.
func (s *State) AddOut(edge *Edge, path string, slashBits uint64) error {
	node := s.GetNode(path, slashBits)
	if other := node.InEdge(); other != nil {
		if other == edge {
			return fmt.Errorf("%s is defined as an output multiple times", path)
		}
		return &DuplicateOutputError{Path: path}
	}
	edge.outputs = append(edge.outputs, node)
	node.inEdge = edge
	node.generatedByDepLoader = false
	return nil
}

func (s *State) AddDefault(path string) error {
	node := s.LookupNode(path)
	if node == nil {
		return &MissingInputError{Path: path}
	}
	s.defaults = append(s.defaults, node)
	return nil
}

// / @return the root node(s) of the graph. (Root nodes have no output edges).
func (s *State) RootNodes() ([]*Node, error) {
	var roots []*Node
	for _, e := range s.edges {
		for _, out := range e.outputs {
			if len(out.OutEdges()) == 0 {
				roots = append(roots, out)
			}
		}
	}
	if len(s.edges) != 0 && len(roots) == 0 {
		return nil, fmt.Errorf("could not determine root nodes of build graph")
	}
	return roots, nil
}

func (s *State) DefaultNodes() ([]*Node, error) {
	if len(s.defaults) == 0 {
		return s.RootNodes()
	}
	return s.defaults, nil
}

// / Reset state.  Keeps all nodes and edges, but restores them to the
// / state where we haven't yet examined the disk for dirty state.
func (s *State) Reset() {
	for _, n := range s.paths {
		n.ResetState()
	}
	for _, e := range s.edges {
		e.outputsReady = false
		e.depsLoaded = false
		e.mark = VisitNone
	}
}

// / Dump the nodes and Pools (useful for debugging).
func (s *State) Dump(w io.Writer) {
	for _, p := range s.sortedPaths() {
		node := s.paths[p]
		state := "unknown"
		if node.StatusKnown() {
			state = "clean"
			if node.Dirty() {
				state = "dirty"
			}
		}
		fmt.Fprintf(w, "%s %s [id:%d]\n", node.Path(), state, node.ID())
	}
	if len(s.pools) != 0 {
		fmt.Fprintf(w, "resource_pools:\n")
		for _, p := range s.pools {
			if p.Name() != "" {
				p.Dump(w)
			}
		}
	}
}
