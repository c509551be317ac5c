package ninja_go

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
)

type VisitMark int8

const (
	VisitNone VisitMark = iota
	VisitInStack
	VisitDone
)

type ExistenceStatus int8

const (
	/// The file hasn't been examined.
	ExistenceStatusUnknown ExistenceStatus = iota
	/// The file doesn't exist. mtime will be the latest mtime of its dependencies.
	ExistenceStatusMissing
	/// The path is an actual file. mtime will be the file's mtime.
	ExistenceStatusExists
)

// DirtyState is the per-invocation verdict on a node.
type DirtyState int8

const (
	DirtyUnknown DirtyState = iota
	DirtyClean
	DirtyDirty
)

// / Information about a node in the dependency graph: the file, whether
// / it's dirty, mtime, etc.
type Node struct {
	path string

	/// Set bits starting from lowest for backslashes that were normalized to
	/// forward slashes by CanonicalizePath. See |PathDecanonicalized|.
	slashBits uint64

	/// Possible values of mtime:
	///   -1: file hasn't been examined
	///   0:  we looked, and file doesn't exist
	///   >0: actual file's mtime, or the latest mtime of its dependencies if it doesn't exist
	mtime TimeStamp

	exists ExistenceStatus

	/// Dirty is set when the underlying file is out-of-date.
	/// But note that Edge.outputsReady is also used in judging which
	/// edges to build.
	dirty DirtyState

	/// Set to true when this node comes from a depfile or the deps log. If
	/// it does not have a producing edge, the build should not abort if it is
	/// missing (as for regular source inputs).
	generatedByDepLoader bool

	/// The Edge that produces this Node, or nil when there is no
	/// known edge to produce it.
	inEdge *Edge

	/// All Edges that use this Node as an input.
	outEdges []*Edge

	/// A dense integer id for the node, assigned and used by DepsLog.
	id int
}

func NewNode(path string, slashBits uint64) *Node {
	return &Node{
		path:                 path,
		slashBits:            slashBits,
		mtime:                -1,
		generatedByDepLoader: true,
		id:                   -1,
	}
}

// / Return an error if the stat failed.
func (n *Node) Stat(disk DiskInterface) error {
	mtime, err := disk.Stat(n.path)
	if err != nil {
		n.mtime = -1
		return err
	}
	n.mtime = mtime
	if mtime != 0 {
		n.exists = ExistenceStatusExists
	} else {
		n.exists = ExistenceStatusMissing
	}
	return nil
}

// / If the file doesn't exist, set the mtime from its dependencies
func (n *Node) UpdatePhonyMtime(mtime TimeStamp) {
	if !n.Exists() {
		n.mtime = max(n.mtime, mtime)
	}
}

func (n *Node) StatIfNecessary(disk DiskInterface) error {
	if n.StatusKnown() {
		return nil
	}
	return n.Stat(disk)
}

// / Mark as not-yet-stat()ed and not yet evaluated.
func (n *Node) ResetState() {
	n.mtime = -1
	n.exists = ExistenceStatusUnknown
	n.dirty = DirtyUnknown
}

// / Mark the Node as already-stat()ed and missing.
func (n *Node) MarkMissing() {
	if n.mtime == -1 {
		n.mtime = 0
	}
	n.exists = ExistenceStatusMissing
}

func (n *Node) Exists() bool      { return n.exists == ExistenceStatusExists }
func (n *Node) StatusKnown() bool { return n.exists != ExistenceStatusUnknown }
func (n *Node) Path() string      { return n.path }
func (n *Node) SlashBits() uint64 { return n.slashBits }
func (n *Node) Mtime() TimeStamp  { return n.mtime }

// / Get |Path()| but use slashBits to convert back to original slash styles.
func (n *Node) PathDecanonicalized() string {
	return PathDecanonicalized(n.path, n.slashBits)
}

func (n *Node) Dirty() bool            { return n.dirty == DirtyDirty }
func (n *Node) DirtyState() DirtyState { return n.dirty }
func (n *Node) MarkDirty()             { n.dirty = DirtyDirty }

func (n *Node) SetDirty(dirty bool) {
	if dirty {
		n.dirty = DirtyDirty
	} else {
		n.dirty = DirtyClean
	}
}

func (n *Node) InEdge() *Edge         { return n.inEdge }
func (n *Node) SetInEdge(edge *Edge)  { n.inEdge = edge }
func (n *Node) OutEdges() []*Edge     { return n.outEdges }
func (n *Node) AddOutEdge(edge *Edge) { n.outEdges = append(n.outEdges, edge) }

func (n *Node) removeOutEdge(edge *Edge) {
	for i, e := range n.outEdges {
		if e == edge {
			n.outEdges = append(n.outEdges[:i], n.outEdges[i+1:]...)
			return
		}
	}
}
func (n *Node) ID() int                    { return n.id }
func (n *Node) SetID(id int)               { n.id = id }
func (n *Node) GeneratedByDepLoader() bool { return n.generatedByDepLoader }

func (n *Node) Dump(w io.Writer, prefix string) {
	missing := ""
	if !n.Exists() {
		missing = " (:missing)"
	}
	dirty := " clean"
	if n.Dirty() {
		dirty = " dirty"
	}
	fmt.Fprintf(w, "%s <%s> mtime: %d%s,%s\n", prefix, n.path, n.mtime, missing, dirty)
	if n.inEdge != nil {
		n.inEdge.Dump(w, "in-edge: ")
	} else {
		fmt.Fprintf(w, "no in-edge\n")
	}
	fmt.Fprintf(w, " out edges:\n")
	for _, e := range n.outEdges {
		e.Dump(w, " +- ")
	}
}

// / An edge in the dependency graph; links between Nodes using Rules.
type Edge struct {
	id                   int
	rule                 *Rule
	pool                 *Pool
	inputs               []*Node
	outputs              []*Node
	env                  *BindingEnv
	mark                 VisitMark
	criticalPathWeight   int64
	outputsReady         bool
	depsLoaded           bool
	depsMissing          bool
	generatedByDepLoader bool
	commandStartTime     TimeStamp

	// Historical info: how long did this edge take last time,
	// as per .ninja_log, if known? Defaults to -1 if unknown.
	prevElapsedTimeMillis int64

	// There are three types of inputs.
	// 1) explicit deps, which show up as $in on the command line;
	// 2) implicit deps, which the target depends on implicitly (e.g. C headers),
	//                   and changes in them cause the target to rebuild;
	// 3) order-only deps, which are needed before the target builds but which
	//                     don't cause the target to rebuild.
	// These are stored in inputs in that order, and we keep counts of
	// #2 and #3 when we need to access the various subsets.
	implicitDeps  int
	orderOnlyDeps int

	// There are two types of outputs.
	// 1) explicit outs, which show up as $out on the command line;
	// 2) implicit outs, which the target generates but are not part of $out.
	implicitOuts int
}

func (e *Edge) ID() int                { return e.id }
func (e *Edge) Rule() *Rule            { return e.rule }
func (e *Edge) Pool() *Pool            { return e.pool }
func (e *Edge) SetPool(pool *Pool)     { e.pool = pool }
func (e *Edge) Inputs() []*Node        { return e.inputs }
func (e *Edge) Outputs() []*Node       { return e.outputs }
func (e *Edge) Weight() int            { return 1 }
func (e *Edge) OutputsReady() bool     { return e.outputsReady }
func (e *Edge) SetEnv(env *BindingEnv) { e.env = env }

// critical_path_weight is the priority during build scheduling. The
// "critical path" between this edge's inputs and any target node is
// the path which maximises the sum of weights along that path.
// Defaults to -1 as a marker smaller than any valid weight.
func (e *Edge) CriticalPathWeight() int64 { return e.criticalPathWeight }
func (e *Edge) SetCriticalPathWeight(w int64) {
	e.criticalPathWeight = w
}

func (e *Edge) ExplicitInputs() []*Node {
	return e.inputs[:len(e.inputs)-e.implicitDeps-e.orderOnlyDeps]
}

func (e *Edge) ImplicitInputs() []*Node {
	end := len(e.inputs) - e.orderOnlyDeps
	return e.inputs[end-e.implicitDeps : end]
}

func (e *Edge) OrderOnlyInputs() []*Node {
	return e.inputs[len(e.inputs)-e.orderOnlyDeps:]
}

// NonOrderOnlyInputs are the inputs whose changes make the edge dirty.
func (e *Edge) NonOrderOnlyInputs() []*Node {
	return e.inputs[:len(e.inputs)-e.orderOnlyDeps]
}

func (e *Edge) IsImplicit(index int) bool {
	return index >= len(e.inputs)-e.orderOnlyDeps-e.implicitDeps && !e.IsOrderOnly(index)
}

func (e *Edge) IsOrderOnly(index int) bool {
	return index >= len(e.inputs)-e.orderOnlyDeps
}

func (e *Edge) IsImplicitOut(index int) bool {
	return index >= len(e.outputs)-e.implicitOuts
}

func (e *Edge) IsPhony() bool    { return e.rule == PhonyRule }
func (e *Edge) UseConsole() bool { return e.pool != nil && e.pool.Name() == ConsolePool.Name() }

func (e *Edge) maybePhonycycleDiagnostic() bool {
	// CMake 2.8.12.x and 3.0.x produced self-referencing phony rules
	// of the form "build a: phony ... a ...". Restrict our
	// "phonycycle" diagnostic option to the form it used.
	return e.IsPhony() && len(e.outputs) == 1 && e.implicitOuts == 0 && e.implicitDeps == 0
}

// / Return true if all inputs' in-edges are ready.
func (e *Edge) AllInputsReady() bool {
	for _, in := range e.inputs {
		if in.inEdge != nil && !in.inEdge.outputsReady {
			return false
		}
	}
	return true
}

// / Expand all variables in a command and return it as a string.
// / If inclRspFile is enabled, the string will also contain the
// / full contents of a response file (if applicable)
func (e *Edge) EvaluateCommand(inclRspFile bool) string {
	command := e.GetBinding("command")
	if inclRspFile {
		if content := e.GetBinding("rspfile_content"); content != "" {
			command += ";rspfile=" + content
		}
	}
	return command
}

// / Returns the shell-escaped value of |key|.
func (e *Edge) GetBinding(key string) string {
	return NewEdgeEnv(e, kShellEscape).LookupVariable(key)
}

func (e *Edge) GetBindingBool(key string) bool {
	return e.GetBinding(key) != ""
}

// / Like GetBinding("depfile"), but without shell escaping.
func (e *Edge) GetUnescapedDepfile() string {
	return NewEdgeEnv(e, kDoNotEscape).LookupVariable("depfile")
}

// / Like GetBinding("rspfile"), but without shell escaping.
func (e *Edge) GetUnescapedRspfile() string {
	return NewEdgeEnv(e, kDoNotEscape).LookupVariable("rspfile")
}

// ValidateBindings expands the edge's command and reports a cycle among
// the rule's variables.
func (e *Edge) ValidateBindings() error {
	env := NewEdgeEnv(e, kShellEscape)
	env.LookupVariable("command")
	return env.err
}

func (e *Edge) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%s[ ", prefix)
	for _, in := range e.inputs {
		fmt.Fprintf(w, "%s ", in.path)
	}
	fmt.Fprintf(w, "--%s-> ", e.rule.Name())
	for _, out := range e.outputs {
		fmt.Fprintf(w, "%s ", out.path)
	}
	if e.pool != nil && e.pool.Name() != "" {
		fmt.Fprintf(w, "(in pool '%s')", e.pool.Name())
	}
	fmt.Fprintf(w, "]\n")
}

type EscapeKind int8

const (
	kShellEscape EscapeKind = iota
	kDoNotEscape
)

// / An Env for an Edge, providing $in and $out.
type EdgeEnv struct {
	lookups     []string
	edge        *Edge
	escapeInOut EscapeKind
	recursive   bool
	err         error
}

func NewEdgeEnv(edge *Edge, escape EscapeKind) *EdgeEnv {
	return &EdgeEnv{edge: edge, escapeInOut: escape}
}

func (env *EdgeEnv) LookupVariable(name string) string {
	switch name {
	case "in", "in_newline":
		explicit := len(env.edge.inputs) - env.edge.implicitDeps - env.edge.orderOnlyDeps
		sep := byte(' ')
		if name == "in_newline" {
			sep = '\n'
		}
		return env.MakePathList(env.edge.inputs[:explicit], sep)
	case "out":
		explicit := len(env.edge.outputs) - env.edge.implicitOuts
		return env.MakePathList(env.edge.outputs[:explicit], ' ')
	}

	// lookups is a stack of the rule variables being expanded. Finding
	// |name| on it again means the variables refer to each other.
	if env.recursive && slices.Contains(env.lookups, name) {
		if env.err == nil {
			cycle := strings.Join(append(slices.Clone(env.lookups), name), " -> ")
			env.err = fmt.Errorf("cycle in rule variables: %s", cycle)
		}
		return ""
	}

	// See notes on BindingEnv.LookupWithFallback.
	eval := env.edge.rule.GetBinding(name)
	recordVarname := env.recursive && eval != nil
	if recordVarname {
		env.lookups = append(env.lookups, name)
	}

	// In practice, variables defined on rules never use another rule variable.
	// For performance, only start checking for cycles after the first lookup.
	env.recursive = true
	result := env.edge.env.LookupWithFallback(name, eval, env)
	if recordVarname {
		env.lookups = env.lookups[:len(env.lookups)-1]
	}
	return result
}

// / Given a span of Nodes, construct a list of paths suitable for a command
// / line.
func (env *EdgeEnv) MakePathList(nodes []*Node, sep byte) string {
	var b strings.Builder
	for i, n := range nodes {
		if i > 0 {
			b.WriteByte(sep)
		}
		path := n.PathDecanonicalized()
		if env.escapeInOut == kShellEscape {
			b.WriteString(GetShellEscapedString(path))
		} else {
			b.WriteString(path)
		}
	}
	return b.String()
}

// DetectCycle walks every edge reachable from roots and reports the first
// dependency cycle it meets. It keeps its own marks so it can run before or
// after a DependencyScan.
func DetectCycle(roots []*Node) error {
	marks := map[*Edge]VisitMark{}
	var stack []*Node
	var visit func(node *Node) error
	visit = func(node *Node) error {
		edge := node.inEdge
		if edge == nil {
			return nil
		}
		switch marks[edge] {
		case VisitDone:
			return nil
		case VisitInStack:
			return cycleFromStack(stack, node)
		}
		marks[edge] = VisitInStack
		stack = append(stack, node)
		for _, in := range edge.inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		marks[edge] = VisitDone
		stack = stack[:len(stack)-1]
		return nil
	}
	for _, root := range roots {
		if err := visit(root); err != nil {
			return err
		}
	}
	return nil
}

// cycleFromStack builds the cycle that closes at node. The start of the
// cycle is reported as node itself rather than some other output of the
// starting edge, so 'ninja b' on
//
//	build a b: cat c
//	build c: cat a
//
// reports a -> c -> a instead of b -> c -> a.
func cycleFromStack(stack []*Node, node *Node) *CycleError {
	start := 0
	for start < len(stack) && stack[start].inEdge != node.inEdge {
		start++
	}
	path := make([]string, 0, len(stack)-start+1)
	path = append(path, node.path)
	for _, n := range stack[start+1:] {
		path = append(path, n.path)
	}
	path = append(path, node.path)
	return &CycleError{Path: path}
}

// / DependencyScan manages the process of scanning the files in a graph
// / and updating the dirty/outputsReady state of all the nodes and edges.
type DependencyScan struct {
	buildLog     *BuildLog
	hashLog      *HashLog
	disk         DiskInterface
	depLoader    *ImplicitDepLoader
	explanations OptionalExplanations
}

func NewDependencyScan(state *State, buildLog *BuildLog, depsLog *DepsLog, hashLog *HashLog,
	disk DiskInterface, explanations *Explanations) *DependencyScan {
	return &DependencyScan{
		buildLog:     buildLog,
		hashLog:      hashLog,
		disk:         disk,
		depLoader:    NewImplicitDepLoader(state, depsLog, disk, explanations),
		explanations: NewOptionalExplanations(explanations),
	}
}

func (s *DependencyScan) BuildLog() *BuildLog                { return s.buildLog }
func (s *DependencyScan) SetBuildLog(log *BuildLog)          { s.buildLog = log }
func (s *DependencyScan) DepsLog() *DepsLog                  { return s.depLoader.depsLog }
func (s *DependencyScan) HashLog() *HashLog                  { return s.hashLog }
func (s *DependencyScan) Explanations() OptionalExplanations { return s.explanations }

// / Update the dirty state of the given node by transitively inspecting
// / its input edges.
// / Examine inputs, outputs, and command lines to judge whether an edge
// / needs to be re-run, and update outputsReady and each outputs' dirty
// / state accordingly.
// / Returns whether node ended up dirty.
func (s *DependencyScan) RecomputeDirty(node *Node) (bool, error) {
	var stack []*Node
	if err := s.RecomputeNodeDirty(node, &stack); err != nil {
		return false, err
	}
	return node.Dirty(), nil
}

func (s *DependencyScan) RecomputeNodeDirty(node *Node, stack *[]*Node) error {
	edge := node.inEdge
	if edge == nil {
		// If we already visited this leaf node then we are done.
		if node.StatusKnown() {
			return nil
		}
		// This node has no in-edge; it is dirty if it is missing.
		if err := node.StatIfNecessary(s.disk); err != nil {
			return err
		}
		if !node.Exists() {
			s.explanations.Record(node, "%s has no in-edge and is missing", node.path)
		}
		node.SetDirty(!node.Exists())
		return nil
	}

	// If we already finished this edge then we are done.
	if edge.mark == VisitDone {
		return nil
	}

	// If we encountered this edge earlier in the call stack we have a cycle.
	if err := s.VerifyDAG(node, *stack); err != nil {
		return err
	}

	// Mark the edge temporarily while in the call stack.
	edge.mark = VisitInStack
	*stack = append(*stack, node)

	dirty := false
	edge.outputsReady = true
	edge.depsMissing = false

	// Load output mtimes so we can compare them to the most recent input below.
	for _, o := range edge.outputs {
		if err := o.StatIfNecessary(s.disk); err != nil {
			return err
		}
	}

	if !edge.depsLoaded {
		// This is our first encounter with this edge.  Load discovered deps.
		edge.depsLoaded = true
		ok, err := s.depLoader.LoadDeps(edge)
		if err != nil {
			return err
		}
		if !ok {
			// Failed to load dependency info: rebuild to regenerate it.
			// LoadDeps() did explanations.Record() already.
			edge.depsMissing = true
			dirty = true
		}
	}

	// Visit all inputs; we're dirty if any of the inputs are dirty.
	var mostRecentInput *Node
	for i, in := range edge.inputs {
		if err := s.RecomputeNodeDirty(in, stack); err != nil {
			return err
		}

		// If an input is not ready, neither are our outputs.
		if inEdge := in.inEdge; inEdge != nil && !inEdge.outputsReady {
			edge.outputsReady = false
		}

		if !edge.IsOrderOnly(i) {
			// If a regular input is dirty (or missing), we're dirty.
			// Otherwise consider mtime.
			if in.Dirty() {
				s.explanations.Record(node, "%s is dirty", in.path)
				dirty = true
			} else if mostRecentInput == nil || in.mtime > mostRecentInput.mtime {
				mostRecentInput = in
			}
		}
	}

	// We may also be dirty due to output state: missing outputs, out of
	// date outputs, etc.  Visit all outputs and determine whether they're dirty.
	if !dirty {
		dirty = s.RecomputeOutputsDirty(edge, mostRecentInput)
	}

	// Finally, visit each output and update their dirty state if necessary.
	for _, o := range edge.outputs {
		o.SetDirty(dirty)
	}

	// If an edge is dirty, its outputs are normally not ready.  (It's
	// possible to be clean but still not be ready in the presence of
	// order-only inputs.)
	// But phony edges with no inputs have nothing to do, so are always
	// ready.
	if dirty && !(edge.IsPhony() && len(edge.inputs) == 0) {
		edge.outputsReady = false
	}

	// Mark the edge as finished during this walk now that it will no longer
	// be in the call stack.
	edge.mark = VisitDone
	*stack = (*stack)[:len(*stack)-1]
	return nil
}

// VerifyDAG returns a *CycleError when node's in-edge is already on the
// walk's call stack.
func (s *DependencyScan) VerifyDAG(node *Node, stack []*Node) error {
	edge := node.inEdge
	if edge.mark != VisitInStack {
		return nil
	}
	return cycleFromStack(stack, node)
}

// / Recompute whether any output of the edge is dirty.
func (s *DependencyScan) RecomputeOutputsDirty(edge *Edge, mostRecentInput *Node) bool {
	command := edge.EvaluateCommand(true)
	for _, o := range edge.outputs {
		if s.RecomputeOutputDirty(edge, mostRecentInput, command, o) {
			return true
		}
	}
	return false
}

// / Recompute whether a given single output should be marked dirty.
// / Returns true if so.
func (s *DependencyScan) RecomputeOutputDirty(edge *Edge, mostRecentInput *Node, command string, output *Node) bool {
	if edge.IsPhony() {
		// Phony edges don't write any output.  Outputs are only dirty if
		// there are no inputs and we're missing the output.
		if len(edge.inputs) == 0 && !output.Exists() {
			s.explanations.Record(output, "output %s of phony edge with no inputs doesn't exist", output.path)
			return true
		}

		// Update the mtime with the newest input. Dependents can thus call
		// Mtime() on the fake node and get the latest mtime of the dependencies.
		if mostRecentInput != nil {
			output.UpdatePhonyMtime(mostRecentInput.mtime)
		}
		return false
	}

	// Dirty if we're missing the output.
	if !output.Exists() {
		s.explanations.Record(output, "output %s doesn't exist", output.path)
		return true
	}

	var entry *LogEntry

	// If this is a restat rule, we may have cleaned the output in a
	// previous run and stored the command start time in the build log.
	// We don't want to consider a restat rule's outputs as dirty unless
	// an input changed since the last run, so we'll skip checking the
	// output file's actual mtime and simply check the recorded mtime from
	// the log against the most recent input's mtime (see below)
	usedRestat := false
	if edge.GetBindingBool("restat") && s.buildLog != nil {
		if entry = s.buildLog.LookupByOutput(output.path); entry != nil {
			usedRestat = true
		}
	}

	// Dirty if the output is older than the input.
	if !usedRestat && mostRecentInput != nil && output.mtime < mostRecentInput.mtime {
		if s.inputHashesUnchanged(edge, output) {
			s.explanations.Record(output, "output %s older than most recent input %s, but input hashes are unchanged",
				output.path, mostRecentInput.path)
		} else {
			s.explanations.Record(output, "output %s older than most recent input %s (%d vs %d)",
				output.path, mostRecentInput.path, output.mtime, mostRecentInput.mtime)
			return true
		}
	}

	if s.buildLog != nil {
		generator := edge.GetBindingBool("generator")
		if entry == nil {
			entry = s.buildLog.LookupByOutput(output.path)
		}
		if entry != nil {
			if !generator && HashCommand(command) != entry.commandHash {
				// May also be dirty due to the command changing since the last build.
				// But if this is a generator rule, the command changing does not make us
				// dirty.
				s.explanations.Record(output, "command line changed for %s", output.path)
				return true
			}
			if mostRecentInput != nil && entry.mtime < mostRecentInput.mtime {
				// May also be dirty due to the mtime in the log being older than the
				// mtime of the most recent input.  This can occur even when the mtime
				// on disk is newer if a previous run wrote to the output file but
				// exited with an error or was interrupted. If this was a restat rule,
				// then we only check the recorded mtime against the most recent input
				// mtime and ignore the actual output's mtime above.
				if !s.inputHashesUnchanged(edge, output) {
					s.explanations.Record(output, "recorded mtime of %s older than most recent input %s (%d vs %d)",
						output.path, mostRecentInput.path, entry.mtime, mostRecentInput.mtime)
					return true
				}
			}
		}
		if entry == nil && !generator {
			s.explanations.Record(output, "command line not found in log for %s", output.path)
			return true
		}
	}

	return false
}

// inputHashesUnchanged consults the hash log for rules with hash_input set.
func (s *DependencyScan) inputHashesUnchanged(edge *Edge, output *Node) bool {
	if s.hashLog == nil || !edge.GetBindingBool("hash_input") {
		return false
	}
	return s.hashLog.HashesAreClean(output, edge)
}

// / ImplicitDepLoader loads implicit dependencies, as referenced via the
// / "depfile" attribute in build files.
type ImplicitDepLoader struct {
	state        *State
	disk         DiskInterface
	depsLog      *DepsLog
	explanations OptionalExplanations
}

func NewImplicitDepLoader(state *State, depsLog *DepsLog, disk DiskInterface, explanations *Explanations) *ImplicitDepLoader {
	return &ImplicitDepLoader{
		state:        state,
		disk:         disk,
		depsLog:      depsLog,
		explanations: NewOptionalExplanations(explanations),
	}
}

// / Load implicit dependencies for edge.
// / Returns false without an error if info is just missing or out of date.
func (l *ImplicitDepLoader) LoadDeps(edge *Edge) (bool, error) {
	if depsType := edge.GetBinding("deps"); depsType != "" {
		return l.LoadDepsFromLog(edge), nil
	}
	if depfile := edge.GetUnescapedDepfile(); depfile != "" {
		return l.LoadDepFile(edge, depfile)
	}
	// No deps to load.
	return true, nil
}

// / Load implicit dependencies for edge from a depfile attribute.
func (l *ImplicitDepLoader) LoadDepFile(edge *Edge, path string) (bool, error) {
	defer METRIC_RECORD("depfile load")()
	content, err := l.disk.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.explanations.Record(edge.outputs[0], "depfile '%s' is missing", path)
			return false, nil
		}
		return false, fmt.Errorf("loading '%s': %w", path, err)
	}
	// On a missing depfile: return false and empty error to trigger a rebuild.
	if len(content) == 0 {
		l.explanations.Record(edge.outputs[0], "depfile '%s' is missing", path)
		return false, nil
	}

	var parser DepfileParser
	if err := parser.Parse(content); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	if len(parser.outs) == 0 {
		return false, fmt.Errorf("%s: no outputs declared", path)
	}

	// Check that this depfile matches the edge's output, if not return false to
	// mark the edge as dirty.
	firstOutput := edge.outputs[0]
	primaryOut, _, err := CanonicalizePath(parser.outs[0])
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	if firstOutput.path != primaryOut {
		l.explanations.Record(firstOutput, "expected depfile '%s' to mention '%s', got '%s'",
			path, firstOutput.path, primaryOut)
		return false, nil
	}

	// Ensure that all mentioned outputs are outputs of the edge.
	for _, o := range parser.outs {
		canon, _, err := CanonicalizePath(o)
		if err != nil {
			return false, fmt.Errorf("%s: %w", path, err)
		}
		if !slices.ContainsFunc(edge.outputs, func(n *Node) bool { return n.path == canon }) {
			return false, fmt.Errorf("%s: depfile mentions '%s' as an output, but no such output was declared", path, o)
		}
	}

	return true, l.ProcessDepfileDeps(edge, parser.ins)
}

// / Process loaded implicit dependencies for edge and update the graph.
func (l *ImplicitDepLoader) ProcessDepfileDeps(edge *Edge, depfileIns []string) error {
	nodes := make([]*Node, 0, len(depfileIns))
	for _, in := range depfileIns {
		canon, slashBits, err := CanonicalizePath(in)
		if err != nil {
			return err
		}
		nodes = append(nodes, l.state.GetNode(canon, slashBits))
	}
	l.addImplicitDeps(edge, nodes)
	return nil
}

// / Load implicit dependencies for edge from the DepsLog.
func (l *ImplicitDepLoader) LoadDepsFromLog(edge *Edge) bool {
	// NOTE: deps are only supported for single-target edges.
	output := edge.outputs[0]
	var deps *Deps
	if l.depsLog != nil {
		deps = l.depsLog.GetDeps(output)
	}
	if deps == nil {
		l.explanations.Record(output, "deps for '%s' are missing", output.path)
		return false
	}

	// Deps are invalid if the output is newer than the deps.
	if output.mtime > deps.mtime {
		l.explanations.Record(output, "stored deps info out of date for '%s' (%d vs %d)",
			output.path, deps.mtime, output.mtime)
		return false
	}

	l.addImplicitDeps(edge, deps.nodes)
	return true
}

// addImplicitDeps splices nodes in front of the order-only inputs.
func (l *ImplicitDepLoader) addImplicitDeps(edge *Edge, nodes []*Node) {
	at := len(edge.inputs) - edge.orderOnlyDeps
	edge.inputs = slices.Insert(edge.inputs, at, nodes...)
	edge.implicitDeps += len(nodes)
	for _, n := range nodes {
		n.AddOutEdge(edge)
		l.CreatePhonyInEdge(n)
	}
}

// / If we don't have a edge that generates this input already,
// / create one; this makes us not abort if the input is missing,
// / but instead will rebuild in that circumstance.
func (l *ImplicitDepLoader) CreatePhonyInEdge(node *Node) {
	if node.inEdge != nil {
		return
	}
	phony := l.state.AddEdge(PhonyRule)
	phony.generatedByDepLoader = true
	node.inEdge = phony
	phony.outputs = append(phony.outputs, node)

	// RecomputeDirty might not be called for phony if a previous call
	// to RecomputeDirty had caused the file to be stat'ed.  Because previous
	// invocations of RecomputeDirty would have seen this node without an
	// input edge (and therefore ready), we have to set outputsReady to true
	// to avoid a potential stuck build.  If we do call RecomputeDirty for
	// this node, it will simply set outputsReady to the correct value.
	phony.outputsReady = true
}
