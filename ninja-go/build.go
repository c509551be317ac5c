package ninja_go

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/edwingeng/deque"
)

type Verbosity int8

const (
	QUIET            Verbosity = iota // No output -- used when testing.
	NO_STATUS_UPDATE                  // just regular output but suppress status update
	NORMAL                            // regular output and status update
	VERBOSE
)

// / Options (e.g. verbosity, parallelism) passed to a build.
type BuildConfig struct {
	Verbosity       Verbosity
	DryRun          bool
	Parallelism     int
	FailuresAllowed int
	/// The maximum load average we must not exceed. A non-positive value
	/// means that we do not have any limit.
	MaxLoadAverage float64
	/// The fraction of physical memory above which no new command is
	/// dispatched. A non-positive value disables the check.
	MaxMemoryUsage float64
	StatusFormat   string
	KeepDepfile    bool
	KeepRsp        bool
	Logger         *slog.Logger
}

func NewBuildConfig() *BuildConfig {
	return &BuildConfig{
		Verbosity:       NORMAL,
		Parallelism:     1,
		FailuresAllowed: 1,
	}
}

func (c *BuildConfig) logger() *slog.Logger {
	if c.Logger == nil {
		return discardLogger()
	}
	return c.Logger
}

// / The result of waiting for a command.
type Result struct {
	Edge   *Edge
	Status ExitStatus
	Output string
}

func (r *Result) Success() bool { return r.Status == ExitSuccess }

// / CommandRunner is an interface that wraps running the build
// / subcommands.  This allows tests to abstract out running commands.
// / RealCommandRunner is an implementation that actually runs commands.
type CommandRunner interface {
	/// How many more commands may be started right now.
	CanRunMore() int
	StartCommand(edge *Edge) error
	/// Wait for a command to complete. An error means ctx was cancelled
	/// before any command finished.
	WaitForCommand(ctx context.Context) (*Result, error)
	GetActiveEdges() []*Edge
	/// Stop every running command and wait for it to exit.
	Abort()
}

// DryRunCommandRunner pretends every command succeeded.
type DryRunCommandRunner struct {
	finished deque.Deque
}

func NewDryRunCommandRunner() *DryRunCommandRunner {
	return &DryRunCommandRunner{finished: deque.NewDeque()}
}

func (d *DryRunCommandRunner) CanRunMore() int { return math.MaxInt32 }

func (d *DryRunCommandRunner) StartCommand(edge *Edge) error {
	d.finished.PushBack(edge)
	return nil
}

func (d *DryRunCommandRunner) WaitForCommand(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.finished.Empty() {
		return nil, errors.New("no command running")
	}
	return &Result{Edge: d.finished.PopFront().(*Edge), Status: ExitSuccess}, nil
}

func (d *DryRunCommandRunner) GetActiveEdges() []*Edge { return nil }
func (d *DryRunCommandRunner) Abort()                  {}

// Outcome is the overall result of one invocation.
type Outcome int8

const (
	OutcomeUpToDate Outcome = iota
	OutcomeBuilt
	OutcomeInterrupted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpToDate:
		return "up to date"
	case OutcomeBuilt:
		return "built"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int8(o))
}

// BuildSummary is what a build reports about itself.
type BuildSummary struct {
	Outcome         Outcome
	EdgesConsidered int
	EdgesExecuted   int
	Failures        []CommandFailure
	Elapsed         time.Duration
}

func (s *BuildSummary) EdgesFailed() int { return len(s.Failures) }

// / Builder wraps the build process: starting commands, updating status.
// / It is the only writer of the graph's dirty state and of the logs while
// / a build runs; commands report back to it through the CommandRunner.
type Builder struct {
	state         *State
	config        *BuildConfig
	plan          *Plan
	commandRunner CommandRunner
	status        Status
	logger        *slog.Logger

	/// Map of running edge to time the edge started running.
	runningEdges map[*Edge]int64

	/// Time the build started.
	startTimeMillis int64

	lockFilePath string
	disk         DiskInterface

	// Only non-nil under '-d explain'.
	explanations *Explanations

	scan *DependencyScan

	targets    map[*Node]bool
	considered map[*Edge]bool
	summary    BuildSummary
}

func NewBuilder(state *State, config *BuildConfig, buildLog *BuildLog, depsLog *DepsLog,
	hashLog *HashLog, disk DiskInterface, status Status, startTimeMillis int64,
	explanations *Explanations) *Builder {
	b := &Builder{
		state:           state,
		config:          config,
		status:          status,
		logger:          config.logger(),
		runningEdges:    map[*Edge]int64{},
		startTimeMillis: startTimeMillis,
		disk:            disk,
		explanations:    explanations,
		targets:         map[*Node]bool{},
		considered:      map[*Edge]bool{},
	}
	b.plan = NewPlan(status)
	b.scan = NewDependencyScan(state, buildLog, depsLog, hashLog, disk, explanations)
	b.lockFilePath = LockFilePath(state)
	status.SetExplanations(explanations)
	return b
}

// LockFilePath is $builddir/.ninja_lock, or .ninja_lock without a builddir.
func LockFilePath(state *State) string {
	if dir := state.Bindings().LookupVariable("builddir"); dir != "" {
		return dir + "/.ninja_lock"
	}
	return ".ninja_lock"
}

func (b *Builder) SetCommandRunner(runner CommandRunner) { b.commandRunner = runner }
func (b *Builder) Plan() *Plan                           { return b.plan }
func (b *Builder) Scan() *DependencyScan                 { return b.scan }

// Summary returns the outcome surface of the last Build (or of the target
// scan, if nothing had to run).
func (b *Builder) Summary() BuildSummary {
	s := b.summary
	s.EdgesConsidered = len(b.considered)
	s.Failures = append([]CommandFailure(nil), b.summary.Failures...)
	return s
}

// / Clean up after interrupted commands by deleting output files.
func (b *Builder) Cleanup() {
	if b.commandRunner == nil {
		return
	}
	activeEdges := b.commandRunner.GetActiveEdges()
	b.commandRunner.Abort()

	for _, e := range activeEdges {
		depfile := e.GetUnescapedDepfile()
		for _, o := range e.outputs {
			// Only delete this output if it was actually modified.  This is
			// important for things like the generator where we don't want to
			// delete the manifest file if we can avoid it.  But if the rule
			// uses a depfile, always delete.  (Consider the case where we
			// need to rebuild an output because of a modified header file
			// mentioned in a depfile, and the command touches its depfile
			// but is interrupted before it touches its output file.)
			newMtime, err := b.disk.Stat(o.Path())
			if err != nil { // Log and ignore Stat() errors.
				b.status.Error("%v", err)
			}
			if depfile != "" || o.Mtime() != newMtime {
				b.disk.RemoveFile(o.Path())
			}
		}
		if depfile != "" {
			b.disk.RemoveFile(depfile)
		}
	}
}

// AddTargetByName looks name up and adds it. Unknown names get a spelling
// suggestion.
func (b *Builder) AddTargetByName(name string) (*Node, error) {
	node := b.state.LookupNode(name)
	if node == nil {
		missing := &MissingInputError{Path: name}
		if suggestion := b.state.SpellcheckNode(name); suggestion != nil {
			missing.Suggestion = suggestion.Path()
		}
		return nil, missing
	}
	if _, err := b.AddTarget(node); err != nil {
		return nil, err
	}
	return node, nil
}

// / Add a target to the build, scanning dependencies. Reports false when
// / target was already added.
func (b *Builder) AddTarget(target *Node) (bool, error) {
	if b.targets[target] {
		return false, nil
	}
	if _, err := b.scan.RecomputeDirty(target); err != nil {
		return false, err
	}
	b.noteConsidered(target)

	if inEdge := target.InEdge(); inEdge == nil || !inEdge.OutputsReady() {
		if _, err := b.plan.AddTarget(target); err != nil {
			return false, err
		}
	}
	b.targets[target] = true
	return true, nil
}

// noteConsidered counts every command edge behind target and seeds its
// previous run time for the progress estimate.
func (b *Builder) noteConsidered(target *Node) {
	topo := NewTopoSort()
	topo.VisitTarget(target)
	buildLog := b.scan.BuildLog()
	for _, edge := range topo.Result() {
		if edge.IsPhony() || b.considered[edge] {
			continue
		}
		b.considered[edge] = true
		if buildLog == nil || len(edge.outputs) == 0 {
			continue
		}
		if entry := buildLog.LookupByOutput(edge.outputs[0].Path()); entry != nil {
			edge.prevElapsedTimeMillis = int64(entry.EndTime() - entry.StartTime())
		}
	}
}

// / Returns true if the build targets are already up to date.
func (b *Builder) AlreadyUpToDate() bool {
	return !b.plan.MoreToDo()
}

// / Run the build. A cancelled ctx stops dispatching at once, interrupts the
// / running commands and returns an *InterruptedError.
func (b *Builder) Build(ctx context.Context) error {
	started := time.Now()
	defer func() { b.summary.Elapsed = time.Since(started) }()

	if b.AlreadyUpToDate() {
		b.summary.Outcome = OutcomeUpToDate
		return nil
	}
	b.plan.PrepareQueue()

	pendingCommands := 0
	failuresAllowed := b.config.FailuresAllowed

	// Set up the command runner if we haven't done so already.
	if b.commandRunner == nil {
		if b.config.DryRun {
			b.commandRunner = NewDryRunCommandRunner()
		} else {
			b.commandRunner = NewRealCommandRunner(b.config)
		}
	}

	// We are about to start the build process.
	b.status.BuildStarted()
	b.summary.Outcome = OutcomeBuilt

	fail := func(err error) error {
		b.Cleanup()
		b.status.BuildFinished()
		b.summary.Outcome = OutcomeFailed
		return err
	}
	interrupted := func() error {
		running := pendingCommands
		b.Cleanup()
		b.status.BuildFinished()
		b.summary.Outcome = OutcomeInterrupted
		b.logger.Info("build interrupted", "running", running)
		return &InterruptedError{Running: running}
	}

	// This main loop runs the entire build process.
	// It is structured like this:
	// First, we attempt to start as many commands as allowed by the
	// command runner.
	// Second, we attempt to wait for / reap the next finished command.
	for b.plan.MoreToDo() {
		if ctx.Err() != nil {
			return interrupted()
		}

		// See if we can start any more commands.
		if failuresAllowed != 0 {
			capacity := b.commandRunner.CanRunMore()
			for capacity > 0 {
				edge := b.plan.FindWork()
				if edge == nil {
					break
				}
				if err := b.StartEdge(edge); err != nil {
					return fail(err)
				}

				if edge.IsPhony() {
					b.plan.EdgeFinished(edge, kEdgeSucceeded)
					continue
				}
				pendingCommands++
				capacity--

				// Re-evaluate capacity.
				if current := b.commandRunner.CanRunMore(); current < capacity {
					capacity = current
				}
			}

			// We are finished with all work items and have no pending
			// commands. Therefore, break out of the main loop.
			if pendingCommands == 0 && !b.plan.MoreToDo() {
				break
			}
		}

		// See if we can reap any finished commands.
		if pendingCommands != 0 {
			result, err := b.commandRunner.WaitForCommand(ctx)
			if err != nil || result.Status == ExitInterrupted {
				return interrupted()
			}

			pendingCommands--
			if err := b.FinishCommand(result); err != nil {
				return fail(err)
			}

			if !result.Success() && failuresAllowed != 0 {
				failuresAllowed--
			}

			// We made some progress; start the main loop over.
			continue
		}

		// If we get here, we cannot make any more progress.
		b.status.BuildFinished()
		b.summary.Outcome = OutcomeFailed
		switch {
		case failuresAllowed == 0:
			if b.config.FailuresAllowed > 1 {
				return errors.New("subcommands failed")
			}
			return errors.New("subcommand failed")
		case failuresAllowed < b.config.FailuresAllowed:
			return errors.New("cannot make progress due to previous errors")
		default:
			return errors.New("stuck [this is a bug]")
		}
	}

	b.status.BuildFinished()
	return nil
}

func (b *Builder) StartEdge(edge *Edge) error {
	defer METRIC_RECORD("StartEdge")()
	if edge.IsPhony() {
		return nil
	}

	startTimeMillis := GetTimeMillis() - b.startTimeMillis
	b.runningEdges[edge] = startTimeMillis

	b.status.BuildEdgeStarted(edge, startTimeMillis)

	var buildStart TimeStamp = -1
	if b.config.DryRun {
		buildStart = 0
	}

	// Create directories necessary for outputs and remember the current
	// filesystem mtime to record later
	for _, o := range edge.outputs {
		if err := MakeDirs(b.disk, o.Path()); err != nil {
			return err
		}
		if buildStart == -1 {
			buildStart = b.touchLockFile()
		}
	}
	edge.commandStartTime = buildStart

	// Create depfile directory if needed.
	if depfile := edge.GetUnescapedDepfile(); depfile != "" {
		if err := MakeDirs(b.disk, depfile); err != nil {
			return err
		}
	}

	// Create response file, if needed
	if rspfile := edge.GetUnescapedRspfile(); rspfile != "" {
		if err := MakeDirs(b.disk, rspfile); err != nil {
			return err
		}
		if err := b.disk.WriteFile(rspfile, edge.GetBinding("rspfile_content")); err != nil {
			return err
		}
	}

	b.logger.Debug("dispatch", "edge", edge.id, "weight", edge.criticalPathWeight, "pool", edge.pool.Name())
	if err := b.commandRunner.StartCommand(edge); err != nil {
		return fmt.Errorf("command '%s' failed: %w", edge.EvaluateCommand(false), err)
	}
	b.summary.EdgesExecuted++
	return nil
}

// touchLockFile returns the filesystem's idea of "now", which is what the
// log records for restat outputs. 0 means it could not be determined.
func (b *Builder) touchLockFile() TimeStamp {
	if err := b.disk.WriteFile(b.lockFilePath, ""); err != nil {
		return 0
	}
	mtime, err := b.disk.Stat(b.lockFilePath)
	if err != nil {
		return 0
	}
	return mtime
}

// / Update status ninja logs following a command termination.
// / The logs are written before the plan learns the edge is done, so an
// / edge reported complete is also durable.
func (b *Builder) FinishCommand(result *Result) error {
	defer METRIC_RECORD("FinishCommand")()

	edge := result.Edge

	// First try to extract dependencies from the result, if any.
	// Extraction can fail, which makes the command fail from a build
	// perspective.
	var depsNodes []*Node
	depsType := edge.GetBinding("deps")
	if depsType != "" {
		nodes, err := b.ExtractDeps(result, depsType)
		if err != nil && result.Success() {
			if result.Output != "" {
				result.Output += "\n"
			}
			result.Output += err.Error()
			result.Status = ExitFailure
		}
		depsNodes = nodes
	}

	startTimeMillis := b.runningEdges[edge]
	endTimeMillis := GetTimeMillis() - b.startTimeMillis
	delete(b.runningEdges, edge)

	if !result.Success() {
		b.summary.Failures = append(b.summary.Failures, CommandFailure{
			Outputs: nodePaths(edge.outputs),
			Command: edge.EvaluateCommand(false),
			Output:  result.Output,
			Status:  result.Status,
		})
		b.logger.Debug("command failed", "edge", edge.id, "status", result.Status.String())
		b.status.BuildEdgeFinished(edge, startTimeMillis, endTimeMillis, false, result.Output)
		b.plan.EdgeFinished(edge, kEdgeFailed)
		return nil
	}

	// Restat the edge outputs
	var recordMtime TimeStamp
	if !b.config.DryRun {
		restat := edge.GetBindingBool("restat")
		generator := edge.GetBindingBool("generator")
		nodeCleaned := false
		recordMtime = edge.commandStartTime

		// restat and generator rules must restat the outputs after the build
		// has finished. if recordMtime == 0, then there was an error while
		// attempting to touch/stat the temp file when the edge started and
		// we should fall back to recording the outputs' current mtime in the
		// log.
		if recordMtime == 0 || restat || generator {
			for _, o := range edge.outputs {
				newMtime, err := b.disk.Stat(o.Path())
				if err != nil {
					return err
				}
				if newMtime > recordMtime {
					recordMtime = newMtime
				}
				if o.Mtime() == newMtime && restat {
					// The rule command did not change the output.  Propagate the clean
					// state through the build graph.
					// Note that this also applies to nonexistent outputs (mtime == 0).
					b.plan.CleanNode(b.scan, o)
					nodeCleaned = true
				}
			}
		}
		if nodeCleaned {
			recordMtime = edge.commandStartTime
		}
	}

	if buildLog := b.scan.BuildLog(); buildLog != nil {
		if err := buildLog.RecordCommand(edge, int(startTimeMillis), int(endTimeMillis), recordMtime); err != nil {
			return fmt.Errorf("writing to build log: %w", err)
		}
	}

	if depsType != "" && !b.config.DryRun {
		if len(edge.outputs) == 0 {
			return errors.New("edge with deps has no outputs")
		}
		if depsLog := b.scan.DepsLog(); depsLog != nil {
			for _, o := range edge.outputs {
				depsMtime, err := b.disk.Stat(o.Path())
				if err != nil {
					return err
				}
				if err := depsLog.RecordDeps(o, depsMtime, depsNodes); err != nil {
					return fmt.Errorf("writing to deps log: %w", err)
				}
			}
		}
	}

	if hashLog := b.scan.HashLog(); hashLog != nil && !b.config.DryRun && edge.GetBindingBool("hash_input") {
		if err := hashLog.RecordHashes(edge, b.disk); err != nil {
			return fmt.Errorf("writing to hash log: %w", err)
		}
	}

	// Delete any left over response file.
	if rspfile := edge.GetUnescapedRspfile(); rspfile != "" && !b.config.KeepRsp {
		b.disk.RemoveFile(rspfile)
	}

	b.status.BuildEdgeFinished(edge, startTimeMillis, endTimeMillis, true, result.Output)
	b.plan.EdgeFinished(edge, kEdgeSucceeded)
	return nil
}

// SetBuildLog swaps the command log; used by tests.
func (b *Builder) SetBuildLog(log *BuildLog) {
	b.scan.SetBuildLog(log)
}

// ExtractDeps reads the dependencies a finished command discovered.
func (b *Builder) ExtractDeps(result *Result, depsType string) ([]*Node, error) {
	if depsType != "gcc" {
		return nil, fmt.Errorf("unknown deps type '%s'", depsType)
	}
	depfile := result.Edge.GetUnescapedDepfile()
	if depfile == "" {
		return nil, errors.New("edge with deps=gcc but no depfile makes no sense")
	}

	// Read depfile content.  Treat a missing depfile as empty.
	content, err := b.disk.ReadFile(depfile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(content) == 0 {
		return nil, nil
	}

	var deps DepfileParser
	if err := deps.Parse(content); err != nil {
		return nil, fmt.Errorf("%s: %w", depfile, err)
	}

	nodes := make([]*Node, 0, len(deps.Ins()))
	for _, in := range deps.Ins() {
		path, slashBits, err := CanonicalizePath(in)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, b.state.GetNode(path, slashBits))
	}

	if !b.config.KeepDepfile {
		if _, err := b.disk.RemoveFile(depfile); err != nil {
			return nil, fmt.Errorf("deleting depfile: %w", err)
		}
	}
	return nodes, nil
}

func nodePaths(nodes []*Node) []string {
	paths := make([]string, len(nodes))
	for i, n := range nodes {
		paths[i] = n.Path()
	}
	return paths
}

func sortEdgesByID(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].id < edges[j].id })
}
