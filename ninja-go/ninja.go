package ninja_go

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~sircmpwn/getopt"
)

// Process exit codes.
const (
	ExitCodeSuccess     = 0
	ExitCodeFailure     = 1
	ExitCodeUsage       = 2
	ExitCodeInterrupted = 130
)

// A manifest is rebuilt at most once per invocation; the second pass must
// find it clean.
const manifestPasses = 2

// / Command-line options.
type Options struct {
	/// Build file to load.
	InputFile string

	/// Directory to change into before running.
	WorkingDir string

	/// Config file given with -c.
	ConfigFile string

	/// Tool to run rather than building.
	Tool *Tool

	/// Whether phony cycles should warn or print an error.
	PhonyCycleShouldErr bool

	LogLevel    string
	Explain     bool
	NoStatCache bool

	// Build flags; nil when not given so the config file applies.
	jobs        *int
	keepGoing   *int
	maxLoad     *float64
	maxMemory   *float64
	verbosity   *Verbosity
	dryRun      bool
	keepDepfile bool
	keepRsp     bool
}

// applyTo copies the flags that were given into config.
func (o *Options) applyTo(config *BuildConfig) {
	if o.jobs != nil {
		config.Parallelism = *o.jobs
	}
	if o.keepGoing != nil {
		config.FailuresAllowed = keepGoingValue(*o.keepGoing)
	}
	if o.maxLoad != nil {
		config.MaxLoadAverage = *o.maxLoad
	}
	if o.maxMemory != nil {
		config.MaxMemoryUsage = *o.maxMemory
	}
	if o.verbosity != nil {
		config.Verbosity = *o.verbosity
	}
	config.DryRun = o.dryRun
	config.KeepDepfile = o.keepDepfile
	config.KeepRsp = o.keepRsp
}

func (o *Options) parserOptions() ManifestParserOptions {
	opts := ManifestParserOptions{}
	if o.PhonyCycleShouldErr {
		opts.PhonyCycleAction = kPhonyCycleActionError
	}
	return opts
}

type When int8

const (
	/// Run after parsing the command-line flags and potentially changing
	/// the current working directory (as early as possible).
	RUN_AFTER_FLAGS When = iota

	/// Run after loading build.ninja.
	RUN_AFTER_LOAD

	/// Run after loading the build/deps logs.
	RUN_AFTER_LOGS
)

// / The type of functions that are the entry points to tools (subcommands).
type ToolFunc func(m *NinjaMain, ctx context.Context, options *Options, args []string) int

// / Subtools, accessible via "-t foo".
type Tool struct {
	/// Short name of the tool.
	Name string

	/// Description (shown in "-t list").
	Desc string

	/// When to run the tool.
	When When

	/// Implementation of the tool.
	Func ToolFunc
}

// NinjaMain is one pass over the manifest: the loaded state, the logs and
// the lock that guards them.
type NinjaMain struct {
	/// Command line used to run Ninja.
	ninjaCommand string

	/// Build configuration set from flags (e.g. parallelism).
	config     *BuildConfig
	fileConfig *Config

	/// Loaded state (rules, nodes).
	state *State

	/// Functions for accessing the disk.
	disk *RealDiskInterface

	/// The build directory, used for storing the build log etc.
	buildDir string

	buildLog *BuildLog
	depsLog  *DepsLog
	hashLog  *HashLog
	lock     *LockFile

	explanations    *Explanations
	statCache       bool
	manifest        string
	startTimeMillis int64
	status          Status
	logger          *slog.Logger
	out             io.Writer

	// The run this pass belongs to; tools that rebuild use it.
	inv *invocation
}

func NewNinjaMain(ninjaCommand string, config *BuildConfig, fileConfig *Config, status Status) *NinjaMain {
	m := &NinjaMain{
		ninjaCommand:    ninjaCommand,
		config:          config,
		fileConfig:      fileConfig,
		state:           NewState(),
		disk:            NewRealDiskInterface(),
		buildLog:        NewBuildLog(),
		depsLog:         NewDepsLog(),
		hashLog:         NewHashLog(ContentHasher{}),
		statCache:       true,
		startTimeMillis: GetTimeMillis(),
		status:          status,
		logger:          config.logger(),
		out:             os.Stdout,
	}
	sync := fileConfig.SyncLogs()
	m.buildLog.SetSync(sync)
	m.depsLog.SetSync(sync)
	m.hashLog.SetSync(sync)
	return m
}

// Close closes the logs and releases the lock.
func (m *NinjaMain) Close() error {
	err := errors.Join(m.buildLog.Close(), m.depsLog.Close(), m.hashLog.Close())
	if m.lock != nil {
		err = errors.Join(err, m.lock.Unlock())
		m.lock = nil
	}
	return err
}

func (m *NinjaMain) EnsureBuildDirExists() error {
	m.buildDir = m.state.Bindings().LookupVariable("builddir")
	if m.buildDir != "" && !m.config.DryRun {
		if err := MakeDirs(m.disk, m.buildDir+"/."); err != nil {
			return fmt.Errorf("creating build directory %s: %w", m.buildDir, err)
		}
	}
	return nil
}

func (m *NinjaMain) logPath(name string) string {
	if m.buildDir != "" {
		return m.buildDir + "/" + name
	}
	return name
}

// AcquireLock takes the build-directory lock. Dry runs write nothing and
// don't lock. Within an invocation the lock outlives this pass.
func (m *NinjaMain) AcquireLock() error {
	if m.config.DryRun || m.lock != nil {
		return nil
	}
	if m.inv != nil {
		return m.inv.acquireLock(LockFilePath(m.state))
	}
	lock, err := AcquireLock(LockFilePath(m.state))
	if err != nil {
		return err
	}
	m.lock = lock
	return nil
}

// reportLoad turns a log load result into a warning, or an error for
// anything but a recovered corruption.
func (m *NinjaMain) reportLoad(what, path string, status LoadStatus, err error) error {
	if err == nil {
		return nil
	}
	var corrupt *LogCorruptionWarning
	if status != LOAD_ERROR && errors.As(err, &corrupt) {
		m.status.Warning("%v", err)
		m.logger.Info("log recovered", "log", what, "path", path, "offset", corrupt.Offset)
		return nil
	}
	return err
}

// reportOpen downgrades a failed recompaction to a warning; the log stays
// open for appending.
func (m *NinjaMain) reportOpen(what string, err error) error {
	if err == nil {
		return nil
	}
	var compaction *CompactionWarning
	if errors.As(err, &compaction) {
		m.status.Warning("%v", err)
		m.logger.Warn("log recompaction failed", "log", what, "path", compaction.Path, "err", compaction.Err)
		return nil
	}
	return fmt.Errorf("opening %s log: %w", what, err)
}

// / Open the build log.
func (m *NinjaMain) OpenBuildLog(recompactOnly bool) error {
	path := m.logPath(".ninja_log")
	status, err := m.buildLog.Load(path)
	if err := m.reportLoad("build", path, status, err); err != nil {
		return err
	}
	m.logger.Debug("loaded build log", "path", path, "entries", len(m.buildLog.Entries()))

	if recompactOnly {
		if status == LOAD_NOT_FOUND {
			return nil
		}
		if err := m.buildLog.Recompact(path, m); err != nil {
			return fmt.Errorf("failed recompaction: %w", err)
		}
		return nil
	}

	if !m.config.DryRun {
		if m.buildLog.NeedsRecompaction() {
			m.logger.Info("recompacting build log", "path", path)
		}
		if err := m.reportOpen("build", m.buildLog.OpenForWrite(path, m)); err != nil {
			return err
		}
	}
	return nil
}

// / Open the deps log: load it, then open for writing.
func (m *NinjaMain) OpenDepsLog(recompactOnly bool) error {
	path := m.logPath(".ninja_deps")
	status, err := m.depsLog.Load(path, m.state)
	if err := m.reportLoad("deps", path, status, err); err != nil {
		return err
	}
	m.logger.Debug("loaded deps log", "path", path, "nodes", len(m.depsLog.Nodes()))

	if recompactOnly {
		if status == LOAD_NOT_FOUND {
			return nil
		}
		if err := m.depsLog.Recompact(path); err != nil {
			return fmt.Errorf("failed recompaction: %w", err)
		}
		return nil
	}

	if !m.config.DryRun {
		if err := m.reportOpen("deps", m.depsLog.OpenForWrite(path)); err != nil {
			return err
		}
	}
	return nil
}

// OpenHashLog opens the content-hash log. A log in an unknown format is
// discarded, never fatal.
func (m *NinjaMain) OpenHashLog(recompactOnly bool) error {
	path := m.logPath(".ninja_hash")
	status, err := m.hashLog.Load(path, m.state)
	if err != nil {
		var corrupt *LogCorruptionWarning
		if !errors.As(err, &corrupt) {
			return err
		}
		m.status.Warning("%v", err)
	}

	if recompactOnly {
		if status == LOAD_NOT_FOUND {
			return nil
		}
		if err := m.hashLog.Recompact(path); err != nil {
			return fmt.Errorf("failed recompaction: %w", err)
		}
		return nil
	}

	if !m.config.DryRun {
		if err := m.reportOpen("hash", m.hashLog.OpenForWrite(path)); err != nil {
			return err
		}
	}
	return nil
}

// OpenLogs creates the build directory, locks it and opens the three logs.
func (m *NinjaMain) OpenLogs(recompactOnly bool) error {
	if err := m.EnsureBuildDirExists(); err != nil {
		return err
	}
	if err := m.AcquireLock(); err != nil {
		return err
	}
	if err := m.OpenBuildLog(recompactOnly); err != nil {
		return err
	}
	if err := m.OpenDepsLog(recompactOnly); err != nil {
		return err
	}
	return m.OpenHashLog(recompactOnly)
}

func (m *NinjaMain) IsPathDead(s string) bool {
	n := m.state.LookupNode(s)
	if n != nil && n.InEdge() != nil {
		return false
	}
	// Just checking n isn't enough: If an old output is both in the build log
	// and in the deps log, it will have a Node object in state.
	// Do keep entries around for files which still exist on disk, for
	// generators that want to use this information.
	mtime, err := m.disk.Stat(s)
	if err != nil {
		m.status.Error("%v", err) // Log and ignore Stat() errors.
	}
	return mtime == 0
}

func (m *NinjaMain) newBuilder(status Status) *Builder {
	return NewBuilder(m.state, m.config, m.buildLog, m.depsLog, m.hashLog,
		m.disk, status, m.startTimeMillis, m.explanations)
}

// / Rebuild the build manifest, if necessary. Reports whether the manifest
// / was rebuilt. With allowRebuild unset a dirty manifest is an error.
func (m *NinjaMain) RebuildManifest(ctx context.Context, inputFile string, allowRebuild bool) (bool, error) {
	path, _, err := CanonicalizePath(inputFile)
	if err != nil {
		return false, err
	}
	node := m.state.LookupNode(path)
	if node == nil {
		return false, nil
	}

	builder := m.newBuilder(m.status)
	if _, err := builder.AddTarget(node); err != nil {
		return false, err
	}
	if builder.AlreadyUpToDate() {
		return false, nil // Not an error, but we didn't rebuild.
	}
	if !allowRebuild {
		return false, fmt.Errorf("manifest '%s' still dirty after %d tries, perhaps system time is not set",
			inputFile, manifestPasses-1)
	}
	m.logger.Info("rebuilding manifest", "path", path)
	if err := builder.Build(ctx); err != nil {
		return false, err
	}

	// The manifest was only rebuilt if it is now dirty (it may have been cleaned
	// by a restat).
	if !node.Dirty() {
		// Reset the state to prevent problems like
		// https://github.com/ninja-build/ninja/issues/874
		m.state.Reset()
		return false, nil
	}
	return true, nil
}

// CollectTarget resolves a command-line path. "foo.c^" names the first
// output built from foo.c.
func (m *NinjaMain) CollectTarget(cpath string) (*Node, error) {
	path, slashBits, err := CanonicalizePath(cpath)
	if err != nil {
		return nil, err
	}

	firstDependent := false
	if strings.HasSuffix(path, "^") {
		path = path[:len(path)-1]
		firstDependent = true
	}

	node := m.state.LookupNode(path)
	if node == nil {
		missing := &MissingInputError{Path: PathDecanonicalized(path, slashBits)}
		switch path {
		case "clean":
			missing.Suggestion = "ninja -t clean"
		case "help":
			missing.Suggestion = "ninja -h"
		default:
			if suggestion := m.state.SpellcheckNode(path); suggestion != nil {
				missing.Suggestion = suggestion.Path()
			}
		}
		return nil, missing
	}

	if firstDependent {
		if len(node.OutEdges()) == 0 {
			revDeps := m.depsLog.GetFirstReverseDepsNode(node)
			if revDeps == nil {
				return nil, fmt.Errorf("'%s' has no out edge", path)
			}
			return revDeps, nil
		}
		edge := node.OutEdges()[0]
		if len(edge.outputs) == 0 {
			return nil, fmt.Errorf("edge consuming '%s' has no outputs", path)
		}
		return edge.outputs[0], nil
	}
	return node, nil
}

func (m *NinjaMain) CollectTargetsFromArgs(args []string) ([]*Node, error) {
	if len(args) == 0 {
		return m.state.DefaultNodes()
	}
	targets := make([]*Node, 0, len(args))
	for _, arg := range args {
		node, err := m.CollectTarget(arg)
		if err != nil {
			return nil, err
		}
		targets = append(targets, node)
	}
	return targets, nil
}

// targetOnlyFailure reports whether err fails just the target it came from.
// Graph errors abort the whole invocation; a missing source only fails the
// branch that needs it.
func targetOnlyFailure(err error) bool {
	if IsGraphError(err) {
		return false
	}
	var ms *MissingSourceError
	return errors.As(err, &ms)
}

// RunBuild builds the requested targets and returns the exit code. A target
// whose sources are missing fails on its own; the others still build.
func (m *NinjaMain) RunBuild(ctx context.Context, args []string) int {
	targets, err := m.CollectTargetsFromArgs(args)
	if err != nil {
		m.status.Error("%v", err)
		return ExitCodeFailure
	}

	// A cycle anywhere under the requested targets fails the build before
	// anything is stat'ed or run.
	if err := DetectCycle(targets); err != nil {
		m.status.Error("%v", err)
		return ExitCodeFailure
	}

	m.disk.AllowStatCache(m.statCache)

	builder := m.newBuilder(m.status)
	var missing int
	for _, target := range targets {
		if _, err := builder.AddTarget(target); err != nil {
			m.status.Error("%v", err)
			if !targetOnlyFailure(err) {
				return ExitCodeFailure
			}
			missing++
		}
	}

	// Make sure restat rules do not see stale timestamps.
	m.disk.AllowStatCache(false)

	if builder.AlreadyUpToDate() {
		summary := builder.Summary()
		if missing > 0 {
			summary.Outcome = OutcomeFailed
			m.recordHistory(summary, args)
			return ExitCodeFailure
		}
		summary.Outcome = OutcomeUpToDate
		if m.config.Verbosity != NO_STATUS_UPDATE {
			m.status.Info("no work to do.")
		}
		m.recordHistory(summary, args)
		return ExitCodeSuccess
	}

	buildErr := builder.Build(ctx)
	summary := builder.Summary()
	if missing > 0 && summary.Outcome != OutcomeInterrupted {
		summary.Outcome = OutcomeFailed
	}
	m.logger.Info("build finished", "outcome", summary.Outcome.String(),
		"considered", summary.EdgesConsidered, "executed", summary.EdgesExecuted,
		"failed", summary.EdgesFailed(), "elapsed", summary.Elapsed)
	m.recordHistory(summary, args)

	if buildErr != nil {
		m.status.Info("build stopped: %v.", buildErr)
		if errors.Is(buildErr, ErrInterrupted) {
			return ExitCodeInterrupted
		}
		return ExitCodeFailure
	}
	if missing > 0 {
		return ExitCodeFailure
	}
	return ExitCodeSuccess
}

// recordHistory appends the build to the history store when it is enabled.
// History problems never fail the build.
func (m *NinjaMain) recordHistory(summary BuildSummary, targets []string) {
	if !m.fileConfig.History.Enabled || m.config.DryRun {
		return
	}
	store, err := OpenHistory(m.historyPath())
	if err != nil {
		m.status.Warning("%v", err)
		return
	}
	defer store.Close()
	id, err := store.Record(summary, time.UnixMilli(m.startTimeMillis), m.manifest, targets)
	if err != nil {
		m.status.Warning("%v", err)
		return
	}
	m.logger.Debug("recorded build history", "id", id)

	expired, err := store.Expire(time.Now().Add(-m.fileConfig.History.Retention))
	if err != nil {
		m.status.Warning("%v", err)
		return
	}
	if expired > 0 {
		m.logger.Debug("expired build history", "builds", expired)
	}
}

func (m *NinjaMain) historyPath() string {
	return m.fileConfig.History.Path
}

func (m *NinjaMain) DumpMetrics(w io.Writer) {
	GMetrics.Report(w)
	fmt.Fprintf(w, "\npath->node entries: %d\n", len(m.state.paths))
}

// / Choose a default value for the -j (parallelism) flag.
func GuessParallelism() int {
	switch processors := GetProcessorCount(); processors {
	case 0, 1:
		return 2
	case 2:
		return 3
	default:
		return processors + 2
	}
}

// / Set a warning flag. Returns an exit code, or -1 to continue.
func WarningEnable(name string, options *Options) int {
	switch name {
	case "list":
		fmt.Printf("warning flags:\n  phonycycle={err,warn}  phony build statement references itself\n")
		return ExitCodeSuccess
	case "phonycycle=err":
		options.PhonyCycleShouldErr = true
	case "phonycycle=warn":
		options.PhonyCycleShouldErr = false
	default:
		if suggestion := SpellcheckString(name, "phonycycle=err", "phonycycle=warn"); suggestion != "" {
			Error("unknown warning flag '%s', did you mean '%s'?", name, suggestion)
		} else {
			Error("unknown warning flag '%s'", name)
		}
		return ExitCodeUsage
	}
	return -1
}

// / Enable a debugging mode. Returns an exit code, or -1 to continue.
func DebugEnable(name string, options *Options) int {
	if level, ok := strings.CutPrefix(name, "log="); ok {
		switch level {
		case "debug", "info", "warn", "error":
			options.LogLevel = level
			return -1
		}
		Error("unknown log level '%s' (must be debug, info, warn or error)", level)
		return ExitCodeUsage
	}
	switch name {
	case "list":
		fmt.Printf("debugging modes:\n" +
			"  stats        print operation counts/timing info\n" +
			"  explain      explain what caused a command to execute\n" +
			"  keepdepfile  don't delete depfiles after they're read by ninja\n" +
			"  keeprsp      don't delete @response files on success\n" +
			"  nostatcache  don't batch stat() calls per directory and cache them\n" +
			"  log=LEVEL    print diagnostics at LEVEL (debug, info, warn, error)\n" +
			"multiple modes can be enabled via -d FOO -d BAR\n")
		return ExitCodeSuccess
	case "stats":
		GMetrics = NewMetrics()
	case "explain":
		options.Explain = true
	case "keepdepfile":
		options.keepDepfile = true
	case "keeprsp":
		options.keepRsp = true
	case "nostatcache":
		options.NoStatCache = true
	default:
		if suggestion := SpellcheckString(name, "stats", "explain", "keepdepfile", "keeprsp", "nostatcache", "log=debug"); suggestion != "" {
			Error("unknown debug setting '%s', did you mean '%s'?", name, suggestion)
		} else {
			Error("unknown debug setting '%s'", name)
		}
		return ExitCodeUsage
	}
	return -1
}

// splitToolArgs cuts argv after "-t NAME": everything later belongs to the
// tool, not to the top-level flags.
func splitToolArgs(args []string) (top, rest []string) {
	for i := 1; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--" || !strings.HasPrefix(arg, "-"):
			return args, nil
		case arg == "-t" && i+1 < len(args):
			return args[:i+2], args[i+2:]
		case strings.HasPrefix(arg, "-t") && len(arg) > 2:
			return args[:i+1], args[i+1:]
		case len(arg) == 2 && strings.ContainsRune("dfjklmwCc", rune(arg[1])):
			i++ // skip the flag's value
		}
	}
	return args, nil
}

// longFlags maps the accepted long options onto short ones.
var longFlags = map[string]string{
	"--help":    "-h",
	"--verbose": "-v",
	"--quiet":   "-q",
	"--version": "-V",
}

// / Parse argv for command-line options. Returns the remaining arguments
// / and an exit code, or -1 if Ninja should continue.
func ReadFlags(args []string, options *Options) ([]string, int) {
	top, toolArgs := splitToolArgs(args)
	top = append([]string(nil), top...)
	for i := 1; i < len(top); i++ {
		if top[i] == "--" {
			break
		}
		if short, ok := longFlags[top[i]]; ok {
			top[i] = short
		}
	}

	opts, optind, err := getopt.Getopts(top, "c:d:f:hj:k:l:m:nqt:vVw:C:")
	if err != nil {
		Error("%v", err)
		UsageMain(os.Stderr)
		return nil, ExitCodeUsage
	}
	rest := append(append([]string(nil), top[optind:]...), toolArgs...)

	for _, opt := range opts {
		optarg := opt.Value
		switch opt.Option {
		case 'c':
			options.ConfigFile = optarg
		case 'd':
			if code := DebugEnable(optarg, options); code >= 0 {
				return nil, code
			}
		case 'f':
			options.InputFile = optarg
		case 'j':
			value, err := strconv.Atoi(optarg)
			if err != nil || value < 0 {
				Error("invalid -j parameter")
				return nil, ExitCodeUsage
			}
			// We want to run N jobs in parallel. For N = 0, INT_MAX
			// is close enough to infinite for most sane builds.
			if value == 0 {
				value = math.MaxInt
			}
			options.jobs = &value
		case 'k':
			value, err := strconv.Atoi(optarg)
			if err != nil {
				Error("-k parameter not numeric; did you mean -k 0?")
				return nil, ExitCodeUsage
			}
			options.keepGoing = &value
		case 'l':
			value, err := strconv.ParseFloat(optarg, 64)
			if err != nil {
				Error("-l parameter not numeric: did you mean -l 0.0?")
				return nil, ExitCodeUsage
			}
			options.maxLoad = &value
		case 'm':
			value, err := strconv.ParseFloat(optarg, 64)
			if err != nil || value <= 0 || value > 100 {
				Error("-m parameter must be a percentage in (0,100]")
				return nil, ExitCodeUsage
			}
			value /= 100
			options.maxMemory = &value
		case 'n':
			options.dryRun = true
		case 't':
			tool, code := ChooseTool(optarg)
			if tool == nil {
				return nil, code
			}
			options.Tool = tool
		case 'v':
			v := VERBOSE
			options.verbosity = &v
		case 'q':
			v := NO_STATUS_UPDATE
			options.verbosity = &v
		case 'w':
			if code := WarningEnable(optarg, options); code >= 0 {
				return nil, code
			}
		case 'C':
			options.WorkingDir = optarg
		case 'V':
			fmt.Printf("%s\n", kNinjaVersion)
			return nil, ExitCodeSuccess
		case 'h':
			UsageMain(os.Stdout)
			return nil, ExitCodeSuccess
		}
	}
	return rest, -1
}

// / Print usage information.
func UsageMain(w io.Writer) {
	fmt.Fprintf(w,
		"usage: ninja [options] [targets...]\n"+
			"\n"+
			"if targets are unspecified, builds the 'default' target (see manual).\n"+
			"\n"+
			"options:\n"+
			"  --version      print ninja version (\"%s\")\n"+
			"  -v, --verbose  show all command lines while building\n"+
			"  --quiet        don't show progress status, just command output\n"+
			"\n"+
			"  -C DIR   change to DIR before doing anything else\n"+
			"  -f FILE  specify input build file [default=build.ninja]\n"+
			"  -c FILE  read settings from FILE [default=.ninja.yaml if present]\n"+
			"\n"+
			"  -j N     run N jobs in parallel (0 means infinity) [default=%d on this system]\n"+
			"  -k N     keep going until N jobs fail (0 means infinity) [default=1]\n"+
			"  -l N     do not start new jobs if the load average is greater than N\n"+
			"  -m PCT   do not start new jobs while memory use is above PCT percent\n"+
			"  -n       dry run (don't run commands but act like they succeeded)\n"+
			"\n"+
			"  -d MODE  enable debugging (use '-d list' to list modes)\n"+
			"  -t TOOL  run a subtool (use '-t list' to list subtools)\n"+
			"    terminates toplevel options; further flags are passed to the tool\n"+
			"  -w FLAG  adjust warnings (use '-w list' to list warnings)\n",
		kNinjaVersion, GuessParallelism())
}

// invocation carries what every pass of one ninja run shares.
type invocation struct {
	ninjaCommand string
	options      *Options
	config       *BuildConfig
	fileConfig   *Config
	status       Status

	// Held from the first pass that opens the logs until releaseLock.
	lock *LockFile
}

func (inv *invocation) acquireLock(path string) error {
	if inv.lock != nil && inv.lock.Path() == path {
		return nil
	}
	lock, err := AcquireLock(path)
	if err != nil {
		return err
	}
	// A regenerated manifest may have moved builddir.
	inv.releaseLock()
	inv.lock = lock
	return nil
}

func (inv *invocation) releaseLock() {
	if inv.lock == nil {
		return
	}
	if err := inv.lock.Unlock(); err != nil {
		inv.status.Error("%v", err)
	}
	inv.lock = nil
}

// RealMain runs ninja with argv and returns the process exit code.
func RealMain(ctx context.Context, args []string) int {
	if len(args) == 0 {
		args = []string{"ninja"}
	}
	options := &Options{InputFile: "build.ninja"}
	rest, code := ReadFlags(args, options)
	if code >= 0 {
		return code
	}

	if options.WorkingDir != "" {
		// The formatting of this string, complete with funny quotes, is
		// so Emacs can properly identify that the cwd has changed for
		// subsequent commands.
		// Don't print this if a tool is being used, so that tool output
		// can be piped into a file without this string showing up.
		if options.Tool == nil && (options.verbosity == nil || *options.verbosity != NO_STATUS_UPDATE) {
			Info("Entering directory `%s'", options.WorkingDir)
		}
		if err := os.Chdir(options.WorkingDir); err != nil {
			Error("chdir to '%s' - %v", options.WorkingDir, err)
			return ExitCodeFailure
		}
	}

	fileConfig, err := LoadConfig(ConfigPath(options.ConfigFile))
	if err != nil {
		Error("%v", err)
		return ExitCodeUsage
	}

	config := NewBuildConfig()
	config.Parallelism = GuessParallelism()
	fileConfig.ApplyTo(config)
	options.applyTo(config)

	logLevel := fileConfig.Log.Level
	if options.LogLevel != "" {
		logLevel = options.LogLevel
	}
	config.Logger = newLogger(logLevel, fileConfig.Log.Format, os.Stderr)

	inv := &invocation{
		ninjaCommand: args[0],
		options:      options,
		config:       config,
		fileConfig:   fileConfig,
		status:       NewStatusPrinter(config),
	}
	defer inv.releaseLock()

	if options.Tool != nil && options.Tool.When == RUN_AFTER_FLAGS {
		// None of the RUN_AFTER_FLAGS tools load a manifest.
		m := NewNinjaMain(inv.ninjaCommand, config, fileConfig, inv.status)
		m.inv = inv
		defer m.Close()
		return options.Tool.Func(m, ctx, options, rest)
	}
	return inv.run(ctx, rest)
}

// run loads the manifest and builds, restarting once if the manifest
// rebuilt itself.
func (inv *invocation) run(ctx context.Context, args []string) int {
	for pass := 1; pass <= manifestPasses; pass++ {
		m := NewNinjaMain(inv.ninjaCommand, inv.config, inv.fileConfig, inv.status)
		m.inv = inv
		code, restart := inv.runPass(ctx, m, args, pass < manifestPasses)
		if err := m.Close(); err != nil {
			inv.status.Error("%v", err)
			if code == ExitCodeSuccess {
				code = ExitCodeFailure
			}
		}
		if !restart {
			return code
		}
		inv.config.logger().Info("manifest rebuilt; restarting", "pass", pass)
	}
	return ExitCodeFailure // not reached: the last pass never restarts
}

func (inv *invocation) runPass(ctx context.Context, m *NinjaMain, args []string, allowRebuild bool) (int, bool) {
	options := inv.options
	if options.Explain {
		m.explanations = NewExplanations()
	}

	parser := NewManifestParser(m.state, m.disk, options.parserOptions())
	if err := parser.Load(options.InputFile); err != nil {
		inv.status.Error("%v", err)
		return ExitCodeFailure, false
	}
	m.manifest = options.InputFile

	if options.Tool != nil && options.Tool.When == RUN_AFTER_LOAD {
		return options.Tool.Func(m, ctx, options, args), false
	}

	if err := m.OpenLogs(false); err != nil {
		inv.status.Error("%v", err)
		return ExitCodeFailure, false
	}

	if options.Tool != nil && options.Tool.When == RUN_AFTER_LOGS {
		return options.Tool.Func(m, ctx, options, args), false
	}

	// Attempt to rebuild the manifest before building anything else
	rebuilt, err := m.RebuildManifest(ctx, options.InputFile, allowRebuild)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			inv.status.Info("build stopped: %v.", err)
			return ExitCodeInterrupted, false
		}
		inv.status.Error("rebuilding '%s': %v", options.InputFile, err)
		return ExitCodeFailure, false
	}
	if rebuilt {
		// In dry_run mode the regeneration will succeed without changing the
		// manifest forever. Better to return immediately.
		if inv.config.DryRun {
			return ExitCodeSuccess, false
		}
		return ExitCodeSuccess, true
	}

	m.statCache = !options.NoStatCache
	code := m.RunBuild(ctx, args)
	if GMetrics != nil {
		m.DumpMetrics(os.Stdout)
	}
	return code, false
}
