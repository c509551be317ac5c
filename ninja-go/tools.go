package ninja_go

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~sircmpwn/getopt"
)

var tools = []Tool{
	{"clean", "clean built files", RUN_AFTER_LOAD, (*NinjaMain).ToolClean},
	{"cleandead", "clean built files that are no longer produced by the manifest", RUN_AFTER_LOGS, (*NinjaMain).ToolCleanDead},
	{"commands", "list all commands required to rebuild given targets", RUN_AFTER_LOAD, (*NinjaMain).ToolCommands},
	{"deps", "show dependencies stored in the deps log", RUN_AFTER_LOGS, (*NinjaMain).ToolDeps},
	{"graph", "output graphviz dot file for targets", RUN_AFTER_LOAD, (*NinjaMain).ToolGraph},
	{"history", "show recent builds from the history store", RUN_AFTER_FLAGS, (*NinjaMain).ToolHistory},
	{"query", "show inputs/outputs for a path", RUN_AFTER_LOGS, (*NinjaMain).ToolQuery},
	{"recompact", "recompacts ninja-internal data structures", RUN_AFTER_LOAD, (*NinjaMain).ToolRecompact},
	{"restat", "restats all outputs in the build log", RUN_AFTER_LOAD, (*NinjaMain).ToolRestat},
	{"rules", "list all rules", RUN_AFTER_LOAD, (*NinjaMain).ToolRules},
	{"targets", "list targets by their rule or depth in the DAG", RUN_AFTER_LOAD, (*NinjaMain).ToolTargets},
	{"watch", "rebuild targets whenever one of their sources changes", RUN_AFTER_LOAD, (*NinjaMain).ToolWatch},
}

// ChooseTool looks up a tool by name. "list" prints the tools. A nil tool
// comes with the exit code to use.
func ChooseTool(name string) (*Tool, int) {
	if name == "list" {
		fmt.Printf("ninja subtools:\n")
		for _, tool := range tools {
			fmt.Printf("%11s  %s\n", tool.Name, tool.Desc)
		}
		return nil, ExitCodeSuccess
	}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], -1
		}
	}

	words := make([]string, 0, len(tools))
	for _, tool := range tools {
		words = append(words, tool.Name)
	}
	if suggestion := SpellcheckStringV(name, words); suggestion != "" {
		Error("unknown tool '%s', did you mean '%s'?", name, suggestion)
	} else {
		Error("unknown tool '%s'", name)
	}
	return nil, ExitCodeUsage
}

// toolGetopts parses a tool's own flags. getopt wants the tool name in
// argv[0].
func toolGetopts(name string, args []string, optstring string) ([]getopt.Option, []string, error) {
	argv := append([]string{name}, args...)
	opts, optind, err := getopt.Getopts(argv, optstring)
	if err != nil {
		return nil, nil, err
	}
	return opts, argv[optind:], nil
}

func (m *NinjaMain) ToolClean(ctx context.Context, options *Options, args []string) int {
	generator := false
	cleanRules := false

	opts, args, err := toolGetopts("clean", args, "hgr")
	if err != nil {
		Error("%v", err)
		return ExitCodeUsage
	}
	for _, opt := range opts {
		switch opt.Option {
		case 'g':
			generator = true
		case 'r':
			cleanRules = true
		default:
			fmt.Fprintf(m.out, "usage: ninja -t clean [options] [targets]\n"+
				"\n"+
				"options:\n"+
				"  -g     also clean files marked as ninja generator output\n"+
				"  -r     interpret targets as a list of rules to clean instead\n")
			return ExitCodeUsage
		}
	}

	if cleanRules && len(args) == 0 {
		Error("expected a rule to clean")
		return ExitCodeUsage
	}

	cleaner := NewCleaner(m.state, m.config, m.disk, m.out)
	switch {
	case len(args) == 0:
		return cleaner.CleanAll(generator)
	case cleanRules:
		return cleaner.CleanRules(args)
	default:
		return cleaner.CleanTargets(args)
	}
}

func (m *NinjaMain) ToolCleanDead(ctx context.Context, options *Options, args []string) int {
	cleaner := NewCleaner(m.state, m.config, m.disk, m.out)
	return cleaner.CleanDead(m.buildLog.Entries())
}

func (m *NinjaMain) ToolCommands(ctx context.Context, options *Options, args []string) int {
	single := false
	opts, args, err := toolGetopts("commands", args, "hs")
	if err != nil {
		Error("%v", err)
		return ExitCodeUsage
	}
	for _, opt := range opts {
		switch opt.Option {
		case 's':
			single = true
		default:
			fmt.Fprintf(m.out, "usage: ninja -t commands [options] [targets]\n"+
				"\n"+
				"options:\n"+
				"  -s     only print the final command to build [target], not the whole chain\n")
			return ExitCodeUsage
		}
	}

	nodes, err := m.CollectTargetsFromArgs(args)
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}

	if single {
		for _, node := range nodes {
			if edge := node.InEdge(); edge != nil && !edge.IsPhony() {
				fmt.Fprintln(m.out, edge.EvaluateCommand(false))
			}
		}
		return ExitCodeSuccess
	}
	collector := NewCommandCollector()
	for _, node := range nodes {
		collector.CollectFrom(node)
	}
	for _, edge := range collector.InEdges {
		fmt.Fprintln(m.out, edge.EvaluateCommand(false))
	}
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolDeps(ctx context.Context, options *Options, args []string) int {
	var nodes []*Node
	if len(args) == 0 {
		for _, n := range m.depsLog.Nodes() {
			if IsDepsEntryLiveFor(n) {
				nodes = append(nodes, n)
			}
		}
	} else {
		var err error
		if nodes, err = m.CollectTargetsFromArgs(args); err != nil {
			Error("%v", err)
			return ExitCodeFailure
		}
	}

	for _, n := range nodes {
		deps := m.depsLog.GetDeps(n)
		if deps == nil {
			fmt.Fprintf(m.out, "%s: deps not found\n", n.Path())
			continue
		}

		mtime, err := m.disk.Stat(n.Path())
		if err != nil {
			Error("%v", err) // Log and ignore Stat() errors;
		}
		state := "VALID"
		if mtime == 0 || mtime != deps.Mtime() {
			state = "STALE"
		}
		fmt.Fprintf(m.out, "%s: #deps %d, deps mtime %d (%s)\n",
			n.Path(), len(deps.Nodes()), deps.Mtime(), state)
		for _, dep := range deps.Nodes() {
			fmt.Fprintf(m.out, "    %s\n", dep.Path())
		}
		fmt.Fprintf(m.out, "\n")
	}
	if stale := m.depsLog.StaleRecords(); stale > 0 {
		fmt.Fprintf(m.out, "(%d stale records skipped)\n", stale)
	}
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolGraph(ctx context.Context, options *Options, args []string) int {
	nodes, err := m.CollectTargetsFromArgs(args)
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}

	graph := NewGraphViz(m.out)
	graph.Start()
	for _, n := range nodes {
		graph.AddTarget(n)
	}
	graph.Finish()
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolHistory(ctx context.Context, options *Options, args []string) int {
	limit := 10
	opts, _, err := toolGetopts("history", args, "hn:")
	if err != nil {
		Error("%v", err)
		return ExitCodeUsage
	}
	for _, opt := range opts {
		switch opt.Option {
		case 'n':
			if limit, err = strconv.Atoi(opt.Value); err != nil || limit <= 0 {
				Error("-n parameter must be a positive number")
				return ExitCodeUsage
			}
		default:
			fmt.Fprintf(m.out, "usage: ninja -t history [-n COUNT]\n")
			return ExitCodeUsage
		}
	}

	path := m.historyPath()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		Info("no build history at %s", path)
		return ExitCodeSuccess
	}
	store, err := OpenHistory(path)
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	defer store.Close()

	records, err := store.Recent(limit)
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	for _, r := range records {
		targets := r.Targets
		if targets == "" {
			targets = "(default)"
		}
		fmt.Fprintf(m.out, "#%d %s %-11s %5dms considered=%d executed=%d failed=%d %s\n",
			r.ID, formatStartTime(r.StartedAt), r.Outcome, r.ElapsedMs,
			r.EdgesConsidered, r.EdgesExecuted, r.EdgesFailed, targets)
		for _, f := range r.Failures {
			fmt.Fprintf(m.out, "    FAILED (%s): %s\n", f.Status, f.Outputs)
		}
	}
	return ExitCodeSuccess
}

func formatStartTime(unixMillis int64) string {
	return time.UnixMilli(unixMillis).Format("2006-01-02 15:04:05")
}

func (m *NinjaMain) ToolQuery(ctx context.Context, options *Options, args []string) int {
	if len(args) == 0 {
		Error("expected a target to query")
		return ExitCodeUsage
	}

	for _, arg := range args {
		node, err := m.CollectTarget(arg)
		if err != nil {
			Error("%v", err)
			return ExitCodeFailure
		}

		fmt.Fprintf(m.out, "%s:\n", node.Path())
		if edge := node.InEdge(); edge != nil {
			if !edge.depsLoaded {
				// Pull in what the deps log knows, without touching dirty state.
				NewImplicitDepLoader(m.state, m.depsLog, m.disk, nil).LoadDepsFromLog(edge)
			}
			fmt.Fprintf(m.out, "  input: %s\n", edge.rule.Name())
			for i, in := range edge.inputs {
				label := ""
				if edge.IsImplicit(i) {
					label = "| "
				} else if edge.IsOrderOnly(i) {
					label = "|| "
				}
				fmt.Fprintf(m.out, "    %s%s\n", label, in.Path())
			}
		}
		fmt.Fprintf(m.out, "  outputs:\n")
		for _, edge := range node.OutEdges() {
			for _, out := range edge.outputs {
				fmt.Fprintf(m.out, "    %s\n", out.Path())
			}
		}
	}
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolRecompact(ctx context.Context, options *Options, args []string) int {
	if err := m.OpenLogs(true); err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolRestat(ctx context.Context, options *Options, args []string) int {
	opts, args, err := toolGetopts("restat", args, "h")
	if err != nil || len(opts) > 0 {
		fmt.Fprintf(m.out, "usage: ninja -t restat [outputs]\n")
		return ExitCodeUsage
	}

	if err := m.EnsureBuildDirExists(); err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	if err := m.AcquireLock(); err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}

	path := m.logPath(".ninja_log")
	status, err := m.buildLog.Load(path)
	if err := m.reportLoad("build", path, status, err); err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	if status == LOAD_NOT_FOUND {
		// Nothing to restat, ignore this
		return ExitCodeSuccess
	}

	if err := m.buildLog.Restat(path, m.disk, args); err != nil {
		Error("failed restat: %v", err)
		return ExitCodeFailure
	}
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolRules(ctx context.Context, options *Options, args []string) int {
	printDescription := false
	opts, _, err := toolGetopts("rules", args, "hd")
	if err != nil {
		Error("%v", err)
		return ExitCodeUsage
	}
	for _, opt := range opts {
		switch opt.Option {
		case 'd':
			printDescription = true
		default:
			fmt.Fprintf(m.out, "usage: ninja -t rules [options]\n"+
				"\n"+
				"options:\n"+
				"  -d     also print the description of the rule\n"+
				"  -h     print this message\n")
			return ExitCodeUsage
		}
	}

	for _, rule := range m.state.Bindings().GetRules() {
		fmt.Fprintf(m.out, "%s", rule.Name())
		if printDescription {
			if description := rule.GetBinding("description"); description != nil {
				fmt.Fprintf(m.out, ": %s", description.Unparse())
			}
		}
		fmt.Fprintf(m.out, "\n")
	}
	return ExitCodeSuccess
}

func (m *NinjaMain) ToolTargets(ctx context.Context, options *Options, args []string) int {
	depth := 1
	if len(args) >= 1 {
		switch mode := args[0]; mode {
		case "rule":
			if len(args) > 1 {
				m.printTargetsOfRule(args[1])
			} else {
				m.printSourceTargets()
			}
			return ExitCodeSuccess
		case "depth":
			if len(args) > 1 {
				d, err := strconv.Atoi(args[1])
				if err != nil {
					Error("invalid depth '%s'", args[1])
					return ExitCodeUsage
				}
				depth = d
			}
		case "all":
			for _, e := range m.state.Edges() {
				for _, out := range e.outputs {
					fmt.Fprintf(m.out, "%s: %s\n", out.Path(), e.rule.Name())
				}
			}
			return ExitCodeSuccess
		default:
			if suggestion := SpellcheckString(mode, "rule", "depth", "all"); suggestion != "" {
				Error("unknown target tool mode '%s', did you mean '%s'?", mode, suggestion)
			} else {
				Error("unknown target tool mode '%s'", mode)
			}
			return ExitCodeUsage
		}
	}

	roots, err := m.state.RootNodes()
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	m.printTargetTree(roots, depth, 0)
	return ExitCodeSuccess
}

// printTargetTree prints nodes and, down to depth levels (all levels when
// depth <= 0), the inputs of the edges producing them.
func (m *NinjaMain) printTargetTree(nodes []*Node, depth, indent int) {
	for _, n := range nodes {
		fmt.Fprint(m.out, strings.Repeat("  ", indent))
		if edge := n.InEdge(); edge != nil {
			fmt.Fprintf(m.out, "%s: %s\n", n.Path(), edge.rule.Name())
			if depth > 1 || depth <= 0 {
				m.printTargetTree(edge.inputs, depth-1, indent+1)
			}
		} else {
			fmt.Fprintf(m.out, "%s\n", n.Path())
		}
	}
}

func (m *NinjaMain) printTargetsOfRule(ruleName string) {
	seen := map[string]bool{}
	for _, e := range m.state.Edges() {
		if e.rule.Name() != ruleName {
			continue
		}
		for _, out := range e.outputs {
			if !seen[out.Path()] {
				seen[out.Path()] = true
				fmt.Fprintf(m.out, "%s\n", out.Path())
			}
		}
	}
}

func (m *NinjaMain) printSourceTargets() {
	seen := map[string]bool{}
	for _, e := range m.state.Edges() {
		for _, in := range e.inputs {
			if in.InEdge() == nil && !seen[in.Path()] {
				seen[in.Path()] = true
				fmt.Fprintf(m.out, "%s\n", in.Path())
			}
		}
	}
}

// ToolWatch builds the targets, then rebuilds each time one of their
// sources or the manifest changes. It returns when interrupted.
func (m *NinjaMain) ToolWatch(ctx context.Context, options *Options, args []string) int {
	sources, err := m.watchSources(args)
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}

	watcher, err := NewSourceWatcher(defaultWatchDebounce, m.logger)
	if err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}
	defer watcher.Close()
	if err := watcher.SetSources(sources); err != nil {
		Error("%v", err)
		return ExitCodeFailure
	}

	buildOptions := *options
	buildOptions.Tool = nil
	build := &invocation{
		ninjaCommand: m.ninjaCommand,
		options:      &buildOptions,
		config:       m.config,
		fileConfig:   m.fileConfig,
		status:       m.status,
	}
	rebuild := func(ctx context.Context) {
		build.run(ctx, args)
		// Let other builds in while idle.
		build.releaseLock()
		if ctx.Err() != nil {
			return
		}
		// The manifest may have changed the source set.
		fresh := NewNinjaMain(m.ninjaCommand, m.config, m.fileConfig, m.status)
		fresh.manifest = options.InputFile
		if err := NewManifestParser(fresh.state, fresh.disk, options.parserOptions()).Load(options.InputFile); err != nil {
			m.status.Error("%v", err)
		} else if srcs, err := fresh.watchSources(args); err == nil {
			watcher.SetSources(srcs)
		}
		m.status.Info("watching %d files for changes", len(watcher.Files()))
	}

	rebuild(ctx)
	err = watcher.Run(ctx, func(ctx context.Context, changed []string) {
		m.status.Info("%s changed; rebuilding", strings.Join(changed, ", "))
		rebuild(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		Error("%v", err)
		return ExitCodeFailure
	}
	return ExitCodeSuccess
}

// watchSources lists the sources behind the requested targets plus the
// manifest itself.
func (m *NinjaMain) watchSources(args []string) ([]string, error) {
	nodes, err := m.CollectTargetsFromArgs(args)
	if err != nil {
		return nil, err
	}
	collector := NewCommandCollector()
	for _, n := range nodes {
		collector.CollectFrom(n)
	}
	sources := []string{}
	if m.manifest != "" {
		sources = append(sources, m.manifest)
	}
	for _, n := range collector.Sources {
		sources = append(sources, n.Path())
	}
	return sources, nil
}
