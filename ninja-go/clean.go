package ninja_go

import (
	"fmt"
	"io"
	"sort"

	"github.com/edwingeng/deque"
)

// Cleaner removes built outputs, together with the depfiles and rspfiles of
// their edges.
type Cleaner struct {
	state        *State
	config       *BuildConfig
	disk         DiskInterface
	out          io.Writer
	removed      map[string]bool
	cleaned      map[*Node]bool
	cleanedCount int
	status       int
}

func NewCleaner(state *State, config *BuildConfig, disk DiskInterface, out io.Writer) *Cleaner {
	c := &Cleaner{state: state, config: config, disk: disk, out: out}
	c.Reset()
	return c
}

func (c *Cleaner) CleanedFilesCount() int { return c.cleanedCount }

func (c *Cleaner) fileExists(path string) bool {
	mtime, err := c.disk.Stat(path)
	if err != nil {
		Error("%v", err)
		return false
	}
	return mtime > 0
}

func (c *Cleaner) report(path string) {
	c.cleanedCount++
	if c.isVerbose() {
		fmt.Fprintf(c.out, "Remove %s\n", path)
	}
}

// / @return whether the cleaner is in verbose mode.
func (c *Cleaner) isVerbose() bool {
	return c.config.Verbosity != QUIET && (c.config.Verbosity == VERBOSE || c.config.DryRun)
}

func (c *Cleaner) remove(path string) {
	if c.removed[path] {
		return
	}
	c.removed[path] = true
	if c.config.DryRun {
		if c.fileExists(path) {
			c.report(path)
		}
		return
	}
	removed, err := c.disk.RemoveFile(path)
	switch {
	case err != nil:
		Error("%v", err)
		c.status = 1
	case removed:
		c.report(path)
	}
}

func (c *Cleaner) removeEdgeFiles(edge *Edge) {
	if depfile := edge.GetUnescapedDepfile(); depfile != "" {
		c.remove(depfile)
	}
	if rspfile := edge.GetUnescapedRspfile(); rspfile != "" {
		c.remove(rspfile)
	}
}

func (c *Cleaner) printHeader() {
	if c.config.Verbosity == QUIET {
		return
	}
	fmt.Fprint(c.out, "Cleaning...")
	if c.isVerbose() {
		fmt.Fprint(c.out, "\n")
	} else {
		fmt.Fprint(c.out, " ")
	}
}

func (c *Cleaner) printFooter() {
	if c.config.Verbosity == QUIET {
		return
	}
	fmt.Fprintf(c.out, "%d files.\n", c.cleanedCount)
}

// CleanAll removes every output of the manifest. Generator outputs are kept
// unless generator is set.
func (c *Cleaner) CleanAll(generator bool) int {
	c.Reset()
	c.printHeader()
	for _, e := range c.state.Edges() {
		// Do not try to remove phony targets
		if e.IsPhony() {
			continue
		}
		if !generator && e.GetBindingBool("generator") {
			continue
		}
		for _, out := range e.outputs {
			c.remove(out.Path())
		}
		c.removeEdgeFiles(e)
	}
	c.printFooter()
	return c.status
}

// CleanDead removes outputs recorded in the build log that the manifest no
// longer produces.
func (c *Cleaner) CleanDead(entries map[string]*LogEntry) int {
	c.Reset()
	c.printHeader()
	paths := make([]string, 0, len(entries))
	for path := range entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		// A path is dead when it has no node, or when its node is neither
		// produced nor consumed (a leftover of a stale deps log record).
		n := c.state.LookupNode(path)
		if n == nil || (n.InEdge() == nil && len(n.OutEdges()) == 0) {
			c.remove(path)
		}
	}
	c.printFooter()
	return c.status
}

// doCleanTarget removes target and everything built on the way to it.
func (c *Cleaner) doCleanTarget(target *Node) {
	queue := deque.NewDeque()
	queue.PushBack(target)
	c.cleaned[target] = true
	for !queue.Empty() {
		node := queue.PopFront().(*Node)
		e := node.InEdge()
		if e == nil {
			continue
		}
		if !e.IsPhony() {
			c.remove(node.Path())
			c.removeEdgeFiles(e)
		}
		for _, in := range e.inputs {
			if !c.cleaned[in] {
				c.cleaned[in] = true
				queue.PushBack(in)
			}
		}
	}
}

func (c *Cleaner) CleanTarget(target *Node) int {
	c.Reset()
	c.printHeader()
	c.doCleanTarget(target)
	c.printFooter()
	return c.status
}

// CleanTargets cleans each named target. Unknown names are reported and
// make the result non-zero.
func (c *Cleaner) CleanTargets(targets []string) int {
	c.Reset()
	c.printHeader()
	for _, name := range targets {
		path, _, err := CanonicalizePath(name)
		if err != nil {
			Error("failed to canonicalize '%s': %v", name, err)
			c.status = 1
			continue
		}
		target := c.state.LookupNode(path)
		if target == nil {
			Error("unknown target '%s'", name)
			c.status = 1
			continue
		}
		if c.isVerbose() {
			fmt.Fprintf(c.out, "Target %s\n", path)
		}
		c.doCleanTarget(target)
	}
	c.printFooter()
	return c.status
}

func (c *Cleaner) doCleanRule(rule *Rule) {
	for _, e := range c.state.Edges() {
		if e.rule.Name() != rule.Name() {
			continue
		}
		for _, out := range e.outputs {
			c.remove(out.Path())
		}
		c.removeEdgeFiles(e)
	}
}

// CleanRules removes the outputs of every edge using one of rules.
func (c *Cleaner) CleanRules(rules []string) int {
	c.Reset()
	c.printHeader()
	for _, name := range rules {
		rule := c.state.Bindings().LookupRule(name)
		if rule == nil {
			Error("unknown rule '%s'", name)
			c.status = 1
			continue
		}
		if c.isVerbose() {
			fmt.Fprintf(c.out, "Rule %s\n", name)
		}
		c.doCleanRule(rule)
	}
	c.printFooter()
	return c.status
}

func (c *Cleaner) Reset() {
	c.status = 0
	c.cleanedCount = 0
	c.removed = map[string]bool{}
	c.cleaned = map[*Node]bool{}
}
