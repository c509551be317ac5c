package ninja_go

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/segmentio/fasthash/fnv1a"
	"github.com/stretchr/testify/require"
)

type vfsEntry struct {
	mtime    TimeStamp
	contents string
}

// VirtualFileSystem is an in-memory DiskInterface. Files created between
// two Tick calls share an mtime.
type VirtualFileSystem struct {
	now             TimeStamp
	files           map[string]*vfsEntry
	directoriesMade []string
	filesRead       []string
	filesRemoved    map[string]bool
}

func NewVirtualFileSystem() *VirtualFileSystem {
	return &VirtualFileSystem{
		now:          1,
		files:        map[string]*vfsEntry{},
		filesRemoved: map[string]bool{},
	}
}

// Tick advances the clock used for new files.
func (v *VirtualFileSystem) Tick() TimeStamp {
	v.now++
	return v.now
}

func (v *VirtualFileSystem) Create(path, contents string) {
	v.files[path] = &vfsEntry{mtime: v.now, contents: contents}
}

func (v *VirtualFileSystem) Stat(path string) (TimeStamp, error) {
	if e, ok := v.files[path]; ok {
		return e.mtime, nil
	}
	return 0, nil
}

func (v *VirtualFileSystem) WriteFile(path, contents string) error {
	v.Create(path, contents)
	return nil
}

func (v *VirtualFileSystem) MakeDir(path string) error {
	v.directoriesMade = append(v.directoriesMade, path)
	return nil
}

func (v *VirtualFileSystem) ReadFile(path string) ([]byte, error) {
	v.filesRead = append(v.filesRead, path)
	if e, ok := v.files[path]; ok {
		return []byte(e.contents), nil
	}
	return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
}

func (v *VirtualFileSystem) RemoveFile(path string) (bool, error) {
	if _, ok := v.files[path]; !ok {
		return false, nil
	}
	delete(v.files, path)
	v.filesRemoved[path] = true
	return true, nil
}

// HashFile makes the file system usable as the hash log's FileHasher.
func (v *VirtualFileSystem) HashFile(path string) (uint64, error) {
	e, ok := v.files[path]
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return fnv1a.HashString64(e.contents), nil
}

// FakeCommandRunner "runs" commands against a VirtualFileSystem.
//
//   - a command starting with "true" leaves its outputs untouched
//   - any other command creates its outputs, and its depfile with the
//     edge's test_deps binding as inputs
//   - commands in fail exit with ExitFailure
//   - commands in hold stay running until released
type FakeCommandRunner struct {
	fs            *VirtualFileSystem
	maxActive     int
	commandsRan   []string
	activeEdges   []*Edge
	fail          map[string]bool
	hold          map[string]bool
	maxSeenActive int
	aborted       bool
	onStart       func(command string)
}

func NewFakeCommandRunner(disk *VirtualFileSystem) *FakeCommandRunner {
	return &FakeCommandRunner{
		fs:        disk,
		maxActive: 1,
		fail:      map[string]bool{},
		hold:      map[string]bool{},
	}
}

func (r *FakeCommandRunner) CanRunMore() int {
	return r.maxActive - len(r.activeEdges)
}

func (r *FakeCommandRunner) StartCommand(edge *Edge) error {
	command := edge.EvaluateCommand(false)
	r.commandsRan = append(r.commandsRan, command)
	r.activeEdges = append(r.activeEdges, edge)
	r.maxSeenActive = max(r.maxSeenActive, len(r.activeEdges))

	if !strings.HasPrefix(command, "true") && !r.fail[command] {
		for _, out := range edge.Outputs() {
			r.fs.Create(out.Path(), "")
		}
		if depfile := edge.GetUnescapedDepfile(); depfile != "" {
			r.fs.Create(depfile, edge.Outputs()[0].Path()+": "+edge.GetBinding("test_deps")+"\n")
		}
	}
	if r.onStart != nil {
		r.onStart(command)
	}
	return nil
}

func (r *FakeCommandRunner) WaitForCommand(ctx context.Context) (*Result, error) {
	if len(r.activeEdges) == 0 {
		return nil, errors.New("no command running")
	}
	for i, edge := range r.activeEdges {
		command := edge.EvaluateCommand(false)
		if r.hold[command] {
			continue
		}
		r.activeEdges = append(r.activeEdges[:i], r.activeEdges[i+1:]...)
		result := &Result{Edge: edge, Status: ExitSuccess}
		if r.fail[command] {
			result.Status = ExitFailure
			result.Output = "failed: " + command
		}
		return result, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *FakeCommandRunner) GetActiveEdges() []*Edge {
	return append([]*Edge(nil), r.activeEdges...)
}

func (r *FakeCommandRunner) Abort() {
	r.aborted = true
	r.activeEdges = nil
}

// testStatus records what the builder reports.
type testStatus struct {
	started  []string
	finished []string
	failed   []string
	messages []string
}

func (s *testStatus) EdgeAddedToPlan(edge *Edge)     {}
func (s *testStatus) EdgeRemovedFromPlan(edge *Edge) {}
func (s *testStatus) BuildEdgeStarted(edge *Edge, startTimeMillis int64) {
	s.started = append(s.started, edge.EvaluateCommand(false))
}
func (s *testStatus) BuildEdgeFinished(edge *Edge, startTimeMillis, endTimeMillis int64, success bool, output string) {
	command := edge.EvaluateCommand(false)
	s.finished = append(s.finished, command)
	if !success {
		s.failed = append(s.failed, command)
	}
}
func (s *testStatus) BuildStarted()                              {}
func (s *testStatus) BuildFinished()                             {}
func (s *testStatus) SetExplanations(explanations *Explanations) {}
func (s *testStatus) Info(msg string, args ...interface{})       { s.record("info", msg, args) }
func (s *testStatus) Warning(msg string, args ...interface{})    { s.record("warning", msg, args) }
func (s *testStatus) Error(msg string, args ...interface{})      { s.record("error", msg, args) }
func (s *testStatus) record(level, msg string, args []interface{}) {
	s.messages = append(s.messages, level+": "+fmt.Sprintf(msg, args...))
}

// buildFixture is a manifest loaded into a State over a virtual disk, with
// in-memory logs.
type buildFixture struct {
	t        *testing.T
	fs       *VirtualFileSystem
	state    *State
	config   *BuildConfig
	runner   *FakeCommandRunner
	status   *testStatus
	buildLog *BuildLog
	depsLog  *DepsLog
	hashLog  *HashLog
}

func newBuildFixture(t *testing.T, manifest string) *buildFixture {
	t.Helper()
	disk := NewVirtualFileSystem()
	f := &buildFixture{
		t:        t,
		fs:       disk,
		state:    NewState(),
		config:   NewBuildConfig(),
		runner:   NewFakeCommandRunner(disk),
		status:   &testStatus{},
		buildLog: NewBuildLog(),
		depsLog:  NewDepsLog(),
		hashLog:  NewHashLog(disk),
	}
	f.config.Verbosity = QUIET
	assertParse(t, f.state, manifest)
	return f
}

func assertParse(t *testing.T, state *State, manifest string) {
	t.Helper()
	parser := NewManifestParser(state, nil, ManifestParserOptions{})
	require.NoError(t, parser.ParseTest(manifest))
}

func (f *buildFixture) newBuilder() *Builder {
	b := NewBuilder(f.state, f.config, f.buildLog, f.depsLog, f.hashLog, f.fs, f.status, 0, nil)
	b.SetCommandRunner(f.runner)
	return b
}

// build resets dirty state, then builds targets with a fresh builder.
func (f *buildFixture) build(ctx context.Context, targets ...string) (*Builder, error) {
	f.t.Helper()
	f.state.Reset()
	b := f.newBuilder()
	for _, target := range targets {
		node := f.state.LookupNode(target)
		require.NotNil(f.t, node, target)
		if _, err := b.AddTarget(node); err != nil {
			return b, err
		}
	}
	return b, b.Build(ctx)
}

// ran returns the commands run since the last call.
func (f *buildFixture) ran() []string {
	ran := f.runner.commandsRan
	f.runner.commandsRan = nil
	return ran
}
