package ninja_go

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFlags(args ...string) (*Options, []string, int) {
	options := &Options{InputFile: "build.ninja"}
	rest, code := ReadFlags(append([]string{"ninja"}, args...), options)
	return options, rest, code
}

func TestReadFlagsBuild(t *testing.T) {
	options, rest, code := readFlags("-j", "4", "-k", "0", "-l", "2.5", "-m", "50", "-n", "-v", "-f", "other.ninja", "all", "lib")
	require.Equal(t, -1, code)
	assert.Equal(t, []string{"all", "lib"}, rest)
	assert.Equal(t, "other.ninja", options.InputFile)

	config := NewBuildConfig()
	options.applyTo(config)
	assert.Equal(t, 4, config.Parallelism)
	assert.Equal(t, math.MaxInt, config.FailuresAllowed)
	assert.Equal(t, 2.5, config.MaxLoadAverage)
	assert.Equal(t, 0.5, config.MaxMemoryUsage)
	assert.True(t, config.DryRun)
	assert.Equal(t, VERBOSE, config.Verbosity)
}

func TestReadFlagsLeaveConfigAlone(t *testing.T) {
	options, _, code := readFlags("-q")
	require.Equal(t, -1, code)
	config := NewBuildConfig()
	config.Parallelism = 12
	config.FailuresAllowed = 3
	options.applyTo(config)
	assert.Equal(t, 12, config.Parallelism, "an unset -j keeps the configured value")
	assert.Equal(t, 3, config.FailuresAllowed)
	assert.Equal(t, NO_STATUS_UPDATE, config.Verbosity)
}

func TestReadFlagsUnlimitedJobs(t *testing.T) {
	options, _, code := readFlags("-j0")
	require.Equal(t, -1, code)
	config := NewBuildConfig()
	options.applyTo(config)
	assert.Equal(t, math.MaxInt, config.Parallelism)
}

func TestReadFlagsErrors(t *testing.T) {
	for _, args := range [][]string{
		{"-j", "x"},
		{"-j", "-3"},
		{"-k", "many"},
		{"-l", "high"},
		{"-m", "150"},
		{"-d", "bogus"},
		{"-d", "log=loud"},
		{"-w", "bogus"},
		{"-t", "nonesuch"},
		{"-Z"},
	} {
		_, _, code := readFlags(args...)
		assert.Equal(t, ExitCodeUsage, code, "%v", args)
	}
}

func TestReadFlagsExitEarly(t *testing.T) {
	for _, args := range [][]string{{"--version"}, {"-h"}, {"--help"}, {"-d", "list"}, {"-t", "list"}, {"-w", "list"}} {
		_, _, code := readFlags(args...)
		assert.Equal(t, ExitCodeSuccess, code, "%v", args)
	}
}

func TestReadFlagsTool(t *testing.T) {
	options, rest, code := readFlags("-C", "out", "-t", "clean", "-g", "target")
	require.Equal(t, -1, code)
	require.NotNil(t, options.Tool)
	assert.Equal(t, "clean", options.Tool.Name)
	assert.Equal(t, "out", options.WorkingDir)
	assert.Equal(t, []string{"-g", "target"}, rest)

	options, rest, code = readFlags("-tquery", "-x")
	require.Equal(t, -1, code)
	assert.Equal(t, "query", options.Tool.Name)
	assert.Equal(t, []string{"-x"}, rest)
}

func TestSplitToolArgs(t *testing.T) {
	top, rest := splitToolArgs([]string{"ninja", "-j", "4", "-t", "query", "-x"})
	assert.Equal(t, []string{"ninja", "-j", "4", "-t", "query"}, top)
	assert.Equal(t, []string{"-x"}, rest)

	// -t only counts as a flag before the first target.
	args := []string{"ninja", "target", "-t", "query"}
	top, rest = splitToolArgs(args)
	assert.Equal(t, args, top)
	assert.Empty(t, rest)

	// "-C -t" is the directory "-t", not a tool.
	args = []string{"ninja", "-C", "-t", "all"}
	top, rest = splitToolArgs(args)
	assert.Equal(t, args, top)
	assert.Empty(t, rest)
}

func TestDebugEnable(t *testing.T) {
	var options Options
	for _, mode := range []string{"explain", "keepdepfile", "keeprsp", "nostatcache", "log=info"} {
		assert.Equal(t, -1, DebugEnable(mode, &options), mode)
	}
	assert.True(t, options.Explain)
	assert.True(t, options.keepDepfile)
	assert.True(t, options.keepRsp)
	assert.True(t, options.NoStatCache)
	assert.Equal(t, "info", options.LogLevel)
	assert.Equal(t, ExitCodeUsage, DebugEnable("explian", &options))
}

func TestWarningEnable(t *testing.T) {
	var options Options
	assert.Equal(t, -1, WarningEnable("phonycycle=err", &options))
	assert.True(t, options.PhonyCycleShouldErr)
	assert.Equal(t, kPhonyCycleActionError, options.parserOptions().PhonyCycleAction)
	assert.Equal(t, -1, WarningEnable("phonycycle=warn", &options))
	assert.False(t, options.PhonyCycleShouldErr)
}

func TestChooseTool(t *testing.T) {
	for _, tool := range tools {
		got, code := ChooseTool(tool.Name)
		require.NotNil(t, got, tool.Name)
		assert.Equal(t, -1, code)
		assert.Equal(t, tool.Name, got.Name)
	}
	got, code := ChooseTool("claen")
	assert.Nil(t, got)
	assert.Equal(t, ExitCodeUsage, code)
}

func TestGuessParallelism(t *testing.T) {
	assert.GreaterOrEqual(t, GuessParallelism(), 2)
}

// chdirTemp runs the test in a fresh directory holding files.
func chdirTemp(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("NINJA_CONFIG", "")
	t.Setenv("NINJA_STATUS", "")
	return dir
}

func TestRealMainBuildsAndRecordsHistory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := chdirTemp(t, map[string]string{
		"build.ninja": "builddir = obj\n" +
			"rule cp\n  command = cp $in $out\n  description = CP $out\n" +
			"build out.txt: cp in.txt\n" +
			"default out.txt\n",
		"in.txt":     "hello\n",
		"ninja.yaml": "history:\n  enabled: true\n  path: obj/history.db\n",
	})
	ctx := context.Background()
	run := func(args ...string) int {
		return RealMain(ctx, append([]string{"ninja", "-C", dir, "-c", "ninja.yaml", "-q"}, args...))
	}

	require.Equal(t, ExitCodeSuccess, run())
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.FileExists(t, filepath.Join(dir, "obj", ".ninja_log"))

	require.Equal(t, ExitCodeSuccess, run())
	assert.Equal(t, ExitCodeFailure, run("nothing"))
	assert.Equal(t, ExitCodeSuccess, run("-t", "history", "-n", "5"))

	store, err := OpenHistory(filepath.Join(dir, "obj", "history.db"))
	require.NoError(t, err)
	defer store.Close()
	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "up to date", records[0].Outcome)
	assert.Equal(t, "built", records[1].Outcome)
	assert.Equal(t, 1, records[1].EdgesExecuted)

	require.Equal(t, ExitCodeSuccess, run("-t", "clean"))
	assert.NoFileExists(t, filepath.Join(dir, "out.txt"))
	assert.FileExists(t, filepath.Join(dir, "in.txt"))
}

func TestRealMainFailingCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := chdirTemp(t, map[string]string{
		"build.ninja": "rule fail\n  command = exit 3\nbuild out: fail\n",
	})
	assert.Equal(t, ExitCodeFailure, RealMain(context.Background(), []string{"ninja", "-C", dir, "-q"}))
	assert.NoFileExists(t, filepath.Join(dir, "out"))
}

func TestRealMainBadConfig(t *testing.T) {
	dir := chdirTemp(t, map[string]string{
		"build.ninja": "",
		"ninja.yaml":  "log:\n  level: loud\n",
	})
	assert.Equal(t, ExitCodeUsage, RealMain(context.Background(), []string{"ninja", "-C", dir, "-c", "ninja.yaml"}))
}

func TestRealMainRebuildsManifest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := chdirTemp(t, map[string]string{
		"build.ninja": "rule regen\n  command = cp manifest.in build.ninja\n  generator = 1\n" +
			"build build.ninja: regen manifest.in\n",
		"manifest.in": "rule regen\n  command = cp manifest.in build.ninja\n  generator = 1\n" +
			"build build.ninja: regen manifest.in\n" +
			"rule touch\n  command = touch $out\n" +
			"build made: touch\n",
	})
	// The manifest is older than its input, so the first pass regenerates it
	// and the second pass builds what the new manifest declares.
	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "build.ninja"), oldTime, oldTime))

	require.Equal(t, ExitCodeSuccess, RealMain(context.Background(), []string{"ninja", "-C", dir, "-q", "made"}))
	assert.FileExists(t, filepath.Join(dir, "made"))
}

func TestInvocationHoldsLockAcrossPasses(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".ninja_lock")
	inv := &invocation{
		ninjaCommand: "ninja",
		config:       NewBuildConfig(),
		fileConfig:   DefaultConfig(),
		status:       &testStatus{},
	}
	for pass := 1; pass <= manifestPasses; pass++ {
		m := NewNinjaMain(inv.ninjaCommand, inv.config, inv.fileConfig, inv.status)
		m.inv = inv
		m.state.Bindings().AddBinding("builddir", dir)
		require.NoError(t, m.OpenLogs(false))
		require.NoError(t, m.Close())

		_, err := AcquireLock(lockPath)
		require.ErrorIs(t, err, ErrLocked, "pass %d", pass)
	}

	inv.releaseLock()
	lock, err := AcquireLock(lockPath)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func TestRealMainManifestStillDirty(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := chdirTemp(t, map[string]string{
		"build.ninja": "rule regen\n  command = touch build.ninja\n  generator = 1\n" +
			"build build.ninja: regen manifest.in\n" +
			"rule touch\n  command = touch $out\n" +
			"build made: touch\n",
		"manifest.in": "",
	})
	// Regenerating never makes the manifest newer than its input.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "manifest.in"), future, future))

	assert.Equal(t, ExitCodeFailure, RealMain(context.Background(), []string{"ninja", "-C", dir, "-q", "made"}))
	assert.NoFileExists(t, filepath.Join(dir, "made"))
}

func newTestNinjaMain(t *testing.T, manifest string) (*NinjaMain, *testStatus) {
	t.Helper()
	status := &testStatus{}
	config := NewBuildConfig()
	config.Verbosity = QUIET
	m := NewNinjaMain("ninja", config, DefaultConfig(), status)
	assertParse(t, m.state, manifest)
	return m, status
}

func TestCollectTargetUnknown(t *testing.T) {
	m, _ := newTestNinjaMain(t, chainManifest)
	for _, tc := range []struct {
		arg        string
		suggestion string
		msg        string
	}{
		{"out.bni", "out.bin", "unknown target 'out.bni', did you mean 'out.bin'?"},
		{"clean", "ninja -t clean", "unknown target 'clean', did you mean 'ninja -t clean'?"},
		{"help", "ninja -h", "unknown target 'help', did you mean 'ninja -h'?"},
		{"zzzzzzzzzz", "", "unknown target 'zzzzzzzzzz'"},
	} {
		_, err := m.CollectTarget(tc.arg)
		var missing *MissingInputError
		require.ErrorAs(t, err, &missing, tc.arg)
		assert.Equal(t, tc.suggestion, missing.Suggestion)
		assert.EqualError(t, err, tc.msg)
	}

	node, err := m.CollectTarget("out.o")
	require.NoError(t, err)
	assert.Equal(t, "out.o", node.Path())
}

func TestRunBuildRejectsCycle(t *testing.T) {
	m, status := newTestNinjaMain(t, cycleManifest)
	assert.Equal(t, ExitCodeFailure, m.RunBuild(context.Background(), []string{"a"}))
	assert.Equal(t, []string{"error: dependency cycle: a -> b -> c -> a"}, status.messages)
}

func TestTargetOnlyFailure(t *testing.T) {
	assert.True(t, targetOnlyFailure(&MissingSourceError{Path: "in.c", Dependent: "out.o"}))
	assert.True(t, targetOnlyFailure(fmt.Errorf("scanning: %w", &MissingSourceError{Path: "in.c"})))
	assert.False(t, targetOnlyFailure(&CycleError{Path: []string{"a", "a"}}))
	assert.False(t, targetOnlyFailure(&MissingInputError{Path: "x"}))
	assert.False(t, targetOnlyFailure(errors.New("stat failed")))
}

func TestReportOpenDowngradesCompactionFailure(t *testing.T) {
	m, status := newTestNinjaMain(t, "")
	err := m.reportOpen("deps", &CompactionWarning{Path: ".ninja_deps", Err: errors.New("disk full")})
	require.NoError(t, err)
	assert.Equal(t, []string{"warning: failed recompaction of .ninja_deps: disk full"}, status.messages)

	err = m.reportOpen("deps", errors.New("permission denied"))
	assert.EqualError(t, err, "opening deps log: permission denied")
}
