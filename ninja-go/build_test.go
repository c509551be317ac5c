package ninja_go

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainManifest = `rule cc
  command = cc $in -o $out
rule link
  command = link $in -o $out
build out.o: cc in.c
build out.bin: link out.o
`

func TestBuildRunsInputsFirst(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	f.fs.Create("in.c", "int main;")

	b, err := f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o", "link out.o -o out.bin"}, f.ran())

	summary := b.Summary()
	assert.Equal(t, OutcomeBuilt, summary.Outcome)
	assert.Equal(t, 2, summary.EdgesConsidered)
	assert.Equal(t, 2, summary.EdgesExecuted)
	assert.Zero(t, summary.EdgesFailed())

	require.NotNil(t, f.buildLog.LookupByOutput("out.o"))
	require.NotNil(t, f.buildLog.LookupByOutput("out.bin"))
}

func TestBuilderAddTargetReportsNewTargetsOnly(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	f.fs.Create("in.c", "int main;")
	out := f.state.LookupNode("out.bin")

	b := f.newBuilder()
	added, err := b.AddTarget(out)
	require.NoError(t, err)
	assert.True(t, added)
	assert.False(t, b.AlreadyUpToDate())

	added, err = b.AddTarget(out)
	require.NoError(t, err)
	assert.False(t, added, "a queued target is not added twice")
	require.NoError(t, b.Build(context.Background()))
	assert.Len(t, f.ran(), 2)

	// Up to date: tracked, but nothing is planned for it.
	f.state.Reset()
	b = f.newBuilder()
	added, err = b.AddTarget(out)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, b.AlreadyUpToDate())

	added, err = b.AddTarget(out)
	require.NoError(t, err)
	assert.False(t, added)
	assert.True(t, b.AlreadyUpToDate())
}

func TestBuildSecondRunIsNoop(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	f.fs.Create("in.c", "int main;")
	_, err := f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	f.ran()

	b, err := f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.Empty(t, f.ran())
	assert.True(t, b.AlreadyUpToDate())
	assert.Equal(t, OutcomeUpToDate, b.Summary().Outcome)
	assert.Equal(t, 2, b.Summary().EdgesConsidered)
	assert.Zero(t, b.Summary().EdgesExecuted)

	// Touching the source rebuilds the whole chain.
	f.fs.Tick()
	f.fs.Create("in.c", "int main(void);")
	_, err = f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o", "link out.o -o out.bin"}, f.ran())
}

func TestBuildChangedCommandReruns(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	f.fs.Create("in.c", "int main;")
	_, err := f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	f.ran()

	f.state = NewState()
	assertParse(t, f.state, `rule cc
  command = cc -O2 $in -o $out
rule link
  command = link $in -o $out
build out.o: cc in.c
build out.bin: link out.o
`)
	f.fs.Tick()
	_, err = f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc -O2 in.c -o out.o", "link out.o -o out.bin"}, f.ran())
}

func TestBuildRestatStopsPropagation(t *testing.T) {
	f := newBuildFixture(t, `rule true
  command = true $in
  restat = 1
rule cc
  command = cc $in -o $out
build gen.h: true gen.in
build out.o: cc gen.h
`)
	f.fs.Create("gen.in", "")
	f.fs.Create("gen.h", "")
	_, err := f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"true gen.in", "cc gen.h -o out.o"}, f.ran())

	f.fs.Tick()
	f.fs.Create("gen.in", "touched")
	b, err := f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"true gen.in"}, f.ran())
	assert.Equal(t, 1, b.Summary().EdgesExecuted)

	// The recorded mtime keeps the restat output clean next time too.
	_, err = f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Empty(t, f.ran())
}

func TestBuildCriticalPathOrder(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $out
build short: cc
build long1: cc
build long2: cc long1
build all: phony short long2
`)
	_, err := f.build(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc long1", "cc short", "cc long2"}, f.ran())
}

const fanoutManifest = `rule cc
  command = cc $out
build a: cc
build b: cc
build c: cc
build all: phony a b c
`

func TestBuildStopsAfterFailure(t *testing.T) {
	f := newBuildFixture(t, fanoutManifest)
	f.runner.maxActive = 2
	f.runner.fail["cc a"] = true

	b, err := f.build(context.Background(), "all")
	require.EqualError(t, err, "subcommand failed")

	// b was already running when a failed; c never starts.
	assert.Equal(t, []string{"cc a", "cc b"}, f.ran())
	assert.Equal(t, []string{"cc a"}, f.status.failed)
	assert.Equal(t, 2, f.runner.maxSeenActive)

	summary := b.Summary()
	assert.Equal(t, OutcomeFailed, summary.Outcome)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, []string{"a"}, summary.Failures[0].Outputs)
	assert.Equal(t, "failed: cc a", summary.Failures[0].Output)
	assert.Equal(t, ExitFailure, summary.Failures[0].Status)

	// The failed edge left no log record, so it reruns.
	assert.Nil(t, f.buildLog.LookupByOutput("a"))
	assert.NotNil(t, f.buildLog.LookupByOutput("b"))
}

func TestBuildKeepGoing(t *testing.T) {
	f := newBuildFixture(t, fanoutManifest)
	f.config.FailuresAllowed = 3
	f.runner.fail["cc a"] = true

	_, err := f.build(context.Background(), "all")
	require.EqualError(t, err, "cannot make progress due to previous errors")
	assert.Equal(t, []string{"cc a", "cc b", "cc c"}, f.ran())

	f.runner.fail["cc b"] = true
	f.runner.fail["cc c"] = true
	f.fs.RemoveFile("b")
	f.fs.RemoveFile("c")
	f.config.FailuresAllowed = 2
	_, err = f.build(context.Background(), "all")
	require.EqualError(t, err, "subcommands failed")
	assert.Equal(t, []string{"cc a", "cc b"}, f.ran())
}

func TestBuildInterrupted(t *testing.T) {
	f := newBuildFixture(t, fanoutManifest)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.hold["cc a"] = true
	f.runner.onStart = func(command string) {
		if command == "cc a" {
			cancel()
		}
	}

	b, err := f.build(ctx, "all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInterrupted))
	var interrupted *InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, 1, interrupted.Running)

	assert.Equal(t, []string{"cc a"}, f.ran())
	assert.True(t, f.runner.aborted)
	assert.True(t, f.fs.filesRemoved["a"], "partial output of the interrupted command is removed")
	assert.Equal(t, OutcomeInterrupted, b.Summary().Outcome)
	assert.Nil(t, f.buildLog.LookupByOutput("a"))
}

func TestBuildMissingSourceFailsOnlyItsTarget(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
build bad.o: cc missing.c
build good.o: cc good.c
`)
	f.fs.Create("good.c", "")
	f.state.Reset()
	b := f.newBuilder()

	_, err := b.AddTarget(f.state.LookupNode("bad.o"))
	var missing *MissingSourceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "missing.c", missing.Path)
	assert.Equal(t, "bad.o", missing.Dependent)
	assert.Equal(t, "'missing.c', needed by 'bad.o', missing and no known rule to make it", err.Error())

	_, err = b.AddTarget(f.state.LookupNode("good.o"))
	require.NoError(t, err)
	require.NoError(t, b.Build(context.Background()))
	assert.Equal(t, []string{"cc good.c -o good.o"}, f.ran())
}

func TestBuildUnknownTargetSuggestion(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	_, err := f.newBuilder().AddTargetByName("out.bni")
	require.EqualError(t, err, "unknown target 'out.bni', did you mean 'out.bin'?")
	var missing *MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "out.bin", missing.Suggestion)
}

func TestBuildRecordsGccDeps(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
  deps = gcc
  depfile = $out.d
build out.o: cc in.c
  test_deps = in.c foo.h
`)
	f.fs.Create("in.c", "")
	f.fs.Create("foo.h", "")

	_, err := f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o"}, f.ran())
	assert.True(t, f.fs.filesRemoved["out.o.d"])

	deps := f.depsLog.GetDeps(f.state.LookupNode("out.o"))
	require.NotNil(t, deps)
	assert.Equal(t, []string{"in.c", "foo.h"}, nodePaths(deps.Nodes()))

	_, err = f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Empty(t, f.ran())

	// The header only reaches the graph through the deps log.
	f.fs.Tick()
	f.fs.Create("foo.h", "#pragma once")
	_, err = f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o"}, f.ran())
}

func TestBuildKeepDepfile(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
  deps = gcc
  depfile = $out.d
build out.o: cc in.c
  test_deps = in.c
`)
	f.config.KeepDepfile = true
	f.fs.Create("in.c", "")
	_, err := f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.False(t, f.fs.filesRemoved["out.o.d"])
	assert.Contains(t, f.fs.files, "out.o.d")
}

const rspManifest = `rule link
  command = link @$out.rsp
  rspfile = $out.rsp
  rspfile_content = $in
build app: link a.o b.o
`

func TestBuildResponseFile(t *testing.T) {
	f := newBuildFixture(t, rspManifest)
	f.fs.Create("a.o", "")
	f.fs.Create("b.o", "")
	var content string
	f.runner.onStart = func(string) {
		content = f.fs.files["app.rsp"].contents
	}

	_, err := f.build(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"link @app.rsp"}, f.ran())
	assert.Equal(t, "a.o b.o", content)
	assert.True(t, f.fs.filesRemoved["app.rsp"])

	// The rsp content is part of the command hash.
	entry := f.buildLog.LookupByOutput("app")
	require.NotNil(t, entry)
	assert.Equal(t, HashCommand("link @app.rsp;rspfile=a.o b.o"), entry.CommandHash())
}

func TestBuildKeepRsp(t *testing.T) {
	f := newBuildFixture(t, rspManifest)
	f.config.KeepRsp = true
	f.fs.Create("a.o", "")
	f.fs.Create("b.o", "")
	_, err := f.build(context.Background(), "app")
	require.NoError(t, err)
	assert.False(t, f.fs.filesRemoved["app.rsp"])
}

func TestBuildHashInputSkipsTouchedInput(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
  hash_input = 1
build out.o: cc in.c
`)
	f.fs.Create("in.c", "int x;")
	_, err := f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o"}, f.ran())
	assert.Equal(t, 1, f.hashLog.InputCount(f.state.LookupNode("out.o")))

	// Same bytes, newer mtime.
	f.fs.Tick()
	f.fs.Create("in.c", "int x;")
	_, err = f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Empty(t, f.ran())

	f.fs.Tick()
	f.fs.Create("in.c", "int y;")
	_, err = f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o"}, f.ran())
}

func TestBuildWithoutHashInputRebuildsTouchedInput(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
build out.o: cc in.c
`)
	f.fs.Create("in.c", "int x;")
	_, err := f.build(context.Background(), "out.o")
	require.NoError(t, err)
	f.ran()

	f.fs.Tick()
	f.fs.Create("in.c", "int x;")
	_, err = f.build(context.Background(), "out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"cc in.c -o out.o"}, f.ran())
	assert.Empty(t, f.hashLog.Outputs())
}

func TestBuildDryRun(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	f.config.DryRun = true
	f.fs.Create("in.c", "")

	f.state.Reset()
	b := NewBuilder(f.state, f.config, f.buildLog, f.depsLog, f.hashLog, f.fs, f.status, 0, nil)
	_, err := b.AddTarget(f.state.LookupNode("out.bin"))
	require.NoError(t, err)
	require.NoError(t, b.Build(context.Background()))

	assert.Equal(t, []string{"cc in.c -o out.o", "link out.o -o out.bin"}, f.status.started)
	assert.Equal(t, 2, b.Summary().EdgesExecuted)
	assert.NotContains(t, f.fs.files, "out.o")
	assert.NotContains(t, f.fs.files, ".ninja_lock")
}

func TestBuildLockFileUnderBuilddir(t *testing.T) {
	f := newBuildFixture(t, "builddir = obj\n"+chainManifest)
	f.fs.Create("in.c", "")
	_, err := f.build(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.Contains(t, f.fs.files, "obj/.ninja_lock")
	assert.NotContains(t, f.fs.files, ".ninja_lock")
}

func TestBuildCreatesOutputDirectories(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
build obj/sub/out.o: cc in.c
`)
	f.fs.Create("in.c", "")
	_, err := f.build(context.Background(), "obj/sub/out.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"obj", "obj/sub"}, f.fs.directoriesMade)
}
