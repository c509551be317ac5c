package ninja_go

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizePath(t *testing.T) {
	cases := map[string]string{
		"foo.h":                  "foo.h",
		"./foo.h":                "foo.h",
		"./foo/./bar.h":          "foo/bar.h",
		"./x/foo/../bar.h":       "x/bar.h",
		"./x/foo/../../bar.h":    "bar.h",
		"foo//bar":               "foo/bar",
		"foo//.//..///bar":       "bar",
		"./x/../foo/../../bar.h": "../bar.h",
		"../../foo":              "../../foo",
		"foo/./.":                "foo",
		"foo/bar/..":             "foo",
		"foo/.hidden_bar":        "foo/.hidden_bar",
		"/foo":                   "/foo",
		"//foo":                  "/foo",
		"/..":                    "/",
		"/":                      "/",
		".":                      ".",
		"./.":                    ".",
		"foo/..":                 ".",
	}
	for in, want := range cases {
		got, _, err := CanonicalizePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestCanonicalizeEmptyPath(t *testing.T) {
	_, _, err := CanonicalizePath("")
	var invalid *InvalidPathError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "empty path", err.Error())
	assert.False(t, IsGraphError(err))
}

func TestLookupOrCreateNodeIdentity(t *testing.T) {
	state := NewState()
	a, err := state.LookupOrCreateNode("src/../b.c")
	require.NoError(t, err)
	b, err := state.LookupOrCreateNode("./b.c")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "b.c", a.Path())
	assert.Same(t, a, state.LookupNode("b.c"))

	_, err = state.LookupOrCreateNode("")
	assert.Error(t, err)
}

func TestAddOutTwice(t *testing.T) {
	state := NewState()
	first := state.AddEdge(PhonyRule)
	require.NoError(t, state.AddOut(first, "out", 0))

	err := state.AddOut(first, "out", 0)
	require.EqualError(t, err, "out is defined as an output multiple times")
	assert.False(t, IsGraphError(err))

	second := state.AddEdge(PhonyRule)
	err = state.AddOut(second, "out", 0)
	var dup *DuplicateOutputError
	require.ErrorAs(t, err, &dup)
	assert.True(t, IsGraphError(err))
	assert.Equal(t, "multiple rules generate out", err.Error())
}

const cycleManifest = `rule cat
  command = cat $in > $out
build a: cat b
build b: cat c
build c: cat a
`

func TestDetectCycle(t *testing.T) {
	state, err := parseManifest(t, cycleManifest)
	require.NoError(t, err)

	err = DetectCycle([]*Node{state.LookupNode("a")})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", err.Error())
	assert.True(t, IsGraphError(err))
}

func TestDetectCycleStartsAtRequestedOutput(t *testing.T) {
	state, err := parseManifest(t, `rule cat
  command = cat $in > $out
build a b: cat c
build c: cat a
`)
	require.NoError(t, err)
	err = DetectCycle([]*Node{state.LookupNode("b")})
	require.EqualError(t, err, "dependency cycle: a -> c -> a")
}

func TestDetectCycleSelfReference(t *testing.T) {
	state := NewState()
	parser := NewManifestParser(state, nil, ManifestParserOptions{PhonyCycleAction: kPhonyCycleActionError})
	require.NoError(t, parser.ParseTest("build a: phony a\n"))
	require.EqualError(t, DetectCycle([]*Node{state.LookupNode("a")}), "dependency cycle: a -> a")
}

func TestDetectCycleAcyclic(t *testing.T) {
	state, err := parseManifest(t, chainManifest)
	require.NoError(t, err)
	roots, err := state.RootNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"out.bin"}, nodePaths(roots))
	assert.NoError(t, DetectCycle(roots))
}

func TestRecomputeDirtyFindsCycle(t *testing.T) {
	f := newBuildFixture(t, cycleManifest)
	scan := NewDependencyScan(f.state, nil, nil, nil, f.fs, nil)
	_, err := scan.RecomputeDirty(f.state.LookupNode("a"))
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
}

func TestRecomputeDirtyExplains(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	f.fs.Create("out.o", "")
	f.fs.Tick()
	f.fs.Create("in.c", "")
	f.fs.Create("out.bin", "")

	explanations := NewExplanations()
	scan := NewDependencyScan(f.state, nil, nil, nil, f.fs, explanations)
	dirty, err := scan.RecomputeDirty(f.state.LookupNode("out.bin"))
	require.NoError(t, err)
	assert.True(t, dirty)

	outO := f.state.LookupNode("out.o")
	assert.True(t, outO.Dirty())
	assert.Equal(t, []string{"output out.o older than most recent input in.c (1 vs 2)"},
		explanations.LookupAndAppend(outO, nil))
	assert.Equal(t, []string{"out.o is dirty"},
		explanations.LookupAndAppend(f.state.LookupNode("out.bin"), nil))
	assert.False(t, f.state.LookupNode("in.c").Dirty())
}

func TestRecomputeDirtyMissingSource(t *testing.T) {
	f := newBuildFixture(t, chainManifest)
	scan := NewDependencyScan(f.state, nil, nil, nil, f.fs, nil)
	dirty, err := scan.RecomputeDirty(f.state.LookupNode("out.bin"))
	require.NoError(t, err)
	assert.True(t, dirty)
	in := f.state.LookupNode("in.c")
	assert.True(t, in.Dirty())
	assert.False(t, in.Exists())
	assert.True(t, in.StatusKnown())
}

func TestRecomputeDirtyOrderOnlyInputDoesNotDirty(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
build out.o: cc in.c || stamp
build stamp: phony
`)
	f.fs.Create("in.c", "")
	f.fs.Create("out.o", "")
	f.fs.Tick()
	f.fs.Create("stamp", "")

	scan := NewDependencyScan(f.state, nil, nil, nil, f.fs, nil)
	dirty, err := scan.RecomputeDirty(f.state.LookupNode("out.o"))
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.True(t, f.state.LookupNode("out.o").InEdge().OutputsReady())
}

func TestPhonyOutputTakesNewestInputMtime(t *testing.T) {
	f := newBuildFixture(t, `rule cc
  command = cc $in -o $out
build a: cc a.c
build b: cc b.c
build all: phony a b
`)
	f.fs.Create("a.c", "")
	f.fs.Create("b.c", "")
	f.fs.Create("a", "")
	f.fs.Tick()
	f.fs.Create("b", "")

	scan := NewDependencyScan(f.state, nil, nil, nil, f.fs, nil)
	dirty, err := scan.RecomputeDirty(f.state.LookupNode("all"))
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, TimeStamp(2), f.state.LookupNode("all").Mtime())
}

func TestEdgeCommandEscaping(t *testing.T) {
	state, err := parseManifest(t, `rule cc
  command = cc $in -o $out
  depfile = $out.d
build my$ out.o: cc my$ in.c
`)
	require.NoError(t, err)
	edge := state.Edges()[0]
	assert.Equal(t, "cc 'my in.c' -o 'my out.o'", edge.EvaluateCommand(false))
	assert.Equal(t, "my out.o.d", edge.GetUnescapedDepfile())
}
