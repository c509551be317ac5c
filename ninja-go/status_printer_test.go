package ninja_go

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatusPrinter(t *testing.T) (*StatusPrinter, *bytes.Buffer) {
	t.Setenv("NINJA_STATUS", "")
	var buf bytes.Buffer
	return newStatusPrinter(NewBuildConfig(), newLinePrinter(&buf, false)), &buf
}

func TestFormatProgressStatus(t *testing.T) {
	s, _ := newTestStatusPrinter(t)
	s.startedEdges = 2
	s.finishedEdges = 1
	s.totalEdges = 4
	s.runningEdges = 1
	s.timeMillis = 2000

	cases := map[string]string{
		"[%f/%t] ":          "[1/4] ",
		"%s %t %r %u %f %%": "2 4 1 2 1 %",
		"%p":                " 25%",
		"%o":                "0.5",
		"%e":                "2.000",
		"%w":                "00:02",
		"%E":                "?",
	}
	for format, want := range cases {
		got, err := s.FormatProgressStatus(format, 2000)
		require.NoError(t, err, format)
		assert.Equal(t, want, got, format)
	}

	s.RecalculateProgressPrediction()
	for format, want := range map[string]string{"%E": "6.000", "%W": "00:06", "%P": " 25%"} {
		got, err := s.FormatProgressStatus(format, 2000)
		require.NoError(t, err, format)
		assert.Equal(t, want, got, format)
	}
}

func TestFormatProgressStatusErrors(t *testing.T) {
	s, _ := newTestStatusPrinter(t)
	_, err := s.FormatProgressStatus("[%f", 0)
	assert.NoError(t, err)
	_, err = s.FormatProgressStatus("100%", 0)
	assert.EqualError(t, err, "trailing '%' in $NINJA_STATUS")
	_, err = s.FormatProgressStatus("%x", 0)
	assert.EqualError(t, err, "unknown placeholder '%x' in $NINJA_STATUS")
}

func TestStatusPrinterPrintsDescriptions(t *testing.T) {
	state, err := parseManifest(t, `rule cc
  command = cc $in -o $out
  description = CC $out
build a.o: cc a.c
build b.o: cc b.c
`)
	require.NoError(t, err)
	s, buf := newTestStatusPrinter(t)
	a, b := state.Edges()[0], state.Edges()[1]

	s.EdgeAddedToPlan(a)
	s.EdgeAddedToPlan(b)
	s.BuildStarted()
	s.BuildEdgeStarted(a, 0)
	s.BuildEdgeFinished(a, 0, 10, true, "")
	s.BuildEdgeStarted(b, 10)
	s.BuildEdgeFinished(b, 10, 20, false, "\x1b[31mb.c:1: error\x1b[0m\n")
	s.BuildFinished()

	assert.Equal(t, "[1/2] CC a.o\n"+
		"[2/2] CC b.o\n"+
		"FAILED: b.o\n"+
		"cc b.c -o b.o\n"+
		"b.c:1: error\n", buf.String())
}

func TestStatusPrinterVerboseShowsCommand(t *testing.T) {
	state, err := parseManifest(t, `rule cc
  command = cc $in -o $out
  description = CC $out
build a.o: cc a.c
`)
	require.NoError(t, err)
	t.Setenv("NINJA_STATUS", "")
	var buf bytes.Buffer
	config := NewBuildConfig()
	config.Verbosity = VERBOSE
	s := newStatusPrinter(config, newLinePrinter(&buf, false))

	edge := state.Edges()[0]
	s.EdgeAddedToPlan(edge)
	s.BuildEdgeStarted(edge, 0)
	s.BuildEdgeFinished(edge, 0, 5, true, "")
	assert.Equal(t, "[1/1] cc a.c -o a.o\n", buf.String())
}

func TestStatusPrinterBadFormatFallsBack(t *testing.T) {
	state, err := parseManifest(t, "rule cc\n  command = cc $in\nbuild a.o: cc a.c\n")
	require.NoError(t, err)
	t.Setenv("NINJA_STATUS", "%z ")
	var buf bytes.Buffer
	s := newStatusPrinter(NewBuildConfig(), newLinePrinter(&buf, false))

	edge := state.Edges()[0]
	s.EdgeAddedToPlan(edge)
	s.BuildEdgeStarted(edge, 0)
	s.BuildEdgeFinished(edge, 0, 5, true, "")
	assert.Equal(t, "[1/1] cc a.c\n", buf.String())
}

func TestSlidingRateInfo(t *testing.T) {
	r := NewSlidingRateInfo(2)
	assert.Equal(t, -1.0, r.Rate())
	r.UpdateRate(1, 1000)
	assert.Equal(t, -1.0, r.Rate(), "one sample has no rate")
	r.UpdateRate(2, 2000)
	assert.Equal(t, 2.0, r.Rate())
	r.UpdateRate(2, 9000)
	assert.Equal(t, 2.0, r.Rate(), "same hint is ignored")
	r.UpdateRate(3, 4000)
	assert.Equal(t, 1.0, r.Rate())
}
