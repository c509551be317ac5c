package ninja_go

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const graphHeader = "digraph ninja {\n" +
	"rankdir=\"LR\"\n" +
	"node [fontsize=10, shape=box, height=0.25]\n" +
	"edge [fontsize=10]\n"

func TestGraphVizSimpleEdge(t *testing.T) {
	state, err := parseManifest(t, "rule cc\n  command = cc $in -o $out\nbuild out.o: cc in.c\n")
	require.NoError(t, err)

	var out bytes.Buffer
	g := NewGraphViz(&out)
	g.Start()
	g.AddTarget(state.LookupNode("out.o"))
	g.Finish()
	assert.Equal(t, graphHeader+
		"\"n0\" [label=\"out.o\"]\n"+
		"\"n1\" -> \"n0\" [label=\" cc\"]\n"+
		"\"n1\" [label=\"in.c\"]\n"+
		"}\n", out.String())
}

func TestGraphVizMultiEdge(t *testing.T) {
	state, err := parseManifest(t, "rule cc\n  command = cc $in -o $out\nbuild out.o: cc a.c || gen\nbuild gen: phony\n")
	require.NoError(t, err)

	var out bytes.Buffer
	g := NewGraphViz(&out)
	g.AddTarget(state.LookupNode("out.o"))
	// Already visited nodes are drawn once.
	g.AddTarget(state.LookupNode("a.c"))
	assert.Equal(t, "\"n0\" [label=\"out.o\"]\n"+
		"\"e0\" [label=\"cc\", shape=ellipse]\n"+
		"\"e0\" -> \"n0\"\n"+
		"\"n1\" -> \"e0\" [arrowhead=none]\n"+
		"\"n2\" -> \"e0\" [arrowhead=none style=dotted]\n"+
		"\"n1\" [label=\"a.c\"]\n"+
		"\"n2\" [label=\"gen\"]\n"+
		"\"e1\" [label=\"phony\", shape=ellipse]\n"+
		"\"e1\" -> \"n2\"\n", out.String())
}
