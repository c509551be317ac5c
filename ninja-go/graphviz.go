package ninja_go

import (
	"fmt"
	"io"
	"strings"
)

// / Runs the process of creating GraphViz .dot file output.
type GraphViz struct {
	out          io.Writer
	visitedNodes map[*Node]bool
	visitedEdges map[*Edge]bool
	ids          map[*Node]int
}

func NewGraphViz(out io.Writer) *GraphViz {
	return &GraphViz{out: out, visitedNodes: map[*Node]bool{}, visitedEdges: map[*Edge]bool{}, ids: map[*Node]int{}}
}

func (g *GraphViz) Start() {
	fmt.Fprintf(g.out, "digraph ninja {\n")
	fmt.Fprintf(g.out, "rankdir=\"LR\"\n")
	fmt.Fprintf(g.out, "node [fontsize=10, shape=box, height=0.25]\n")
	fmt.Fprintf(g.out, "edge [fontsize=10]\n")
}

func (g *GraphViz) AddTarget(node *Node) {
	if g.visitedNodes[node] {
		return
	}
	g.visitedNodes[node] = true

	pathstr := strings.ReplaceAll(node.Path(), "\\", "/")
	fmt.Fprintf(g.out, "\"n%d\" [label=\"%s\"]\n", g.nodeID(node), pathstr)

	edge := node.InEdge()
	if edge == nil {
		// Leaf node.
		return
	}
	if g.visitedEdges[edge] {
		return
	}
	g.visitedEdges[edge] = true

	if len(edge.inputs) == 1 && len(edge.outputs) == 1 {
		// Can draw simply.
		// Note extra space before label text -- this is cosmetic and feels
		// like a graphviz bug.
		fmt.Fprintf(g.out, "\"n%d\" -> \"n%d\" [label=\" %s\"]\n",
			g.nodeID(edge.inputs[0]), g.nodeID(edge.outputs[0]), edge.rule.Name())
	} else {
		fmt.Fprintf(g.out, "\"e%d\" [label=\"%s\", shape=ellipse]\n", edge.id, edge.rule.Name())
		for _, out := range edge.outputs {
			fmt.Fprintf(g.out, "\"e%d\" -> \"n%d\"\n", edge.id, g.nodeID(out))
		}
		for i, in := range edge.inputs {
			orderOnly := ""
			if edge.IsOrderOnly(i) {
				orderOnly = " style=dotted"
			}
			fmt.Fprintf(g.out, "\"n%d\" -> \"e%d\" [arrowhead=none%s]\n", g.nodeID(in), edge.id, orderOnly)
		}
	}

	for _, in := range edge.inputs {
		g.AddTarget(in)
	}
}

func (g *GraphViz) Finish() {
	fmt.Fprintf(g.out, "}\n")
}

// nodeID numbers nodes in the order they are first drawn.
func (g *GraphViz) nodeID(n *Node) int {
	id, ok := g.ids[n]
	if !ok {
		id = len(g.ids)
		g.ids[n] = id
	}
	return id
}
