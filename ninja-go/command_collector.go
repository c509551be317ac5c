package ninja_go

// CommandCollector gathers the command edges behind a set of nodes, inputs
// before the edges that consume them.
type CommandCollector struct {
	visitedNodes map[*Node]bool
	visitedEdges map[*Edge]bool

	InEdges []*Edge
	// Sources are the reached nodes no edge produces.
	Sources []*Node
}

func NewCommandCollector() *CommandCollector {
	return &CommandCollector{visitedNodes: map[*Node]bool{}, visitedEdges: map[*Edge]bool{}}
}

func (c *CommandCollector) CollectFrom(node *Node) {
	if c.visitedNodes[node] {
		return
	}
	c.visitedNodes[node] = true

	edge := node.InEdge()
	if edge == nil {
		c.Sources = append(c.Sources, node)
		return
	}
	if c.visitedEdges[edge] {
		return
	}
	c.visitedEdges[edge] = true

	for _, in := range edge.inputs {
		c.CollectFrom(in)
	}
	if !edge.IsPhony() {
		c.InEdges = append(c.InEdges, edge)
	}
}
