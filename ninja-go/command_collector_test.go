package ninja_go

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandCollector(t *testing.T) {
	state, err := parseManifest(t, chainManifest+"build all: phony out.bin out.o\n")
	require.NoError(t, err)

	c := NewCommandCollector()
	c.CollectFrom(state.LookupNode("all"))
	c.CollectFrom(state.LookupNode("out.o"))

	commands := make([]string, 0, len(c.InEdges))
	for _, e := range c.InEdges {
		commands = append(commands, e.EvaluateCommand(false))
	}
	assert.Equal(t, []string{"cc in.c -o out.o", "link out.o -o out.bin"}, commands)
	assert.Equal(t, []string{"in.c"}, nodePaths(c.Sources))
}
