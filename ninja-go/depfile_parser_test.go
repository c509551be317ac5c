package ninja_go

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepfileParse(t *testing.T) {
	cases := []struct {
		name  string
		input string
		outs  []string
		ins   []string
	}{
		{"basic", "out.o: in.c foo.h\n", []string{"out.o"}, []string{"in.c", "foo.h"}},
		{"continuation", "out.o: a.h \\\n  b.h \\\r\n  c.h\n", []string{"out.o"}, []string{"a.h", "b.h", "c.h"}},
		{"escaped space", "out.o: my\\ file.h\n", []string{"out.o"}, []string{"my file.h"}},
		{"escaped hash", "out.o: a\\#b.h\n", []string{"out.o"}, []string{"a#b.h"}},
		{"dollar", "out.o: a$$b.h\n", []string{"out.o"}, []string{"a$b.h"}},
		{"duplicate inputs", "out.o: a.h a.h b.h\n", []string{"out.o"}, []string{"a.h", "b.h"}},
		{"multiple outputs", "a b: c\n", []string{"a", "b"}, []string{"c"}},
		{"spaced colon", "out.o : in.c\n", []string{"out.o"}, []string{"in.c"}},
		{"phony targets", "out.o: foo.h\nfoo.h:\n", []string{"out.o"}, []string{"foo.h"}},
		{"no trailing newline", "out.o: in.c", []string{"out.o"}, []string{"in.c"}},
		{"empty", "", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var parser DepfileParser
			require.NoError(t, parser.Parse([]byte(tc.input)))
			if tc.outs == nil {
				assert.Empty(t, parser.Outs())
				assert.Empty(t, parser.Ins())
				return
			}
			assert.Equal(t, tc.outs, parser.Outs())
			assert.Equal(t, tc.ins, parser.Ins())
		})
	}
}

func TestDepfileParseErrors(t *testing.T) {
	var parser DepfileParser
	assert.EqualError(t, parser.Parse([]byte("out.o in.c\n")), "expected ':' in depfile")
	assert.EqualError(t, parser.Parse([]byte("out.o: foo.h\nfoo.h: bar.h\n")), "inputs may not also have inputs")
}

func TestDepfileParserReuse(t *testing.T) {
	var parser DepfileParser
	require.NoError(t, parser.Parse([]byte("a: b c\n")))
	require.NoError(t, parser.Parse([]byte("x: y\n")))
	assert.Equal(t, []string{"x"}, parser.Outs())
	assert.Equal(t, []string{"y"}, parser.Ins())
}
