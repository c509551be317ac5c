package ninja_go

import (
	"errors"
	"slices"
)

// / Parser for the dependency information emitted by gcc's -M flags.
type DepfileParser struct {
	outs []string
	ins  []string
}

func (p *DepfileParser) Outs() []string { return p.outs }
func (p *DepfileParser) Ins() []string  { return p.ins }

func isDepfileSpace(c byte) bool { return c == ' ' || c == '\t' }
func isDepfileEOL(c byte) bool   { return c == '\n' || c == '\r' }

// / Parse a Makefile-style depfile: "out1 out2: in1 in2 \
// /   in3". Backslash-newline continues a line, "\ " and "\#" escape a
// / space or hash inside a path and "$$" is a literal dollar.
func (p *DepfileParser) Parse(content []byte) error {
	p.outs = p.outs[:0]
	p.ins = p.ins[:0]

	parsingTargets := true
	poisonedInput := false
	haveTarget := false
	n := len(content)
	i := 0
	for i < n {
		c := content[i]
		switch {
		case c == '\\' && i+1 < n && content[i+1] == '\n':
			i += 2
			continue
		case c == '\\' && i+2 < n && content[i+1] == '\r' && content[i+2] == '\n':
			i += 3
			continue
		case isDepfileSpace(c):
			i++
			continue
		case isDepfileEOL(c):
			parsingTargets = true
			poisonedInput = false
			i++
			continue
		}

		// Read one filename.
		var filename []byte
		sawColon := false
	token:
		for i < n {
			c := content[i]
			switch {
			case c == '\\' && i+1 < n && (content[i+1] == ' ' || content[i+1] == '#'):
				filename = append(filename, content[i+1])
				i += 2
			case c == '\\' && i+1 < n && (content[i+1] == '\n' || content[i+1] == '\r'):
				break token
			case c == '$' && i+1 < n && content[i+1] == '$':
				filename = append(filename, '$')
				i += 2
			case c == ':' && (i+1 == n || isDepfileSpace(content[i+1]) || isDepfileEOL(content[i+1])):
				sawColon = true
				i++
				break token
			case isDepfileSpace(c) || isDepfileEOL(c):
				break token
			default:
				filename = append(filename, c)
				i++
			}
		}
		if !sawColon {
			// "out.o : in.c" puts the colon in its own token.
			j := i
			for j < n && isDepfileSpace(content[j]) {
				j++
			}
			if j < n && content[j] == ':' && (j+1 == n || isDepfileSpace(content[j+1]) || isDepfileEOL(content[j+1])) {
				sawColon = true
				i = j + 1
			}
		}

		isDependency := !parsingTargets
		if sawColon {
			if !parsingTargets {
				return errors.New("inputs may not also have inputs")
			}
			parsingTargets = false
			haveTarget = true
		}
		if len(filename) == 0 {
			continue
		}
		piece := string(filename)
		// If we've seen this as an input before, skip it.
		if !slices.Contains(p.ins, piece) {
			if isDependency {
				if poisonedInput {
					return errors.New("inputs may not also have inputs")
				}
				p.ins = append(p.ins, piece)
			} else if !slices.Contains(p.outs, piece) {
				p.outs = append(p.outs, piece)
			}
		} else if !isDependency {
			// We've passed an input on the left side; reject new inputs.
			poisonedInput = true
		}
	}
	if !haveTarget && len(p.outs) != 0 {
		return errors.New("expected ':' in depfile")
	}
	return nil
}
