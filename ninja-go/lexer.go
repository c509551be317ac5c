package ninja_go

import (
	"fmt"
	"strings"
)

type Token uint8

const (
	ERROR Token = iota
	BUILD
	COLON
	DEFAULT
	EQUALS
	IDENT
	INCLUDE
	INDENT
	NEWLINE
	PIPE
	PIPE2
	PIPEAT
	POOL
	RULE
	SUBNINJA
	TEOF
)

var keywords = map[string]Token{
	"build":    BUILD,
	"default":  DEFAULT,
	"include":  INCLUDE,
	"pool":     POOL,
	"rule":     RULE,
	"subninja": SUBNINJA,
}

// / Return a human-readable form of a token, used in error messages.
func TokenName(t Token) string {
	switch t {
	case ERROR:
		return "lexing error"
	case BUILD:
		return "'build'"
	case COLON:
		return "':'"
	case DEFAULT:
		return "'default'"
	case EQUALS:
		return "'='"
	case IDENT:
		return "identifier"
	case INCLUDE:
		return "'include'"
	case INDENT:
		return "indent"
	case NEWLINE:
		return "newline"
	case PIPE2:
		return "'||'"
	case PIPE:
		return "'|'"
	case PIPEAT:
		return "'|@'"
	case POOL:
		return "'pool'"
	case RULE:
		return "'rule'"
	case SUBNINJA:
		return "'subninja'"
	case TEOF:
		return "eof"
	}
	return "" // not reached
}

// / Return a human-readable token hint, used in error messages.
func TokenErrorHint(expected Token) string {
	if expected == COLON {
		return " ($ also escapes ':')"
	}
	return ""
}

// ParseError is a manifest error with file and line context. Err holds the
// underlying typed error, if any.
type ParseError struct {
	Filename string
	Line     int
	Msg      string
	Context  string
	Err      error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s:%d: %s", e.Filename, e.Line, e.Msg)
	if e.Context != "" {
		msg += "\n" + e.Context
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

type Lexer struct {
	filename  string
	input     string
	ofs       int
	lastToken int
}

// / Helper ctor useful for tests.
func NewLexer(input string) *Lexer {
	l := &Lexer{}
	l.Start("input", input)
	return l
}

// / Start parsing some input.
func (l *Lexer) Start(filename, input string) {
	l.filename = filename
	l.input = input
	l.ofs = 0
	l.lastToken = 0
}

func (l *Lexer) peek(i int) byte {
	if i >= len(l.input) {
		return 0
	}
	return l.input[i]
}

func isVarnameChar(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '_' || c == '-' || c == '.'
}

func isSimpleVarnameChar(c byte) bool {
	return isVarnameChar(c) && c != '.'
}

// / Skip past whitespace (called after each read token/ident/etc.).
func (l *Lexer) EatWhitespace() {
	for {
		switch {
		case l.peek(l.ofs) == ' ':
			l.ofs++
		case l.peek(l.ofs) == '$' && l.peek(l.ofs+1) == '\n':
			l.ofs += 2
		case l.peek(l.ofs) == '$' && l.peek(l.ofs+1) == '\r' && l.peek(l.ofs+2) == '\n':
			l.ofs += 3
		default:
			return
		}
	}
}

// / Read a Token from the Token enum.
func (l *Lexer) ReadToken() Token {
	p := l.ofs
	var token Token
	for {
		start := p
		spaces := p
		for l.peek(spaces) == ' ' {
			spaces++
		}
		c := l.peek(spaces)
		switch {
		case c == '#':
			// Comment lines vanish entirely.
			end := strings.IndexByte(l.input[spaces:], '\n')
			if end < 0 {
				p = len(l.input)
			} else {
				p = spaces + end + 1
			}
			continue
		case c == '\n':
			p = spaces + 1
			token = NEWLINE
		case c == '\r' && l.peek(spaces+1) == '\n':
			p = spaces + 2
			token = NEWLINE
		case spaces > start:
			p = spaces
			token = INDENT
		case c == 0 && p >= len(l.input):
			token = TEOF
		case c == '=':
			p++
			token = EQUALS
		case c == ':':
			p++
			token = COLON
		case c == '|' && l.peek(p+1) == '|':
			p += 2
			token = PIPE2
		case c == '|' && l.peek(p+1) == '@':
			p += 2
			token = PIPEAT
		case c == '|':
			p++
			token = PIPE
		case isVarnameChar(c):
			for isVarnameChar(l.peek(p)) {
				p++
			}
			token = IDENT
			if kw, ok := keywords[l.input[start:p]]; ok {
				token = kw
			}
		default:
			p++
			token = ERROR
		}
		l.lastToken = start
		break
	}
	l.ofs = p
	if token != NEWLINE && token != TEOF {
		l.EatWhitespace()
	}
	return token
}

// / Rewind to the last read Token.
func (l *Lexer) UnreadToken() {
	l.ofs = l.lastToken
}

// / If the next token is token, read it and return true.
func (l *Lexer) PeekToken(token Token) bool {
	if l.ReadToken() == token {
		return true
	}
	l.UnreadToken()
	return false
}

// / Read a simple identifier (a rule or variable name).
// / Returns false if a name can't be read.
func (l *Lexer) ReadIdent() (string, bool) {
	start := l.ofs
	p := start
	for isVarnameChar(l.peek(p)) {
		p++
	}
	l.lastToken = start
	if p == start {
		return "", false
	}
	l.ofs = p
	l.EatWhitespace()
	return l.input[start:p], true
}

// / Read a path (complete with $escapes).
// / The returned path may be empty if a delimiter (space, newline) is hit.
func (l *Lexer) ReadPath(path *EvalString) error {
	return l.readEvalString(path, true)
}

// / Read the value side of a var = value line (complete with $escapes).
func (l *Lexer) ReadVarValue(value *EvalString) error {
	return l.readEvalString(value, false)
}

func (l *Lexer) readEvalString(eval *EvalString, path bool) error {
	p := l.ofs
	start := p
loop:
	for {
		start = p
		c := l.peek(p)
		switch {
		case p >= len(l.input):
			l.lastToken = start
			return l.Error("unexpected EOF")
		case c == '\r' && l.peek(p+1) == '\n':
			if !path {
				p += 2
			}
			break loop
		case c == '\n':
			if !path {
				p++
			}
			break loop
		case c == ' ' || c == ':' || c == '|':
			if path {
				break loop
			}
			eval.AddText(l.input[p : p+1])
			p++
		case c == '$':
			n := l.peek(p + 1)
			switch {
			case n == '$' || n == ' ' || n == ':':
				eval.AddText(l.input[p+1 : p+2])
				p += 2
			case n == '\n' || (n == '\r' && l.peek(p+2) == '\n'):
				p += 2
				if n == '\r' {
					p++
				}
				for l.peek(p) == ' ' {
					p++
				}
			case n == '{':
				q := p + 2
				for isVarnameChar(l.peek(q)) {
					q++
				}
				if q == p+2 || l.peek(q) != '}' {
					l.lastToken = start
					return l.Error("bad $-escape (literal $ must be written as $$)")
				}
				eval.AddSpecial(l.input[p+2 : q])
				p = q + 1
			case isSimpleVarnameChar(n):
				q := p + 1
				for isSimpleVarnameChar(l.peek(q)) {
					q++
				}
				eval.AddSpecial(l.input[p+1 : q])
				p = q
			default:
				l.lastToken = start
				return l.Error("bad $-escape (literal $ must be written as $$)")
			}
		default:
			q := p
			for q < len(l.input) {
				d := l.input[q]
				if d == '$' || d == ' ' || d == ':' || d == '\r' || d == '\n' || d == '|' || d == 0 {
					break
				}
				q++
			}
			if q == p {
				// A lone '\r' or a NUL byte.
				q = p + 1
			}
			eval.AddText(l.input[p:q])
			p = q
		}
	}
	l.lastToken = start
	l.ofs = p
	if path {
		l.EatWhitespace()
	}
	// Non-path strings end in newlines, so there's no whitespace to eat.
	return nil
}

// / If the last token read was an ERROR token, provide more info
// / or the empty string.
func (l *Lexer) DescribeLastError() string {
	if l.lastToken < len(l.input) && l.input[l.lastToken] == '\t' {
		return "tabs are not allowed, use spaces"
	}
	return "lexing error"
}

// / Construct an error message with context.
func (l *Lexer) Error(message string) error {
	return l.wrapError(message, nil)
}

func (l *Lexer) wrapError(message string, err error) error {
	// Compute line/column.
	line := 1
	lineStart := 0
	for p := 0; p < l.lastToken && p < len(l.input); p++ {
		if l.input[p] == '\n' {
			line++
			lineStart = p + 1
		}
	}
	col := l.lastToken - lineStart

	// Add some context to the message.
	const truncateColumn = 72
	var context string
	if col > 0 && col < truncateColumn {
		end := strings.IndexByte(l.input[lineStart:], '\n')
		if end < 0 {
			end = len(l.input) - lineStart
		}
		truncated := end > truncateColumn
		if truncated {
			end = truncateColumn
		}
		context = l.input[lineStart : lineStart+end]
		if truncated {
			context += "..."
		}
		context += "\n" + strings.Repeat(" ", col) + "^ near here"
	}
	return &ParseError{Filename: l.filename, Line: line, Msg: message, Context: context, Err: err}
}
