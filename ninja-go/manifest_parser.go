package ninja_go

import (
	"errors"
	"fmt"
	"strconv"
)

type PhonyCycleAction int8

const (
	kPhonyCycleActionWarn PhonyCycleAction = iota
	kPhonyCycleActionError
)

type ManifestParserOptions struct {
	PhonyCycleAction PhonyCycleAction
}

// / Parses .ninja files.
type ManifestParser struct {
	state      *State
	fileReader FileReader
	lexer      Lexer
	env        *BindingEnv
	options    ManifestParserOptions
	quiet      bool
}

func NewManifestParser(state *State, fileReader FileReader, options ManifestParserOptions) *ManifestParser {
	return &ManifestParser{
		state:      state,
		fileReader: fileReader,
		env:        state.Bindings(),
		options:    options,
	}
}

// / Load and parse a file.
func (m *ManifestParser) Load(filename string) error {
	defer METRIC_RECORD(".ninja parse")()
	contents, err := m.fileReader.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("loading '%s': %w", filename, err)
	}
	return m.Parse(filename, string(contents))
}

// / Parse a text string of input.  Used by tests.
func (m *ManifestParser) ParseTest(input string) error {
	m.quiet = true
	return m.Parse("input", input)
}

// / Parse a file, given its contents as a string.
func (m *ManifestParser) Parse(filename, input string) error {
	m.lexer.Start(filename, input)

	for {
		token := m.lexer.ReadToken()
		var err error
		switch token {
		case POOL:
			err = m.parsePool()
		case BUILD:
			err = m.parseEdge()
		case RULE:
			err = m.parseRule()
		case DEFAULT:
			err = m.parseDefault()
		case IDENT:
			m.lexer.UnreadToken()
			var name string
			var letValue EvalString
			if name, err = m.parseLet(&letValue); err != nil {
				return err
			}
			value := letValue.Evaluate(m.env)
			// Check ninja_required_version immediately so we can exit
			// before encountering any syntactic surprises.
			if name == "ninja_required_version" {
				if err := CheckNinjaVersion(value); err != nil {
					return err
				}
			}
			m.env.AddBinding(name, value)
		case INCLUDE:
			err = m.parseFileInclude(false)
		case SUBNINJA:
			err = m.parseFileInclude(true)
		case ERROR:
			return m.lexer.Error(m.lexer.DescribeLastError())
		case TEOF:
			return nil
		case NEWLINE:
		default:
			return m.lexer.Error("unexpected " + TokenName(token))
		}
		if err != nil {
			return err
		}
	}
}

func (m *ManifestParser) expectToken(expected Token) error {
	if token := m.lexer.ReadToken(); token != expected {
		return m.lexer.Error("expected " + TokenName(expected) + ", got " +
			TokenName(token) + TokenErrorHint(expected))
	}
	return nil
}

func (m *ManifestParser) parsePool() error {
	name, ok := m.lexer.ReadIdent()
	if !ok {
		return m.lexer.Error("expected pool name")
	}
	if err := m.expectToken(NEWLINE); err != nil {
		return err
	}
	if m.state.LookupPool(name) != nil {
		return m.lexer.Error("duplicate pool '" + name + "'")
	}

	depth := -1
	for m.lexer.PeekToken(INDENT) {
		var value EvalString
		key, err := m.parseLet(&value)
		if err != nil {
			return err
		}
		if key != "depth" {
			return m.lexer.Error("unexpected variable '" + key + "'")
		}
		depth, err = strconv.Atoi(value.Evaluate(m.env))
		if err != nil || depth < 0 {
			return m.lexer.Error("invalid pool depth")
		}
	}
	if depth < 0 {
		return m.lexer.Error("expected 'depth =' line")
	}
	return m.state.AddPool(NewPool(name, depth))
}

func (m *ManifestParser) parseRule() error {
	name, ok := m.lexer.ReadIdent()
	if !ok {
		return m.lexer.Error("expected rule name")
	}
	if err := m.expectToken(NEWLINE); err != nil {
		return err
	}
	if m.env.LookupRuleCurrentScope(name) != nil {
		return m.lexer.Error("duplicate rule '" + name + "'")
	}

	rule := NewRule(name)
	for m.lexer.PeekToken(INDENT) {
		value := &EvalString{}
		key, err := m.parseLet(value)
		if err != nil {
			return err
		}
		if !IsReservedBinding(key) {
			// Die on other keyvals for now; revisit if we want to add a
			// scope here.
			return m.lexer.Error("unexpected variable '" + key + "'")
		}
		rule.AddBinding(key, value)
	}

	if bindingEmpty(rule, "rspfile") != bindingEmpty(rule, "rspfile_content") {
		return m.lexer.Error("rspfile and rspfile_content need to be both specified")
	}
	if bindingEmpty(rule, "command") {
		return m.lexer.Error("expected 'command =' line")
	}
	if err := m.env.AddRule(rule); err != nil {
		return m.lexer.Error(err.Error())
	}
	return nil
}

func bindingEmpty(rule *Rule, key string) bool {
	b := rule.GetBinding(key)
	return b == nil || b.Empty()
}

func (m *ManifestParser) parseLet(value *EvalString) (string, error) {
	key, ok := m.lexer.ReadIdent()
	if !ok {
		return "", m.lexer.Error("expected variable name")
	}
	if err := m.expectToken(EQUALS); err != nil {
		return "", err
	}
	if err := m.lexer.ReadVarValue(value); err != nil {
		return "", err
	}
	return key, nil
}

// readPaths reads paths until the list ends.
func (m *ManifestParser) readPaths(into []EvalString) ([]EvalString, int, error) {
	count := 0
	for {
		var path EvalString
		if err := m.lexer.ReadPath(&path); err != nil {
			return into, count, err
		}
		if path.Empty() {
			return into, count, nil
		}
		into = append(into, path)
		count++
	}
}

func (m *ManifestParser) canonical(eval *EvalString, env Env) (string, uint64, error) {
	path := eval.Evaluate(env)
	if path == "" {
		return "", 0, m.lexer.Error("empty path")
	}
	canonical, slashBits, err := CanonicalizePath(path)
	if err != nil {
		return "", 0, m.lexer.wrapError(err.Error(), err)
	}
	return canonical, slashBits, nil
}

func (m *ManifestParser) parseEdge() error {
	outs, _, err := m.readPaths(nil)
	if err != nil {
		return err
	}

	// Add all implicit outs, counting how many as we go.
	implicitOuts := 0
	if m.lexer.PeekToken(PIPE) {
		if outs, implicitOuts, err = m.readPaths(outs); err != nil {
			return err
		}
	}
	if len(outs) == 0 {
		return m.lexer.Error("expected path")
	}

	if err := m.expectToken(COLON); err != nil {
		return err
	}

	ruleName, ok := m.lexer.ReadIdent()
	if !ok {
		return m.lexer.Error("expected build command name")
	}
	rule := m.env.LookupRule(ruleName)
	if rule == nil {
		return m.lexer.Error("unknown build rule '" + ruleName + "'")
	}

	ins, _, err := m.readPaths(nil)
	if err != nil {
		return err
	}

	// Add all implicit deps, counting how many as we go.
	implicit := 0
	if m.lexer.PeekToken(PIPE) {
		if ins, implicit, err = m.readPaths(ins); err != nil {
			return err
		}
	}

	// Add all order-only deps, counting how many as we go.
	orderOnly := 0
	if m.lexer.PeekToken(PIPE2) {
		if ins, orderOnly, err = m.readPaths(ins); err != nil {
			return err
		}
	}

	if m.lexer.PeekToken(PIPEAT) {
		return m.lexer.Error("validation inputs ('|@') are not supported")
	}

	if err := m.expectToken(NEWLINE); err != nil {
		return err
	}

	// Bindings on edges are rare, so allocate per-edge envs only when needed.
	hasIndent := m.lexer.PeekToken(INDENT)
	env := m.env
	if hasIndent {
		env = NewBindingEnv(m.env)
	}
	for hasIndent {
		var val EvalString
		key, err := m.parseLet(&val)
		if err != nil {
			return err
		}
		env.AddBinding(key, val.Evaluate(m.env))
		hasIndent = m.lexer.PeekToken(INDENT)
	}

	edge := m.state.AddEdge(rule)
	edge.SetEnv(env)

	if poolName := edge.GetBinding("pool"); poolName != "" {
		pool := m.state.LookupPool(poolName)
		if pool == nil {
			return m.lexer.Error("unknown pool name '" + poolName + "'")
		}
		edge.SetPool(pool)
	}

	for i := range outs {
		path, slashBits, err := m.canonical(&outs[i], env)
		if err != nil {
			return err
		}
		if err := m.state.AddOut(edge, path, slashBits); err != nil {
			var dup *DuplicateOutputError
			if errors.As(err, &dup) {
				return m.lexer.wrapError(err.Error(), err)
			}
			return m.lexer.Error(err.Error())
		}
	}
	edge.implicitOuts = implicitOuts

	for i := range ins {
		path, slashBits, err := m.canonical(&ins[i], env)
		if err != nil {
			return err
		}
		m.state.AddIn(edge, path, slashBits)
	}
	edge.implicitDeps = implicit
	edge.orderOnlyDeps = orderOnly

	if m.options.PhonyCycleAction == kPhonyCycleActionWarn && edge.maybePhonycycleDiagnostic() {
		// Old CMake versions wrote phony build statements that reference
		// themselves. Drop the self-reference instead of reporting a cycle.
		out := edge.outputs[0]
		kept := edge.inputs[:0]
		for _, in := range edge.inputs {
			if in != out {
				kept = append(kept, in)
			}
		}
		if len(kept) != len(edge.inputs) {
			edge.inputs = kept
			out.removeOutEdge(edge)
			if !m.quiet {
				Warning("phony target '%s' names itself as an input; ignoring [-w phonycycle=warn]", out.Path())
			}
		}
	}

	if err := edge.ValidateBindings(); err != nil {
		return m.lexer.Error(err.Error())
	}
	return nil
}

func (m *ManifestParser) parseDefault() error {
	var eval EvalString
	if err := m.lexer.ReadPath(&eval); err != nil {
		return err
	}
	if eval.Empty() {
		return m.lexer.Error("expected target name")
	}

	for !eval.Empty() {
		path, _, err := m.canonical(&eval, m.env)
		if err != nil {
			return err
		}
		if err := m.state.AddDefault(path); err != nil {
			return m.lexer.wrapError(err.Error(), err)
		}
		eval.Clear()
		if err := m.lexer.ReadPath(&eval); err != nil {
			return err
		}
	}
	return m.expectToken(NEWLINE)
}

// / Parse either a 'subninja' or 'include' line.
func (m *ManifestParser) parseFileInclude(newScope bool) error {
	var eval EvalString
	if err := m.lexer.ReadPath(&eval); err != nil {
		return err
	}
	path := eval.Evaluate(m.env)

	sub := NewManifestParser(m.state, m.fileReader, m.options)
	sub.quiet = m.quiet
	if newScope {
		sub.env = NewBindingEnv(m.env)
	} else {
		sub.env = m.env
	}
	contents, err := m.fileReader.ReadFile(path)
	if err != nil {
		return m.lexer.wrapError(fmt.Sprintf("loading '%s': %v", path, err), err)
	}
	if err := sub.Parse(path, string(contents)); err != nil {
		return err
	}
	return m.expectToken(NEWLINE)
}
