package ninja_go

import (
	"fmt"
	"sort"
	"strings"
)

// / An interface for a scope for variable (e.g. "$foo") lookups.
type Env interface {
	LookupVariable(name string) string
}

type TokenType int8

const (
	RAW TokenType = iota
	SPECIAL
)

type tokenPair struct {
	key string
	tp  TokenType
}

// / A tokenized string that contains variable references.
// / Can be evaluated relative to an Env.
type EvalString struct {
	parsed []tokenPair
}

// / @return The evaluated string with variable expanded using value found in
// /         environment @a env.
func (e *EvalString) Evaluate(env Env) string {
	if len(e.parsed) == 1 && e.parsed[0].tp == RAW {
		return e.parsed[0].key
	}
	var b strings.Builder
	for _, item := range e.parsed {
		if item.tp == RAW {
			b.WriteString(item.key)
		} else {
			b.WriteString(env.LookupVariable(item.key))
		}
	}
	return b.String()
}

func (e *EvalString) Clear() { e.parsed = e.parsed[:0] }

func (e *EvalString) Empty() bool { return len(e.parsed) == 0 }

func (e *EvalString) AddText(text string) {
	if n := len(e.parsed); n > 0 && e.parsed[n-1].tp == RAW {
		e.parsed[n-1].key += text
		return
	}
	e.parsed = append(e.parsed, tokenPair{key: text, tp: RAW})
}

func (e *EvalString) AddSpecial(name string) {
	e.parsed = append(e.parsed, tokenPair{key: name, tp: SPECIAL})
}

// / @return The string with variables not expanded.
func (e *EvalString) Unparse() string {
	var b strings.Builder
	for _, item := range e.parsed {
		if item.tp == SPECIAL {
			b.WriteString("${" + item.key + "}")
		} else {
			b.WriteString(item.key)
		}
	}
	return b.String()
}

// / Construct a human-readable representation of the parsed state,
// / for use in tests.
func (e *EvalString) Serialize() string {
	var b strings.Builder
	for _, item := range e.parsed {
		b.WriteByte('[')
		if item.tp == SPECIAL {
			b.WriteByte('$')
		}
		b.WriteString(item.key)
		b.WriteByte(']')
	}
	return b.String()
}

// / An invocable build command and associated metadata (description, etc.).
type Rule struct {
	name     string
	bindings map[string]*EvalString
}

func NewRule(name string) *Rule {
	return &Rule{name: name, bindings: map[string]*EvalString{}}
}

func (r *Rule) Name() string { return r.name }

func (r *Rule) AddBinding(key string, val *EvalString) {
	r.bindings[key] = val
}

func (r *Rule) GetBinding(key string) *EvalString {
	return r.bindings[key]
}

// IsReservedBinding lists the rule variables the engine itself interprets.
func IsReservedBinding(name string) bool {
	switch name {
	case "command", "depfile", "description", "deps", "generator", "pool",
		"restat", "rspfile", "rspfile_content", "hash_input":
		return true
	}
	return false
}

// / An Env which contains a mapping of variables to values
// / as well as a pointer to a parent scope.
type BindingEnv struct {
	bindings map[string]string
	rules    map[string]*Rule
	parent   *BindingEnv
}

func NewBindingEnv(parent *BindingEnv) *BindingEnv {
	return &BindingEnv{
		bindings: map[string]string{},
		rules:    map[string]*Rule{},
		parent:   parent,
	}
}

func (b *BindingEnv) LookupVariable(name string) string {
	if v, ok := b.bindings[name]; ok {
		return v
	}
	if b.parent != nil {
		return b.parent.LookupVariable(name)
	}
	return ""
}

func (b *BindingEnv) AddBinding(key, val string) {
	b.bindings[key] = val
}

func (b *BindingEnv) AddRule(rule *Rule) error {
	if b.LookupRuleCurrentScope(rule.Name()) != nil {
		return fmt.Errorf("duplicate rule '%s'", rule.Name())
	}
	b.rules[rule.Name()] = rule
	return nil
}

func (b *BindingEnv) LookupRuleCurrentScope(name string) *Rule {
	return b.rules[name]
}

func (b *BindingEnv) LookupRule(name string) *Rule {
	if r, ok := b.rules[name]; ok {
		return r
	}
	if b.parent != nil {
		return b.parent.LookupRule(name)
	}
	return nil
}

// GetRules returns the rules of this scope sorted by name.
func (b *BindingEnv) GetRules() []*Rule {
	rules := make([]*Rule, 0, len(b.rules))
	for _, r := range b.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].name < rules[j].name })
	return rules
}

// / This is tricky.  Edges want lookup scope to go in this order:
// / 1) value set on edge itself (edge.env)
// / 2) value set on rule, with expansion in the edge's scope
// / 3) value set on enclosing scope of edge (edge.env.parent)
// / This function takes as parameters the necessary info to do (2).
func (b *BindingEnv) LookupWithFallback(name string, eval *EvalString, env Env) string {
	if v, ok := b.bindings[name]; ok {
		return v
	}
	if eval != nil {
		return eval.Evaluate(env)
	}
	if b.parent != nil {
		return b.parent.LookupVariable(name)
	}
	return ""
}
