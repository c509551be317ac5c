package ninja_go

import "fmt"

// / A class used to record a list of explanation strings associated
// / with a given 'item' pointer. This is used to implement the
// / `-d explain` feature.
type Explanations struct {
	byItem map[interface{}][]string
}

func NewExplanations() *Explanations {
	return &Explanations{byItem: map[interface{}][]string{}}
}

// / Record an explanation for |item| if this instance is enabled.
func (e *Explanations) Record(item interface{}, format string, args ...interface{}) {
	e.byItem[item] = append(e.byItem[item], fmt.Sprintf(format, args...))
}

// / Lookup the explanations recorded for |item|, and append them
// / to |out|, if any.
func (e *Explanations) LookupAndAppend(item interface{}, out []string) []string {
	return append(out, e.byItem[item]...)
}

// / Convenience wrapper for an optional Explanations pointer. A nil
// / wrapped pointer turns every call into a no-op.
type OptionalExplanations struct {
	explanations *Explanations
}

func NewOptionalExplanations(explanations *Explanations) OptionalExplanations {
	return OptionalExplanations{explanations: explanations}
}

func (o OptionalExplanations) Record(item interface{}, format string, args ...interface{}) {
	if o.explanations != nil {
		o.explanations.Record(item, format, args...)
	}
}

func (o OptionalExplanations) LookupAndAppend(item interface{}, out []string) []string {
	if o.explanations == nil {
		return out
	}
	return o.explanations.LookupAndAppend(item, out)
}

func (o OptionalExplanations) Ptr() *Explanations { return o.explanations }
