package graph

import (
	"github.com/flexinfer/clusterflow/pkg/types"
)

// Selector narrows which tasks of a workflow execute. At most one field may
// be set.
//
//	From: ancestors of From are treated as already satisfied.
//	To:   strict descendants of To are removed.
//	Only: the single task Only runs with its edges ignored.
type Selector struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Only string `json:"only,omitempty"`
}

// IsZero reports whether no selector is set.
func (s Selector) IsZero() bool {
	return s.From == "" && s.To == "" && s.Only == ""
}

func (s Selector) count() int {
	n := 0
	for _, v := range []string{s.From, s.To, s.Only} {
		if v != "" {
			n++
		}
	}
	return n
}

// Plan is a validated graph with an execution scope applied.
type Plan struct {
	Graph *Graph

	execute   []string
	inScope   map[string]bool
	satisfied map[string]bool
	isolated  bool
}

// NewPlan builds the graph from tasks and applies sel. All validation
// happens here, before anything is submitted.
func NewPlan(tasks []types.Task, sel Selector) (*Plan, error) {
	g, err := Build(tasks)
	if err != nil {
		return nil, err
	}
	return g.Scope(sel)
}

// Scope applies a selector to the graph.
func (g *Graph) Scope(sel Selector) (*Plan, error) {
	if sel.count() > 1 {
		return nil, &Error{Kind: ErrConflictingSelectors}
	}
	for _, name := range []string{sel.From, sel.To, sel.Only} {
		if name != "" && !g.Has(name) {
			return nil, &Error{Kind: ErrUnknownTask, Task: name}
		}
	}

	p := &Plan{
		Graph:     g,
		inScope:   make(map[string]bool, g.Len()),
		satisfied: make(map[string]bool),
	}

	var excluded map[string]bool
	switch {
	case sel.From != "":
		p.satisfied = g.Ancestors(sel.From)
		excluded = p.satisfied
	case sel.To != "":
		excluded = g.Descendants(sel.To)
	case sel.Only != "":
		p.isolated = true
		p.inScope[sel.Only] = true
		p.execute = []string{sel.Only}
		return p, nil
	}

	for _, name := range g.order {
		if excluded[name] {
			continue
		}
		p.inScope[name] = true
		p.execute = append(p.execute, name)
	}
	return p, nil
}

// Tasks returns the names that will execute, in declaration order.
func (p *Plan) Tasks() []string {
	return append([]string(nil), p.execute...)
}

// InScope reports whether name will execute.
func (p *Plan) InScope(name string) bool {
	return p.inScope[name]
}

// Satisfied reports whether name is treated as already complete.
func (p *Plan) Satisfied(name string) bool {
	return p.satisfied[name]
}

// Dependencies returns the dependencies of name that must resolve during
// this execution. Satisfied ancestors are omitted, and an isolated task has
// none.
func (p *Plan) Dependencies(name string) []string {
	if p.isolated {
		return nil
	}
	var out []string
	for _, dep := range p.Graph.deps[name] {
		if p.inScope[dep] {
			out = append(out, dep)
		}
	}
	return out
}

// Dependents returns the in-scope tasks that directly depend on name.
func (p *Plan) Dependents(name string) []string {
	if p.isolated {
		return nil
	}
	var out []string
	for _, d := range p.Graph.dependents[name] {
		if p.inScope[d] {
			out = append(out, d)
		}
	}
	return out
}

// Levels groups in-scope tasks by dependency depth. Level 0 holds tasks with
// no in-scope dependencies. It is only used to display a plan; execution
// never waits on a level boundary.
func (p *Plan) Levels() [][]string {
	depth := make(map[string]int, len(p.execute))
	var calc func(name string) int
	calc = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		d := 0
		for _, dep := range p.Dependencies(name) {
			if dd := calc(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[name] = d
		return d
	}

	var levels [][]string
	for _, name := range p.execute {
		d := calc(name)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], name)
	}
	return levels
}
