// Package graph builds and validates the dependency graph of a workflow.
package graph

import (
	"github.com/flexinfer/clusterflow/pkg/types"
)

// Graph is an immutable, validated dependency graph. Edges point from a task
// to the tasks it depends on.
type Graph struct {
	order      []string
	tasks      map[string]*types.Task
	deps       map[string][]string
	dependents map[string][]string
}

// Build validates the task list and returns the graph. Tasks are checked in
// declaration order so the reported error is deterministic.
func Build(tasks []types.Task) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(tasks)),
		tasks:      make(map[string]*types.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for i := range tasks {
		t := tasks[i]
		if err := t.Validate(); err != nil {
			return nil, &Error{Kind: types.ErrInvalidTask, Task: t.Name, Err: err}
		}
		if _, dup := g.tasks[t.Name]; dup {
			return nil, &Error{Kind: ErrDuplicateTask, Task: t.Name}
		}
		t.DependsOn = append([]string(nil), t.DependsOn...)
		g.tasks[t.Name] = &t
		g.order = append(g.order, t.Name)
	}

	for _, name := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.tasks[name].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, &Error{Kind: ErrUnknownDependency, Task: name, Missing: dep}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[name] = append(g.deps[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &Error{Kind: ErrCycleDetected, Task: cycle[0], Cycle: cycle}
	}
	return g, nil
}

type colour int

const (
	white colour = iota
	grey
	black
)

// findCycle runs a three-colour depth-first search and returns the first
// cycle found as a path that starts and ends on the same task.
func (g *Graph) findCycle() []string {
	marks := make(map[string]colour, len(g.order))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		marks[name] = grey
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			switch marks[dep] {
			case grey:
				for i, n := range stack {
					if n == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = black
		return nil
	}

	for _, name := range g.order {
		if marks[name] == white {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len is the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.order) }

// Names returns task names in declaration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Task returns the definition for name, or nil.
func (g *Graph) Task(name string) *types.Task {
	return g.tasks[name]
}

// Has reports whether the graph contains name.
func (g *Graph) Has(name string) bool {
	_, ok := g.tasks[name]
	return ok
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the tasks that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Ancestors returns every task name reachable through dependency edges,
// excluding name itself.
func (g *Graph) Ancestors(name string) map[string]bool {
	return g.reach(name, g.deps)
}

// Descendants returns every task that transitively depends on name,
// excluding name itself.
func (g *Graph) Descendants(name string) map[string]bool {
	return g.reach(name, g.dependents)
}

func (g *Graph) reach(start string, edges map[string][]string) map[string]bool {
	out := make(map[string]bool)
	queue := append([]string(nil), edges[start]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if out[n] {
			continue
		}
		out[n] = true
		queue = append(queue, edges[n]...)
	}
	return out
}
