package models

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan marks graph validation failures. These are fatal at
// construction or replan time; a plan that fails validation is never
// persisted or run.
var ErrInvalidPlan = errors.New("invalid plan")

// ErrNotFound is returned by stores for an unknown plan or task id.
var ErrNotFound = errors.New("not found")

// Validate checks the step graph: ids must be unique and non-empty, every
// dependency must reference a known step, and the graph must be acyclic.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	byID := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrInvalidPlan)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidPlan, s.ID)
			}
		}
	}

	return p.checkAcyclic(byID)
}

// checkAcyclic runs Kahn's algorithm; any node left with a nonzero in-degree
// is part of a cycle.
func (p *Plan) checkAcyclic(byID map[string]*Step) error {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(p.Steps))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(p.Steps) {
		for id, d := range indegree {
			if d > 0 {
				return fmt.Errorf("%w: dependency cycle involving step %q", ErrInvalidPlan, id)
			}
		}
	}
	return nil
}
