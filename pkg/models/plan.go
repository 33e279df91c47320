package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Terminal reports whether a plan in this status can transition further.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// Step is one unit of work within a plan. Result and Error are mutually
// exclusive and set once by the engine. A step never re-enters pending once
// it has left it; a retry is a new step appended by a replan.
type Step struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	DependsOn   []string   `json:"dependsOn,omitempty"`
	ToolHint    string     `json:"toolHint,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan is a goal decomposed into a dependency graph of steps. The execution
// engine is the sole mutator; once the status is terminal the plan is frozen.
type Plan struct {
	ID            uuid.UUID  `json:"id"`
	Goal          string     `json:"goal"`
	Context       string     `json:"context,omitempty"`
	Status        PlanStatus `json:"status"`
	Steps         []*Step    `json:"steps"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	Replans       int        `json:"replans"`
	// Frontier is the index of the first step of the newest replan
	// generation. Steps before it are frozen history from superseded
	// generations and do not count against completion.
	Frontier    int        `json:"frontier,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Count returns the number of steps currently in the given status.
func (p *Plan) Count(status StepStatus) int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Settled reports whether every step has reached a terminal status.
func (p *Plan) Settled() bool {
	for _, s := range p.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every step of the live generation completed
// successfully. Steps before the frontier are history left by replans.
func (p *Plan) AllCompleted() bool {
	from := p.Frontier
	if from > len(p.Steps) {
		from = len(p.Steps)
	}
	for _, s := range p.Steps[from:] {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, used to hand plan snapshots to readers while
// the engine keeps mutating the original.
func (p *Plan) Clone() *Plan {
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		sc.DependsOn = append([]string(nil), s.DependsOn...)
		cp.Steps[i] = &sc
	}
	return &cp
}
