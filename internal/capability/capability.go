// Package capability holds the executable capabilities a step can be
// dispatched to, and the step executor that picks between them.
package capability

import "context"

// Kind tags how a capability does its work. Every capability must be
// registered under a known kind before use.
type Kind string

const (
	KindTool  Kind = "tool-call"
	KindModel Kind = "model-inference"
)

// Input is everything a capability may consume for one step.
type Input struct {
	PlanID      string
	Goal        string
	Description string
	// History is a json list with the results of the step's dependencies.
	History string
}

// Capability executes one step's worth of work.
type Capability interface {
	Name() string
	Kind() Kind
	Execute(ctx context.Context, in Input) (string, error)
}

// Registry maps capability names to implementations.
type Registry struct {
	caps  map[string]Capability
	order []string
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Register(c Capability) {
	if _, ok := r.caps[c.Name()]; !ok {
		r.order = append(r.order, c.Name())
	}
	r.caps[c.Name()] = c
}

func (r *Registry) Get(name string) Capability {
	return r.caps[name]
}

// Names returns registered capability names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
