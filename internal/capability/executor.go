package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go-planrun/internal/engine"
	"go-planrun/pkg/logger"
)

// StepExecutor is the engine's executor seam: it resolves the capability
// for a step, applies the step timeout, and returns the outcome without
// touching plan state.
type StepExecutor struct {
	registry *Registry
	timeout  time.Duration
}

func NewStepExecutor(registry *Registry, timeout time.Duration) *StepExecutor {
	return &StepExecutor{registry: registry, timeout: timeout}
}

func (x *StepExecutor) Execute(ctx context.Context, req engine.StepRequest) engine.Outcome {
	name := req.Step.ToolHint
	if name == "" || x.registry.Get(name) == nil {
		name = Classify(req.Step.Description)
	}
	cap := x.registry.Get(name)
	if cap == nil {
		return engine.Outcome{StepID: req.Step.ID, Err: fmt.Errorf("no capability registered as %q", name)}
	}

	l := log.With().Str(logger.ComponentField, "executor").
		Str(logger.PlanIDField, req.PlanID.String()).
		Str(logger.StepIDField, req.Step.ID).
		Str(logger.CapabilityField, name).Logger()
	l.Debug().Msg("executing step")

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	result, err := cap.Execute(ctx, Input{
		PlanID:      req.PlanID.String(),
		Goal:        req.Goal,
		Description: req.Step.Description,
		History:     req.History,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("capability %q timed out after %s: %w", name, x.timeout, err)
		}
		return engine.Outcome{StepID: req.Step.ID, Err: err}
	}
	return engine.Outcome{StepID: req.Step.ID, Result: result}
}
