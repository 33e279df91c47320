// Package engine drives plans to completion: it resolves ready steps,
// dispatches them concurrently to the step executor, applies outcomes, and
// triggers replanning on failure.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go-planrun/internal/events"
	"go-planrun/pkg/logger"
	"go-planrun/pkg/metrics"
	"go-planrun/pkg/models"
)

var (
	// ErrPlanNotFound is returned when a plan id is unknown to the engine
	// and the store.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrRoundInProgress is returned to a caller whose round collides with
	// one already running for the same plan.
	ErrRoundInProgress = errors.New("round already in progress")
	// ErrPlanTerminal is returned when an operation needs a live plan.
	ErrPlanTerminal = errors.New("plan already terminal")
)

// StepRequest is the prepared, immutable input for one step execution. The
// engine builds it under its plan lock so the executor never reads shared
// plan state.
type StepRequest struct {
	PlanID  uuid.UUID
	Goal    string
	Step    models.Step
	History string
}

// Outcome is the executor's verdict on one step.
type Outcome struct {
	StepID string
	Result string
	Err    error
}

// Executor runs a single step to completion. It must apply its own timeout
// and must not mutate plan state.
type Executor interface {
	Execute(ctx context.Context, req StepRequest) Outcome
}

// Planner produces step graphs. Replan receives a snapshot of the current
// plan and returns only the regenerated steps; the engine applies them.
type Planner interface {
	Plan(ctx context.Context, id uuid.UUID, goal, planContext string) ([]*models.Step, error)
	Replan(ctx context.Context, plan *models.Plan, reason string) ([]*models.Step, error)
	Forget(id uuid.UUID)
}

// Store is the persistence sink. SavePlan must apply the plan and its steps
// as one atomic write.
type Store interface {
	SavePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListPlans(ctx context.Context, status models.PlanStatus) ([]*models.Plan, error)
}

// Config bounds the engine.
type Config struct {
	// Concurrency caps the steps dispatched in one round; ready steps
	// beyond it stay pending and are picked up next round.
	Concurrency int
	// MaxReplans caps replans per plan before a failure becomes terminal.
	MaxReplans int
}

// Engine owns all mutation of plan and step state.
type Engine struct {
	store   Store
	exec    Executor
	planner Planner
	bus     *events.Bus
	cfg     Config

	mu    sync.Mutex
	plans map[uuid.UUID]*planState
}

// planState pairs a plan with its locks. mu guards the plan struct; roundMu
// serializes rounds so two concurrent ExecuteNext callers cannot dispatch
// the same step twice.
type planState struct {
	mu      sync.Mutex
	roundMu sync.Mutex
	plan    *models.Plan

	cancelRound context.CancelFunc
}

func New(store Store, exec Executor, planner Planner, bus *events.Bus, cfg Config) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Engine{
		store:   store,
		exec:    exec,
		planner: planner,
		bus:     bus,
		cfg:     cfg,
		plans:   make(map[uuid.UUID]*planState),
	}
}

// CreatePlan asks the planner to decompose the goal, validates the resulting
// graph, and persists the plan. Nothing is persisted on validation failure.
func (e *Engine) CreatePlan(ctx context.Context, goal, planContext string) (*models.Plan, error) {
	l := log.With().Str(logger.ComponentField, "engine").Str(logger.GoalField, goal).Logger()
	l.Info().Msg("planning...")

	id := uuid.New()
	steps, err := e.planner.Plan(ctx, id, goal, planContext)
	if err != nil {
		return nil, fmt.Errorf("plan goal: %w", err)
	}

	plan := &models.Plan{
		ID:        id,
		Goal:      goal,
		Context:   planContext,
		Status:    models.PlanPending,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}

	e.mu.Lock()
	e.plans[plan.ID] = &planState{plan: plan}
	e.mu.Unlock()

	metrics.PlansCreated.Inc()
	e.bus.Publish(events.Event{Kind: events.PlanCreated, PlanID: plan.ID, Detail: goal})
	l.Info().Str(logger.PlanIDField, plan.ID.String()).Int("steps", len(steps)).Msg("plan created")
	return plan.Clone(), nil
}

// GetPlan returns a snapshot of the plan.
func (e *Engine) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	ps, err := e.state(ctx, id)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.plan.Clone(), nil
}

// List returns plans from the store, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status models.PlanStatus) ([]*models.Plan, error) {
	return e.store.ListPlans(ctx, status)
}

// Cancel transitions the plan to cancelled immediately. Steps already
// dispatched run to completion but their outcomes are discarded.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	ps, err := e.state(ctx, id)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	if ps.plan.Status.Terminal() {
		ps.mu.Unlock()
		return nil
	}
	for _, s := range ps.plan.Steps {
		if !s.Status.Terminal() {
			s.Status = models.StepCancelled
		}
	}
	e.finishLocked(ps.plan, models.PlanCancelled, "cancelled by caller")
	if ps.cancelRound != nil {
		ps.cancelRound()
	}
	plan := ps.plan
	ps.mu.Unlock()

	if err := e.store.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// Run drives the plan through rounds until it reaches a terminal status and
// returns the terminal snapshot.
func (e *Engine) Run(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	for {
		if _, err := e.ExecuteNext(ctx, id); err != nil {
			return nil, err
		}
		plan, err := e.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		if plan.Status.Terminal() {
			return plan, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ExecuteNext advances the plan by one round and returns snapshots of the
// steps dispatched this round. On a plan that is already terminal, or has
// nothing left to dispatch, it returns no steps and finalizes the status;
// calling it again is a no-op.
func (e *Engine) ExecuteNext(ctx context.Context, id uuid.UUID) ([]models.Step, error) {
	ps, err := e.state(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ps.roundMu.TryLock() {
		return nil, ErrRoundInProgress
	}
	defer ps.roundMu.Unlock()

	l := log.With().Str(logger.ComponentField, "engine").Str(logger.PlanIDField, id.String()).Logger()

	ps.mu.Lock()
	plan := ps.plan
	if plan.Status.Terminal() {
		ps.mu.Unlock()
		return nil, nil
	}
	plan.Status = models.PlanActive

	ready, cancelled := Resolve(plan)
	for _, s := range cancelled {
		metrics.StepsFinished.WithLabelValues(string(models.StepCancelled)).Inc()
		e.bus.Publish(events.Event{Kind: events.StepCancelled, PlanID: plan.ID, StepID: s.ID, Detail: s.Error})
	}

	if len(ready) == 0 {
		// Between rounds no step is active, so an empty ready set means
		// the plan has settled one way or the other.
		e.finalizeLocked(ps)
		ps.mu.Unlock()
		if err := e.store.SavePlan(ctx, plan); err != nil {
			return nil, fmt.Errorf("save plan: %w", err)
		}
		return nil, nil
	}

	if len(ready) > e.cfg.Concurrency {
		ready = ready[:e.cfg.Concurrency]
	}

	roundCtx, cancel := context.WithCancel(ctx)
	ps.cancelRound = cancel

	reqs := make([]StepRequest, 0, len(ready))
	dispatched := make([]models.Step, 0, len(ready))
	for _, s := range ready {
		s.Status = models.StepActive
		reqs = append(reqs, StepRequest{
			PlanID:  plan.ID,
			Goal:    plan.Goal,
			Step:    *s,
			History: dependencyHistory(plan, s),
		})
		dispatched = append(dispatched, *s)
		l.Info().Str(logger.StepIDField, s.ID).Msg("dispatching step")
		e.bus.Publish(events.Event{Kind: events.StepStarted, PlanID: plan.ID, StepID: s.ID})
	}
	ps.mu.Unlock()

	outcomes := make(chan Outcome, len(reqs))
	for _, req := range reqs {
		go func(r StepRequest) {
			outcomes <- e.exec.Execute(roundCtx, r)
		}(req)
	}

	var firstFailure *Outcome
	for range reqs {
		o := <-outcomes
		ps.mu.Lock()
		if plan.Status.Terminal() {
			// Cancelled mid-round; the outcome is discarded.
			ps.mu.Unlock()
			continue
		}
		s := plan.Step(o.StepID)
		if o.Err != nil {
			s.Status = models.StepFailed
			s.Error = o.Err.Error()
			if firstFailure == nil {
				f := o
				firstFailure = &f
			}
			metrics.StepsFinished.WithLabelValues(string(models.StepFailed)).Inc()
			e.bus.Publish(events.Event{Kind: events.StepFailed, PlanID: plan.ID, StepID: s.ID, Detail: s.Error})
			l.Warn().Str(logger.StepIDField, s.ID).Str("error", s.Error).Msg("step failed")
		} else {
			s.Status = models.StepCompleted
			s.Result = o.Result
			metrics.StepsFinished.WithLabelValues(string(models.StepCompleted)).Inc()
			e.bus.Publish(events.Event{Kind: events.StepCompleted, PlanID: plan.ID, StepID: s.ID})
			l.Info().Str(logger.StepIDField, s.ID).Msg("step completed")
		}
		ps.mu.Unlock()
	}
	cancel()

	ps.mu.Lock()
	ps.cancelRound = nil
	if plan.Status.Terminal() {
		ps.mu.Unlock()
		return dispatched, nil
	}

	if firstFailure != nil {
		// Every failure gets a replan attempt; the planner answering with
		// no steps, or an exhausted budget, is what fails the plan.
		reason := fmt.Sprintf("step %q failed: %v", firstFailure.StepID, firstFailure.Err)
		if err := e.replanLocked(ctx, ps, reason); err != nil {
			// The regenerated graph was invalid; there is no way forward.
			e.failLocked(ps, fmt.Sprintf("replan produced an invalid graph: %v; triggered by: %s", err, reason))
		}
	}
	if plan.Settled() {
		e.finalizeLocked(ps)
	}
	ps.mu.Unlock()

	if err := e.store.SavePlan(ctx, plan); err != nil {
		return dispatched, fmt.Errorf("save plan: %w", err)
	}
	return dispatched, nil
}

// Replan regenerates the remaining portion of the plan on explicit request.
// It refuses to interleave with a running round.
func (e *Engine) Replan(ctx context.Context, id uuid.UUID, reason string) (*models.Plan, error) {
	ps, err := e.state(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ps.roundMu.TryLock() {
		return nil, ErrRoundInProgress
	}
	defer ps.roundMu.Unlock()

	ps.mu.Lock()
	if ps.plan.Status.Terminal() {
		ps.mu.Unlock()
		return nil, fmt.Errorf("%w: plan %s is %s", ErrPlanTerminal, id, ps.plan.Status)
	}
	if err := e.replanLocked(ctx, ps, reason); err != nil {
		ps.mu.Unlock()
		return nil, err
	}
	plan := ps.plan
	snapshot := plan.Clone()
	ps.mu.Unlock()

	if err := e.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	return snapshot, nil
}

// replanLocked applies the in-place replan policy: completed and failed
// steps stay as immutable history, still-pending steps are cancelled as
// superseded, and the regenerated sub-graph is appended. The candidate graph
// is validated before any mutation is kept. Called with ps.mu held.
func (e *Engine) replanLocked(ctx context.Context, ps *planState, reason string) error {
	plan := ps.plan
	l := log.With().Str(logger.ComponentField, "engine").Str(logger.PlanIDField, plan.ID.String()).Logger()

	if plan.Replans >= e.cfg.MaxReplans {
		e.failLocked(ps, fmt.Sprintf("replan budget exhausted; last reason: %s", reason))
		return nil
	}
	plan.Replans++
	metrics.Replans.Inc()
	l.Info().Str("reason", reason).Int("attempt", plan.Replans).Msg("replanning...")

	newSteps, err := e.planner.Replan(ctx, plan.Clone(), reason)
	if err != nil {
		e.failLocked(ps, fmt.Sprintf("replan failed: %v; triggered by: %s", err, reason))
		return nil
	}
	if len(newSteps) == 0 {
		e.failLocked(ps, reason)
		return nil
	}

	// Validate the candidate graph before touching the real plan.
	candidate := plan.Clone()
	for _, s := range candidate.Steps {
		if s.Status == models.StepPending {
			s.Status = models.StepCancelled
		}
	}
	for _, s := range newSteps {
		sc := *s
		candidate.Steps = append(candidate.Steps, &sc)
	}
	if err := candidate.Validate(); err != nil {
		plan.Replans--
		return err
	}

	for _, s := range plan.Steps {
		if s.Status == models.StepPending {
			s.Status = models.StepCancelled
			s.Error = "superseded by replan"
			metrics.StepsFinished.WithLabelValues(string(models.StepCancelled)).Inc()
			e.bus.Publish(events.Event{Kind: events.StepCancelled, PlanID: plan.ID, StepID: s.ID, Detail: s.Error})
		}
	}
	plan.Frontier = len(plan.Steps)
	plan.Steps = append(plan.Steps, newSteps...)
	e.bus.Publish(events.Event{Kind: events.PlanReplanned, PlanID: plan.ID, Detail: reason})
	return nil
}

// finalizeLocked marks a settled plan terminal. Called with ps.mu held.
func (e *Engine) finalizeLocked(ps *planState) {
	plan := ps.plan
	if plan.Status.Terminal() || !plan.Settled() {
		return
	}
	if plan.AllCompleted() {
		plan.Result = summarize(plan)
		e.finishLocked(plan, models.PlanCompleted, "")
		return
	}
	reason := plan.FailureReason
	if reason == "" {
		reason = "no runnable steps remain"
	}
	e.failLocked(ps, reason)
}

func (e *Engine) failLocked(ps *planState, reason string) {
	e.finishLocked(ps.plan, models.PlanFailed, reason)
}

// finishLocked performs the single transition into a terminal status.
func (e *Engine) finishLocked(plan *models.Plan, status models.PlanStatus, reason string) {
	plan.Status = status
	if status == models.PlanFailed {
		plan.FailureReason = reason
	}
	now := time.Now().UTC()
	plan.CompletedAt = &now

	metrics.PlansFinished.WithLabelValues(string(status)).Inc()
	kind := events.PlanCompleted
	switch status {
	case models.PlanFailed:
		kind = events.PlanFailed
	case models.PlanCancelled:
		kind = events.PlanCancelled
	}
	e.bus.Publish(events.Event{Kind: kind, PlanID: plan.ID, Detail: reason})
	e.planner.Forget(plan.ID)
	log.Info().Str(logger.ComponentField, "engine").Str(logger.PlanIDField, plan.ID.String()).
		Str("status", string(status)).Msg("plan finished")
}

// state returns the in-memory state for a plan, loading it from the store on
// first access after a restart.
func (e *Engine) state(ctx context.Context, id uuid.UUID) (*planState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.plans[id]; ok {
		return ps, nil
	}
	plan, err := e.store.GetPlan(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
		}
		return nil, err
	}
	ps := &planState{plan: plan}
	e.plans[id] = ps
	return ps, nil
}

// dependencyHistory serializes the results of a step's completed
// dependencies for the executor's prompt context.
func dependencyHistory(plan *models.Plan, step *models.Step) string {
	type entry struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Result      string `json:"result"`
	}
	entries := make([]entry, 0, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		d := plan.Step(dep)
		entries = append(entries, entry{ID: d.ID, Description: d.Description, Result: d.Result})
	}
	raw, _ := json.Marshal(entries)
	return string(raw)
}

// summarize composes the plan result from the leaf steps nothing else
// depends on.
func summarize(plan *models.Plan) string {
	depended := make(map[string]bool)
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			depended[dep] = true
		}
	}
	var parts []string
	for _, s := range plan.Steps {
		if s.Status == models.StepCompleted && !depended[s.ID] && s.Result != "" {
			parts = append(parts, s.Result)
		}
	}
	return strings.Join(parts, "\n")
}
