package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-planrun/internal/events"
	"go-planrun/pkg/models"
)

type fakeStore struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*models.Plan
	saves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{plans: make(map[uuid.UUID]*models.Plan)}
}

func (f *fakeStore) SavePlan(_ context.Context, p *models.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[p.ID] = p.Clone()
	f.saves++
	return nil
}

func (f *fakeStore) GetPlan(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

func (f *fakeStore) ListPlans(_ context.Context, status models.PlanStatus) ([]*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Plan
	for _, p := range f.plans {
		if status == "" || p.Status == status {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// fakeExec runs fn per step, optionally signalling dispatch on started and
// blocking until release closes.
type fakeExec struct {
	fn      func(req StepRequest) Outcome
	started chan string
	release chan struct{}
}

func (f *fakeExec) Execute(ctx context.Context, req StepRequest) Outcome {
	if f.started != nil {
		f.started <- req.Step.ID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return f.fn(req)
}

func succeed(req StepRequest) Outcome {
	return Outcome{StepID: req.Step.ID, Result: "ok-" + req.Step.ID}
}

type fakePlanner struct {
	mu        sync.Mutex
	planSteps func() []*models.Step
	replanFn  func(plan *models.Plan, reason string) ([]*models.Step, error)
	reasons   []string
	forgotten []uuid.UUID
}

func (f *fakePlanner) Plan(context.Context, uuid.UUID, string, string) ([]*models.Step, error) {
	return f.planSteps(), nil
}

func (f *fakePlanner) Replan(_ context.Context, plan *models.Plan, reason string) ([]*models.Step, error) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	if f.replanFn == nil {
		return nil, nil
	}
	return f.replanFn(plan, reason)
}

func (f *fakePlanner) Forget(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakePlanner) replanReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func pendingSteps(specs ...models.Step) func() []*models.Step {
	return func() []*models.Step {
		steps := make([]*models.Step, 0, len(specs))
		for _, s := range specs {
			sc := s
			sc.Status = models.StepPending
			steps = append(steps, &sc)
		}
		return steps
	}
}

func dispatchedIDs(steps []models.Step) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestRunScenarioWithFailureAndReplan(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: func(req StepRequest) Outcome {
		if req.Step.ID == "b" {
			return Outcome{StepID: "b", Err: errors.New("boom")}
		}
		return succeed(req)
	}}
	plnr := &fakePlanner{
		planSteps: pendingSteps(
			models.Step{ID: "a"},
			models.Step{ID: "b", DependsOn: []string{"a"}},
			models.Step{ID: "c", DependsOn: []string{"a"}},
		),
		replanFn: func(*models.Plan, string) ([]*models.Step, error) {
			return []*models.Step{{ID: "r1-1", Description: "retry", Status: models.StepPending, DependsOn: []string{"c"}}}, nil
		},
	}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 4, MaxReplans: 3})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPending, plan.Status)
	assert.Nil(t, plan.CompletedAt)

	// Round 1: only a is ready.
	steps, err := eng.ExecuteNext(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, dispatchedIDs(steps))

	// Round 2: b and c run concurrently; b fails, c succeeds, and even
	// though no pending step is left the failure triggers a replan that
	// appends r1-1.
	steps, err = eng.ExecuteNext(ctx, plan.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, dispatchedIDs(steps))

	got, err := eng.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, got.Step("a").Status)
	assert.Equal(t, "ok-a", got.Step("a").Result)
	assert.Equal(t, models.StepFailed, got.Step("b").Status)
	assert.Equal(t, "boom", got.Step("b").Error)
	assert.Equal(t, models.StepCompleted, got.Step("c").Status)
	require.NotNil(t, got.Step("r1-1"))
	assert.Equal(t, 1, got.Replans)
	assert.Equal(t, 3, got.Frontier)

	reasons := plnr.replanReasons()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], `step "b" failed`)
	assert.Contains(t, reasons[0], "boom")

	// Round 3 finishes the regenerated subgraph.
	final, err := eng.Run(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, "ok-r1-1", final.Result)
	// Completed history survived the replan untouched.
	assert.Equal(t, "ok-a", final.Step("a").Result)
	assert.Equal(t, "ok-c", final.Step("c").Result)
}

func TestExecuteNextIdempotentOnceTerminal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: succeed}
	plnr := &fakePlanner{planSteps: pendingSteps(models.Step{ID: "a"})}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	final, err := eng.Run(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, models.PlanCompleted, final.Status)
	saves := store.saveCount()

	for i := 0; i < 2; i++ {
		steps, err := eng.ExecuteNext(ctx, plan.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	}

	got, err := eng.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, got.Status)
	assert.Equal(t, final.CompletedAt, got.CompletedAt)
	assert.Equal(t, saves, store.saveCount())
}

func TestExecuteNextBoundsDispatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: succeed}
	plnr := &fakePlanner{planSteps: pendingSteps(
		models.Step{ID: "a"}, models.Step{ID: "b"}, models.Step{ID: "c"},
		models.Step{ID: "d"}, models.Step{ID: "e"},
	)}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 2})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	var rounds []int
	for {
		steps, err := eng.ExecuteNext(ctx, plan.ID)
		require.NoError(t, err)
		if len(steps) == 0 {
			break
		}
		rounds = append(rounds, len(steps))
	}
	assert.Equal(t, []int{2, 2, 1}, rounds)

	got, err := eng.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, got.Status)
}

func TestConcurrentExecuteNextDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{
		fn:      succeed,
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	plnr := &fakePlanner{planSteps: pendingSteps(models.Step{ID: "a"})}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := eng.ExecuteNext(ctx, plan.ID)
		done <- err
	}()
	<-exec.started

	_, err = eng.ExecuteNext(ctx, plan.ID)
	assert.ErrorIs(t, err, ErrRoundInProgress)

	close(exec.release)
	require.NoError(t, <-done)

	got, err := eng.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, got.Status)
	assert.Equal(t, "ok-a", got.Step("a").Result)
}

func TestCancelDiscardsInFlightOutcome(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{
		fn:      succeed,
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	plnr := &fakePlanner{planSteps: pendingSteps(models.Step{ID: "a"})}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := eng.ExecuteNext(ctx, plan.ID)
		done <- err
	}()
	<-exec.started

	require.NoError(t, eng.Cancel(ctx, plan.ID))
	close(exec.release)
	require.NoError(t, <-done)

	got, err := eng.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, models.StepCancelled, got.Step("a").Status)
	assert.Empty(t, got.Step("a").Result)

	// Cancelling again is a no-op.
	require.NoError(t, eng.Cancel(ctx, plan.ID))
}

func TestFailureWithNoPendingWorkStillReplans(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: func(req StepRequest) Outcome {
		if req.Step.ID == "a" {
			return Outcome{StepID: req.Step.ID, Err: errors.New("boom")}
		}
		return succeed(req)
	}}
	plnr := &fakePlanner{
		planSteps: pendingSteps(models.Step{ID: "a"}),
		replanFn: func(*models.Plan, string) ([]*models.Step, error) {
			return []*models.Step{{ID: "r1-1", Description: "retry", Status: models.StepPending}}, nil
		},
	}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1, MaxReplans: 3})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	// The sole step fails, leaving nothing pending; the failure alone
	// must trigger the replan that recovers the plan.
	final, err := eng.Run(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, final.Status)
	assert.Equal(t, "ok-r1-1", final.Result)
	assert.Equal(t, 1, final.Replans)
	assert.Equal(t, models.StepFailed, final.Step("a").Status)

	reasons := plnr.replanReasons()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], `step "a" failed`)
}

func TestReplanBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: func(req StepRequest) Outcome {
		return Outcome{StepID: req.Step.ID, Err: errors.New("boom")}
	}}
	plnr := &fakePlanner{planSteps: pendingSteps(
		models.Step{ID: "a"},
		models.Step{ID: "b"},
	)}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1, MaxReplans: 0})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	final, err := eng.Run(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFailed, final.Status)
	assert.Contains(t, final.FailureReason, "replan budget exhausted")
}

func TestReplanWithoutStepsFailsPlan(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: func(req StepRequest) Outcome {
		if req.Step.ID == "a" {
			return Outcome{StepID: "a", Err: errors.New("boom")}
		}
		return succeed(req)
	}}
	plnr := &fakePlanner{planSteps: pendingSteps(
		models.Step{ID: "a"},
		models.Step{ID: "b"},
	)}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1, MaxReplans: 3})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	final, err := eng.Run(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFailed, final.Status)
	assert.Contains(t, final.FailureReason, `step "a" failed`)
}

func TestCreatePlanRejectsInvalidGraph(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	plnr := &fakePlanner{planSteps: pendingSteps(
		models.Step{ID: "a", DependsOn: []string{"b"}},
		models.Step{ID: "b", DependsOn: []string{"a"}},
	)}
	eng := New(store, &fakeExec{fn: succeed}, plnr, events.NewBus(), Config{Concurrency: 1})

	_, err := eng.CreatePlan(ctx, "test goal", "")
	require.ErrorIs(t, err, models.ErrInvalidPlan)
	assert.Equal(t, 0, store.saveCount())
}

func TestExternalReplanSupersedesPendingSteps(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	exec := &fakeExec{fn: succeed}
	plnr := &fakePlanner{
		planSteps: pendingSteps(
			models.Step{ID: "a"},
			models.Step{ID: "b", DependsOn: []string{"a"}},
		),
		replanFn: func(*models.Plan, string) ([]*models.Step, error) {
			return []*models.Step{{ID: "r1-1", Status: models.StepPending, DependsOn: []string{"a"}}}, nil
		},
	}
	eng := New(store, exec, plnr, events.NewBus(), Config{Concurrency: 1, MaxReplans: 3})

	plan, err := eng.CreatePlan(ctx, "test goal", "")
	require.NoError(t, err)

	_, err = eng.ExecuteNext(ctx, plan.ID)
	require.NoError(t, err)

	got, err := eng.Replan(ctx, plan.ID, "change of direction")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, got.Step("a").Status)
	assert.Equal(t, models.StepCancelled, got.Step("b").Status)
	assert.Equal(t, "superseded by replan", got.Step("b").Error)
	require.NotNil(t, got.Step("r1-1"))

	reasons := plnr.replanReasons()
	require.Len(t, reasons, 1)
	assert.Equal(t, "change of direction", reasons[0])

	final, err := eng.Run(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, final.Status)
}

func TestGetPlanFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	stored := &models.Plan{
		ID:        uuid.New(),
		Goal:      "recovered goal",
		Status:    models.PlanPending,
		Steps:     []*models.Step{{ID: "a", Status: models.StepPending}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SavePlan(ctx, stored))

	eng := New(store, &fakeExec{fn: succeed}, &fakePlanner{}, events.NewBus(), Config{Concurrency: 1})

	got, err := eng.GetPlan(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "recovered goal", got.Goal)

	final, err := eng.Run(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, final.Status)

	_, err = eng.GetPlan(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
