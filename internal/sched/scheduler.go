// Package sched maintains the set of named, cron-triggered recurring
// actions and fires each one exactly once per due tick.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"go-planrun/internal/events"
	"go-planrun/pkg/logger"
	"go-planrun/pkg/metrics"
	"go-planrun/pkg/models"
)

// ErrInvalidSpec marks a rejected create or update.
var ErrInvalidSpec = errors.New("invalid task spec")

// Runner executes a task's action when it becomes due.
type Runner interface {
	Run(ctx context.Context, task *models.Task) error
}

// Store persists tasks across restarts.
type Store interface {
	SaveTask(ctx context.Context, t *models.Task) error
	ListTasks(ctx context.Context) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) (bool, error)
}

// Spec is the caller-supplied definition of a recurring action.
type Spec struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

// Scheduler polls for due tasks on a fixed period. The poll period is the
// worst-case trigger delay. The running set is the overlap guard: a task
// whose previous trigger is still in flight is skipped, not queued.
type Scheduler struct {
	store  Store
	runner Runner
	bus    *events.Bus
	poll   time.Duration

	mu      sync.Mutex
	tasks   map[uuid.UUID]*models.Task
	running map[uuid.UUID]bool
}

func New(store Store, runner Runner, bus *events.Bus, poll time.Duration) *Scheduler {
	return &Scheduler{
		store:   store,
		runner:  runner,
		bus:     bus,
		poll:    poll,
		tasks:   make(map[uuid.UUID]*models.Task),
		running: make(map[uuid.UUID]bool),
	}
}

// Load hydrates the schedule from the store at startup.
func (s *Scheduler) Load(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// Start runs the poll loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	l := log.With().Str(logger.ComponentField, "scheduler").Logger()
	l.Info().Dur("poll", s.poll).Msg("scheduler started")

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// Create registers a recurring action. The cron expression is validated
// before anything is stored.
func (s *Scheduler) Create(ctx context.Context, spec Spec) (*models.Task, error) {
	sched, err := s.validate(spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:        uuid.New(),
		Name:      spec.Name,
		Cron:      spec.Cron,
		Action:    spec.Action,
		Enabled:   spec.Enabled,
		CreatedAt: now,
	}
	if task.Enabled {
		next := sched.Next(now)
		task.NextRunAt = &next
	}

	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	log.Info().Str(logger.ComponentField, "scheduler").Str(logger.TaskIDField, task.ID.String()).
		Str("name", task.Name).Str("cron", task.Cron).Msg("task created")
	return task.Clone(), nil
}

// Update applies a new spec to an existing task. Disabling clears NextRunAt;
// enabling recomputes it from the current time.
func (s *Scheduler) Update(ctx context.Context, id uuid.UUID, spec Spec) (*models.Task, error) {
	sched, err := s.validate(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	task.Name = spec.Name
	task.Cron = spec.Cron
	task.Action = spec.Action
	task.Enabled = spec.Enabled
	if task.Enabled {
		next := sched.Next(time.Now().UTC())
		task.NextRunAt = &next
	} else {
		task.NextRunAt = nil
	}
	snapshot := task.Clone()
	s.mu.Unlock()

	if err := s.store.SaveTask(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	return snapshot, nil
}

// List returns task snapshots ordered by creation time.
func (s *Scheduler) List() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks
}

// Delete removes the task from all future due-tick evaluations. An in-flight
// trigger, if any, runs to completion.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	_, known := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	stored, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return false, err
	}
	return known || stored, nil
}

// tick evaluates every task once against now. Split from Start so tests can
// drive time explicitly.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	metrics.SchedulerTicks.Inc()
	l := log.With().Str(logger.ComponentField, "scheduler").Logger()

	var due []*models.Task

	s.mu.Lock()
	for _, t := range s.tasks {
		if !t.Enabled || t.NextRunAt == nil || t.NextRunAt.After(now) {
			continue
		}
		if s.running[t.ID] {
			metrics.SchedulerSkips.Inc()
			s.bus.Publish(events.Event{Kind: events.TaskSkipped, TaskID: t.ID, Detail: "previous trigger still running"})
			l.Warn().Str(logger.TaskIDField, t.ID.String()).Str("name", t.Name).Msg("skipping due task, previous trigger still running")
			continue
		}

		sched, err := cron.ParseStandard(t.Cron)
		if err != nil {
			// Validated at create/update; only reachable if the store
			// was edited out of band.
			l.Error().Err(err).Str(logger.TaskIDField, t.ID.String()).Msg("unparseable cron expression")
			continue
		}
		lastRun := now
		next := sched.Next(now)
		t.LastRunAt = &lastRun
		t.NextRunAt = &next
		s.running[t.ID] = true
		due = append(due, t.Clone())
	}
	s.mu.Unlock()

	for _, t := range due {
		if err := s.store.SaveTask(ctx, t); err != nil {
			l.Error().Err(err).Str(logger.TaskIDField, t.ID.String()).Msg("persist triggered task")
		}
		metrics.SchedulerTriggers.Inc()
		s.bus.Publish(events.Event{Kind: events.TaskTriggered, TaskID: t.ID, Detail: t.Action})
		l.Info().Str(logger.TaskIDField, t.ID.String()).Str("name", t.Name).Msg("triggering task")

		go func(task *models.Task) {
			defer func() {
				s.mu.Lock()
				delete(s.running, task.ID)
				s.mu.Unlock()
			}()
			if err := s.runner.Run(ctx, task); err != nil {
				// An action failure never disables the task or blocks
				// the next tick.
				s.bus.Publish(events.Event{Kind: events.TaskFailed, TaskID: task.ID, Detail: err.Error()})
				l.Error().Err(err).Str(logger.TaskIDField, task.ID.String()).Str("name", task.Name).Msg("triggered action failed")
			}
		}(t)
	}
}

func (s *Scheduler) validate(spec Spec) (cron.Schedule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if spec.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidSpec)
	}
	sched, err := cron.ParseStandard(spec.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, spec.Cron, err)
	}
	return sched, nil
}
