package models

import (
	"time"

	"github.com/google/uuid"
)

// Task is a named, cron-scheduled trigger for an action (typically a plan
// goal). LastRunAt and NextRunAt are maintained by the scheduler; NextRunAt
// is nil while the task is disabled.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	Action    string     `json:"action"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (t *Task) Clone() *Task {
	cp := *t
	if t.LastRunAt != nil {
		lr := *t.LastRunAt
		cp.LastRunAt = &lr
	}
	if t.NextRunAt != nil {
		nr := *t.NextRunAt
		cp.NextRunAt = &nr
	}
	return &cp
}
