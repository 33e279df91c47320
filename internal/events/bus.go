// Package events carries engine and scheduler notifications outward without
// coupling the core to a transport.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the stable event-kind enum observers switch on.
type Kind string

const (
	PlanCreated   Kind = "plan.created"
	PlanCompleted Kind = "plan.completed"
	PlanFailed    Kind = "plan.failed"
	PlanCancelled Kind = "plan.cancelled"
	PlanReplanned Kind = "plan.replanned"
	StepStarted   Kind = "step.started"
	StepCompleted Kind = "step.completed"
	StepFailed    Kind = "step.failed"
	StepCancelled Kind = "step.cancelled"
	TaskTriggered Kind = "task.triggered"
	TaskSkipped   Kind = "task.skipped"
	TaskFailed    Kind = "task.failed"
)

// Event is one outbound notification.
type Event struct {
	Kind   Kind      `json:"kind"`
	PlanID uuid.UUID `json:"planId,omitempty"`
	TaskID uuid.UUID `json:"taskId,omitempty"`
	StepID string    `json:"stepId,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Bus fans events out to subscribers over buffered channels. Publishing
// never blocks the engine; a subscriber that falls behind loses events.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
