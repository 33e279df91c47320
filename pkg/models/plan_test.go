package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlan(steps ...*Step) *Plan {
	return &Plan{
		ID:        uuid.New(),
		Goal:      "test goal",
		Status:    PlanPending,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []*Step
		wantErr string
	}{
		{
			name: "valid chain",
			steps: []*Step{
				{ID: "a", Status: StepPending},
				{ID: "b", Status: StepPending, DependsOn: []string{"a"}},
				{ID: "c", Status: StepPending, DependsOn: []string{"a", "b"}},
			},
		},
		{
			name:    "no steps",
			wantErr: "no steps",
		},
		{
			name: "duplicate id",
			steps: []*Step{
				{ID: "a", Status: StepPending},
				{ID: "a", Status: StepPending},
			},
			wantErr: `duplicate step id "a"`,
		},
		{
			name: "empty id",
			steps: []*Step{
				{ID: "", Status: StepPending},
			},
			wantErr: "empty id",
		},
		{
			name: "unknown dependency",
			steps: []*Step{
				{ID: "a", Status: StepPending, DependsOn: []string{"ghost"}},
			},
			wantErr: `unknown step "ghost"`,
		},
		{
			name: "self dependency",
			steps: []*Step{
				{ID: "a", Status: StepPending, DependsOn: []string{"a"}},
			},
			wantErr: "depends on itself",
		},
		{
			name: "two step cycle",
			steps: []*Step{
				{ID: "a", Status: StepPending, DependsOn: []string{"b"}},
				{ID: "b", Status: StepPending, DependsOn: []string{"a"}},
			},
			wantErr: "dependency cycle",
		},
		{
			name: "cycle behind valid prefix",
			steps: []*Step{
				{ID: "a", Status: StepPending},
				{ID: "b", Status: StepPending, DependsOn: []string{"a", "d"}},
				{ID: "c", Status: StepPending, DependsOn: []string{"b"}},
				{ID: "d", Status: StepPending, DependsOn: []string{"c"}},
			},
			wantErr: "dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newPlan(tt.steps...).Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, PlanPending.Terminal())
	assert.False(t, PlanActive.Terminal())
	assert.True(t, PlanCompleted.Terminal())
	assert.True(t, PlanFailed.Terminal())
	assert.True(t, PlanCancelled.Terminal())

	assert.False(t, StepPending.Terminal())
	assert.False(t, StepActive.Terminal())
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepFailed.Terminal())
	assert.True(t, StepCancelled.Terminal())
}

func TestPlanHelpers(t *testing.T) {
	p := newPlan(
		&Step{ID: "a", Status: StepCompleted},
		&Step{ID: "b", Status: StepPending, DependsOn: []string{"a"}},
	)

	assert.Equal(t, "a", p.Step("a").ID)
	assert.Nil(t, p.Step("nope"))
	assert.Equal(t, 1, p.Count(StepPending))
	assert.False(t, p.Settled())
	assert.False(t, p.AllCompleted())

	p.Step("b").Status = StepCompleted
	assert.True(t, p.Settled())
	assert.True(t, p.AllCompleted())
}

func TestAllCompletedIgnoresHistoryBeforeFrontier(t *testing.T) {
	p := newPlan(
		&Step{ID: "a", Status: StepCompleted},
		&Step{ID: "b", Status: StepFailed},
		&Step{ID: "c", Status: StepCancelled},
		&Step{ID: "r1-1", Status: StepCompleted},
	)

	assert.False(t, p.AllCompleted())
	p.Frontier = 3
	assert.True(t, p.AllCompleted())

	p.Step("r1-1").Status = StepFailed
	assert.False(t, p.AllCompleted())
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	p := newPlan(&Step{ID: "a", Status: StepCompleted, DependsOn: []string{}, Result: "done"})
	p.CompletedAt = &now

	cp := p.Clone()
	cp.Steps[0].Result = "changed"
	cp.Steps[0].DependsOn = append(cp.Steps[0].DependsOn, "x")
	*cp.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, "done", p.Steps[0].Result)
	assert.Empty(t, p.Steps[0].DependsOn)
	assert.Equal(t, now, *p.CompletedAt)
}
