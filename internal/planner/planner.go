// Package planner turns goals into step graphs and regenerates the
// remaining portion of a plan after failure.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	langChainPrompts "github.com/tmc/langchaingo/prompts"

	"go-planrun/pkg/data"
	"go-planrun/pkg/logger"
	"go-planrun/pkg/memory/buffer"
	"go-planrun/pkg/models"
	"go-planrun/pkg/prompts"
	"go-planrun/pkg/template"
)

var (
	planPrompt   = langChainPrompts.NewPromptTemplate(prompts.Plan, []string{"Goal", "Context", "Capabilities"})
	replanPrompt = langChainPrompts.NewPromptTemplate(prompts.Replan, []string{"Goal", "Reason", "Completed", "Abandoned", "History", "Capabilities", "IDPrefix"})
)

// ModelRouter picks a model client for a task category.
type ModelRouter interface {
	Route(category string) (llms.Model, error)
}

// Planner asks the routed planning model for step graphs. It keeps the
// prompt/answer exchanges per plan so replans see what was already proposed.
type Planner struct {
	router       ModelRouter
	capabilities []string
	temperature  float64

	mu     sync.Mutex
	memory map[uuid.UUID]*buffer.Exchanges
}

func New(router ModelRouter, capabilities []string, temperature float64) *Planner {
	return &Planner{
		router:       router,
		capabilities: capabilities,
		temperature:  temperature,
		memory:       make(map[uuid.UUID]*buffer.Exchanges),
	}
}

// Plan decomposes the goal into pending steps. The returned graph is not yet
// validated; the engine validates before persisting.
func (p *Planner) Plan(ctx context.Context, id uuid.UUID, goal, planContext string) ([]*models.Step, error) {
	l := log.With().Str(logger.ComponentField, "planner").Str(logger.PlanIDField, id.String()).Logger()
	l.Info().Str(logger.GoalField, goal).Msg("thinking about a plan for the goal...")

	answer, err := p.complete(ctx, id, planPrompt, prompts.Plan, map[string]any{
		"Goal":         goal,
		"Context":      planContext,
		"Capabilities": strings.Join(p.capabilities, ", "),
	})
	if err != nil {
		return nil, err
	}

	steps, err := parseSteps(answer)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// Replan regenerates the remaining portion of the plan. It receives a
// snapshot and returns only the new steps; zero steps means the model sees
// no way forward and the engine will fail the plan.
func (p *Planner) Replan(ctx context.Context, plan *models.Plan, reason string) ([]*models.Step, error) {
	l := log.With().Str(logger.ComponentField, "planner").Str(logger.PlanIDField, plan.ID.String()).Logger()
	l.Info().Str("reason", reason).Msg("regenerating the remaining plan...")

	prefix := fmt.Sprintf("r%d-", plan.Replans)
	answer, err := p.complete(ctx, plan.ID, replanPrompt, prompts.Replan, map[string]any{
		"Goal":         plan.Goal,
		"Reason":       reason,
		"Completed":    marshalSteps(plan, models.StepCompleted),
		"Abandoned":    marshalAbandoned(plan),
		"History":      p.historyFor(plan.ID),
		"Capabilities": strings.Join(p.capabilities, ", "),
		"IDPrefix":     prefix,
	})
	if err != nil {
		return nil, err
	}

	steps, err := parseSteps(answer)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// Forget drops the planning memory for a terminal plan.
func (p *Planner) Forget(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.memory, id)
}

// complete runs one chain call and records the audit copy of the rendered
// prompt next to the model's answer.
func (p *Planner) complete(ctx context.Context, id uuid.UUID, prompt langChainPrompts.PromptTemplate, rawTemplate string, inputs map[string]any) (string, error) {
	model, err := p.router.Route("plan")
	if err != nil {
		return "", fmt.Errorf("route model: %w", err)
	}

	chain := chains.NewLLMChain(model, prompt)
	completion, err := chains.Call(ctx, chain, inputs, chains.WithTemperature(p.temperature))
	if err != nil {
		return "", fmt.Errorf("call: %w", err)
	}
	answer, ok := completion["text"].(string)
	if !ok {
		return "", fmt.Errorf("unexpected completion shape: %v", completion)
	}

	rendered, err := template.Parse(rawTemplate, inputs)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	p.remember(id, buffer.Exchange{Prompt: rendered, Answer: answer})

	return answer, nil
}

func (p *Planner) remember(id uuid.UUID, x buffer.Exchange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.memory[id]
	if !ok {
		m = buffer.New(8)
		p.memory[id] = m
	}
	m.Add(x)
}

func (p *Planner) historyFor(id uuid.UUID) string {
	p.mu.Lock()
	m, ok := p.memory[id]
	p.mu.Unlock()
	if !ok {
		return "[]"
	}
	raw, _ := json.Marshal(m.Items())
	return string(raw)
}

// parseSteps extracts the json step graph from a completion.
func parseSteps(answer string) ([]*models.Step, error) {
	match, err := data.ExtractJSON(answer)
	if err != nil {
		return nil, fmt.Errorf("sanitize answer: %w", err)
	}

	var parsed struct {
		Steps []struct {
			ID          string   `json:"id"`
			Description string   `json:"description"`
			DependsOn   []string `json:"dependsOn"`
			Tool        string   `json:"tool"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	steps := make([]*models.Step, 0, len(parsed.Steps))
	for _, s := range parsed.Steps {
		steps = append(steps, &models.Step{
			ID:          s.ID,
			Description: s.Description,
			Status:      models.StepPending,
			DependsOn:   s.DependsOn,
			ToolHint:    s.Tool,
		})
	}
	return steps, nil
}

func marshalSteps(plan *models.Plan, status models.StepStatus) string {
	type entry struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Result      string `json:"result,omitempty"`
	}
	var entries []entry
	for _, s := range plan.Steps {
		if s.Status == status {
			entries = append(entries, entry{ID: s.ID, Description: s.Description, Result: s.Result})
		}
	}
	raw, _ := json.Marshal(entries)
	return string(raw)
}

func marshalAbandoned(plan *models.Plan) string {
	type entry struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Error       string `json:"error,omitempty"`
	}
	var entries []entry
	for _, s := range plan.Steps {
		if s.Status == models.StepFailed || s.Status == models.StepCancelled {
			entries = append(entries, entry{ID: s.ID, Description: s.Description, Error: s.Error})
		}
	}
	raw, _ := json.Marshal(entries)
	return string(raw)
}
