package capability

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"go-planrun/pkg/prompts"
	"go-planrun/pkg/template"
)

const ModelName = "model"

// ModelRouter picks a model client for a task category.
type ModelRouter interface {
	Route(category string) (llms.Model, error)
}

// Model answers a step by inference: the step description plus the results
// of its dependencies go to the routed model, the completion is the result.
type Model struct {
	router      ModelRouter
	temperature float64
}

func NewModel(router ModelRouter, temperature float64) *Model {
	return &Model{router: router, temperature: temperature}
}

func (m *Model) Name() string { return ModelName }
func (m *Model) Kind() Kind   { return KindModel }

func (m *Model) Execute(ctx context.Context, in Input) (string, error) {
	llm, err := m.router.Route("step")
	if err != nil {
		return "", fmt.Errorf("route model: %w", err)
	}

	prompt, err := template.Parse(prompts.StepInference, struct {
		Goal        string
		History     string
		Description string
	}{Goal: in.Goal, History: in.History, Description: in.Description})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	completion, err := llms.GenerateFromSinglePrompt(ctx, llm, prompt, llms.WithTemperature(m.temperature))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return completion, nil
}
