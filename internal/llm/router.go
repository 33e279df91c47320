// Package llm routes task categories to model clients.
package llm

import (
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"go-planrun/pkg/config"
)

// Router returns a model client for a task category (plan, step), per the
// configured routes, caching clients by model name.
type Router struct {
	cfg config.ModelConfig

	mu      sync.Mutex
	clients map[string]llms.Model
}

func NewRouter(cfg config.ModelConfig) *Router {
	return &Router{cfg: cfg, clients: make(map[string]llms.Model)}
}

func (r *Router) Route(category string) (llms.Model, error) {
	name := r.cfg.Route(category)

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[name]; ok {
		return client, nil
	}

	opts := []openai.Option{openai.WithModel(name)}
	if r.cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(r.cfg.Endpoint))
	}
	if r.cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(r.cfg.APIKey))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}
	r.clients[name] = client
	return client, nil
}
