// Package config provides configuration loading for the orchestrator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Model     ModelConfig     `yaml:"model"`
	NATS      NATSConfig      `yaml:"nats"`
	Tools     ToolsConfig     `yaml:"tools"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// EngineConfig bounds the execution engine.
type EngineConfig struct {
	// Concurrency is the maximum number of steps dispatched in one round.
	Concurrency int `yaml:"concurrency"`
	// StepTimeout is applied to every capability call.
	StepTimeout Duration `yaml:"step_timeout"`
	// MaxReplans caps replans per plan before a failure becomes terminal.
	MaxReplans int `yaml:"max_replans"`
}

type SchedulerConfig struct {
	// Poll is the due-check period; it is also the worst-case trigger delay.
	Poll Duration `yaml:"poll"`
}

type StoreConfig struct {
	// Path is the sqlite database file; ":memory:" for ephemeral runs.
	Path string `yaml:"path"`
}

// ModelConfig configures the openai-compatible model backend.
type ModelConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Default     string  `yaml:"default"`
	Temperature float64 `yaml:"temperature"`
	// Routes maps a task category (plan, step) to a model name.
	Routes map[string]string `yaml:"routes"`
}

type NATSConfig struct {
	// URL enables the event forwarder when set.
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to event kinds (default "planrun").
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ToolsConfig struct {
	// SandboxDir is the working directory root for terminal steps.
	SandboxDir string `yaml:"sandbox_dir"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Pretty: true},
		Engine: EngineConfig{
			Concurrency: 4,
			StepTimeout: Duration(5 * time.Minute),
			MaxReplans:  3,
		},
		Scheduler: SchedulerConfig{Poll: Duration(15 * time.Second)},
		Store:     StoreConfig{Path: "planrun.db"},
		Model: ModelConfig{
			Endpoint:    "https://api.openai.com/v1",
			Default:     "gpt-4o-mini",
			Temperature: 0.2,
			Routes:      map[string]string{},
		},
		NATS:  NATSConfig{SubjectPrefix: "planrun"},
		Tools: ToolsConfig{SandboxDir: "sandbox"},
	}
}

// Load reads the config file at path, falling back to defaults when path is
// empty or missing, and applies the OPENAI_API_KEY environment override.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Model.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1")
	}
	if c.Engine.StepTimeout <= 0 {
		return fmt.Errorf("engine.step_timeout must be positive")
	}
	if c.Engine.MaxReplans < 0 {
		return fmt.Errorf("engine.max_replans must not be negative")
	}
	if c.Scheduler.Poll <= 0 {
		return fmt.Errorf("scheduler.poll must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	return nil
}

// Route returns the model for a task category, falling back to the default.
func (m ModelConfig) Route(category string) string {
	if name, ok := m.Routes[category]; ok && name != "" {
		return name
	}
	return m.Default
}
