package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	zLog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"go-planrun/internal/api"
	"go-planrun/internal/capability"
	"go-planrun/internal/engine"
	"go-planrun/internal/events"
	"go-planrun/internal/llm"
	"go-planrun/internal/planner"
	"go-planrun/internal/sched"
	"go-planrun/internal/store"
	"go-planrun/pkg/config"
	"go-planrun/pkg/logger"
	"go-planrun/pkg/models"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "planrun",
		Short:         "Autonomous-agent plan orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the yaml config file")

	if err := root.Execute(); err != nil {
		log.Fatalf("planrun: %v", err)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.NewGlobal(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return err
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := events.NewBus()
	router := llm.NewRouter(cfg.Model)

	registry := capability.NewRegistry()
	registry.Register(capability.NewTerminal(cfg.Tools.SandboxDir))
	registry.Register(capability.NewModel(router, cfg.Model.Temperature))

	executor := capability.NewStepExecutor(registry, cfg.Engine.StepTimeout.Duration())
	plans := planner.New(router, registry.Names(), cfg.Model.Temperature)
	eng := engine.New(db, executor, plans, bus, engine.Config{
		Concurrency: cfg.Engine.Concurrency,
		MaxReplans:  cfg.Engine.MaxReplans,
	})

	scheduler := sched.New(db, &planRunner{eng: eng}, bus, cfg.Scheduler.Poll.Duration())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Load(ctx); err != nil {
		return err
	}
	go scheduler.Start(ctx)

	if cfg.NATS.URL != "" {
		forwarder, err := events.NewForwarder(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		defer forwarder.Close()
		go forwarder.Run(ctx, bus)
	}

	app := api.New(eng, scheduler, cfg.Server.Addr)
	go func() {
		if err := app.Start(); err != nil {
			zLog.Panic().Err(err).Msg("server crash")
		}
	}()
	zLog.Info().Str("addr", cfg.Server.Addr).Msg("server started")

	<-ctx.Done()
	stop()
	zLog.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		zLog.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	zLog.Info().Msg("server exiting")
	return nil
}

// planRunner is the scheduler's action: create a plan for the task's goal
// and drive it to completion.
type planRunner struct {
	eng *engine.Engine
}

func (r *planRunner) Run(ctx context.Context, task *models.Task) error {
	plan, err := r.eng.CreatePlan(ctx, task.Action, "")
	if err != nil {
		return err
	}
	_, err = r.eng.Run(ctx, plan.ID)
	return err
}
