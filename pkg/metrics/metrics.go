package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planrun_plans_created_total",
		Help: "Plans created.",
	})

	PlansFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planrun_plans_finished_total",
		Help: "Plans that reached a terminal status.",
	}, []string{"status"})

	StepsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planrun_steps_finished_total",
		Help: "Steps that reached a terminal status.",
	}, []string{"status"})

	Replans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planrun_replans_total",
		Help: "Replan invocations.",
	})

	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planrun_scheduler_ticks_total",
		Help: "Scheduler due-check ticks.",
	})

	SchedulerTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planrun_scheduler_triggers_total",
		Help: "Task triggers fired.",
	})

	SchedulerSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planrun_scheduler_skips_total",
		Help: "Due ticks skipped because the previous trigger was still running.",
	})
)
