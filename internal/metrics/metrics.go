// Package metrics exposes the control plane's Prometheus surface under
// the agentd namespace. Register is optional: every recording helper is
// a no-op until it runs, so unit tests never touch the global registry.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/task"
)

var (
	registerOnce sync.Once

	webhooksReceived *prometheus.CounterVec
	webhooksDropped  *prometheus.CounterVec

	tasksTerminal *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	runningTasks  prometheus.Gauge

	tokenRefreshes      *prometheus.CounterVec
	workspaceEvictions  prometheus.Counter
	resultsPosted       *prometheus.CounterVec
	budgetRejections    *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
)

// Register wires the gauges against the live queue and installs all
// collectors. Safe to call more than once.
func Register(q *queue.Queue) {
	registerOnce.Do(func() {
		webhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "webhook_events_received_total",
			Help:      "Webhook deliveries that passed signature verification.",
		}, []string{"provider"})
		webhooksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "webhook_events_dropped_total",
			Help:      "Webhook deliveries dropped before task creation.",
		}, []string{"provider", "reason"})

		tasksTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "tasks_terminal_total",
			Help:      "Tasks reaching a terminal state.",
		}, []string{"status"})
		taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentd",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock task duration from lease to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"command"})
		runningTasks = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "running_tasks",
			Help:      "Tasks currently executing in this process.",
		})

		tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "token_refreshes_total",
			Help:      "Installation token refresh attempts by outcome.",
		}, []string{"outcome"})
		workspaceEvictions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "workspace_evictions_total",
			Help:      "Idle workspaces removed by the maintenance sweep.",
		})
		resultsPosted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "results_posted_total",
			Help:      "Terminal result deliveries by provider and outcome.",
		}, []string{"provider", "outcome"})
		budgetRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "budget_rejections_total",
			Help:      "Tasks refused because a spend cap was reached.",
		}, []string{"scope"})
		rateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "rate_limit_rejections_total",
			Help:      "HTTP requests rejected by a rate limiter.",
		}, []string{"limiter"})

		collectors := []prometheus.Collector{
			webhooksReceived,
			webhooksDropped,
			tasksTerminal,
			taskDuration,
			runningTasks,
			tokenRefreshes,
			workspaceEvictions,
			resultsPosted,
			budgetRejections,
			rateLimitRejections,
		}

		if q != nil {
			for _, band := range task.Bands() {
				band := band
				collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace:   "agentd",
					Name:        "queue_depth",
					Help:        "Tasks waiting per priority band.",
					ConstLabels: prometheus.Labels{"band": string(band)},
				}, func() float64 {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					depths, err := q.Depths(ctx)
					if err != nil {
						return 0
					}
					return float64(depths[band])
				}))
			}
			collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "agentd",
				Name:      "inflight_tasks",
				Help:      "Tasks currently leased across all workers.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				count, err := q.InflightCount(ctx)
				if err != nil {
					return 0
				}
				return float64(count)
			}))
		}

		prometheus.MustRegister(collectors...)
	})
}

func WebhookReceived(provider string) {
	if webhooksReceived != nil {
		webhooksReceived.WithLabelValues(provider).Inc()
	}
}

func WebhookDropped(provider, reason string) {
	if webhooksDropped != nil {
		webhooksDropped.WithLabelValues(provider, reason).Inc()
	}
}

func TaskTerminal(status task.Status) {
	if tasksTerminal != nil {
		tasksTerminal.WithLabelValues(string(status)).Inc()
	}
}

func ObserveTaskDuration(command string, d time.Duration) {
	if taskDuration != nil {
		taskDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

func TaskStarted() {
	if runningTasks != nil {
		runningTasks.Inc()
	}
}

func TaskFinished() {
	if runningTasks != nil {
		runningTasks.Dec()
	}
}

func TokenRefresh(outcome string) {
	if tokenRefreshes != nil {
		tokenRefreshes.WithLabelValues(outcome).Inc()
	}
}

func WorkspacesEvicted(n int) {
	if workspaceEvictions != nil {
		workspaceEvictions.Add(float64(n))
	}
}

func ResultPosted(provider string, ok bool) {
	if resultsPosted != nil {
		outcome := "ok"
		if !ok {
			outcome = "failed"
		}
		resultsPosted.WithLabelValues(provider, outcome).Inc()
	}
}

func BudgetRejected(scope string) {
	if budgetRejections != nil {
		budgetRejections.WithLabelValues(scope).Inc()
	}
}

func RateLimited(limiter string) {
	if rateLimitRejections != nil {
		rateLimitRejections.WithLabelValues(limiter).Inc()
	}
}
