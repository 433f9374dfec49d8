// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus counters and gauges for the control
// plane and worker processes: run/step completion counts, queue backlog,
// and budget kills. Each process builds its own Registry rather than
// registering against the global DefaultRegisterer, so a test can create
// several in the same binary without a duplicate-registration panic.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgate/ctrlplane/internal/streamqueue"
)

// Registry bundles the control-plane metric families behind a private
// prometheus.Registerer.
type Registry struct {
	reg *prometheus.Registry

	RunsTotal    *prometheus.CounterVec
	StepsTotal   *prometheus.CounterVec
	BudgetKills  prometheus.Counter
	StepReplays  prometheus.Counter
	QueuePending prometheus.Gauge
}

// NewRegistry builds a Registry with every metric family registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlplane_runs_total",
			Help: "Total workflow runs by terminal status",
		}, []string{"status"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlplane_steps_total",
			Help: "Total step executions by step kind and outcome",
		}, []string{"kind", "outcome"}),
		BudgetKills: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctrlplane_budget_kills_total",
			Help: "Total runs terminated for exceeding their budget",
		}),
		StepReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctrlplane_step_replays_total",
			Help: "Total steps completed from the replay cache instead of dispatch",
		}),
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctrlplane_queue_pending_entries",
			Help: "Pending (delivered, unacknowledged) entries on the step queue's consumer group",
		}),
	}
}

// Handler returns the HTTP handler that serves this Registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WatchQueue polls q's pending-entry count for group on interval and
// reflects it onto the QueuePending gauge until ctx is cancelled. It runs in
// its own goroutine and never blocks the caller.
func WatchQueue(ctx context.Context, r *Registry, q streamqueue.Queue, group string, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := q.Pending(ctx, group, 0)
				if err != nil {
					slog.Default().Warn("metrics: polling queue depth failed", slog.Any("error", err))
					continue
				}
				r.QueuePending.Set(float64(len(pending)))
			}
		}
	}()
}
