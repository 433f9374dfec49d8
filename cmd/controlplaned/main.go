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

// Command controlplaned runs the scheduler and HTTP API process (spec
// §4.6, §4.9): it owns the durable step queue's producer side, the
// persistent store, and every tenant- and worker-facing route.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowgate/ctrlplane/internal/api"
	"github.com/flowgate/ctrlplane/internal/config"
	"github.com/flowgate/ctrlplane/internal/daemon/auth"
	"github.com/flowgate/ctrlplane/internal/log"
	"github.com/flowgate/ctrlplane/internal/metrics"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/pkg/policy"
	"github.com/flowgate/ctrlplane/pkg/replay"
	"github.com/flowgate/ctrlplane/pkg/scheduler"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	backend := flag.String("backend", "", "Storage backend (memory, postgres)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("controlplaned %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadControlPlane()
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *backend != "" {
		if *backend == "memory" {
			cfg.DatabaseURL = ""
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	queue, err := streamqueue.NewRedisQueue(ctx, streamqueue.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		logger.Error("failed to connect to queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()
	if err := queue.EnsureGroup(ctx, cfg.QueueGroup); err != nil {
		logger.Error("failed to ensure consumer group", slog.Any("error", err))
		os.Exit(1)
	}

	registry := workflow.NewRegistry()
	sched := scheduler.New(st, queue, func(ctx context.Context, workflowID, version string) (*workflow.Definition, error) {
		return registry.Lookup(workflowID, version)
	})
	if cfg.ReplayEnabled {
		sched.Replay = replay.NewMemoryStore()
	}

	reg := metrics.NewRegistry()
	sched.Metrics = reg
	metrics.WatchQueue(ctx, reg, queue, cfg.QueueGroup, 15*time.Second)

	router := api.NewRouter(api.RouterConfig{
		Version: version,
		RateLimit: auth.RateLimitConfig{
			Enabled:           cfg.RateLimitEnabled,
			RequestsPerSecond: cfg.RateLimitPerSecond,
			BurstSize:         cfg.RateLimitBurst,
		},
	}, api.StoreHealth{Store: st})
	router.Mux().Handle("/metrics", reg.Handler())

	tenantAuth := api.NewTenantAuthenticator(cfg.TenantTokens)
	workerAuth := api.NewWorkerAuthenticator(cfg.WorkerSecret)

	api.NewWorkflowsHandler(registry).RegisterRoutes(router.Mux(), tenantAuth)
	api.NewRunsHandler(sched, st, registry).RegisterRoutes(router.Mux(), tenantAuth)
	api.NewApprovalsHandler(sched, st).RegisterRoutes(router.Mux(), tenantAuth)
	api.NewCheckToolHandler(st, api.StaticPolicyResolver{Default: policy.Policy{}}, nil).RegisterRoutes(router.Mux(), workerAuth)
	api.NewStepResultHandler(sched, st).RegisterRoutes(router.Mux(), workerAuth)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("controlplaned listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.ControlPlane) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemoryStore(), nil
	}
	return store.Open(ctx, cfg.DatabaseURL)
}
