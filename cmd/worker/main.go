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

// Command worker runs the step executor process (spec §4.7): it joins a
// consumer group on the durable step queue and dispatches LLM, Tool, and
// Approval steps, reporting every outcome back to the control plane.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowgate/ctrlplane/internal/config"
	"github.com/flowgate/ctrlplane/internal/log"
	"github.com/flowgate/ctrlplane/internal/mcp"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/internal/worker"
	"github.com/flowgate/ctrlplane/internal/worker/artifact"
	"github.com/flowgate/ctrlplane/internal/worker/llmclient"
	"github.com/flowgate/ctrlplane/pkg/llm"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := false
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			showVersion = true
		}
	}
	if showVersion {
		fmt.Printf("worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue, err := streamqueue.NewRedisQueue(ctx, streamqueue.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		logger.Error("failed to connect to queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()

	cp, err := worker.NewControlPlaneClient(cfg.ControlPlaneURL, os.Getenv("CONTROLPLANE_WORKER_SECRET"))
	if err != nil {
		logger.Error("failed to build control-plane client", slog.Any("error", err))
		os.Exit(1)
	}

	// llmProvider must stay nil-as-interface (not a nil *llmclient.Client
	// wrapped in a non-nil interface) so worker.New's "no provider
	// configured" check behaves correctly when ANTHROPIC_API_KEY is unset.
	var llmProvider llm.Provider
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		llmProvider = llmclient.New(apiKey, 0)
	}

	tools, err := buildToolRouter(ctx, logger)
	if err != nil {
		logger.Error("failed to build tool router", slog.Any("error", err))
		os.Exit(1)
	}

	artifacts, err := artifact.New(cfg.WorkspaceDir + "/artifacts")
	if err != nil {
		logger.Error("failed to open artifact store", slog.Any("error", err))
		os.Exit(1)
	}

	consumer := cfg.ConsumerName
	if consumer == "" {
		hostname, _ := os.Hostname()
		consumer = fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	}

	w := worker.New(worker.Config{
		Group:      cfg.QueueGroup,
		Consumer:   consumer,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, queue, cp, llmProvider, tools, artifacts)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("worker error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// buildToolRouter loads the global MCP configuration and connects to every
// auto-start server. A worker deployment with no MCP servers configured
// runs with a nil router, which fails Tool steps rather than the process.
func buildToolRouter(ctx context.Context, logger *slog.Logger) (*worker.ToolRouter, error) {
	mcpCfg, err := mcp.LoadMCPConfig()
	if err != nil {
		return nil, err
	}
	if len(mcpCfg.Servers) == 0 {
		return nil, nil
	}

	manager := mcp.NewManager(mcp.ManagerConfig{Logger: logger})
	var servers []mcp.ServerConfig
	for name, entry := range mcpCfg.Servers {
		if !entry.AutoStart {
			continue
		}
		servers = append(servers, entry.ToServerConfig(name))
	}
	if len(servers) == 0 {
		return nil, nil
	}
	return worker.NewToolRouter(ctx, manager, servers)
}
