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

// Package config loads control-plane and worker process configuration from
// the environment. Every recognised key has a default; nothing reads
// os.Getenv outside of this package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ControlPlane holds configuration for the scheduler/API process.
type ControlPlane struct {
	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string

	// DatabaseURL is the Postgres DSN backing the persistent store.
	DatabaseURL string

	// RedisURL is the connection string for the durable step queue.
	RedisURL string

	// QueueGroup is the consumer group name workers join to receive steps.
	QueueGroup string

	// LeaseTimeout bounds how long a caller waits to acquire a run lease
	// before receiving LeaseBusy.
	LeaseTimeout time.Duration

	// OTLPEndpoint is where trace spans would be exported, if exporting is
	// enabled. The core only propagates trace_context; exporting is an
	// external-collaborator concern (spec.md Out of scope).
	OTLPEndpoint string

	// WorkerSecret authenticates worker callers of the check-tool and
	// step-result routes (spec §6). Distinct from tenant bearer tokens: a
	// worker is not itself a tenant.
	WorkerSecret string

	// TenantTokens maps a bearer token to the tenant ID it authenticates
	// as (spec §4.9), loaded from CONTROLPLANE_TENANT_TOKENS as a
	// comma-separated list of token:tenant_id pairs.
	TenantTokens map[string]string

	// ReplayEnabled turns on the deterministic-replay lookup (spec §9):
	// repeated LLM steps with identical input short-circuit instead of
	// dispatching to a worker.
	ReplayEnabled bool

	// RateLimitEnabled turns on per-caller request throttling, keyed on
	// the caller's Authorization header.
	RateLimitEnabled bool

	// RateLimitPerSecond and RateLimitBurst size the token bucket when
	// RateLimitEnabled is set.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Worker holds configuration for the step-executor process.
type Worker struct {
	// ControlPlaneURL is the base URL of the control-plane HTTP API the
	// worker posts step results to.
	ControlPlaneURL string

	// RedisURL is the connection string for the durable step queue.
	RedisURL string

	// QueueGroup is the consumer group this worker pool joins.
	QueueGroup string

	// ConsumerName distinguishes this worker instance within the group.
	ConsumerName string

	// MaxRetries bounds local retries of transient LLM/tool errors before
	// the failure is surfaced to the scheduler for step-level retry.
	MaxRetries int

	// RetryDelay is the base delay between local retry attempts.
	RetryDelay time.Duration

	// TestTimeout bounds how long a single step's I/O may run before the
	// worker aborts it (distinct from the per-step timeout_ms carried on
	// the StepDef, which the scheduler enforces independently).
	TestTimeout time.Duration

	// WorkspaceDir is the root directory for tool sandboxes and the local
	// content-addressed artifact sink.
	WorkspaceDir string
}

// envString returns the environment value for key, or def if unset/empty.
func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid integer for %s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, defMs int) (time.Duration, error) {
	n, err := envInt(key, defMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(key string, defSeconds int) (time.Duration, error) {
	n, err := envInt(key, defSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid float for %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// LoadControlPlane parses ControlPlane configuration from the environment.
func LoadControlPlane() (ControlPlane, error) {
	lease, err := envMillis("CONTROLPLANE_LEASE_TIMEOUT_MS", 5000)
	if err != nil {
		return ControlPlane{}, err
	}
	rateLimit, err := envFloat("CONTROLPLANE_RATE_LIMIT_PER_SECOND", 50)
	if err != nil {
		return ControlPlane{}, err
	}
	rateLimitBurst, err := envInt("CONTROLPLANE_RATE_LIMIT_BURST", 100)
	if err != nil {
		return ControlPlane{}, err
	}
	return ControlPlane{
		ListenAddr:   envString("CONTROLPLANE_LISTEN_ADDR", ":8080"),
		DatabaseURL:  envString("DATABASE_URL", "postgres://localhost:5432/ctrlplane"),
		RedisURL:     envString("REDIS_URL", "redis://localhost:6379"),
		QueueGroup:   envString("CONTROLPLANE_QUEUE_GROUP", "step-workers"),
		LeaseTimeout: lease,
		OTLPEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		WorkerSecret:       envString("CONTROLPLANE_WORKER_SECRET", "dev-worker-secret"),
		TenantTokens:       parseTenantTokens(envString("CONTROLPLANE_TENANT_TOKENS", "")),
		ReplayEnabled:      envBool("CONTROLPLANE_REPLAY_ENABLED", false),
		RateLimitEnabled:   envBool("CONTROLPLANE_RATE_LIMIT_ENABLED", false),
		RateLimitPerSecond: rateLimit,
		RateLimitBurst:     rateLimitBurst,
	}, nil
}

// parseTenantTokens parses a comma-separated "token:tenant_id,..." list into
// a token -> tenant ID map. Malformed entries (missing the separator) are
// skipped rather than failing startup, since a single bad entry shouldn't
// block every other tenant from authenticating.
func parseTenantTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	if raw == "" {
		return tokens
	}
	for _, pair := range strings.Split(raw, ",") {
		token, tenantID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || tenantID == "" {
			continue
		}
		tokens[token] = tenantID
	}
	return tokens
}

// LoadWorker parses Worker configuration from the environment.
func LoadWorker() (Worker, error) {
	maxRetries, err := envInt("WORKER_MAX_RETRIES", 3)
	if err != nil {
		return Worker{}, err
	}
	retryDelay, err := envMillis("WORKER_RETRY_DELAY_MS", 1000)
	if err != nil {
		return Worker{}, err
	}
	testTimeout, err := envSeconds("FD_TEST_TIMEOUT", 300)
	if err != nil {
		return Worker{}, err
	}
	return Worker{
		ControlPlaneURL: envString("CONTROL_PLANE_URL", "http://localhost:8080"),
		RedisURL:        envString("REDIS_URL", "redis://localhost:6379"),
		QueueGroup:      envString("CONTROLPLANE_QUEUE_GROUP", "step-workers"),
		ConsumerName:    envString("WORKER_CONSUMER_NAME", ""),
		MaxRetries:      maxRetries,
		RetryDelay:      retryDelay,
		TestTimeout:     testTimeout,
		WorkspaceDir:    envString("FD_WORKSPACE_DIR", "./workspace"),
	}, nil
}
