package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadControlPlaneDefaults(t *testing.T) {
	cp, err := LoadControlPlane()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cp.ListenAddr)
	assert.Equal(t, "step-workers", cp.QueueGroup)
	assert.Equal(t, 5*time.Second, cp.LeaseTimeout)
}

func TestLoadControlPlaneFromEnv(t *testing.T) {
	t.Setenv("CONTROLPLANE_LISTEN_ADDR", ":9090")
	t.Setenv("CONTROLPLANE_LEASE_TIMEOUT_MS", "2500")
	t.Setenv("DATABASE_URL", "postgres://db/test")

	cp, err := LoadControlPlane()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cp.ListenAddr)
	assert.Equal(t, 2500*time.Millisecond, cp.LeaseTimeout)
	assert.Equal(t, "postgres://db/test", cp.DatabaseURL)
}

func TestLoadControlPlaneRejectsInvalidInteger(t *testing.T) {
	t.Setenv("CONTROLPLANE_LEASE_TIMEOUT_MS", "not-a-number")
	_, err := LoadControlPlane()
	assert.Error(t, err)
}

func TestLoadWorkerDefaults(t *testing.T) {
	w, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, 3, w.MaxRetries)
	assert.Equal(t, time.Second, w.RetryDelay)
	assert.Equal(t, 300*time.Second, w.TestTimeout)
	assert.Equal(t, "./workspace", w.WorkspaceDir)
}

func TestLoadWorkerFromEnv(t *testing.T) {
	t.Setenv("WORKER_MAX_RETRIES", "5")
	t.Setenv("WORKER_RETRY_DELAY_MS", "250")
	t.Setenv("FD_WORKSPACE_DIR", "/tmp/workspace")

	w, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, 5, w.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, w.RetryDelay)
	assert.Equal(t, "/tmp/workspace", w.WorkspaceDir)
}

func TestLoadControlPlaneParsesTenantTokens(t *testing.T) {
	t.Setenv("CONTROLPLANE_TENANT_TOKENS", "tok_a:ten_a,tok_b:ten_b")
	cp, err := LoadControlPlane()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok_a": "ten_a", "tok_b": "ten_b"}, cp.TenantTokens)
}

func TestLoadControlPlaneSkipsMalformedTenantTokenEntries(t *testing.T) {
	t.Setenv("CONTROLPLANE_TENANT_TOKENS", "tok_a:ten_a,malformed,tok_c:")
	cp, err := LoadControlPlane()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok_a": "ten_a"}, cp.TenantTokens)
}

func TestLoadControlPlaneDefaultsWorkerSecret(t *testing.T) {
	cp, err := LoadControlPlane()
	require.NoError(t, err)
	assert.NotEmpty(t, cp.WorkerSecret)
}
