package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "file:kerneld.db", cfg.DSN)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 168*time.Hour, cfg.CommandTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.SweepBatchSize)
	assert.Equal(t, 10, cfg.RetryMaxAttempts)
	assert.Equal(t, "deadletters", cfg.DeadLetterDir)
	assert.False(t, cfg.EventBusEnabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("KERNELD_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("KERNELD_DB", "file:/tmp/kernel-test.db")
	t.Setenv("KERNELD_SWEEP_INTERVAL", "5s")
	t.Setenv("KERNELD_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("KERNELD_EVENTBUS_ENABLED", "true")
	t.Setenv("KERNELD_NATS_URL", "nats://broker:4222")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.Equal(t, "file:/tmp/kernel-test.db", cfg.DSN)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.True(t, cfg.EventBusEnabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
}

func TestConfig_Logger(t *testing.T) {
	ctx := context.Background()

	debug := Config{LogLevel: "debug"}.Logger()
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	quiet := Config{LogLevel: "error"}.Logger()
	assert.False(t, quiet.Enabled(ctx, slog.LevelWarn))
	assert.True(t, quiet.Enabled(ctx, slog.LevelError))
}

func startOpsServer(t *testing.T, checks ...healthCheck) *opsServer {
	t.Helper()
	s := newOpsServer("127.0.0.1:0", slog.New(slog.DiscardHandler), checks...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func getJSON(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestOpsServer_Healthz(t *testing.T) {
	s := startOpsServer(t)

	status, body := getJSON(t, fmt.Sprintf("http://%s/healthz", s.Addr()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestOpsServer_ReadyzPassesAllChecks(t *testing.T) {
	s := startOpsServer(t,
		healthCheck{name: "a", check: func(context.Context) error { return nil }},
		healthCheck{name: "b", check: func(context.Context) error { return nil }},
	)

	status, body := getJSON(t, fmt.Sprintf("http://%s/readyz", s.Addr()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
}

func TestOpsServer_ReadyzReportsFailingCheck(t *testing.T) {
	s := startOpsServer(t,
		healthCheck{name: "sqlite", check: func(context.Context) error { return nil }},
		healthCheck{name: "eventbus", check: func(context.Context) error {
			return fmt.Errorf("connection refused")
		}},
	)

	status, body := getJSON(t, fmt.Sprintf("http://%s/readyz", s.Addr()))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "eventbus", body["check"])
	assert.Contains(t, body["error"], "connection refused")
}
