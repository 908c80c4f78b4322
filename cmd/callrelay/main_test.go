package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securecall/callrelay/config"
	"github.com/securecall/callrelay/pkg/alert"
	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/reconciler"
	"github.com/securecall/callrelay/pkg/storage/badger"
	"github.com/securecall/callrelay/pkg/storage/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.RateLimit.Enabled = false
	cfg.Metrics.Enabled = false
	return cfg
}

func TestNewApp_Defaults(t *testing.T) {
	cfg := testConfig(t)

	app, err := NewApp(cfg, logger.Nop())
	require.NoError(t, err)
	defer app.Shutdown(context.Background())

	assert.IsType(t, &memory.MemoryStorage{}, app.store)
	assert.Nil(t, app.redis)
	assert.False(t, app.bus.Ready())
	assert.Equal(t, 0, app.reconciler.PendingCount())
}

func TestNewApp_BadgerStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "badger"
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.Badger.SyncWrites = false

	app, err := NewApp(cfg, logger.Nop())
	require.NoError(t, err)
	defer app.Shutdown(context.Background())

	assert.IsType(t, &badger.BadgerStorage{}, app.store)
	assert.NoError(t, app.checkStorage(context.Background()))
}

func TestNewApp_WebhookRendererRequiresURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alert.Renderer = "webhook"

	_, err := NewApp(cfg, logger.Nop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook renderer")
}

func TestNewRenderer(t *testing.T) {
	r, err := newRenderer(config.AlertConfig{Renderer: "log"}, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &alert.LogRenderer{}, r)

	r, err = newRenderer(config.AlertConfig{
		Renderer: "webhook",
		Webhook:  config.WebhookConfig{URL: "http://renderer.local", Timeout: time.Second},
	}, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &alert.WebhookRenderer{}, r)
}

func TestApp_RunServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/v1/signals", "application/json",
		bytes.NewReader([]byte(`{"type":"incoming_call","from":"alice"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var d reconciler.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.Equal(t, reconciler.StateBuffered, d.State)

	statusResp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var status map[string]any
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.EqualValues(t, 1, status["pending"])
	assert.Equal(t, false, status["consumerReady"])

	cancel()
	require.NoError(t, <-done)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	assert.NoError(t, app.Shutdown(shutdownCtx))
	assert.Equal(t, 0, app.reconciler.PendingCount())
}

func TestBuildOverrides(t *testing.T) {
	*serverPort = 9999
	*busType = "redis"
	defer func() {
		*serverPort = 0
		*busType = ""
	}()

	overrides := buildOverrides()

	assert.Equal(t, 9999, overrides["server.port"])
	assert.Equal(t, "redis", overrides["consumer.bus"])
	assert.NotContains(t, overrides, "log.level")
}
