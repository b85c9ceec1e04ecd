package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Storage.DataDir = filepath.Join(dir, "voices")
	cfg.Registry.DSN = filepath.Join(dir, "voices.db")
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRuntimeServesAndStops(t *testing.T) {
	cfg := testConfig(t)

	// a staged sample without a record is dropped before traffic is served
	layout, err := datadir.Open(cfg.Storage.DataDir)
	require.NoError(t, err)
	staged := layout.StagedVoicePath(datadir.NewID())
	require.NoError(t, os.WriteFile(staged, []byte("RIFF"), 0o644))

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, func() bool { return rt.Addr() != "" && rt.ready.Load() }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + rt.Addr()

	assert.NoFileExists(t, staged)

	status, body := get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = get(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body)

	status, body = get(t, base+"/api/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"healthy"}`, body)

	status, _ = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, status)

	status, body = get(t, base+"/api/voices")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.False(t, rt.ready.Load())
}

func TestBuildStackWithEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Archive.Mode = "nats"
	cfg.Bus.InstanceID = "voice-test"

	st, err := buildStack(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer st.close()

	require.NotNil(t, st.bus)
	require.NotNil(t, st.presence)
	assert.True(t, st.bus.Healthy())
	assert.NoError(t, st.ready(context.Background()))
}

func TestBuildStackRejectsBadEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Synth.Mode = "onnx"

	_, err := buildStack(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestCapabilitiesDescribeSynthesis(t *testing.T) {
	cfg := config.Default()
	cfg.Synth.Mode = "http"
	caps := capabilities(cfg)
	require.Len(t, caps, 2)
	assert.Equal(t, "22050", caps[0].Attributes["sample_rate"])
	assert.Equal(t, "http", caps[1].Attributes["mode"])

	assert.Equal(t, "fixed", instanceID(config.BusConfig{InstanceID: "fixed"}))
	assert.NotEmpty(t, instanceID(config.BusConfig{}))
}
