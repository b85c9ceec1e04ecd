package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestNewSelectsSink(t *testing.T) {
	sink, err := New(context.Background(), config.ArchiveConfig{Mode: "none"}, nil, newLogger())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, sink)

	_, err = New(context.Background(), config.ArchiveConfig{Mode: "nats", Bucket: "X"}, nil, newLogger())
	require.Error(t, err)

	_, err = New(context.Background(), config.ArchiveConfig{Mode: "ftp"}, nil, newLogger())
	require.Error(t, err)
}

func TestObjectStoreRoundTrip(t *testing.T) {
	js := startJetStream(t)

	store, err := NewObjectStore(js, "VOICE_SAMPLES", newLogger())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sample.wav")
	payload := []byte("RIFF fake wav payload")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	key := VoiceKey("0123456789abcdef0123456789abcdef")
	require.NoError(t, store.Store(context.Background(), key, path))

	got, err := store.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	again, err := NewObjectStore(js, "VOICE_SAMPLES", newLogger())
	require.NoError(t, err, "existing bucket should be bound")
	got, err = again.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestS3Store(t *testing.T) {
	endpoint := os.Getenv("LOQA_VOICE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("LOQA_VOICE_TEST_S3_ENDPOINT not set")
	}
	cfg := config.ArchiveConfig{
		Mode:      "s3",
		Bucket:    "loqa-voice-test",
		Endpoint:  endpoint,
		AccessKey: os.Getenv("LOQA_VOICE_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("LOQA_VOICE_TEST_S3_SECRET_KEY"),
	}
	sink, err := New(context.Background(), cfg, nil, newLogger())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sample.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	require.NoError(t, sink.Store(context.Background(), VoiceKey("feedface"), path))
}
