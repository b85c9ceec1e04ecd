package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 22050 {
		t.Fatalf("expected default sample rate 22050, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Synth.Mode != "mock" || cfg.Synth.Language != "en" {
		t.Fatalf("unexpected synth defaults: %+v", cfg.Synth)
	}
	if cfg.Registry.Driver != "sqlite" {
		t.Fatalf("expected sqlite registry, got %s", cfg.Registry.Driver)
	}
	if cfg.Synth.Timeout() != 120*time.Second {
		t.Fatalf("unexpected synth timeout %v", cfg.Synth.Timeout())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	data := []byte(`
http:
  port: 9000
storage:
  data_dir: /srv/voices
synth:
  mode: exec
  command: "python3 scripts/yourtts.py --gpu auto"
  timeout_seconds: 30
retention:
  output_ttl_minutes: 90
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Storage.DataDir != "/srv/voices" {
		t.Fatalf("expected data dir override, got %s", cfg.Storage.DataDir)
	}
	if cfg.Synth.Command != "python3 scripts/yourtts.py --gpu auto" {
		t.Fatalf("unexpected command %q", cfg.Synth.Command)
	}
	if cfg.Retention.OutputTTL() != 90*time.Minute {
		t.Fatalf("unexpected ttl %v", cfg.Retention.OutputTTL())
	}
	if cfg.Packager.Bitrate != "128k" {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Packager.Bitrate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_VOICE_REGISTRY_DRIVER", "postgres")
	t.Setenv("LOQA_VOICE_REGISTRY_DSN", "postgres://voice:secret@db:5432/voices?sslmode=disable")
	t.Setenv("LOQA_VOICE_HTTP_ALLOWED_ORIGINS", "http://localhost:3000, https://studio.example")
	t.Setenv("LOQA_VOICE_BUS_ENABLED", "true")
	t.Setenv("LOQA_VOICE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_VOICE_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_VOICE_SYNTH_MODE", "http")
	t.Setenv("LOQA_VOICE_SYNTH_ENDPOINT", "http://tts:8000")
	t.Setenv("LOQA_VOICE_SYNTH_MAX_TEXT_CHARS", "1000")
	t.Setenv("LOQA_VOICE_HTTP_MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("LOQA_VOICE_ARCHIVE_MODE", "nats")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.Driver != "postgres" {
		t.Fatalf("expected registry driver override")
	}
	if cfg.Registry.DSN != "postgres://voice:secret@db:5432/voices?sslmode=disable" {
		t.Fatalf("expected registry dsn override, got %s", cfg.Registry.DSN)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.HTTP.AllowedOrigins)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Synth.Mode != "http" || cfg.Synth.Endpoint != "http://tts:8000" {
		t.Fatalf("expected synth overrides, got %+v", cfg.Synth)
	}
	if cfg.Synth.MaxTextChars != 1000 {
		t.Fatalf("expected max text override")
	}
	if cfg.HTTP.MaxUploadBytes != 1<<20 {
		t.Fatalf("expected upload limit override, got %d", cfg.HTTP.MaxUploadBytes)
	}
	if cfg.Archive.Mode != "nats" {
		t.Fatalf("expected archive mode override")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := map[string]func(*Config){
		"synth mode":        func(c *Config) { c.Synth.Mode = "onnx" },
		"exec command":      func(c *Config) { c.Synth.Mode = "exec"; c.Synth.Command = "" },
		"registry driver":   func(c *Config) { c.Registry.Driver = "mongo" },
		"archive mode":      func(c *Config) { c.Archive.Mode = "ftp" },
		"nats without bus":  func(c *Config) { c.Archive.Mode = "nats"; c.Bus.Enabled = false },
		"s3 endpoint":       func(c *Config) { c.Archive.Mode = "s3"; c.Archive.Endpoint = "" },
		"sample rate":       func(c *Config) { c.Audio.SampleRate = 0 },
		"sweep interval":    func(c *Config) { c.Retention.SweepIntervalMinutes = 0 },
		"metrics path":      func(c *Config) { c.Telemetry.MetricsPath = "metrics" },
		"empty data dir":    func(c *Config) { c.Storage.DataDir = "" },
		"packager command":  func(c *Config) { c.Packager.Command = "" },
		"http port":         func(c *Config) { c.HTTP.Port = 70000 },
		"negative max text": func(c *Config) { c.Synth.MaxTextChars = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).Level(); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
