package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind            string   `yaml:"bind"`
	Port            int      `yaml:"port"`
	MaxUploadBytes  int64    `yaml:"max_upload_bytes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	SynthesizePerIP int      `yaml:"synthesize_per_minute"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Storage     StorageConfig   `yaml:"storage"`
	Registry    RegistryConfig  `yaml:"registry"`
	Audio       AudioConfig     `yaml:"audio"`
	Synth       SynthConfig     `yaml:"synth"`
	Packager    PackagerConfig  `yaml:"packager"`
	Retention   RetentionConfig `yaml:"retention"`
	Archive     ArchiveConfig   `yaml:"archive"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// InstanceID names this replica in presence announcements. Empty picks
	// the host name.
	InstanceID          string `yaml:"instance_id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

// StorageConfig points at the single managed directory holding every voice
// and output file.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type RegistryConfig struct {
	Driver    string `yaml:"driver"` // sqlite, postgres
	DSN       string `yaml:"dsn"`
	CacheSize int    `yaml:"cache_size"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	// TranscodeCommand decodes containers the built-in decoders do not
	// understand. Empty disables the fallback.
	TranscodeCommand string `yaml:"transcode_command"`
}

type SynthConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, http
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTextChars   int    `yaml:"max_text_chars"`
	QueueSize      int    `yaml:"queue_size"`
}

type PackagerConfig struct {
	Command string `yaml:"command"`
	Bitrate string `yaml:"bitrate"`
}

type RetentionConfig struct {
	OutputTTLMinutes     int `yaml:"output_ttl_minutes"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	TempGraceMinutes     int `yaml:"temp_grace_minutes"`
}

type ArchiveConfig struct {
	Mode      string `yaml:"mode"` // none, nats, s3
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// Level maps log_level onto slog. Unknown values fall back to info.
func (c TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Timeout returns the per-call inference deadline.
func (c SynthConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c RetentionConfig) OutputTTL() time.Duration {
	return time.Duration(c.OutputTTLMinutes) * time.Minute
}

func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c RetentionConfig) TempGrace() time.Duration {
	return time.Duration(c.TempGraceMinutes) * time.Minute
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            5001,
			MaxUploadBytes:  20 << 20,
			AllowedOrigins:  []string{"*"},
			SynthesizePerIP: 30,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:             false,
			Embedded:            true,
			Port:                4222,
			StoreDir:            "./data/nats",
			Servers:             []string{"nats://localhost:4222"},
			ConnectTimeout:      2000,
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		Storage: StorageConfig{
			DataDir: "./data/voices",
		},
		Registry: RegistryConfig{
			Driver:    "sqlite",
			DSN:       "./data/voices.db",
			CacheSize: 256,
		},
		Audio: AudioConfig{
			SampleRate:       22050,
			TranscodeCommand: "ffmpeg -hide_banner -loglevel error",
		},
		Synth: SynthConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:8000",
			Language:       "en",
			TimeoutSeconds: 120,
			MaxTextChars:   500,
			QueueSize:      16,
		},
		Packager: PackagerConfig{
			Command: "ffmpeg -hide_banner -loglevel error",
			Bitrate: "128k",
		},
		Retention: RetentionConfig{
			OutputTTLMinutes:     24 * 60,
			SweepIntervalMinutes: 15,
			TempGraceMinutes:     60,
		},
		Archive: ArchiveConfig{
			Mode:   "none",
			Bucket: "VOICE_SAMPLES",
			Secure: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICE_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "LOQA_VOICE_HTTP_MAX_UPLOAD_BYTES")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_VOICE_HTTP_ALLOWED_ORIGINS")
	overrideInt(&cfg.HTTP.SynthesizePerIP, "LOQA_VOICE_HTTP_SYNTHESIZE_PER_MINUTE")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_VOICE_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Enabled, "LOQA_VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.InstanceID, "LOQA_VOICE_BUS_INSTANCE_ID")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "LOQA_VOICE_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeoutMS, "LOQA_VOICE_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Storage.DataDir, "LOQA_VOICE_STORAGE_DATA_DIR")
	overrideString(&cfg.Registry.Driver, "LOQA_VOICE_REGISTRY_DRIVER")
	overrideString(&cfg.Registry.DSN, "LOQA_VOICE_REGISTRY_DSN")
	overrideInt(&cfg.Registry.CacheSize, "LOQA_VOICE_REGISTRY_CACHE_SIZE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_VOICE_AUDIO_SAMPLE_RATE")
	overrideString(&cfg.Audio.TranscodeCommand, "LOQA_VOICE_AUDIO_TRANSCODE_COMMAND")
	overrideString(&cfg.Synth.Mode, "LOQA_VOICE_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "LOQA_VOICE_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Endpoint, "LOQA_VOICE_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.Language, "LOQA_VOICE_SYNTH_LANGUAGE")
	overrideInt(&cfg.Synth.TimeoutSeconds, "LOQA_VOICE_SYNTH_TIMEOUT_SECONDS")
	overrideInt(&cfg.Synth.MaxTextChars, "LOQA_VOICE_SYNTH_MAX_TEXT_CHARS")
	overrideInt(&cfg.Synth.QueueSize, "LOQA_VOICE_SYNTH_QUEUE_SIZE")
	overrideString(&cfg.Packager.Command, "LOQA_VOICE_PACKAGER_COMMAND")
	overrideString(&cfg.Packager.Bitrate, "LOQA_VOICE_PACKAGER_BITRATE")
	overrideInt(&cfg.Retention.OutputTTLMinutes, "LOQA_VOICE_RETENTION_OUTPUT_TTL_MINUTES")
	overrideInt(&cfg.Retention.SweepIntervalMinutes, "LOQA_VOICE_RETENTION_SWEEP_INTERVAL_MINUTES")
	overrideInt(&cfg.Retention.TempGraceMinutes, "LOQA_VOICE_RETENTION_TEMP_GRACE_MINUTES")
	overrideString(&cfg.Archive.Mode, "LOQA_VOICE_ARCHIVE_MODE")
	overrideString(&cfg.Archive.Bucket, "LOQA_VOICE_ARCHIVE_BUCKET")
	overrideString(&cfg.Archive.Endpoint, "LOQA_VOICE_ARCHIVE_ENDPOINT")
	overrideString(&cfg.Archive.AccessKey, "LOQA_VOICE_ARCHIVE_ACCESS_KEY")
	overrideString(&cfg.Archive.SecretKey, "LOQA_VOICE_ARCHIVE_SECRET_KEY")
	overrideString(&cfg.Archive.Region, "LOQA_VOICE_ARCHIVE_REGION")
	overrideBool(&cfg.Archive.Secure, "LOQA_VOICE_ARCHIVE_SECURE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.HTTP.SynthesizePerIP < 0 {
		return errors.New("http.synthesize_per_minute must be >= 0")
	}
	if cfg.Telemetry.MetricsPath != "" && !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatIntervalMS <= 0 || cfg.Bus.HeartbeatTimeoutMS < cfg.Bus.HeartbeatIntervalMS {
			return errors.New("bus.heartbeat_timeout_ms must be >= bus.heartbeat_interval_ms > 0")
		}
	}
	if cfg.Storage.DataDir == "" {
		return errors.New("storage.data_dir must not be empty")
	}
	switch cfg.Registry.Driver {
	case "sqlite", "postgres":
	default:
		return errors.New("registry.driver must be one of sqlite|postgres")
	}
	if cfg.Registry.DSN == "" {
		return errors.New("registry.dsn must not be empty")
	}
	if cfg.Registry.CacheSize < 0 {
		return errors.New("registry.cache_size must be >= 0")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("synth.mode must be one of mock|exec|http")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.Mode == "http" && cfg.Synth.Endpoint == "" {
		return errors.New("synth.endpoint must be set when mode=http")
	}
	if cfg.Synth.Language == "" {
		return errors.New("synth.language must not be empty")
	}
	if cfg.Synth.TimeoutSeconds <= 0 {
		return errors.New("synth.timeout_seconds must be positive")
	}
	if cfg.Synth.MaxTextChars < 0 {
		return errors.New("synth.max_text_chars must be >= 0")
	}
	if cfg.Synth.QueueSize < 0 {
		return errors.New("synth.queue_size must be >= 0")
	}
	if cfg.Packager.Command == "" {
		return errors.New("packager.command must not be empty")
	}
	if cfg.Retention.OutputTTLMinutes < 0 {
		return errors.New("retention.output_ttl_minutes must be >= 0")
	}
	if cfg.Retention.SweepIntervalMinutes <= 0 {
		return errors.New("retention.sweep_interval_minutes must be positive")
	}
	if cfg.Retention.TempGraceMinutes < 0 {
		return errors.New("retention.temp_grace_minutes must be >= 0")
	}
	switch cfg.Archive.Mode {
	case "", "none":
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("archive.mode=nats requires bus.enabled")
		}
		if cfg.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set when mode=nats")
		}
	case "s3":
		if cfg.Archive.Endpoint == "" || cfg.Archive.Bucket == "" {
			return errors.New("archive.endpoint and archive.bucket must be set when mode=s3")
		}
	default:
		return errors.New("archive.mode must be one of none|nats|s3")
	}
	return nil
}
