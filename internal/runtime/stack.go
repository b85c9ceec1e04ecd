package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-voice/internal/archive"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/packager"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/retention"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
)

// stack holds every long-lived component of the service.
type stack struct {
	layout   datadir.Layout
	registry *registry.Store
	worker   *synth.Worker
	sweeper  *retention.Sweeper
	gateway  *gateway.Server
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	presence *presence.Tracker
}

// buildStack wires components in dependency order. On error everything
// opened so far is closed again.
func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			st.close()
		}
	}()

	st.layout, err = datadir.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	st.registry, err = registry.Open(ctx, cfg.Registry, logger)
	if err != nil {
		return nil, err
	}

	var transcoder audio.Transcoder
	if cfg.Audio.TranscodeCommand != "" {
		ct, err := audio.NewCommandTranscoder(cfg.Audio.TranscodeCommand)
		if err != nil {
			return nil, err
		}
		transcoder = ct
	}
	normalizer := audio.NewNormalizer(st.layout, cfg.Audio.SampleRate, transcoder, logger)

	engine, err := synth.New(cfg.Synth, cfg.Audio.SampleRate, logger)
	if err != nil {
		return nil, err
	}
	st.worker = synth.NewWorker(engine, cfg.Synth.Timeout(), cfg.Synth.QueueSize, logger)

	encoder, err := packager.NewCommandEncoder(cfg.Packager.Command, cfg.Packager.Bitrate)
	if err != nil {
		return nil, err
	}
	pkg := packager.New(encoder, logger)

	var events bus.Publisher = bus.Nop{}
	var js nats.JetStreamContext
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		st.embedded, err = natsserver.Start(busCfg, logger)
		if err != nil {
			return nil, err
		}
		if st.embedded != nil {
			busCfg.Servers = []string{st.embedded.ClientURL()}
		}
		st.bus, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		events = st.bus
		js = st.bus.JetStream()
		st.presence = presence.NewTracker(st.bus.Conn(), presence.Options{
			InstanceID:        instanceID(cfg.Bus),
			Capabilities:      capabilities(cfg),
			HeartbeatInterval: time.Duration(cfg.Bus.HeartbeatIntervalMS) * time.Millisecond,
			HeartbeatTimeout:  time.Duration(cfg.Bus.HeartbeatTimeoutMS) * time.Millisecond,
		}, logger)
	}

	sink, err := archive.New(ctx, cfg.Archive, js, logger)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	registrar := voice.NewService(normalizer, st.registry, sink, events, logger)
	pipeline := synthesis.NewPipeline(st.registry, st.worker, pkg, st.layout, events, synthesis.Options{
		Language:     cfg.Synth.Language,
		MaxTextChars: cfg.Synth.MaxTextChars,
	}, logger)
	st.sweeper = retention.NewSweeper(st.layout, st.registry, cfg.Retention, logger)
	st.gateway = gateway.New(st.registry, registrar, pipeline, st.layout, gateway.Options{
		MaxUploadBytes:      cfg.HTTP.MaxUploadBytes,
		AllowedOrigins:      cfg.HTTP.AllowedOrigins,
		SynthesizePerMinute: cfg.HTTP.SynthesizePerIP,
	}, logger)
	return st, nil
}

func instanceID(cfg config.BusConfig) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return datadir.NewID()[:12]
}

func capabilities(cfg config.Config) []presence.Capability {
	return []presence.Capability{
		{Name: "voice.register", Attributes: map[string]string{
			"sample_rate": strconv.Itoa(cfg.Audio.SampleRate),
		}},
		{Name: "synthesis", Attributes: map[string]string{
			"mode":     cfg.Synth.Mode,
			"language": cfg.Synth.Language,
		}},
	}
}

// ready reports the first dependency that cannot serve traffic.
func (st *stack) ready(ctx context.Context) error {
	if err := st.registry.Ping(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := st.worker.Health(ctx); err != nil {
		return fmt.Errorf("synthesis engine: %w", err)
	}
	if st.bus != nil && !st.bus.Healthy() {
		return errors.New("bus disconnected")
	}
	return nil
}

func (st *stack) close() {
	if st.bus != nil {
		st.bus.Close()
	}
	st.embedded.Shutdown()
	if st.registry != nil {
		_ = st.registry.Close()
	}
}
