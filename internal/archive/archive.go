// Package archive copies committed reference samples to durable object
// storage. Archiving is best-effort and never blocks registration.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
)

// Sink stores a local file under key.
type Sink interface {
	Store(ctx context.Context, key, path string) error
}

// Nop is used when archiving is disabled.
type Nop struct{}

func (Nop) Store(context.Context, string, string) error { return nil }

// VoiceKey is the object key of a reference sample.
func VoiceKey(voiceID string) string {
	return "voices/" + voiceID + ".wav"
}

// New builds the sink selected by cfg.Mode. js is only consulted for mode
// nats and may be nil otherwise.
func New(ctx context.Context, cfg config.ArchiveConfig, js nats.JetStreamContext, log *slog.Logger) (Sink, error) {
	log = log.With(slog.String("component", "archive"))
	switch cfg.Mode {
	case "", "none":
		return Nop{}, nil
	case "nats":
		if js == nil {
			return nil, fmt.Errorf("archive mode nats requires a bus connection")
		}
		return NewObjectStore(js, cfg.Bucket, log)
	case "s3":
		return NewS3(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported archive mode %q", cfg.Mode)
	}
}
