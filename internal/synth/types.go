// Package synth adapts external voice-cloning models. A model receives text,
// a language code and a reference sample, and writes a waveform file.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request asks the model to speak Text in the voice of SpeakerWAV.
type Request struct {
	Text       string
	Language   string
	SpeakerWAV string
	OutputPath string
}

// Result describes the waveform written by the model.
type Result struct {
	Path       string
	SampleRate int
}

// Engine is the contract every model backend fulfils.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// HealthChecker is implemented by backends that can probe their model.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// New builds the backend selected by cfg.Mode. The mock backend renders at
// sampleRate.
func New(cfg config.SynthConfig, sampleRate int, logger *slog.Logger) (Engine, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockEngine(sampleRate), nil
	case "exec":
		return NewExecEngine(cfg.Command, logger)
	case "http":
		return NewHTTPEngine(cfg.Endpoint, cfg.Timeout()), nil
	default:
		return nil, fmt.Errorf("unsupported synth mode %q", cfg.Mode)
	}
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("text is empty")
	}
	if r.SpeakerWAV == "" || r.OutputPath == "" {
		return fmt.Errorf("speaker and output paths are required")
	}
	return nil
}
