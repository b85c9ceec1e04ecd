package synth

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

const (
	mockPerRune  = 60 * time.Millisecond
	mockMinAudio = 500 * time.Millisecond
)

type mockEngine struct {
	sampleRate int
}

// NewMockEngine returns an engine that renders a tone whose length follows
// the text. It needs no model and is used for development and tests.
func NewMockEngine(sampleRate int) Engine {
	return &mockEngine{sampleRate: sampleRate}
}

func (m *mockEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(req.SpeakerWAV); err != nil {
		return Result{}, fmt.Errorf("speaker reference: %w", err)
	}

	length := time.Duration(len([]rune(req.Text))) * mockPerRune
	if length < mockMinAudio {
		length = mockMinAudio
	}
	frames := int(length.Seconds() * float64(m.sampleRate))
	samples := make([]float64, frames)
	for i := range samples {
		samples[i] = 0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate))
	}
	clip := audio.Clip{SampleRate: m.sampleRate, Channels: 1, Samples: samples}
	if err := audio.WriteWAVFile(req.OutputPath, clip); err != nil {
		return Result{}, err
	}
	return Result{Path: req.OutputPath, SampleRate: m.sampleRate}, nil
}
