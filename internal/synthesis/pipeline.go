// Package synthesis drives one text-to-speech request through validation,
// voice lookup, the model, packaging and delivery.
package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/loqalabs/loqa-voice/internal/faults"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of the request state machine. FAILED and DELIVERED are
// terminal; there are no retries.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateValidated     State = "VALIDATED"
	StateVoiceResolved State = "VOICE_RESOLVED"
	StateSynthesized   State = "SYNTHESIZED"
	StatePackaged      State = "PACKAGED"
	StateDelivered     State = "DELIVERED"
	StateFailed        State = "FAILED"
)

type Request struct {
	RequestID string
	Text      string
	VoiceID   string
	Language  string
}

// Output is a packaged file ready to hand to the client.
type Output struct {
	OutputID string
	Path     string
	FileName string
}

// Deliver streams a packaged output to the client.
type Deliver func(ctx context.Context, out Output) error

type VoiceLookup interface {
	GetByVoiceID(ctx context.Context, voiceID string) (registry.Voice, error)
}

type Engine interface {
	Synthesize(ctx context.Context, req synth.Request) (synth.Result, error)
}

type Packager interface {
	Package(ctx context.Context, rawPath string) (string, error)
}

type Options struct {
	Language     string
	MaxTextChars int
}

type Pipeline struct {
	voices   VoiceLookup
	engine   Engine
	packager Packager
	layout   datadir.Layout
	events   bus.Publisher
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

func NewPipeline(voices VoiceLookup, engine Engine, packager Packager, layout datadir.Layout, events bus.Publisher, opts Options, logger *slog.Logger) *Pipeline {
	if events == nil {
		events = bus.Nop{}
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	outcomes, _ := otel.Meter("loqa-voice/synthesis").Int64Counter("synthesis.outcomes",
		metric.WithDescription("Synthesis requests by terminal state and failing stage"))
	return &Pipeline{
		voices:   voices,
		engine:   engine,
		packager: packager,
		layout:   layout,
		events:   events,
		opts:     opts,
		log:      logger.With(slog.String("component", "synthesis")),
		tracer:   otel.Tracer("loqa-voice/synthesis"),
		outcomes: outcomes,
	}
}

type run struct {
	p     *Pipeline
	req   Request
	state State
	start time.Time
	log   *slog.Logger
}

func (r *run) advance(next State) {
	r.log.Debug("synthesis state", slog.String("from", string(r.state)), slog.String("to", string(next)))
	r.state = next
}

// Run executes req. deliver is called once the output is packaged; an error
// from it fails the request at the delivery stage.
func (p *Pipeline) Run(ctx context.Context, req Request, deliver Deliver) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "synthesis.request",
		trace.WithAttributes(attribute.String("request_id", req.RequestID)))
	defer span.End()

	r := &run{p: p, req: req, state: StateReceived, start: time.Now(),
		log: p.log.With(slog.String("request_id", req.RequestID))}

	out, err := r.execute(ctx, deliver)
	if err != nil {
		r.fail(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.Message(err))
		return Output{}, err
	}
	r.advance(StateDelivered)
	p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(StateDelivered))))
	p.publish(ctx, protocol.SubjectSynthesisCompleted, protocol.SynthesisCompleted{
		RequestID:  req.RequestID,
		VoiceID:    r.req.VoiceID,
		OutputFile: out.FileName,
		TextChars:  len([]rune(r.req.Text)),
		Language:   r.req.Language,
		DurationMS: time.Since(r.start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
	r.log.Info("synthesis delivered",
		slog.String("voice_id", r.req.VoiceID),
		slog.String("output", out.FileName),
		slog.Duration("elapsed", time.Since(r.start)))
	return out, nil
}

func (r *run) execute(ctx context.Context, deliver Deliver) (Output, error) {
	p := r.p

	if err := r.stage(ctx, faults.StageValidation, func(context.Context) error { return r.validate() }); err != nil {
		return Output{}, err
	}
	r.advance(StateValidated)

	var voice registry.Voice
	err := r.stage(ctx, faults.StageVoiceLookup, func(ctx context.Context) error {
		v, err := p.voices.GetByVoiceID(ctx, r.req.VoiceID)
		if err != nil {
			return err
		}
		if _, err := os.Stat(v.Path); err != nil {
			return faults.Wrap(faults.KindProcessing, "synthesis.voice_lookup", "voice sample is missing", err)
		}
		voice = v
		return nil
	})
	if err != nil {
		return Output{}, err
	}
	r.advance(StateVoiceResolved)

	out := Output{OutputID: datadir.NewID()}
	rawPath := p.layout.OutputRawPath(out.OutputID)
	err = r.stage(ctx, faults.StageSynthesis, func(ctx context.Context) error {
		_, err := p.engine.Synthesize(ctx, synth.Request{
			Text:       r.req.Text,
			Language:   r.req.Language,
			SpeakerWAV: voice.Path,
			OutputPath: rawPath,
		})
		if err != nil {
			p.remove(rawPath)
			return faults.Wrap(faults.KindSynthesis, "synthesis.engine", "synthesis failed", err)
		}
		return nil
	})
	if err != nil {
		return Output{}, err
	}
	r.advance(StateSynthesized)

	err = r.stage(ctx, faults.StagePackaging, func(ctx context.Context) error {
		path, err := p.packager.Package(ctx, rawPath)
		if err != nil {
			return err
		}
		out.Path = path
		out.FileName = filepath.Base(path)
		return nil
	})
	if err != nil {
		return Output{}, err
	}
	r.advance(StatePackaged)

	if deliver != nil {
		if err := r.stage(ctx, faults.StageDelivery, func(ctx context.Context) error { return deliver(ctx, out) }); err != nil {
			return Output{}, err
		}
	}
	return out, nil
}

func (r *run) stage(ctx context.Context, stage faults.Stage, fn func(context.Context) error) error {
	ctx, span := r.p.tracer.Start(ctx, "synthesis."+string(stage))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.Message(err))
		return faults.AtStage(stage, err)
	}
	return nil
}

func (r *run) validate() error {
	const op = "synthesis.validate"
	r.req.Text = strings.TrimSpace(r.req.Text)
	r.req.VoiceID = strings.TrimSpace(r.req.VoiceID)
	r.req.Language = strings.TrimSpace(r.req.Language)
	if r.req.Text == "" || r.req.VoiceID == "" {
		return faults.New(faults.KindValidation, op, "text and voice_id are required")
	}
	if limit := r.p.opts.MaxTextChars; limit > 0 && len([]rune(r.req.Text)) > limit {
		return faults.New(faults.KindValidation, op, "text is too long")
	}
	if r.req.Language == "" {
		r.req.Language = r.p.opts.Language
	}
	return nil
}

func (r *run) fail(ctx context.Context, err error) {
	stage := faults.StageOf(err)
	r.advance(StateFailed)
	r.p.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(StateFailed)),
		attribute.String("stage", string(stage))))

	level := slog.LevelWarn
	if faults.HTTPStatus(err) >= 500 {
		level = slog.LevelError
	}
	r.log.Log(ctx, level, "synthesis failed",
		slog.String("stage", string(stage)),
		slog.String("voice_id", r.req.VoiceID),
		slog.String("error", err.Error()))

	r.p.publish(ctx, protocol.SubjectSynthesisFailed, protocol.SynthesisFailed{
		RequestID: r.req.RequestID,
		VoiceID:   r.req.VoiceID,
		Stage:     string(stage),
		Error:     faults.Message(err),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Pipeline) publish(ctx context.Context, subject string, payload any) {
	if err := p.events.Publish(context.WithoutCancel(ctx), subject, payload); err != nil {
		p.log.Warn("failed to publish synthesis event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("failed to remove file", slog.String("path", path), slog.String("error", err.Error()))
	}
}
