package synth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/faults"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var errWorkerStopped = errors.New("synthesis worker stopped")

type job struct {
	ctx   context.Context
	req   Request
	reply chan outcome
}

type outcome struct {
	res Result
	err error
}

// Worker is the only goroutine that talks to the engine. Requests queue on a
// channel and run one at a time, each bounded by the configured timeout.
type Worker struct {
	engine  Engine
	timeout time.Duration
	jobs    chan job
	stopped chan struct{}
	log     *slog.Logger

	duration metric.Float64Histogram
	results  metric.Int64Counter
}

func NewWorker(engine Engine, timeout time.Duration, queueSize int, logger *slog.Logger) *Worker {
	meter := otel.Meter("loqa-voice/synth")
	duration, _ := meter.Float64Histogram("synthesis.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent inside the synthesis engine"))
	results, _ := meter.Int64Counter("synthesis.requests",
		metric.WithDescription("Engine calls by outcome"))
	return &Worker{
		engine:   engine,
		timeout:  timeout,
		jobs:     make(chan job, queueSize),
		stopped:  make(chan struct{}),
		log:      logger.With(slog.String("component", "synth")),
		duration: duration,
		results:  results,
	}
}

// Run serves queued requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	w.log.Info("synthesis worker started")
	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.log.Info("synthesis worker stopped")
			return nil
		case j := <-w.jobs:
			j.reply <- w.handle(j)
		}
	}
}

// Synthesize queues req and waits for the engine. A request whose context is
// done before its turn comes is never sent to the engine.
func (w *Worker) Synthesize(ctx context.Context, req Request) (Result, error) {
	j := job{ctx: ctx, req: req, reply: make(chan outcome, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return Result{}, w.classify(ctx.Err())
	case <-w.stopped:
		return Result{}, faults.Wrap(faults.KindSynthesis, "synth.worker", "synthesis unavailable", errWorkerStopped)
	}
	select {
	case out := <-j.reply:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, w.classify(ctx.Err())
	case <-w.stopped:
		select {
		case out := <-j.reply:
			return out.res, out.err
		default:
			return Result{}, faults.Wrap(faults.KindSynthesis, "synth.worker", "synthesis unavailable", errWorkerStopped)
		}
	}
}

// Health delegates to the engine when it supports probing.
func (w *Worker) Health(ctx context.Context) error {
	if hc, ok := w.engine.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

func (w *Worker) handle(j job) outcome {
	if err := j.ctx.Err(); err != nil {
		w.log.Debug("skipping cancelled synthesis request")
		return outcome{err: w.classify(err)}
	}

	callCtx, cancel := context.WithTimeout(j.ctx, w.timeout)
	defer cancel()

	start := time.Now()
	res, err := w.engine.Synthesize(callCtx, j.req)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		if callCtx.Err() != nil {
			err = w.classify(callCtx.Err())
		} else {
			err = faults.Wrap(faults.KindSynthesis, "synth.engine", "synthesis failed", err)
		}
		status = string(faults.KindOf(err))
		w.log.Warn("synthesis failed", slog.Duration("elapsed", elapsed), slog.String("error", err.Error()))
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	w.duration.Record(j.ctx, elapsed.Seconds(), attrs)
	w.results.Add(j.ctx, 1, attrs)
	return outcome{res: res, err: err}
}

func (w *Worker) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.KindTimeout, "synth.worker", "synthesis timed out", err)
	}
	return faults.Wrap(faults.KindSynthesis, "synth.worker", "synthesis cancelled", err)
}

func (w *Worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			j.reply <- outcome{err: faults.Wrap(faults.KindSynthesis, "synth.worker", "synthesis unavailable", errWorkerStopped)}
		default:
			return
		}
	}
}
