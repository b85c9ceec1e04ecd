package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	addr   atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the address the HTTP server is listening on, or "" before Start
// has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start runs the service until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	st, err := buildStack(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer st.close()

	report, err := st.sweeper.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile data directory: %w", err)
	}
	r.logger.Info("data directory reconciled",
		slog.Int("rolled_forward", report.RolledForward),
		slog.Int("dropped_staged", report.DroppedStaged),
		slog.Int("orphan_temps", report.OrphanTemps),
		slog.Int("expired_outputs", report.ExpiredOutputs))

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())

	httpServer := &http.Server{
		Handler:           r.routes(st, metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.worker.Run(gctx) })
	g.Go(func() error { return st.sweeper.Run(gctx) })
	if st.presence != nil {
		g.Go(func() error { return st.presence.Run(gctx) })
	}
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.String("data_dir", st.layout.Dir()))

	return g.Wait()
}

func (r *Runtime) routes(st *stack, metrics http.Handler) http.Handler {
	router := st.gateway.Router()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady(st))
	if metrics != nil && r.cfg.Telemetry.MetricsPath != "" {
		router.Handle(r.cfg.Telemetry.MetricsPath, metrics)
	}
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(st *stack) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		if err := st.ready(req.Context()); err != nil {
			r.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
