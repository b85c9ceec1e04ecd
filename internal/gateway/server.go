// Package gateway exposes the voice registry and the synthesis pipeline over
// HTTP.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Catalog interface {
	List(ctx context.Context) ([]registry.Voice, error)
	GetByID(ctx context.Context, id string) (registry.Voice, error)
}

type Registrar interface {
	Register(ctx context.Context, name string, src io.Reader) (registry.Voice, error)
}

type Synthesizer interface {
	Run(ctx context.Context, req synthesis.Request, deliver synthesis.Deliver) (synthesis.Output, error)
}

type Options struct {
	MaxUploadBytes      int64
	AllowedOrigins      []string
	SynthesizePerMinute int
}

type Server struct {
	catalog     Catalog
	registrar   Registrar
	synthesizer Synthesizer
	layout      datadir.Layout
	opts        Options
	log         *slog.Logger

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(catalog Catalog, registrar Registrar, synthesizer Synthesizer, layout datadir.Layout, opts Options, logger *slog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	meter := otel.Meter("loqa-voice/gateway")
	requests, _ := meter.Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests by route and status"))
	latency, _ := meter.Float64Histogram("http.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("HTTP request latency"))
	return &Server{
		catalog:     catalog,
		registrar:   registrar,
		synthesizer: synthesizer,
		layout:      layout,
		opts:        opts,
		log:         logger.With(slog.String("component", "gateway")),
		requests:    requests,
		latency:     latency,
	}
}

// Router returns the API router. Callers may add further routes to it.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.logRequests,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{headerOutputFile, "Content-Disposition"},
			MaxAge:         300,
		}),
	)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/voices", s.handleListVoices)
		api.Get("/voices/{id}", s.handleGetVoice)
		api.Post("/voices/upload", s.handleUpload)
		api.Get("/audio/{filename}", s.handleAudio)

		synth := api.With()
		if s.opts.SynthesizePerMinute > 0 {
			synth = api.With(httprate.LimitByIP(s.opts.SynthesizePerMinute, time.Minute))
		}
		synth.Post("/synthesize", s.handleSynthesize)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		attrs := metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", status))
		s.requests.Add(r.Context(), 1, attrs)
		s.latency.Record(r.Context(), elapsed.Seconds(), attrs)

		s.log.Debug("http request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", elapsed))
	})
}
