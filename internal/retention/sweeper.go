// Package retention garbage-collects the managed data directory: expired
// synthesis outputs, abandoned uploads and staged samples left by a crash.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/loqalabs/loqa-voice/internal/faults"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type VoiceLookup interface {
	GetByVoiceID(ctx context.Context, voiceID string) (registry.Voice, error)
}

// Report counts what a pass did.
type Report struct {
	ExpiredOutputs int
	OrphanTemps    int
	RolledForward  int
	DroppedStaged  int
}

type Sweeper struct {
	layout    datadir.Layout
	voices    VoiceLookup
	outputTTL time.Duration
	interval  time.Duration
	tempGrace time.Duration
	clock     func() time.Time
	log       *slog.Logger
	removed   metric.Int64Counter
}

func NewSweeper(layout datadir.Layout, voices VoiceLookup, cfg config.RetentionConfig, logger *slog.Logger) *Sweeper {
	removed, _ := otel.Meter("loqa-voice/retention").Int64Counter("retention.files_removed",
		metric.WithDescription("Files removed from the data directory"))
	return &Sweeper{
		layout:    layout,
		voices:    voices,
		outputTTL: cfg.OutputTTL(),
		interval:  cfg.SweepInterval(),
		tempGrace: cfg.TempGrace(),
		clock:     time.Now,
		log:       logger.With(slog.String("component", "retention")),
		removed:   removed,
	}
}

// Run sweeps on every interval until ctx is done. Callers run Reconcile
// before accepting traffic.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconcile is the startup pass. Nothing is in flight yet, so every temp
// file and staged sample is considered abandoned.
func (s *Sweeper) Reconcile(ctx context.Context) (Report, error) {
	return s.pass(ctx, 0)
}

// Sweep is the periodic pass. In-flight uploads are protected by the grace
// period.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	return s.pass(ctx, s.tempGrace)
}

func (s *Sweeper) pass(ctx context.Context, grace time.Duration) (Report, error) {
	var report Report
	entries, err := os.ReadDir(s.layout.Dir())
	if err != nil {
		return report, fmt.Errorf("read data dir: %w", err)
	}
	now := s.clock()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		path := filepath.Join(s.layout.Dir(), entry.Name())

		kind, id := datadir.Classify(entry.Name())
		switch kind {
		case datadir.KindOutputRaw, datadir.KindOutputPackaged, datadir.KindOutputPartial:
			if s.outputTTL > 0 && age > s.outputTTL && s.remove(ctx, path, "output") {
				report.ExpiredOutputs++
			}
		case datadir.KindTemp:
			if age >= grace && s.remove(ctx, path, "temp") {
				report.OrphanTemps++
			}
		case datadir.KindStagedVoice:
			if age < grace {
				continue
			}
			if err := s.settleStaged(ctx, id, path, &report); err != nil {
				s.log.Warn("failed to settle staged sample", slog.String("voice_id", id), slog.String("error", err.Error()))
			}
		}
	}
	if report != (Report{}) {
		s.log.Info("retention pass finished",
			slog.Int("expired_outputs", report.ExpiredOutputs),
			slog.Int("orphan_temps", report.OrphanTemps),
			slog.Int("rolled_forward", report.RolledForward),
			slog.Int("dropped_staged", report.DroppedStaged))
	}
	return report, nil
}

// settleStaged finishes or abandons a registration interrupted between the
// record insert and the rename.
func (s *Sweeper) settleStaged(ctx context.Context, voiceID, path string, report *Report) error {
	_, err := s.voices.GetByVoiceID(ctx, voiceID)
	switch {
	case err == nil:
		canonical := s.layout.VoicePath(voiceID)
		if _, statErr := os.Stat(canonical); statErr == nil {
			if s.remove(ctx, path, "staged") {
				report.DroppedStaged++
			}
			return nil
		}
		if err := os.Rename(path, canonical); err != nil {
			return err
		}
		report.RolledForward++
		s.log.Info("staged sample rolled forward", slog.String("voice_id", voiceID))
		return nil
	case faults.IsKind(err, faults.KindNotFound):
		if s.remove(ctx, path, "staged") {
			report.DroppedStaged++
		}
		return nil
	default:
		return err
	}
}

func (s *Sweeper) remove(ctx context.Context, path, kind string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove file", slog.String("path", path), slog.String("error", err.Error()))
		}
		return false
	}
	s.removed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	return true
}
