// Package voice registers reference samples: normalize, record, then commit
// the sample to its canonical path.
package voice

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/archive"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/faults"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
)

const (
	maxNameLen     = 200
	archiveTimeout = 30 * time.Second
)

type Normalizer interface {
	Normalize(ctx context.Context, src io.Reader) (*audio.Staged, error)
}

type Registry interface {
	Insert(ctx context.Context, v registry.Voice) (registry.Voice, error)
	Delete(ctx context.Context, voiceID string) error
}

type Service struct {
	normalizer Normalizer
	registry   Registry
	archive    archive.Sink
	events     bus.Publisher
	log        *slog.Logger
}

func NewService(normalizer Normalizer, reg Registry, sink archive.Sink, events bus.Publisher, logger *slog.Logger) *Service {
	if sink == nil {
		sink = archive.Nop{}
	}
	if events == nil {
		events = bus.Nop{}
	}
	return &Service{
		normalizer: normalizer,
		registry:   reg,
		archive:    sink,
		events:     events,
		log:        logger.With(slog.String("component", "voice")),
	}
}

// Register turns src into a registered voice. Either the record and its
// canonical sample both exist afterwards, or neither does.
func (s *Service) Register(ctx context.Context, name string, src io.Reader) (registry.Voice, error) {
	const op = "voice.register"

	name = strings.TrimSpace(name)
	if len([]rune(name)) > maxNameLen {
		return registry.Voice{}, faults.New(faults.KindValidation, op, "name is too long")
	}

	staged, err := s.normalizer.Normalize(ctx, src)
	if err != nil {
		return registry.Voice{}, err
	}
	if name == "" {
		name = DefaultName(staged.VoiceID)
	}

	v, err := s.registry.Insert(ctx, registry.Voice{
		Name:    name,
		VoiceID: staged.VoiceID,
		Path:    staged.Path,
	})
	if err != nil {
		s.discard(staged)
		return registry.Voice{}, err
	}

	if err := staged.Commit(); err != nil {
		// the record must not outlive a sample that never arrived
		if derr := s.registry.Delete(context.WithoutCancel(ctx), v.VoiceID); derr != nil {
			s.log.Error("failed to roll back voice record", slog.String("voice_id", v.VoiceID), slog.String("error", derr.Error()))
		}
		s.discard(staged)
		return registry.Voice{}, faults.Wrap(faults.KindProcessing, op, "failed to store voice sample", err)
	}

	s.log.Info("voice registered",
		slog.String("voice_id", v.VoiceID),
		slog.String("name", v.Name),
		slog.Int("frames", staged.Frames))

	s.afterCommit(ctx, v)
	return v, nil
}

// DefaultName labels a voice uploaded without a name.
func DefaultName(voiceID string) string {
	if len(voiceID) > 8 {
		voiceID = voiceID[:8]
	}
	return "Voice-" + voiceID
}

func (s *Service) afterCommit(ctx context.Context, v registry.Voice) {
	ctx = context.WithoutCancel(ctx)

	archiveCtx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := s.archive.Store(archiveCtx, archive.VoiceKey(v.VoiceID), v.Path); err != nil {
		s.log.Warn("failed to archive voice sample", slog.String("voice_id", v.VoiceID), slog.String("error", err.Error()))
	}

	evt := protocol.VoiceRegistered{
		ID:        strconv.FormatInt(v.ID, 10),
		VoiceID:   v.VoiceID,
		Name:      v.Name,
		Path:      v.Path,
		CreatedAt: v.CreatedAt,
	}
	if err := s.events.Publish(ctx, protocol.SubjectVoiceRegistered, evt); err != nil {
		s.log.Warn("failed to publish voice event", slog.String("voice_id", v.VoiceID), slog.String("error", err.Error()))
	}
}

func (s *Service) discard(staged *audio.Staged) {
	if err := staged.Discard(); err != nil {
		s.log.Warn("failed to discard staged sample", slog.String("voice_id", staged.VoiceID), slog.String("error", err.Error()))
	}
}
