// Package packager compresses raw synthesis output into MP3 for delivery.
package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/faults"
	"github.com/mattn/go-shellwords"
)

const partialExt = ".partial"

// Encoder writes an MP3 rendition of a WAV file.
type Encoder interface {
	Encode(ctx context.Context, wavPath, mp3Path string) error
}

// Probe reports the playable duration of an MP3 file.
type Probe func(path string) (time.Duration, error)

// CommandEncoder drives ffmpeg with libmp3lame.
type CommandEncoder struct {
	cmd     []string
	bitrate string
}

func NewCommandEncoder(command, bitrate string) (*CommandEncoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse packager command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("packager command is empty")
	}
	return &CommandEncoder{cmd: args, bitrate: bitrate}, nil
}

func (e *CommandEncoder) Encode(ctx context.Context, wavPath, mp3Path string) error {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "-y", "-i", wavPath, "-vn", "-codec:a", "libmp3lame", "-ar", "44100")
	if e.bitrate != "" {
		args = append(args, "-b:a", e.bitrate)
	}
	args = append(args, "-f", "mp3", mp3Path)

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("encoder failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ProbeMP3 decodes the whole file and returns its duration.
func ProbeMP3(path string) (time.Duration, error) {
	clip, err := audio.DecodeMP3File(path)
	if err != nil {
		return 0, err
	}
	return clip.Duration(), nil
}

type Option func(*Packager)

func WithProbe(probe Probe) Option {
	return func(p *Packager) { p.probe = probe }
}

type Packager struct {
	encoder Encoder
	probe   Probe
	log     *slog.Logger
}

func New(encoder Encoder, logger *slog.Logger, opts ...Option) *Packager {
	p := &Packager{
		encoder: encoder,
		probe:   ProbeMP3,
		log:     logger.With(slog.String("component", "packager")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OutputPath maps a raw output file onto its packaged sibling.
func OutputPath(rawPath string) string {
	return strings.TrimSuffix(rawPath, ".wav") + ".mp3"
}

// Package encodes rawPath and removes it once the MP3 has been verified. On
// failure the raw file is kept and no partial MP3 remains.
func (p *Packager) Package(ctx context.Context, rawPath string) (string, error) {
	const op = "packager.package"
	if !strings.HasSuffix(rawPath, ".wav") {
		return "", faults.New(faults.KindPackaging, op, "raw output must be a wav file")
	}
	if _, err := os.Stat(rawPath); err != nil {
		return "", faults.Wrap(faults.KindPackaging, op, "raw output missing", err)
	}

	final := OutputPath(rawPath)
	partial := final + partialExt
	fail := func(msg string, err error) (string, error) {
		p.remove(partial)
		return "", faults.Wrap(faults.KindPackaging, op, msg, err)
	}

	if err := p.encoder.Encode(ctx, rawPath, partial); err != nil {
		return fail("failed to encode audio", err)
	}
	duration, err := p.probe(partial)
	if err != nil {
		return fail("encoded audio is unreadable", err)
	}
	if duration <= 0 {
		return fail("encoded audio is empty", errors.New("zero duration"))
	}
	if err := os.Rename(partial, final); err != nil {
		return fail("failed to publish encoded audio", err)
	}
	p.remove(rawPath)

	p.log.Debug("output packaged", slog.String("path", final), slog.Duration("duration", duration))
	return final, nil
}

func (p *Packager) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("failed to remove file", slog.String("path", path), slog.String("error", err.Error()))
	}
}
