// Package audio turns uploaded voice samples into the canonical reference
// format: mono 16-bit PCM WAV at a fixed sample rate.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/loqalabs/loqa-voice/internal/faults"
)

const sniffLen = 12

// Staged is a normalized sample waiting for its registry record. Exactly one
// of Commit or Discard should be called.
type Staged struct {
	VoiceID    string
	Path       string
	SampleRate int
	Frames     int

	stagedPath string
}

// Commit moves the staged file to its canonical path.
func (s *Staged) Commit() error {
	if err := os.Rename(s.stagedPath, s.Path); err != nil {
		return fmt.Errorf("commit voice sample: %w", err)
	}
	return nil
}

func (s *Staged) Discard() error {
	if err := os.Remove(s.stagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard voice sample: %w", err)
	}
	return nil
}

type Normalizer struct {
	layout     datadir.Layout
	sampleRate int
	transcoder Transcoder
	logger     *slog.Logger
}

// NewNormalizer builds a normalizer writing into layout. transcoder may be nil,
// in which case only PCM or float WAV and MP3 input is accepted.
func NewNormalizer(layout datadir.Layout, sampleRate int, transcoder Transcoder, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		layout:     layout,
		sampleRate: sampleRate,
		transcoder: transcoder,
		logger:     logger.With(slog.String("component", "audio")),
	}
}

// Normalize decodes src and stages it as a canonical WAV under a fresh voice
// id. On error nothing is left in the data directory.
func (n *Normalizer) Normalize(ctx context.Context, src io.Reader) (*Staged, error) {
	const op = "audio.normalize"

	tempPath := n.layout.NewTempPath()
	defer n.remove(tempPath)

	size, err := spool(tempPath, src)
	if err != nil {
		return nil, faults.Wrap(faults.KindProcessing, op, "failed to store upload", err)
	}
	if size == 0 {
		return nil, faults.New(faults.KindDecode, op, "audio file is empty")
	}

	clip, err := n.decode(ctx, tempPath)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecode, op, "audio could not be decoded", err)
	}
	clip = Resample(Downmix(clip), n.sampleRate)
	if clip.Frames() == 0 {
		return nil, faults.New(faults.KindDecode, op, "audio contains no samples")
	}

	voiceID := datadir.NewID()
	staged := &Staged{
		VoiceID:    voiceID,
		Path:       n.layout.VoicePath(voiceID),
		SampleRate: clip.SampleRate,
		Frames:     clip.Frames(),
		stagedPath: n.layout.StagedVoicePath(voiceID),
	}
	if err := WriteWAVFile(staged.stagedPath, clip); err != nil {
		n.remove(staged.stagedPath)
		return nil, faults.Wrap(faults.KindProcessing, op, "failed to write voice sample", err)
	}
	n.logger.Debug("voice sample staged",
		slog.String("voice_id", voiceID),
		slog.Int64("input_bytes", size),
		slog.Duration("duration", clip.Duration()),
	)
	return staged, nil
}

func (n *Normalizer) decode(ctx context.Context, path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer file.Close()

	header := make([]byte, sniffLen)
	read, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Clip{}, fmt.Errorf("read header: %w", err)
	}
	header = header[:read]
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Clip{}, err
	}

	switch {
	case isWAV(header):
		clip, err := DecodeWAV(file)
		if err == nil || n.transcoder == nil {
			return clip, err
		}
		// compressed or extensible-float WAV payloads
		n.logger.Debug("wav decoder rejected input, transcoding", slogError(err))
		return n.transcode(ctx, path)
	case isMP3(header):
		// the sync word also matches ADTS AAC and layer I/II streams
		clip, err := DecodeMP3(file)
		if err == nil || n.transcoder == nil {
			return clip, err
		}
		n.logger.Debug("mp3 decoder rejected input, transcoding", slogError(err))
		return n.transcode(ctx, path)
	case n.transcoder != nil:
		return n.transcode(ctx, path)
	default:
		return Clip{}, errors.New("unsupported audio format")
	}
}

func (n *Normalizer) transcode(ctx context.Context, path string) (Clip, error) {
	out := n.layout.NewTempPath()
	defer n.remove(out)
	if err := n.transcoder.Transcode(ctx, path, out, n.sampleRate); err != nil {
		return Clip{}, err
	}
	return DecodeWAVFile(out)
}

func (n *Normalizer) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		n.logger.Warn("failed to remove temp file", slog.String("path", path), slogError(err))
	}
}

func spool(path string, src io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(file, src)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return size, err
}

func isWAV(header []byte) bool {
	return len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE"))
}

func isMP3(header []byte) bool {
	if len(header) >= 3 && bytes.Equal(header[0:3], []byte("ID3")) {
		return true
	}
	return len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
