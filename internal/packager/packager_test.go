package packager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTone(t *testing.T, path string, seconds float64) {
	t.Helper()
	rate := 22050
	samples := make([]float64, int(seconds*float64(rate)))
	for i := range samples {
		samples[i] = 0.4 * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
	}
	require.NoError(t, audio.WriteWAVFile(path, audio.Clip{SampleRate: rate, Channels: 1, Samples: samples}))
}

type fakeEncoder struct {
	err   error
	calls int
}

func (f *fakeEncoder) Encode(_ context.Context, _, mp3Path string) error {
	f.calls++
	if f.err != nil {
		// encoders may leave half-written output behind
		_ = os.WriteFile(mp3Path, []byte("partial"), 0o644)
		return f.err
	}
	return os.WriteFile(mp3Path, []byte("ID3 pretend mp3"), 0o644)
}

func fixedProbe(d time.Duration, err error) Probe {
	return func(string) (time.Duration, error) { return d, err }
}

func TestPackageRemovesRawOnSuccess(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "output_abc.wav")
	writeTone(t, raw, 0.2)

	p := New(&fakeEncoder{}, newLogger(), WithProbe(fixedProbe(time.Second, nil)))
	out, err := p.Package(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output_abc.mp3"), out)
	assert.FileExists(t, out)
	assert.NoFileExists(t, raw)
	assert.NoFileExists(t, out+partialExt)
}

func TestPackageKeepsRawOnFailure(t *testing.T) {
	cases := map[string]*Packager{
		"encoder error": New(&fakeEncoder{err: errors.New("libmp3lame missing")}, newLogger(), WithProbe(fixedProbe(time.Second, nil))),
		"unreadable":    New(&fakeEncoder{}, newLogger(), WithProbe(fixedProbe(0, errors.New("no frames")))),
		"empty":         New(&fakeEncoder{}, newLogger(), WithProbe(fixedProbe(0, nil))),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			raw := filepath.Join(dir, "output_abc.wav")
			writeTone(t, raw, 0.2)

			_, err := p.Package(context.Background(), raw)
			require.Error(t, err)
			assert.Equal(t, faults.KindPackaging, faults.KindOf(err))
			assert.FileExists(t, raw)
			assert.NoFileExists(t, filepath.Join(dir, "output_abc.mp3"))
			assert.NoFileExists(t, filepath.Join(dir, "output_abc.mp3"+partialExt))
		})
	}
}

func TestPackageRejectsMissingInput(t *testing.T) {
	enc := &fakeEncoder{}
	p := New(enc, newLogger())
	_, err := p.Package(context.Background(), filepath.Join(t.TempDir(), "output_none.wav"))
	require.Error(t, err)
	assert.Equal(t, 0, enc.calls)

	_, err = p.Package(context.Background(), "/tmp/output.flac")
	require.Error(t, err)
}

// chirp sweeps linearly from f0 to f1 over seconds; t is in seconds.
func chirp(f0, f1, seconds, t float64) float64 {
	return 0.4 * math.Sin(2*math.Pi*(f0*t+(f1-f0)*t*t/(2*seconds)))
}

func TestPackageWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	const (
		seconds = 2.0
		f0, f1  = 200.0, 4000.0
	)
	dir := t.TempDir()
	raw := filepath.Join(dir, "output_real.wav")
	in := make([]float64, int(seconds*22050))
	for i := range in {
		in[i] = chirp(f0, f1, seconds, float64(i)/22050)
	}
	require.NoError(t, audio.WriteWAVFile(raw, audio.Clip{SampleRate: 22050, Channels: 1, Samples: in}))

	enc, err := NewCommandEncoder("ffmpeg -hide_banner -loglevel error", "128k")
	require.NoError(t, err)
	p := New(enc, newLogger())

	out, err := p.Package(context.Background(), raw)
	require.NoError(t, err)
	assert.NoFileExists(t, raw)

	clip, err := audio.DecodeMP3File(out)
	require.NoError(t, err)
	// encoder padding adds a few frames at most
	assert.InDelta(t, seconds, clip.Duration().Seconds(), 0.15)

	decoded := audio.Downmix(clip).Samples
	rate := float64(clip.SampleRate)
	start, end := int(rate/2), int(rate*3/2)
	ref := make([]float64, end-start)
	for i := range ref {
		ref[i] = chirp(f0, f1, seconds, float64(start+i)/rate)
	}

	// the codec delays output by its priming samples
	const maxLag = 3000
	require.Greater(t, len(decoded), end+maxLag)
	bestLag, bestCorr := 0, math.Inf(-1)
	for lag := 0; lag <= maxLag; lag++ {
		var corr float64
		for i, r := range ref {
			corr += r * decoded[start+i+lag]
		}
		if corr > bestCorr {
			bestLag, bestCorr = lag, corr
		}
	}

	var signal, noise float64
	for i, r := range ref {
		d := decoded[start+i+bestLag] - r
		signal += r * r
		noise += d * d
	}
	snr := 10 * math.Log10(signal/noise)
	assert.GreaterOrEqual(t, snr, 15.0, "round trip snr at lag %d", bestLag)
}
