package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpeaker(t *testing.T, path string) string {
	t.Helper()
	clip := audio.Clip{SampleRate: 22050, Channels: 1, Samples: make([]float64, 2205)}
	require.NoError(t, audio.WriteWAVFile(path, clip))
	return path
}

// TestHelperProcess is not a real test. It stands in for a model wrapper
// script when re-executed by the exec engine tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LOQA_VOICE_SYNTH_HELPER") != "1" {
		return
	}
	var req execRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	switch {
	case strings.Contains(req.Text, "crash"):
		fmt.Fprintln(os.Stderr, "model exploded")
		os.Exit(1)
	case strings.Contains(req.Text, "refuse"):
		fmt.Println(`{"error":"unsupported language"}`)
		os.Exit(0)
	}
	clip := audio.Clip{SampleRate: 16000, Channels: 1, Samples: make([]float64, 1600)}
	if err := audio.WriteWAVFile(req.FilePath, clip); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Printf(`{"sample_rate":16000,"file_path":%q}`+"\n", req.FilePath)
	os.Exit(0)
}

func helperCommand() string {
	return fmt.Sprintf("%q -test.run=^TestHelperProcess$", os.Args[0])
}

func TestExecEngine(t *testing.T) {
	t.Setenv("LOQA_VOICE_SYNTH_HELPER", "1")
	dir := t.TempDir()
	speaker := writeSpeaker(t, filepath.Join(dir, "speaker.wav"))

	engine, err := NewExecEngine(helperCommand(), newLogger())
	require.NoError(t, err)

	out := filepath.Join(dir, "out.wav")
	res, err := engine.Synthesize(context.Background(), Request{Text: "Hello world", Language: "en", SpeakerWAV: speaker, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, out, res.Path)
	assert.Equal(t, 16000, res.SampleRate)

	_, err = engine.Synthesize(context.Background(), Request{Text: "crash now", Language: "en", SpeakerWAV: speaker, OutputPath: filepath.Join(dir, "c.wav")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	_, err = engine.Synthesize(context.Background(), Request{Text: "refuse", Language: "xx", SpeakerWAV: speaker, OutputPath: filepath.Join(dir, "r.wav")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestExecEngineRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecEngine("   ", newLogger())
	require.Error(t, err)
}

func TestHTTPEngine(t *testing.T) {
	dir := t.TempDir()
	speaker := writeSpeaker(t, filepath.Join(dir, "speaker.wav"))
	wavPath := filepath.Join(dir, "reply.wav")
	require.NoError(t, audio.WriteWAVFile(wavPath, audio.Clip{SampleRate: 24000, Channels: 1, Samples: make([]float64, 2400)}))
	wavBytes, err := os.ReadFile(wavPath)
	require.NoError(t, err)

	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathHealth:
			w.WriteHeader(http.StatusOK)
		case pathGenerateSpeech:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			if got.Language == "zz" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"detail":"language not supported","error_code":"BAD_LANGUAGE"}`))
				return
			}
			w.Header().Set("Content-Type", contentTypeWAV)
			_, _ = w.Write(wavBytes)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL+"/", 5*time.Second)
	out := filepath.Join(dir, "out.wav")
	res, err := engine.Synthesize(context.Background(), Request{Text: "Hello", Language: "en", SpeakerWAV: speaker, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 24000, res.SampleRate)
	assert.Equal(t, speaker, got.SpeakerRefPath)
	assert.FileExists(t, out)

	_, err = engine.Synthesize(context.Background(), Request{Text: "Hallo", Language: "zz", SpeakerWAV: speaker, OutputPath: filepath.Join(dir, "bad.wav")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD_LANGUAGE")
	assert.NoFileExists(t, filepath.Join(dir, "bad.wav"))

	hc, ok := engine.(HealthChecker)
	require.True(t, ok)
	assert.NoError(t, hc.Health(context.Background()))
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default().Synth
	engine, err := New(cfg, 16000, newLogger())
	require.NoError(t, err)
	require.IsType(t, &mockEngine{}, engine)
	assert.Equal(t, 16000, engine.(*mockEngine).sampleRate)

	cfg.Mode = "http"
	engine, err = New(cfg, 16000, newLogger())
	require.NoError(t, err)
	assert.IsType(t, &httpEngine{}, engine)

	cfg.Mode = "onnx"
	_, err = New(cfg, 16000, newLogger())
	require.Error(t, err)
}
