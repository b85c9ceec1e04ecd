package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execEngine runs a model wrapper script per request. The script reads one
// JSON request on stdin, writes the waveform to file_path and prints one JSON
// reply on stdout.
type execEngine struct {
	cmd []string
	log *slog.Logger
}

type execRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	SpeakerWAV string `json:"speaker_wav"`
	FilePath   string `json:"file_path"`
}

type execResponse struct {
	SampleRate int    `json:"sample_rate"`
	FilePath   string `json:"file_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewExecEngine(command string, logger *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command is empty")
	}
	return &execEngine{cmd: args, log: logger.With(slog.String("component", "synth.exec"))}, nil
}

func (e *execEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Language:   req.Language,
		SpeakerWAV: req.SpeakerWAV,
		FilePath:   req.OutputPath,
	})
	if err != nil {
		return Result{}, err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("synth command failed: %w: %s", err, stderr.String())
	}
	if stderr.Len() > 0 {
		e.log.Debug("synth command stderr", slog.String("stderr", stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Result{}, fmt.Errorf("decode synth response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("synth command reported: %s", resp.Error)
	}
	path := req.OutputPath
	if resp.FilePath != "" && resp.FilePath != path {
		return Result{}, fmt.Errorf("synth command wrote %s, expected %s", resp.FilePath, path)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return Result{}, fmt.Errorf("synth command produced no audio at %s", path)
	}
	return Result{Path: path, SampleRate: resp.SampleRate}, nil
}
