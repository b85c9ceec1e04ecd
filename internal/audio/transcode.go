package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/mattn/go-shellwords"
)

// Transcoder converts an arbitrary container into a mono 16-bit WAV at rate.
type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string, rate int) error
}

// CommandTranscoder shells out to an ffmpeg compatible command line.
type CommandTranscoder struct {
	cmd []string
}

func NewCommandTranscoder(command string) (*CommandTranscoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command is empty")
	}
	return &CommandTranscoder{cmd: args}, nil
}

func (t *CommandTranscoder) Transcode(ctx context.Context, inPath, outPath string, rate int) error {
	args := append([]string{}, t.cmd[1:]...)
	args = append(args,
		"-y",
		"-i", inPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		outPath,
	)
	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("transcode command failed: %w: %s", err, stderr.String())
	}
	return nil
}
