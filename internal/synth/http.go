package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

const (
	pathGenerateSpeech = "/v1/generate/speech"
	pathHealth         = "/health"
	contentTypeWAV     = "audio/wav"
)

// httpEngine talks to a standalone model server that accepts a server-side
// speaker reference path and answers with WAV bytes.
type httpEngine struct {
	baseURL string
	client  *http.Client
}

type httpRequest struct {
	Text           string `json:"text"`
	SpeakerRefPath string `json:"speaker_ref_path"`
	Language       string `json:"language"`
}

type httpErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

func NewHTTPEngine(baseURL string, timeout time.Duration) Engine {
	return &httpEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *httpEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(httpRequest{Text: req.Text, SpeakerRefPath: req.SpeakerWAV, Language: req.Language})
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+pathGenerateSpeech, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", contentTypeWAV)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("model server at %s: %w", h.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, parseErrorResponse(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, contentTypeWAV) {
		return Result{}, fmt.Errorf("unexpected content type %q", ct)
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return Result{}, fmt.Errorf("create output: %w", err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("model server returned empty audio")
	}
	if err != nil {
		os.Remove(req.OutputPath)
		return Result{}, fmt.Errorf("write output: %w", err)
	}

	rate, err := wavSampleRate(req.OutputPath)
	if err != nil {
		os.Remove(req.OutputPath)
		return Result{}, err
	}
	return Result{Path: req.OutputPath, SampleRate: rate}, nil
}

// Health probes the model server.
func (h *httpEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+pathHealth, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("model server health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server health returned %s", resp.Status)
	}
	return nil
}

func parseErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body httpErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Detail != "" {
		return fmt.Errorf("model server error (%s): %s (code: %s)", resp.Status, body.Detail, body.ErrorCode)
	}
	return fmt.Errorf("model server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
}

func wavSampleRate(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	dec := wav.NewDecoder(file)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return 0, fmt.Errorf("model output is not wav: %w", err)
	}
	if dec.SampleRate == 0 {
		return 0, errors.New("model output is not wav")
	}
	return int(dec.SampleRate), nil
}
