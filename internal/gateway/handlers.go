package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-voice/internal/faults"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
)

const (
	headerOutputFile = "X-Output-File"

	multipartMemory = 8 << 20
	maxJSONBody     = 64 << 10
)

type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

type synthesizeBody struct {
	Text     string `json:"text"`
	VoiceID  string `json:"voice_id"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	v, err := s.catalog.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "gateway.upload"
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "audio file is too large"})
			return
		}
		s.writeError(w, r, faults.Wrap(faults.KindValidation, op, "expected a multipart form", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.log.Warn("failed to remove multipart temp files", slog.String("error", err.Error()))
		}
	}()

	file, header, err := r.FormFile("audio")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			s.writeError(w, r, faults.New(faults.KindValidation, op, "no audio file provided"))
			return
		}
		s.writeError(w, r, faults.Wrap(faults.KindValidation, op, "no audio file provided", err))
		return
	}
	defer file.Close()
	if err := checkUpload(header); err != nil {
		s.writeError(w, r, err)
		return
	}

	v, err := s.registrar.Register(r.Context(), r.FormValue("name"), file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func checkUpload(header *multipart.FileHeader) error {
	const op = "gateway.upload"
	if header.Filename == "" {
		return faults.New(faults.KindValidation, op, "no audio file selected")
	}
	if header.Size == 0 {
		return faults.New(faults.KindValidation, op, "audio file is empty")
	}
	return nil
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var body synthesizeBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(&body); err != nil {
		err = faults.Wrap(faults.KindValidation, "gateway.synthesize", "request body must be a JSON object", err)
		s.writeError(w, r, faults.AtStage(faults.StageValidation, err))
		return
	}

	req := synthesis.Request{
		RequestID: middleware.GetReqID(r.Context()),
		Text:      body.Text,
		VoiceID:   body.VoiceID,
		Language:  body.Language,
	}
	deliver := func(_ context.Context, out synthesis.Output) error {
		return s.serveFile(w, r, out.Path, true)
	}
	if _, err := s.synthesizer.Run(r.Context(), req, deliver); err != nil {
		s.writeError(w, r, err)
	}
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	path, ok := s.layout.Resolve(chi.URLParam(r, "filename"))
	if !ok {
		s.writeError(w, r, faults.New(faults.KindNotFound, "gateway.audio", "file not found"))
		return
	}
	if err := s.serveFile(w, r, path, false); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, r, faults.New(faults.KindNotFound, "gateway.audio", "file not found"))
			return
		}
		s.writeError(w, r, err)
	}
}

// serveFile writes path to w. Errors are only returned before any header has
// been written.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string, attachment bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.ErrNotExist
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set(headerOutputFile, name)
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
	return nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.HTTPStatus(err)
	body := errorBody{Error: faults.Message(err), Stage: string(faults.StageOf(err))}

	attrs := []any{
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", attrs...)
	} else {
		s.log.Info("request rejected", attrs...)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
