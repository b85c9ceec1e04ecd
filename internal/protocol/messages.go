package protocol

import "time"

// VoiceRegistered is broadcast once a reference sample has been committed.
type VoiceRegistered struct {
	ID        string    `json:"_id"`
	VoiceID   string    `json:"voice_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// SynthesisCompleted reports a delivered output file.
type SynthesisCompleted struct {
	RequestID  string    `json:"request_id"`
	VoiceID    string    `json:"voice_id"`
	OutputFile string    `json:"output_file"`
	TextChars  int       `json:"text_chars"`
	Language   string    `json:"language"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// SynthesisFailed reports the stage at which a request stopped.
type SynthesisFailed struct {
	RequestID string    `json:"request_id"`
	VoiceID   string    `json:"voice_id,omitempty"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectVoiceRegistered    = "voice.registered"
	SubjectSynthesisCompleted = "synthesis.completed"
	SubjectSynthesisFailed    = "synthesis.failed"
)
