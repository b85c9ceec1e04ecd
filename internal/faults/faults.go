// Package faults classifies failures of the voice lifecycle so the gateway
// can map them onto HTTP statuses.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindDecode          Kind = "decode"
	KindSynthesis       Kind = "synthesis"
	KindTimeout         Kind = "timeout"
	KindPackaging       Kind = "packaging"
	KindProcessing      Kind = "processing"
)

// Stage names the synthesis pipeline step that was running when a request failed.
type Stage string

const (
	StageValidation  Stage = "validation"
	StageVoiceLookup Stage = "voice_lookup"
	StageSynthesis   Stage = "synthesis"
	StagePackaging   Stage = "packaging"
	StageDelivery    Stage = "delivery"
)

type Error struct {
	Kind    Kind
	Op      string
	Stage   Stage
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err unless it already carries a classification, in which
// case the existing one wins.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// AtStage returns err annotated with the pipeline stage. Unclassified errors
// become processing errors.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		clone := *typed
		clone.Stage = stage
		return &clone
	}
	return &Error{Kind: KindProcessing, Op: string(stage), Stage: stage, Message: "request failed", Cause: err}
}

func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindProcessing
}

func StageOf(err error) Stage {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Stage
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message is the client-facing text for err.
func Message(err error) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}
	return "internal error"
}

// HTTPStatus maps a classified error to the gateway response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidArgument, KindDecode:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
