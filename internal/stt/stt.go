// Package stt contains the speech-to-text collaborators the transcription
// stage calls: a remote OpenAI-compatible endpoint and a local command.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// Provider turns one audio file into text.
type Provider interface {
	// Name identifies the provider in logs and transcript records.
	Name() string
	// Transcribe returns the recognized text. Empty text with a nil error means
	// the provider heard nothing.
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Error is a classified provider failure.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a failure worth another attempt.
func Retryable(provider string, err error) error {
	return &Error{Provider: provider, Retryable: true, Err: err}
}

// Terminal wraps err as a failure that retrying the same provider cannot fix.
func Terminal(provider string, err error) error {
	return &Error{Provider: provider, Retryable: false, Err: err}
}

// IsRetryable reports whether another attempt with the same provider may succeed.
// Unclassified errors are treated as retryable; cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return sttErr.Retryable
	}
	return true
}

// IsClassified reports whether err came from a provider's own classification,
// as opposed to an unexpected failure.
func IsClassified(err error) bool {
	var sttErr *Error
	return errors.As(err, &sttErr)
}
