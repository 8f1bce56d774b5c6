package transcribe

import (
	"context"
	"errors"

	"github.com/agleyzer/livecaption/internal/stt"
)

// OutcomeKind is the typed result of a single provider call.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	Retryable
	Terminal
	Cancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is what one provider attempt produced.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

// Attempt calls the provider once and classifies the result.
func Attempt(ctx context.Context, p stt.Provider, audioPath string) Outcome {
	text, err := p.Transcribe(ctx, audioPath)
	return Classify(ctx, text, err)
}

// Classify maps a provider return into an Outcome.
func Classify(ctx context.Context, text string, err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success, Text: text}
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return Outcome{Kind: Cancelled, Err: err}
	}
	if stt.IsRetryable(err) {
		return Outcome{Kind: Retryable, Err: err}
	}
	return Outcome{Kind: Terminal, Err: err}
}
