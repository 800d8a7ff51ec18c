package tts

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-narrate/internal/audio"
)

// Synthesizer turns one chunk of text into speech. Implementations must not
// retry; callers own the retry policy.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Waveform, error)
}

// SynthesisError reports a failed model invocation.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return "synthesis (" + e.Backend + "): " + e.Err.Error()
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func synthesisError(backend string, err error) error {
	if err == nil {
		return nil
	}
	var synthErr *SynthesisError
	if errors.As(err, &synthErr) {
		return err
	}
	return &SynthesisError{Backend: backend, Err: err}
}
