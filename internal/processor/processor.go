// Package processor drives one chunk through synthesis and voice conversion
// and persists the audio produced at each step.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/chunker"
	"github.com/loqalabs/loqa-narrate/internal/device"
	"github.com/loqalabs/loqa-narrate/internal/workspace"
	"github.com/sethvargo/go-retry"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusSynthesized Status = "synthesized"
	StatusConverted   Status = "converted"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further processing will change the status.
func (s Status) Terminal() bool {
	return s == StatusConverted || s == StatusFailed
}

// Artifact records the outcome of processing one chunk.
type Artifact struct {
	ChunkIndex    int
	RawPath       string
	ConvertedPath string
	Status        Status
	Err           error
	Duration      time.Duration
	Attempts      int
	Fallback      bool
	Reused        bool
}

// Model is the serialized model access a chunk needs. *device.Handle
// satisfies it.
type Model interface {
	Synthesize(ctx context.Context, text string) (audio.Waveform, error)
	Convert(ctx context.Context, wf audio.Waveform) (audio.Waveform, error)
}

type Options struct {
	MaxAttempts   int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	FallbackToRaw bool
	KeepRaw       bool
	Logger        *slog.Logger
}

type Processor struct {
	ws     *workspace.Workspace
	opts   Options
	logger *slog.Logger
}

func New(ws *workspace.Workspace, opts Options) *Processor {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{ws: ws, opts: opts, logger: logger.With(slog.String("component", "processor"))}
}

// Process synthesizes and converts c. Failures are recorded on the returned
// artifact, never returned. Existing files for the chunk are overwritten.
func (p *Processor) Process(ctx context.Context, m Model, c chunker.Chunk) Artifact {
	started := time.Now()
	art := Artifact{
		ChunkIndex:    c.Index,
		RawPath:       p.ws.RawPath(c.Index),
		ConvertedPath: p.ws.ConvertedPath(c.Index),
		Status:        StatusPending,
	}
	logger := p.logger.With(slog.Int("chunk", c.Index))
	defer func() { art.Duration = time.Since(started) }()

	var raw audio.Waveform
	attempts, err := p.attempt(ctx, logger, "synthesize", func(ctx context.Context) error {
		wf, err := m.Synthesize(ctx, c.Text)
		if err != nil {
			return err
		}
		raw = wf
		return nil
	})
	art.Attempts += attempts
	if err != nil {
		return p.fail(logger, art, err, started)
	}
	if err := audio.WriteFile(art.RawPath, raw); err != nil {
		return p.fail(logger, art, fmt.Errorf("persist raw audio: %w", err), started)
	}
	art.Status = StatusSynthesized

	var converted audio.Waveform
	attempts, err = p.attempt(ctx, logger, "convert", func(ctx context.Context) error {
		wf, err := m.Convert(ctx, raw)
		if err != nil {
			return err
		}
		converted = wf
		return nil
	})
	art.Attempts += attempts
	if err != nil {
		if !p.opts.FallbackToRaw || errors.Is(err, device.ErrClosed) {
			return p.fail(logger, art, err, started)
		}
		logger.Warn("conversion failed, keeping unconverted audio", slogError(err))
		converted = raw
		art.Fallback = true
	}
	if err := audio.WriteFile(art.ConvertedPath, converted); err != nil {
		return p.fail(logger, art, fmt.Errorf("persist converted audio: %w", err), started)
	}
	art.Status = StatusConverted

	if !p.opts.KeepRaw {
		if err := os.Remove(art.RawPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove raw audio", slogError(err))
		} else {
			art.RawPath = ""
		}
	}
	art.Duration = time.Since(started)
	logger.Debug("chunk converted",
		slog.Duration("audio", converted.Duration()),
		slog.Duration("elapsed", art.Duration),
		slog.Int("attempts", art.Attempts))
	return art
}

// Reused builds the artifact for a chunk whose converted audio is already on
// disk from an earlier run.
func (p *Processor) Reused(index int) Artifact {
	art := Artifact{
		ChunkIndex:    index,
		ConvertedPath: p.ws.ConvertedPath(index),
		Status:        StatusConverted,
		Reused:        true,
	}
	if workspace.NonEmpty(p.ws.RawPath(index)) {
		art.RawPath = p.ws.RawPath(index)
	}
	return art
}

func (p *Processor) fail(logger *slog.Logger, art Artifact, err error, started time.Time) Artifact {
	art.Status = StatusFailed
	art.Err = err
	art.Duration = time.Since(started)
	logger.Error("chunk failed", slog.Int("attempts", art.Attempts), slogError(err))
	return art
}

// attempt runs fn under the retry policy and returns how many times it ran.
func (p *Processor) attempt(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) (int, error) {
	backoff := retry.NewExponential(p.opts.RetryInitial)
	if p.opts.RetryMax > 0 {
		backoff = retry.WithCappedDuration(p.opts.RetryMax, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(p.opts.MaxAttempts-1), backoff)

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, device.ErrClosed) || ctx.Err() != nil {
			return err
		}
		if attempts < p.opts.MaxAttempts {
			logger.Warn(op+" failed, retrying", slog.Int("attempt", attempts), slogError(err))
		}
		return retry.RetryableError(err)
	})
	return attempts, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
