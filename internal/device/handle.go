// Package device owns the loaded synthesis and conversion models for one run.
//
// A Handle runs a single worker goroutine that executes every model call in
// submission order, so at most one invocation is ever in flight. Models load
// lazily on the first call that needs them and unload when the handle is
// closed.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/tts"
	"github.com/loqalabs/loqa-narrate/internal/voice"
)

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("device handle closed")

// Loader is implemented by backends with an explicit model lifecycle.
type Loader interface {
	Load(ctx context.Context) error
	Unload() error
}

// Options configure a Handle.
type Options struct {
	// LockPath, when set, names a file locked while models are resident so
	// that concurrent runs on the same host do not share the device.
	LockPath string
	// LockWait bounds how long a load waits for the device lock. Zero fails
	// at once when another process holds it.
	LockWait time.Duration
	Logger   *slog.Logger
}

const lockRetry = 250 * time.Millisecond

type task struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Handle serializes model invocations on the compute device.
type Handle struct {
	synth  tts.Synthesizer
	conv   voice.Converter
	logger *slog.Logger
	lock   *flock.Flock
	wait   time.Duration

	tasks   chan task
	quit    chan struct{}
	stopped chan struct{}

	mu          sync.Mutex
	profile     voice.Profile
	closed      bool
	closeErr    error
	synthLoaded bool
	convLoaded  bool
	calls       int
}

// Open starts the worker. No model is loaded until the first call.
func Open(synth tts.Synthesizer, conv voice.Converter, profile voice.Profile, opts Options) *Handle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{
		synth:   synth,
		conv:    conv,
		profile: profile,
		logger:  logger.With(slog.String("component", "device")),
		wait:    opts.LockWait,
		tasks:   make(chan task),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if opts.LockPath != "" {
		h.lock = flock.New(opts.LockPath)
	}
	go h.loop()
	return h
}

// Synthesize renders text with the synthesis model.
func (h *Handle) Synthesize(ctx context.Context, text string) (audio.Waveform, error) {
	var out audio.Waveform
	err := h.submit(ctx, func(ctx context.Context) error {
		if err := h.ensureSynth(ctx); err != nil {
			return err
		}
		wf, err := h.synth.Synthesize(ctx, text)
		if err != nil {
			return err
		}
		out = wf
		return nil
	})
	return out, err
}

// Convert re-voices wf with the handle's current profile.
func (h *Handle) Convert(ctx context.Context, wf audio.Waveform) (audio.Waveform, error) {
	var out audio.Waveform
	err := h.submit(ctx, func(ctx context.Context) error {
		if err := h.ensureConv(ctx); err != nil {
			return err
		}
		converted, err := h.conv.Convert(ctx, wf, h.Profile())
		if err != nil {
			return err
		}
		out = converted
		return nil
	})
	return out, err
}

// Reload switches the conversion profile. The conversion model is unloaded and
// loads again for the new profile on the next Convert.
func (h *Handle) Reload(ctx context.Context, profile voice.Profile) error {
	return h.submit(ctx, func(context.Context) error {
		var err error
		if h.isConvLoaded() {
			if l, ok := h.conv.(Loader); ok {
				err = l.Unload()
			}
		}
		h.mu.Lock()
		h.convLoaded = false
		h.profile = profile
		h.mu.Unlock()
		h.logger.Info("voice profile reloaded", slog.String("profile", profile.Name))
		return err
	})
}

// Profile returns the active conversion profile.
func (h *Handle) Profile() voice.Profile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.profile
}

// Loaded reports whether any model is resident.
func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.synthLoaded || h.convLoaded
}

// Calls returns the number of tasks the worker has executed.
func (h *Handle) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// Close stops the worker once the in-flight call finishes, unloads the models
// and releases the device lock. It is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.quit)
	}
	h.mu.Unlock()
	<-h.stopped
	return h.closeErr
}

func (h *Handle) submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := task{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-h.quit:
		return ErrClosed
	default:
	}
	select {
	case h.tasks <- t:
	case <-h.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		// The worker finishes the call; later tasks queue behind it.
		return ctx.Err()
	}
}

func (h *Handle) loop() {
	defer close(h.stopped)
	for {
		select {
		case t := <-h.tasks:
			select {
			case <-h.quit:
				t.result <- ErrClosed
				continue
			default:
			}
			h.mu.Lock()
			h.calls++
			h.mu.Unlock()
			// A started call runs to completion even if its caller gave up.
			t.result <- t.fn(context.WithoutCancel(t.ctx))
		case <-h.quit:
			h.closeErr = h.teardown()
			return
		}
	}
}

func (h *Handle) ensureSynth(ctx context.Context) error {
	h.mu.Lock()
	loaded := h.synthLoaded
	h.mu.Unlock()
	if loaded {
		return nil
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	if l, ok := h.synth.(Loader); ok {
		started := time.Now()
		if err := l.Load(ctx); err != nil {
			return err
		}
		h.logger.Info("synthesis model loaded", slog.Duration("elapsed", time.Since(started)))
	}
	h.mu.Lock()
	h.synthLoaded = true
	h.mu.Unlock()
	return nil
}

func (h *Handle) ensureConv(ctx context.Context) error {
	if h.isConvLoaded() {
		return nil
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	if l, ok := h.conv.(Loader); ok {
		started := time.Now()
		if err := l.Load(ctx); err != nil {
			return err
		}
		h.logger.Info("conversion model loaded",
			slog.String("profile", h.Profile().Name),
			slog.Duration("elapsed", time.Since(started)))
	}
	h.mu.Lock()
	h.convLoaded = true
	h.mu.Unlock()
	return nil
}

func (h *Handle) isConvLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.convLoaded
}

func (h *Handle) acquire(ctx context.Context) error {
	if h.lock == nil || h.lock.Locked() {
		return nil
	}
	var ok bool
	var err error
	if h.wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, h.wait)
		defer cancel()
		ok, err = h.lock.TryLockContext(waitCtx, lockRetry)
	} else {
		ok, err = h.lock.TryLock()
	}
	if err != nil {
		return fmt.Errorf("acquire device lock %s: %w", h.lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("device lock %s is held by another process", h.lock.Path())
	}
	return nil
}

func (h *Handle) teardown() error {
	var errs []error
	h.mu.Lock()
	synthLoaded, convLoaded := h.synthLoaded, h.convLoaded
	h.synthLoaded, h.convLoaded = false, false
	h.mu.Unlock()

	if synthLoaded {
		if l, ok := h.synth.(Loader); ok {
			if err := l.Unload(); err != nil {
				errs = append(errs, fmt.Errorf("unload synthesis model: %w", err))
			}
		}
	}
	if convLoaded {
		if l, ok := h.conv.(Loader); ok {
			if err := l.Unload(); err != nil {
				errs = append(errs, fmt.Errorf("unload conversion model: %w", err))
			}
		}
	}
	if h.lock != nil && h.lock.Locked() {
		if err := h.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release device lock: %w", err))
		}
	}
	if synthLoaded || convLoaded {
		h.logger.Info("models unloaded")
	}
	return errors.Join(errs...)
}
