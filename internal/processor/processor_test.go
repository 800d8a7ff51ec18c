package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/chunker"
	"github.com/loqalabs/loqa-narrate/internal/device"
	"github.com/loqalabs/loqa-narrate/internal/tts"
	"github.com/loqalabs/loqa-narrate/internal/voice"
	"github.com/loqalabs/loqa-narrate/internal/workspace"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	synthFailures int
	convFailures  int
	synthCalls    int
	convCalls     int
}

func (m *scriptedModel) Synthesize(ctx context.Context, text string) (audio.Waveform, error) {
	m.synthCalls++
	if m.synthCalls <= m.synthFailures {
		return audio.Waveform{}, &tts.SynthesisError{Backend: "fake", Err: errors.New("gpu busy")}
	}
	return audio.Waveform{SampleRate: 8000, Channels: 1, Samples: make([]int, 800)}, nil
}

func (m *scriptedModel) Convert(ctx context.Context, wf audio.Waveform) (audio.Waveform, error) {
	m.convCalls++
	if m.convCalls <= m.convFailures {
		return audio.Waveform{}, &voice.ConversionError{Profile: "fake", Err: errors.New("index mismatch")}
	}
	out := wf
	out.Samples = append([]int(nil), wf.Samples...)
	out.Samples = append(out.Samples, make([]int, 800)...)
	return out, nil
}

func newProcessor(t *testing.T, opts Options) (*Processor, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 2
	}
	opts.RetryInitial = time.Millisecond
	return New(ws, opts), ws
}

var sample = chunker.Chunk{Index: 3, Text: "A short chunk."}

func TestProcessConvertsChunk(t *testing.T) {
	p, ws := newProcessor(t, Options{KeepRaw: true})
	art := p.Process(context.Background(), &scriptedModel{}, sample)

	require.Equal(t, StatusConverted, art.Status)
	require.NoError(t, art.Err)
	require.Equal(t, 2, art.Attempts)
	require.Equal(t, ws.RawPath(3), art.RawPath)
	require.Equal(t, ws.ConvertedPath(3), art.ConvertedPath)

	raw, err := audio.ReadFile(art.RawPath)
	require.NoError(t, err)
	require.Equal(t, 800, raw.Frames())
	converted, err := audio.ReadFile(art.ConvertedPath)
	require.NoError(t, err)
	require.Equal(t, 1600, converted.Frames())
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	p, _ := newProcessor(t, Options{MaxAttempts: 3})
	model := &scriptedModel{synthFailures: 2}
	art := p.Process(context.Background(), model, sample)
	require.Equal(t, StatusConverted, art.Status)
	require.Equal(t, 3, model.synthCalls)
	require.Equal(t, 4, art.Attempts)
}

func TestProcessSynthesisFailureIsRecorded(t *testing.T) {
	p, ws := newProcessor(t, Options{MaxAttempts: 2})
	model := &scriptedModel{synthFailures: 5}
	art := p.Process(context.Background(), model, sample)

	require.Equal(t, StatusFailed, art.Status)
	var synthErr *tts.SynthesisError
	require.True(t, errors.As(art.Err, &synthErr))
	require.Equal(t, 2, model.synthCalls)
	require.Zero(t, model.convCalls)
	require.NoFileExists(t, ws.RawPath(3))
	require.NoFileExists(t, ws.ConvertedPath(3))
}

func TestProcessConversionFailureLeavesRaw(t *testing.T) {
	p, ws := newProcessor(t, Options{MaxAttempts: 1, KeepRaw: false})
	art := p.Process(context.Background(), &scriptedModel{convFailures: 1}, sample)

	require.Equal(t, StatusFailed, art.Status)
	var convErr *voice.ConversionError
	require.True(t, errors.As(art.Err, &convErr))
	require.FileExists(t, ws.RawPath(3))
	require.NoFileExists(t, ws.ConvertedPath(3))
}

func TestProcessFallbackToRaw(t *testing.T) {
	p, ws := newProcessor(t, Options{MaxAttempts: 1, FallbackToRaw: true, KeepRaw: true})
	art := p.Process(context.Background(), &scriptedModel{convFailures: 1}, sample)

	require.Equal(t, StatusConverted, art.Status)
	require.True(t, art.Fallback)
	converted, err := audio.ReadFile(ws.ConvertedPath(3))
	require.NoError(t, err)
	require.Equal(t, 800, converted.Frames())
}

func TestProcessDropsRawWhenNotKept(t *testing.T) {
	p, ws := newProcessor(t, Options{KeepRaw: false})
	art := p.Process(context.Background(), &scriptedModel{}, sample)
	require.Equal(t, StatusConverted, art.Status)
	require.Empty(t, art.RawPath)
	require.NoFileExists(t, ws.RawPath(3))
}

func TestProcessOverwritesPreviousArtifact(t *testing.T) {
	p, ws := newProcessor(t, Options{KeepRaw: true})
	require.NoError(t, audio.WriteFile(ws.ConvertedPath(3), audio.Waveform{SampleRate: 8000, Channels: 1, Samples: []int{1}}))

	art := p.Process(context.Background(), &scriptedModel{}, sample)
	require.Equal(t, StatusConverted, art.Status)
	converted, err := audio.ReadFile(ws.ConvertedPath(3))
	require.NoError(t, err)
	require.Equal(t, 1600, converted.Frames())
}

func TestProcessDoesNotRetryClosedDevice(t *testing.T) {
	p, _ := newProcessor(t, Options{MaxAttempts: 3, FallbackToRaw: true})
	h := device.Open(tts.NewMockSynth(8000, 1), voice.NewMockConverter(), voice.Profile{Name: "p"}, device.Options{})
	require.NoError(t, h.Close())

	art := p.Process(context.Background(), h, sample)
	require.Equal(t, StatusFailed, art.Status)
	require.ErrorIs(t, art.Err, device.ErrClosed)
	require.Equal(t, 1, art.Attempts)
}

func TestProcessWithDeviceHandle(t *testing.T) {
	p, _ := newProcessor(t, Options{})
	h := device.Open(tts.NewMockSynth(8000, 1), voice.NewMockConverter(), voice.Profile{Name: "p"}, device.Options{})
	defer h.Close()

	art := p.Process(context.Background(), h, sample)
	require.Equal(t, StatusConverted, art.Status)
	d, err := audio.FileDuration(art.ConvertedPath)
	require.NoError(t, err)
	require.Greater(t, d, time.Duration(0))
}

func TestReusedArtifact(t *testing.T) {
	p, ws := newProcessor(t, Options{})
	art := p.Reused(4)
	require.True(t, art.Reused)
	require.Equal(t, StatusConverted, art.Status)
	require.Equal(t, ws.ConvertedPath(4), art.ConvertedPath)
	require.Empty(t, art.RawPath)
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusSynthesized.Terminal())
}
