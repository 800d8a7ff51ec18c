package voice

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-narrate/internal/audio"
)

// MockConverter passes audio through unchanged. It stands in for a disabled
// conversion stage.
type MockConverter struct{}

func NewMockConverter() *MockConverter { return &MockConverter{} }

func (MockConverter) Convert(ctx context.Context, wf audio.Waveform, profile Profile) (audio.Waveform, error) {
	if err := ctx.Err(); err != nil {
		return audio.Waveform{}, conversionError(profile.Name, err)
	}
	if wf.Empty() {
		return audio.Waveform{}, conversionError(profile.Name, errors.New("empty input audio"))
	}
	out := audio.Waveform{SampleRate: wf.SampleRate, Channels: wf.Channels}
	out.Samples = append([]int(nil), wf.Samples...)
	return out, nil
}
