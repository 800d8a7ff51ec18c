package tts

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrate/internal/audio"
)

// mockCharsPerSecond sets the speaking rate of the mock voice.
const mockCharsPerSecond = 15

// MockSynth renders a deterministic tone whose length follows the text.
type MockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) *MockSynth {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &MockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *MockSynth) Synthesize(ctx context.Context, text string) (audio.Waveform, error) {
	if err := ctx.Err(); err != nil {
		return audio.Waveform{}, synthesisError("mock", err)
	}
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return audio.Waveform{}, synthesisError("mock", errors.New("empty text"))
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	freq := 180 + float64(h.Sum32()%160)

	frames := runes * m.sampleRate / mockCharsPerSecond
	samples := make([]int, frames*m.channels)
	for i := 0; i < frames; i++ {
		v := int(3000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			samples[i*m.channels+c] = v
		}
	}
	return audio.Waveform{SampleRate: m.sampleRate, Channels: m.channels, Samples: samples}, nil
}
