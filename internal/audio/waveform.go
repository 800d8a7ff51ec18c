// Package audio holds the in-memory waveform passed between the synthesis and
// voice conversion adapters, and its WAV encoding on disk.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Waveform is interleaved 16-bit signed PCM.
type Waveform struct {
	SampleRate int
	Channels   int
	Samples    []int
}

// Frames returns the number of sample frames (samples per channel).
func (w Waveform) Frames() int {
	if w.Channels <= 0 {
		return 0
	}
	return len(w.Samples) / w.Channels
}

// Duration is the playback length of the waveform.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// Empty reports whether the waveform carries no audio.
func (w Waveform) Empty() bool { return len(w.Samples) == 0 }

// Validate checks the format fields and sample alignment.
func (w Waveform) Validate() error {
	if w.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", w.SampleRate)
	}
	if w.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", w.Channels)
	}
	if len(w.Samples)%w.Channels != 0 {
		return fmt.Errorf("sample count %d not aligned to %d channels", len(w.Samples), w.Channels)
	}
	return nil
}

// FromPCM16LE decodes little-endian 16-bit PCM bytes.
func FromPCM16LE(pcm []byte, sampleRate, channels int) (Waveform, error) {
	if len(pcm)%2 != 0 {
		return Waveform{}, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	wf := Waveform{SampleRate: sampleRate, Channels: channels, Samples: samples}
	return wf, wf.Validate()
}
