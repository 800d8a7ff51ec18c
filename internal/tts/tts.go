// Package tts adapts text-to-speech backends to a single blocking call per
// chunk.
package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, ExecOptions{
			Voice:      cfg.Voice,
			Speed:      cfg.Speed,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		})
	default:
		return nil, config.Errorf("tts.mode", "unsupported mode %q", cfg.Mode)
	}
}

func describe(text string) string {
	runes := []rune(text)
	if len(runes) <= 32 {
		return fmt.Sprintf("%q", text)
	}
	return fmt.Sprintf("%q…", string(runes[:32]))
}
