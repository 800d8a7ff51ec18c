package voice

import (
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
)

// New builds the converter selected by cfg.Mode.
func New(cfg config.VoiceConfig) (Converter, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockConverter(), nil
	case "exec":
		return NewExecConverter(cfg.Command, ParamsFromConfig(cfg), time.Duration(cfg.TimeoutMS)*time.Millisecond)
	default:
		return nil, config.Errorf("voice.mode", "unsupported mode %q", cfg.Mode)
	}
}

// SelectProfile resolves the configured profile. The mock converter needs no
// weights on disk, so a missing directory yields a bare named profile.
func SelectProfile(cfg config.VoiceConfig) (Profile, error) {
	if cfg.Mode == "exec" {
		return Resolve(cfg.ModelsDir, cfg.Profile)
	}
	if cfg.Profile == "" {
		return Profile{Name: "passthrough"}, nil
	}
	if p, err := Resolve(cfg.ModelsDir, cfg.Profile); err == nil {
		return p, nil
	}
	return Profile{Name: cfg.Profile}, nil
}
