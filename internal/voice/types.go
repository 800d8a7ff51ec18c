// Package voice adapts voice conversion models that re-voice synthesized
// speech as a target speaker.
package voice

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/config"
)

// Converter re-voices a waveform using profile. Implementations must not
// retry.
type Converter interface {
	Convert(ctx context.Context, wf audio.Waveform, profile Profile) (audio.Waveform, error)
}

// Params tune the conversion model.
type Params struct {
	F0UpKey      int
	F0Method     string
	IndexRate    float64
	FilterRadius int
	RMSMixRate   float64
	Protect      float64
}

func ParamsFromConfig(cfg config.VoiceConfig) Params {
	return Params{
		F0UpKey:      cfg.F0UpKey,
		F0Method:     cfg.F0Method,
		IndexRate:    cfg.IndexRate,
		FilterRadius: cfg.FilterRadius,
		RMSMixRate:   cfg.RMSMixRate,
		Protect:      cfg.Protect,
	}
}

// ConversionError reports a failed conversion.
type ConversionError struct {
	Profile string
	Err     error
}

func (e *ConversionError) Error() string {
	return "voice conversion (" + e.Profile + "): " + e.Err.Error()
}

func (e *ConversionError) Unwrap() error { return e.Err }

func conversionError(profile string, err error) error {
	if err == nil {
		return nil
	}
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return err
	}
	return &ConversionError{Profile: profile, Err: err}
}
