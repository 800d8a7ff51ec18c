package assembler

import (
	"context"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVJoiner concatenates 16-bit PCM WAV files in process. All inputs must
// share one format; nothing is resampled.
type WAVJoiner struct{}

func (WAVJoiner) Check() error { return nil }

func (WAVJoiner) Join(ctx context.Context, inputs []string, output string) error {
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()

	var enc *wav.Encoder
	var format goaudio.Format
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := decode(in)
		if err != nil {
			return err
		}
		if enc == nil {
			format = *buf.Format
			enc = wav.NewEncoder(out, format.SampleRate, 16, format.NumChannels, 1)
		} else if buf.Format.SampleRate != format.SampleRate || buf.Format.NumChannels != format.NumChannels {
			return fmt.Errorf("%s: format %dHz/%dch differs from %dHz/%dch",
				in, buf.Format.SampleRate, buf.Format.NumChannels, format.SampleRate, format.NumChannels)
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write %s: %w", in, err)
		}
	}
	if enc == nil {
		return fmt.Errorf("no inputs")
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Close()
}

func decode(path string) (*goaudio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("%s: unsupported bit depth %d", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: decode wav: %w", path, err)
	}
	return buf, nil
}
