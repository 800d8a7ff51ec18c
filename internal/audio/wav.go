package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Encode writes wf as a 16-bit PCM WAV stream.
func Encode(w io.WriteSeeker, wf Waveform) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: wf.Channels, SampleRate: wf.SampleRate},
		Data:           wf.Samples,
		SourceBitDepth: bitDepth,
	}
	enc := wav.NewEncoder(w, wf.SampleRate, bitDepth, wf.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteFile atomically writes wf to path: the data lands in a sibling temp
// file which is renamed over path once fully encoded.
func WriteFile(path string, wf Waveform) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := Encode(tmp, wf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename wav: %w", err)
	}
	return nil
}

// ReadFile decodes a PCM WAV file. Only 16-bit PCM is accepted.
func ReadFile(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Waveform{}, fmt.Errorf("%s: not a valid wav file", path)
	}
	if dec.BitDepth != bitDepth {
		return Waveform{}, fmt.Errorf("%s: unsupported bit depth %d", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("%s: decode wav: %w", path, err)
	}
	wf := Waveform{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Samples:    buf.Data,
	}
	return wf, wf.Validate()
}

// FileDuration reports the playback length of a WAV file without decoding
// the sample data.
func FileDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s: not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("%s: locate pcm chunk: %w", path, err)
	}
	frameBytes := int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if frameBytes == 0 || dec.SampleRate == 0 {
		return 0, fmt.Errorf("%s: invalid wav format", path)
	}
	frames := dec.PCMLen() / frameBytes
	return time.Duration(frames) * time.Second / time.Duration(dec.SampleRate), nil
}
