package assembler

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/processor"
	"github.com/stretchr/testify/require"
)

func writeChunk(t *testing.T, dir string, index, frames, rate int) processor.Artifact {
	t.Helper()
	path := filepath.Join(dir, "chunk_"+strings.Repeat("0", 4)+string(rune('0'+index))+".wav")
	samples := make([]int, frames)
	for i := range samples {
		samples[i] = index*100 + i%50
	}
	require.NoError(t, audio.WriteFile(path, audio.Waveform{SampleRate: rate, Channels: 1, Samples: samples}))
	return processor.Artifact{ChunkIndex: index, ConvertedPath: path, Status: processor.StatusConverted}
}

func TestAssembleWAVInOrder(t *testing.T) {
	dir := t.TempDir()
	arts := []processor.Artifact{
		writeChunk(t, dir, 2, 1600, 16000),
		writeChunk(t, dir, 0, 8000, 16000),
		writeChunk(t, dir, 1, 4000, 16000),
	}
	out := filepath.Join(dir, "book", "audiobook.wav")
	a := NewWithJoiner(WAVJoiner{}, out, nil)

	res, err := a.Assemble(context.Background(), arts)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, res.Included)
	require.Empty(t, res.Skipped)
	require.Equal(t, 850*time.Millisecond, res.Duration)

	wf, err := audio.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, 13600, wf.Frames())
	require.Equal(t, 0, wf.Samples[0])
	require.Equal(t, 100, wf.Samples[8000])
	require.Equal(t, 200, wf.Samples[12000])

	leftovers, err := filepath.Glob(filepath.Join(dir, "book", ".*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestAssembleSkipsFailedChunks(t *testing.T) {
	dir := t.TempDir()
	arts := []processor.Artifact{
		writeChunk(t, dir, 0, 8000, 16000),
		{ChunkIndex: 1, Status: processor.StatusFailed, Err: errors.New("gpu busy")},
		writeChunk(t, dir, 2, 8000, 16000),
	}
	out := filepath.Join(dir, "out.wav")
	res, err := NewWithJoiner(WAVJoiner{}, out, nil).Assemble(context.Background(), arts)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, res.Included)
	require.Equal(t, []int{1}, res.Skipped)

	d, err := audio.FileDuration(out)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)
}

func TestAssembleNothingConverted(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.wav")
	_, err := NewWithJoiner(WAVJoiner{}, out, nil).Assemble(context.Background(), []processor.Artifact{
		{ChunkIndex: 0, Status: processor.StatusFailed},
	})
	var asmErr *AssemblyError
	require.True(t, errors.As(err, &asmErr))
	require.NoFileExists(t, out)

	_, err = NewWithJoiner(WAVJoiner{}, out, nil).Assemble(context.Background(), nil)
	require.True(t, errors.As(err, &asmErr))
}

func TestAssembleRejectsMissingAndDuplicateChunks(t *testing.T) {
	dir := t.TempDir()
	good := writeChunk(t, dir, 0, 800, 8000)
	out := filepath.Join(dir, "out.wav")
	a := NewWithJoiner(WAVJoiner{}, out, nil)

	_, err := a.Assemble(context.Background(), []processor.Artifact{good, good})
	var asmErr *AssemblyError
	require.True(t, errors.As(err, &asmErr))

	missing := processor.Artifact{ChunkIndex: 1, Status: processor.StatusConverted, ConvertedPath: filepath.Join(dir, "gone.wav")}
	_, err = a.Assemble(context.Background(), []processor.Artifact{good, missing})
	require.True(t, errors.As(err, &asmErr))
	require.NoFileExists(t, out)
}

func TestWAVJoinerRejectsFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	arts := []processor.Artifact{
		writeChunk(t, dir, 0, 800, 16000),
		writeChunk(t, dir, 1, 800, 22050),
	}
	out := filepath.Join(dir, "out.wav")
	_, err := NewWithJoiner(WAVJoiner{}, out, nil).Assemble(context.Background(), arts)
	var asmErr *AssemblyError
	require.True(t, errors.As(err, &asmErr))
	require.Contains(t, err.Error(), "differs")
	require.NoFileExists(t, out)
}

type shortJoiner struct{}

func (shortJoiner) Check() error { return nil }

func (shortJoiner) Join(ctx context.Context, inputs []string, output string) error {
	return audio.WriteFile(output, audio.Waveform{SampleRate: 8000, Channels: 1, Samples: make([]int, 80)})
}

func TestAssembleVerifiesDuration(t *testing.T) {
	dir := t.TempDir()
	arts := []processor.Artifact{writeChunk(t, dir, 0, 8000, 8000)}
	out := filepath.Join(dir, "out.wav")
	_, err := NewWithJoiner(shortJoiner{}, out, nil).Assemble(context.Background(), arts)
	var asmErr *AssemblyError
	require.True(t, errors.As(err, &asmErr))
	require.Contains(t, err.Error(), "sum to")
	require.NoFileExists(t, out)
}

func TestNewValidatesMode(t *testing.T) {
	_, err := New(config.AssemblerConfig{Mode: "wav"}, "book.m4b", nil)
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	_, err = New(config.AssemblerConfig{Mode: "sox"}, "book.wav", nil)
	require.True(t, errors.As(err, &cfgErr))

	a, err := New(config.AssemblerConfig{Mode: "exec", Command: "definitely-missing-ffmpeg -hide_banner"}, "book.wav", nil)
	require.NoError(t, err)
	err = a.Check()
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "assembler.command", cfgErr.Setting)
}

func TestConcatListQuotesPaths(t *testing.T) {
	list := concatList([]string{"/tmp/it's/chunk_00000.wav", "/tmp/b.wav"})
	require.Equal(t, "file '/tmp/it'\\''s/chunk_00000.wav'\nfile '/tmp/b.wav'\n", list)
}

func TestExecJoinerInvocation(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	t.Setenv("FAKE_FFMPEG_ARGS", argsFile)
	script := filepath.Join(dir, "ffmpeg.sh")
	body := `#!/bin/sh
echo "$@" > "$FAKE_FFMPEG_ARGS"
prev=""
for a; do
  if [ "$prev" = "-i" ]; then list="$a"; fi
  prev="$a"
  last="$a"
done
first=$(sed -n "1s/^file '\(.*\)'$/\1/p" "$list")
cp "$first" "$last"
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	arts := []processor.Artifact{writeChunk(t, dir, 0, 4000, 8000)}
	out := filepath.Join(dir, "book.wav")
	a, err := New(config.AssemblerConfig{Mode: "exec", Command: "sh " + script + " -hide_banner"}, out, nil)
	require.NoError(t, err)
	require.NoError(t, a.Check())

	res, err := a.Assemble(context.Background(), arts)
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, res.Duration)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(args), "-hide_banner -y -f concat -safe 0 -i ")
	require.Contains(t, string(args), "-c copy ")
	require.FileExists(t, out)
}
