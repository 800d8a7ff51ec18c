package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/pipeline"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := `
telemetry:
  log_level: warn
  log_format: text
pipeline:
  work_dir: ` + filepath.Join(dir, "work") + `
  output_path: ` + filepath.Join(dir, "book.wav") + `
  max_chunk_chars: 80
  retry_initial_ms: 1
tts:
  sample_rate: 8000
voice:
  models_dir: ` + filepath.Join(dir, "models") + `
assembler:
  mode: wav
`
	path := filepath.Join(dir, "loqa-narrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--env-file", ""))
	err := root.Execute()
	return out.String(), err
}

func TestRunCommandProducesAudiobook(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	input := filepath.Join(dir, "story.txt")
	require.NoError(t, os.WriteFile(input, []byte("Once upon a time.\n\nThey lived happily."), 0o644))

	out, err := execute(t, "run", "--config", cfgPath, "--input", input)
	require.NoError(t, err)
	require.Contains(t, out, "COMPLETED")
	require.Contains(t, out, "2 total, 2 converted (0 reused), 0 failed")

	d, err := audio.FileDuration(filepath.Join(dir, "book.wav"))
	require.NoError(t, err)
	require.Positive(t, d)

	out, err = execute(t, "run", "--config", cfgPath, "--input", input)
	require.NoError(t, err)
	require.Contains(t, out, "(2 reused)")

	id := regexp.MustCompile(`run ([0-9a-f-]{36})`).FindStringSubmatch(out)
	require.Len(t, id, 2)

	out, err = execute(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, id[1])
	require.Contains(t, out, "COMPLETED")

	out, err = execute(t, "status", "--config", cfgPath, id[1])
	require.NoError(t, err)
	require.Contains(t, out, "chunks: 2 total, 2 converted")
}

func TestRunCommandEmptyDocumentExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	input := filepath.Join(dir, "blank.txt")
	require.NoError(t, os.WriteFile(input, []byte("\n\n"), 0o644))

	out, err := execute(t, "run", "--config", cfgPath, "--input", input)
	require.ErrorIs(t, err, errNoOutput)
	require.Contains(t, out, "COMPLETED")
	require.Contains(t, out, "output: none")
}

func TestRunCommandRequiresInput(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	_, err := execute(t, "run", "--config", cfgPath)
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "input.path", cfgErr.Setting)
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCmd(&globals{})
	require.NoError(t, cmd.Flags().Parse([]string{"-i", "a.txt", "--max-chunk-chars", "120", "--voice", "narrator", "--regenerate-from", "0"}))
	cfg := config.Default()
	f := &runFlags{input: "a.txt", maxChunkChars: 120, voice: "narrator", regenerateFrom: 0}
	require.NoError(t, applyRunFlags(&cfg, cmd, f))
	require.Equal(t, "a.txt", cfg.Input.Path)
	require.Equal(t, 120, cfg.Pipeline.MaxChunkChars)
	require.Equal(t, "narrator", cfg.Voice.Profile)
	require.False(t, cfg.Pipeline.Resume)

	f.maxChunkChars = 0
	err := applyRunFlags(&cfg, cmd, f)
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestChunksCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	input := filepath.Join(dir, "story.txt")
	require.NoError(t, os.WriteFile(input, []byte("First sentence here. Second sentence here.\n\nNew paragraph."), 0o644))

	out, err := execute(t, "chunks", "--config", cfgPath, "--input", input, "--max-chunk-chars", "25")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	require.True(t, strings.HasPrefix(lines[0], "INDEX"))
	require.Contains(t, lines[1], "First sentence here.")
	require.Contains(t, lines[3], "New paragraph.")
	require.Contains(t, lines[4], "3 chunks from story (text)")
}

func TestVoicesCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	models := filepath.Join(dir, "models")
	for name, files := range map[string][]string{
		"alto":  {"alto.pth", "added_alto.index"},
		"bass":  {"bass.pth"},
		"empty": nil,
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(models, name), 0o755))
		for _, f := range files {
			require.NoError(t, os.WriteFile(filepath.Join(models, name, f), []byte("x"), 0o644))
		}
	}

	out, err := execute(t, "voices", "--config", cfgPath)
	require.NoError(t, err)
	require.Equal(t, "alto\nbass (no index)\n", out)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, version+"\n", out)
}

type brokenEndpoint struct {
	failed chan struct{}
	ready  atomic.Bool
}

func (e *brokenEndpoint) Serve(ctx context.Context) error {
	defer close(e.failed)
	return errors.New("listen 127.0.0.1:9464: address already in use")
}

func (e *brokenEndpoint) SetReady(ready bool) { e.ready.Store(ready) }

type slowNarrator struct {
	wait   <-chan struct{}
	ctxErr error
}

func (n *slowNarrator) Run(ctx context.Context) (pipeline.Report, error) {
	<-n.wait
	time.Sleep(50 * time.Millisecond)
	n.ctxErr = ctx.Err()
	return pipeline.Report{State: pipeline.StateCompleted}, nil
}

func TestSuperviseRunOutlivesFailedEndpoint(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	srv := &brokenEndpoint{failed: make(chan struct{})}
	n := &slowNarrator{wait: srv.failed}

	report := superviseRun(context.Background(), srv, true, n, logger)
	require.NoError(t, n.ctxErr)
	require.Equal(t, pipeline.StateCompleted, report.State)
	require.False(t, srv.ready.Load())
	require.Contains(t, logs.String(), "address already in use")
}

func TestSuperviseRunWithoutEndpoint(t *testing.T) {
	srv := &brokenEndpoint{failed: make(chan struct{})}
	close(srv.failed)
	n := &slowNarrator{wait: srv.failed}

	report := superviseRun(context.Background(), srv, false, n, slog.Default())
	require.Equal(t, pipeline.StateCompleted, report.State)
	require.NoError(t, n.ctxErr)
}
