// Package assembler joins converted chunk audio, in chunk order, into the
// final audiobook file.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/processor"
	"github.com/loqalabs/loqa-narrate/internal/workspace"
)

// Joiner concatenates inputs, in order, into output.
type Joiner interface {
	Check() error
	Join(ctx context.Context, inputs []string, output string) error
}

// Result describes a finished assembly.
type Result struct {
	OutputPath string
	Included   []int
	Skipped    []int
	Duration   time.Duration
}

type Assembler struct {
	joiner Joiner
	output string
	logger *slog.Logger
}

// New builds the assembler selected by cfg.Mode writing to output.
func New(cfg config.AssemblerConfig, output string, logger *slog.Logger) (*Assembler, error) {
	var joiner Joiner
	switch cfg.Mode {
	case "", "exec":
		j, err := NewExecJoiner(cfg.Command)
		if err != nil {
			return nil, &config.ConfigurationError{Setting: "assembler.command", Err: err}
		}
		joiner = j
	case "wav":
		if !strings.EqualFold(filepath.Ext(output), ".wav") {
			return nil, config.Errorf("assembler.mode", "wav joiner cannot write %s", filepath.Base(output))
		}
		joiner = WAVJoiner{}
	default:
		return nil, config.Errorf("assembler.mode", "unsupported mode %q", cfg.Mode)
	}
	return NewWithJoiner(joiner, output, logger), nil
}

func NewWithJoiner(joiner Joiner, output string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{joiner: joiner, output: output, logger: logger.With(slog.String("component", "assembler"))}
}

// Check surfaces a missing joining executable before any work starts.
func (a *Assembler) Check() error { return a.joiner.Check() }

// Assemble joins every converted artifact in index order. Artifacts in any
// other status are skipped and reported.
func (a *Assembler) Assemble(ctx context.Context, artifacts []processor.Artifact) (Result, error) {
	ordered := append([]processor.Artifact(nil), artifacts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ChunkIndex < ordered[j].ChunkIndex })

	res := Result{OutputPath: a.output}
	var inputs []string
	for i, art := range ordered {
		if i > 0 && ordered[i-1].ChunkIndex == art.ChunkIndex {
			return Result{}, &AssemblyError{Reason: fmt.Sprintf("chunk %d appears twice", art.ChunkIndex)}
		}
		if art.Status != processor.StatusConverted {
			res.Skipped = append(res.Skipped, art.ChunkIndex)
			continue
		}
		if !workspace.NonEmpty(art.ConvertedPath) {
			return Result{}, &AssemblyError{Reason: fmt.Sprintf("converted audio for chunk %d is missing", art.ChunkIndex)}
		}
		res.Included = append(res.Included, art.ChunkIndex)
		inputs = append(inputs, art.ConvertedPath)
	}
	if len(inputs) == 0 {
		return Result{}, &AssemblyError{Reason: "no chunk was converted"}
	}

	var expected time.Duration
	for _, in := range inputs {
		d, err := audio.FileDuration(in)
		if err != nil {
			return Result{}, &AssemblyError{Reason: "inspect chunk audio", Err: err}
		}
		expected += d
	}

	dir := filepath.Dir(a.output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, &AssemblyError{Reason: "create output dir", Err: err}
	}
	tmp, err := tempOutput(a.output)
	if err != nil {
		return Result{}, &AssemblyError{Reason: "create temp output", Err: err}
	}
	defer os.Remove(tmp)

	started := time.Now()
	if err := a.joiner.Join(ctx, inputs, tmp); err != nil {
		return Result{}, &AssemblyError{Reason: "join chunk audio", Err: err}
	}
	if !workspace.NonEmpty(tmp) {
		return Result{}, &AssemblyError{Reason: "joiner produced an empty file"}
	}

	res.Duration = expected
	if strings.EqualFold(filepath.Ext(a.output), ".wav") {
		actual, err := audio.FileDuration(tmp)
		if err != nil {
			return Result{}, &AssemblyError{Reason: "inspect output", Err: err}
		}
		if diff := absDuration(actual - expected); diff > Tolerance(len(inputs)) {
			return Result{}, &AssemblyError{Reason: fmt.Sprintf("output lasts %s, chunks sum to %s", actual, expected)}
		}
		res.Duration = actual
	}

	if err := os.Rename(tmp, a.output); err != nil {
		return Result{}, &AssemblyError{Reason: "move output into place", Err: err}
	}
	a.logger.Info("audiobook assembled",
		slog.String("output", a.output),
		slog.Int("chunks", len(res.Included)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Duration("audio", res.Duration),
		slog.Duration("elapsed", time.Since(started)))
	return res, nil
}

// Tolerance is the allowed gap between the output duration and the sum of
// the inputs for n joined files.
func Tolerance(n int) time.Duration {
	return 20*time.Millisecond + time.Duration(n)*time.Millisecond
}

// tempOutput reserves a sibling of output keeping its extension, which
// format-sniffing joiners rely on.
func tempOutput(output string) (string, error) {
	ext := filepath.Ext(output)
	stem := strings.TrimSuffix(filepath.Base(output), ext)
	f, err := os.CreateTemp(filepath.Dir(output), "."+stem+".*.partial"+ext)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
