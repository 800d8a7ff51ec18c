package assembler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecJoiner concatenates files with ffmpeg's concat demuxer, copying the
// streams without re-encoding.
type ExecJoiner struct {
	cmd []string
}

func NewExecJoiner(command string) (*ExecJoiner, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse assembler command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("assembler command is empty")
	}
	return &ExecJoiner{cmd: args}, nil
}

// Check verifies the executable is on PATH.
func (j *ExecJoiner) Check() error {
	if _, err := exec.LookPath(j.cmd[0]); err != nil {
		return config.Errorf("assembler.command", "%s not found on PATH: %w", j.cmd[0], err)
	}
	return nil
}

func (j *ExecJoiner) Join(ctx context.Context, inputs []string, output string) error {
	list, err := os.CreateTemp(filepath.Dir(output), ".concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())
	if _, err := list.WriteString(concatList(inputs)); err != nil {
		list.Close()
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return err
	}

	args := append([]string{}, j.cmd[1:]...)
	args = append(args, "-y", "-f", "concat", "-safe", "0", "-i", list.Name(), "-c", "copy", output)
	command := exec.CommandContext(ctx, j.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s failed: %w: %s", j.cmd[0], err, msg)
		}
		return fmt.Errorf("%s failed: %w", j.cmd[0], err)
	}
	return nil
}

// concatList renders the demuxer input list. Paths are made absolute since
// the demuxer resolves relative entries against the list file.
func concatList(inputs []string) string {
	var b strings.Builder
	for _, in := range inputs {
		if abs, err := filepath.Abs(in); err == nil {
			in = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(in, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}
