package voice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecConverter shells out to a conversion CLI with WAV files in and out.
type ExecConverter struct {
	cmd     []string
	params  Params
	timeout time.Duration
	mu      sync.Mutex
}

func NewExecConverter(command string, params Params, timeout time.Duration) (*ExecConverter, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse voice command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("voice command is empty")
	}
	return &ExecConverter{cmd: args, params: params, timeout: timeout}, nil
}

// Load checks that the conversion executable can be found.
func (c *ExecConverter) Load(context.Context) error {
	if _, err := exec.LookPath(c.cmd[0]); err != nil {
		return conversionError("", fmt.Errorf("locate %s: %w", c.cmd[0], err))
	}
	return nil
}

func (c *ExecConverter) Unload() error { return nil }

func (c *ExecConverter) Convert(ctx context.Context, wf audio.Waveform, profile Profile) (audio.Waveform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.convert(ctx, wf, profile)
	if err != nil {
		return audio.Waveform{}, conversionError(profile.Name, err)
	}
	return out, nil
}

func (c *ExecConverter) convert(ctx context.Context, wf audio.Waveform, profile Profile) (audio.Waveform, error) {
	if profile.ModelPath == "" {
		return audio.Waveform{}, fmt.Errorf("profile has no weights")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tmpDir, err := os.MkdirTemp("", "loqa_voice_*")
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	input := filepath.Join(tmpDir, "in.wav")
	output := filepath.Join(tmpDir, "out.wav")
	if err := audio.WriteFile(input, wf); err != nil {
		return audio.Waveform{}, err
	}

	command := exec.CommandContext(ctx, c.cmd[0], c.args(input, output, profile)...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return audio.Waveform{}, fmt.Errorf("voice command failed: %w: %s", err, msg)
		}
		return audio.Waveform{}, fmt.Errorf("voice command failed: %w", err)
	}

	converted, err := audio.ReadFile(output)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("read converted audio: %w", err)
	}
	if converted.Empty() {
		return audio.Waveform{}, fmt.Errorf("voice command produced no audio")
	}
	return converted, nil
}

func (c *ExecConverter) args(input, output string, profile Profile) []string {
	args := append([]string{}, c.cmd[1:]...)
	args = append(args,
		"--input", input,
		"--output", output,
		"--model", profile.ModelPath,
	)
	if profile.HasIndex() {
		args = append(args, "--index", profile.IndexPath)
	}
	p := c.params
	args = append(args,
		"--f0-up-key", strconv.Itoa(p.F0UpKey),
		"--f0-method", p.F0Method,
		"--index-rate", formatFloat(p.IndexRate),
		"--filter-radius", strconv.Itoa(p.FilterRadius),
		"--rms-mix-rate", formatFloat(p.RMSMixRate),
		"--protect", formatFloat(p.Protect),
	)
	return args
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
