package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecOptions are forwarded to the synthesis process with every request.
type ExecOptions struct {
	Voice      string
	Speed      float64
	SampleRate int
	Channels   int
	Timeout    time.Duration
}

// ExecSynth runs an external process per chunk. The process reads one JSON
// request on stdin and writes JSON lines carrying base64 PCM16LE frames.
type ExecSynth struct {
	cmd  []string
	opts ExecOptions
	mu   sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

func NewExecSynth(command string, opts ExecOptions) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	return &ExecSynth{cmd: args, opts: opts}, nil
}

// Load checks that the synthesis executable can be found.
func (e *ExecSynth) Load(context.Context) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return synthesisError("exec", fmt.Errorf("locate %s: %w", e.cmd[0], err))
	}
	return nil
}

func (e *ExecSynth) Unload() error { return nil }

func (e *ExecSynth) Synthesize(ctx context.Context, text string) (audio.Waveform, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	wf, err := e.run(ctx, text)
	if err != nil {
		return audio.Waveform{}, synthesisError("exec", fmt.Errorf("chunk %s: %w", describe(text), err))
	}
	return wf, nil
}

func (e *ExecSynth) run(ctx context.Context, text string) (audio.Waveform, error) {
	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      e.opts.Voice,
		Speed:      e.opts.Speed,
		SampleRate: e.opts.SampleRate,
		Channels:   e.opts.Channels,
	})
	if err != nil {
		return audio.Waveform{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return audio.Waveform{}, err
	}
	if err := cmd.Start(); err != nil {
		return audio.Waveform{}, err
	}

	sampleRate := e.opts.SampleRate
	var pcm []byte
	var decodeErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			decodeErr = fmt.Errorf("decode tts response: %w", err)
			break
		}
		if resp.Error != "" {
			decodeErr = errors.New(resp.Error)
			break
		}
		frame, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			decodeErr = fmt.Errorf("decode pcm: %w", err)
			break
		}
		if resp.SampleRate > 0 {
			sampleRate = resp.SampleRate
		}
		pcm = append(pcm, frame...)
		if resp.Final {
			break
		}
	}
	if decodeErr == nil {
		decodeErr = scanner.Err()
	}
	if decodeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return audio.Waveform{}, decodeErr
	}
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return audio.Waveform{}, fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return audio.Waveform{}, fmt.Errorf("tts command failed: %w", err)
	}
	if len(pcm) == 0 {
		return audio.Waveform{}, errors.New("tts command produced no audio")
	}
	return audio.FromPCM16LE(pcm, sampleRate, e.opts.Channels)
}
