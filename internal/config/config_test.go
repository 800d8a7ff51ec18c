package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.MaxChunkChars != 400 {
		t.Fatalf("expected default max chunk chars, got %d", cfg.Pipeline.MaxChunkChars)
	}
	if cfg.StatePath() != filepath.Join("work", "state.db") {
		t.Fatalf("unexpected state path %q", cfg.StatePath())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrate.yaml")
	data := []byte(`pipeline:
  max_chunk_chars: 250
  fail_fast: true
  output_path: /tmp/book.wav
voice:
  mode: exec
  command: rvc-infer
  profile: narrator
assembler:
  mode: wav
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.MaxChunkChars != 250 || !cfg.Pipeline.FailFast {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Voice.Profile != "narrator" {
		t.Fatalf("expected voice profile narrator, got %q", cfg.Voice.Profile)
	}
	if cfg.Voice.F0Method != "rmvpe" {
		t.Fatalf("expected default f0 method to survive partial yaml, got %q", cfg.Voice.F0Method)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_PIPELINE_MAX_CHUNK_CHARS", "320")
	t.Setenv("LOQA_PIPELINE_FAIL_FAST", "true")
	t.Setenv("LOQA_PIPELINE_OUTPUT_PATH", "./out/book.wav")
	t.Setenv("LOQA_VOICE_INDEX_RATE", "0.5")
	t.Setenv("LOQA_STATE_PATH", "./tmp.db")
	t.Setenv("LOQA_STATE_MAX_RUNS", "12")
	t.Setenv("LOQA_PIPELINE_DEVICE_LOCK_WAIT_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Pipeline.MaxChunkChars != 320 {
		t.Fatalf("expected max chunk chars 320, got %d", cfg.Pipeline.MaxChunkChars)
	}
	if !cfg.Pipeline.FailFast {
		t.Fatal("expected fail fast override")
	}
	if cfg.Pipeline.OutputPath != "./out/book.wav" {
		t.Fatalf("expected output path override")
	}
	if cfg.Voice.IndexRate != 0.5 {
		t.Fatalf("expected index rate override, got %v", cfg.Voice.IndexRate)
	}
	if cfg.StatePath() != "./tmp.db" {
		t.Fatalf("expected state path override")
	}
	if cfg.State.MaxRuns != 12 {
		t.Fatalf("expected max runs override")
	}
	if cfg.Pipeline.DeviceLockWaitMS != 1500 {
		t.Fatalf("expected device lock wait override, got %d", cfg.Pipeline.DeviceLockWaitMS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero chunk bound":    func(c *Config) { c.Pipeline.MaxChunkChars = 0 },
		"exec tts no command": func(c *Config) { c.TTS.Mode = "exec" },
		"exec voice no model": func(c *Config) { c.Voice.Mode = "exec"; c.Voice.Command = "rvc" },
		"bad f0 method":       func(c *Config) { c.Voice.F0Method = "yin" },
		"bad assembler":       func(c *Config) { c.Assembler.Mode = "sox" },
		"bad speed":           func(c *Config) { c.TTS.Speed = 3 },
		"no attempts":         func(c *Config) { c.Pipeline.MaxAttempts = 0 },
		"negative lock wait":  func(c *Config) { c.Pipeline.DeviceLockWaitMS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigurationErrorUnwrap(t *testing.T) {
	err := Errorf("voice.profile", "profile %q not found", "narrator")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if cfgErr.Setting != "voice.profile" {
		t.Fatalf("unexpected setting %q", cfgErr.Setting)
	}
}
