package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Input       InputConfig     `yaml:"input"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	TTS         TTSConfig       `yaml:"tts"`
	Voice       VoiceConfig     `yaml:"voice"`
	Assembler   AssemblerConfig `yaml:"assembler"`
	State       StateConfig     `yaml:"state"`
}

type InputConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Embedded            bool     `yaml:"embedded"`
	Port                int      `yaml:"port"`
	Servers             []string `yaml:"servers"`
	Username            string   `yaml:"username"`
	Password            string   `yaml:"password"`
	Token               string   `yaml:"token"`
	TLSInsecure         bool     `yaml:"tls_insecure"`
	ConnectTimeout      int      `yaml:"connect_timeout_ms"`
	HeartbeatIntervalMS int      `yaml:"heartbeat_interval_ms"`
}

type PipelineConfig struct {
	MaxChunkChars  int    `yaml:"max_chunk_chars"`
	FailFast       bool   `yaml:"fail_fast"`
	WorkDir        string `yaml:"work_dir"`
	OutputPath     string `yaml:"output_path"`
	MaxAttempts    int    `yaml:"max_attempts"`
	RetryInitialMS int    `yaml:"retry_initial_ms"`
	RetryMaxMS     int    `yaml:"retry_max_ms"`
	Resume         bool   `yaml:"resume"`
	FallbackToRaw  bool   `yaml:"fallback_to_raw"`
	KeepRaw        bool   `yaml:"keep_raw"`
	DeviceLock     string `yaml:"device_lock"`
	// DeviceLockWaitMS is how long a run waits for another process to
	// release the device lock before its model load fails.
	DeviceLockWaitMS int `yaml:"device_lock_wait_ms"`
}

type TTSConfig struct {
	Mode       string  `yaml:"mode"` // mock, exec
	Command    string  `yaml:"command"`
	Voice      string  `yaml:"voice"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	TimeoutMS  int     `yaml:"timeout_ms"`
}

type VoiceConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	ModelsDir    string  `yaml:"models_dir"`
	Profile      string  `yaml:"profile"`
	F0UpKey      int     `yaml:"f0_up_key"`
	F0Method     string  `yaml:"f0_method"`
	IndexRate    float64 `yaml:"index_rate"`
	FilterRadius int     `yaml:"filter_radius"`
	RMSMixRate   float64 `yaml:"rms_mix_rate"`
	Protect      float64 `yaml:"protect"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type AssemblerConfig struct {
	Mode    string `yaml:"mode"` // exec, wav
	Command string `yaml:"command"`
}

type StateConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrate",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9092,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:             false,
			Embedded:            false,
			Port:                4222,
			Servers:             []string{"nats://localhost:4222"},
			ConnectTimeout:      2000,
			HeartbeatIntervalMS: 5000,
		},
		Pipeline: PipelineConfig{
			MaxChunkChars:  400,
			FailFast:       false,
			WorkDir:        "./work",
			OutputPath:     "./audiobook.wav",
			MaxAttempts:    2,
			RetryInitialMS: 500,
			RetryMaxMS:     5000,
			Resume:         true,
			KeepRaw:        true,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "af_heart",
			Speed:      1.0,
			SampleRate: 24000,
			Channels:   1,
			TimeoutMS:  300000,
		},
		Voice: VoiceConfig{
			Mode:         "mock",
			ModelsDir:    "./rvc_models",
			F0UpKey:      0,
			F0Method:     "rmvpe",
			IndexRate:    1.0,
			FilterRadius: 3,
			RMSMixRate:   0.25,
			Protect:      0.33,
			TimeoutMS:    300000,
		},
		Assembler: AssemblerConfig{
			Mode:    "exec",
			Command: "ffmpeg -hide_banner -loglevel error",
		},
		State: StateConfig{
			Path:          "",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       100,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Input.Path, "LOQA_INPUT_PATH")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.MaxChunkChars, "LOQA_PIPELINE_MAX_CHUNK_CHARS")
	overrideBool(&cfg.Pipeline.FailFast, "LOQA_PIPELINE_FAIL_FAST")
	overrideString(&cfg.Pipeline.WorkDir, "LOQA_PIPELINE_WORK_DIR")
	overrideString(&cfg.Pipeline.OutputPath, "LOQA_PIPELINE_OUTPUT_PATH")
	overrideInt(&cfg.Pipeline.MaxAttempts, "LOQA_PIPELINE_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.RetryInitialMS, "LOQA_PIPELINE_RETRY_INITIAL_MS")
	overrideInt(&cfg.Pipeline.RetryMaxMS, "LOQA_PIPELINE_RETRY_MAX_MS")
	overrideBool(&cfg.Pipeline.Resume, "LOQA_PIPELINE_RESUME")
	overrideBool(&cfg.Pipeline.FallbackToRaw, "LOQA_PIPELINE_FALLBACK_TO_RAW")
	overrideBool(&cfg.Pipeline.KeepRaw, "LOQA_PIPELINE_KEEP_RAW")
	overrideString(&cfg.Pipeline.DeviceLock, "LOQA_PIPELINE_DEVICE_LOCK")
	overrideInt(&cfg.Pipeline.DeviceLockWaitMS, "LOQA_PIPELINE_DEVICE_LOCK_WAIT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Voice.Mode, "LOQA_VOICE_MODE")
	overrideString(&cfg.Voice.Command, "LOQA_VOICE_COMMAND")
	overrideString(&cfg.Voice.ModelsDir, "LOQA_VOICE_MODELS_DIR")
	overrideString(&cfg.Voice.Profile, "LOQA_VOICE_PROFILE")
	overrideInt(&cfg.Voice.F0UpKey, "LOQA_VOICE_F0_UP_KEY")
	overrideString(&cfg.Voice.F0Method, "LOQA_VOICE_F0_METHOD")
	overrideFloat(&cfg.Voice.IndexRate, "LOQA_VOICE_INDEX_RATE")
	overrideInt(&cfg.Voice.FilterRadius, "LOQA_VOICE_FILTER_RADIUS")
	overrideFloat(&cfg.Voice.RMSMixRate, "LOQA_VOICE_RMS_MIX_RATE")
	overrideFloat(&cfg.Voice.Protect, "LOQA_VOICE_PROTECT")
	overrideInt(&cfg.Voice.TimeoutMS, "LOQA_VOICE_TIMEOUT_MS")
	overrideString(&cfg.Assembler.Mode, "LOQA_ASSEMBLER_MODE")
	overrideString(&cfg.Assembler.Command, "LOQA_ASSEMBLER_COMMAND")
	overrideString(&cfg.State.Path, "LOQA_STATE_PATH")
	overrideString(&cfg.State.RetentionMode, "LOQA_STATE_RETENTION_MODE")
	overrideInt(&cfg.State.RetentionDays, "LOQA_STATE_RETENTION_DAYS")
	overrideInt(&cfg.State.MaxRuns, "LOQA_STATE_MAX_RUNS")
	overrideBool(&cfg.State.VacuumOnStart, "LOQA_STATE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks cfg and reports problems as a ConfigurationError.
func Validate(cfg Config) error {
	if err := validate(cfg); err != nil {
		return &ConfigurationError{Err: err}
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatIntervalMS < 0 {
			return errors.New("bus.heartbeat_interval_ms must be >= 0")
		}
	}
	if cfg.Pipeline.MaxChunkChars <= 0 {
		return errors.New("pipeline.max_chunk_chars must be positive")
	}
	if cfg.Pipeline.WorkDir == "" {
		return errors.New("pipeline.work_dir must not be empty")
	}
	if cfg.Pipeline.OutputPath == "" {
		return errors.New("pipeline.output_path must not be empty")
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		return errors.New("pipeline.max_attempts must be >= 1")
	}
	if cfg.Pipeline.RetryInitialMS < 0 || cfg.Pipeline.RetryMaxMS < 0 {
		return errors.New("pipeline retry intervals must be >= 0")
	}
	if cfg.Pipeline.DeviceLockWaitMS < 0 {
		return errors.New("pipeline.device_lock_wait_ms must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Speed < 0.5 || cfg.TTS.Speed > 2.0 {
		return errors.New("tts.speed must be between 0.5 and 2.0")
	}
	switch cfg.Voice.Mode {
	case "mock", "exec":
	default:
		return errors.New("voice.mode must be one of mock|exec")
	}
	if cfg.Voice.Mode == "exec" {
		if cfg.Voice.Command == "" {
			return errors.New("voice.command must be set when mode=exec")
		}
		if cfg.Voice.Profile == "" {
			return errors.New("voice.profile must be set when mode=exec")
		}
		if cfg.Voice.ModelsDir == "" {
			return errors.New("voice.models_dir must not be empty when mode=exec")
		}
	}
	if cfg.Voice.F0UpKey < -12 || cfg.Voice.F0UpKey > 12 {
		return errors.New("voice.f0_up_key must be between -12 and 12")
	}
	switch cfg.Voice.F0Method {
	case "harvest", "crepe", "rmvpe", "pm":
	default:
		return errors.New("voice.f0_method must be one of harvest|crepe|rmvpe|pm")
	}
	if cfg.Voice.IndexRate < 0 || cfg.Voice.IndexRate > 1 {
		return errors.New("voice.index_rate must be between 0 and 1")
	}
	switch cfg.Assembler.Mode {
	case "exec", "wav":
	default:
		return errors.New("assembler.mode must be one of exec|wav")
	}
	if cfg.Assembler.Mode == "exec" && cfg.Assembler.Command == "" {
		return errors.New("assembler.command must be set when mode=exec")
	}
	switch cfg.State.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("state.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.State.RetentionDays < 0 {
		return errors.New("state.retention_days must be >= 0")
	}
	return nil
}

// StatePath returns the run record location, defaulting to the working directory.
func (c Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(c.Pipeline.WorkDir, "state.db")
}
