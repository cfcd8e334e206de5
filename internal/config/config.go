package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Cassette    CassetteConfig  `yaml:"cassette"`
	Constants   ConstantsConfig `yaml:"constants"`
	Captions    CaptionsConfig  `yaml:"captions"`
	Sounds      []SoundConfig   `yaml:"sounds"`
	Speech      SpeechConfig    `yaml:"speech"`
	Presence    PresenceConfig  `yaml:"presence"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"` // headless, portaudio, oto
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	InputDevice     string `yaml:"input_device"`
	MaxVoices       int    `yaml:"max_voices"`
}

type CassetteConfig struct {
	RecordSeconds int    `yaml:"record_seconds"`
	BufferCount   int    `yaml:"buffer_count"`
	CommandQueue  int    `yaml:"command_queue"`
	Seed          uint64 `yaml:"seed"`
	ExportDir     string `yaml:"export_dir"`
}

type ConstantsConfig struct {
	Path             string `yaml:"path"`
	ReloadIntervalMS int    `yaml:"reload_interval_ms"`
}

type CaptionsConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
}

// SoundConfig registers a WAV file with the mixer. Captions use the
// annotation list format and are keyed by ID.
type SoundConfig struct {
	ID       uint64  `yaml:"id"`
	Path     string  `yaml:"path"`
	Captions string  `yaml:"captions"`
	Loop     bool    `yaml:"loop"`
	Gain     float64 `yaml:"gain"`
}

type SpeechConfig struct {
	Enabled bool   `yaml:"enabled"`
	Speaker string `yaml:"speaker"`
}

// PresenceConfig controls how the deck announces itself to other decks on
// the bus.
type PresenceConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// BufferSize is the tape length in samples.
func (c Config) BufferSize() int {
	return c.Cassette.RecordSeconds * c.Audio.SampleRate
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-cassette",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
		},
		Audio: AudioConfig{
			Backend:         "headless",
			SampleRate:      44100,
			Channels:        2,
			FramesPerBuffer: 512,
			MaxVoices:       8,
		},
		Cassette: CassetteConfig{
			RecordSeconds: 40,
			BufferCount:   2,
			CommandQueue:  64,
			ExportDir:     "./data/exports",
		},
		Constants: ConstantsConfig{
			Path:             "./constants.yaml",
			ReloadIntervalMS: 1000,
		},
		Captions: CaptionsConfig{
			Path:          "./data/cassette-captions.db",
			RetentionMode: "persistent",
		},
		Speech: SpeechConfig{
			Enabled: true,
			Speaker: "default",
		},
		Presence: PresenceConfig{
			ID:                "cassette-deck-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CASSETTE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CASSETTE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CASSETTE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CASSETTE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CASSETTE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CASSETTE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CASSETTE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "CASSETTE_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "CASSETTE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CASSETTE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CASSETTE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CASSETTE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CASSETTE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CASSETTE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CASSETTE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CASSETTE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CASSETTE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "CASSETTE_BUS_STORE_DIR")
	overrideString(&cfg.Audio.Backend, "CASSETTE_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.SampleRate, "CASSETTE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "CASSETTE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FramesPerBuffer, "CASSETTE_AUDIO_FRAMES_PER_BUFFER")
	overrideString(&cfg.Audio.InputDevice, "CASSETTE_AUDIO_INPUT_DEVICE")
	overrideInt(&cfg.Audio.MaxVoices, "CASSETTE_AUDIO_MAX_VOICES")
	overrideInt(&cfg.Cassette.RecordSeconds, "CASSETTE_CASSETTE_RECORD_SECONDS")
	overrideInt(&cfg.Cassette.BufferCount, "CASSETTE_CASSETTE_BUFFER_COUNT")
	overrideInt(&cfg.Cassette.CommandQueue, "CASSETTE_CASSETTE_COMMAND_QUEUE")
	overrideUint(&cfg.Cassette.Seed, "CASSETTE_CASSETTE_SEED")
	overrideString(&cfg.Cassette.ExportDir, "CASSETTE_CASSETTE_EXPORT_DIR")
	overrideString(&cfg.Constants.Path, "CASSETTE_CONSTANTS_PATH")
	overrideInt(&cfg.Constants.ReloadIntervalMS, "CASSETTE_CONSTANTS_RELOAD_INTERVAL_MS")
	overrideString(&cfg.Captions.Path, "CASSETTE_CAPTIONS_PATH")
	overrideString(&cfg.Captions.RetentionMode, "CASSETTE_CAPTIONS_RETENTION_MODE")
	overrideBool(&cfg.Speech.Enabled, "CASSETTE_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Speaker, "CASSETTE_SPEECH_SPEAKER")
	overrideString(&cfg.Presence.ID, "CASSETTE_PRESENCE_ID")
	overrideInt(&cfg.Presence.HeartbeatInterval, "CASSETTE_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "CASSETTE_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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

func overrideUint(target *uint64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Audio.Backend {
	case "headless", "portaudio", "oto":
	default:
		return errors.New("audio.backend must be one of headless|portaudio|oto")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FramesPerBuffer <= 0 {
		return errors.New("audio.frames_per_buffer must be positive")
	}
	if cfg.Audio.MaxVoices <= 0 {
		return errors.New("audio.max_voices must be >= 1")
	}
	if cfg.Cassette.RecordSeconds <= 0 {
		return errors.New("cassette.record_seconds must be positive")
	}
	if cfg.Cassette.BufferCount <= 0 {
		return errors.New("cassette.buffer_count must be >= 1")
	}
	if cfg.Cassette.CommandQueue <= 0 {
		return errors.New("cassette.command_queue must be >= 1")
	}
	if cfg.Cassette.ExportDir == "" {
		return errors.New("cassette.export_dir must not be empty")
	}
	if cfg.Constants.ReloadIntervalMS < 0 {
		return errors.New("constants.reload_interval_ms must be >= 0")
	}
	switch cfg.Captions.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Captions.Path == "" {
			return errors.New("captions.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("captions.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Bus.Enabled {
		if cfg.Presence.ID == "" {
			return errors.New("presence.id must not be empty")
		}
		if cfg.Presence.HeartbeatInterval <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
			return errors.New("presence.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	seen := make(map[uint64]bool, len(cfg.Sounds))
	for i, s := range cfg.Sounds {
		if s.Path == "" {
			return fmt.Errorf("sounds[%d].path must not be empty", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sounds[%d].id %d is duplicated", i, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
