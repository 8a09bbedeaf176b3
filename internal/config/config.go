package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/hotline/internal/protocol"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string                   `yaml:"runtime_name"`
	Environment string                   `yaml:"environment"`
	HTTP        HTTPConfig               `yaml:"http"`
	Telemetry   TelemetryConfig          `yaml:"telemetry"`
	Socket      SocketConfig             `yaml:"socket"`
	Bus         BusConfig                `yaml:"bus"`
	Audio       AudioConfig              `yaml:"audio"`
	Provider    ProviderConfig           `yaml:"provider"`
	Session     SessionConfig            `yaml:"session"`
	Hooks       HooksConfig              `yaml:"hooks"`
	EventStore  EventStoreConfig         `yaml:"event_store"`
	Profiles    map[string]ProfileConfig `yaml:"profiles"`
}

type SocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Signals enables the legacy SIGUSR1/SIGUSR2 start/stop intake.
	Signals bool `yaml:"signals"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	AcceptCommands bool     `yaml:"accept_commands"`
}

type AudioConfig struct {
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	MaxBufferSeconds int    `yaml:"max_buffer_duration_seconds"`
	CaptureCommand   string `yaml:"capture_command"`
}

type ProviderConfig struct {
	Mode               string `yaml:"mode"` // realtime, batch, mock
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	Language           string `yaml:"language"`
	RequestTimeoutMS   int    `yaml:"request_timeout_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffInitialMS   int    `yaml:"backoff_initial_ms"`
	BackoffMaxMS       int    `yaml:"backoff_max_ms"`
	LivenessTimeoutMS  int    `yaml:"liveness_timeout_ms"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	StopGraceMS        int    `yaml:"stop_grace_ms"`
	MaxUploadBytes     int    `yaml:"max_upload_bytes"`
}

type SessionConfig struct {
	StopTimeoutMS  int    `yaml:"stop_timeout_ms"`
	DefaultProfile string `yaml:"default_profile"`
}

type HooksConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	// TimeoutMS kills hook processes that outlive it.
	TimeoutMS int `yaml:"timeout_ms"`
	// ReceiveOnDelta fires on_transcription_receive for every delta instead
	// of only on completed text.
	ReceiveOnDelta bool `yaml:"receive_on_delta"`
	// PipeTo is a shell-style command receiving completed text on stdin for
	// sessions that configure no receive hook.
	PipeTo string `yaml:"pipe_to"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ProfileConfig is a named bundle of session settings selectable from a
// start command.
type ProfileConfig struct {
	Model          string         `yaml:"model"`
	Language       string         `yaml:"language"`
	Prompt         string         `yaml:"prompt"`
	VadConfig      *VadProfile    `yaml:"vad_config"`
	Hooks          protocol.Hooks `yaml:"hooks"`
	ReceiveOnDelta *bool          `yaml:"receive_on_delta"`
}

// VadProfile mirrors protocol.VadConfig in YAML form.
type VadProfile struct {
	ServerVad   *protocol.ServerVad   `yaml:"server_vad"`
	SemanticVad *protocol.SemanticVad `yaml:"semantic_vad"`
}

func (v *VadProfile) VadConfig() *protocol.VadConfig {
	if v == nil {
		return nil
	}
	return &protocol.VadConfig{Server: v.ServerVad, Semantic: v.SemanticVad}
}

func Default() Config {
	return Config{
		RuntimeName: "hotline",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8787,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Socket: SocketConfig{
			Enabled: true,
			Path:    DefaultSocketPath(),
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			AcceptCommands: true,
		},
		Audio: AudioConfig{
			SampleRate:       24000,
			Channels:         1,
			FrameDurationMS:  20,
			MaxBufferSeconds: 300,
			CaptureCommand:   "parec --raw --format=s16le --channels=1 --rate=24000",
		},
		Provider: ProviderConfig{
			Mode:               "realtime",
			BaseURL:            "https://api.openai.com/v1",
			Model:              "whisper-1",
			RequestTimeoutMS:   30000,
			MaxRetries:         3,
			BackoffInitialMS:   1000,
			BackoffMaxMS:       8000,
			LivenessTimeoutMS:  30000,
			HandshakeTimeoutMS: 10000,
			StopGraceMS:        1500,
			MaxUploadBytes:     25 * 1024 * 1024,
		},
		Session: SessionConfig{
			StopTimeoutMS: 60000,
		},
		Hooks: HooksConfig{
			MaxConcurrency: 4,
			TimeoutMS:      30000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/hotline-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

// DefaultSocketPath prefers $XDG_RUNTIME_DIR, then $XDG_CONFIG_HOME, then
// the user config directory.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hotline.sock")
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "hotline", "hotline.sock")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hotline", "hotline.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "hotline", "hotline.sock")
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
	overrideString(&cfg.RuntimeName, "HOTLINE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HOTLINE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "HOTLINE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "HOTLINE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HOTLINE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HOTLINE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HOTLINE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HOTLINE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Socket.Enabled, "HOTLINE_SOCKET_ENABLED")
	overrideString(&cfg.Socket.Path, "HOTLINE_SOCKET_PATH")
	overrideBool(&cfg.Socket.Signals, "HOTLINE_SOCKET_SIGNALS")
	overrideBool(&cfg.Bus.Enabled, "HOTLINE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "HOTLINE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HOTLINE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HOTLINE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HOTLINE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HOTLINE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HOTLINE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HOTLINE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HOTLINE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "HOTLINE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "HOTLINE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "HOTLINE_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.MaxBufferSeconds, "HOTLINE_AUDIO_MAX_BUFFER_DURATION_SECONDS")
	overrideString(&cfg.Audio.CaptureCommand, "HOTLINE_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Provider.Mode, "HOTLINE_PROVIDER_MODE")
	overrideString(&cfg.Provider.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Provider.APIKey, "HOTLINE_PROVIDER_API_KEY")
	overrideString(&cfg.Provider.BaseURL, "OPENAI_BASE_URL")
	overrideString(&cfg.Provider.BaseURL, "HOTLINE_PROVIDER_BASE_URL")
	overrideString(&cfg.Provider.Model, "HOTLINE_PROVIDER_MODEL")
	overrideString(&cfg.Provider.Language, "HOTLINE_PROVIDER_LANGUAGE")
	overrideInt(&cfg.Provider.RequestTimeoutMS, "HOTLINE_PROVIDER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Provider.MaxRetries, "HOTLINE_PROVIDER_MAX_RETRIES")
	overrideInt(&cfg.Provider.BackoffInitialMS, "HOTLINE_PROVIDER_BACKOFF_INITIAL_MS")
	overrideInt(&cfg.Provider.BackoffMaxMS, "HOTLINE_PROVIDER_BACKOFF_MAX_MS")
	overrideInt(&cfg.Provider.LivenessTimeoutMS, "HOTLINE_PROVIDER_LIVENESS_TIMEOUT_MS")
	overrideInt(&cfg.Provider.HandshakeTimeoutMS, "HOTLINE_PROVIDER_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Provider.StopGraceMS, "HOTLINE_PROVIDER_STOP_GRACE_MS")
	overrideInt(&cfg.Session.StopTimeoutMS, "HOTLINE_SESSION_STOP_TIMEOUT_MS")
	overrideString(&cfg.Session.DefaultProfile, "HOTLINE_SESSION_DEFAULT_PROFILE")
	overrideInt(&cfg.Hooks.MaxConcurrency, "HOTLINE_HOOKS_MAX_CONCURRENCY")
	overrideInt(&cfg.Hooks.TimeoutMS, "HOTLINE_HOOKS_TIMEOUT_MS")
	overrideBool(&cfg.Hooks.ReceiveOnDelta, "HOTLINE_HOOKS_RECEIVE_ON_DELTA")
	overrideString(&cfg.Hooks.PipeTo, "HOTLINE_HOOKS_PIPE_TO")
	overrideString(&cfg.EventStore.Path, "HOTLINE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "HOTLINE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "HOTLINE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "HOTLINE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "HOTLINE_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Socket.Enabled && cfg.Socket.Path == "" {
		return errors.New("socket.path must not be empty when the socket is enabled")
	}
	if !cfg.Socket.Enabled && !cfg.Socket.Signals && !(cfg.Bus.Enabled && cfg.Bus.AcceptCommands) {
		return errors.New("at least one command intake (socket, signals, bus) must be enabled")
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
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (PCM16 mono)")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.MaxBufferSeconds <= 0 {
		return errors.New("audio.max_buffer_duration_seconds must be positive")
	}
	switch cfg.Provider.Mode {
	case "realtime", "batch", "mock":
	default:
		return errors.New("provider.mode must be one of realtime|batch|mock")
	}
	if cfg.Provider.Mode != "mock" {
		if cfg.Provider.APIKey == "" {
			return errors.New("provider.api_key (or OPENAI_API_KEY) must be set")
		}
		if cfg.Provider.BaseURL == "" {
			return errors.New("provider.base_url must not be empty")
		}
	}
	if cfg.Provider.Model == "" {
		return errors.New("provider.model must not be empty")
	}
	if cfg.Provider.RequestTimeoutMS <= 0 {
		return errors.New("provider.request_timeout_ms must be positive")
	}
	if cfg.Provider.MaxRetries < 0 {
		return errors.New("provider.max_retries must be >= 0")
	}
	if cfg.Provider.BackoffInitialMS <= 0 || cfg.Provider.BackoffMaxMS < cfg.Provider.BackoffInitialMS {
		return errors.New("provider.backoff_initial_ms must be positive and not exceed backoff_max_ms")
	}
	if cfg.Provider.LivenessTimeoutMS <= 0 {
		return errors.New("provider.liveness_timeout_ms must be positive")
	}
	if cfg.Provider.HandshakeTimeoutMS <= 0 {
		return errors.New("provider.handshake_timeout_ms must be positive")
	}
	if cfg.Session.StopTimeoutMS <= 0 {
		return errors.New("session.stop_timeout_ms must be positive")
	}
	if cfg.Session.DefaultProfile != "" {
		if _, ok := cfg.Profiles[cfg.Session.DefaultProfile]; !ok {
			return fmt.Errorf("session.default_profile %q is not defined in profiles", cfg.Session.DefaultProfile)
		}
	}
	if cfg.Hooks.MaxConcurrency <= 0 {
		return errors.New("hooks.max_concurrency must be >= 1")
	}
	if cfg.Hooks.TimeoutMS <= 0 {
		return errors.New("hooks.timeout_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	for name, profile := range cfg.Profiles {
		if err := profile.Hooks.Validate(); err != nil {
			return fmt.Errorf("profiles.%s.hooks: %w", name, err)
		}
		if vad := profile.VadConfig.VadConfig(); vad != nil {
			if err := vad.Validate(); err != nil {
				return fmt.Errorf("profiles.%s.vad_config: %w", name, err)
			}
		}
	}
	return nil
}
