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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Device      DeviceConfig     `yaml:"device"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Listen      ListenConfig     `yaml:"listen"`
	Engine      EngineConfig     `yaml:"engine"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type DeviceConfig struct {
	ID               string `yaml:"id"`
	HeartbeatTimeout int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ListenConfig carries the per-session defaults applied when a start
// request leaves a field unset.
type ListenConfig struct {
	Locale             string  `yaml:"locale"`
	Mode               string  `yaml:"mode"`
	SilenceTimeoutMS   int     `yaml:"silence_timeout_ms"`
	FrameLength        int     `yaml:"frame_length"`
	SampleRate         float64 `yaml:"sample_rate"`
	EnableAudioBuffer  bool    `yaml:"enable_audio_buffer"`
	OnDeviceRecognizer bool    `yaml:"on_device_recognizer"`
	MuteExternalAudio  bool    `yaml:"mute_external_audio"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Device: DeviceConfig{
			ID:               "default",
			HeartbeatTimeout: 6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/listen-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Listen: ListenConfig{
			Locale:           "en-US",
			Mode:             "single",
			SilenceTimeoutMS: 1000,
			FrameLength:      512,
			SampleRate:       16000,
		},
		Engine: EngineConfig{
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
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
	overrideString(&cfg.ServiceName, "LISTEN_SERVICE_NAME")
	overrideString(&cfg.Environment, "LISTEN_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LISTEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LISTEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LISTEN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LISTEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LISTEN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LISTEN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LISTEN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LISTEN_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LISTEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LISTEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LISTEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LISTEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LISTEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LISTEN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Device.ID, "LISTEN_DEVICE_ID")
	overrideInt(&cfg.Device.HeartbeatTimeout, "LISTEN_DEVICE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LISTEN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LISTEN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LISTEN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LISTEN_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LISTEN_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Listen.Locale, "LISTEN_SESSION_LOCALE")
	overrideString(&cfg.Listen.Mode, "LISTEN_SESSION_MODE")
	overrideInt(&cfg.Listen.SilenceTimeoutMS, "LISTEN_SESSION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Listen.FrameLength, "LISTEN_SESSION_FRAME_LENGTH")
	overrideFloat(&cfg.Listen.SampleRate, "LISTEN_SESSION_SAMPLE_RATE")
	overrideBool(&cfg.Listen.EnableAudioBuffer, "LISTEN_SESSION_ENABLE_AUDIO_BUFFER")
	overrideBool(&cfg.Listen.OnDeviceRecognizer, "LISTEN_SESSION_ON_DEVICE_RECOGNIZER")
	overrideBool(&cfg.Listen.MuteExternalAudio, "LISTEN_SESSION_MUTE_EXTERNAL_AUDIO")
	overrideString(&cfg.Engine.Mode, "LISTEN_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LISTEN_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "LISTEN_ENGINE_MODEL_PATH")
	overrideInt(&cfg.Engine.SampleRate, "LISTEN_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LISTEN_ENGINE_CHANNELS")
	overrideInt(&cfg.Engine.PartialEveryMS, "LISTEN_ENGINE_PARTIAL_EVERY_MS")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Device.ID == "" {
		return errors.New("device.id must not be empty")
	}
	if cfg.Device.HeartbeatTimeout <= 0 {
		return errors.New("device.heartbeat_timeout_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Listen.SilenceTimeoutMS < 0 {
		return errors.New("listen.silence_timeout_ms must be >= 0")
	}
	if cfg.Listen.FrameLength <= 0 {
		return errors.New("listen.frame_length must be positive")
	}
	if cfg.Listen.SampleRate <= 0 {
		return errors.New("listen.sample_rate must be positive")
	}
	switch cfg.Listen.Mode {
	case "single", "continuous", "continuousAndStop":
	default:
		return errors.New("listen.mode must be one of single|continuous|continuousAndStop")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	return nil
}
