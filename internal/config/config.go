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
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Document    DocumentConfig   `yaml:"document"`
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
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, http
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	BeamSize       int    `yaml:"beam_size"`
	InputFormat    string `yaml:"input_format"` // webm, pcm16
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	TempDir        string `yaml:"temp_dir"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxChunkBytes  int    `yaml:"max_chunk_bytes"`
	MockDurationMS int    `yaml:"mock_duration_ms"`
	MaxConcurrent  int    `yaml:"max_concurrent"` // exec processes running at once
}

type GatewayConfig struct {
	Path           string `yaml:"path"`
	QueueSize      int    `yaml:"queue_size"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type DocumentConfig struct {
	Title       string `yaml:"title"`
	PageSize    string `yaml:"page_size"` // letter, a4
	Placeholder string `yaml:"placeholder"`
	FontPath    string `yaml:"font_path"` // UTF-8 TrueType font; empty uses Helvetica (cp1252)
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8000,
			AllowedOrigins: []string{"*"},
			MaxUploadMB:    100,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:8387",
			Model:          "tiny",
			Language:       "en",
			BeamSize:       5,
			InputFormat:    "webm",
			SampleRate:     16000,
			Channels:       1,
			MaxChunkBytes:  10 << 20,
			MockDurationMS: 1000,
			MaxConcurrent:  2,
		},
		Gateway: GatewayConfig{
			Path:           "/ws",
			QueueSize:      16,
			PingIntervalMS: 30000,
			WriteTimeoutMS: 10000,
		},
		Document: DocumentConfig{
			Title:       "Transcription Report",
			PageSize:    "letter",
			Placeholder: "No transcription content.",
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "SCRIBE_HTTP_ALLOWED_ORIGINS")
	overrideInt(&cfg.HTTP.MaxUploadMB, "SCRIBE_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SCRIBE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "SCRIBE_STT_ENDPOINT")
	overrideString(&cfg.STT.Model, "SCRIBE_STT_MODEL")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideInt(&cfg.STT.BeamSize, "SCRIBE_STT_BEAM_SIZE")
	overrideString(&cfg.STT.InputFormat, "SCRIBE_STT_INPUT_FORMAT")
	overrideInt(&cfg.STT.SampleRate, "SCRIBE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SCRIBE_STT_CHANNELS")
	overrideString(&cfg.STT.TempDir, "SCRIBE_STT_TEMP_DIR")
	overrideInt(&cfg.STT.TimeoutMS, "SCRIBE_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxChunkBytes, "SCRIBE_STT_MAX_CHUNK_BYTES")
	overrideInt(&cfg.STT.MockDurationMS, "SCRIBE_STT_MOCK_DURATION_MS")
	overrideInt(&cfg.STT.MaxConcurrent, "SCRIBE_STT_MAX_CONCURRENT")
	overrideString(&cfg.Gateway.Path, "SCRIBE_GATEWAY_PATH")
	overrideInt(&cfg.Gateway.QueueSize, "SCRIBE_GATEWAY_QUEUE_SIZE")
	overrideInt(&cfg.Gateway.PingIntervalMS, "SCRIBE_GATEWAY_PING_INTERVAL_MS")
	overrideInt(&cfg.Gateway.WriteTimeoutMS, "SCRIBE_GATEWAY_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Document.Title, "SCRIBE_DOCUMENT_TITLE")
	overrideString(&cfg.Document.PageSize, "SCRIBE_DOCUMENT_PAGE_SIZE")
	overrideString(&cfg.Document.Placeholder, "SCRIBE_DOCUMENT_PLACEHOLDER")
	overrideString(&cfg.Document.FontPath, "SCRIBE_DOCUMENT_FONT_PATH")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		if !cfg.Bus.Enabled {
			return errors.New("event_store requires bus.enabled when retention_mode is not ephemeral")
		}
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	switch cfg.STT.InputFormat {
	case "webm":
	case "pcm16":
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	default:
		return errors.New("stt.input_format must be one of webm|pcm16")
	}
	if cfg.STT.MaxConcurrent <= 0 {
		return errors.New("stt.max_concurrent must be positive")
	}
	if cfg.STT.TimeoutMS < 0 {
		return errors.New("stt.timeout_ms must be >= 0")
	}
	if cfg.STT.MaxChunkBytes <= 0 {
		return errors.New("stt.max_chunk_bytes must be positive")
	}
	if cfg.Gateway.Path == "" || !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Gateway.QueueSize <= 0 {
		return errors.New("gateway.queue_size must be >= 1")
	}
	switch strings.ToLower(cfg.Document.PageSize) {
	case "letter", "a4":
	default:
		return errors.New("document.page_size must be one of letter|a4")
	}
	if cfg.Document.FontPath != "" {
		if _, err := os.Stat(cfg.Document.FontPath); err != nil {
			return fmt.Errorf("document.font_path: %w", err)
		}
	}
	return nil
}
