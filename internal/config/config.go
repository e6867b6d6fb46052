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

type StoreConfig struct {
	Path        string `yaml:"path"`
	WindowHours int    `yaml:"window_hours"`
}

type ChatConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type SpeechConfig struct {
	Model  string   `yaml:"model"`
	Format string   `yaml:"format"`
	Voices []string `yaml:"voices"`
}

type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

type PipelineConfig struct {
	ChunkBuffer   int `yaml:"chunk_buffer"`
	JoinTimeoutMS int `yaml:"join_timeout_ms"`
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
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Store       StoreConfig     `yaml:"store"`
	Chat        ChatConfig      `yaml:"chat"`
	Speech      SpeechConfig    `yaml:"speech"`
	Auth        AuthConfig      `yaml:"auth"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Bus         BusConfig       `yaml:"bus"`
}

func Default() Config {
	return Config{
		ServiceName: "timeline-anchor",
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
		Store: StoreConfig{
			Path:        "./data/news.db",
			WindowHours: 24,
		},
		Chat: ChatConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4.1-mini-2025-04-14",
			MaxTokens:   2000,
			Temperature: 0.5,
		},
		Speech: SpeechConfig{
			Model:  "gpt-4o-mini-tts",
			Format: "mp3",
			Voices: []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		},
		Pipeline: PipelineConfig{
			ChunkBuffer:   8,
			JoinTimeoutMS: 5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
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
	overrideString(&cfg.ServiceName, "ANCHOR_SERVICE_NAME")
	overrideString(&cfg.Environment, "ANCHOR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ANCHOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ANCHOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ANCHOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ANCHOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ANCHOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ANCHOR_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Store.Path, "ANCHOR_STORE_PATH")
	overrideInt(&cfg.Store.WindowHours, "ANCHOR_STORE_WINDOW_HOURS")
	overrideString(&cfg.Chat.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Chat.APIKey, "ANCHOR_OPENAI_API_KEY")
	overrideString(&cfg.Chat.BaseURL, "ANCHOR_OPENAI_BASE_URL")
	overrideString(&cfg.Chat.Model, "ANCHOR_CHAT_MODEL")
	overrideInt(&cfg.Chat.MaxTokens, "ANCHOR_CHAT_MAX_TOKENS")
	overrideFloat(&cfg.Chat.Temperature, "ANCHOR_CHAT_TEMPERATURE")
	overrideString(&cfg.Speech.Model, "ANCHOR_TTS_MODEL")
	overrideString(&cfg.Speech.Format, "ANCHOR_AUDIO_FORMAT")
	overrideStringSlice(&cfg.Speech.Voices, "ANCHOR_VOICES")
	overrideString(&cfg.Auth.APIKey, "ANCHOR_API_KEY")
	overrideInt(&cfg.Pipeline.ChunkBuffer, "ANCHOR_PIPELINE_CHUNK_BUFFER")
	overrideInt(&cfg.Pipeline.JoinTimeoutMS, "ANCHOR_PIPELINE_JOIN_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "ANCHOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ANCHOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ANCHOR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ANCHOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ANCHOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ANCHOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ANCHOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ANCHOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ANCHOR_BUS_CONNECT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.WindowHours <= 0 {
		return errors.New("store.window_hours must be positive")
	}
	if cfg.Chat.Model == "" {
		return errors.New("chat.model must not be empty")
	}
	if cfg.Chat.MaxTokens <= 0 {
		return errors.New("chat.max_tokens must be positive")
	}
	if cfg.Speech.Model == "" {
		return errors.New("speech.model must not be empty")
	}
	switch cfg.Speech.Format {
	case "mp3", "wav", "opus", "aac", "flac":
		// ok
	default:
		return errors.New("speech.format must be one of mp3|wav|opus|aac|flac")
	}
	if len(cfg.Speech.Voices) == 0 {
		return errors.New("speech.voices must not be empty")
	}
	if cfg.Pipeline.ChunkBuffer <= 0 {
		return errors.New("pipeline.chunk_buffer must be positive")
	}
	if cfg.Pipeline.JoinTimeoutMS <= 0 {
		return errors.New("pipeline.join_timeout_ms must be positive")
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
	return nil
}
