package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	Tracing      bool   `yaml:"tracing" toml:"tracing"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind" toml:"bind"`
	Port           int    `yaml:"port" toml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Storage     StorageConfig    `yaml:"storage" toml:"storage"`
	Feed        FeedConfig       `yaml:"feed" toml:"feed"`
	Watcher     WatcherConfig    `yaml:"watcher" toml:"watcher"`
	STT         STTConfig        `yaml:"stt" toml:"stt"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	Kafka       KafkaConfig      `yaml:"kafka" toml:"kafka"`
}

type StorageConfig struct {
	UploadDir    string `yaml:"upload_dir" toml:"upload_dir"`
	RegistryPath string `yaml:"registry_path" toml:"registry_path"`
}

type FeedConfig struct {
	Capacity  int `yaml:"capacity" toml:"capacity"`
	ReadLimit int `yaml:"read_limit" toml:"read_limit"`
}

type WatcherConfig struct {
	Enabled          bool `yaml:"enabled" toml:"enabled"`
	IntervalMS       int  `yaml:"interval_ms" toml:"interval_ms"`
	ErrorBackoffMS   int  `yaml:"error_backoff_ms" toml:"error_backoff_ms"`
	StopTimeoutMS    int  `yaml:"stop_timeout_ms" toml:"stop_timeout_ms"`
	PersistProcessed bool `yaml:"persist_processed" toml:"persist_processed"`
}

type STTConfig struct {
	Mode        string `yaml:"mode" toml:"mode"`
	Command     string `yaml:"command" toml:"command"`
	ModelPath   string `yaml:"model_path" toml:"model_path"`
	Language    string `yaml:"language" toml:"language"`
	SampleRate  int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels    int    `yaml:"channels" toml:"channels"`
	TimeoutMS   int    `yaml:"timeout_ms" toml:"timeout_ms"`
	Serialize   bool   `yaml:"serialize" toml:"serialize"`
	StripSpaces bool   `yaml:"strip_spaces" toml:"strip_spaces"`
}

type EventStoreConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	Path           string `yaml:"path" toml:"path"`
	RetentionDays  int    `yaml:"retention_days" toml:"retention_days"`
	MaxEvents      int    `yaml:"max_events" toml:"max_events"`
	RestoreOnStart bool   `yaml:"restore_on_start" toml:"restore_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	PublishTimeout int      `yaml:"publish_timeout_ms" toml:"publish_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix" toml:"subject_prefix"`
	Stream         string   `yaml:"stream" toml:"stream"`
}

type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Brokers   []string `yaml:"brokers" toml:"brokers"`
	Topic     string   `yaml:"topic" toml:"topic"`
	Principal string   `yaml:"principal" toml:"principal"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "127.0.0.1",
			Port:           5000,
			MaxUploadBytes: 10 * 1024 * 1024,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Storage: StorageConfig{
			UploadDir:    "uploads",
			RegistryPath: "students.json",
		},
		Feed: FeedConfig{
			Capacity:  100,
			ReadLimit: 50,
		},
		Watcher: WatcherConfig{
			Enabled:        true,
			IntervalMS:     2000,
			ErrorBackoffMS: 5000,
			StopTimeoutMS:  5000,
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  45000,
			Serialize:  true,
		},
		EventStore: EventStoreConfig{
			Enabled:       false,
			Path:          "./data/scribe-events.db",
			RetentionDays: 30,
			MaxEvents:     100000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			PublishTimeout: 2000,
			SubjectPrefix:  "scribe",
		},
		Kafka: KafkaConfig{
			Enabled:   false,
			Topic:     "scribe.recognition",
			Principal: "loqa-scribe",
		},
	}
}

// Load layers the optional config file and SCRIBE_* environment variables
// over Default. The file format is chosen by extension (.yaml, .yml, .toml).
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "SCRIBE_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Tracing, "SCRIBE_TELEMETRY_TRACING")
	overrideString(&cfg.Storage.UploadDir, "SCRIBE_STORAGE_UPLOAD_DIR")
	overrideString(&cfg.Storage.RegistryPath, "SCRIBE_STORAGE_REGISTRY_PATH")
	overrideInt(&cfg.Feed.Capacity, "SCRIBE_FEED_CAPACITY")
	overrideInt(&cfg.Feed.ReadLimit, "SCRIBE_FEED_READ_LIMIT")
	overrideBool(&cfg.Watcher.Enabled, "SCRIBE_WATCHER_ENABLED")
	overrideInt(&cfg.Watcher.IntervalMS, "SCRIBE_WATCHER_INTERVAL_MS")
	overrideInt(&cfg.Watcher.ErrorBackoffMS, "SCRIBE_WATCHER_ERROR_BACKOFF_MS")
	overrideInt(&cfg.Watcher.StopTimeoutMS, "SCRIBE_WATCHER_STOP_TIMEOUT_MS")
	overrideBool(&cfg.Watcher.PersistProcessed, "SCRIBE_WATCHER_PERSIST_PROCESSED")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SCRIBE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SCRIBE_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "SCRIBE_STT_TIMEOUT_MS")
	overrideBool(&cfg.STT.Serialize, "SCRIBE_STT_SERIALIZE")
	overrideBool(&cfg.STT.StripSpaces, "SCRIBE_STT_STRIP_SPACES")
	overrideBool(&cfg.EventStore.Enabled, "SCRIBE_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "SCRIBE_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.EventStore.RestoreOnStart, "SCRIBE_EVENT_STORE_RESTORE_ON_START")
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
	overrideInt(&cfg.Bus.PublishTimeout, "SCRIBE_BUS_PUBLISH_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "SCRIBE_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.Stream, "SCRIBE_BUS_STREAM")
	overrideBool(&cfg.Kafka.Enabled, "SCRIBE_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Kafka.Brokers, "SCRIBE_KAFKA_BROKERS")
	overrideString(&cfg.Kafka.Topic, "SCRIBE_KAFKA_TOPIC")
	overrideString(&cfg.Kafka.Principal, "SCRIBE_KAFKA_PRINCIPAL")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.Storage.UploadDir == "" {
		return errors.New("storage.upload_dir must not be empty")
	}
	if cfg.Storage.RegistryPath == "" {
		return errors.New("storage.registry_path must not be empty")
	}
	if cfg.Feed.Capacity <= 0 {
		return errors.New("feed.capacity must be positive")
	}
	if cfg.Feed.ReadLimit <= 0 || cfg.Feed.ReadLimit > cfg.Feed.Capacity {
		return errors.New("feed.read_limit must be between 1 and feed.capacity")
	}
	if cfg.Watcher.Enabled {
		if cfg.Watcher.IntervalMS <= 0 {
			return errors.New("watcher.interval_ms must be positive")
		}
		if cfg.Watcher.ErrorBackoffMS < cfg.Watcher.IntervalMS {
			return errors.New("watcher.error_backoff_ms must be >= watcher.interval_ms")
		}
		if cfg.Watcher.StopTimeoutMS <= 0 {
			return errors.New("watcher.stop_timeout_ms must be positive")
		}
		if cfg.Watcher.PersistProcessed && !cfg.EventStore.Enabled {
			return errors.New("watcher.persist_processed requires event_store.enabled")
		}
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && strings.TrimSpace(cfg.STT.Command) == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
		if cfg.EventStore.MaxEvents < 0 {
			return errors.New("event_store.max_events must be >= 0")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must not be empty when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return errors.New("kafka.topic must not be empty")
		}
	}
	return nil
}
