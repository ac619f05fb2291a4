package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "adfactory.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("ADFACTORY_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "ADFACTORY_PORT")
	setString(&cfg.Server.CORSOrigin, "ADFACTORY_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimitRPS, "ADFACTORY_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "ADFACTORY_RATE_LIMIT_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "ADFACTORY_IDEMPOTENCY_TTL")
	setDuration(&cfg.Server.ShutdownTimeout, "ADFACTORY_SHUTDOWN_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ADFACTORY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ADFACTORY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ADFACTORY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ADFACTORY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ADFACTORY_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "ADFACTORY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ADFACTORY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "ADFACTORY_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "ADFACTORY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ADFACTORY_BREAKER_TIMEOUT")

	// Generation service
	setString(&cfg.Kie.APIBaseURL, "KIE_API_BASE_URL")
	setString(&cfg.Kie.UploadBaseURL, "KIE_UPLOAD_BASE_URL")
	setString(&cfg.Kie.APIKey, "KIE_API_KEY")
	setString(&cfg.Kie.SecretsFile, "KIE_SECRETS_FILE")
	setString(&cfg.Kie.UploadPath, "KIE_UPLOAD_PATH")
	setDuration(&cfg.Kie.TransportTimeout, "KIE_TRANSPORT_TIMEOUT")
	setString(&cfg.Kie.VideoModel, "KIE_VIDEO_MODEL")
	setString(&cfg.Kie.ImageModel, "KIE_IMAGE_MODEL")

	// Engine
	setDuration(&cfg.Engine.Video.Interval, "ADFACTORY_VIDEO_POLL_INTERVAL")
	setDuration(&cfg.Engine.Video.Timeout, "ADFACTORY_VIDEO_POLL_TIMEOUT")
	setDuration(&cfg.Engine.Image.Interval, "ADFACTORY_IMAGE_POLL_INTERVAL")
	setDuration(&cfg.Engine.Image.Timeout, "ADFACTORY_IMAGE_POLL_TIMEOUT")
	setDuration(&cfg.Engine.SyntheticCadence, "ADFACTORY_SYNTHETIC_CADENCE")
	setInt(&cfg.Engine.MaxTransientFails, "ADFACTORY_MAX_TRANSIENT_FAILS")
	setInt(&cfg.Engine.MaxInFlight, "ADFACTORY_MAX_IN_FLIGHT")
	setDuration(&cfg.Engine.ProbeTimeout, "ADFACTORY_PROBE_TIMEOUT")
	setDuration(&cfg.Engine.SideEffectTimeout, "ADFACTORY_SIDE_EFFECT_TIMEOUT")
	setString(&cfg.Engine.DefaultPreset, "ADFACTORY_DEFAULT_PRESET")
	setString(&cfg.Engine.DefaultAspectRatio, "ADFACTORY_DEFAULT_ASPECT_RATIO")
	setString(&cfg.Engine.DefaultImageQuality, "ADFACTORY_DEFAULT_IMAGE_QUALITY")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "ADFACTORY_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "ADFACTORY_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "ADFACTORY_CACHE_L2_TTL")

	// Notifications
	setProvider(&cfg.Notify, "slack", "webhook_url", "SLACK_WEBHOOK_URL")
	setProvider(&cfg.Notify, "discord", "webhook_url", "DISCORD_WEBHOOK_URL")
	if v := os.Getenv("ADFACTORY_NOTIFY_EVENTS"); v != "" {
		cfg.Notify.Events = strings.Split(v, ",")
	}

	// Telemetry
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "ADFACTORY_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Kie.APIBaseURL == "" {
		return errors.New("kie.api_base_url is required")
	}
	if cfg.Kie.TransportTimeout <= 0 {
		return errors.New("kie.transport_timeout must be > 0")
	}
	if cfg.Engine.Video.Interval <= 0 || cfg.Engine.Image.Interval <= 0 {
		return errors.New("engine poll interval must be > 0")
	}
	if cfg.Engine.Video.Timeout < cfg.Engine.Video.Interval || cfg.Engine.Image.Timeout < cfg.Engine.Image.Interval {
		return errors.New("engine poll timeout must be >= poll interval")
	}
	if cfg.Engine.MaxTransientFails < 1 {
		return errors.New("engine.max_transient_fails must be >= 1")
	}
	if cfg.Engine.MaxInFlight < 1 {
		return errors.New("engine.max_in_flight must be >= 1")
	}
	if cfg.Server.RateLimitRPS <= 0 {
		return errors.New("server.rate_limit_rps must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setProvider(n *Notify, provider, setting, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n.Providers == nil {
		n.Providers = make(map[string]map[string]string)
	}
	if n.Providers[provider] == nil {
		n.Providers[provider] = make(map[string]string)
	}
	n.Providers[provider][setting] = v
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
