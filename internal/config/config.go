package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEndpoint is the RealTimeManager service queried when a request
// does not name its own endpoint.
const DefaultEndpoint = "http://realtimemap.mta.maryland.gov/RealTimeManager"

// Config holds application configuration from environment variables.
type Config struct {
	Port            int           `validate:"gt=0,lte=65535"`
	Endpoint        string        `validate:"required,url"`
	UpstreamTimeout time.Duration `validate:"gt=0"`
	LinesTTL        time.Duration `validate:"gt=0"`
	TripsTTL        time.Duration `validate:"gt=0"`

	MetricsAddr string
	NATSURL     string `validate:"omitempty,url"`
	NATSSubject string `validate:"required"`

	LogJSON bool
	Debug   bool // debug log level
}

// Load reads configuration from .env, the environment and an optional YAML
// file named by HIWIRE_CONFIG_FILE, in that order of increasing precedence.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Port:            envInt("HIWIRE_PORT", 5000),
		Endpoint:        envStr("HIWIRE_ENDPOINT", DefaultEndpoint),
		UpstreamTimeout: envSeconds("HIWIRE_UPSTREAM_TIMEOUT_SEC", 10*time.Second),
		LinesTTL:        envSeconds("HIWIRE_LINES_TTL_SEC", 24*time.Hour),
		TripsTTL:        envSeconds("HIWIRE_TRIPS_TTL_SEC", 30*time.Second),
		MetricsAddr:     envStr("HIWIRE_METRICS_ADDR", ""),
		NATSURL:         envStr("HIWIRE_NATS_URL", ""),
		NATSSubject:     envStr("HIWIRE_NATS_SUBJECT", "gtfsrt.trip_updates"),
		LogJSON:         envBool("HIWIRE_LOG_JSON", false),
		Debug:           envBool("HIWIRE_DEBUG", false),
	}

	if path := os.Getenv("HIWIRE_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints. main calls it again after flags are applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// overlayFile applies the fields present in a YAML file on top of c.
// Durations are written as Go duration strings ("30s", "24h").
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if f.Port != nil {
		c.Port = *f.Port
	}
	if f.Endpoint != nil {
		c.Endpoint = *f.Endpoint
	}
	for _, d := range []struct {
		raw *string
		dst *time.Duration
		key string
	}{
		{f.UpstreamTimeout, &c.UpstreamTimeout, "upstreamTimeout"},
		{f.LinesTTL, &c.LinesTTL, "linesTTL"},
		{f.TripsTTL, &c.TripsTTL, "tripsTTL"},
	} {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	if f.MetricsAddr != nil {
		c.MetricsAddr = *f.MetricsAddr
	}
	if f.NATSURL != nil {
		c.NATSURL = *f.NATSURL
	}
	if f.NATSSubject != nil {
		c.NATSSubject = *f.NATSSubject
	}
	if f.LogJSON != nil {
		c.LogJSON = *f.LogJSON
	}
	if f.Debug != nil {
		c.Debug = *f.Debug
	}
	return nil
}

// fileConfig mirrors Config with pointer fields so absent keys keep their
// environment values.
type fileConfig struct {
	Port            *int    `yaml:"port"`
	Endpoint        *string `yaml:"endpoint"`
	UpstreamTimeout *string `yaml:"upstreamTimeout"`
	LinesTTL        *string `yaml:"linesTTL"`
	TripsTTL        *string `yaml:"tripsTTL"`
	MetricsAddr     *string `yaml:"metricsAddr"`
	NATSURL         *string `yaml:"natsURL"`
	NATSSubject     *string `yaml:"natsSubject"`
	LogJSON         *bool   `yaml:"logJSON"`
	Debug           *bool   `yaml:"debug"`
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envSeconds reads a whole number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if n := envInt(key, -1); n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
