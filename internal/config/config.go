// Package config loads the daemon configuration from YAML files, an optional
// .env file and PHOENIX_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Store is the SQLite database path. Empty means the default data dir.
	Store string `yaml:"store"`

	Transport struct {
		URL          string        `yaml:"url"`
		QueryTimeout time.Duration `yaml:"query_timeout"`
	} `yaml:"transport"`

	Me struct {
		JID string `yaml:"jid"`
		LID string `yaml:"lid"`
	} `yaml:"me"`

	Devices struct {
		TTL   time.Duration `yaml:"ttl"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"devices"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Events struct {
		AMQPURL  string `yaml:"amqp_url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Load reads the comma-separated YAML files in pathList (later files win),
// then envFile if it exists, then the environment. Either may be empty.
func Load(pathList, envFile string) (*Config, error) {
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", p, err)
		}
	}

	if envFile != "" {
		// existing variables take precedence over the file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Transport.QueryTimeout == 0 {
		c.Transport.QueryTimeout = 60 * time.Second
	}
	if c.Devices.TTL == 0 {
		c.Devices.TTL = 5 * time.Minute
	}
	if c.Devices.Redis.Prefix == "" {
		c.Devices.Redis.Prefix = "phoenix:devices:"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "phoenix.events"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("PHOENIX_STORE", &c.Store)
	str("PHOENIX_TRANSPORT_URL", &c.Transport.URL)
	str("PHOENIX_JID", &c.Me.JID)
	str("PHOENIX_LID", &c.Me.LID)
	str("PHOENIX_REDIS_ADDR", &c.Devices.Redis.Addr)
	str("PHOENIX_REDIS_PASSWORD", &c.Devices.Redis.Password)
	str("PHOENIX_METRICS_ADDR", &c.Metrics.Addr)
	str("PHOENIX_AMQP_URL", &c.Events.AMQPURL)
	str("PHOENIX_AMQP_EXCHANGE", &c.Events.Exchange)
	str("PHOENIX_LOG_LEVEL", &c.Log.Level)

	if v, ok := os.LookupEnv("PHOENIX_QUERY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: PHOENIX_QUERY_TIMEOUT: %w", err)
		}
		c.Transport.QueryTimeout = d
	}
	if v, ok := os.LookupEnv("PHOENIX_DEVICE_CACHE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: PHOENIX_DEVICE_CACHE_TTL: %w", err)
		}
		c.Devices.TTL = d
	}
	if v, ok := os.LookupEnv("PHOENIX_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PHOENIX_REDIS_DB: %w", err)
		}
		c.Devices.Redis.DB = n
	}
	if v, ok := os.LookupEnv("PHOENIX_LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PHOENIX_LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	return nil
}

// Logger builds the root logger from the log section.
func (c *Config) Logger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("config: log level: %w", err)
	}
	var logger zerolog.Logger
	if c.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
