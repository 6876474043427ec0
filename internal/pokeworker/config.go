package pokeworker

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"POKEWORKER_PORT"`
		Origin string `yaml:"origin" env:"POKEWORKER_ORIGIN"`
	} `yaml:"server"`

	Cache struct {
		Name string `yaml:"name" env:"POKEWORKER_CACHE_NAME"`
		Path string `yaml:"path" env:"POKEWORKER_CACHE_PATH"`
		Max  string `yaml:"max" env:"POKEWORKER_CACHE_MAX"`

		maxBytes int64
	} `yaml:"cache"`

	Strategy struct {
		NetworkFirstHosts []string `yaml:"networkFirstHosts" env:"POKEWORKER_NETWORK_FIRST_HOSTS" envSeparator:","`
	} `yaml:"strategy"`

	Notifications struct {
		Permission string `yaml:"permission" env:"POKEWORKER_NOTIFICATION_PERMISSION"`
		Webhook    string `yaml:"webhook" env:"POKEWORKER_NOTIFICATION_WEBHOOK"`
	} `yaml:"notifications"`

	Logging struct {
		Level      string `yaml:"level" env:"POKEWORKER_LOG_LEVEL"`
		StatsEvery string `yaml:"statsEvery" env:"POKEWORKER_STATS_EVERY"`

		level         log.Level
		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// MaxBytes is the parsed cache quota; 0 means unlimited.
func (c Config) MaxBytes() int64 { return c.Cache.maxBytes }

// LogLevel is the parsed logging level.
func (c Config) LogLevel() log.Level { return c.Logging.level }

// StatsEvery is the parsed stats interval; 0 disables stats logging.
func (c Config) StatsEvery() time.Duration { return c.Logging.statsEveryDur }

// LoadConfig reads the YAML file at path (skipped when path is empty), applies
// POKEWORKER_* environment overrides and fills in defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "parse config")
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	err := cfg.normalize()
	return cfg, err
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = DefaultGeneration
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/leveldb"
	}
	maxBytes, err := parseBytes(cfg.Cache.Max)
	if err != nil {
		return errors.Wrap(err, "cache.max")
	}
	cfg.Cache.maxBytes = maxBytes

	if cfg.Strategy.NetworkFirstHosts == nil {
		cfg.Strategy.NetworkFirstHosts = []string{"pokeapi.co"}
	}

	switch Permission(cfg.Notifications.Permission) {
	case "":
		cfg.Notifications.Permission = string(PermissionDefault)
	case PermissionGranted, PermissionDenied, PermissionDefault:
	default:
		return errors.Errorf("notifications.permission: unknown value %q", cfg.Notifications.Permission)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	lvl, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return errors.Wrap(err, "logging.level")
	}
	cfg.Logging.level = lvl
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return errors.Wrap(err, "logging.statsEvery")
		}
		cfg.Logging.statsEveryDur = d
	}
	return nil
}

// Notifier builds the configured notification sink.
func (c Config) Notifier(client Fetcher) Notifier {
	if c.Notifications.Webhook != "" {
		return &WebhookNotifier{URL: c.Notifications.Webhook, Client: client}
	}
	return LogNotifier{}
}
