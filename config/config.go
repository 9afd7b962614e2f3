// Package config loads layered service configuration: built-in defaults,
// then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file path when no -config flag is given.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{"config.yaml", "config.yml"}

var validate = validator.New()

// Config is the full service configuration.
type Config struct {
	Telegram TelegramConfig `koanf:"telegram"`
	LastFM   LastFMConfig   `koanf:"lastfm"`
	Enrich   EnrichConfig   `koanf:"enrich"`
	Storage  StorageConfig  `koanf:"storage"`
	Redis    RedisConfig    `koanf:"redis"`
	Poll     PollConfig     `koanf:"poll"`
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
}

// TelegramConfig configures delivery. An empty token runs in mock mode.
type TelegramConfig struct {
	Token         string  `koanf:"token"`
	Mock          bool    `koanf:"mock"`
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gte=0"`
}

// LastFMConfig configures the playback source.
type LastFMConfig struct {
	APIKey        string        `koanf:"api_key" validate:"required"`
	BaseURL       string        `koanf:"base_url" validate:"required,url"`
	RatePerSecond float64       `koanf:"rate_per_second" validate:"gt=0"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
}

// EnrichConfig configures the metadata provider chain.
type EnrichConfig struct {
	Providers []string      `koanf:"providers" validate:"dive,oneof=itunes deezer spotify youtube ytmusic lastfm"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	Spotify   SpotifyConfig `koanf:"spotify"`
	YouTube   YouTubeConfig `koanf:"youtube"`
	YTMusic   YTMusicConfig `koanf:"ytmusic"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

// SpotifyConfig holds client-credentials for the Spotify provider.
type SpotifyConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

// YouTubeConfig holds the YouTube Data API key.
type YouTubeConfig struct {
	APIKey string `koanf:"api_key"`
}

// YTMusicConfig points at the YouTube Music search sidecar.
type YTMusicConfig struct {
	URL string `koanf:"url" validate:"omitempty,url"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	Failures    uint32        `koanf:"failures" validate:"gt=0"`
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gt=0"`
}

// StorageConfig selects the profile store backend.
type StorageConfig struct {
	Backend         string `koanf:"backend" validate:"oneof=local gcs mongo"`
	LocalPath       string `koanf:"local_path"`
	Bucket          string `koanf:"bucket"`
	MongoURI        string `koanf:"mongo_uri"`
	MongoDatabase   string `koanf:"mongo_database"`
	MongoCollection string `koanf:"mongo_collection"`
}

// RedisConfig enables the cross-replica subscriber lease when URL is set.
type RedisConfig struct {
	URL      string        `koanf:"url"`
	LeaseTTL time.Duration `koanf:"lease_ttl" validate:"gt=0"`
}

// PollConfig configures the scheduler.
type PollConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gte=1s"`
	Workers  int           `koanf:"workers" validate:"gte=1,lte=256"`
}

// ServerConfig configures the operator HTTP surface.
type ServerConfig struct {
	Port           string `koanf:"port" validate:"required,numeric"`
	RateLimit      int    `koanf:"rate_limit" validate:"gte=1"`
	TrustedProxies bool   `koanf:"trusted_proxies"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// SlogLevel returns the configured level.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func defaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			RatePerSecond: 20,
		},
		LastFM: LastFMConfig{
			BaseURL:       "https://ws.audioscrobbler.com/2.0/",
			RatePerSecond: 5,
			Timeout:       10 * time.Second,
		},
		Enrich: EnrichConfig{
			Providers: []string{"itunes", "deezer", "spotify", "youtube", "ytmusic", "lastfm"},
			Timeout:   4 * time.Second,
			Breaker: BreakerConfig{
				Failures:    5,
				OpenTimeout: time.Minute,
			},
		},
		Storage: StorageConfig{
			Backend:         "local",
			LocalPath:       "./data",
			MongoDatabase:   "nowplaying",
			MongoCollection: "users",
		},
		Redis: RedisConfig{
			LeaseTTL: time.Minute,
		},
		Poll: PollConfig{
			Interval: 5 * time.Second,
			Workers:  8,
		},
		Server: ServerConfig{
			Port:      "8080",
			RateLimit: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_PATH and then DefaultPaths are tried; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalPath == "" {
			return errors.New("LOCAL_STORAGE is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("STORAGE_BUCKET is required for the gcs backend")
		}
	case "mongo":
		if c.Storage.MongoURI == "" || c.Storage.MongoDatabase == "" || c.Storage.MongoCollection == "" {
			return errors.New("MONGO_URI, MONGO_DATABASE and MONGO_COLLECTION are required for the mongo backend")
		}
	}

	seen := make(map[string]bool, len(c.Enrich.Providers))
	for _, p := range c.Enrich.Providers {
		if seen[p] {
			return fmt.Errorf("enrich provider %q listed twice", p)
		}
		seen[p] = true
	}

	if (c.Enrich.Spotify.ClientID == "") != (c.Enrich.Spotify.ClientSecret == "") {
		return errors.New("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET must be set together")
	}
	return nil
}

// MockTelegram reports whether deliveries should only be logged.
func (c *Config) MockTelegram() bool {
	return c.Telegram.Mock || c.Telegram.Token == ""
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"enrich.providers",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for p := range strings.SplitSeq(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to config keys.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"telegram_token":           "telegram.token",
	"telegram_bot_token":       "telegram.token",
	"telegram_mock":            "telegram.mock",
	"telegram_rate_per_second": "telegram.rate_per_second",

	"lastfm_api_key":         "lastfm.api_key",
	"lastfm_base_url":        "lastfm.base_url",
	"lastfm_rate_per_second": "lastfm.rate_per_second",
	"lastfm_timeout":         "lastfm.timeout",

	"enrich_providers":            "enrich.providers",
	"enrich_timeout":              "enrich.timeout",
	"spotify_client_id":           "enrich.spotify.client_id",
	"spotify_client_secret":       "enrich.spotify.client_secret",
	"youtube_api_key":             "enrich.youtube.api_key",
	"ytmusic_url":                 "enrich.ytmusic.url",
	"enrich_breaker_failures":     "enrich.breaker.failures",
	"enrich_breaker_open_timeout": "enrich.breaker.open_timeout",

	"storage_backend":  "storage.backend",
	"local_storage":    "storage.local_path",
	"storage_bucket":   "storage.bucket",
	"mongo_uri":        "storage.mongo_uri",
	"mongo_database":   "storage.mongo_database",
	"mongo_collection": "storage.mongo_collection",

	"redis_url":       "redis.url",
	"redis_lease_ttl": "redis.lease_ttl",

	"poll_interval": "poll.interval",
	"poll_workers":  "poll.workers",

	"port":                   "server.port",
	"server_rate_limit":      "server.rate_limit",
	"server_trusted_proxies": "server.trusted_proxies",

	"log_level":  "log.level",
	"log_format": "log.format",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
