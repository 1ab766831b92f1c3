// Package config loads settings from an optional YAML file overridden by
// environment variables.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"taskboard/coordinator"
)

// Config is shared by the client CLI and the API server.
type Config struct {
	API     API     `yaml:"api"`
	Redis   string  `yaml:"redis"`
	Events  Events  `yaml:"events"`
	Storage Storage `yaml:"storage"`
	Server  Server  `yaml:"server"`
	Auth    Auth    `yaml:"auth"`
	Debug   bool    `yaml:"debug"`
}

// API configures the client side gateway.
type API struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	Gzip       bool          `yaml:"gzip"`
	Sequencing string        `yaml:"sequencing"`
	User       string        `yaml:"user"`
}

// Events names where change events are published.
type Events struct {
	Channel string `yaml:"channel"`
	Queue   string `yaml:"queue"`
}

// Storage selects the Azure table backend. Empty ConnectionString means redis.
type Storage struct {
	ConnectionString string `yaml:"connection_string"`
	Table            string `yaml:"table"`
}

// Server configures the API server.
type Server struct {
	ListenAddr     string        `yaml:"listen_addr"`
	DedupeTTL      time.Duration `yaml:"dedupe_ttl"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	PublishWorkers int           `yaml:"publish_workers"`
	PublishBuffer  int           `yaml:"publish_buffer"`
	PublishHandoff time.Duration `yaml:"publish_handoff"`
}

// Auth configures token verification. TestSecret enables HS256.
type Auth struct {
	Domain      string        `yaml:"domain"`
	Audience    string        `yaml:"audience"`
	TestSecret  string        `yaml:"test_secret"`
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		API: API{
			URL:        "http://localhost:8080",
			Timeout:    5 * time.Second,
			Sequencing: coordinator.LastSettled.String(),
		},
		Events:  Events{Channel: "board-changes"},
		Storage: Storage{Table: "board"},
		Server: Server{
			ListenAddr:     ":8080",
			DedupeTTL:      24 * time.Hour,
			CacheTTL:       time.Minute,
			PublishWorkers: 4,
			PublishBuffer:  256,
			PublishHandoff: 15 * time.Millisecond,
		},
	}
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Policy returns the configured sequencing policy.
func (c Config) Policy() (coordinator.Policy, error) {
	return coordinator.ParsePolicy(c.API.Sequencing)
}

// Validate checks values that cannot be checked by type alone.
func (c Config) Validate() error {
	if c.API.Timeout <= 0 {
		return errors.New("api timeout must be greater than zero")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.Server.DedupeTTL <= 0 {
		return errors.New("dedupe ttl must be greater than zero")
	}
	if c.Server.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
		*dst = d
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
		*dst = b
		return nil
	}

	str("BOARD_API_URL", &cfg.API.URL)
	str("BOARD_TOKEN", &cfg.API.Token)
	str("BOARD_SEQUENCING", &cfg.API.Sequencing)
	str("BOARD_USER", &cfg.API.User)
	str("REDIS_CONNECTION_STRING", &cfg.Redis)
	str("EVENTS_CHANNEL", &cfg.Events.Channel)
	str("EVENTS_QUEUE", &cfg.Events.Queue)
	str("STORAGE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	str("TABLE_NAME", &cfg.Storage.Table)
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("AUTH0_DOMAIN", &cfg.Auth.Domain)
	str("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	str("TEST_JWT_SECRET", &cfg.Auth.TestSecret)
	if v, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && v != "" {
		cfg.Server.ListenAddr = ":" + v
	}

	return errors.Join(
		dur("BOARD_TIMEOUT", &cfg.API.Timeout),
		dur("DEDUPER_TTL", &cfg.Server.DedupeTTL),
		dur("CACHE_TTL", &cfg.Server.CacheTTL),
		dur("JWKS_CACHE_TTL", &cfg.Auth.KeyCacheTTL),
		dur("PUBLISH_HANDOFF", &cfg.Server.PublishHandoff),
		integer("PUBLISH_WORKERS", &cfg.Server.PublishWorkers),
		integer("PUBLISH_BUFFER", &cfg.Server.PublishBuffer),
		boolean("BOARD_GZIP", &cfg.API.Gzip),
		boolean("DEBUG", &cfg.Debug),
	)
}

// RedisOptions parses a redis URL or an Azure style "host:port,password=..,ssl=true"
// connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(v, "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
