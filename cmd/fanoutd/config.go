package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/fanout"
)

// config is the daemon configuration file. Engine settings sit at the top
// level, next to the daemon-only sections.
type config struct {
	Engine fanout.Config `yaml:",inline"`

	HTTP httpConfig `yaml:"http"`
	NATS natsConfig `yaml:"nats"`
	Log  logConfig  `yaml:"log"`
}

type httpConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	MaxPayloadSize    int64         `yaml:"maxPayloadSize"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

type natsConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`

	// Embedded runs an in-process NATS server, for single node setups.
	Embedded bool `yaml:"embedded"`

	// StoreDir holds JetStream data of the embedded server.
	StoreDir string `yaml:"storeDir"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() config {
	return config{
		Engine: fanout.DefaultConfig(),
		HTTP: httpConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			RequestTimeout:    10 * time.Second,
			MaxPayloadSize:    64 * 1024,
		},
		NATS: natsConfig{
			URL:      "nats://127.0.0.1:4222",
			Name:     "fanoutd",
			StoreDir: "data/nats",
		},
		Log: logConfig{Level: "info", Format: "json"},
	}
}

// loadConfig reads path over the defaults. An empty path uses defaults only.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	fanout.SetDefaults(&cfg.Engine)
	if err := cfg.Engine.Validate(); err != nil {
		return config{}, err
	}
	if cfg.HTTP.Addr == "" {
		return config{}, fmt.Errorf("%w: http.addr is required", fanout.ErrInvalidConfig)
	}
	if !cfg.NATS.Embedded && cfg.NATS.URL == "" {
		return config{}, fmt.Errorf("%w: nats.url is required unless nats.embedded is set", fanout.ErrInvalidConfig)
	}

	return cfg, nil
}
