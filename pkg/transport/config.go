package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

type Config struct {
	Endpoint         string        `env:"TRACETAP_ENDPOINT,default=http://localhost:7777/events"`
	Codec            string        `env:"TRACETAP_CODEC,default=json"`
	BeaconTimeout    time.Duration `env:"TRACETAP_BEACON_TIMEOUT,default=5s"`
	KeepaliveTimeout time.Duration `env:"TRACETAP_KEEPALIVE_TIMEOUT,default=30s"`
	MaxInFlight      int           `env:"TRACETAP_MAX_IN_FLIGHT,default=4"`
}

// LoadConfig reads the client transport settings from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	return LoadConfigWith(ctx, envconfig.OsLookuper())
}

func LoadConfigWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, fmt.Errorf("load transport config: %w", err)
	}
	if cfg.Codec != CodecJSON && cfg.Codec != CodecCBOR {
		return Config{}, fmt.Errorf("TRACETAP_CODEC must be %q or %q, got %q", CodecJSON, CodecCBOR, cfg.Codec)
	}
	return cfg, nil
}

func (c *Config) defaults() {
	if c.Codec == "" {
		c.Codec = CodecJSON
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = 5 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
}
