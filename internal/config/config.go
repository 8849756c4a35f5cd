package config

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port              string        `env:"TRACETAP_PORT,default=7777"`
	Dir               string        `env:"TRACETAP_DIR,default=.tracetap"`
	LogLevel          string        `env:"TRACETAP_LOG_LEVEL,default=info"`
	MaxLogSize        ByteSize      `env:"TRACETAP_MAX_LOG_SIZE,default=10MiB"`
	RetainRotated     int           `env:"TRACETAP_RETAIN_ROTATED,default=3"`
	CompressRotated   bool          `env:"TRACETAP_COMPRESS_ROTATED,default=false"`
	MaxFieldBytes     ByteSize      `env:"TRACETAP_MAX_FIELD_BYTES,default=256KiB"`
	MaxRequestBytes   ByteSize      `env:"TRACETAP_MAX_REQUEST_BYTES,default=5MiB"`
	ServerLogPath     string        `env:"TRACETAP_SERVER_LOG_PATH"`
	ServerLogPoll     time.Duration `env:"TRACETAP_SERVER_LOG_POLL,default=500ms"`
	MetricsInterval   time.Duration `env:"TRACETAP_METRICS_INTERVAL,default=15s"`
	HeartbeatInterval time.Duration `env:"TRACETAP_HEARTBEAT_INTERVAL,default=15s"`
	StreamBacklog     int           `env:"TRACETAP_STREAM_BACKLOG,default=500"`
	AllowedOrigin     string        `env:"TRACETAP_ALLOWED_ORIGIN,default=*"`
}

// ByteSize is a size in bytes that decodes human-readable values such as
// "10MiB" or "512 kB".
type ByteSize int64

func (b *ByteSize) EnvDecode(val string) error {
	n, err := humanize.ParseBytes(val)
	if err != nil {
		return fmt.Errorf("parse byte size %q: %w", val, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration through l instead of the process
// environment.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("TRACETAP_DIR must not be empty")
	}
	if c.MaxLogSize <= 0 {
		return fmt.Errorf("TRACETAP_MAX_LOG_SIZE must be positive")
	}
	if c.RetainRotated < 1 {
		return fmt.Errorf("TRACETAP_RETAIN_ROTATED must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("TRACETAP_HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "tracetap-collector %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  TRACETAP_PORT=7777")
	fmt.Fprintln(w, "  TRACETAP_DIR=.tracetap")
	fmt.Fprintln(w, "  TRACETAP_LOG_LEVEL=info")
	fmt.Fprintln(w, "  TRACETAP_MAX_LOG_SIZE=10MiB")
	fmt.Fprintln(w, "  TRACETAP_RETAIN_ROTATED=3")
	fmt.Fprintln(w, "  TRACETAP_COMPRESS_ROTATED=false")
	fmt.Fprintln(w, "  TRACETAP_MAX_FIELD_BYTES=256KiB")
	fmt.Fprintln(w, "  TRACETAP_MAX_REQUEST_BYTES=5MiB")
	fmt.Fprintln(w, "  TRACETAP_SERVER_LOG_PATH=")
	fmt.Fprintln(w, "  TRACETAP_SERVER_LOG_POLL=500ms")
	fmt.Fprintln(w, "  TRACETAP_METRICS_INTERVAL=15s")
	fmt.Fprintln(w, "  TRACETAP_HEARTBEAT_INTERVAL=15s")
	fmt.Fprintln(w, "  TRACETAP_STREAM_BACKLOG=500")
	fmt.Fprintln(w, "  TRACETAP_ALLOWED_ORIGIN=*")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
	fmt.Fprintln(w, "  --port string        overrides TRACETAP_PORT")
	fmt.Fprintln(w, "  --dir string         overrides TRACETAP_DIR")
	fmt.Fprintln(w, "  --server-log string  overrides TRACETAP_SERVER_LOG_PATH")
}
