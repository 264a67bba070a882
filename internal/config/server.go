package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the busgate server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	BindHost       string        `yaml:"bind_host"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	BusURL         string        `yaml:"bus_url"`
	FrameCodec     string        `yaml:"frame_codec"`
	ChannelParam   string        `yaml:"channel_param"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	ShowVersion    bool          `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 1337
	}
	if c.BindHost == "" {
		c.BindHost = "127.0.0.1"
	}
	if c.BusURL == "" {
		c.BusURL = "redis://127.0.0.1:6379/0"
	}
	if c.FrameCodec == "" {
		c.FrameCodec = "json"
	}
	if c.ChannelParam == "" {
		c.ChannelParam = "channel"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("BIND_HOST", ""); v != "" {
		c.BindHost = v
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("BUS_URL", ""); v != "" {
		c.BusURL = v
	}
	if v := GetEnv("FRAME_CODEC", ""); v != "" {
		c.FrameCodec = v
	}
	if v := GetEnv("CHANNEL_PARAM", ""); v != "" {
		c.ChannelParam = v
	}
	if v := GetEnv("IDLE_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.IdleTimeout = seconds(f)
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlags binds command line flags on fs using the current config values
// as defaults so main can call Parse afterwards.
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.ShowVersion, "version", c.ShowVersion, "print version and exit")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.BindHost, "bind-host", c.BindHost, "HTTP listen host")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the HTTP listen port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.BusURL, "bus-url", c.BusURL, "message bus URL (memory://, redis://host:6379/0, nats://host:4222)")
	fs.StringVar(&c.FrameCodec, "frame-codec", c.FrameCodec, "multi-part frame encoding on single-payload buses (json, cbor)")
	fs.StringVar(&c.ChannelParam, "channel-param", c.ChannelParam, "query parameter carrying the channel identifier")
	fs.Func("idle-timeout", "seconds to wait for the next frame before answering 504; 0 waits forever", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.IdleTimeout = seconds(f)
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight exchanges on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// ListenAddr returns the host:port the public listener binds to.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// MetricsOnMainPort reports whether /metrics is served by the public listener.
func (c *ServerConfig) MetricsOnMainPort() bool {
	if c.MetricsAddr == "" {
		return true
	}
	return c.MetricsAddr == fmt.Sprintf(":%d", c.Port) || c.MetricsAddr == c.ListenAddr()
}

// Validate reports configuration values the server cannot run with.
func (c *ServerConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.FrameCodec) {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("frame_codec: unknown codec %q", c.FrameCodec))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: %d out of range", c.Port))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle_timeout: must not be negative"))
	}
	if c.ChannelParam == "" {
		errs = append(errs, errors.New("channel_param: must not be empty"))
	}
	if c.BusURL == "" {
		errs = append(errs, errors.New("bus_url: must not be empty"))
	}
	return errors.Join(errs...)
}

// Load builds a ServerConfig from defaults, the YAML config file, the
// environment and args, each layer overriding the previous one. A missing
// config file is not an error.
func Load(name string, args []string) (ServerConfig, error) {
	var c ServerConfig
	c.SetDefaults()
	c.ApplyEnv()

	// First pass only locates the config file.
	probe := flag.NewFlagSet(name, flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	c.BindFlags(probe)
	_ = probe.Parse(args)

	if err := c.LoadFile(c.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("load config %s: %w", c.ConfigFile, err)
	}
	c.ApplyEnv()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
