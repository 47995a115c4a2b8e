// Package config loads the configuration of the hserve command.
//
// Values come from, in increasing priority: defaults, a YAML file, a .env
// file and HSERVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/ridge/hserve/serve"
	"gopkg.in/yaml.v3"
)

// Config is the hserve configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Metrics   Metrics   `yaml:"metrics"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

// Server configures the served listener
type Server struct {
	Hostname  string `yaml:"hostname"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"` // UNIX socket instead of TCP
	ReusePort bool   `yaml:"reuse_port"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`

	// ShutdownTimeout bounds the graceful shutdown after a signal
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// RateLimit configures the request rate limiter
type RateLimit struct {
	RPS   float64 `yaml:"rps"` // 0 disables the limiter
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Server: Server{
			Hostname:        serve.DefaultHostname,
			Port:            serve.DefaultPort,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: Metrics{
			Addr: "localhost:9090",
		},
	}
}

// Load reads the configuration. Missing files are skipped; either path may
// be empty.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		var err error
		dotenv, err = godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	lookup := func(name string) (string, bool) {
		if value, ok := os.LookupEnv(name); ok {
			return value, true
		}
		value, ok := dotenv[name]
		return value, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, target *string) {
		if value, ok := lookup(name); ok {
			*target = value
		}
	}
	parse := func(name string, set func(string) error) error {
		value, ok := lookup(name)
		if !ok {
			return nil
		}
		if err := set(value); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, value, err)
		}
		return nil
	}

	str("HSERVE_HOSTNAME", &c.Server.Hostname)
	str("HSERVE_PATH", &c.Server.Path)
	str("HSERVE_CERT_FILE", &c.Server.CertFile)
	str("HSERVE_KEY_FILE", &c.Server.KeyFile)
	str("HSERVE_METRICS_ADDR", &c.Metrics.Addr)

	return errors.Join(
		parse("HSERVE_PORT", func(s string) (err error) {
			c.Server.Port, err = strconv.Atoi(s)
			return err
		}),
		parse("HSERVE_REUSE_PORT", func(s string) (err error) {
			c.Server.ReusePort, err = strconv.ParseBool(s)
			return err
		}),
		parse("HSERVE_SHUTDOWN_TIMEOUT", func(s string) (err error) {
			c.Server.ShutdownTimeout, err = time.ParseDuration(s)
			return err
		}),
		parse("HSERVE_RATE_RPS", func(s string) (err error) {
			c.RateLimit.RPS, err = strconv.ParseFloat(s, 64)
			return err
		}),
		parse("HSERVE_RATE_BURST", func(s string) (err error) {
			c.RateLimit.Burst, err = strconv.Atoi(s)
			return err
		}),
	)
}

// Validate checks the values that serve.Options does not check itself
func (c Config) Validate() error {
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("both cert_file and key_file must be set to enable HTTPS")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown_timeout %s", c.Server.ShutdownTimeout)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("negative rate_limit.rps %v", c.RateLimit.RPS)
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		return errors.New("rate_limit.burst must be positive when the rate limit is enabled")
	}
	return nil
}

// ServeOptions returns the listener part of serve.Options, with the
// certificate and key read from their files
func (c Config) ServeOptions() (serve.Options, error) {
	opts := serve.Options{
		Hostname:  c.Server.Hostname,
		Port:      c.Server.Port,
		Path:      c.Server.Path,
		ReusePort: c.Server.ReusePort,
	}
	if c.Server.CertFile != "" {
		var err error
		if opts.Cert, err = os.ReadFile(c.Server.CertFile); err != nil {
			return serve.Options{}, err
		}
		if opts.Key, err = os.ReadFile(c.Server.KeyFile); err != nil {
			return serve.Options{}, err
		}
	}
	return opts, nil
}
