// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the HMR client.
type Config struct {
	Client    ClientConfig    `toml:"client"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Inspector InspectorConfig `toml:"inspector"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ClientConfig holds connection and page settings.
type ClientConfig struct {
	Endpoint       string   `toml:"endpoint"` // Explicit websocket URL, overrides the origin-derived one
	Origin         string   `toml:"origin"`   // Dev server origin modules are fetched from
	Entry          string   `toml:"entry"`    // Entry module path
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

// RuntimeConfig holds module runtime settings.
type RuntimeConfig struct {
	FetchTimeout Duration `toml:"fetch_timeout"` // 0 = no timeout
}

// InspectorConfig holds MCP inspector settings.
type InspectorConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=errors, 1=connection, 2=messages, 3=modules
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler so configs can be printed as TOML.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Origin:         "http://localhost:8080",
			Entry:          "/index.js",
			ReconnectDelay: Duration(time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("hmr-client", flag.ContinueOnError)
	configPath := fs.String("config", "hmr.toml", "TOML configuration file")

	endpoint := fs.String("endpoint", "", "Websocket endpoint (default: derived from origin)")
	origin := fs.String("origin", "", "Dev server origin")
	entry := fs.String("entry", "", "Entry module path")
	reconnect := fs.Duration("reconnect-delay", 0, "Delay before reloading after a lost connection")

	fetchTimeout := fs.Duration("fetch-timeout", 0, "Module fetch timeout (0=none)")

	inspector := fs.Bool("mcp", false, "Serve the MCP inspector on stdio")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.loadTOML(*configPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	if *endpoint != "" {
		cfg.Client.Endpoint = *endpoint
	}
	if *origin != "" {
		cfg.Client.Origin = *origin
	}
	if *entry != "" {
		cfg.Client.Entry = *entry
	}
	if *reconnect != 0 {
		cfg.Client.ReconnectDelay = Duration(*reconnect)
	}
	if *fetchTimeout != 0 {
		cfg.Runtime.FetchTimeout = Duration(*fetchTimeout)
	}
	if *inspector {
		cfg.Inspector.Enabled = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HMR_ENDPOINT"); v != "" {
		c.Client.Endpoint = v
	}
	if v := os.Getenv("HMR_ORIGIN"); v != "" {
		c.Client.Origin = v
	}
	if v := os.Getenv("HMR_ENTRY"); v != "" {
		c.Client.Entry = v
	}
	if v := os.Getenv("HMR_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Client.ReconnectDelay = Duration(d)
		}
	}
	if v := os.Getenv("HMR_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runtime.FetchTimeout = Duration(d)
		}
	}
	if v := os.Getenv("HMR_MCP"); v != "" {
		c.Inspector.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HMR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HMR_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log prints a message if level is at or below the configured verbosity.
// Level 0 messages are always printed.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil || level > c.Logging.Verbosity {
		return
	}
	if level > 0 {
		format = "[v" + strconv.Itoa(level) + "] " + format
	}
	log.Printf(format, args...)
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
