// Package config loads the vcdb command configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/codec"
)

// Config describes one database and how the command serves it.
type Config struct {
	Engine     string            `yaml:"engine" env:"VCDB_ENGINE"`
	Connection string            `yaml:"connection" env:"VCDB_CONNECTION"`
	Growth     int               `yaml:"growth" env:"VCDB_GROWTH"`
	Listen     string            `yaml:"listen" env:"VCDB_LISTEN"`
	Log        LogConfig         `yaml:"log"`
	Datastores []DatastoreConfig `yaml:"datastores"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"VCDB_LOG_LEVEL"`
	Format string `yaml:"format" env:"VCDB_LOG_FORMAT"`
}

// DatastoreConfig declares a datastore of field records keyed by Key.
type DatastoreConfig struct {
	Name    string        `yaml:"name"`
	Key     string        `yaml:"key"`
	Size    int           `yaml:"size"`
	Codec   string        `yaml:"codec"`
	Indexes []IndexConfig `yaml:"indexes"`
}

// IndexConfig declares a unique index on one field.
type IndexConfig struct {
	Name  string `yaml:"name"`
	Field string `yaml:"field"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine:     "memory",
		Connection: "vcdb",
		Growth:     vcdb.DefaultGrowth,
		Listen:     ":8080",
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("VCDB_ENGINE"); v != "" {
		c.Engine = v
	}
	if v := os.Getenv("VCDB_CONNECTION"); v != "" {
		c.Connection = v
	}
	if v := os.Getenv("VCDB_GROWTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: VCDB_GROWTH: %w", err)
		}
		c.Growth = n
	}
	if v := os.Getenv("VCDB_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("VCDB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VCDB_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("config: engine is required")
	}
	if c.Growth <= 0 {
		return fmt.Errorf("config: growth must be positive, got %d", c.Growth)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}

	names := make(map[string]bool)
	for _, ds := range c.Datastores {
		if ds.Name == "" || ds.Key == "" {
			return fmt.Errorf("config: datastore needs a name and a key field")
		}
		if names[ds.Name] {
			return fmt.Errorf("config: duplicate name %q", ds.Name)
		}
		names[ds.Name] = true
		if ds.Size < 0 {
			return fmt.Errorf("config: datastore %s: negative size", ds.Name)
		}
		if _, err := codec.Lookup(ds.Codec); err != nil {
			return fmt.Errorf("config: datastore %s: %w", ds.Name, err)
		}
		for _, idx := range ds.Indexes {
			if idx.Name == "" || idx.Field == "" {
				return fmt.Errorf("config: datastore %s: index needs a name and a field", ds.Name)
			}
			if names[idx.Name] {
				return fmt.Errorf("config: duplicate name %q", idx.Name)
			}
			names[idx.Name] = true
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

// Logger builds the logger described by c.Log writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Write saves c as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
