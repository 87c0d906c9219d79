package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the root configuration structure for the application
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GC          GCConfig          `mapstructure:"gc"`
	Log         LogConfig         `mapstructure:"log"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// GCConfig defines the parameters for the background active expiration
type GCConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`          // how often to run the background check
	SamplesPerCheck int           `mapstructure:"samples_per_check"` // how many keys to check per loop
	MatchThreshold  float64       `mapstructure:"match_threshold"`   // 0.0-1.0. if expired/scanned > threshold, repeat immediately
}

// ServerConfig holds the network settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LogConfig defines logging verbosity and output style
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// PersistenceConfig groups the durability settings
type PersistenceConfig struct {
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
}

// SnapshotConfig defines the periodic snapshot
type SnapshotConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Filename string        `mapstructure:"filename"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// flagKeys maps command line flag names to configuration keys
var flagKeys = map[string]string{
	"host":              "server.host",
	"port":              "server.port",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"snapshot":          "persistence.snapshot.enabled",
	"snapshot-file":     "persistence.snapshot.filename",
	"snapshot-interval": "persistence.snapshot.interval",
	"gc":                "gc.enabled",
	"metrics":           "metrics.enabled",
	"metrics-address":   "metrics.address",
}

// RegisterFlags declares the command line overrides on fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "address to listen on")
	fs.String("port", "", "port to listen on")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, console)")
	fs.Bool("snapshot", true, "enable periodic snapshots")
	fs.String("snapshot-file", "", "path of the snapshot file")
	fs.Duration("snapshot-interval", 0, "time between snapshot checks")
	fs.Bool("gc", true, "enable active expiration of keys")
	fs.Bool("metrics", false, "serve Prometheus metrics")
	fs.String("metrics-address", "", "address of the metrics endpoint")
}

// Load reads the configuration from a file in path and overrides it with .env files,
// environment variables and finally flags that were explicitly set. flags may be nil
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AddConfigPath(".")

	v.SetEnvPrefix("IRONCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindFlags binds only flags the user changed, so flag defaults never shadow file or env values
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid server.port %q", c.Server.Port)
	}

	if c.Persistence.Snapshot.Enabled {
		if c.Persistence.Snapshot.Filename == "" {
			return errors.New("persistence.snapshot.filename must not be empty")
		}
		if c.Persistence.Snapshot.Interval <= 0 {
			return fmt.Errorf("invalid persistence.snapshot.interval %s", c.Persistence.Snapshot.Interval)
		}
	}

	if c.GC.Enabled {
		if c.GC.Interval <= 0 {
			return fmt.Errorf("invalid gc.interval %s", c.GC.Interval)
		}
		if c.GC.SamplesPerCheck <= 0 {
			return fmt.Errorf("invalid gc.samples_per_check %d", c.GC.SamplesPerCheck)
		}
		if c.GC.MatchThreshold < 0 || c.GC.MatchThreshold > 1 {
			return fmt.Errorf("gc.match_threshold %v out of range [0, 1]", c.GC.MatchThreshold)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address must not be empty")
	}

	return nil
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	v.Unmarshal(&cfg) //nolint:errcheck
	return &cfg
}

// setDefaults populates viper with fallback values if they are not provided via file or ENV
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "6969")

	// GC
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", "100ms")
	v.SetDefault("gc.samples_per_check", 20)
	v.SetDefault("gc.match_threshold", 0.25)

	// Logger
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Persistence
	v.SetDefault("persistence.snapshot.enabled", true)
	v.SetDefault("persistence.snapshot.filename", "dump.db")
	v.SetDefault("persistence.snapshot.interval", "10s")

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9121")
}
