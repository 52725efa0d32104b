// Package config loads pgclient settings from a TOML file and PGCLIENT_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cookielab/pgclient/client"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const envPrefix = "PGCLIENT_"

// Config is the file and environment configuration of a client.
type Config struct {
	// Driver selects the database driver: "postgres" or "sqlite".
	Driver string `toml:"driver"`
	// DSN is a PostgreSQL connection string or a SQLite file path.
	DSN string `toml:"dsn"`

	Debug           bool          `toml:"debug"`
	BatchSize       int           `toml:"batch-size"`
	QuerySuffix     string        `toml:"query-suffix"`
	KeyColumn       string        `toml:"key-column"`
	LockWaitWarning time.Duration `toml:"lock-wait-warning"`

	Pool PoolConfig `toml:"pool"`
	Log  LogConfig  `toml:"log"`
	TLS  TLSConfig  `toml:"tls"`

	// WarningMsgs collects problems that were corrected with defaults.
	WarningMsgs []string `toml:"-"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MinSize             int           `toml:"min-size"`
	MaxSize             int           `toml:"max-size"`
	IdleTimeout         time.Duration `toml:"idle-timeout"`
	HealthCheckInterval time.Duration `toml:"health-check-interval"`
}

// TLSConfig overrides the TLS settings of a PostgreSQL connection string.
type TLSConfig struct {
	CAFile             string `toml:"ca-file"`
	CertFile           string `toml:"cert-file"`
	KeyFile            string `toml:"key-file"`
	InsecureSkipVerify bool   `toml:"insecure-skip-verify"`
}

// LogConfig configures console and rotating file output.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max-size-mb"`
	MaxBackups int    `toml:"max-backups"`
	MaxAgeDays int    `toml:"max-age-days"`
	Compress   bool   `toml:"compress"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	opts := client.DefaultOptions()
	return &Config{
		Driver:          DriverPostgres,
		BatchSize:       opts.BatchSize,
		KeyColumn:       opts.KeyColumn,
		LockWaitWarning: opts.LockWaitWarning,
		Pool: PoolConfig{
			MinSize:             opts.PoolMinSize,
			MaxSize:             opts.PoolMaxSize,
			IdleTimeout:         opts.PoolIdleTimeout,
			HealthCheckInterval: opts.HealthCheckInterval,
		},
		Log: LogConfig{
			Level:      opts.LogLevel,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Load reads path, if not empty, over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	c := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			c.warn("config contains undefined items: %s", strings.Join(keys, ", "))
		}
	}

	c.applyEnv(lookup)
	if err := c.Adjust(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) warn(format string, args ...interface{}) {
	c.WarningMsgs = append(c.WarningMsgs, fmt.Sprintf(format, args...))
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			c.warn("ignoring %s%s=%q: not a number", envPrefix, name, v)
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			c.warn("ignoring %s%s=%q: not a duration", envPrefix, name, v)
			return
		}
		*dst = d
	}

	str("DRIVER", &c.Driver)
	str("DSN", &c.DSN)
	str("QUERY_SUFFIX", &c.QuerySuffix)
	str("KEY_COLUMN", &c.KeyColumn)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("TLS_CA_FILE", &c.TLS.CAFile)
	str("TLS_CERT_FILE", &c.TLS.CertFile)
	str("TLS_KEY_FILE", &c.TLS.KeyFile)
	num("BATCH_SIZE", &c.BatchSize)
	num("POOL_MIN_SIZE", &c.Pool.MinSize)
	num("POOL_MAX_SIZE", &c.Pool.MaxSize)
	dur("LOCK_WAIT_WARNING", &c.LockWaitWarning)

	if v, ok := lookup(envPrefix + "DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.warn("ignoring %sDEBUG=%q: not a boolean", envPrefix, v)
		} else {
			c.Debug = b
		}
	}
}

// Adjust validates the driver and replaces out-of-range numbers with
// defaults.
func (c *Config) Adjust() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = DriverPostgres
	case DriverPostgres, DriverSQLite:
	case "postgresql", "pg":
		c.Driver = DriverPostgres
	case "sqlite3":
		c.Driver = DriverSQLite
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}

	def := Default()
	if c.BatchSize <= 0 || c.BatchSize > client.MaxBatchSize {
		c.warn("batch-size %d out of range, using %d", c.BatchSize, def.BatchSize)
		c.BatchSize = def.BatchSize
	}
	if c.KeyColumn == "" {
		c.KeyColumn = def.KeyColumn
	}
	if c.LockWaitWarning <= 0 {
		c.LockWaitWarning = def.LockWaitWarning
	}
	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = def.Pool.MaxSize
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		c.Pool.MinSize = min(def.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Pool.IdleTimeout <= 0 {
		c.Pool.IdleTimeout = def.Pool.IdleTimeout
	}
	if c.Pool.HealthCheckInterval <= 0 {
		c.Pool.HealthCheckInterval = def.Pool.HealthCheckInterval
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls cert-file and key-file must be set together")
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if c.Log.MaxBackups < 0 {
		c.Log.MaxBackups = def.Log.MaxBackups
	}
	if c.Log.MaxAgeDays < 0 {
		c.Log.MaxAgeDays = def.Log.MaxAgeDays
	}
	return nil
}

// ClientOptions converts the configuration to client options. Logger,
// hooks and metrics are left for the caller.
func (c *Config) ClientOptions() client.ClientOptions {
	opts := client.DefaultOptions()
	opts.DebugMode = c.Debug
	opts.BatchSize = c.BatchSize
	opts.QuerySuffix = c.QuerySuffix
	opts.KeyColumn = c.KeyColumn
	opts.LockWaitWarning = c.LockWaitWarning
	opts.LogLevel = c.Log.Level
	opts.PoolMinSize = c.Pool.MinSize
	opts.PoolMaxSize = c.Pool.MaxSize
	opts.PoolIdleTimeout = c.Pool.IdleTimeout
	opts.HealthCheckInterval = c.Pool.HealthCheckInterval
	if c.Driver == DriverSQLite {
		opts.Dialect = client.DialectSQLite
	}
	return opts
}
