package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MaxBatchSize is the largest number of items a collector sends in one
// statement. It is also the batch size used when none is configured.
const MaxBatchSize = 1000

// ClientOptions configures the client behavior.
type ClientOptions struct {
	// DebugMode wraps database errors in *QueryError with the call site
	// captured before the statement was issued, and logs every statement.
	// Default: false
	DebugMode bool

	// BatchSize is the number of items an insert or delete stream buffers
	// before sending one batched statement. Values <= 0 or above
	// MaxBatchSize are replaced with MaxBatchSize.
	// Default: 1000
	BatchSize int

	// QuerySuffix is appended to every batched insert, e.g.
	// "ON CONFLICT DO NOTHING".
	// Default: ""
	QuerySuffix string

	// KeyColumn is the column delete streams match keys against.
	// Default: "id"
	KeyColumn string

	// Dialect selects placeholder and quoting rules for built statements.
	// Default: DialectPostgres
	Dialect Dialect

	// ColumnMapper rewrites column names before they are quoted.
	// If nil, names are used as given.
	ColumnMapper ColumnMapper

	// Converters turn application values into database parameters.
	// They are composed into one Serializer when the client is created.
	Converters []ValueConverter

	// LockWaitWarning is how often a transaction waiting for its own open
	// resources to finish logs a warning.
	// Default: 5s
	LockWaitWarning time.Duration

	// Logger is the logger implementation to use.
	// If nil, a default logger is used.
	Logger Logger

	// LogLevel sets the minimum level of the default logger: debug, info,
	// warn or error. Ignored when Logger is set.
	// Default: "info"
	LogLevel string

	// Hooks run around every statement sent to the connection.
	Hooks []Hook

	// MetricsRegisterer receives the client's Prometheus collectors.
	// If nil, metrics are collected but not registered.
	MetricsRegisterer prometheus.Registerer

	// OnStateChange is called on every root transaction state transition.
	OnStateChange StateChangeHandler

	// PoolMinSize is the minimum number of idle connections ConnectionPool maintains.
	// Default: 1
	PoolMinSize int

	// PoolMaxSize is the maximum number of open connections in ConnectionPool.
	// Default: 4
	PoolMaxSize int

	// PoolIdleTimeout is the duration after which idle connections are closed.
	// Default: 30s
	PoolIdleTimeout time.Duration

	// HealthCheckInterval is how often to ping idle connections.
	// Default: 30s
	HealthCheckInterval time.Duration
}

// DefaultOptions returns ClientOptions with default values.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		DebugMode:           false,
		BatchSize:           MaxBatchSize,
		KeyColumn:           "id",
		Dialect:             DialectPostgres,
		LockWaitWarning:     5 * time.Second,
		LogLevel:            "info",
		PoolMinSize:         1,
		PoolMaxSize:         4,
		PoolIdleTimeout:     30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// normalize replaces unset or out-of-range values with defaults.
func (o ClientOptions) normalize() ClientOptions {
	def := DefaultOptions()

	o.BatchSize = effectiveBatchSize(o.BatchSize)
	if o.KeyColumn == "" {
		o.KeyColumn = def.KeyColumn
	}
	if o.Dialect == nil {
		o.Dialect = def.Dialect
	}
	if o.LockWaitWarning <= 0 {
		o.LockWaitWarning = def.LockWaitWarning
	}
	if o.LogLevel == "" {
		o.LogLevel = def.LogLevel
	}
	if o.PoolMinSize < 0 {
		o.PoolMinSize = def.PoolMinSize
	}
	if o.PoolMaxSize <= 0 {
		o.PoolMaxSize = def.PoolMaxSize
	}
	if o.PoolMinSize > o.PoolMaxSize {
		o.PoolMinSize = o.PoolMaxSize
	}
	if o.PoolIdleTimeout <= 0 {
		o.PoolIdleTimeout = def.PoolIdleTimeout
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = def.HealthCheckInterval
	}
	return o
}

// effectiveBatchSize applies the capacity policy: anything outside
// (0, MaxBatchSize] becomes MaxBatchSize.
func effectiveBatchSize(n int) int {
	if n <= 0 || n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}
