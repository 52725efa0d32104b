package client

import (
	"context"
	"sync"
	"time"
)

// LoggingHook writes one log line per statement: the statement itself
// before it runs at debug level, and its outcome afterwards.
type LoggingHook struct {
	logger     Logger
	statements bool
	rowCounts  bool
	durations  bool
}

// NewLoggingHook creates a logging hook. The flags select whether statement
// text, row counts and durations are included.
func NewLoggingHook(logger Logger, statements, rowCounts, durations bool) *LoggingHook {
	return &LoggingHook{logger: logger, statements: statements, rowCounts: rowCounts, durations: durations}
}

func (h *LoggingHook) Name() string { return "logging" }

func (h *LoggingHook) Before(_ context.Context, hc *HookContext) error {
	if !h.statements {
		return nil
	}
	h.logger.Debug("executing statement",
		String("statement", hc.Command),
		String("kind", hc.CommandType),
		String("transaction_id", hc.TransactionID),
		Int("depth", hc.Depth),
		String("trace_id", hc.TraceID))
	return nil
}

func (h *LoggingHook) After(_ context.Context, hc *HookContext) error {
	fields := []Field{String("kind", hc.CommandType), String("trace_id", hc.TraceID)}
	if h.durations {
		fields = append(fields, Duration("duration", hc.Duration))
	}

	switch {
	case hc.Error != nil:
		h.logger.Error("statement failed", append(fields, Error("error", hc.Error))...)
	case h.rowCounts && hc.Result != nil:
		h.logger.Debug("statement completed", append(fields, Int64("rows", hc.Result.RowCount))...)
	default:
		h.logger.Debug("statement completed", fields...)
	}
	return nil
}

// StatementStats are the totals a MetricsHook has seen.
type StatementStats struct {
	Commands     uint64
	Queries      uint64
	Mutations    uint64
	Transactions uint64
	Schema       uint64
	Errors       uint64
	Rows         int64
	Elapsed      time.Duration
}

// Average returns the mean statement duration.
func (s StatementStats) Average() time.Duration {
	if s.Commands == 0 {
		return 0
	}
	return s.Elapsed / time.Duration(s.Commands)
}

// MetricsHook counts statements by kind in process, for callers without a
// Prometheus registry.
type MetricsHook struct {
	mu    sync.Mutex
	stats StatementStats
}

// NewMetricsHook creates a metrics hook with zeroed counters.
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{}
}

func (h *MetricsHook) Name() string { return "metrics" }

func (h *MetricsHook) Before(context.Context, *HookContext) error { return nil }

func (h *MetricsHook) After(_ context.Context, hc *HookContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &h.stats
	s.Commands++
	s.Elapsed += hc.Duration
	switch hc.CommandType {
	case "query":
		s.Queries++
	case "mutation":
		s.Mutations++
	case "transaction":
		s.Transactions++
	case "schema":
		s.Schema++
	}

	if hc.Error != nil {
		s.Errors++
	} else if hc.Result != nil {
		s.Rows += hc.Result.RowCount
	}
	return nil
}

// Snapshot returns the current totals.
func (h *MetricsHook) Snapshot() StatementStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Reset zeroes every counter.
func (h *MetricsHook) Reset() {
	h.mu.Lock()
	h.stats = StatementStats{}
	h.mu.Unlock()
}

// ReadOnlyHook rejects every statement that is neither a read nor
// transaction control, before it reaches the connection.
type ReadOnlyHook struct{}

func NewReadOnlyHook() *ReadOnlyHook { return &ReadOnlyHook{} }

func (ReadOnlyHook) Name() string { return "read_only" }

func (ReadOnlyHook) Before(_ context.Context, hc *HookContext) error {
	if hc.CommandType == "query" || hc.CommandType == "transaction" {
		return nil
	}
	return &QueryError{
		Code:    "E_READ_ONLY",
		Type:    "QUERY_ERROR",
		Message: "statement rejected by read-only hook",
		Query:   hc.Command,
	}
}

func (ReadOnlyHook) After(context.Context, *HookContext) error { return nil }
