package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Kind classifies an error for callers that branch on the outcome rather
// than on a concrete error type.
type Kind int

const (
	// KindUnknown is any error this package does not classify.
	KindUnknown Kind = iota
	// KindNotFound means a query expected one row and got none.
	KindNotFound
	// KindTooManyRows means a query expected at most one row and got more.
	KindTooManyRows
	// KindUniqueViolation means the database rejected a duplicate key.
	KindUniqueViolation
	// KindUnfinishedResources means a transaction settled while a stream
	// or sub-transaction opened inside it was still open.
	KindUnfinishedResources
	// KindClosed means the transaction or pool was already settled or closed.
	KindClosed
	// KindQuery means a statement failed on the server.
	KindQuery
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindTooManyRows:
		return "TOO_MANY_ROWS"
	case KindUniqueViolation:
		return "UNIQUE_VIOLATION"
	case KindUnfinishedResources:
		return "UNFINISHED_RESOURCES"
	case KindClosed:
		return "CLOSED"
	case KindQuery:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// kinded is implemented by errors of this package that carry a Kind.
type kinded interface {
	Kind() Kind
}

// KindOf walks the error chain and returns the first Kind found.
// Database errors reporting a unique violation map to KindUniqueViolation.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	kind := KindUnknown
	var k kinded
	if errors.As(err, &k) {
		kind = k.Kind()
		if kind != KindUnknown && kind != KindQuery {
			return kind
		}
	}
	if IsUniqueViolation(err) {
		return KindUniqueViolation
	}
	return kind
}

const (
	// sqlStateUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
	sqlStateUniqueViolation = "23505"

	// SQLite extended result codes for SQLITE_CONSTRAINT_UNIQUE and
	// SQLITE_CONSTRAINT_PRIMARYKEY.
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

// IsUniqueViolation reports whether err, or any error it wraps, is a
// duplicate-key rejection from the database.
func IsUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && pgErr.SQLState() == sqlStateUniqueViolation {
		return true
	}

	var liteErr interface{ Code() int }
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

// report is the structured rendering of an error in debug mode. Empty
// values are left out.
type report map[string]interface{}

func newReport(code, typ, message string) report {
	return report{"code": code, "type": typ, "message": message}
}

func (r report) with(key string, value interface{}) report {
	switch v := value.(type) {
	case nil:
		return r
	case string:
		if v == "" {
			return r
		}
	case int:
		if v == 0 {
			return r
		}
	case []string:
		if len(v) == 0 {
			return r
		}
	case []interface{}:
		if len(v) == 0 {
			return r
		}
	case map[string]interface{}:
		if len(v) == 0 {
			return r
		}
	case time.Time:
		if v.IsZero() {
			return r
		}
		value = v.Format(time.RFC3339Nano)
	case error:
		value = map[string]interface{}{"message": v.Error()}
	}
	r[key] = value
	return r
}

func (r report) indented() string {
	b, _ := json.MarshalIndent(r, "", "  ")
	return string(b)
}

// brief is the one-line rendering: "CODE: message", plus the cause.
func brief(code, message string, cause error) string {
	if cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", code, message, cause)
	}
	return fmt.Sprintf("%s: %s", code, message)
}

// ConnectionError represents connection and pool failures.
type ConnectionError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error renders compact JSON so log pipelines can parse connection failures.
func (e *ConnectionError) Error() string {
	r := newReport(e.Code, e.Type, e.Message).with("details", e.Details).with("cause", e.Cause)
	b, _ := json.Marshal(r)
	return string(b)
}

// FormatError renders "CODE: message" or, in debug mode, indented JSON
// with stack trace and timestamp.
func (e *ConnectionError) FormatError(debugMode bool) string {
	if !debugMode {
		return brief(e.Code, e.Message, e.Cause)
	}
	return newReport(e.Code, e.Type, e.Message).
		with("details", e.Details).
		with("cause", e.Cause).
		with("stack_trace", e.StackTrace).
		with("timestamp", e.Timestamp).
		indented()
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) Kind() Kind {
	if e.Code == "E_POOL_CLOSED" {
		return KindClosed
	}
	return KindUnknown
}

// ErrPoolClosed is returned by checkouts from a closed pool.
func ErrPoolClosed() *ConnectionError {
	return &ConnectionError{
		Code:      "E_POOL_CLOSED",
		Type:      "CONNECTION_ERROR",
		Message:   "pool is closed",
		Timestamp: time.Now(),
	}
}

// StateError represents an illegal transaction state transition.
type StateError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	StackTrace []string               `json:"stack_trace,omitempty"`
}

func (e *StateError) Error() string { return e.FormatError(false) }

func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return brief(e.Code, e.Message, nil)
	}
	return newReport(e.Code, e.Type, e.Message).
		with("details", e.Details).
		with("stack_trace", e.StackTrace).
		indented()
}

// ErrIllegalTransition reports a rejected state change.
func ErrIllegalTransition(from, to TxState) error {
	return &StateError{
		Code:       "E_ILLEGAL_TRANSITION",
		Type:       "STATE_ERROR",
		Message:    fmt.Sprintf("illegal state transition: %s → %s", from, to),
		Details:    map[string]interface{}{"from": from.String(), "to": to.String()},
		StackTrace: captureStackTrace(),
	}
}

// QueryError represents a failed statement with its parameter context.
// In debug mode every database error is wrapped in a QueryError whose
// StackTrace points at the caller that issued the statement.
type QueryError struct {
	Code        string                 `json:"code"`
	Type        string                 `json:"type"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details"`
	Query       string                 `json:"query,omitempty"`
	Params      []interface{}          `json:"params,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	StackTrace  []string               `json:"stack_trace,omitempty"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`
	GoroutineID int                    `json:"goroutine_id,omitempty"`
}

func (e *QueryError) Error() string { return e.FormatError(false) }

// FormatError leaves the statement text out of the one-line form.
func (e *QueryError) FormatError(debugMode bool) string {
	if !debugMode {
		return brief(e.Code, e.Message, e.Cause)
	}
	return newReport(e.Code, e.Type, e.Message).
		with("query", e.Query).
		with("params", e.Params).
		with("details", e.Details).
		with("cause", e.Cause).
		with("stack_trace", e.StackTrace).
		with("timestamp", e.Timestamp).
		with("goroutine_id", e.GoroutineID).
		indented()
}

func (e *QueryError) Unwrap() error { return e.Cause }

func (e *QueryError) Kind() Kind { return KindQuery }

// newQueryError captures the call site of a statement before it runs.
// The cause is attached once the database reports a failure.
func newQueryError(q Query) *QueryError {
	return &QueryError{
		Code:        "E_QUERY_FAILED",
		Type:        "QUERY_ERROR",
		Message:     "query execution failed",
		Query:       q.Text,
		Params:      q.Values,
		StackTrace:  captureStackTrace(),
		GoroutineID: getGoroutineID(),
	}
}

func (e *QueryError) withCause(cause error) *QueryError {
	e.Cause = cause
	e.Message = cause.Error()
	e.Timestamp = time.Now()
	return e
}

// TransactionError represents transaction settlement and resource
// discipline failures.
type TransactionError struct {
	Code          string                 `json:"code"`
	Type          string                 `json:"type"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	State         string                 `json:"state,omitempty"`
	Cause         error                  `json:"cause,omitempty"`
	StackTrace    []string               `json:"stack_trace,omitempty"`
	Timestamp     time.Time              `json:"timestamp,omitempty"`
}

func (e *TransactionError) Error() string { return e.FormatError(false) }

func (e *TransactionError) FormatError(debugMode bool) string {
	if !debugMode {
		return brief(e.Code, fmt.Sprintf("%s [tx %s]", e.Message, e.TransactionID), e.Cause)
	}
	return newReport(e.Code, e.Type, e.Message).
		with("transaction_id", e.TransactionID).
		with("state", e.State).
		with("details", e.Details).
		with("cause", e.Cause).
		with("stack_trace", e.StackTrace).
		with("timestamp", e.Timestamp).
		indented()
}

func (e *TransactionError) Unwrap() error { return e.Cause }

func (e *TransactionError) Kind() Kind {
	switch e.Code {
	case "E_UNFINISHED_RESOURCES":
		return KindUnfinishedResources
	case "E_TX_CLOSED", "E_STREAM_CLOSED":
		return KindClosed
	default:
		return KindUnknown
	}
}

func txError(code, id, message string) *TransactionError {
	return &TransactionError{
		Code:          code,
		Type:          "TRANSACTION_ERROR",
		Message:       message,
		TransactionID: id,
		Timestamp:     time.Now(),
	}
}

// ErrUnfinishedResources is returned when a transaction settles while a
// stream or sub-transaction opened inside it is still open.
func ErrUnfinishedResources(id string, open int) *TransactionError {
	e := txError("E_UNFINISHED_RESOURCES", id,
		fmt.Sprintf("cannot commit transaction (or release savepoint) because there are %d unfinished resources", open))
	e.State = "settling"
	e.Details = map[string]interface{}{"open_resources": open}
	e.StackTrace = captureStackTrace()
	return e
}

// ErrTransactionClosed is returned for work issued on a settled transaction.
func ErrTransactionClosed(id string, operation string) *TransactionError {
	e := txError("E_TX_CLOSED", id, fmt.Sprintf("cannot %s: transaction is already settled", operation))
	e.State = "closed"
	e.Details = map[string]interface{}{"operation": operation}
	e.StackTrace = captureStackTrace()
	return e
}

// ErrStreamClosed is returned for writes to a closed or aborted stream.
func ErrStreamClosed(id string, stream string) *TransactionError {
	e := txError("E_STREAM_CLOSED", id, stream+" stream is closed")
	e.Details = map[string]interface{}{"stream": stream}
	return e
}

// errLockWait wraps a context error returned while waiting for a
// transaction lock.
func errLockWait(id string, operation string, waiting int, cause error) *TransactionError {
	e := txError("E_LOCK_WAIT", id, "gave up waiting for the connection to "+operation)
	e.Details = map[string]interface{}{"operation": operation, "waiting": waiting}
	e.Cause = cause
	return e
}

// ErrTransactionPanic wraps a panic raised inside a transaction callback.
func ErrTransactionPanic(id string, recovered interface{}) *TransactionError {
	e := txError("E_TX_PANIC", id, fmt.Sprintf("transaction callback panicked: %v", recovered))
	e.StackTrace = captureStackTrace()
	return e
}

// newSettleError wraps a failed BEGIN/COMMIT/ROLLBACK/SAVEPOINT statement.
func newSettleError(code, message, id string, cause error) *TransactionError {
	e := txError(code, id, message)
	e.Cause = cause
	return e
}

// RowCountError is returned by the single-row helpers when the number of
// rows differs from what the caller asked for.
type RowCountError struct {
	Expected string
	Actual   int
	Query    string
	Params   []interface{}
}

// Error implements the error interface.
func (e *RowCountError) Error() string {
	return fmt.Sprintf("E_ROW_COUNT: expected %s row, got %d", e.Expected, e.Actual)
}

// Kind implements kinded.
func (e *RowCountError) Kind() Kind {
	if e.Actual == 0 {
		return KindNotFound
	}
	return KindTooManyRows
}

// ColumnIndexError is returned when a projection asks for a column the
// result does not have.
type ColumnIndexError struct {
	Requested int
	Available int
}

// Error implements the error interface.
func (e *ColumnIndexError) Error() string {
	return fmt.Sprintf("E_COLUMN_INDEX: column index %d requested but the highest available index is %d", e.Requested, e.Available)
}

// captureStackTrace returns "function (file:line)" frames starting at the
// caller of the error constructor.
func captureStackTrace() []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)

	frames := runtime.CallersFrames(pcs[:n])
	trace := make([]string, 0, n)
	for {
		f, more := frames.Next()
		trace = append(trace, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		if !more {
			return trace
		}
	}
}

// getGoroutineID parses the id from the "goroutine N [status]:" header of
// the current stack. Debug use only.
func getGoroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int
	fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

// FormatError renders err with FormatError(debugMode) when it has one and
// with Error otherwise.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}
	if f, ok := err.(interface{ FormatError(bool) string }); ok {
		return f.FormatError(debugMode)
	}
	return err.Error()
}
