package client

import (
	"fmt"
	"strings"
)

// Query is a statement text plus its ordered parameter values.
type Query struct {
	Text   string
	Values []interface{}
}

// NewQuery creates a Query from text and positional values.
func NewQuery(text string, values ...interface{}) Query {
	return Query{Text: text, Values: values}
}

// String returns the statement text.
func (q Query) String() string {
	return q.Text
}

// Result is the outcome of one statement.
// RowCount is the count reported by the server (rows returned or affected),
// which may differ from the number of rows a batch statement was built from.
type Result struct {
	Columns  []string
	Rows     []Row
	RowCount int64
}

// Row is an ordered mapping of column name to value.
// The zero value is an empty row ready to use.
type Row struct {
	keys   []string
	values map[string]interface{}
}

// NewRow builds a row from alternating column/value pairs.
// It panics if a column name is not a string or a value is missing.
func NewRow(pairs ...interface{}) Row {
	if len(pairs)%2 != 0 {
		panic("client.NewRow: odd number of arguments")
	}

	r := Row{}
	for i := 0; i < len(pairs); i += 2 {
		col, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("client.NewRow: column name at position %d is %T, not string", i, pairs[i]))
		}
		r.Set(col, pairs[i+1])
	}
	return r
}

// RowFromColumns builds a row from parallel column and value slices.
func RowFromColumns(columns []string, values []interface{}) Row {
	r := Row{
		keys:   make([]string, 0, len(columns)),
		values: make(map[string]interface{}, len(columns)),
	}
	for i, col := range columns {
		var v interface{}
		if i < len(values) {
			v = values[i]
		}
		r.Set(col, v)
	}
	return r
}

// Set assigns a value, appending the column if it is new.
func (r *Row) Set(column string, value interface{}) {
	if r.values == nil {
		r.values = make(map[string]interface{})
	}
	if _, exists := r.values[column]; !exists {
		r.keys = append(r.keys, column)
	}
	r.values[column] = value
}

// Get returns the value for column.
func (r Row) Get(column string) (interface{}, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Columns returns column names in order.
func (r Row) Columns() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Values returns the values in column order.
func (r Row) Values() []interface{} {
	out := make([]interface{}, len(r.keys))
	for i, k := range r.keys {
		out[i] = r.values[k]
	}
	return out
}

// Len returns the number of columns.
func (r Row) Len() int {
	return len(r.keys)
}

// Map returns an unordered copy of the row.
func (r Row) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.values[k]
	}
	return out
}

// String formats the row as col=value pairs.
func (r Row) String() string {
	parts := make([]string, len(r.keys))
	for i, k := range r.keys {
		parts[i] = fmt.Sprintf("%s=%v", k, r.values[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Rows is a server-side cursor over a query's result rows.
type Rows interface {
	// Next advances to the next row. It returns false at the end of the
	// result set or on error.
	Next() bool

	// Values returns the current row's values in column order.
	Values() ([]interface{}, error)

	// Columns returns the result column names.
	Columns() []string

	// Err returns the error, if any, encountered during iteration.
	Err() error

	// Close releases the cursor. It is safe to call more than once.
	Close() error
}

// statementKind classifies a statement by its leading keyword.
func statementKind(text string) string {
	trimmed := strings.TrimLeft(text, " \t\r\n(")
	end := strings.IndexAny(trimmed, " \t\r\n;(")
	if end < 0 {
		end = len(trimmed)
	}

	switch strings.ToUpper(trimmed[:end]) {
	case "SELECT", "WITH", "VALUES", "SHOW", "TABLE", "EXPLAIN", "PRAGMA":
		return "query"
	case "INSERT", "UPDATE", "DELETE", "MERGE", "COPY":
		return "mutation"
	case "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "START", "END":
		return "transaction"
	case "CREATE", "DROP", "ALTER", "TRUNCATE":
		return "schema"
	default:
		return "unknown"
	}
}

// ReturnsRows reports whether a statement yields a result set.
// Drivers without a unified query call use it to choose between their
// row-returning and exec paths.
func ReturnsRows(text string) bool {
	if statementKind(text) == "query" {
		return true
	}
	return strings.Contains(strings.ToUpper(text), "RETURNING")
}
