package testutil

import (
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cookielab/pgclient/client"
)

// Option is a function that modifies factory behavior.
type Option func(map[string]interface{})

// RowFactory builds client.Row values from defaults. Default values that
// are functions are called once per row, so sequences stay unique.
//
// Columns are emitted in the order given to NewRowFactory.
type RowFactory struct {
	columns  []string
	defaults map[string]interface{}
}

// NewRowFactory creates a factory. Columns not listed in order but present
// in defaults are appended in name order.
func NewRowFactory(order []string, defaults map[string]interface{}) *RowFactory {
	columns := append([]string{}, order...)
	seen := make(map[string]bool, len(order))
	for _, c := range order {
		seen[c] = true
	}
	var rest []string
	for c := range defaults {
		if !seen[c] {
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)

	return &RowFactory{columns: append(columns, rest...), defaults: defaults}
}

// Build creates a single row with optional overrides.
func (f *RowFactory) Build(options ...Option) client.Row {
	data := make(map[string]interface{}, len(f.defaults))
	for k, v := range f.defaults {
		data[k] = v
	}
	for _, opt := range options {
		opt(data)
	}

	row := client.Row{}
	for _, c := range f.columns {
		v, ok := data[c]
		if !ok {
			continue
		}
		row.Set(c, resolve(v))
	}
	return row
}

// BuildList creates count rows.
func (f *RowFactory) BuildList(count int, options ...Option) []client.Row {
	rows := make([]client.Row, count)
	for i := range rows {
		rows[i] = f.Build(options...)
	}
	return rows
}

func resolve(v interface{}) interface{} {
	switch fn := v.(type) {
	case func() int64:
		return fn()
	case func() string:
		return fn()
	case func() time.Time:
		return fn()
	case func() int:
		return fn()
	default:
		return v
	}
}

// WithField sets a specific field value.
func WithField(name string, value interface{}) Option {
	return func(data map[string]interface{}) {
		data[name] = value
	}
}

// WithFields sets multiple field values.
func WithFields(fields map[string]interface{}) Option {
	return func(data map[string]interface{}) {
		for k, v := range fields {
			data[k] = v
		}
	}
}

var (
	emailSequence uint64
	idSequence    uint64
)

// SequenceEmail generates unique email addresses.
func SequenceEmail() string {
	n := atomic.AddUint64(&emailSequence, 1)
	return fmt.Sprintf("user%d@example.com", n)
}

// SequenceID generates unique IDs.
func SequenceID() int64 {
	return int64(atomic.AddUint64(&idSequence, 1))
}

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomString generates a random string of the specified length.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}

// NewUserFactory creates a factory for rows of a users table with
// columns id, email, name.
func NewUserFactory() *RowFactory {
	return NewRowFactory(
		[]string{"id", "email", "name"},
		map[string]interface{}{
			"id":    SequenceID,
			"email": SequenceEmail,
			"name":  func() string { return "Test User " + RandomString(5) },
		},
	)
}

// NumberedRows builds rows {id: i, name: "row-i"} for i in 1..n.
func NumberedRows(n int) []client.Row {
	rows := make([]client.Row, n)
	for i := range rows {
		rows[i] = client.NewRow("id", int64(i+1), "name", fmt.Sprintf("row-%d", i+1))
	}
	return rows
}
