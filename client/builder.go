package client

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Dialect holds the placeholder and identifier quoting rules of a database.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// Placeholder returns the parameter marker for the n-th value, 1-based.
	Placeholder(n int) string

	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string
}

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (postgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var (
	// DialectPostgres uses $n placeholders.
	DialectPostgres Dialect = postgresDialect{}
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = sqliteDialect{}
)

// ColumnMapper rewrites an application column name into a database one.
type ColumnMapper func(name string) string

// SnakeCase maps camelCase and PascalCase names to snake_case.
func SnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BuilderConfig is fixed when the Builder is created.
type BuilderConfig struct {
	ColumnMapper ColumnMapper
	Dialect      Dialect
}

// Builder turns table names and rows into parameterized statements.
// It holds no mutable state and is safe for concurrent use.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a Builder. A nil dialect means DialectPostgres.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Dialect == nil {
		cfg.Dialect = DialectPostgres
	}
	return &Builder{cfg: cfg}
}

// Dialect returns the builder's dialect.
func (b *Builder) Dialect() Dialect {
	return b.cfg.Dialect
}

// Table quotes a possibly schema-qualified table name.
func (b *Builder) Table(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = b.cfg.Dialect.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// Column maps and quotes a column name.
func (b *Builder) Column(name string) string {
	if b.cfg.ColumnMapper != nil {
		name = b.cfg.ColumnMapper(name)
	}
	return b.cfg.Dialect.QuoteIdent(name)
}

// MultiInsert builds one INSERT for all rows. The first row's columns, in
// order, define the column list; a later row missing a column inserts NULL.
// A non-empty suffix is appended, e.g. "ON CONFLICT DO NOTHING".
func (b *Builder) MultiInsert(table string, rows []Row, suffix string) (Query, error) {
	if len(rows) == 0 {
		return Query{}, fmt.Errorf("multi insert into %s: no rows", table)
	}

	columns := rows[0].Columns()
	if len(columns) == 0 {
		return Query{}, fmt.Errorf("multi insert into %s: first row has no columns", table)
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = b.Column(col)
	}

	var sb strings.Builder
	values := make([]interface{}, 0, len(rows)*len(columns))

	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.Table(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, col := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			v, _ := row.Get(col)
			values = append(values, v)
			sb.WriteString(b.cfg.Dialect.Placeholder(len(values)))
		}
		sb.WriteByte(')')
	}

	if suffix = strings.TrimSpace(suffix); suffix != "" {
		sb.WriteByte(' ')
		sb.WriteString(suffix)
	}

	return Query{Text: sb.String(), Values: values}, nil
}

// Insert builds a single-row INSERT.
func (b *Builder) Insert(table string, row Row) (Query, error) {
	return b.MultiInsert(table, []Row{row}, "")
}

// DeleteIn builds one DELETE matching keyColumn against every key.
func (b *Builder) DeleteIn(table, keyColumn string, keys []interface{}) (Query, error) {
	if len(keys) == 0 {
		return Query{}, fmt.Errorf("delete from %s: no keys", table)
	}
	if keyColumn == "" {
		keyColumn = "id"
	}

	placeholders := make([]string, len(keys))
	for i := range keys {
		placeholders[i] = b.cfg.Dialect.Placeholder(i + 1)
	}

	text := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		b.Table(table), b.Column(keyColumn), strings.Join(placeholders, ", "))

	values := make([]interface{}, len(keys))
	copy(values, keys)
	return Query{Text: text, Values: values}, nil
}
