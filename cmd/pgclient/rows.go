package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cookielab/pgclient/client"
)

// maxLineSize bounds one input line.
const maxLineSize = 16 << 20

// scanLines calls fn for every non-blank line of r with its 1-based number.
func scanLines(r io.Reader, fn func(n int, line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(n, line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return scanner.Err()
}

// decodeRow parses one JSON object keeping its key order.
func decodeRow(line string) (client.Row, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return client.Row{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return client.Row{}, fmt.Errorf("expected a JSON object")
	}

	var row client.Row
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return client.Row{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return client.Row{}, fmt.Errorf("expected an object key")
		}

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return client.Row{}, fmt.Errorf("column %s: %w", key, err)
		}
		row.Set(key, normalizeNumber(value))
	}
	if _, err := dec.Token(); err != nil {
		return client.Row{}, err
	}
	if row.Len() == 0 {
		return client.Row{}, fmt.Errorf("row has no columns")
	}
	return row, nil
}

func normalizeNumber(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// parseKey reads a delete key: integers become int64, anything else is
// used as text.
func parseKey(line string) interface{} {
	if i, err := strconv.ParseInt(line, 10, 64); err == nil {
		return i
	}
	return line
}

// encodeRow writes row as one JSON object in column order.
func encodeRow(w io.Writer, row client.Row) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	values := row.Values()
	for i, col := range row.Columns() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return err
		}
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		val, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString("}\n")
	_, err := w.Write(buf.Bytes())
	return err
}
