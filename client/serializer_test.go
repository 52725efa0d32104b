package client

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestSerializerPassThrough(t *testing.T) {
	s, err := NewSerializer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	values := []interface{}{1, "a", nil}
	out, err := s.Serialize(values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 || out[0] != 1 || out[1] != "a" || out[2] != nil {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestSerializerBuiltins(t *testing.T) {
	s, err := NewSerializer(UUIDConverter(), JSONConverter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id := uuid.MustParse("6f1c1b9e-8d1e-4e0b-9a59-6d1b2b8f6a10")
	q, err := s.SerializeQuery(NewQuery("INSERT", id, map[string]interface{}{"a": 1}, []interface{}{"x"}, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Values[0] != "6f1c1b9e-8d1e-4e0b-9a59-6d1b2b8f6a10" {
		t.Errorf("expected uuid string, got %v", q.Values[0])
	}
	if q.Values[1] != `{"a":1}` {
		t.Errorf("expected JSON object, got %v", q.Values[1])
	}
	if q.Values[2] != `["x"]` {
		t.Errorf("expected JSON array, got %v", q.Values[2])
	}
	if q.Values[3] != 5 {
		t.Errorf("expected untouched int, got %v", q.Values[3])
	}
}

func TestSerializerAmbiguousMatch(t *testing.T) {
	anyString := ValueConverter{
		Name:    "any_string",
		Match:   func(v interface{}) bool { _, ok := v.(string); return ok },
		Convert: func(v interface{}) (interface{}, error) { return v, nil },
	}
	upper := ValueConverter{
		Name:    "upper",
		Match:   func(v interface{}) bool { _, ok := v.(string); return ok },
		Convert: func(v interface{}) (interface{}, error) { return strings.ToUpper(v.(string)), nil },
	}

	s, err := NewSerializer(anyString, upper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = s.Serialize([]interface{}{1, "a"})
	if err == nil {
		t.Fatal("expected error for a value matched by two converters")
	}
	if !strings.Contains(err.Error(), "any_string, upper") || !strings.Contains(err.Error(), "$2") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestSerializerConvertError(t *testing.T) {
	failure := errors.New("cannot convert")
	s, err := NewSerializer(ValueConverter{
		Name:    "failing",
		Match:   func(v interface{}) bool { return true },
		Convert: func(v interface{}) (interface{}, error) { return nil, failure },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Serialize([]interface{}{1}); !errors.Is(err, failure) {
		t.Errorf("expected wrapped converter error, got %v", err)
	}
}

func TestNewSerializerValidates(t *testing.T) {
	if _, err := NewSerializer(ValueConverter{Name: "incomplete"}); err == nil {
		t.Error("expected error for converter without Match and Convert")
	}
}
