package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValueConverter turns one kind of application value into something the
// driver can bind as a parameter.
type ValueConverter struct {
	Name    string
	Match   func(v interface{}) bool
	Convert func(v interface{}) (interface{}, error)
}

// Serializer applies a fixed set of converters to statement parameters.
// It is built once per client and never modified afterwards.
type Serializer struct {
	converters []ValueConverter
}

// NewSerializer validates and composes converters.
func NewSerializer(converters ...ValueConverter) (*Serializer, error) {
	for i, c := range converters {
		if c.Match == nil || c.Convert == nil {
			return nil, fmt.Errorf("value converter %d (%q): Match and Convert are required", i, c.Name)
		}
	}
	cs := make([]ValueConverter, len(converters))
	copy(cs, converters)
	return &Serializer{converters: cs}, nil
}

// Serialize converts each value with the single converter matching it.
// Values no converter matches pass through unchanged; a value matched by
// more than one converter is an error.
func (s *Serializer) Serialize(values []interface{}) ([]interface{}, error) {
	if s == nil || len(s.converters) == 0 || len(values) == 0 {
		return values, nil
	}

	out := make([]interface{}, len(values))
	for i, v := range values {
		var matched []ValueConverter
		for _, c := range s.converters {
			if c.Match(v) {
				matched = append(matched, c)
			}
		}

		switch len(matched) {
		case 0:
			out[i] = v
		case 1:
			converted, err := matched[0].Convert(v)
			if err != nil {
				return nil, fmt.Errorf("parameter $%d: converter %q: %w", i+1, matched[0].Name, err)
			}
			out[i] = converted
		default:
			names := make([]string, len(matched))
			for j, c := range matched {
				names[j] = c.Name
			}
			return nil, fmt.Errorf("parameter $%d (%T) matches more than one converter: %s",
				i+1, v, strings.Join(names, ", "))
		}
	}
	return out, nil
}

// SerializeQuery returns q with its values serialized.
func (s *Serializer) SerializeQuery(q Query) (Query, error) {
	values, err := s.Serialize(q.Values)
	if err != nil {
		return Query{}, err
	}
	return Query{Text: q.Text, Values: values}, nil
}

// UUIDConverter binds uuid.UUID values as their canonical string form.
func UUIDConverter() ValueConverter {
	return ValueConverter{
		Name: "uuid",
		Match: func(v interface{}) bool {
			switch v.(type) {
			case uuid.UUID, *uuid.UUID:
				return true
			}
			return false
		},
		Convert: func(v interface{}) (interface{}, error) {
			switch u := v.(type) {
			case uuid.UUID:
				return u.String(), nil
			case *uuid.UUID:
				if u == nil {
					return nil, nil
				}
				return u.String(), nil
			}
			return v, nil
		},
	}
}

// JSONConverter binds maps and slices of interface values as JSON text.
func JSONConverter() ValueConverter {
	return ValueConverter{
		Name: "json",
		Match: func(v interface{}) bool {
			switch v.(type) {
			case map[string]interface{}, []interface{}:
				return true
			}
			return false
		},
		Convert: func(v interface{}) (interface{}, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	}
}
