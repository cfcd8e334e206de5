package constants

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromMap builds a scope from decoded document values. Nested maps become
// object values. Numbers of any Go numeric type are stored as float64.
func FromMap(m map[string]any) (*Scope, error) {
	values := make(map[string]Value, len(m))
	for key, raw := range m {
		v, ok, err := convert(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		if ok {
			values[key] = v
		}
	}
	return &Scope{values: values}, nil
}

// MustFromMap is FromMap for literals known to be valid.
func MustFromMap(m map[string]any) *Scope {
	s, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return s
}

func convert(raw any) (Value, bool, error) {
	switch v := raw.(type) {
	case nil:
		return Value{}, false, nil
	case Value:
		return v, true, nil
	case bool:
		return Bool(v), true, nil
	case string:
		return String(v), true, nil
	case float64:
		return Number(v), true, nil
	case float32:
		return Number(float64(v)), true, nil
	case int:
		return Number(float64(v)), true, nil
	case int64:
		return Number(float64(v)), true, nil
	case uint64:
		return Number(float64(v)), true, nil
	case uint32:
		return Number(float64(v)), true, nil
	case map[string]any:
		nested, err := FromMap(v)
		if err != nil {
			return Value{}, false, err
		}
		return Object(nested), true, nil
	case *Scope:
		return Object(v), true, nil
	default:
		return Value{}, false, fmt.Errorf("unsupported value type %T", raw)
	}
}

// ParseYAML decodes a YAML mapping document.
func ParseYAML(data []byte) (*Scope, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return FromMap(doc)
}

// ParseLines reads the flat "key value" format: one pair per line, split at
// the first space. true/false (any case) become booleans, anything strconv
// accepts as a float becomes a number, the rest is kept as a string. Blank
// lines, lines without a value and lines starting with '#' are skipped.
func ParseLines(data []byte) *Scope {
	values := make(map[string]Value)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, raw, ok := strings.Cut(line, " ")
		if !ok || key == "" {
			continue
		}
		values[key] = ParseValue(raw)
	}
	return &Scope{values: values}
}

// ParseValue classifies a single textual value.
func ParseValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(trimmed, "true"):
		return Bool(true)
	case strings.EqualFold(trimmed, "false"):
		return Bool(false)
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return Number(n)
	}
	return String(raw)
}

// Parse picks the format from the file name: .yaml and .yml are YAML,
// everything else is the line format.
func Parse(name string, data []byte) (*Scope, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseLines(data), nil
	}
}
