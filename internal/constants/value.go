// Package constants holds the tunable values read by the audio path: filter
// coefficients, compressor settings, speaker parameter sets. A Scope is
// immutable once built, so it can be shared with the audio thread without
// locking; Reader swaps whole scopes on reload.
package constants

import "math"

// Kind tags the variant stored in a Value.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return "none"
	}
}

// Value is one of bool, number, string or a nested Scope.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	obj  *Scope
}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Object(s *Scope) Value { return Value{kind: KindObject, obj: s} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsZero() bool { return v.kind == KindNone }

// AsBool returns the boolean and whether the value holds one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number and whether the value holds one.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string and whether the value holds one.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsObject returns the nested scope and whether the value holds one.
func (v Value) AsObject() (*Scope, bool) { return v.obj, v.kind == KindObject }

// Source is the read side shared by Scope and Reader. Missing keys, or keys
// holding a different kind, return the zero value.
type Source interface {
	Lookup(name string) (Value, bool)
	GetBool(name string) bool
	GetDouble(name string) float64
	GetInt(name string) int
	GetUint(name string) uint32
	GetString(name string) string
	GetObj(name string) *Scope
}

// Scope is an immutable set of named values. A nil *Scope is valid and empty.
type Scope struct {
	values map[string]Value
}

// NewScope copies values into a new scope.
func NewScope(values map[string]Value) *Scope {
	m := make(map[string]Value, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Scope{values: m}
}

// Lookup returns the raw value for name.
func (s *Scope) Lookup(name string) (Value, bool) {
	if s == nil {
		return Value{}, false
	}
	v, ok := s.values[name]
	return v, ok
}

// Len reports the number of keys.
func (s *Scope) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// Keys lists the keys in no particular order.
func (s *Scope) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

func (s *Scope) GetBool(name string) bool {
	v, _ := s.Lookup(name)
	b, _ := v.AsBool()
	return b
}

func (s *Scope) GetDouble(name string) float64 {
	v, _ := s.Lookup(name)
	n, _ := v.AsNumber()
	return n
}

// GetInt truncates toward zero.
func (s *Scope) GetInt(name string) int {
	n := s.GetDouble(name)
	if math.IsNaN(n) {
		return 0
	}
	return int(n)
}

// GetUint truncates toward zero; negative numbers read as 0.
func (s *Scope) GetUint(name string) uint32 {
	n := s.GetDouble(name)
	if math.IsNaN(n) || n <= 0 {
		return 0
	}
	if n >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func (s *Scope) GetString(name string) string {
	v, _ := s.Lookup(name)
	str, _ := v.AsString()
	return str
}

// GetObj returns the nested scope stored under name, or nil.
func (s *Scope) GetObj(name string) *Scope {
	v, _ := s.Lookup(name)
	obj, _ := v.AsObject()
	return obj
}

// DoubleOr returns the number under name, or def when the key is missing or
// not a number.
func DoubleOr(src Source, name string, def float64) float64 {
	v, _ := src.Lookup(name)
	if n, ok := v.AsNumber(); ok {
		return n
	}
	return def
}

// Empty has no keys.
var Empty Source = (*Scope)(nil)

// OrEmpty returns src, or Empty when src is nil.
func OrEmpty(src Source) Source {
	if src == nil {
		return Empty
	}
	return src
}
