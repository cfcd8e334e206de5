// Package annotation stores time-ranged caption text per sound source.
//
// Captions are written as
//
//	'<text>' (<start>, <end>)
//
// with several entries separated by ';'. Times are seconds with '.' as the
// decimal separator regardless of locale. Whitespace around each time is
// ignored, so "( 1.0 ,2.0 )" reads the same as "(1.0, 2.0)".
package annotation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed annotation")

// TimeRange is an open interval in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Contains reports whether Start < t < End.
func (r TimeRange) Contains(t float64) bool {
	return t > r.Start && t < r.End
}

func (r TimeRange) String() string {
	return "(" + formatFloat(r.Start) + ", " + formatFloat(r.End) + ")"
}

// ParseTimeRange parses "(<start>, <end>)". Text before the opening
// parenthesis and after the closing one is ignored, as is whitespace around
// either number.
func ParseTimeRange(s string) (TimeRange, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return TimeRange{}, fmt.Errorf("%w: missing '(' in %q", ErrMalformed, s)
	}
	rest := s[open+1:]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return TimeRange{}, fmt.Errorf("%w: missing ',' in %q", ErrMalformed, s)
	}
	closing := strings.IndexByte(rest[comma+1:], ')')
	if closing < 0 {
		return TimeRange{}, fmt.Errorf("%w: missing ')' in %q", ErrMalformed, s)
	}

	start, err := strconv.ParseFloat(strings.TrimSpace(rest[:comma]), 64)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: start: %v", ErrMalformed, err)
	}
	end, err := strconv.ParseFloat(strings.TrimSpace(rest[comma+1:comma+1+closing]), 64)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: end: %v", ErrMalformed, err)
	}
	return TimeRange{Start: start, End: end}, nil
}

// Annotation is one caption with the interval it covers.
type Annotation struct {
	Text  string
	Range TimeRange
}

// Parse reads "'<text>' (<start>, <end>)". The text runs from the first
// single quote to the next one and cannot contain a quote itself.
func Parse(s string) (Annotation, error) {
	first := strings.IndexByte(s, '\'')
	if first < 0 {
		return Annotation{}, fmt.Errorf("%w: missing opening quote in %q", ErrMalformed, s)
	}
	second := strings.IndexByte(s[first+1:], '\'')
	if second < 0 {
		return Annotation{}, fmt.Errorf("%w: missing closing quote in %q", ErrMalformed, s)
	}
	second += first + 1

	r, err := ParseTimeRange(s[second+1:])
	if err != nil {
		return Annotation{}, err
	}
	return Annotation{Text: s[first+1 : second], Range: r}, nil
}

// String formats the annotation so that Parse returns it unchanged.
func (a Annotation) String() string {
	return "'" + a.Text + "' " + a.Range.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Value is an optional caption attached to one recorded sample. The zero
// value means no caption.
type Value struct {
	Text  string
	Valid bool
}

// Some wraps text as a present value.
func Some(text string) Value { return Value{Text: text, Valid: true} }

// Get returns the text and whether it is present.
func (v Value) Get() (string, bool) { return v.Text, v.Valid }

func (v Value) String() string {
	if !v.Valid {
		return "<none>"
	}
	return v.Text
}
