package annotation

import (
	"fmt"
	"strings"
	"sync"
)

// Store maps a sound source id to its captions in insertion order. Lookups
// take a shared lock and run on the audio thread; writers hold the exclusive
// lock only for the append.
type Store struct {
	mu      sync.RWMutex
	entries map[uint64][]Annotation
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[uint64][]Annotation)}
}

// AddAnnotation appends a to the list for id.
func (s *Store) AddAnnotation(id uint64, a Annotation) {
	s.mu.Lock()
	s.entries[id] = append(s.entries[id], a)
	s.mu.Unlock()
}

// GetAnnotation returns the first caption for id whose range strictly
// contains position (seconds).
func (s *Store) GetAnnotation(id uint64, position float64) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.entries[id] {
		if a.Range.Contains(position) {
			return Some(a.Text)
		}
	}
	return Value{}
}

// Annotations returns a copy of the captions registered for id.
func (s *Store) Annotations(id uint64) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Annotation(nil), s.entries[id]...)
}

// RemoveSource drops every caption for id and returns how many there were.
func (s *Store) RemoveSource(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries[id])
	delete(s.entries, id)
	return n
}

// ParseAddAnnotation parses a single entry and adds it.
func (s *Store) ParseAddAnnotation(id uint64, text string) error {
	a, err := Parse(text)
	if err != nil {
		return err
	}
	s.AddAnnotation(id, a)
	return nil
}

// ParseAddAnnotationList adds every ';'-separated entry in order and stops at
// the first one that fails. Entries added before the failure stay. It returns
// the number of entries added.
func (s *Store) ParseAddAnnotationList(id uint64, list string) (int, error) {
	parsed, err := ParseList(list)
	for _, a := range parsed {
		s.AddAnnotation(id, a)
	}
	return len(parsed), err
}

// ParseList parses ';'-separated entries up to the first failure and returns
// the ones before it. Every entry must parse, so an empty entry, such as the
// one after a trailing ';', is a failure.
func ParseList(list string) ([]Annotation, error) {
	var out []Annotation
	for i, entry := range strings.Split(list, ";") {
		a, err := Parse(entry)
		if err != nil {
			return out, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}
