// Package host abstracts the audio engine that drives the cassette: something
// that owns a device (or a clock) and calls a block callback at a fixed
// cadence. Device-backed engines live in subpackages so this package and its
// tests build without cgo.
package host

import (
	"errors"
	"sync"
)

// BlockCallback processes one block. in and out hold frames*channels
// interleaved samples. The callback fills out before returning and must not
// block.
type BlockCallback func(in, out []float32, frames, channels int)

// Node is a registered processing node.
type Node interface {
	// Start begins invoking the callback.
	Start() error
	// Close stops the callback and releases the node.
	Close() error
}

// Engine creates processing nodes. Implementations support a single node at
// a time and return ErrNodeExists for a second one.
type Engine interface {
	CreateProcessingNode(cb BlockCallback) (Node, error)
	SampleRate() int
	Channels() int
}

var (
	ErrNodeExists  = errors.New("processing node already registered")
	ErrNilCallback = errors.New("nil block callback")
	ErrClosed      = errors.New("engine closed")
)

// ChannelInfo describes one live playback channel.
type ChannelInfo struct {
	Playing    bool
	SoundID    uint64
	HasSound   bool
	PositionMs uint32
}

// ChannelSource enumerates live channels. It is called from the audio thread
// and must not allocate.
type ChannelSource interface {
	Channels() []ChannelInfo
}

// Slot is the bookkeeping shared by engines: at most one node, created once.
type Slot struct {
	mu   sync.Mutex
	node Node
}

// Claim reserves the slot for n.
func (s *Slot) Claim(n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node != nil {
		return ErrNodeExists
	}
	s.node = n
	return nil
}

// Release frees the slot if it still holds n.
func (s *Slot) Release(n Node) {
	s.mu.Lock()
	if s.node == n {
		s.node = nil
	}
	s.mu.Unlock()
}
