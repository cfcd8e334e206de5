package protocol

import "time"

// StateCommand switches the transport: paused, playing or recording.
type StateCommand struct {
	State string `json:"state"`
}

// ActiveCommand selects a tape side.
type ActiveCommand struct {
	Index int `json:"index"`
}

// RateCommand sets the playing tape speed.
type RateCommand struct {
	Rate float64 `json:"rate"`
}

// SeekCommand moves the head to a fraction of the tape.
type SeekCommand struct {
	Position float64 `json:"position"`
}

// SoundCommand starts or stops a registered sound.
type SoundCommand struct {
	SoundID uint64 `json:"sound_id"`
}

// TalkCommand speaks text, optionally switching voice first. A positive
// Pitch scales the voice frequency; zero leaves it unchanged.
type TalkCommand struct {
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Pitch   float64 `json:"pitch,omitempty"`
}

// CaptionAdd registers captions for a sound source using the
// `'text' (start, end); ...` list format.
type CaptionAdd struct {
	SourceID uint64 `json:"source_id"`
	Captions string `json:"captions"`
}

// CaptionDelete drops every caption of a sound source.
type CaptionDelete struct {
	SourceID uint64 `json:"source_id"`
}

// StopAllCommand silences every playing sound. It has no fields.
type StopAllCommand struct{}

// Ack is the reply to any command sent with a reply subject.
type Ack struct {
	OK      bool   `json:"ok"`
	Added   int    `json:"added,omitempty"`
	Removed int    `json:"removed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status mirrors the deck snapshot.
type Status struct {
	State         string    `json:"state"`
	Active        int       `json:"active"`
	Position      float64   `json:"position"`
	HeadPos       float64   `json:"head_pos"`
	Velocity      float64   `json:"velocity"`
	PlaybackRate  float64   `json:"playback_rate"`
	Annotation    string    `json:"annotation,omitempty"`
	HasAnnotation bool      `json:"has_annotation"`
	Talking       bool      `json:"talking"`
	Pitch         float64   `json:"pitch"`
	Blocks        uint64    `json:"blocks"`
	Timestamp     time.Time `json:"timestamp"`
}

// AnnotationEvent is published when the current annotation changes.
type AnnotationEvent struct {
	Text      string    `json:"text,omitempty"`
	Valid     bool      `json:"valid"`
	Timestamp time.Time `json:"timestamp"`
}

// DeckAnnounce describes a deck joining the bus.
type DeckAnnounce struct {
	DeckID        string    `json:"deck_id"`
	Runtime       string    `json:"runtime,omitempty"`
	Backend       string    `json:"backend,omitempty"`
	SampleRate    int       `json:"sample_rate,omitempty"`
	RecordSeconds int       `json:"record_seconds,omitempty"`
	Sounds        []uint64  `json:"sounds,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeckHeartbeat carries the transport state of a live deck.
type DeckHeartbeat struct {
	DeckID    string    `json:"deck_id"`
	State     string    `json:"state"`
	Position  float64   `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectControlState  = "cassette.control.state"
	SubjectControlActive = "cassette.control.active"
	SubjectControlRate   = "cassette.control.rate"
	SubjectControlSeek   = "cassette.control.seek"
	SubjectCaptionAdd    = "cassette.caption.add"
	SubjectCaptionDelete = "cassette.caption.delete"
	SubjectSoundPlay     = "cassette.sound.play"
	SubjectSoundStop     = "cassette.sound.stop"
	SubjectSoundStopAll  = "cassette.sound.stop_all"
	SubjectSpeechTalk    = "speech.talk"
	SubjectQueryStatus   = "cassette.query.status"

	SubjectAnnotationCurrent = "cassette.annotation.current"

	SubjectDeckAnnounce = "cassette.deck.announce"
	// SubjectDeckHeartbeat is followed by ".<deck id>".
	SubjectDeckHeartbeat = "cassette.deck.heartbeat"

	// StreamAnnotations retains annotation changes when JetStream is
	// available.
	StreamAnnotations = "CASSETTE_ANNOTATIONS"
)
