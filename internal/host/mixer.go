package host

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSound  = errors.New("unknown sound")
	ErrNoFreeChannel = errors.New("no free channel")
)

// Sound is a mono sample buffer registered with a Mixer.
type Sound struct {
	ID         uint64
	Samples    []float32
	SampleRate int
	Loop       bool
	Gain       float32
}

type voice struct {
	sound   *Sound
	pos     float64
	step    float64
	playing bool
}

// Mixer plays registered sounds on a fixed set of channels and reports their
// state through ChannelSource. Sounds must be added before the audio thread
// starts; Play, Stop and Mix belong to the audio thread.
type Mixer struct {
	sampleRate int
	sounds     map[uint64]*Sound
	voices     []voice
	infos      []ChannelInfo
}

// NewMixer allocates maxChannels voices mixing at sampleRate.
func NewMixer(sampleRate, maxChannels int) *Mixer {
	if maxChannels <= 0 {
		maxChannels = 1
	}
	return &Mixer{
		sampleRate: sampleRate,
		sounds:     make(map[uint64]*Sound),
		voices:     make([]voice, maxChannels),
		infos:      make([]ChannelInfo, maxChannels),
	}
}

// AddSound registers s. A zero Gain is treated as unity.
func (m *Mixer) AddSound(s Sound) error {
	if len(s.Samples) == 0 {
		return fmt.Errorf("sound %d: no samples", s.ID)
	}
	if s.SampleRate <= 0 {
		s.SampleRate = m.sampleRate
	}
	if s.Gain == 0 {
		s.Gain = 1
	}
	m.sounds[s.ID] = &s
	return nil
}

// HasSound reports whether id is registered.
func (m *Mixer) HasSound(id uint64) bool {
	_, ok := m.sounds[id]
	return ok
}

// Play starts id on the first idle channel and returns its index.
func (m *Mixer) Play(id uint64) (int, error) {
	s, ok := m.sounds[id]
	if !ok {
		return -1, ErrUnknownSound
	}
	for i := range m.voices {
		if m.voices[i].playing {
			continue
		}
		m.voices[i] = voice{
			sound:   s,
			step:    float64(s.SampleRate) / float64(m.sampleRate),
			playing: true,
		}
		return i, nil
	}
	return -1, ErrNoFreeChannel
}

// Stop halts every channel playing id and returns how many were stopped.
func (m *Mixer) Stop(id uint64) int {
	n := 0
	for i := range m.voices {
		v := &m.voices[i]
		if v.playing && v.sound.ID == id {
			v.playing = false
			n++
		}
	}
	return n
}

// StopAll halts every channel.
func (m *Mixer) StopAll() {
	for i := range m.voices {
		m.voices[i].playing = false
	}
}

// Mix adds the playing channels into dst, frames*channels interleaved
// samples. Mono sources are copied to every output channel.
func (m *Mixer) Mix(dst []float32, frames, channels int) {
	if channels <= 0 {
		return
	}
	if limit := len(dst) / channels; frames > limit {
		frames = limit
	}
	for i := range m.voices {
		v := &m.voices[i]
		if !v.playing {
			continue
		}
		samples := v.sound.Samples
		n := float64(len(samples))
		for f := 0; f < frames; f++ {
			if v.pos >= n {
				if !v.sound.Loop {
					v.playing = false
					break
				}
				v.pos -= n
			}
			x := interpolate(samples, v.pos, v.sound.Loop) * v.sound.Gain
			base := f * channels
			for c := 0; c < channels; c++ {
				dst[base+c] += x
			}
			v.pos += v.step
		}
	}
}

func interpolate(samples []float32, pos float64, loop bool) float32 {
	i := int(pos)
	frac := float32(pos - float64(i))
	a := samples[i]
	j := i + 1
	if j >= len(samples) {
		if !loop {
			return a
		}
		j = 0
	}
	return a + (samples[j]-a)*frac
}

// Channels reports every channel, idle ones included. The returned slice is
// reused by the next call.
func (m *Mixer) Channels() []ChannelInfo {
	for i := range m.voices {
		v := &m.voices[i]
		info := ChannelInfo{Playing: v.playing}
		if v.sound != nil {
			info.HasSound = true
			info.SoundID = v.sound.ID
			info.PositionMs = uint32(v.pos / float64(v.sound.SampleRate) * 1000)
		}
		m.infos[i] = info
	}
	return m.infos
}
