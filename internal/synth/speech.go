package synth

import (
	"math/rand/v2"
	"unicode/utf8"

	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/ring"
)

// FreqHistoryLen is the number of ticks kept by the frequency history.
const FreqHistoryLen = 128

// Speech keys an FMSynth one character at a time. Each character sounds for
// speech_synth_char_len ticks and then waits speech_synth_end_dur ticks;
// spaces are silent for speech_space_dur ticks. Before each character the
// speaker's parameter set is reloaded and perturbed with a generator seeded
// by the character, so a given text always sounds the same.
type Speech struct {
	consts constants.Source
	synth  *FMSynth

	text    string
	speaker string
	talking bool
	cur     int // byte offset of the current character

	charLen uint32
	endWait uint32
	t       uint32

	freqs *ring.Buffer
	pcg   *rand.PCG
	rng   *rand.Rand
}

// NewSpeech drives synth from the constants in consts.
func NewSpeech(consts constants.Source, synth *FMSynth) *Speech {
	pcg := rand.NewPCG(0, 0)
	return &Speech{
		consts: constants.OrEmpty(consts),
		synth:  synth,
		freqs:  ring.New(FreqHistoryLen),
		pcg:    pcg,
		rng:    rand.New(pcg),
	}
}

// Synth returns the driven oscillator.
func (s *Speech) Synth() *FMSynth { return s.synth }

// SetSpeaker selects the nested constants object holding the voice.
func (s *Speech) SetSpeaker(speaker string) { s.speaker = speaker }

func (s *Speech) Speaker() string { return s.speaker }

// Talk restarts at the first character of text. Empty text stops talking.
func (s *Speech) Talk(text string) {
	s.text = text
	s.cur = 0
	s.t = 0
	s.talking = text != ""
	if s.talking {
		s.nextChar(0)
	} else {
		s.charLen = 0
		s.endWait = 0
	}
}

func (s *Speech) IsTalking() bool { return s.talking }

// TryGetText returns the text being spoken.
func (s *Speech) TryGetText() (string, bool) {
	if s.talking && s.cur < len(s.text) {
		return s.text, true
	}
	return "", false
}

// FreqHistory copies the synth frequency seen by recent ticks into dst,
// oldest first.
func (s *Speech) FreqHistory(dst []float32) int { return s.freqs.CopyOrdered(dst) }

// Tick advances the character timer by one step. The deck ticks once per
// audio block.
func (s *Speech) Tick() {
	if s.consts.GetBool("speech_synth_from_config") {
		s.applySpeaker()
	}

	if s.talking {
		s.t++
		if s.t > s.charLen+s.endWait {
			_, size := utf8.DecodeRuneInString(s.text[s.cur:])
			if next := s.cur + size; next < len(s.text) {
				s.nextChar(next)
			} else {
				s.talking = false
				s.text = ""
				s.cur = 0
				s.t = 0
				s.charLen = 0
			}
		}
		s.synth.SetKeydown(s.t < s.charLen)
	} else {
		s.synth.SetKeydown(false)
	}
	s.freqs.Push(float32(s.synth.Freq()))
}

func (s *Speech) nextChar(pos int) {
	s.cur = pos
	c, _ := utf8.DecodeRuneInString(s.text[pos:])
	if c == ' ' {
		s.charLen = 0
		s.endWait = s.consts.GetUint("speech_space_dur")
	} else {
		if !s.consts.GetBool("speech_synth_from_config") {
			s.applySpeaker()
			s.mutate(c)
		}
		s.charLen = s.consts.GetUint("speech_synth_char_len")
		s.endWait = s.consts.GetUint("speech_synth_end_dur")
	}
	s.t = 0
}

func (s *Speech) applySpeaker() {
	sp := s.consts.GetObj(s.speaker)
	if sp == nil {
		return
	}
	cfg := s.synth.ConfigMut()
	cfg.Amp.Attack = sp.GetDouble("speech_synth_amp_a")
	cfg.Amp.Decay = sp.GetDouble("speech_synth_amp_d")
	cfg.Amp.Sustain = sp.GetDouble("speech_synth_amp_s")
	cfg.Amp.Release = sp.GetDouble("speech_synth_amp_r")
	cfg.AmpSmooth = sp.GetDouble("speech_synth_amp_smooth")
	cfg.Wave = ParseWave(sp.GetString("speech_synth_shape"))
	cfg.PulseWidth = 6.282 * sp.GetDouble("speech_synth_pulse_width")
	cfg.Freq = sp.GetDouble("speech_synth_freq")
	cfg.FreqSmooth = sp.GetDouble("speech_synth_freq_smooth")
	cfg.LowPassAlpha = sp.GetDouble("speech_synth_low_pass_alpha")
	cfg.Volume = constants.DoubleOr(sp, "speech_synth_volume", 1)
}

func (s *Speech) mutate(c rune) {
	sp := s.consts.GetObj(s.speaker)
	if sp == nil {
		return
	}
	s.pcg.Seed(uint64(c), 0)
	cfg := s.synth.ConfigMut()
	cfg.PulseWidth = 6.282 * float64(s.rng.IntN(100)) / 100
	cfg.Amp.Attack += float64(s.rng.IntN(1000)) - 500
	cfg.Freq += sp.GetDouble("speech_synth_freq_mod") * float64(s.rng.IntN(100)) / 100
}
