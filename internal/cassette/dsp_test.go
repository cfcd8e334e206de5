package cassette

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/host"
)

type fakeChannels struct {
	infos []host.ChannelInfo
}

func (f *fakeChannels) Channels() []host.ChannelInfo { return f.infos }

type fakeText struct {
	text string
}

func (f fakeText) TryGetText() (string, bool) { return f.text, f.text != "" }

// quiet disables dither and slows the head so velocity set by a test holds.
func quiet() *constants.Scope {
	return constants.MustFromMap(map[string]any{
		"cassette_record_noise":           0.0,
		"cassette_playback_volume":        1.0,
		"cassette_control_weight_divisor": 1e12,
	})
}

func record(d *DSP, samples []float32) {
	out := make([]float32, len(samples))
	d.Callback(samples, out, len(samples), 1)
}

func TestSetActiveClamps(t *testing.T) {
	d := NewDSP(Options{BufferSize: 8, BufferCount: 2}, nil, nil, nil)
	d.SetActive(5)
	if d.GetActive() != 1 {
		t.Fatalf("SetActive(5) = %d, want 1", d.GetActive())
	}
	d.SetActive(-3)
	if d.GetActive() != 0 {
		t.Fatalf("SetActive(-3) = %d, want 0", d.GetActive())
	}
}

func TestSetPlaybackRateClamps(t *testing.T) {
	d := NewDSP(Options{BufferSize: 8}, nil, nil, nil)
	d.SetPlaybackRate(-1)
	if d.PlaybackRate() != 0 {
		t.Fatalf("rate = %v, want 0", d.PlaybackRate())
	}
	d.SetPlaybackRate(1.5)
	if d.PlaybackRate() != 1.5 {
		t.Fatalf("rate = %v, want 1.5", d.PlaybackRate())
	}
}

func TestRecordThenPlayBack(t *testing.T) {
	d := NewDSP(Options{BufferSize: 8, BlockSize: 8}, quiet(), nil, nil)
	d.SetState(StateRecording)

	input := []float32{0, 0.125, 0.25, 0.375, 0.5, 0.625, 0.75, 0.875}
	out := make([]float32, 8)
	d.Callback(input, out, 8, 1)
	for i := range input {
		if out[i] != input[i] {
			t.Fatalf("recording should pass input through: out=%v", out)
		}
	}
	if d.GetActivePosition() != 0 {
		t.Fatalf("a full lap should wrap the cursor, got %v", d.GetActivePosition())
	}

	d.SetState(StatePlaying)
	d.Control().SetVel(1)
	silence := make([]float32, 8)
	d.Callback(silence, out, 8, 1)
	for i := range input {
		if out[i] != input[i] {
			t.Fatalf("playback = %v, want %v", out, input)
		}
	}
}

func TestCallbackMonoMixAndClamp(t *testing.T) {
	d := NewDSP(Options{BufferSize: 4, BlockSize: 4}, quiet(), nil, nil)
	d.SetState(StateRecording)
	out := make([]float32, 4)
	d.Callback([]float32{0.2, 0.4, 0.9, 0.9}, out, 2, 2)

	buf := d.buffers[0]
	if got := buf.ReadPos(0); got < 0.2999 || got > 0.3001 {
		t.Fatalf("recorded mono sample = %v, want 0.3", got)
	}

	d.SetState(StatePaused)
	d.Control().SetPos(0)
	d.Control().SetVel(0)
	in := []float32{0.9, -0.9}
	d.Callback(in, out[:2], 1, 2)
	// playback of slot 0 (0.3) is added to both channels
	if out[0] != 1 {
		t.Fatalf("out[0] = %v, want clamp to 1", out[0])
	}
	if got := out[1]; got < -0.6001 || got > -0.5999 {
		t.Fatalf("out[1] = %v, want -0.6", got)
	}
}

func TestDitherIsSeeded(t *testing.T) {
	consts := constants.MustFromMap(map[string]any{"cassette_record_noise": 0.5})
	run := func(seed uint64) float32 {
		d := NewDSP(Options{BufferSize: 4, Seed: seed}, consts, nil, nil)
		d.SetState(StateRecording)
		record(d, []float32{0, 0})
		return d.buffers[0].ReadPos(1)
	}
	a, b := run(7), run(7)
	if a != b {
		t.Fatalf("same seed gave %v and %v", a, b)
	}
	if a < -0.5 || a > 0.5 {
		t.Fatalf("dither %v outside amplitude", a)
	}
}

func TestAnnotationFromLiveChannelIsRecorded(t *testing.T) {
	store := annotation.NewStore()
	if _, err := store.ParseAddAnnotationList(7, "'beep' (0.0, 1.0)"); err != nil {
		t.Fatalf("ParseAddAnnotationList: %v", err)
	}
	channels := &fakeChannels{infos: []host.ChannelInfo{
		{Playing: false, HasSound: true, SoundID: 3, PositionMs: 500},
		{Playing: true, HasSound: true, SoundID: 7, PositionMs: 500},
	}}
	d := NewDSP(Options{BufferSize: 16}, quiet(), store, channels)
	d.SetState(StateRecording)
	record(d, make([]float32, 4))

	if got, _ := d.CurrentAnnotation().Get(); got != "beep" {
		t.Fatalf("current annotation = %q, want beep", got)
	}

	// Replay from the start at full speed: the caption now comes off the tape.
	channels.infos = nil
	d.SetState(StatePlaying)
	d.Seek(0)
	d.Control().SetVel(1)
	record(d, make([]float32, 2))
	if got, _ := d.CurrentAnnotation().Get(); got != "beep" {
		t.Fatalf("tape annotation = %q, want beep", got)
	}
}

func TestAnnotationOutsideRangeFallsBackToText(t *testing.T) {
	store := annotation.NewStore()
	store.AddAnnotation(7, annotation.Annotation{Text: "beep", Range: annotation.TimeRange{Start: 0, End: 1}})
	channels := &fakeChannels{infos: []host.ChannelInfo{{Playing: true, HasSound: true, SoundID: 7, PositionMs: 1500}}}

	d := NewDSP(Options{BufferSize: 16}, quiet(), store, channels)
	record(d, make([]float32, 2))
	if d.CurrentAnnotation().Valid {
		t.Fatalf("expected no annotation at 1.5s, got %v", d.CurrentAnnotation())
	}

	d.SetTextSource(fakeText{text: "hello there"})
	record(d, make([]float32, 2))
	if got, _ := d.CurrentAnnotation().Get(); got != "hello there" {
		t.Fatalf("fallback annotation = %q", got)
	}
}

func TestGetWaveform(t *testing.T) {
	d := NewDSP(Options{BufferSize: 5}, quiet(), nil, nil)
	d.SetState(StateRecording)
	record(d, []float32{0, 0.25, 0.5, 0.75, 1})

	tests := []struct {
		pos  float64
		want float32
	}{
		{-0.1, 0},
		{1.1, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{0.125, 0.125},
	}
	for _, tt := range tests {
		if got := d.GetWaveform(tt.pos); got != tt.want {
			t.Errorf("GetWaveform(%v) = %v, want %v", tt.pos, got, tt.want)
		}
	}

	overview := make([]float32, 3)
	d.Overview(overview)
	if overview[0] != 0 || overview[1] != 0.5 || overview[2] != 1 {
		t.Fatalf("overview = %v", overview)
	}
}

func TestRegisterReportsFailure(t *testing.T) {
	engine := host.NewHeadless(8000, 1, 4)
	d := NewDSP(Options{BufferSize: 8}, nil, nil, nil)
	if _, err := d.Register(engine); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := NewDSP(Options{BufferSize: 8}, nil, nil, nil).Register(engine)
	if !errors.Is(err, host.ErrNodeExists) {
		t.Fatalf("second Register err = %v, want ErrNodeExists", err)
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StatePaused, StatePlaying, StateRecording} {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseState("rewinding"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestCallbackDoesNotAllocate(t *testing.T) {
	store := annotation.NewStore()
	store.AddAnnotation(7, annotation.Annotation{Text: "beep", Range: annotation.TimeRange{Start: 0, End: 10}})
	channels := &fakeChannels{infos: []host.ChannelInfo{{Playing: true, HasSound: true, SoundID: 7, PositionMs: 500}}}
	consts := constants.MustFromMap(map[string]any{
		"cassette_record_noise":      0.01,
		"cassette_dist_high_pass":    true,
		"cassette_dist_low_pass":     true,
		"cassette_dist_pre_compress": true,
	})

	const frames, chans = 512, 2
	d := NewDSP(Options{BufferSize: 44100, BlockSize: frames}, consts, store, channels)
	d.SetTextSource(fakeText{text: "hello"})
	in := make([]float32, frames*chans)
	for i := range in {
		in[i] = 0.25
	}
	out := make([]float32, frames*chans)

	for _, state := range []State{StateRecording, StatePlaying, StatePaused} {
		d.SetState(state)
		d.Callback(in, out, frames, chans)
		if n := testing.AllocsPerRun(100, func() { d.Callback(in, out, frames, chans) }); n != 0 {
			t.Fatalf("%s: %v allocations per block", state, n)
		}
	}
}
