package wavio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	samples := make([]float32, 2*441)
	for i := 0; i < 441; i++ {
		x := float32(0.5 * math.Sin(2*math.Pi*float64(i)/44.1))
		samples[2*i] = x
		samples[2*i+1] = -x
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, Save(path, Clip{Samples: samples, SampleRate: 44100, Channels: 2}))

	clip, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, clip.SampleRate)
	assert.Equal(t, 2, clip.Channels)
	assert.Equal(t, 441, clip.Frames())
	assert.InDeltaSlice(t, samples, clip.Samples, 1.0/16384)
}

func TestEncodeClips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loud.wav")
	require.NoError(t, Save(path, Clip{Samples: []float32{2, -3, 0.25}, SampleRate: 8000, Channels: 1}))

	clip, err := Load(path)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, -1, 0.25}, clip.Samples, 1.0/16384)
}

func TestMono(t *testing.T) {
	c := Clip{Samples: []float32{0.2, 0.4, -1, 1}, SampleRate: 8000, Channels: 2}
	assert.InDeltaSlice(t, []float32{0.3, 0}, c.Mono(), 1e-6)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a riff header"), 0o644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidFile)
}

func TestSaveRejectsBadFormat(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "bad.wav"), Clip{Samples: []float32{0}, SampleRate: 0, Channels: 1})
	assert.Error(t, err)
}
