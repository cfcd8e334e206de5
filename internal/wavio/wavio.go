// Package wavio reads and writes PCM WAV files as float samples in [-1, 1].
package wavio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BitDepth is used for every file written.
const BitDepth = 16

var ErrInvalidFile = errors.New("not a valid WAV file")

// Clip holds interleaved samples with their format.
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Mono averages the channels of c into a new slice.
func (c Clip) Mono() []float32 {
	if c.Channels <= 1 {
		return append([]float32(nil), c.Samples...)
	}
	frames := c.Frames()
	out := make([]float32, frames)
	inv := 1 / float32(c.Channels)
	for f := 0; f < frames; f++ {
		var sum float32
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[f*c.Channels+ch]
		}
		out[f] = sum * inv
	}
	return out
}

// Decode reads a whole PCM stream.
func Decode(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidFile
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode pcm: %w", err)
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 || depth > 32 {
		return Clip{}, fmt.Errorf("unsupported bit depth %d", depth)
	}

	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return Clip{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

// Load decodes the file at path.
func Load(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	clip, err := Decode(f)
	if err != nil {
		return Clip{}, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

// Encode writes c as 16-bit PCM. Samples outside [-1, 1] are clipped.
func Encode(w io.WriteSeeker, c Clip) error {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid format: %d Hz, %d channels", c.SampleRate, c.Channels)
	}
	enc := wav.NewEncoder(w, c.SampleRate, BitDepth, c.Channels, 1)

	data := make([]int, len(c.Samples))
	for i, x := range c.Samples {
		if x > 1 {
			x = 1
		} else if x < -1 {
			x = -1
		}
		data[i] = int(x * 32767)
	}
	buf := &audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: c.SampleRate, NumChannels: c.Channels},
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// Save creates path and writes c to it.
func Save(path string, c Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := Encode(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
