package cassette

import (
	"math"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
)

// RecordBuffer is one side of the tape: a fixed number of mono samples, the
// caption recorded alongside each of them, and a cursor. The cursor always
// lies in [0, Len).
type RecordBuffer struct {
	samples     []float32
	annotations []annotation.Value
	pos         int
}

// NewRecordBuffer allocates size slots. Size must be positive.
func NewRecordBuffer(size int) *RecordBuffer {
	if size <= 0 {
		size = 1
	}
	return &RecordBuffer{
		samples:     make([]float32, size),
		annotations: make([]annotation.Value, size),
	}
}

// Len returns the capacity in samples.
func (b *RecordBuffer) Len() int { return len(b.samples) }

// Cursor returns the write position.
func (b *RecordBuffer) Cursor() int { return b.pos }

// Push writes at the cursor and advances it, wrapping to 0 past the end.
func (b *RecordBuffer) Push(x float32, a annotation.Value) {
	b.samples[b.pos] = x
	b.annotations[b.pos] = a
	b.pos++
	if b.pos >= len(b.samples) {
		b.pos = 0
	}
}

// Seek moves the cursor to pos, reduced modulo Len.
func (b *RecordBuffer) Seek(pos int) {
	b.pos = b.wrapIndex(pos)
}

// SeekOffset moves the cursor by delta. |delta| must be below Len.
func (b *RecordBuffer) SeekOffset(delta int) {
	b.pos = b.wrapOffset(delta)
}

// ReadOffset reads relative to the cursor; ReadOffset(-1) is the last push.
// |offset| must be below Len.
func (b *RecordBuffer) ReadOffset(offset int) float32 {
	return b.samples[b.wrapOffset(offset)]
}

// ReadOffsetAnnotation is ReadOffset for the caption track.
func (b *RecordBuffer) ReadOffsetAnnotation(offset int) annotation.Value {
	return b.annotations[b.wrapOffset(offset)]
}

// ReadPos reads an absolute slot, reduced modulo Len.
func (b *RecordBuffer) ReadPos(pos int) float32 {
	return b.samples[b.wrapIndex(pos)]
}

// ReadPosAnnotation is ReadPos for the caption track.
func (b *RecordBuffer) ReadPosAnnotation(pos int) annotation.Value {
	return b.annotations[b.wrapIndex(pos)]
}

// ReadPosInterpolate blends the two slots straddling a fractional position.
// The slot after the last one is slot 0. Non-finite positions read as 0.
func (b *RecordBuffer) ReadPosInterpolate(pos float64) float32 {
	if math.IsNaN(pos) || math.IsInf(pos, 0) {
		return 0
	}
	n := float64(len(b.samples))
	pos = math.Mod(pos, n)
	if pos < 0 {
		pos += n
	}
	whole := math.Floor(pos)
	frac := float32(pos - whole)

	lower := int(whole)
	if lower >= len(b.samples) {
		lower = 0
	}
	upper := lower + 1
	if upper >= len(b.samples) {
		upper = 0
	}
	return (1-frac)*b.samples[lower] + frac*b.samples[upper]
}

// GetPosition returns the cursor as a fraction of Len.
func (b *RecordBuffer) GetPosition() float64 {
	return float64(b.pos) / float64(len(b.samples))
}

// CopySamples copies the tape from slot 0 into dst and returns the count.
func (b *RecordBuffer) CopySamples(dst []float32) int {
	return copy(dst, b.samples)
}

func (b *RecordBuffer) wrapOffset(offset int) int {
	pos := b.pos + offset
	if pos < 0 {
		pos += len(b.samples)
	} else if pos >= len(b.samples) {
		pos -= len(b.samples)
	}
	return pos
}

func (b *RecordBuffer) wrapIndex(pos int) int {
	pos %= len(b.samples)
	if pos < 0 {
		pos += len(b.samples)
	}
	return pos
}
