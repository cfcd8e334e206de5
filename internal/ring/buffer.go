package ring

// Buffer is a fixed-size float history. Push overwrites the oldest sample.
type Buffer struct {
	buf []float32
	pos int
}

// New allocates a buffer holding size samples. Size must be positive.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{buf: make([]float32, size)}
}

// Push stores x at the cursor and advances it with wraparound.
func (b *Buffer) Push(x float32) {
	b.buf[b.pos] = x
	b.pos++
	if b.pos >= len(b.buf) {
		b.pos = 0
	}
}

// ReadOffset reads relative to the cursor. ReadOffset(-1) is the most recent
// push. Offsets are assumed to satisfy |offset| < Len.
func (b *Buffer) ReadOffset(offset int) float32 {
	return b.buf[b.wrap(offset)]
}

// Len returns the capacity.
func (b *Buffer) Len() int { return len(b.buf) }

// CopyOrdered copies the history into dst oldest first and returns the number
// of samples written.
func (b *Buffer) CopyOrdered(dst []float32) int {
	n := len(b.buf)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = b.buf[b.wrap(i-n)]
	}
	return n
}

func (b *Buffer) wrap(offset int) int {
	pos := b.pos + offset
	if pos < 0 {
		pos += len(b.buf)
	} else if pos >= len(b.buf) {
		pos -= len(b.buf)
	}
	return pos
}
