package cassette

import (
	"math"
	"testing"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
)

func filled(size, pushes int) *RecordBuffer {
	b := NewRecordBuffer(size)
	for i := 0; i < pushes; i++ {
		b.Push(float32(i), annotation.Value{})
	}
	return b
}

func TestRecordBufferReadOffsetWraps(t *testing.T) {
	// 5 slots, 7 pushes: slots hold 5 6 2 3 4 and the cursor sits on slot 2.
	b := filled(5, 7)
	if b.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", b.Cursor())
	}
	tests := []struct {
		offset int
		want   float32
	}{
		{-1, 6},
		{-2, 5},
		{-3, 4},
		{-4, 3},
		{0, 2},
		{1, 3},
		{2, 4},
		{3, 5},
		{4, 6},
	}
	for _, tt := range tests {
		if got := b.ReadOffset(tt.offset); got != tt.want {
			t.Errorf("ReadOffset(%d) = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestRecordBufferSeek(t *testing.T) {
	b := filled(4, 4)
	b.Seek(6)
	if b.Cursor() != 2 {
		t.Fatalf("Seek(6) cursor = %d, want 2", b.Cursor())
	}
	b.Seek(-1)
	if b.Cursor() != 3 {
		t.Fatalf("Seek(-1) cursor = %d, want 3", b.Cursor())
	}
	b.SeekOffset(2)
	if b.Cursor() != 1 {
		t.Fatalf("SeekOffset(2) cursor = %d, want 1", b.Cursor())
	}
	b.SeekOffset(-3)
	if b.Cursor() != 2 {
		t.Fatalf("SeekOffset(-3) cursor = %d, want 2", b.Cursor())
	}
	if got := b.GetPosition(); got != 0.5 {
		t.Fatalf("GetPosition = %v, want 0.5", got)
	}
}

func TestReadPosInterpolate(t *testing.T) {
	b := NewRecordBuffer(4)
	for _, x := range []float32{0.5, -0.25, 1, 0} {
		b.Push(x, annotation.Value{})
	}

	for i := 0; i < 4; i++ {
		if got, want := b.ReadPosInterpolate(float64(i)), b.ReadPos(i); got != want {
			t.Errorf("ReadPosInterpolate(%d) = %v, want %v", i, got, want)
		}
	}

	tests := []struct {
		pos  float64
		want float32
	}{
		{0.5, 0.125},
		{1.5, 0.375},
		{0.25, 0.3125},
		{3.5, 0.25},  // wraps to slot 0
		{4.5, 0.125}, // past the end
		{-0.5, 0.25}, // before the start
	}
	for _, tt := range tests {
		if got := b.ReadPosInterpolate(tt.pos); math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Errorf("ReadPosInterpolate(%v) = %v, want %v", tt.pos, got, tt.want)
		}
	}

	if got := b.ReadPosInterpolate(math.NaN()); got != 0 {
		t.Fatalf("NaN position should read 0, got %v", got)
	}
}

func TestRecordBufferAnnotationTrack(t *testing.T) {
	b := NewRecordBuffer(3)
	b.Push(0, annotation.Some("a"))
	b.Push(0, annotation.Value{})
	b.Push(0, annotation.Some("c"))

	if got := b.ReadOffsetAnnotation(-1); got != annotation.Some("c") {
		t.Fatalf("last annotation = %v", got)
	}
	if got := b.ReadOffsetAnnotation(-2); got.Valid {
		t.Fatalf("expected empty annotation, got %v", got)
	}
	if got := b.ReadPosAnnotation(0); got != annotation.Some("a") {
		t.Fatalf("slot 0 annotation = %v", got)
	}
}

func sine440(i, rate int) float32 {
	return float32(math.Sin(2 * math.Pi * 440 * float64(i) / float64(rate)))
}

func TestBeepScenario(t *testing.T) {
	const rate = 44100
	store := annotation.NewStore()
	if err := store.ParseAddAnnotation(1, "'beep' (0.0, 1.0)"); err != nil {
		t.Fatalf("ParseAddAnnotation: %v", err)
	}

	b := NewRecordBuffer(rate)
	for i := 0; i < rate; i++ {
		b.Push(sine440(i, rate), annotation.Some("beep"))
	}

	if got, ok := store.GetAnnotation(1, 0.5).Get(); !ok || got != "beep" {
		t.Fatalf("GetAnnotation(0.5) = %q, %v", got, ok)
	}
	if store.GetAnnotation(1, 1.5).Valid {
		t.Fatalf("GetAnnotation(1.5) should be empty")
	}
	if b.Cursor() != 0 {
		t.Fatalf("one full pass should wrap the cursor to 0, got %d", b.Cursor())
	}
	if got, want := b.ReadPos(100), sine440(100, rate); got != want {
		t.Fatalf("ReadPos(100) = %v, want %v", got, want)
	}
	if got := b.ReadPosAnnotation(rate - 1); got != annotation.Some("beep") {
		t.Fatalf("recorded annotation = %v", got)
	}
}
