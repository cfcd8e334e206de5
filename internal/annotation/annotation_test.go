package annotation

import (
	"errors"
	"sync"
	"testing"
)

func TestParse(t *testing.T) {
	a, err := Parse("'banana' (1.0, 1.7)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Text != "banana" || a.Range.Start != 1.0 || a.Range.End != 1.7 {
		t.Fatalf("unexpected annotation: %+v", a)
	}
}

func TestParseTrimsSpaceAroundTimes(t *testing.T) {
	for _, in := range []string{"'a' ( 1.0, 2.0)", "'a' (1.0 ,2.0 )", "'a'(\t1,\n2)"} {
		a, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if a.Range != (TimeRange{Start: 1, End: 2}) {
			t.Fatalf("Parse(%q) range = %v", in, a.Range)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"banana (1, 2)",
		"'banana (1, 2)",
		"'banana' 1, 2)",
		"'banana' (1 2)",
		"'banana' (1, 2",
		"'banana' (x, 2)",
		"'banana' (1, y)",
	}
	for _, c := range cases {
		if _, err := Parse(c); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) err = %v, want ErrMalformed", c, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Annotation{
		{Text: "beep", Range: TimeRange{Start: 0, End: 1}},
		{Text: "a longer caption, with a comma", Range: TimeRange{Start: 0.1, End: 0.30000000000000004}},
		{Text: "", Range: TimeRange{Start: -2.5, End: 1e21}},
	}
	for _, want := range cases {
		got, err := Parse(want.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", want.String(), err)
		}
		if got != want {
			t.Fatalf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestGetAnnotationOpenInterval(t *testing.T) {
	s := NewStore()
	s.AddAnnotation(7, Annotation{Text: "hello", Range: TimeRange{Start: 1, End: 2}})

	tests := []struct {
		id   uint64
		t    float64
		want Value
	}{
		{7, 1.5, Some("hello")},
		{7, 1, Value{}},
		{7, 2, Value{}},
		{7, 0.5, Value{}},
		{8, 1.5, Value{}},
	}
	for _, tt := range tests {
		if got := s.GetAnnotation(tt.id, tt.t); got != tt.want {
			t.Errorf("GetAnnotation(%d, %v) = %v, want %v", tt.id, tt.t, got, tt.want)
		}
	}
}

func TestGetAnnotationFirstMatchWins(t *testing.T) {
	s := NewStore()
	s.AddAnnotation(1, Annotation{Text: "first", Range: TimeRange{Start: 0, End: 10}})
	s.AddAnnotation(1, Annotation{Text: "second", Range: TimeRange{Start: 2, End: 3}})
	if got, _ := s.GetAnnotation(1, 2.5).Get(); got != "first" {
		t.Fatalf("expected insertion order to decide overlap, got %q", got)
	}
}

func TestParseAddAnnotationList(t *testing.T) {
	s := NewStore()
	n, err := s.ParseAddAnnotationList(3, "'one' (0, 1); 'two' (1, 2)")
	if err != nil {
		t.Fatalf("ParseAddAnnotationList: %v", err)
	}
	if n != 2 {
		t.Fatalf("added %d, want 2", n)
	}
	if got, _ := s.GetAnnotation(3, 1.5).Get(); got != "two" {
		t.Fatalf("GetAnnotation = %q, want two", got)
	}
}

func TestParseAddAnnotationListStopsAtFirstFailure(t *testing.T) {
	s := NewStore()
	n, err := s.ParseAddAnnotationList(3, "'one' (0, 1);'bad' (1 2);'three' (2, 3)")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if n != 1 {
		t.Fatalf("added %d before failure, want 1", n)
	}
	if !s.GetAnnotation(3, 0.5).Valid {
		t.Fatalf("entry before the failure should stay")
	}
	if s.GetAnnotation(3, 2.5).Valid {
		t.Fatalf("entry after the failure should not be added")
	}
}

func TestParseAddAnnotationListRejectsEmptyEntries(t *testing.T) {
	tests := []struct {
		list  string
		added int
	}{
		{"'one' (0, 1); 'two' (1, 2);", 2},
		{"'a' (0, 1);;'b' (1, 2)", 1},
		{";'a' (0, 1)", 0},
		{"", 0},
	}
	for _, tt := range tests {
		s := NewStore()
		n, err := s.ParseAddAnnotationList(3, tt.list)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", tt.list, err)
		}
		if n != tt.added || len(s.Annotations(3)) != tt.added {
			t.Fatalf("%q: added %d, want %d", tt.list, n, tt.added)
		}
	}
	s := NewStore()
	_, _ = s.ParseAddAnnotationList(3, "'a' (0, 1);;'b' (1, 2)")
	if s.GetAnnotation(3, 1.5).Valid {
		t.Fatalf("entry after the empty one should not be added")
	}
}

func TestRemoveSource(t *testing.T) {
	s := NewStore()
	if _, err := s.ParseAddAnnotationList(3, "'one' (0, 1); 'two' (1, 2)"); err != nil {
		t.Fatalf("ParseAddAnnotationList: %v", err)
	}
	s.AddAnnotation(4, Annotation{Text: "kept", Range: TimeRange{Start: 0, End: 1}})
	if n := s.RemoveSource(3); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if s.GetAnnotation(3, 0.5).Valid || len(s.Annotations(3)) != 0 {
		t.Fatalf("source 3 should have no captions")
	}
	if !s.GetAnnotation(4, 0.5).Valid {
		t.Fatalf("other sources should be untouched")
	}
	if n := s.RemoveSource(3); n != 0 {
		t.Fatalf("second remove = %d, want 0", n)
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.AddAnnotation(1, Annotation{Text: "x", Range: TimeRange{Start: float64(i), End: float64(i + 1)}})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.GetAnnotation(1, float64(i)+0.5)
			}
		}()
	}
	wg.Wait()
	if len(s.Annotations(1)) != 200 {
		t.Fatalf("expected 200 annotations, got %d", len(s.Annotations(1)))
	}
}
