package gclayout

import (
	"reflect"
	"testing"
)

func TestPredefinedLayouts(t *testing.T) {
	tests := []struct {
		layout Layout
		words  int
		mask   uint64
		str    string
	}{
		{NoPtrs, 1, 0, "1:0"},
		{Pointer, 1, 1, "1:1"},
		{String, 2, 0b01, "2:01"},
		{Slice, 3, 0b001, "3:001"},
	}
	for _, tc := range tests {
		if got := tc.layout.ElemWords(); got != tc.words {
			t.Errorf("%s: ElemWords() = %d, want %d", tc.str, got, tc.words)
		}
		if got := tc.layout.Mask(); got != tc.mask {
			t.Errorf("%s: Mask() = %b, want %b", tc.str, got, tc.mask)
		}
		if got := tc.layout.String(); got != tc.str {
			t.Errorf("String() = %q, want %q", got, tc.str)
		}
		if !tc.layout.Valid() {
			t.Errorf("%s: not valid", tc.str)
		}
	}
	if !NoPtrs.PointerFree() {
		t.Errorf("NoPtrs should be pointer free")
	}
	if Pointer.PointerFree() || Unknown.PointerFree() {
		t.Errorf("Pointer and Unknown may hold references")
	}
}

func TestNewMatchesPredefined(t *testing.T) {
	if l := New(2, 0); l != String {
		t.Errorf("New(2, 0) = %s, want %s", l, String)
	}
	if l := New(1, 0); l != Pointer {
		t.Errorf("New(1, 0) = %s, want %s", l, Pointer)
	}
	if l := New(3); l.Mask() != 0 || l.ElemWords() != 3 {
		t.Errorf("New(3) = %s", l)
	}
}

func TestForEachRefRepeats(t *testing.T) {
	// {ref, scalar, ref} repeated over a payload of 7 words: the trailing word
	// is not a whole element and must be ignored.
	l := New(3, 0, 2)
	var got []int
	l.ForEachRef(7, func(word int) {
		got = append(got, word)
	})
	want := []int{0, 2, 3, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ForEachRef = %v, want %v", got, want)
	}
	if n := l.RefCount(7); n != 4 {
		t.Errorf("RefCount = %d, want 4", n)
	}
}

func TestUnknownScansEveryWord(t *testing.T) {
	n := 0
	Unknown.ForEachRef(5, func(int) { n++ })
	if n != 5 {
		t.Errorf("unknown layout scanned %d words, want 5", n)
	}
}

func TestInvalidLayouts(t *testing.T) {
	if Layout(2).Valid() {
		t.Errorf("even layout value must be invalid")
	}
	// Size 1 with a bit set past the element.
	if Layout(uint64(0b10)<<sizeShift | 1<<1 | 1).Valid() {
		t.Errorf("mask wider than element must be invalid")
	}
	defer func() {
		if recover() == nil {
			t.Errorf("New with oversized element did not panic")
		}
	}()
	New(MaxElemWords + 1)
}
