// Package gclayout describes which words of an object payload hold heap
// references.
//
// A layout is a single 64-bit value stored in the third header word of every
// object. If the least significant bit is set, the value is a bitstring of the
// form pppp...p_ssssss_1:
//   - The 's' bits hold the element size in words (1-63).
//   - The 'p' bits indicate which words of an element are references.
//   - The lowest bit is always set so that the zero value can mean "unknown".
//
// The element repeats over the whole payload, so an array of references is
// described with size=1 and a single set bit regardless of its length:
//
//	| object         | size | bitstring | note
//	|----------------|------|-----------|------
//	| int64          | 1    |   0       | no references in this object
//	| {ref, len}     | 2    |  01       | one reference per element
//	| {ref, len,cap} | 3    | 001       |
//	| [4]ref         | 1    |   1       | repeats, so size=1 is enough
//
// The zero layout is unknown: every word is treated as a reference.
package gclayout

import (
	"fmt"
	"math/bits"
	"strings"
)

type Layout uint64

const (
	sizeBits  = 6
	sizeShift = sizeBits + 1

	// MaxElemWords is the largest element that fits in an inline bitstring.
	MaxElemWords = 64 - sizeShift

	Unknown = Layout(0)
	NoPtrs  = Layout(uint64(0b0<<sizeShift) | uint64(1<<1) | 1)
	Pointer = Layout(uint64(0b1<<sizeShift) | uint64(1<<1) | 1)
	String  = Layout(uint64(0b01<<sizeShift) | uint64(2<<1) | 1)
	Slice   = Layout(uint64(0b001<<sizeShift) | uint64(3<<1) | 1)
)

// New returns the layout of an element that is elemWords long, where the words
// at the given indices hold references. It panics on an element that does not
// fit in a bitstring, as that is a bug in the caller.
func New(elemWords int, refWords ...int) Layout {
	if elemWords <= 0 || elemWords > MaxElemWords {
		panic(fmt.Sprintf("gclayout: element of %d words does not fit", elemWords))
	}
	var mask uint64
	for _, w := range refWords {
		if w < 0 || w >= elemWords {
			panic(fmt.Sprintf("gclayout: reference word %d outside element of %d words", w, elemWords))
		}
		mask |= 1 << uint(w)
	}
	return Layout(mask<<sizeShift | uint64(elemWords)<<1 | 1)
}

// ElemWords returns the number of words in one element.
func (l Layout) ElemWords() int {
	if l == Unknown {
		return 1
	}
	return int(uint64(l)>>1) & (1<<sizeBits - 1)
}

// Mask returns the reference bitstring of one element.
func (l Layout) Mask() uint64 {
	if l == Unknown {
		return 1
	}
	return uint64(l) >> sizeShift
}

// Valid reports whether the layout could have been produced by New.
func (l Layout) Valid() bool {
	if l == Unknown {
		return true
	}
	if l&1 == 0 {
		return false
	}
	size := l.ElemWords()
	return size != 0 && l.Mask()>>uint(size) == 0
}

// PointerFree reports whether objects with this layout never hold references.
// This is the fast path for objects like large scalar buffers.
func (l Layout) PointerFree() bool {
	return l&1 != 0 && l.Mask() == 0
}

// ForEachRef calls fn with the index of every reference word in a payload of
// the given number of words. The payload is rounded down to a whole number of
// elements.
func (l Layout) ForEachRef(payloadWords int, fn func(word int)) {
	if l.PointerFree() {
		return
	}
	size := l.ElemWords()
	mask := l.Mask()
	for start := 0; start+size <= payloadWords; start += size {
		// Walk the set bits of this element only.
		for m := mask; m != 0; m &= m - 1 {
			fn(start + bits.TrailingZeros64(m))
		}
	}
}

// RefCount returns how many reference words a payload of the given number of
// words contains.
func (l Layout) RefCount(payloadWords int) int {
	if l.PointerFree() {
		return 0
	}
	size := l.ElemWords()
	return payloadWords / size * bits.OnesCount64(l.Mask())
}

// String returns the layout as size:bitstring, for debugging.
func (l Layout) String() string {
	if l == Unknown {
		return "unknown"
	}
	if !l.Valid() {
		return fmt.Sprintf("!invalid(%#x)", uint64(l))
	}
	var b strings.Builder
	size := l.ElemWords()
	fmt.Fprintf(&b, "%d:", size)
	for i := size - 1; i >= 0; i-- {
		if l.Mask()&(1<<uint(i)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
