package gc

import (
	"math/bits"
	"sync/atomic"
)

// The card table has one bit per card of CardSize bytes, packed in 32-bit
// card words. A set card means that a reference slot in the card may point
// into a younger generation than the object that holds it.
const (
	CardShift    = 8
	CardSize     = 1 << CardShift
	cardWordBits = 32
)

// cardTable covers the address range [lowest, highest). It is replaced with a
// larger copy, with the world stopped, when the heap grows beyond highest.
type cardTable struct {
	lowest  Addr
	highest Addr
	cards   []uint32

	// Write-watch table with the same layout. While a background collection
	// marks, every reference store sets the card of its slot here.
	watch []uint32
}

func newCardTable(lowest, highest Addr) *cardTable {
	n := (uint64(highest-lowest)>>CardShift + cardWordBits - 1) / cardWordBits
	return &cardTable{
		lowest:  lowest,
		highest: highest,
		cards:   make([]uint32, n),
		watch:   make([]uint32, n),
	}
}

// card returns the card number of a, which must be covered.
func (t *cardTable) card(a Addr) uint64 {
	return uint64(a-t.lowest) >> CardShift
}

// cardAddr returns the first address of card c.
func (t *cardTable) cardAddr(c uint64) Addr {
	return t.lowest + Addr(c<<CardShift)
}

func (t *cardTable) covers(a Addr) bool {
	return a >= t.lowest && a < t.highest
}

func (t *cardTable) set(a Addr) {
	if t.covers(a) {
		setCardBit(t.cards, t.card(a))
	}
}

func (t *cardTable) setWatch(a Addr) {
	if t.covers(a) {
		setCardBit(t.watch, t.card(a))
	}
}

func (t *cardTable) isSet(a Addr) bool {
	return t.covers(a) && testCardBit(t.cards, t.card(a))
}

// clearRange clears the cards and write-watch cards of every card that lies
// entirely within [start, end).
func (t *cardTable) clearRange(start, end Addr) {
	if start < t.lowest {
		start = t.lowest
	}
	if end > t.highest {
		end = t.highest
	}
	if start >= end {
		return
	}
	first := (uint64(start-t.lowest) + CardSize - 1) >> CardShift
	last := uint64(end-t.lowest) >> CardShift // exclusive
	for c := first; c < last; c++ {
		clearCardBit(t.cards, c)
		clearCardBit(t.watch, c)
	}
}

func (t *cardTable) clearAll() {
	for i := range t.cards {
		atomic.StoreUint32(&t.cards[i], 0)
	}
}

func (t *cardTable) clearWatch() {
	for i := range t.watch {
		atomic.StoreUint32(&t.watch[i], 0)
	}
}

// grownTo returns a copy of t that covers everything up to highest.
func (t *cardTable) grownTo(highest Addr) *cardTable {
	next := newCardTable(t.lowest, highest)
	for i := range t.cards {
		next.cards[i] = atomic.LoadUint32(&t.cards[i])
		next.watch[i] = atomic.LoadUint32(&t.watch[i])
	}
	return next
}

func setCardBit(words []uint32, c uint64) {
	p := &words[c/cardWordBits]
	bit := uint32(1) << (c % cardWordBits)
	for {
		old := atomic.LoadUint32(p)
		if old&bit != 0 || atomic.CompareAndSwapUint32(p, old, old|bit) {
			return
		}
	}
}

func clearCardBit(words []uint32, c uint64) {
	p := &words[c/cardWordBits]
	bit := uint32(1) << (c % cardWordBits)
	for {
		old := atomic.LoadUint32(p)
		if old&bit == 0 || atomic.CompareAndSwapUint32(p, old, old&^bit) {
			return
		}
	}
}

func testCardBit(words []uint32, c uint64) bool {
	return atomic.LoadUint32(&words[c/cardWordBits])&(1<<(c%cardWordBits)) != 0
}

// nextCard returns the first set card in [from, to), skipping clear card
// words at once.
func nextCard(words []uint32, from, to uint64) (uint64, bool) {
	for c := from; c < to; {
		w := atomic.LoadUint32(&words[c/cardWordBits]) >> (c % cardWordBits)
		if w == 0 {
			c = (c/cardWordBits + 1) * cardWordBits
			continue
		}
		c += uint64(bits.TrailingZeros32(w))
		if c >= to {
			break
		}
		return c, true
	}
	return 0, false
}

// growCards makes sure the card table covers everything below highest. The
// world must be stopped, since the write barrier reads the table without
// synchronization beyond the atomic pointer.
func (h *Heap) growCards(highest Addr) {
	t := h.cards.Load()
	if highest <= t.highest {
		return
	}
	// Grow geometrically so that a growing heap doesn't copy the table on
	// every new segment.
	size := 2 * (t.highest - t.lowest)
	if t.lowest+size < highest {
		size = highest - t.lowest
	}
	h.cards.Store(t.grownTo(t.lowest + size))
	h.stompEpoch.Add(1)
}

// forEachCard calls onCard for every set card of words that overlaps
// [start, end) of seg, and onSlot for every reference slot in the part of the
// card inside [start, end). Objects are found with the object start index, so
// [start, end) must be walkable.
func (h *Heap) forEachCard(t *cardTable, words []uint32, seg *segment, start, end Addr, onCard func(c uint64), onSlot func(c uint64, obj, slot Addr)) {
	if start < t.lowest {
		start = t.lowest
	}
	if end > t.highest {
		end = t.highest
	}
	if start >= end {
		return
	}
	cursor := newObjectCursor(seg)
	from := t.card(start)
	to := t.card(end-1) + 1
	for {
		c, ok := nextCard(words, from, to)
		if !ok {
			return
		}
		from = c + 1
		if onCard != nil {
			onCard(c)
		}
		lo := t.cardAddr(c)
		hi := lo + CardSize
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		for obj := cursor.find(lo); obj < hi; {
			info := seg.info(obj)
			if info.flags&flagFree != 0 {
				obj += Addr(seg.objectSize(obj))
				continue
			}
			info.forEachRef(obj, func(slot Addr) {
				if slot >= lo && slot < hi {
					onSlot(c, obj, slot)
				}
			})
			obj += Addr(info.size())
		}
	}
}

// WriteBarrierABI describes the card table to code that implements the write
// barrier itself instead of calling Heap.WriteRef. It is only valid until
// StompEpoch changes.
type WriteBarrierABI struct {
	// Card and write-watch words, one bit per card.
	CardTable  []uint32
	WriteWatch []uint32

	// Covered range.
	Lowest, Highest Addr

	// The card of address a is bit (a-Lowest)>>CardShift.
	CardShift uint

	// A stored reference in [EphemeralLow, EphemeralHigh) sets the card of
	// the slot.
	EphemeralLow, EphemeralHigh Addr

	// BackgroundMarking is set while every store must also set the
	// write-watch card.
	BackgroundMarking bool

	// StompEpoch increases every time the tables are replaced.
	StompEpoch uint64
}

// WriteBarrierABI returns the current card table description.
func (h *Heap) WriteBarrierABI() WriteBarrierABI {
	t := h.cards.Load()
	return WriteBarrierABI{
		CardTable:         t.cards,
		WriteWatch:        t.watch,
		Lowest:            t.lowest,
		Highest:           t.highest,
		CardShift:         CardShift,
		EphemeralLow:      Addr(h.ephemeralLow.Load()),
		EphemeralHigh:     Addr(h.ephemeralHigh.Load()),
		BackgroundMarking: h.writeWatch.Load(),
		StompEpoch:        h.stompEpoch.Load(),
	}
}

// WriteRef stores value in payload word field of obj and records the store
// in the card table.
func (h *Heap) WriteRef(obj Addr, field int, value Addr) {
	seg, info, slot := h.fieldSlot(obj, field)
	if gcAsserts && !info.isRefWord(field) {
		panic("gc: reference store to a scalar word")
	}
	seg.store(slot, uint64(value))
	h.writeBarrier(slot, value)
}

// writeBarrier runs after a reference store to slot.
func (h *Heap) writeBarrier(slot, value Addr) {
	t := h.cards.Load()
	if uint64(value) >= h.ephemeralLow.Load() && uint64(value) < h.ephemeralHigh.Load() {
		t.set(slot)
	}
	if h.writeWatch.Load() {
		t.setWatch(slot)
	}
}
