package gc

import (
	"golang.org/x/sync/errgroup"
)

// The relocate phase rewrites every reference to a condemned object with the
// address the plan gives it, before anything moves. It also rebuilds the
// cards: a card stays or becomes set when, after the collection, it holds a
// reference to a generation younger than the object holding it.

// relocateVisitor updates root slots. Errors are collected in *errp.
func (gc *collection) relocateVisitor(errp *error) RootVisitor {
	return func(slot *Addr, _ RootFlags) {
		if *slot == 0 || *errp != nil {
			return
		}
		a, err := gc.newAddr(*slot)
		if err != nil {
			*errp = err
			return
		}
		*slot = a
	}
}

func (gc *collection) relocate() {
	h := gc.h
	var err error
	visit := gc.relocateVisitor(&err)
	if rootErr := h.scanRoots(visit); rootErr != nil {
		h.fatalError(rootErr)
	}
	h.handles.relocate(visit)
	h.final.relocate(visit)
	if err == nil {
		if gc.condemned == Gen2 {
			h.cards.Load().clearAll()
		} else {
			err = gc.relocateCards()
		}
	}
	if err == nil {
		err = gc.relocateSurvivors()
	}
	if err == nil && gc.condemned == Gen2 {
		err = gc.relocateUOH()
	}
	if err != nil {
		h.fatalError(err)
	}
}

// relocateCards updates the references in the dirty cards found by the mark
// phase. Cards that no longer point to a younger generation are cleared, and
// so are the cards of the condemned range: the survivors set theirs again at
// their new addresses.
func (gc *collection) relocateCards() error {
	t := gc.h.cards.Load()
	var cursor objectCursor
	var err error
	for _, dc := range gc.cards {
		if cursor.seg != dc.seg {
			cursor = newObjectCursor(dc.seg)
		}
		seg := dc.seg
		for obj := cursor.find(dc.start); obj < dc.end && err == nil; {
			info := seg.info(obj)
			if info.flags&flagFree == 0 {
				info.forEachRef(obj, func(slot Addr) {
					if slot < dc.start || slot >= dc.end || err != nil {
						return
					}
					v := Addr(seg.load(slot))
					if v == 0 {
						return
					}
					n, e := gc.newAddr(v)
					if e != nil {
						err = e
						return
					}
					if n != v {
						seg.store(slot, uint64(n))
					}
				})
			}
			obj += Addr(seg.objectSize(obj))
		}
		if err != nil {
			return err
		}
		if !dc.keep {
			clearCardBit(t.cards, dc.card)
		}
	}
	t.clearRange(gc.lo, gc.hi)
	return nil
}

// relocateSurvivors updates the references held by the survivors in the
// condemned SOH ranges, in parallel.
func (gc *collection) relocateSurvivors() error {
	t := gc.h.cards.Load()
	var g errgroup.Group
	for _, p := range gc.plans {
		p := p
		n := len(p.plugs)
		step := (n + gc.workers - 1) / gc.workers
		if step < 16 {
			step = 16
		}
		for i := 0; i < n; i += step {
			plugs := p.plugs[i:min(i+step, n)]
			g.Go(func() error {
				for _, pl := range plugs {
					if err := gc.relocatePlug(t, p.seg, pl); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (gc *collection) relocatePlug(t *cardTable, seg *segment, pl plug) error {
	var err error
	for obj := pl.start; obj < pl.end && err == nil; {
		info := seg.info(obj)
		owner := gc.promoted(gc.genOf(obj)).age()
		info.forEachRef(obj, func(slot Addr) {
			if err != nil {
				return
			}
			v := Addr(seg.load(slot))
			if v == 0 {
				return
			}
			if gc.genAfter(v).age() < owner {
				t.set(slot + Addr(pl.reloc))
			}
			n, e := gc.newAddr(v)
			if e != nil {
				err = e
				return
			}
			if n != v {
				seg.store(slot, uint64(n))
			}
		})
		obj += Addr(info.size())
	}
	return err
}

// relocateUOH updates the references held by surviving large and pinned
// objects in a gen2 collection.
func (gc *collection) relocateUOH() error {
	h := gc.h
	t := h.cards.Load()
	var err error
	for _, seg := range append(append([]*segment(nil), h.loh...), h.poh...) {
		for obj := seg.base; obj < seg.allocated && err == nil; {
			info := seg.info(obj)
			if info.flags&flagFree == 0 && info.flags&flagMark != 0 {
				info.forEachRef(obj, func(slot Addr) {
					if err != nil {
						return
					}
					v := Addr(seg.load(slot))
					if v == 0 {
						return
					}
					if gc.genAfter(v).age() < Gen2 {
						t.set(slot)
					}
					n, e := gc.newAddr(v)
					if e != nil {
						err = e
						return
					}
					if n != v {
						seg.store(slot, uint64(n))
					}
				})
			}
			obj += Addr(seg.objectSize(obj))
		}
	}
	return err
}
