package gc

import (
	"math"
	"time"

	"github.com/tinygo-org/gengc/config"
)

// GenPolicy is the static tuning of one generation.
type GenPolicy struct {
	// Bounds of the allocation budget.
	MinBudget uint64
	MaxBudget uint64

	// Growth factor limits of the survival-to-growth curve: the budget grows
	// by Limit at zero survival and up to MaxLimit as survival increases.
	Limit    float64
	MaxLimit float64
}

// Policy holds the tuning of the generation manager.
type Policy struct {
	Gens [numGenerations]GenPolicy

	// Average gen0 survival rate above which gen1 is collected too.
	HighSurvivalRate float64

	// Gen2 is compacted instead of swept when its fragmentation exceeds this
	// fraction of its size and FragmentationMinBytes.
	FragmentationLimit    float64
	FragmentationMinBytes uint64

	// Fraction of the hard limit above which a full collection is chosen.
	MemoryLoadHigh float64

	// Gen2 collections that are predicted to pause longer than this run in
	// the background.
	PauseTarget time.Duration
}

// DefaultPolicy returns the policy for cfg.
func DefaultPolicy(cfg config.Config) Policy {
	seg := uint64(cfg.SegmentSize)
	gen0Min := uint64(cfg.Gen0BudgetHint)
	gen0Max := uint64(6 << 20)
	if gen0Max < gen0Min {
		gen0Max = gen0Min
	}
	if gen0Max > seg/2 {
		gen0Max = seg / 2
	}
	if gen0Min > gen0Max {
		gen0Min = gen0Max
	}
	uoh := GenPolicy{MinBudget: 3 << 20, MaxBudget: 1 << 62, Limit: 1.25, MaxLimit: 4.5}
	return Policy{
		Gens: [numGenerations]GenPolicy{
			Gen0: {MinBudget: gen0Min, MaxBudget: gen0Max, Limit: 9, MaxLimit: 20},
			Gen1: {MinBudget: 160 << 10, MaxBudget: 6 << 20, Limit: 2, MaxLimit: 7},
			Gen2: {MinBudget: 256 << 10, MaxBudget: 1 << 62, Limit: 1.2, MaxLimit: 1.8},
			LOH:  uoh,
			POH:  uoh,
		},
		HighSurvivalRate:      0.9,
		FragmentationLimit:    0.5,
		FragmentationMinBytes: seg / 4,
		MemoryLoadHigh:        0.9,
		PauseTarget:           time.Duration(cfg.PauseTarget),
	}
}

const survivalHistory = 4

// genData is the dynamic data of one generation.
type genData struct {
	desired   int64 // budget set by the last collection
	remaining int64 // budget left; collections trigger at or below zero

	beginSize     uint64 // size when the last collection started
	size          uint64 // size after the last collection
	survived      uint64 // bytes that survived the last collection of it
	promoted      uint64 // bytes promoted out of it by the last collection
	fragmentation uint64 // free bytes inside the generation
	collections   uint64

	survival [survivalHistory]float64
	count    int // valid entries in survival
}

func (d *genData) addSurvival(rate float64) {
	copy(d.survival[1:], d.survival[:survivalHistory-1])
	d.survival[0] = rate
	if d.count < survivalHistory {
		d.count++
	}
}

func (d *genData) averageSurvival() float64 {
	if d.count == 0 {
		return 0
	}
	var sum float64
	for _, r := range d.survival[:d.count] {
		sum += r
	}
	return sum / float64(d.count)
}

// survToGrowth maps a survival rate to a budget growth factor. Low survival
// grows the budget by limit, high survival by up to maxLimit.
func survToGrowth(surv, limit, maxLimit float64) float64 {
	if surv < (maxLimit-limit)/(limit*(maxLimit-1)) {
		return (limit - limit*surv) / (1 - surv*limit)
	}
	return maxLimit
}

// computeBudget returns the new budget of gen given its survival rate.
func (p *Policy) computeBudget(gen Generation, d *genData, surv float64) uint64 {
	gp := p.Gens[gen]
	f := survToGrowth(surv, gp.Limit, gp.MaxLimit)
	var budget float64
	if gen <= Gen1 {
		budget = f * float64(d.survived)
	} else {
		budget = (f - 1) * float64(d.size)
	}
	if math.IsNaN(budget) || budget < float64(gp.MinBudget) {
		return gp.MinBudget
	}
	if budget > float64(gp.MaxBudget) {
		return gp.MaxBudget
	}
	return uint64(budget)
}

func (d *genData) setBudget(b uint64) {
	d.desired = int64(b)
	d.remaining = int64(b)
}

// initBudgets gives every generation its minimum budget.
func (h *Heap) initBudgets() {
	for g := range h.gens {
		h.gens[g].setBudget(h.policy.Gens[g].MinBudget)
	}
}

// generationSizes returns the size of every generation, including free
// objects.
func (h *Heap) generationSizes() [numGenerations]uint64 {
	var sizes [numGenerations]uint64
	eph := h.ephemeral
	for _, seg := range h.soh {
		if seg == eph {
			gen1, gen0 := h.gen1Start(), h.gen0Start()
			sizes[Gen2] += uint64(gen1 - seg.base)
			sizes[Gen1] += uint64(gen0 - gen1)
			sizes[Gen0] += uint64(seg.allocated - gen0)
		} else {
			sizes[Gen2] += uint64(seg.allocated - seg.base)
		}
	}
	for _, seg := range h.loh {
		sizes[LOH] += uint64(seg.allocated - seg.base)
	}
	for _, seg := range h.poh {
		sizes[POH] += uint64(seg.allocated - seg.base)
	}
	return sizes
}

// totalSize returns the allocated size of the heap.
func (h *Heap) totalSize() uint64 {
	var n uint64
	for _, s := range h.generationSizes() {
		n += s
	}
	return n
}

// selectDepth picks the depth of a collection started by the allocator. It
// also reports whether a gen2 collection may run in the background. The world
// must be stopped.
func (h *Heap) selectDepth(reason Reason) (Depth, bool) {
	p := &h.policy
	depth := DepthGen0
	if reason == ReasonOutOfSpace || h.gens[Gen1].remaining <= 0 ||
		h.gens[Gen0].averageSurvival() > p.HighSurvivalRate {
		depth = DepthGen1
	}

	gen2 := &h.gens[Gen2]
	fragmented := gen2.fragmentation > p.FragmentationMinBytes &&
		float64(gen2.fragmentation) > p.FragmentationLimit*float64(gen2.size)
	if gen2.remaining <= 0 || fragmented {
		depth = DepthGen2
	}
	if depth < DepthGen2 && (h.gens[LOH].remaining <= 0 || h.gens[POH].remaining <= 0) {
		depth = DepthLargeObject
	}
	if limit := uint64(h.cfg.HeapHardLimit); limit != 0 && float64(h.committed.Load()) > p.MemoryLoadHigh*float64(limit) {
		return DepthFull, false
	}
	if depth < DepthGen2 {
		return depth, false
	}
	concurrent := h.cfg.ConcurrentEnabled && !fragmented
	if concurrent {
		pause, known := h.predictPause()
		concurrent = !known || pause > p.PauseTarget
	}
	return depth, concurrent
}

// predictPause estimates the pause of a blocking gen2 collection from the
// measured mark speed.
func (h *Heap) predictPause() (time.Duration, bool) {
	speed := h.stats.markSpeed()
	if speed <= 0 {
		return 0, false
	}
	sizes := h.generationSizes()
	live := float64(sizes[Gen2]+sizes[LOH]+sizes[POH]) - float64(h.gens[Gen2].fragmentation)
	if live < 0 {
		live = 0
	}
	return time.Duration(live / speed * float64(time.Second)), true
}

// updateGenerations moves the generation boundaries of the ephemeral segment
// after compaction and recomputes the budgets of the collected generations.
func (gc *collection) updateGenerations(before [numGenerations]uint64) {
	h := gc.h
	for _, p := range gc.plans {
		if p.seg != gc.eph {
			continue
		}
		switch {
		case gc.promoteAll:
			h.setGenStarts(p.newEnd, p.newEnd)
		case gc.condemned == Gen0:
			h.setGenStarts(gc.gen1, p.newEnd)
		default:
			h.setGenStarts(p.newGen1, p.newEnd)
		}
	}
	if gc.depth == DepthFull {
		for g := range h.gens {
			h.gens[g].count = 0
		}
	}
	after := h.generationSizes()
	survived := gc.survivedBytes()
	for g := Gen0; g <= gc.condemned; g++ {
		d := &h.gens[g]
		d.beginSize = before[g]
		d.survived = survived[g]
		d.size = after[g]
		d.collections++
		if gc.promoted(g) != g {
			d.promoted = survived[g]
		} else {
			d.promoted = 0
		}
		surv := 0.0
		if before[g] > 0 {
			surv = float64(survived[g]) / float64(before[g])
		}
		d.addSurvival(surv)
		d.setBudget(h.policy.computeBudget(g, d, surv))
	}
	if gc.condemned == Gen2 {
		// Compaction leaves gap objects only in front of pinned plugs.
		var frag uint64
		for _, p := range gc.plans {
			for _, gap := range p.gaps {
				frag += gap.size
			}
		}
		h.gens[Gen2].fragmentation = frag
		gc.updateUOHBudgets(before, after)
	}
	// Promotion charges the budget of the next generation.
	if gc.condemned < Gen2 {
		next := &h.gens[gc.condemned+1]
		next.remaining -= int64(survived[gc.condemned])
	}
}

// updateUOHBudgets recomputes the LOH and POH budgets after a gen2
// collection.
func (gc *collection) updateUOHBudgets(before, after [numGenerations]uint64) {
	h := gc.h
	for _, g := range []Generation{LOH, POH} {
		d := &h.gens[g]
		d.beginSize = before[g]
		d.size = after[g]
		d.survived = after[g]
		d.collections++
		surv := 0.0
		if before[g] > 0 {
			surv = float64(after[g]) / float64(before[g])
		}
		d.addSurvival(surv)
		d.setBudget(h.policy.computeBudget(g, d, surv))
	}
}
