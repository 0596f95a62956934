package allocator

import (
	"math"
	"sort"

	"github.com/pattyshack/x64gen/ir"
)

// Note:
// 1. Liveness is computed via classic backward flow propagation over the
// blocks' use / def sets.  Locals may be assigned more than once, so defs
// are not assumed to be unique.
//
// 2. PHI:
//  a. Liveness.  Let
//        Xi = PHI(Xj, ...)
//    where the subscript indicate which block variable X is is defined in.
//    We'll use the convention that Xi is live in block i, and Xj is live out
//    of block j.
//  b. Deconstruction.  Variable copying occurs on the edge from block j to
//    block i.
//
// 3. Positions number every instruction (phis included) in block layout
// order.  A value's interval conservatively spans from its first to its
// last live position in that linear order, so a value live across a loop
// back edge stays allocated for the entire loop.

type ValueSet map[ir.ValueID]struct{}

func (set ValueSet) Add(id ir.ValueID) bool {
	_, ok := set[id]
	if ok {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (set ValueSet) Contains(id ir.ValueID) bool {
	_, ok := set[id]
	return ok
}

// Sorted ids.
func (set ValueSet) IDs() []ir.ValueID {
	ids := make([]ir.ValueID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
	return ids
}

type Interval struct {
	Start int
	End   int

	// Sorted, unique use positions.  A phi source is used at the end of the
	// incoming block.
	Uses []int
}

func (interval *Interval) extend(pos int) {
	if pos < interval.Start {
		interval.Start = pos
	}
	if pos > interval.End {
		interval.End = pos
	}
}

type Liveness struct {
	Function *ir.Function

	Positions  map[*ir.Instruction]int
	BlockStart map[*ir.Block]int
	BlockEnd   map[*ir.Block]int

	LiveIn  map[*ir.Block]ValueSet
	LiveOut map[*ir.Block]ValueSet

	Intervals map[ir.ValueID]*Interval

	endsAt map[int][]ir.ValueID

	// per block upward exposed uses / defs / phi destinations
	uses     map[*ir.Block]ValueSet
	defs     map[*ir.Block]ValueSet
	phiDests map[*ir.Block]ValueSet
}

func AnalyzeLiveness(fn *ir.Function) *Liveness {
	liveness := &Liveness{
		Function:   fn,
		Positions:  map[*ir.Instruction]int{},
		BlockStart: map[*ir.Block]int{},
		BlockEnd:   map[*ir.Block]int{},
		LiveIn:     map[*ir.Block]ValueSet{},
		LiveOut:    map[*ir.Block]ValueSet{},
		Intervals:  map[ir.ValueID]*Interval{},
		endsAt:     map[int][]ir.ValueID{},
		uses:       map[*ir.Block]ValueSet{},
		defs:       map[*ir.Block]ValueSet{},
		phiDests:   map[*ir.Block]ValueSet{},
	}

	liveness.numberInstructions()
	liveness.collectBlockUseDefs()
	liveness.propagate()
	liveness.computeIntervals()

	return liveness
}

func (liveness *Liveness) numberInstructions() {
	pos := 0
	for _, block := range liveness.Function.Blocks {
		liveness.BlockStart[block] = pos
		for _, inst := range block.Instructions {
			liveness.Positions[inst] = pos
			pos++
		}
		liveness.BlockEnd[block] = pos - 1
	}
}

func (liveness *Liveness) collectBlockUseDefs() {
	for _, block := range liveness.Function.Blocks {
		uses := ValueSet{}
		defs := ValueSet{}
		phiDests := ValueSet{}

		for _, inst := range block.Instructions {
			if inst.Op == ir.PhiOp {
				phiDests.Add(inst.Dest.ID)
				defs.Add(inst.Dest.ID)
				continue
			}

			for _, src := range inst.Uses() {
				if !src.IsVariable() || defs.Contains(src.ID) {
					continue
				}
				uses.Add(src.ID)
			}

			for _, def := range inst.Defs() {
				defs.Add(def.ID)
			}
		}

		liveness.uses[block] = uses
		liveness.defs[block] = defs
		liveness.phiDests[block] = phiDests
		liveness.LiveIn[block] = ValueSet{}
		liveness.LiveOut[block] = ValueSet{}
	}
}

// Blocks in depth first postorder from the entry block, followed by the
// unreachable blocks in layout order.  Except across back edges, every block
// precedes its predecessors.
func postorder(fn *ir.Function) []*ir.Block {
	order := make([]*ir.Block, 0, len(fn.Blocks))
	visited := make(map[*ir.Block]bool, len(fn.Blocks))

	type visit struct {
		block *ir.Block
		next  int // index of the next child to explore
	}

	if len(fn.Blocks) > 0 {
		visited[fn.Blocks[0]] = true
		stack := []visit{{block: fn.Blocks[0]}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.block.Children) {
				child := top.block.Children[top.next]
				top.next++
				if !visited[child] {
					visited[child] = true
					stack = append(stack, visit{block: child})
				}
				continue
			}

			order = append(order, top.block)
			stack = stack[:len(stack)-1]
		}
	}

	for _, block := range fn.Blocks {
		if !visited[block] {
			order = append(order, block)
		}
	}
	return order
}

func (liveness *Liveness) propagate() {
	queue := postorder(liveness.Function)
	queued := make(map[*ir.Block]bool, len(queue))
	for _, block := range queue {
		queued[block] = true
	}

	for len(queue) > 0 {
		block := queue[0]
		queue = queue[1:]
		queued[block] = false

		if !liveness.updateLiveIn(block) {
			continue
		}

		for _, parent := range block.Parents {
			if liveness.updateParentLiveOut(parent, block) && !queued[parent] {
				queued[parent] = true
				queue = append(queue, parent)
			}
		}
	}
}

func (liveness *Liveness) updateLiveIn(block *ir.Block) bool {
	liveIn := liveness.LiveIn[block]
	modified := false

	// See note 2a.
	for id := range liveness.phiDests[block] {
		if liveIn.Add(id) {
			modified = true
		}
	}

	for id := range liveness.uses[block] {
		if liveIn.Add(id) {
			modified = true
		}
	}

	defs := liveness.defs[block]
	for id := range liveness.LiveOut[block] {
		if defs.Contains(id) {
			continue
		}
		if liveIn.Add(id) {
			modified = true
		}
	}

	return modified
}

func (liveness *Liveness) updateParentLiveOut(
	parent *ir.Block,
	child *ir.Block,
) bool {
	liveOut := liveness.LiveOut[parent]
	modified := false

	phiDests := liveness.phiDests[child]
	for id := range liveness.LiveIn[child] {
		if phiDests.Contains(id) {
			continue
		}
		if liveOut.Add(id) {
			modified = true
		}
	}

	for _, src := range PhiSources(parent, child) {
		if src.IsVariable() && liveOut.Add(src.ID) {
			modified = true
		}
	}

	return modified
}

func (liveness *Liveness) computeIntervals() {
	intervals := liveness.Intervals
	touch := func(id ir.ValueID, pos int) *Interval {
		interval, ok := intervals[id]
		if !ok {
			interval = &Interval{Start: pos, End: pos}
			intervals[id] = interval
		}
		interval.extend(pos)
		return interval
	}

	for _, param := range liveness.Function.Params {
		touch(param.ID, 0)
	}

	for _, block := range liveness.Function.Blocks {
		start := liveness.BlockStart[block]
		end := liveness.BlockEnd[block]

		for id := range liveness.LiveIn[block] {
			touch(id, start)
		}
		for id := range liveness.LiveOut[block] {
			touch(id, end)
		}

		for _, inst := range block.Instructions {
			pos := liveness.Positions[inst]
			if inst.Op == ir.PhiOp {
				touch(inst.Dest.ID, pos)
				for _, edge := range inst.Incoming {
					if !edge.Value.IsVariable() {
						continue
					}
					pred := liveness.Function.Block(edge.Block)
					if pred == nil {
						continue
					}
					predEnd := liveness.BlockEnd[pred]
					interval := touch(edge.Value.ID, predEnd)
					interval.Uses = append(interval.Uses, predEnd)
				}
				continue
			}

			for _, src := range inst.Uses() {
				if !src.IsVariable() {
					continue
				}
				interval := touch(src.ID, pos)
				interval.Uses = append(interval.Uses, pos)
			}

			for _, def := range inst.Defs() {
				touch(def.ID, pos)
			}
		}
	}

	for id, interval := range intervals {
		sort.Ints(interval.Uses)
		uses := interval.Uses[:0]
		for idx, use := range interval.Uses {
			if idx > 0 && interval.Uses[idx-1] == use {
				continue
			}
			uses = append(uses, use)
		}
		interval.Uses = uses

		liveness.endsAt[interval.End] = append(liveness.endsAt[interval.End], id)
	}

	for pos, ids := range liveness.endsAt {
		sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
		liveness.endsAt[pos] = ids
	}
}

// Values whose interval ends at pos, sorted by id.
func (liveness *Liveness) EndsAt(pos int) []ir.ValueID {
	return liveness.endsAt[pos]
}

// Whether the value must survive past the instruction at pos.
func (liveness *Liveness) IsLiveAfter(id ir.ValueID, pos int) bool {
	interval, ok := liveness.Intervals[id]
	if !ok {
		return false
	}
	return interval.Start <= pos && pos < interval.End
}

// The first use position at or after pos, or math.MaxInt if the value is
// never used again.
func (liveness *Liveness) NextUse(id ir.ValueID, pos int) int {
	interval, ok := liveness.Intervals[id]
	if !ok {
		return math.MaxInt
	}

	idx := sort.SearchInts(interval.Uses, pos)
	if idx == len(interval.Uses) {
		return math.MaxInt
	}
	return interval.Uses[idx]
}

func (liveness *Liveness) PhiDestinations(block *ir.Block) ValueSet {
	return liveness.phiDests[block]
}

// Phi source values read on the parent -> child edge, in phi order.
func PhiSources(parent *ir.Block, child *ir.Block) []*ir.Value {
	sources := []*ir.Value{}
	for _, phi := range child.Phis() {
		for _, edge := range phi.Incoming {
			if edge.Block == parent.Label {
				sources = append(sources, edge.Value)
				break
			}
		}
	}
	return sources
}
