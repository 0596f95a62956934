package allocator

import (
	"testing"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/ir"
)

type countingLoop struct {
	fn *ir.Function

	n    *ir.Value
	i    *ir.Value
	next *ir.Value
	cond *ir.Value

	entry *ir.Block
	loop  *ir.Block
	done  *ir.Block
}

// entry:
//
//	jmp loop
//
// loop:
//
//	%i = phi [entry: 0] [loop: %next]
//	%next = add %i, 1
//	%c = lt %next, %n
//	br %c, loop, done
//
// done:
//
//	ret %next
func newCountingLoop(t *testing.T) *countingLoop {
	fn := ir.NewFunction("count", ir.I64Type)
	l := &countingLoop{fn: fn}

	l.n = fn.NewParameter("n", ir.I64Type)
	l.i = fn.NewNamedTemporary("i", ir.I64Type)
	l.next = fn.NewNamedTemporary("next", ir.I64Type)
	l.cond = fn.NewNamedTemporary("c", ir.BoolType)

	l.entry = fn.NewBlock("entry")
	l.loop = fn.NewBlock("loop")
	l.done = fn.NewBlock("done")

	l.entry.Instructions = []*ir.Instruction{
		{Op: ir.JumpOp, Targets: []string{"loop"}},
	}

	l.loop.Instructions = []*ir.Instruction{
		{
			Op:   ir.PhiOp,
			Dest: l.i,
			Incoming: []ir.PhiEdge{
				{Block: "entry", Value: fn.IntLiteral(ir.I64Type, 0)},
				{Block: "loop", Value: l.next},
			},
		},
		{
			Op:       ir.BinaryOpcode,
			BinaryOp: ir.Add,
			Dest:     l.next,
			Args:     []*ir.Value{l.i, fn.IntLiteral(ir.I64Type, 1)},
		},
		{
			Op:       ir.BinaryOpcode,
			BinaryOp: ir.Lt,
			Dest:     l.cond,
			Args:     []*ir.Value{l.next, l.n},
		},
		{
			Op:      ir.BranchOp,
			Args:    []*ir.Value{l.cond},
			Targets: []string{"loop", "done"},
		},
	}

	l.done.Instructions = []*ir.Instruction{
		{Op: ir.ReturnOp, Args: []*ir.Value{l.next}},
	}

	emitter := &parseutil.Emitter{}
	fn.Link(emitter)
	if emitter.HasErrors() {
		t.Fatalf("unexpected link errors: %v", emitter.Errors())
	}

	return l
}

func TestLivenessLoop(t *testing.T) {
	l := newCountingLoop(t)
	liveness := AnalyzeLiveness(l.fn)

	if !liveness.LiveOut[l.entry].Contains(l.n.ID) ||
		!liveness.LiveIn[l.loop].Contains(l.n.ID) ||
		!liveness.LiveOut[l.loop].Contains(l.n.ID) {
		t.Errorf("%s should be live throughout the loop", l.n)
	}
	if liveness.LiveIn[l.done].Contains(l.n.ID) {
		t.Errorf("%s should not be live in done", l.n)
	}

	if !liveness.LiveIn[l.loop].Contains(l.i.ID) {
		t.Errorf("phi destination should be live in its block")
	}
	if liveness.LiveOut[l.entry].Contains(l.i.ID) ||
		liveness.LiveOut[l.loop].Contains(l.i.ID) {
		t.Errorf("phi destination should not be live out of predecessors")
	}

	if !liveness.LiveOut[l.loop].Contains(l.next.ID) ||
		!liveness.LiveIn[l.done].Contains(l.next.ID) {
		t.Errorf("phi source should be live out of the back edge block")
	}
	if liveness.LiveIn[l.loop].Contains(l.next.ID) {
		t.Errorf("%s is defined before use in loop", l.next)
	}
}

func TestLivenessIntervals(t *testing.T) {
	l := newCountingLoop(t)
	liveness := AnalyzeLiveness(l.fn)

	expected := map[*ir.Value][2]int{
		l.n:    {0, 4},
		l.i:    {1, 2},
		l.next: {2, 5},
		l.cond: {3, 4},
	}
	for value, bounds := range expected {
		interval := liveness.Intervals[value.ID]
		if interval == nil {
			t.Fatalf("%s has no interval", value)
		}
		if interval.Start != bounds[0] || interval.End != bounds[1] {
			t.Errorf(
				"%s: expected [%d, %d], got [%d, %d]",
				value,
				bounds[0],
				bounds[1],
				interval.Start,
				interval.End)
		}
	}

	uses := liveness.Intervals[l.next.ID].Uses
	if len(uses) != 3 || uses[0] != 3 || uses[1] != 4 || uses[2] != 5 {
		t.Errorf("unexpected uses for %s: %v", l.next, uses)
	}

	if liveness.NextUse(l.next.ID, 4) != 4 || liveness.NextUse(l.next.ID, 5) != 5 {
		t.Errorf("unexpected next use")
	}
	if liveness.IsLiveAfter(l.cond.ID, 4) {
		t.Errorf("%s should be dead after the branch", l.cond)
	}
	if !liveness.IsLiveAfter(l.n.ID, 3) {
		t.Errorf("%s should be live after the compare", l.n)
	}

	ends := liveness.EndsAt(4)
	if len(ends) != 2 || ends[0] != l.n.ID || ends[1] != l.cond.ID {
		t.Errorf("unexpected expiring values: %v", ends)
	}
}

func TestLivenessLocalAssignment(t *testing.T) {
	fn := ir.NewFunction("assign", ir.I32Type)
	x := fn.NewLocal("x", ir.I32Type)
	block := fn.NewBlock("entry")
	block.Instructions = []*ir.Instruction{
		{Op: ir.StoreOp, Args: []*ir.Value{fn.IntLiteral(ir.I32Type, 42), x}},
		{Op: ir.ReturnOp, Args: []*ir.Value{x}},
	}

	emitter := &parseutil.Emitter{}
	fn.Link(emitter)

	liveness := AnalyzeLiveness(fn)
	if liveness.LiveIn[block].Contains(x.ID) {
		t.Errorf("assigned local should not be live in")
	}

	interval := liveness.Intervals[x.ID]
	if interval.Start != 0 || interval.End != 1 || len(interval.Uses) != 1 {
		t.Errorf("unexpected interval: %+v", interval)
	}
}

func TestPostorder(t *testing.T) {
	entry := &ir.Block{Label: "entry"}
	left := &ir.Block{Label: "left"}
	right := &ir.Block{Label: "right"}
	done := &ir.Block{Label: "done"}
	dead := &ir.Block{Label: "dead"}

	entry.Children = []*ir.Block{left, right}
	left.Children = []*ir.Block{done}
	right.Children = []*ir.Block{done}
	done.Children = []*ir.Block{entry} // back edge
	dead.Children = []*ir.Block{done}

	fn := &ir.Function{Blocks: []*ir.Block{entry, left, right, done, dead}}

	order := postorder(fn)

	expected := []string{"done", "left", "right", "entry", "dead"}
	if len(order) != len(expected) {
		t.Fatalf("unexpected order length %d", len(order))
	}
	for idx, label := range expected {
		if order[idx].Label != label {
			t.Errorf("expected %s at %d, got %s", label, idx, order[idx].Label)
		}
	}
}
