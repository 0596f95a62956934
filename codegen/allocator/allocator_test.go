package allocator

import (
	"errors"
	"strings"
	"testing"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
	"github.com/pattyshack/x64gen/platform/amd64"
)

type relocation struct {
	id   ir.ValueID
	from string
	to   string
}

func newTestAllocator(
	t *testing.T,
	target string,
	liveness *Liveness,
) (
	*Allocator,
	*[]relocation,
) {
	p, diag := amd64.SelectTarget(target)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}

	allocator := NewAllocator(p, architecture.NewStackFrame(0), liveness)

	relocations := &[]relocation{}
	allocator.SetObserver(
		func(
			id ir.ValueID,
			from *architecture.DataLocation,
			to *architecture.DataLocation,
		) error {
			*relocations = append(
				*relocations,
				relocation{
					id:   id,
					from: from.Operand(allocator.FrameBase()).String(),
					to:   to.Operand(allocator.FrameBase()).String(),
				})
			return nil
		})

	return allocator, relocations
}

func operandString(allocator *Allocator, id ir.ValueID) string {
	op := allocator.Location(id)
	if op == nil {
		return "<none>"
	}
	return op.String()
}

func TestAllocateSpillsUnderPressure(t *testing.T) {
	allocator, relocations := newTestAllocator(t, "linux-x64", nil)
	allocator.ReleaseCalleeSaved()

	ids := []ir.ValueID{}
	for i := 0; i < 20; i++ {
		id := ir.ValueID(i)
		ids = append(ids, id)

		_, err := allocator.Allocate(id, ir.I64Type)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}

	seen := map[string]ir.ValueID{}
	for _, id := range ids {
		loc := operandString(allocator, id)
		other, ok := seen[loc]
		if ok {
			t.Errorf("values %d and %d share location %s", other, id, loc)
		}
		seen[loc] = id
	}

	err := allocator.CheckInvariants(ids)
	if err != nil {
		t.Errorf("unexpected invariant violation: %s", err)
	}

	// 12 allocatable general registers.
	if len(*relocations) != 8 {
		t.Errorf("expected 8 spills, got %d", len(*relocations))
	}
	for _, reloc := range *relocations {
		if !strings.HasPrefix(reloc.to, "qword ptr [rbp - ") {
			t.Errorf("expected spill to frame slot, got %s", reloc.to)
		}
	}

	// oldest first without liveness
	if (*relocations)[0].id != 0 || (*relocations)[0].from != "rax" {
		t.Errorf("expected the oldest value to be spilled first: %+v", (*relocations)[0])
	}

	callee := []string{}
	for _, reg := range allocator.UsedCalleeSaved() {
		callee = append(callee, reg.Name)
	}
	if strings.Join(callee, " ") != "rbx r12 r13 r14 r15" {
		t.Errorf("unexpected callee saved registers: %v", callee)
	}
}

func TestCalleeSavedLockedUntilReleased(t *testing.T) {
	allocator, relocations := newTestAllocator(t, "linux-x64", nil)

	for i := 0; i < 8; i++ {
		_, err := allocator.Allocate(ir.ValueID(i), ir.I64Type)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}

	// rax rcx rdx rsi rdi r8 r9 are the only caller-saved allocatable
	// registers.
	if len(*relocations) != 1 {
		t.Errorf("expected 1 spill, got %d", len(*relocations))
	}
	if len(allocator.UsedCalleeSaved()) != 0 {
		t.Errorf("unexpected callee saved usage")
	}
}

func TestRequireEvictsOccupant(t *testing.T) {
	allocator, relocations := newTestAllocator(t, "linux-x64", nil)

	_, err := allocator.Allocate(0, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if operandString(allocator, 0) != "rax" {
		t.Fatalf("expected rax, got %s", operandString(allocator, 0))
	}

	_, err = allocator.Require(1, ir.I32Type, amd64.Register("eax"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if operandString(allocator, 1) != "eax" {
		t.Errorf("expected eax, got %s", operandString(allocator, 1))
	}
	if operandString(allocator, 0) != "qword ptr [rbp - 8]" {
		t.Errorf("expected spilled value, got %s", operandString(allocator, 0))
	}
	if len(*relocations) != 1 || (*relocations)[0].from != "rax" {
		t.Errorf("unexpected relocations: %+v", *relocations)
	}

	err = allocator.CheckInvariants([]ir.ValueID{0, 1})
	if err != nil {
		t.Errorf("unexpected invariant violation: %s", err)
	}
}

func TestRequireMovesValue(t *testing.T) {
	allocator, relocations := newTestAllocator(t, "windows-x64", nil)

	_, err := allocator.Allocate(0, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	_, err = allocator.Require(0, ir.I64Type, amd64.Register("rcx"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(*relocations) != 1 ||
		(*relocations)[0].from != "rax" ||
		(*relocations)[0].to != "rcx" {
		t.Errorf("unexpected relocations: %+v", *relocations)
	}

	_, ok := allocator.Occupant(amd64.Register("rax"))
	if ok {
		t.Errorf("rax should be free")
	}

	// Requiring the current register is a no-op.
	op, err := allocator.Require(0, ir.I64Type, amd64.Register("rcx"))
	if err != nil || op.String() != "rcx" || len(*relocations) != 1 {
		t.Errorf("unexpected relocation")
	}
}

func TestPinnedValuesAreNotSpilled(t *testing.T) {
	allocator, relocations := newTestAllocator(t, "linux-x64", nil)

	for i := 0; i < 7; i++ {
		_, err := allocator.Allocate(ir.ValueID(i), ir.I64Type)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}

	allocator.Pin(0)
	_, err := allocator.Allocate(7, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(*relocations) != 1 || (*relocations)[0].id != 1 {
		t.Errorf("expected value 1 to be spilled: %+v", *relocations)
	}

	for i := 0; i < 8; i++ {
		allocator.Pin(ir.ValueID(i))
	}
	_, err = allocator.Allocate(8, ir.I64Type)
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("expected allocation failure, got %v", err)
	}

	allocator.UnpinAll()
	_, err = allocator.Allocate(8, ir.I64Type)
	if err != nil {
		t.Errorf("unexpected error: %s", err)
	}
}

func TestReserveAndRelease(t *testing.T) {
	allocator, _ := newTestAllocator(t, "linux-x64", nil)
	rax := amd64.Register("rax")

	_, err := allocator.Allocate(0, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err = allocator.Reserve(rax)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if allocator.DataLocation(0).OnStack != true {
		t.Errorf("reserved register's occupant should be spilled")
	}

	_, err = allocator.Allocate(1, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if operandString(allocator, 1) != "rcx" {
		t.Errorf("expected rcx, got %s", operandString(allocator, 1))
	}

	allocator.Release(rax)
	_, err = allocator.Allocate(2, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if operandString(allocator, 2) != "rax" {
		t.Errorf("expected rax, got %s", operandString(allocator, 2))
	}
}

func TestVectorAndAggregateAllocation(t *testing.T) {
	allocator, _ := newTestAllocator(t, "linux-x64", nil)

	_, err := allocator.Allocate(0, ir.F64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if operandString(allocator, 0) != "xmm0" {
		t.Errorf("expected xmm0, got %s", operandString(allocator, 0))
	}

	point := ir.NewStruct(
		"point",
		ir.Field{Name: "x", Type: ir.I32Type},
		ir.Field{Name: "y", Type: ir.I32Type},
		ir.Field{Name: "z", Type: ir.I32Type})

	_, err = allocator.Allocate(1, point)
	if !errors.Is(err, platform.ErrUnsupportedType) {
		t.Errorf("expected unsupported type, got %v", err)
	}

	op, err := allocator.AllocateStack(1, point)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	mem, ok := op.(*architecture.MemoryOperand)
	if !ok {
		t.Fatalf("expected memory operand, got %s", op)
	}
	if mem.Displacement%8 != 0 || mem.Width != 0 {
		t.Errorf("unexpected aggregate slot: %s", mem)
	}
}

func TestCheckInvariantsDetectsDeadValues(t *testing.T) {
	allocator, _ := newTestAllocator(t, "linux-x64", nil)

	_, err := allocator.Allocate(0, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err = allocator.CheckInvariants(nil)
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("expected invariant violation, got %v", err)
	}

	err = allocator.CheckInvariants([]ir.ValueID{0, 1})
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("expected invariant violation, got %v", err)
	}

	allocator.Free(0)
	err = allocator.CheckInvariants(nil)
	if err != nil {
		t.Errorf("unexpected invariant violation: %s", err)
	}
}

func TestFurthestNextUseSpill(t *testing.T) {
	l := newCountingLoop(t)
	liveness := AnalyzeLiveness(l.fn)

	allocator, relocations := newTestAllocator(t, "linux-x64", liveness)
	if allocator.Policy.Name() != "furthest-next-use" {
		t.Errorf("unexpected policy: %s", allocator.Policy.Name())
	}

	allocator.SetPosition(3)
	for _, value := range []*ir.Value{l.n, l.next} {
		_, err := allocator.Allocate(value.ID, value.Type)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}

	// Fill the remaining caller-saved registers with values that are never
	// used.
	for i := 100; i < 105; i++ {
		_, err := allocator.Allocate(ir.ValueID(i), ir.I64Type)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}

	allocator.Pin(l.n.ID)
	allocator.Pin(l.next.ID)
	_, err := allocator.Allocate(200, ir.I64Type)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// All unused values tie at infinity; the oldest of them goes first.
	if len(*relocations) != 1 || (*relocations)[0].id != 100 {
		t.Errorf("unexpected spill: %+v", *relocations)
	}

	expired := allocator.Expire(4)
	if len(expired) != 1 || expired[0] != l.n.ID {
		t.Errorf("unexpected expired values: %v", expired)
	}
}

func TestSpillPolicySelect(t *testing.T) {
	candidates := []SpillCandidate{
		{ID: 1, NextUse: 10, Sequence: 2},
		{ID: 2, NextUse: 30, Sequence: 1},
		{ID: 3, NextUse: 30, Sequence: 0},
		{ID: 4, NextUse: 5, Sequence: 3},
	}

	if (FurthestNextUse{}).Select(candidates) != 3 {
		t.Errorf("expected furthest next use with oldest tie break")
	}
	if (OldestFirst{}).Select(candidates) != 3 {
		t.Errorf("expected oldest")
	}

	if SpillPolicyByName("oldest-first") == nil ||
		SpillPolicyByName("") == nil ||
		SpillPolicyByName("random") != nil {
		t.Errorf("unexpected policy lookup")
	}
}
