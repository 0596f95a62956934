package allocator

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

var ErrAllocation = errors.New("register allocation failure")

// Invoked whenever a live value moves between locations, before the
// allocator's bookkeeping is updated.  The observer is responsible for
// emitting the data transfer.
type RelocationObserver func(
	id ir.ValueID,
	from *architecture.DataLocation,
	to *architecture.DataLocation,
) error

// Linear scan register allocator for a single function.
//
// Values are allocated on demand as instructions are lowered in layout
// order.  When a register class is exhausted, the spill policy picks a
// victim which is moved to its own frame slot.  Spills are permanent: a
// spilled value stays in its slot until freed.
type Allocator struct {
	platform  platform.Platform
	abi       *platform.ABI
	frameBase *architecture.Register

	Frame    *architecture.StackFrame
	Liveness *Liveness // optional
	Policy   SpillPolicy

	pools map[architecture.RegisterClass]*registerPool

	locations    map[ir.ValueID]*architecture.DataLocation
	types        map[ir.ValueID]*ir.Type
	sequence     map[ir.ValueID]int
	nextSequence int

	position int
	pinned   ValueSet

	usedCalleeSaved map[*architecture.Register]struct{}

	observer RelocationObserver
}

func NewAllocator(
	targetPlatform platform.Platform,
	frame *architecture.StackFrame,
	liveness *Liveness,
) *Allocator {
	abi := targetPlatform.ABI()

	var policy SpillPolicy = FurthestNextUse{}
	if liveness == nil {
		policy = OldestFirst{}
	}

	allocator := &Allocator{
		platform:        targetPlatform,
		abi:             abi,
		frameBase:       targetPlatform.RegisterSet().FramePointer,
		Frame:           frame,
		Liveness:        liveness,
		Policy:          policy,
		pools:           map[architecture.RegisterClass]*registerPool{},
		locations:       map[ir.ValueID]*architecture.DataLocation{},
		types:           map[ir.ValueID]*ir.Type{},
		sequence:        map[ir.ValueID]int{},
		pinned:          ValueSet{},
		usedCalleeSaved: map[*architecture.Register]struct{}{},
	}

	for _, class := range []architecture.RegisterClass{
		architecture.GeneralClass,
		architecture.VectorClass,
	} {
		allocator.pools[class] = newRegisterPool(
			class,
			targetPlatform.AllocatableRegisters(class),
			abi.IsCalleeSaved)
	}

	return allocator
}

func (allocator *Allocator) SetObserver(observer RelocationObserver) {
	allocator.observer = observer
}

// The position of the instruction currently being lowered.  Used for next
// use distances.
func (allocator *Allocator) SetPosition(pos int) {
	allocator.position = pos
}

func (allocator *Allocator) Position() int {
	return allocator.position
}

func (allocator *Allocator) FrameBase() *architecture.Register {
	return allocator.frameBase
}

func ClassOf(valueType *ir.Type) (architecture.RegisterClass, error) {
	switch {
	case valueType.IsFloat():
		return architecture.VectorClass, nil
	case valueType.IsIntegral() || valueType.IsPointerLike():
		return architecture.GeneralClass, nil
	}
	return "", fmt.Errorf(
		"%w: %s values cannot be held in a register",
		platform.ErrUnsupportedType,
		valueType)
}

func SlotName(id ir.ValueID) string {
	return fmt.Sprintf("%%v%d", id)
}

// The callee-saved registers are locked until released.  Using them
// requires saving / restoring them in the prologue / epilogue.
func (allocator *Allocator) ReleaseCalleeSaved() {
	for _, pool := range allocator.pools {
		pool.Unlock()
	}
}

// Callee-saved registers handed out so far, general registers first, in
// encoding order.
func (allocator *Allocator) UsedCalleeSaved() []*architecture.Register {
	regs := make([]*architecture.Register, 0, len(allocator.usedCalleeSaved))
	for reg := range allocator.usedCalleeSaved {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i int, j int) bool {
		if regs[i].Class != regs[j].Class {
			return regs[i].Class == architecture.GeneralClass
		}
		return regs[i].Encoding < regs[j].Encoding
	})
	return regs
}

func (allocator *Allocator) pool(
	class architecture.RegisterClass,
) *registerPool {
	pool, ok := allocator.pools[class]
	if !ok {
		panic("unknown register class: " + string(class))
	}
	return pool
}

func (allocator *Allocator) registerInfo(
	reg *architecture.Register,
) *registerInfo {
	info := allocator.pool(reg.Class).Get(reg)
	if info == nil {
		panic("register is not allocatable: " + reg.Name)
	}
	return info
}

func (allocator *Allocator) IsTracked(id ir.ValueID) bool {
	_, ok := allocator.locations[id]
	return ok
}

// Ids of all values which currently have a location, sorted.
func (allocator *Allocator) Tracked() []ir.ValueID {
	ids := make([]ir.ValueID, 0, len(allocator.locations))
	for id := range allocator.locations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })
	return ids
}

// A copy of the value's current location, or nil if the value has no
// location.
func (allocator *Allocator) DataLocation(
	id ir.ValueID,
) *architecture.DataLocation {
	loc, ok := allocator.locations[id]
	if !ok {
		return nil
	}
	return loc.Copy()
}

// The value's current location as an operand, or nil if the value has no
// location.
func (allocator *Allocator) Location(id ir.ValueID) architecture.Operand {
	loc, ok := allocator.locations[id]
	if !ok {
		return nil
	}
	return loc.Operand(allocator.frameBase)
}

func (allocator *Allocator) Type(id ir.ValueID) *ir.Type {
	return allocator.types[id]
}

// The value occupying the register, if any.
func (allocator *Allocator) Occupant(
	reg *architecture.Register,
) (
	ir.ValueID,
	bool,
) {
	info := allocator.pool(reg.Class).Get(reg)
	if info == nil || !info.InUse {
		return 0, false
	}
	return info.UsedBy, true
}

func (allocator *Allocator) track(
	id ir.ValueID,
	valueType *ir.Type,
	loc *architecture.DataLocation,
) {
	allocator.locations[id] = loc
	allocator.types[id] = valueType
	_, ok := allocator.sequence[id]
	if !ok {
		allocator.sequence[id] = allocator.nextSequence
		allocator.nextSequence++
	}
}

func (allocator *Allocator) bindRegister(
	id ir.ValueID,
	valueType *ir.Type,
	info *registerInfo,
) *architecture.DataLocation {
	info.SetUsedBy(id)
	if allocator.abi.IsCalleeSaved(info.Register) {
		allocator.usedCalleeSaved[info.Register] = struct{}{}
	}

	loc := architecture.NewRegisterDataLocation(
		SlotName(id),
		architecture.ByteSize(valueType),
		info.Register)
	allocator.track(id, valueType, loc)
	return loc
}

// Allocate returns the value's current location, assigning a free register
// (spilling a victim if necessary) when the value has no location.
func (allocator *Allocator) Allocate(
	id ir.ValueID,
	valueType *ir.Type,
) (
	architecture.Operand,
	error,
) {
	loc, ok := allocator.locations[id]
	if ok {
		return loc.Operand(allocator.frameBase), nil
	}

	class, err := ClassOf(valueType)
	if err != nil {
		return nil, err
	}

	info, err := allocator.takeRegister(class)
	if err != nil {
		return nil, err
	}

	loc = allocator.bindRegister(id, valueType, info)
	return loc.Operand(allocator.frameBase), nil
}

// AllocateStack places the value in its own frame slot.  Aggregates and
// address-taken values are always allocated this way.
func (allocator *Allocator) AllocateStack(
	id ir.ValueID,
	valueType *ir.Type,
) (
	architecture.Operand,
	error,
) {
	loc, ok := allocator.locations[id]
	if ok {
		if !loc.OnStack {
			_, err := allocator.Spill(id)
			if err != nil {
				return nil, err
			}
			loc = allocator.locations[id]
		}
		return loc.Operand(allocator.frameBase), nil
	}

	slot, err := allocator.slotFor(id, valueType)
	if err != nil {
		return nil, err
	}

	allocator.track(id, valueType, slot)
	return slot.Operand(allocator.frameBase), nil
}

// AssignStack binds a value to a fixed (positive) frame base offset, i.e.,
// a stack passed incoming parameter.
func (allocator *Allocator) AssignStack(
	id ir.ValueID,
	valueType *ir.Type,
	offset int,
) {
	if allocator.IsTracked(id) {
		panic("should never happen")
	}

	allocator.track(
		id,
		valueType,
		architecture.NewStackDataLocation(
			SlotName(id),
			architecture.ByteSize(valueType),
			architecture.Alignment(valueType),
			offset))
}

func (allocator *Allocator) slotFor(
	id ir.ValueID,
	valueType *ir.Type,
) (
	*architecture.DataLocation,
	error,
) {
	size := architecture.ByteSize(valueType)
	alignment := architecture.Alignment(valueType)
	if valueType.IsAggregate() && alignment < architecture.AddressByteSize {
		alignment = architecture.AddressByteSize
	}

	name := SlotName(id)
	offset, err := allocator.Frame.Allocate(name, size, alignment)
	if err != nil {
		return nil, err
	}

	return architecture.NewStackDataLocation(name, size, alignment, offset), nil
}

func (allocator *Allocator) takeRegister(
	class architecture.RegisterClass,
) (
	*registerInfo,
	error,
) {
	pool := allocator.pool(class)

	info := pool.TakeFree()
	if info != nil {
		return info, nil
	}

	victim, ok := allocator.selectVictim(pool)
	if !ok {
		return nil, fmt.Errorf(
			"%w: all %s registers are pinned or reserved",
			ErrAllocation,
			class)
	}

	reg := allocator.locations[victim].Register
	_, err := allocator.Spill(victim)
	if err != nil {
		return nil, err
	}

	info = pool.Get(reg)
	if !info.IsFree() {
		panic("should never happen")
	}
	return info, nil
}

func (allocator *Allocator) selectVictim(
	pool *registerPool,
) (
	ir.ValueID,
	bool,
) {
	candidates := []SpillCandidate{}
	for _, info := range pool.Occupied() {
		if info.Reserved || allocator.pinned.Contains(info.UsedBy) {
			continue
		}

		nextUse := math.MaxInt
		if allocator.Liveness != nil {
			nextUse = allocator.Liveness.NextUse(info.UsedBy, allocator.position)
		}

		candidates = append(
			candidates,
			SpillCandidate{
				ID:       info.UsedBy,
				NextUse:  nextUse,
				Sequence: allocator.sequence[info.UsedBy],
			})
	}

	if len(candidates) == 0 {
		return 0, false
	}

	return allocator.Policy.Select(candidates), true
}

func (allocator *Allocator) relocate(
	id ir.ValueID,
	from *architecture.DataLocation,
	to *architecture.DataLocation,
) error {
	if allocator.observer == nil {
		return nil
	}
	return allocator.observer(id, from.Copy(), to.Copy())
}

// Require binds the value to the given register, evicting the register's
// current occupant.  If the value already lives elsewhere, it is moved.
func (allocator *Allocator) Require(
	id ir.ValueID,
	valueType *ir.Type,
	reg *architecture.Register,
) (
	architecture.Operand,
	error,
) {
	reg = reg.Canonical()
	info := allocator.registerInfo(reg)

	if info.InUse && info.UsedBy == id {
		return allocator.Location(id), nil
	}

	if info.Reserved {
		panic("cannot require reserved register: " + reg.Name)
	}

	if info.InUse {
		_, err := allocator.Spill(info.UsedBy)
		if err != nil {
			return nil, err
		}
	}

	current, ok := allocator.locations[id]
	if ok {
		to := architecture.NewRegisterDataLocation(
			SlotName(id),
			architecture.ByteSize(valueType),
			reg)

		err := allocator.relocate(id, current, to)
		if err != nil {
			return nil, err
		}

		if !current.OnStack {
			allocator.registerInfo(current.Register).Clear()
		}
		delete(allocator.locations, id)
	}

	loc := allocator.bindRegister(id, valueType, info)
	return loc.Operand(allocator.frameBase), nil
}

// Evict spills the register's occupant, if any.
func (allocator *Allocator) Evict(reg *architecture.Register) error {
	info := allocator.pool(reg.Class).Get(reg)
	if info == nil || !info.InUse {
		return nil
	}
	_, err := allocator.Spill(info.UsedBy)
	return err
}

// Spill moves the value from its register into its frame slot and returns
// the slot's offset.  Spilling a value already on stack is a no-op.
func (allocator *Allocator) Spill(id ir.ValueID) (int, error) {
	current, ok := allocator.locations[id]
	if !ok {
		panic(fmt.Sprintf("spilling untracked value %d", id))
	}

	if current.OnStack {
		return current.Offset, nil
	}

	slot, err := allocator.slotFor(id, allocator.types[id])
	if err != nil {
		return 0, err
	}

	err = allocator.relocate(id, current, slot)
	if err != nil {
		return 0, err
	}

	allocator.registerInfo(current.Register).Clear()
	allocator.locations[id] = slot
	return slot.Offset, nil
}

// Free releases the value's register.  Frame slots are never reused.
func (allocator *Allocator) Free(id ir.ValueID) {
	loc, ok := allocator.locations[id]
	if !ok {
		return
	}

	if !loc.OnStack {
		allocator.registerInfo(loc.Register).Clear()
	}

	delete(allocator.locations, id)
	delete(allocator.types, id)
	delete(allocator.pinned, id)
}

// Frees every tracked value whose live interval ends at pos.  This returns
// the freed ids.
func (allocator *Allocator) Expire(pos int) []ir.ValueID {
	if allocator.Liveness == nil {
		return nil
	}

	expired := []ir.ValueID{}
	for _, id := range allocator.Liveness.EndsAt(pos) {
		if !allocator.IsTracked(id) {
			continue
		}
		allocator.Free(id)
		expired = append(expired, id)
	}
	return expired
}

// Reserve evicts the register's occupant and removes the register from
// circulation until released.
func (allocator *Allocator) Reserve(reg *architecture.Register) error {
	info := allocator.registerInfo(reg)
	if info.InUse {
		_, err := allocator.Spill(info.UsedBy)
		if err != nil {
			return err
		}
	}
	info.Reserved = true
	return nil
}

func (allocator *Allocator) Release(reg *architecture.Register) {
	allocator.registerInfo(reg).Reserved = false
}

func (allocator *Allocator) ReleaseAll() {
	for _, pool := range allocator.pools {
		for _, info := range pool.order {
			info.Reserved = false
		}
	}
}

// Pinned values are never selected as spill victims.
func (allocator *Allocator) Pin(id ir.ValueID) {
	allocator.pinned.Add(id)
}

func (allocator *Allocator) UnpinAll() {
	allocator.pinned = ValueSet{}
}

// Copies of the given values' current locations.  Untracked values are
// omitted.
func (allocator *Allocator) Snapshot(
	ids []ir.ValueID,
) map[ir.ValueID]*architecture.DataLocation {
	snapshot := make(map[ir.ValueID]*architecture.DataLocation, len(ids))
	for _, id := range ids {
		loc, ok := allocator.locations[id]
		if ok {
			snapshot[id] = loc.Copy()
		}
	}
	return snapshot
}

// CheckInvariants verifies that every register holds at most one value,
// that register and frame slot locations are disjoint, and that the
// tracked values are exactly the live set.
func (allocator *Allocator) CheckInvariants(live []ir.ValueID) error {
	for _, pool := range allocator.pools {
		for _, info := range pool.order {
			if !info.InUse {
				continue
			}

			loc, ok := allocator.locations[info.UsedBy]
			if !ok {
				return fmt.Errorf(
					"%w: %s is used by untracked value %d",
					ErrAllocation,
					info.Register,
					info.UsedBy)
			}
			if loc.OnStack || loc.Register != info.Register {
				return fmt.Errorf(
					"%w: %s is used by value %d located at (%s)",
					ErrAllocation,
					info.Register,
					info.UsedBy,
					loc)
			}
		}
	}

	offsets := map[int]ir.ValueID{}
	for _, id := range allocator.Tracked() {
		loc := allocator.locations[id]
		if !loc.OnStack {
			info := allocator.registerInfo(loc.Register)
			if !info.InUse || info.UsedBy != id {
				return fmt.Errorf(
					"%w: value %d claims unowned register %s",
					ErrAllocation,
					id,
					loc.Register)
			}
			continue
		}

		other, ok := offsets[loc.Offset]
		if ok {
			return fmt.Errorf(
				"%w: values %d and %d share stack offset %d",
				ErrAllocation,
				other,
				id,
				loc.Offset)
		}
		offsets[loc.Offset] = id
	}

	expected := ValueSet{}
	for _, id := range live {
		expected.Add(id)
		if !allocator.IsTracked(id) {
			return fmt.Errorf("%w: live value %d has no location", ErrAllocation, id)
		}
	}

	for id := range allocator.locations {
		if !expected.Contains(id) {
			return fmt.Errorf(
				"%w: dead value %d still has a location",
				ErrAllocation,
				id)
		}
	}

	return nil
}
