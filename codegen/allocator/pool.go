package allocator

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

// A register is free if it is not reserved, not locked, and is not used by a
// value.
type registerInfo struct {
	Register *architecture.Register

	// Which value is currently using this register.
	UsedBy ir.ValueID
	InUse  bool

	// Reserved by the instruction being lowered (fixed operand registers).
	Reserved bool

	// Callee-saved registers are locked until released.
	Locked bool
}

func (info *registerInfo) IsFree() bool {
	return !info.InUse && !info.Reserved && !info.Locked
}

func (info *registerInfo) SetUsedBy(id ir.ValueID) {
	if info.InUse {
		panic("should never happen")
	}
	info.UsedBy = id
	info.InUse = true
}

func (info *registerInfo) Clear() {
	info.UsedBy = 0
	info.InUse = false
}

// Registers of a single class, in allocation preference order.
type registerPool struct {
	class architecture.RegisterClass

	order     []*registerInfo
	registers map[*architecture.Register]*registerInfo
}

func newRegisterPool(
	class architecture.RegisterClass,
	preferred []*architecture.Register,
	isCalleeSaved func(*architecture.Register) bool,
) *registerPool {
	pool := &registerPool{
		class:     class,
		registers: map[*architecture.Register]*registerInfo{},
	}

	// Caller-saved registers are preferred since using them doesn't require
	// prologue / epilogue saves.
	callee := []*registerInfo{}
	for _, reg := range preferred {
		reg = reg.Canonical()
		if reg.Class != class {
			panic("should never happen")
		}

		info := &registerInfo{
			Register: reg,
			Locked:   isCalleeSaved(reg),
		}
		pool.registers[reg] = info
		if info.Locked {
			callee = append(callee, info)
		} else {
			pool.order = append(pool.order, info)
		}
	}
	pool.order = append(pool.order, callee...)

	return pool
}

// This returns nil if reg is not managed by the pool.
func (pool *registerPool) Get(reg *architecture.Register) *registerInfo {
	return pool.registers[reg.Canonical()]
}

// The first free register in preference order, or nil.
func (pool *registerPool) TakeFree() *registerInfo {
	for _, info := range pool.order {
		if info.IsFree() {
			return info
		}
	}
	return nil
}

// Occupied registers, in preference order.
func (pool *registerPool) Occupied() []*registerInfo {
	occupied := []*registerInfo{}
	for _, info := range pool.order {
		if info.InUse {
			occupied = append(occupied, info)
		}
	}
	return occupied
}

func (pool *registerPool) Unlock() {
	for _, info := range pool.order {
		info.Locked = false
	}
}
