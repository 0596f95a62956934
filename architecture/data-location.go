package architecture

import (
	"fmt"
)

// Where a value currently lives.
//
// For now, a data location is either completely in a register or completely
// on stack.
type DataLocation struct {
	Name string

	Register *Register // canonical register

	// Frame slots have negative offsets; incoming stack arguments have
	// positive offsets.  All offsets are relative to the frame base.
	OnStack bool
	Offset  int

	ByteSize  int
	Alignment int
}

func NewRegisterDataLocation(
	name string,
	byteSize int,
	register *Register,
) *DataLocation {
	if register == nil {
		panic("should never happen")
	}

	return &DataLocation{
		Name:      name,
		Register:  register.Canonical(),
		ByteSize:  byteSize,
		Alignment: byteSize,
	}
}

func NewStackDataLocation(
	name string,
	byteSize int,
	alignment int,
	offset int,
) *DataLocation {
	return &DataLocation{
		Name:      name,
		OnStack:   true,
		Offset:    offset,
		ByteSize:  byteSize,
		Alignment: alignment,
	}
}

// The location as an instruction operand.  Register locations use the
// register alias matching the value's size (vector registers always use
// the full xmm name).
func (loc *DataLocation) Operand(frameBase *Register) Operand {
	if !loc.OnStack {
		if loc.Register.Class == VectorClass {
			return NewRegisterOperand(loc.Register)
		}

		width := loc.ByteSize * 8
		if width == 0 || width > 64 {
			width = 64
		}
		return NewRegisterOperand(loc.Register.Alias(width))
	}

	width := loc.ByteSize * 8
	switch width {
	case 8, 16, 32, 64:
	default:
		width = 0 // aggregates are only referenced by address
	}

	alignment := loc.Alignment
	if alignment > StackFrameAlignment {
		alignment = StackFrameAlignment
	}

	return &MemoryOperand{
		Base:         frameBase,
		Displacement: int32(loc.Offset),
		Width:        width,
		Alignment:    alignment,
	}
}

func (loc *DataLocation) Copy() *DataLocation {
	copied := *loc
	return &copied
}

func (loc *DataLocation) String() string {
	if loc.OnStack {
		return fmt.Sprintf(
			"Name: %s Stack: %d ByteSize: %d Alignment: %d",
			loc.Name,
			loc.Offset,
			loc.ByteSize,
			loc.Alignment)
	}
	return fmt.Sprintf(
		"Name: %s Register: %s ByteSize: %d",
		loc.Name,
		loc.Register.Name,
		loc.ByteSize)
}
