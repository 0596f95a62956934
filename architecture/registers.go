package architecture

import (
	"fmt"
)

const (
	// Assumption: we only support 64 bit architecture.
	RegisterByteSize = 8
	AddressByteSize  = RegisterByteSize
)

type RegisterClass string

const (
	// Usable for signed/unsigned int, bool, char and pointer operations.
	GeneralClass = RegisterClass("general")

	// Usable for scalar float operations.
	VectorClass = RegisterClass("vector")
)

type RegisterRole string

const (
	DataRole         = RegisterRole("")
	StackPointerRole = RegisterRole("stack-pointer")
	FramePointerRole = RegisterRole("frame-pointer")
)

// A register name of a particular width.  Registers are compared by
// pointer identity.
type Register struct {
	Name     string
	Width    int // in bits
	Encoding int // 0 - 15
	Class    RegisterClass

	family *RegisterFamily
}

func (reg *Register) ByteSize() int {
	return reg.Width / 8
}

func (reg *Register) Family() *RegisterFamily {
	return reg.family
}

// The family member of the requested width, or nil if the family has no
// such member.
func (reg *Register) Alias(width int) *Register {
	return reg.family.members[width]
}

// The register as tracked by the allocator (64-bit general / 128-bit
// vector).
func (reg *Register) Canonical() *Register {
	return reg.family.Canonical
}

func (reg *Register) IsStackPointer() bool {
	return reg.family.Role == StackPointerRole
}

func (reg *Register) IsFramePointer() bool {
	return reg.family.Role == FramePointerRole
}

// Two registers overlap iff they share the same physical storage.
func (reg *Register) Overlaps(other *Register) bool {
	return reg.family == other.family
}

func (reg *Register) String() string {
	return reg.Name
}

// Assumptions:
//
// 1. When a portion (e.g., AX) of a register is used, the entire register
// (e.g., RAX) is considered occupied.  i.e., a register cannot be
// partitioned into multiple disjointed registers.
//
// 2. Each architecture has exactly one stack pointer register and one frame
// pointer register.  Neither is usable for data.
type RegisterFamily struct {
	Class    RegisterClass
	Encoding int
	Role     RegisterRole

	Canonical *Register

	members map[int]*Register
}

type RegisterName struct {
	Width int
	Name  string
}

// The first member is the family's canonical register.
func NewRegisterFamily(
	class RegisterClass,
	encoding int,
	role RegisterRole,
	names ...RegisterName,
) *RegisterFamily {
	if len(names) == 0 {
		panic("no register names")
	}
	if encoding < 0 || encoding > 15 {
		panic(fmt.Sprintf("invalid register encoding: %d", encoding))
	}

	family := &RegisterFamily{
		Class:    class,
		Encoding: encoding,
		Role:     role,
		members:  map[int]*Register{},
	}

	for _, name := range names {
		_, ok := family.members[name.Width]
		if ok {
			panic("duplicate register width: " + name.Name)
		}

		reg := &Register{
			Name:     name.Name,
			Width:    name.Width,
			Encoding: encoding,
			Class:    class,
			family:   family,
		}
		family.members[name.Width] = reg

		if family.Canonical == nil {
			family.Canonical = reg
		}
	}

	return family
}

func (family *RegisterFamily) Members() []*Register {
	result := make([]*Register, 0, len(family.members))
	for _, width := range []int{8, 16, 32, 64, 128, 256, 512} {
		reg, ok := family.members[width]
		if ok {
			result = append(result, reg)
		}
	}
	return result
}

type RegisterSet struct {
	StackPointer *Register
	FramePointer *Register

	// Canonical registers usable for general operations, in encoding order.
	General []*Register

	// Canonical registers usable for float operations, in encoding order.
	Vector []*Register

	byName map[string]*Register
}

func NewRegisterSet(families ...*RegisterFamily) *RegisterSet {
	set := &RegisterSet{
		byName: map[string]*Register{},
	}

	for _, family := range families {
		for _, reg := range family.Members() {
			_, ok := set.byName[reg.Name]
			if ok {
				panic("added duplicate register: " + reg.Name)
			}
			set.byName[reg.Name] = reg
		}

		switch family.Role {
		case StackPointerRole:
			if set.StackPointer != nil {
				panic("multiple stack pointer register specified")
			}
			set.StackPointer = family.Canonical
		case FramePointerRole:
			if set.FramePointer != nil {
				panic("multiple frame pointer register specified")
			}
			set.FramePointer = family.Canonical
		default:
			switch family.Class {
			case GeneralClass:
				set.General = append(set.General, family.Canonical)
			case VectorClass:
				set.Vector = append(set.Vector, family.Canonical)
			default:
				panic("unknown register class: " + string(family.Class))
			}
		}
	}

	if set.StackPointer == nil {
		panic("no stack pointer register specified")
	}
	if set.FramePointer == nil {
		panic("no frame pointer register specified")
	}

	return set
}

func (set *RegisterSet) Lookup(name string) *Register {
	return set.byName[name]
}

// Registers of the class usable for data, in encoding order.
func (set *RegisterSet) Data(class RegisterClass) []*Register {
	if class == VectorClass {
		return set.Vector
	}
	return set.General
}
