package architecture

import (
	"sort"
)

// A yet to be determined register, or a required register.
type RegisterConstraint struct {
	// Clobbered registers are caller-saved; registers are callee-saved
	// otherwise.
	Clobbered bool

	AnyGeneral bool
	AnyVector  bool

	Require *Register
}

func (candidate *RegisterConstraint) SatisfyBy(register *Register) bool {
	if candidate.Require != nil {
		return candidate.Require.Overlaps(register)
	}

	if candidate.AnyGeneral && register.Class == GeneralClass {
		return true
	}

	if candidate.AnyVector && register.Class == VectorClass {
		return true
	}

	return false
}

// Where the data is located.
//
// Assumptions: A value must either be completely in a register, or
// completely on stack.
type LocationConstraint struct {
	Register *RegisterConstraint

	// Windows variadic float arguments are passed in both the vector register
	// and the corresponding general register.
	Duplicate *RegisterConstraint

	// When true, the data is passed on the stack at StackOffset relative to
	// the stack pointer at the call site (i.e., after shadow space).
	OnStack     bool
	StackOffset int

	ByteSize int
}

// InstructionConstraints is used to specify an instruction's fixed register
// requirements, and the call convention's register selection / stack
// layout for a particular call site.
//
// Note: do not manually modify the fields. Use the provided methods instead.
type InstructionConstraints struct {
	// Register -> clobbered.
	RequiredRegisters map[*Register]bool

	// In the same order as the instruction's sources.
	Sources []*LocationConstraint

	Destination *LocationConstraint // not set when there is no result
}

func NewInstructionConstraints() *InstructionConstraints {
	return &InstructionConstraints{
		RequiredRegisters: map[*Register]bool{},
	}
}

func (constraints *InstructionConstraints) SelectAnyGeneral(
	clobbered bool,
) *RegisterConstraint {
	return &RegisterConstraint{
		Clobbered:  clobbered,
		AnyGeneral: true,
	}
}

func (constraints *InstructionConstraints) SelectAnyVector(
	clobbered bool,
) *RegisterConstraint {
	return &RegisterConstraint{
		Clobbered: clobbered,
		AnyVector: true,
	}
}

func (constraints *InstructionConstraints) Require(
	clobbered bool,
	register *Register,
) *RegisterConstraint {
	if register.IsStackPointer() {
		panic("cannot select stack pointer")
	}

	register = register.Canonical()
	orig, ok := constraints.RequiredRegisters[register]
	if ok {
		// Clobbering wins since the register's value is not preserved.
		constraints.RequiredRegisters[register] = orig || clobbered
	} else {
		constraints.RequiredRegisters[register] = clobbered
	}

	return &RegisterConstraint{
		Clobbered: clobbered,
		Require:   register,
	}
}

func (constraints *InstructionConstraints) AddRegisterSource(
	byteSize int,
	register *RegisterConstraint,
) *LocationConstraint {
	loc := &LocationConstraint{
		Register: register,
		ByteSize: byteSize,
	}
	constraints.Sources = append(constraints.Sources, loc)
	return loc
}

func (constraints *InstructionConstraints) AddStackSource(
	byteSize int,
	stackOffset int,
) *LocationConstraint {
	loc := &LocationConstraint{
		OnStack:     true,
		StackOffset: stackOffset,
		ByteSize:    byteSize,
	}
	constraints.Sources = append(constraints.Sources, loc)
	return loc
}

func (constraints *InstructionConstraints) SetRegisterDestination(
	byteSize int,
	register *RegisterConstraint,
) {
	if constraints.Destination != nil {
		panic("destination already set")
	}
	register.Clobbered = true
	constraints.Destination = &LocationConstraint{
		Register: register,
		ByteSize: byteSize,
	}
}

// Registers whose values are destroyed by the instruction, in encoding
// order.
func (constraints *InstructionConstraints) Clobbered() []*Register {
	result := []*Register{}
	for reg, clobbered := range constraints.RequiredRegisters {
		if clobbered {
			result = append(result, reg)
		}
	}

	sort.Slice(
		result,
		func(i int, j int) bool {
			if result[i].Class != result[j].Class {
				return result[i].Class == GeneralClass
			}
			return result[i].Encoding < result[j].Encoding
		})
	return result
}

type CallConvention struct {
	CallConstraints *InstructionConstraints

	// Bytes of stack passed arguments (excluding shadow space), register
	// aligned.
	StackArgumentsSize int

	// Bytes the caller reserves directly above the return address for the
	// callee's use.
	ShadowSpace int

	// Number of vector registers used by arguments (SysV variadic calls pass
	// this in al).
	NumVectorArguments int
	Variadic           bool
}

func NewCallConvention(shadowSpace int, variadic bool) *CallConvention {
	return &CallConvention{
		CallConstraints: NewInstructionConstraints(),
		ShadowSpace:     shadowSpace,
		Variadic:        variadic,
	}
}

func (con *CallConvention) AddRegisterSource(
	byteSize int,
	register *Register,
) *LocationConstraint {
	if register.Class == VectorClass {
		con.NumVectorArguments++
	}
	return con.CallConstraints.AddRegisterSource(
		byteSize,
		con.CallConstraints.Require(true, register))
}

func (con *CallConvention) AddStackSource(byteSize int) *LocationConstraint {
	loc := con.CallConstraints.AddStackSource(byteSize, con.StackArgumentsSize)
	con.StackArgumentsSize += AlignedSize(byteSize)
	return loc
}

func (con *CallConvention) SetRegisterDestination(
	byteSize int,
	register *Register,
) {
	con.CallConstraints.SetRegisterDestination(
		byteSize,
		con.CallConstraints.Require(true, register))
}

// All caller-saved registers that are clobbered by the call.
func (con *CallConvention) CallerSaved(registers ...*Register) {
	for _, reg := range registers {
		con.CallConstraints.Require(true, reg)
	}
}

// Total stack adjustment at the call site, including shadow space, rounded
// up to the stack frame alignment.
func (con *CallConvention) StackAdjustment() int {
	return AlignUp(con.ShadowSpace+con.StackArgumentsSize, StackFrameAlignment)
}
