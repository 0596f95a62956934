package platform

import (
	"errors"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

var ErrUnsupportedType = errors.New("unsupported type")

type ArchitectureName string
type OperatingSystemName string

const (
	Amd64 = ArchitectureName("amd64")

	Linux   = OperatingSystemName("linux")
	Windows = OperatingSystemName("windows")
	Darwin  = OperatingSystemName("darwin")
)

type ObjectFormat string

const (
	ELF   = ObjectFormat("elf")
	MachO = ObjectFormat("macho")
	COFF  = ObjectFormat("coff")
)

type Target struct {
	Name         string
	Architecture ArchitectureName
	OS           OperatingSystemName
	ObjectFormat ObjectFormat
}

func (target Target) String() string {
	return target.Name
}

// ABI descriptor.  Descriptors are immutable and shared by all concurrent
// function generators.
type ABI struct {
	Name string

	// Argument registers, in assignment order.
	IntArgs    []*architecture.Register
	VectorArgs []*architecture.Register

	IntReturn    []*architecture.Register
	VectorReturn []*architecture.Register

	CalleeSaved []*architecture.Register
	CallerSaved []*architecture.Register

	// Bytes the caller reserves above the return address for the callee to
	// spill register arguments.
	ShadowSpace int

	// Bytes below the stack pointer usable by leaf functions without
	// adjusting the stack pointer.
	RedZone int

	StackAlignment int

	// When true, each argument consumes one slot of both register sequences
	// (i.e., the n-th argument uses the n-th int or the n-th vector
	// register).  Otherwise, int and vector registers are assigned with
	// independent counters.
	PositionalArgs bool

	// Variadic float arguments are also passed in the matching int register.
	DuplicateVariadicFloats bool

	// Variadic calls pass the number of vector registers used in al.
	VariadicVectorCount bool

	LocalLabelPrefix string
	SymbolPrefix     string
	ObjectFormat     ObjectFormat
}

func contains(list []*architecture.Register, reg *architecture.Register) bool {
	reg = reg.Canonical()
	for _, entry := range list {
		if entry == reg {
			return true
		}
	}
	return false
}

func (abi *ABI) IsCalleeSaved(reg *architecture.Register) bool {
	return contains(abi.CalleeSaved, reg)
}

func (abi *ABI) IsCallerSaved(reg *architecture.Register) bool {
	return contains(abi.CallerSaved, reg)
}

func (abi *ABI) IsArgumentRegister(reg *architecture.Register) bool {
	return contains(abi.IntArgs, reg) || contains(abi.VectorArgs, reg)
}

// Byte offset (from the frame base, after the standard prologue) of the
// first stack passed argument.
func (abi *ABI) IncomingStackArgumentsOffset() int {
	// previous frame pointer + return address + shadow space
	return 2*architecture.AddressByteSize + abi.ShadowSpace
}

type Platform interface {
	ArchitectureName() ArchitectureName
	OperatingSystemName() OperatingSystemName
	Target() Target

	ABI() *ABI

	RegisterSet() *architecture.RegisterSet

	// Registers the allocator may hand out, in preference order.  Scratch
	// registers, the stack pointer and the frame base are never included.
	AllocatableRegisters(class architecture.RegisterClass) []*architecture.Register

	// Registers never handed out by the register allocator.
	ScratchRegister(class architecture.RegisterClass) *architecture.Register
	SecondaryScratchRegister() *architecture.Register

	CallTypeSpec() CallTypeSpec

	// Register and stack layout for a call site (or, for incoming
	// parameters, the function's own signature).
	CallConvention(
		paramTypes []*ir.Type,
		returnType *ir.Type,
		variadic bool,
		numFixedArgs int,
	) (
		*architecture.CallConvention,
		error,
	)

	DivisionConstraints() *architecture.InstructionConstraints
	ShiftConstraints() *architecture.InstructionConstraints
}
