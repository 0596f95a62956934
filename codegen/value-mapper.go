package codegen

import (
	"fmt"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/codegen/allocator"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

func RegisterClassOf(valueType *ir.Type) (architecture.RegisterClass, error) {
	return allocator.ClassOf(valueType)
}

// Resolves IR values to operands at the current program point.
type ValueMapper struct {
	allocator *allocator.Allocator
	constants *ConstantPool

	symbolPrefix string
	absolute     bool

	memoryResident allocator.ValueSet
}

func NewValueMapper(
	alloc *allocator.Allocator,
	constants *ConstantPool,
	symbolPrefix string,
	absolute bool,
	memoryResident allocator.ValueSet,
) *ValueMapper {
	if memoryResident == nil {
		memoryResident = allocator.ValueSet{}
	}
	return &ValueMapper{
		allocator:      alloc,
		constants:      constants,
		symbolPrefix:   symbolPrefix,
		absolute:       absolute,
		memoryResident: memoryResident,
	}
}

func (mapper *ValueMapper) IsMemoryResident(value *ir.Value) bool {
	return mapper.memoryResident.Contains(value.ID)
}

func (mapper *ValueMapper) Operand(
	value *ir.Value,
) (
	architecture.Operand,
	error,
) {
	switch value.Kind {
	case ir.LiteralValue, ir.ConstantValue:
		if value.Type.Kind == ir.String {
			return ConstantOperand(
				mapper.constants.String(value.Literal.Str),
				0,
				mapper.absolute), nil
		}
		return Immediate(value)

	case ir.GlobalValue:
		return mapper.Global(value), nil

	case ir.LocalValue, ir.TemporaryValue:
		if mapper.IsMemoryResident(value) {
			return mapper.allocator.AllocateStack(value.ID, value.Type)
		}
		return mapper.allocator.Allocate(value.ID, value.Type)
	}

	panic("unhandled value kind: " + string(value.Kind))
}

// The global's storage.  Globals never live in registers.
func (mapper *ValueMapper) Global(value *ir.Value) *architecture.MemoryOperand {
	width := 0
	if !value.Type.IsAggregate() {
		width = architecture.BitWidth(value.Type)
	}

	alignment := architecture.Alignment(value.Type)
	if alignment > architecture.StackFrameAlignment {
		alignment = architecture.StackFrameAlignment
	}

	return &architecture.MemoryOperand{
		Symbol:      mapper.symbolPrefix + value.Name,
		RIPRelative: !mapper.absolute,
		Width:       width,
		Alignment:   alignment,
	}
}

// Immediate converts a literal or named constant into an immediate operand
// of the value's width.
func Immediate(value *ir.Value) (*architecture.ImmediateOperand, error) {
	valueType := value.Type
	switch {
	case valueType.IsFloat():
		return architecture.NewFloatImmediate(
			value.Literal.Float,
			architecture.BitWidth(valueType)), nil

	case valueType.Kind == ir.Bool:
		if value.Literal.Bool {
			return architecture.NewIntImmediate(1, 8), nil
		}
		return architecture.NewIntImmediate(0, 8), nil

	case valueType.Kind == ir.Char:
		return architecture.NewIntImmediate(int64(value.Literal.Char), 32), nil

	case valueType.IsInt() || valueType.Kind == ir.Pointer:
		width := architecture.BitWidth(valueType)
		return architecture.NewIntImmediate(
			truncate(value.Literal.Int, width, valueType.IsSignedInt()),
			width), nil
	}

	return nil, fmt.Errorf(
		"%w: %s literal (%s) is not an immediate",
		platform.ErrUnsupportedType,
		valueType,
		value.LiteralString())
}

// Sign or zero extends the low width bits.
func truncate(value int64, width int, signed bool) int64 {
	if width >= 64 {
		return value
	}

	shift := 64 - width
	if signed {
		return value << shift >> shift
	}
	return int64(uint64(value) << shift >> shift)
}
