package architecture

import (
	"github.com/pattyshack/x64gen/ir"
)

func ByteSize(valType *ir.Type) int {
	switch valType.Kind {
	case ir.I8, ir.U8, ir.Bool:
		return 1
	case ir.I16, ir.U16:
		return 2
	case ir.I32, ir.U32, ir.F32, ir.Char:
		return 4
	case ir.I64, ir.U64, ir.F64, ir.Pointer, ir.String:
		return AddressByteSize
	case ir.Void:
		return 0
	case ir.Array:
		return valType.Len * ByteSize(valType.Elem)
	case ir.Struct:
		layout := NewStructLayout(valType)
		return layout.Size
	default:
		panic("unhandled type: " + string(valType.Kind))
	}
}

func Alignment(valType *ir.Type) int {
	switch valType.Kind {
	case ir.Void:
		return 1
	case ir.Array:
		return Alignment(valType.Elem)
	case ir.Struct:
		layout := NewStructLayout(valType)
		return layout.Alignment
	default:
		return ByteSize(valType)
	}
}

// Bits used by the value in a register.
func BitWidth(valType *ir.Type) int {
	return ByteSize(valType) * 8
}

func NumRegisters(byteSize int) int {
	return (byteSize + RegisterByteSize - 1) / RegisterByteSize
}

func AlignedSize(byteSize int) int {
	return NumRegisters(byteSize) * RegisterByteSize
}

func AlignUp(value int, alignment int) int {
	return (value + alignment - 1) / alignment * alignment
}

func IsPowerOfTwo(value int) bool {
	return value > 0 && value&(value-1) == 0
}

// Natural (C-like) layout for a named aggregate: each field is placed at
// the next offset aligned to its alignment, and the total size is rounded
// up to the aggregate's alignment.
type StructLayout struct {
	Offsets   []int
	Size      int
	Alignment int
}

func NewStructLayout(structType *ir.Type) *StructLayout {
	if structType.Kind != ir.Struct {
		panic("should never happen")
	}

	layout := &StructLayout{
		Offsets:   make([]int, 0, len(structType.Fields)),
		Alignment: 1,
	}

	offset := 0
	for _, field := range structType.Fields {
		align := Alignment(field.Type)
		if align > layout.Alignment {
			layout.Alignment = align
		}

		offset = AlignUp(offset, align)
		layout.Offsets = append(layout.Offsets, offset)
		offset += ByteSize(field.Type)
	}

	layout.Size = AlignUp(offset, layout.Alignment)
	return layout
}
