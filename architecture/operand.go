package architecture

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrInvalidOperand = errors.New("invalid operand")
	ErrStackOverflow  = errors.New("stack overflow")
)

func newInvalidOperandError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperand, fmt.Sprintf(format, args...))
}

// Operand is one of *RegisterOperand, *ImmediateOperand or *MemoryOperand.
type Operand interface {
	isOperand()

	// Operand size in bits.  Zero for address-only memory operands (e.g.,
	// lea source).
	BitWidth() int

	Validate() error
	String() string
}

type RegisterOperand struct {
	*Register
}

func NewRegisterOperand(reg *Register) *RegisterOperand {
	if reg == nil {
		panic("should never happen")
	}
	return &RegisterOperand{Register: reg}
}

func (*RegisterOperand) isOperand() {}

func (op *RegisterOperand) BitWidth() int {
	return op.Width
}

func (op *RegisterOperand) Validate() error {
	if op.Register == nil {
		return newInvalidOperandError("register operand without register")
	}
	return nil
}

func (op *RegisterOperand) String() string {
	return op.Name
}

type ImmediateOperand struct {
	Int     int64
	Float   float64
	IsFloat bool
	Width   int // in bits
}

func NewIntImmediate(value int64, width int) *ImmediateOperand {
	return &ImmediateOperand{Int: value, Width: width}
}

// Float immediates keep full precision for their width.  f32 values are
// rounded through float32.
func NewFloatImmediate(value float64, width int) *ImmediateOperand {
	if width == 32 {
		value = float64(float32(value))
	}
	return &ImmediateOperand{Float: value, IsFloat: true, Width: width}
}

func (*ImmediateOperand) isOperand() {}

func (op *ImmediateOperand) BitWidth() int {
	return op.Width
}

// The value's bit pattern, truncated to the operand width.
func (op *ImmediateOperand) Bits() uint64 {
	if op.IsFloat {
		if op.Width == 32 {
			return uint64(math.Float32bits(float32(op.Float)))
		}
		return math.Float64bits(op.Float)
	}

	if op.Width >= 64 {
		return uint64(op.Int)
	}
	return uint64(op.Int) & (uint64(1)<<op.Width - 1)
}

// Whether the value is encodable as an instruction immediate.  Values of
// width 32 or less are truncated to the operand width by the assembler.
func (op *ImmediateOperand) FitsInt32() bool {
	if op.IsFloat {
		return false
	}
	if op.Width <= 32 {
		return true
	}
	return math.MinInt32 <= op.Int && op.Int <= math.MaxInt32
}

func (op *ImmediateOperand) Validate() error {
	switch op.Width {
	case 8, 16, 32, 64:
	default:
		return newInvalidOperandError("invalid immediate width (%d)", op.Width)
	}

	if op.IsFloat && op.Width != 32 && op.Width != 64 {
		return newInvalidOperandError(
			"invalid float immediate width (%d)",
			op.Width)
	}
	return nil
}

func (op *ImmediateOperand) String() string {
	if op.IsFloat {
		return "0x" + strconv.FormatUint(op.Bits(), 16)
	}
	return strconv.FormatInt(op.Int, 10)
}

// [Base + Index*Scale + Displacement], [rip + Symbol + Displacement] or
// [Symbol + Displacement].
type MemoryOperand struct {
	Base         *Register
	Index        *Register
	Scale        int
	Displacement int32

	Symbol      string
	RIPRelative bool

	Width int // in bits; zero for address-only references

	// Known alignment of the referenced address.  Required for vector
	// accesses.
	Alignment int
}

func (*MemoryOperand) isOperand() {}

func (op *MemoryOperand) BitWidth() int {
	return op.Width
}

// Copy of the operand with a different access width.
func (op *MemoryOperand) WithWidth(width int) *MemoryOperand {
	copied := *op
	copied.Width = width
	return &copied
}

// Copy of the operand with an added displacement.  Alignment is reduced to
// what the new displacement still guarantees.
func (op *MemoryOperand) Offset(delta int) *MemoryOperand {
	copied := *op
	copied.Displacement += int32(delta)
	for copied.Alignment > 1 && delta%copied.Alignment != 0 {
		copied.Alignment /= 2
	}
	return &copied
}

func (op *MemoryOperand) IsFrameBased() bool {
	return op.Base != nil &&
		op.Symbol == "" &&
		(op.Base.IsFramePointer() || op.Base.IsStackPointer())
}

func (op *MemoryOperand) Validate() error {
	if op.Base != nil && op.Base.Class != GeneralClass {
		return newInvalidOperandError("non-general base register (%s)", op.Base)
	}

	if op.Base != nil && op.Base.Width != 64 {
		return newInvalidOperandError("base register (%s) is not 64-bit", op.Base)
	}

	if op.Index != nil {
		if op.Index.Class != GeneralClass || op.Index.Width != 64 {
			return newInvalidOperandError("invalid index register (%s)", op.Index)
		}

		if op.Index.IsStackPointer() {
			return newInvalidOperandError("stack pointer cannot be an index")
		}

		switch op.Scale {
		case 1, 2, 4, 8:
		default:
			return newInvalidOperandError("invalid scale (%d)", op.Scale)
		}
	} else if op.Scale != 0 && op.Scale != 1 {
		return newInvalidOperandError("scale (%d) without index", op.Scale)
	}

	if op.RIPRelative {
		if op.Symbol == "" {
			return newInvalidOperandError("rip relative reference without symbol")
		}
		if op.Base != nil || op.Index != nil {
			return newInvalidOperandError(
				"rip relative reference cannot have base or index")
		}
	}

	if op.Base == nil && op.Index == nil && op.Symbol == "" {
		return newInvalidOperandError("memory operand without address")
	}

	switch op.Width {
	case 0, 8, 16, 32, 64, 128:
	default:
		return newInvalidOperandError("invalid memory width (%d)", op.Width)
	}

	if op.Alignment != 0 {
		if !IsPowerOfTwo(op.Alignment) || op.Alignment > 16 {
			return newInvalidOperandError("invalid alignment (%d)", op.Alignment)
		}

		if op.IsFrameBased() && int(op.Displacement)%op.Alignment != 0 {
			return newInvalidOperandError(
				"displacement (%d) is not a multiple of alignment (%d)",
				op.Displacement,
				op.Alignment)
		}
	}

	return nil
}

func sizeKeyword(width int) string {
	switch width {
	case 8:
		return "byte ptr "
	case 16:
		return "word ptr "
	case 32:
		return "dword ptr "
	case 64:
		return "qword ptr "
	case 128:
		return "xmmword ptr "
	default:
		return ""
	}
}

func (op *MemoryOperand) String() string {
	terms := []string{}
	if op.RIPRelative {
		terms = append(terms, "rip")
	}
	if op.Base != nil {
		terms = append(terms, op.Base.Name)
	}
	if op.Symbol != "" {
		terms = append(terms, op.Symbol)
	}
	if op.Index != nil {
		scale := op.Scale
		if scale == 0 {
			scale = 1
		}
		if scale == 1 {
			terms = append(terms, op.Index.Name)
		} else {
			terms = append(terms, fmt.Sprintf("%s*%d", op.Index.Name, scale))
		}
	}

	address := strings.Join(terms, " + ")
	if op.Displacement > 0 {
		address += fmt.Sprintf(" + %d", op.Displacement)
	} else if op.Displacement < 0 {
		address += fmt.Sprintf(" - %d", -int64(op.Displacement))
	}

	return sizeKeyword(op.Width) + "[" + address + "]"
}

var (
	_ Operand = &RegisterOperand{}
	_ Operand = &ImmediateOperand{}
	_ Operand = &MemoryOperand{}
)
