package codegen

import (
	"fmt"
	"math"

	"github.com/pattyshack/x64gen/architecture"
)

// Read-only data referenced by generated code.
type Constant struct {
	Label     string
	Alignment int

	// Numeric data, emitted as .long (ValueWidth 32) or .quad (ValueWidth 64)
	// words.
	Values     []uint64
	ValueWidth int

	// Nul terminated string data.
	IsString bool
	Str      string
}

func (c *Constant) Size() int {
	if c.IsString {
		return len(c.Str) + 1
	}
	return len(c.Values) * c.ValueWidth / 8
}

// Per-function pool of deduplicated constants.  Labels are unique within a
// module as long as the prefix is.
type ConstantPool struct {
	prefix string

	constants []*Constant
	byKey     map[string]*Constant
}

func NewConstantPool(prefix string) *ConstantPool {
	return &ConstantPool{
		prefix: prefix,
		byKey:  map[string]*Constant{},
	}
}

func (pool *ConstantPool) add(key string, constant *Constant) *Constant {
	existing, ok := pool.byKey[key]
	if ok {
		return existing
	}

	constant.Label = fmt.Sprintf("%s%d", pool.prefix, len(pool.constants))
	pool.byKey[key] = constant
	pool.constants = append(pool.constants, constant)
	return constant
}

// Float keeps the full bit pattern for the given width (32 or 64).
func (pool *ConstantPool) Float(value float64, width int) *Constant {
	imm := architecture.NewFloatImmediate(value, width)
	bits := imm.Bits()
	return pool.add(
		fmt.Sprintf("f%d:%x", width, bits),
		&Constant{
			Alignment:  width / 8,
			Values:     []uint64{bits},
			ValueWidth: width,
		})
}

// A 16 byte mask whose low lane has only the sign bit set (for negation) or
// every bit but the sign bit set (for absolute value).  xorps / andps
// require 16 byte aligned memory operands.
func (pool *ConstantPool) SignMask(width int, invert bool) *Constant {
	var lane uint64 = 1 << 63
	if width == 32 {
		lane = 1 << 31
	}
	if invert {
		if width == 32 {
			lane = math.MaxUint32 &^ lane
		} else {
			lane = ^lane
		}
	}

	values := []uint64{lane, 0}
	if width == 32 {
		values = []uint64{lane, 0, 0, 0}
	}

	return pool.add(
		fmt.Sprintf("mask%d:%v", width, invert),
		&Constant{
			Alignment:  16,
			Values:     values,
			ValueWidth: width,
		})
}

func (pool *ConstantPool) String(value string) *Constant {
	return pool.add(
		"str:"+value,
		&Constant{
			Alignment: 1,
			IsString:  true,
			Str:       value,
		})
}

func (pool *ConstantPool) Constants() []*Constant {
	return pool.constants
}

// The constant as a memory operand of the given access width.  Symbol
// references are rip relative unless absolute addressing is requested.
func ConstantOperand(
	constant *Constant,
	width int,
	absolute bool,
) *architecture.MemoryOperand {
	return &architecture.MemoryOperand{
		Symbol:      constant.Label,
		RIPRelative: !absolute,
		Width:       width,
		Alignment:   constant.Alignment,
	}
}
