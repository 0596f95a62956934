package ir

import (
	"fmt"
	"strconv"

	"github.com/pattyshack/gt/parseutil"
)

// Values are referenced by identity.  The identity is stable for the
// lifetime of the owning function and indexes into Function.Values.
type ValueID int

type ValueKind string

const (
	LiteralValue   = ValueKind("literal")
	ConstantValue  = ValueKind("constant")
	LocalValue     = ValueKind("local")
	GlobalValue    = ValueKind("global")
	TemporaryValue = ValueKind("temporary")
)

// Literal payload.  Integer literals store their two's complement bit
// pattern in Int regardless of signedness.
type Literal struct {
	Int   int64
	Float float64
	Bool  bool
	Char  rune
	Str   string
}

type Value struct {
	parseutil.StartEndPos

	ID   ValueID
	Kind ValueKind
	Type *Type

	// Local / temporary / constant / global name.  Temporaries may be
	// unnamed.
	Name string

	// Used by LiteralValue and ConstantValue
	Literal Literal

	// Set for LocalValue parameters
	IsParameter bool
	ParamIndex  int
}

func (v *Value) IsImmediate() bool {
	return v.Kind == LiteralValue || v.Kind == ConstantValue
}

// Values which live in a register or a stack slot.
func (v *Value) IsVariable() bool {
	return v.Kind == LocalValue || v.Kind == TemporaryValue
}

func (v *Value) String() string {
	switch v.Kind {
	case LiteralValue:
		return v.Type.String() + " " + v.LiteralString()
	case GlobalValue:
		return "@" + v.Name
	case ConstantValue:
		return "#" + v.Name
	default:
		if v.Name != "" {
			return "%" + v.Name
		}
		return fmt.Sprintf("%%t%d", v.ID)
	}
}

func (v *Value) LiteralString() string {
	switch {
	case v.Type.IsFloat():
		return strconv.FormatFloat(v.Literal.Float, 'g', -1, 64)
	case v.Type.Kind == Bool:
		return strconv.FormatBool(v.Literal.Bool)
	case v.Type.Kind == Char:
		return strconv.QuoteRune(v.Literal.Char)
	case v.Type.Kind == String:
		return strconv.Quote(v.Literal.Str)
	case v.Type.IsUnsignedInt():
		return strconv.FormatUint(uint64(v.Literal.Int), 10)
	default:
		return strconv.FormatInt(v.Literal.Int, 10)
	}
}
