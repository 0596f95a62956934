package ir

import (
	"fmt"
	"strings"
)

type Kind string

const (
	I8  = Kind("i8")
	I16 = Kind("i16")
	I32 = Kind("i32")
	I64 = Kind("i64")

	U8  = Kind("u8")
	U16 = Kind("u16")
	U32 = Kind("u32")
	U64 = Kind("u64")

	F32 = Kind("f32")
	F64 = Kind("f64")

	Bool   = Kind("bool")
	Char   = Kind("char") // unicode scalar value, 32 bits
	String = Kind("string")
	Void   = Kind("void")

	Pointer = Kind("pointer")
	Array   = Kind("array")
	Struct  = Kind("struct")
)

type Field struct {
	Name string
	Type *Type
}

// Type is immutable once constructed.  Composite types are built with
// NewPointer, NewArray and NewStruct.
type Type struct {
	Kind Kind

	// Pointer / Array element type
	Elem *Type

	// Array length
	Len int

	// Named aggregate
	Name   string
	Fields []Field
}

var (
	I8Type  = &Type{Kind: I8}
	I16Type = &Type{Kind: I16}
	I32Type = &Type{Kind: I32}
	I64Type = &Type{Kind: I64}

	U8Type  = &Type{Kind: U8}
	U16Type = &Type{Kind: U16}
	U32Type = &Type{Kind: U32}
	U64Type = &Type{Kind: U64}

	F32Type = &Type{Kind: F32}
	F64Type = &Type{Kind: F64}

	BoolType   = &Type{Kind: Bool}
	CharType   = &Type{Kind: Char}
	StringType = &Type{Kind: String}
	VoidType   = &Type{Kind: Void}

	primitives = map[string]*Type{
		string(I8):     I8Type,
		string(I16):    I16Type,
		string(I32):    I32Type,
		string(I64):    I64Type,
		string(U8):     U8Type,
		string(U16):    U16Type,
		string(U32):    U32Type,
		string(U64):    U64Type,
		string(F32):    F32Type,
		string(F64):    F64Type,
		string(Bool):   BoolType,
		string(Char):   CharType,
		string(String): StringType,
		string(Void):   VoidType,
	}
)

func NewPointer(elem *Type) *Type {
	return &Type{Kind: Pointer, Elem: elem}
}

func NewArray(elem *Type, length int) *Type {
	if length < 0 {
		panic("negative array length")
	}
	return &Type{Kind: Array, Elem: elem, Len: length}
}

func NewStruct(name string, fields ...Field) *Type {
	return &Type{Kind: Struct, Name: name, Fields: fields}
}

func PrimitiveType(name string) (*Type, bool) {
	t, ok := primitives[name]
	return t, ok
}

func (t *Type) IsSignedInt() bool {
	switch t.Kind {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

func (t *Type) IsUnsignedInt() bool {
	switch t.Kind {
	case U8, U16, U32, U64:
		return true
	}
	return false
}

func (t *Type) IsInt() bool {
	return t.IsSignedInt() || t.IsUnsignedInt()
}

func (t *Type) IsFloat() bool {
	return t.Kind == F32 || t.Kind == F64
}

// Integer-like scalars: ints, bool and char.
func (t *Type) IsIntegral() bool {
	return t.IsInt() || t.Kind == Bool || t.Kind == Char
}

// String values are pointers to read-only, nul terminated data.
func (t *Type) IsPointerLike() bool {
	return t.Kind == Pointer || t.Kind == String
}

func (t *Type) IsAggregate() bool {
	return t.Kind == Array || t.Kind == Struct
}

func (t *Type) FieldIndex(name string) int {
	for idx, field := range t.Fields {
		if field.Name == name {
			return idx
		}
	}
	return -1
}

func (t *Type) Equals(other *Type) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil || t.Kind != other.Kind {
		return false
	}

	switch t.Kind {
	case Pointer:
		return t.Elem.Equals(other.Elem)
	case Array:
		return t.Len == other.Len && t.Elem.Equals(other.Elem)
	case Struct:
		// Named aggregates are nominal.
		return t.Name == other.Name
	default:
		return true
	}
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}

	switch t.Kind {
	case Pointer:
		return "*" + t.Elem.String()
	case Array:
		return fmt.Sprintf("[%d]%s", t.Len, t.Elem)
	case Struct:
		if t.Name != "" {
			return "struct " + t.Name
		}
		fields := []string{}
		for _, field := range t.Fields {
			fields = append(fields, field.Name+" "+field.Type.String())
		}
		return "struct {" + strings.Join(fields, "; ") + "}"
	default:
		return string(t.Kind)
	}
}
