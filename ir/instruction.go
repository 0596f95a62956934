package ir

import (
	"fmt"
	"strings"

	"github.com/pattyshack/gt/parseutil"
)

type Opcode string

const (
	// Store Args[0] into Args[1].  When Args[1] is a local, this is a plain
	// assignment; when it is a pointer, the value is written through it; when
	// it is a global, the global's storage is written.
	StoreOp = Opcode("store")

	// Dest = *Args[0] (pointer), or the current value of a global.
	LoadOp = Opcode("load")

	BinaryOpcode = Opcode("binary")
	UnaryOpcode  = Opcode("unary")

	// Dest = Args[0] converted to Dest.Type
	CastOp = Opcode("cast")

	// Dest = &Args[0][Args[1]].  Args[0] is a pointer; when its element type
	// is a named aggregate, Args[1] must be an immediate field index.
	GetElementPtrOp = Opcode("gep")

	// Dest = &Args[0] where Args[0] is a local or global.
	AddressOfOp = Opcode("addr")

	// Dest = Callee(Args...) or (*Func)(Args...)
	CallOp = Opcode("call")

	PhiOp = Opcode("phi")

	// Dest = Intrinsic(Args...)
	IntrinsicOp = Opcode("intrinsic")

	JumpOp   = Opcode("jmp")
	BranchOp = Opcode("br")
	ReturnOp = Opcode("ret")
)

type BinaryOp string

const (
	Add = BinaryOp("add")
	Sub = BinaryOp("sub")
	Mul = BinaryOp("mul")
	Div = BinaryOp("div")
	Mod = BinaryOp("mod")

	And = BinaryOp("and")
	Or  = BinaryOp("or")
	Xor = BinaryOp("xor")
	Shl = BinaryOp("shl")
	Shr = BinaryOp("shr")

	Eq = BinaryOp("eq")
	Ne = BinaryOp("ne")
	Lt = BinaryOp("lt")
	Le = BinaryOp("le")
	Gt = BinaryOp("gt")
	Ge = BinaryOp("ge")
)

func (op BinaryOp) IsComparison() bool {
	switch op {
	case Eq, Ne, Lt, Le, Gt, Ge:
		return true
	}
	return false
}

type UnaryOp string

const (
	Neg = UnaryOp("neg")
	Not = UnaryOp("not") // bitwise for ints, logical for bool
)

type PhiEdge struct {
	Block string
	Value *Value
}

type Instruction struct {
	parseutil.StartEndPos

	Op Opcode

	Dest *Value // nil if the instruction produces no value
	Args []*Value

	BinaryOp BinaryOp
	UnaryOp  UnaryOp

	// Call
	Callee    string // direct call target
	Func      *Value // indirect call target (used when Callee is empty)
	Variadic  bool
	FixedArgs int // number of non-variadic arguments

	// Intrinsic name
	Intrinsic string

	// Jump: [target]; Branch: [true target, false target]
	Targets []string

	Incoming []PhiEdge

	// Optional lexical scope name, for diagnostics only
	Scope string

	// Internal (set by Function.Link)
	Parent *Block
}

func (inst *Instruction) IsTerminator() bool {
	switch inst.Op {
	case JumpOp, BranchOp, ReturnOp:
		return true
	}
	return false
}

// A store whose target is a local of the stored value's type (i.e., a plain
// assignment rather than a write through a pointer or to a global).
func (inst *Instruction) IsLocalAssignment() bool {
	if inst.Op != StoreOp || len(inst.Args) != 2 {
		return false
	}
	target := inst.Args[1]
	return target.IsVariable() && target.Type.Equals(inst.Args[0].Type)
}

// Values read by the instruction, in operand order.  Phi incoming values
// are not included since they are read on the incoming edges.  The target
// of a local assignment is a definition, not a use.
func (inst *Instruction) Uses() []*Value {
	uses := make([]*Value, 0, len(inst.Args)+1)
	if inst.IsLocalAssignment() {
		uses = append(uses, inst.Args[0])
	} else {
		uses = append(uses, inst.Args...)
	}
	if inst.Func != nil {
		uses = append(uses, inst.Func)
	}
	return uses
}

// Variables written by the instruction.
func (inst *Instruction) Defs() []*Value {
	if inst.IsLocalAssignment() {
		return []*Value{inst.Args[1]}
	}
	if inst.Dest != nil && inst.Dest.IsVariable() {
		return []*Value{inst.Dest}
	}
	return nil
}

// Short human readable description used by diagnostics.
func (inst *Instruction) Construct() string {
	switch inst.Op {
	case BinaryOpcode:
		return string(inst.BinaryOp)
	case UnaryOpcode:
		return string(inst.UnaryOp)
	case CallOp:
		if inst.Callee != "" {
			return "call " + inst.Callee
		}
		return "call"
	case IntrinsicOp:
		return "intrinsic " + inst.Intrinsic
	default:
		return string(inst.Op)
	}
}

func (inst *Instruction) String() string {
	builder := &strings.Builder{}
	if inst.Dest != nil {
		fmt.Fprintf(builder, "%s: %s = ", inst.Dest, inst.Dest.Type)
	}

	builder.WriteString(inst.Construct())

	args := []string{}
	for _, arg := range inst.Args {
		args = append(args, arg.String())
	}
	for _, edge := range inst.Incoming {
		args = append(args, fmt.Sprintf("[%s: %s]", edge.Block, edge.Value))
	}
	args = append(args, inst.Targets...)

	if len(args) > 0 {
		builder.WriteString(" ")
		builder.WriteString(strings.Join(args, ", "))
	}
	return builder.String()
}
