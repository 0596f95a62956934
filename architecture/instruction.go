package architecture

import (
	"fmt"
	"strings"
)

// Pseudo instruction which defines Target as a local label.
const LabelMnemonic = ".label"

// A single emitted assembly instruction.  Instructions are immutable once
// accepted into the codegen log.
type Instruction struct {
	Mnemonic string
	Operands []Operand

	// Label for jumps, direct calls and label definitions.
	Target string

	// Free form comment rendered after the instruction.
	Annotation string
}

func NewInstruction(mnemonic string, operands ...Operand) *Instruction {
	return &Instruction{
		Mnemonic: mnemonic,
		Operands: operands,
	}
}

func NewJump(mnemonic string, target string) *Instruction {
	return &Instruction{
		Mnemonic: mnemonic,
		Target:   target,
	}
}

func NewLabel(label string) *Instruction {
	return &Instruction{
		Mnemonic: LabelMnemonic,
		Target:   label,
	}
}

func (inst *Instruction) IsLabel() bool {
	return inst.Mnemonic == LabelMnemonic
}

func (inst *Instruction) IsJump() bool {
	spec, ok := mnemonics[inst.Mnemonic]
	return ok && spec.isBranch
}

// Intel operand order (destination first).
func (inst *Instruction) String() string {
	if inst.IsLabel() {
		return inst.Target + ":"
	}

	builder := &strings.Builder{}
	builder.WriteString(inst.Mnemonic)

	args := make([]string, 0, len(inst.Operands)+1)
	for _, operand := range inst.Operands {
		args = append(args, operand.String())
	}
	if inst.Target != "" {
		args = append(args, inst.Target)
	}

	if len(args) > 0 {
		builder.WriteString(" ")
		builder.WriteString(strings.Join(args, ", "))
	}

	return builder.String()
}

type operandKind int

const (
	gr operandKind = 1 << iota
	vr
	imm
	mem

	rm  = gr | mem
	rmi = gr | mem | imm
	xm  = vr | mem
	rxm = gr | vr | mem
)

type operandForm []operandKind

type mnemonicSpec struct {
	forms []operandForm

	// Form used when the instruction only carries a Target.
	hasTarget bool
	isBranch  bool

	// Register operands of this form must be the count register (cl).
	countRegister bool

	// Vector instruction; memory operands must carry a known alignment.
	isVector bool

	// Required alignment of memory operands (e.g., xorps).
	memoryAlignment int

	allowMemToMem bool
}

var mnemonics = map[string]mnemonicSpec{}

func define(names string, spec mnemonicSpec) {
	for _, name := range strings.Fields(names) {
		_, ok := mnemonics[name]
		if ok {
			panic("duplicate mnemonic: " + name)
		}
		mnemonics[name] = spec
	}
}

func form(kinds ...operandKind) operandForm {
	return operandForm(kinds)
}

func init() {
	define(LabelMnemonic, mnemonicSpec{
		forms:     []operandForm{form()},
		hasTarget: true,
	})

	// https://www.felixcloutier.com/x86/mov
	define("mov", mnemonicSpec{
		forms: []operandForm{form(rm, rmi)},
	})
	define("movsx movzx", mnemonicSpec{
		forms: []operandForm{form(gr, rm)},
	})
	define("movsxd", mnemonicSpec{
		forms: []operandForm{form(gr, rm)},
	})
	define("lea", mnemonicSpec{
		forms: []operandForm{form(gr, mem)},
	})

	define("add sub and or xor cmp", mnemonicSpec{
		forms: []operandForm{form(rm, rmi)},
	})
	define("test", mnemonicSpec{
		forms: []operandForm{form(rm, gr|imm)},
	})

	// https://www.felixcloutier.com/x86/imul
	define("imul", mnemonicSpec{
		forms: []operandForm{form(gr, rm), form(gr, rm, imm)},
	})

	// https://www.felixcloutier.com/x86/idiv (operates on rdx:rax)
	define("neg not idiv div", mnemonicSpec{
		forms: []operandForm{form(rm)},
	})

	define("shl shr sar", mnemonicSpec{
		forms:         []operandForm{form(rm, imm|gr)},
		countRegister: true,
	})

	define("bt btc bts", mnemonicSpec{
		forms: []operandForm{form(rm, imm)},
	})

	define("cbw cwd cdq cqo ret", mnemonicSpec{
		forms: []operandForm{form()},
	})

	define("push pop", mnemonicSpec{
		forms: []operandForm{form(gr)},
	})

	define(
		"sete setne setl setle setg setge setb setbe seta setae setp setnp",
		mnemonicSpec{
			forms: []operandForm{form(rm)},
		})

	define(
		"jmp je jne jl jle jg jge jb jbe ja jae jp jnp js jns jc jnc jz jnz",
		mnemonicSpec{
			forms:     []operandForm{form()},
			hasTarget: true,
			isBranch:  true,
		})

	define("call", mnemonicSpec{
		forms:     []operandForm{form(), form(rm)},
		hasTarget: true,
	})

	// Scalar SSE2
	define("movss movsd", mnemonicSpec{
		forms:    []operandForm{form(xm, xm)},
		isVector: true,
	})
	define("movaps", mnemonicSpec{
		forms:           []operandForm{form(xm, xm)},
		isVector:        true,
		memoryAlignment: 16,
	})
	define("movd movq", mnemonicSpec{
		forms:    []operandForm{form(rxm, rxm)},
		isVector: true,
	})
	define(
		"addss addsd subss subsd mulss mulsd divss divsd sqrtss sqrtsd "+
			"ucomiss ucomisd cvtss2sd cvtsd2ss",
		mnemonicSpec{
			forms:    []operandForm{form(vr, xm)},
			isVector: true,
		})
	define("xorps xorpd andps andpd", mnemonicSpec{
		forms:           []operandForm{form(vr, xm)},
		isVector:        true,
		memoryAlignment: 16,
	})
	define("cvtsi2ss cvtsi2sd", mnemonicSpec{
		forms:    []operandForm{form(vr, rm)},
		isVector: true,
	})
	define("cvttss2si cvttsd2si", mnemonicSpec{
		forms:    []operandForm{form(gr, xm)},
		isVector: true,
	})
}

func IsKnownMnemonic(mnemonic string) bool {
	_, ok := mnemonics[mnemonic]
	return ok
}

func operandKindOf(operand Operand) operandKind {
	switch op := operand.(type) {
	case *RegisterOperand:
		if op.Class == VectorClass {
			return vr
		}
		return gr
	case *ImmediateOperand:
		return imm
	case *MemoryOperand:
		return mem
	default:
		panic(fmt.Sprintf("unexpected operand type: %T", operand))
	}
}

func (inst *Instruction) matchForm(spec mnemonicSpec) bool {
	for _, form := range spec.forms {
		if len(form) != len(inst.Operands) {
			continue
		}

		matched := true
		for idx, operand := range inst.Operands {
			if form[idx]&operandKindOf(operand) == 0 {
				matched = false
				break
			}
		}

		if matched {
			return true
		}
	}
	return false
}

// Validate checks the instruction's arity and operand kinds against the
// mnemonic table, and validates each operand.
func (inst *Instruction) Validate() error {
	spec, ok := mnemonics[inst.Mnemonic]
	if !ok {
		return newInvalidOperandError("unknown mnemonic (%s)", inst.Mnemonic)
	}

	for _, operand := range inst.Operands {
		if operand == nil {
			return newInvalidOperandError("nil operand in %s", inst.Mnemonic)
		}

		err := operand.Validate()
		if err != nil {
			return fmt.Errorf("%s: %w", inst.Mnemonic, err)
		}
	}

	if inst.Target != "" && !spec.hasTarget {
		return newInvalidOperandError("%s does not take a label", inst.Mnemonic)
	}

	if spec.hasTarget && len(inst.Operands) == 0 && inst.Target == "" {
		return newInvalidOperandError("%s requires a label", inst.Mnemonic)
	}

	if inst.Target != "" && len(inst.Operands) > 0 {
		return newInvalidOperandError(
			"%s cannot take both a label and operands",
			inst.Mnemonic)
	}

	if !inst.matchForm(spec) {
		return newInvalidOperandError(
			"invalid operands for %s (%s)",
			inst.Mnemonic,
			inst)
	}

	numMem := 0
	for _, operand := range inst.Operands {
		memOp, ok := operand.(*MemoryOperand)
		if !ok {
			continue
		}
		numMem++

		if spec.isVector && memOp.Alignment == 0 {
			return newInvalidOperandError(
				"vector memory reference without alignment (%s)",
				inst)
		}

		if spec.memoryAlignment > 0 && memOp.Alignment < spec.memoryAlignment {
			return newInvalidOperandError(
				"%s requires %d byte aligned memory (%s)",
				inst.Mnemonic,
				spec.memoryAlignment,
				inst)
		}
	}

	if numMem > 1 && !spec.allowMemToMem {
		return newInvalidOperandError(
			"memory to memory operation is not encodable (%s)",
			inst)
	}

	if spec.countRegister && len(inst.Operands) == 2 {
		reg, ok := inst.Operands[1].(*RegisterOperand)
		if ok && (reg.Encoding != 1 || reg.Width != 8) {
			return newInvalidOperandError(
				"shift count must be in cl (%s)",
				inst)
		}
	}

	for idx, operand := range inst.Operands {
		immOp, ok := operand.(*ImmediateOperand)
		if !ok {
			continue
		}

		if immOp.IsFloat {
			return newInvalidOperandError(
				"float immediates are not encodable (%s)",
				inst)
		}

		if immOp.FitsInt32() {
			continue
		}

		// Only mov r64, imm64 accepts a full 64-bit immediate.
		_, destIsReg := inst.Operands[0].(*RegisterOperand)
		if inst.Mnemonic != "mov" || idx != 1 || !destIsReg {
			return newInvalidOperandError(
				"immediate (%d) does not fit in 32 bits (%s)",
				immOp.Int,
				inst)
		}
	}

	return nil
}
