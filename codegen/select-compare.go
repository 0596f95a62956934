package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

// [signed, unsigned] condition code suffixes
var intConditions = map[ir.BinaryOp][2]string{
	ir.Eq: {"e", "e"},
	ir.Ne: {"ne", "ne"},
	ir.Lt: {"l", "b"},
	ir.Le: {"le", "be"},
	ir.Gt: {"g", "a"},
	ir.Ge: {"ge", "ae"},
}

// Emits the integer comparison and returns the condition code suffix which
// holds when the comparison is true.
func (ctx *Context) emitIntCompare(inst *ir.Instruction) (string, error) {
	valueType := inst.Args[0].Type

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return "", err
	}
	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return "", err
	}

	stageA := false
	switch x := a.(type) {
	case *architecture.ImmediateOperand:
		stageA = true
	case *architecture.MemoryOperand:
		_, bIsMem := b.(*architecture.MemoryOperand)
		stageA = bIsMem || x.Width == 0
	}
	if stageA {
		a, err = ctx.inRegister(
			a,
			valueType,
			ctx.Platform.ScratchRegister(architecture.GeneralClass))
		if err != nil {
			return "", err
		}
	}

	bMem, ok := b.(*architecture.MemoryOperand)
	if ok && bMem.Width == 0 {
		b, err = ctx.inRegister(
			b,
			valueType,
			ctx.Platform.SecondaryScratchRegister())
		if err != nil {
			return "", err
		}
	}

	b, err = ctx.encodable(b, ctx.Platform.SecondaryScratchRegister())
	if err != nil {
		return "", err
	}

	err = ctx.Emit("cmp", a, b)
	if err != nil {
		return "", err
	}

	conditions, ok := intConditions[inst.BinaryOp]
	if !ok {
		panic("should never happen")
	}
	if valueType.IsSignedInt() {
		return conditions[0], nil
	}
	return conditions[1], nil
}

func (ctx *Context) selectCompare(inst *ir.Instruction) error {
	if inst.Dest.Type.Kind != ir.Bool {
		return ctx.errorf(
			InvalidOperand,
			"comparison result must be bool, found %s",
			inst.Dest.Type)
	}

	if inst.Args[0].Type.IsFloat() {
		return ctx.selectFloatCompare(inst)
	}

	condition, err := ctx.emitIntCompare(inst)
	if err != nil {
		return err
	}

	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}
	return ctx.Emit("set"+condition, dest)
}

// ucomiss / ucomisd set ZF, PF and CF.  Unordered (NaN) operands set all
// three, so only "above" style conditions are false on NaN; eq / ne
// additionally consult the parity flag.
func (ctx *Context) selectFloatCompare(inst *ir.Instruction) error {
	valueType := inst.Args[0].Type
	width := architecture.BitWidth(valueType)

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}
	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}
	a = ctx.vectorSource(a)
	b = ctx.vectorSource(b)

	condition := ""
	switch inst.BinaryOp {
	case ir.Gt:
		condition = "a"
	case ir.Ge:
		condition = "ae"
	case ir.Lt:
		condition = "a"
		a, b = b, a
	case ir.Le:
		condition = "ae"
		a, b = b, a
	case ir.Eq:
		condition = "e"
	case ir.Ne:
		condition = "ne"
	default:
		panic("should never happen")
	}

	left, err := ctx.inRegister(
		a,
		valueType,
		ctx.Platform.ScratchRegister(architecture.VectorClass))
	if err != nil {
		return err
	}

	mnemonic := "ucomisd"
	if width == 32 {
		mnemonic = "ucomiss"
	}
	err = ctx.Emit(mnemonic, left, b)
	if err != nil {
		return err
	}

	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}

	err = ctx.Emit("set"+condition, dest)
	if err != nil {
		return err
	}

	parity := ctx.scratch(8)
	switch inst.BinaryOp {
	case ir.Eq:
		err = ctx.Emit("setnp", parity)
		if err == nil {
			err = ctx.Emit("and", dest, parity)
		}
	case ir.Ne:
		err = ctx.Emit("setp", parity)
		if err == nil {
			err = ctx.Emit("or", dest, parity)
		}
	}
	return err
}

// A branch's condition may be fused with the immediately preceding integer
// comparison when the branch is the comparison result's only use.
func fusableCompares(
	fn *ir.Function,
) map[*ir.Instruction]*ir.Instruction {
	useCounts := map[ir.ValueID]int{}
	for _, block := range fn.Blocks {
		for _, inst := range block.Instructions {
			for _, value := range inst.Uses() {
				useCounts[value.ID]++
			}
			for _, edge := range inst.Incoming {
				useCounts[edge.Value.ID]++
			}
		}
	}

	fused := map[*ir.Instruction]*ir.Instruction{}
	for _, block := range fn.Blocks {
		for idx, inst := range block.Instructions {
			if idx == 0 || inst.Op != ir.BranchOp || len(inst.Args) != 1 {
				continue
			}

			prev := block.Instructions[idx-1]
			if prev.Op != ir.BinaryOpcode ||
				!prev.BinaryOp.IsComparison() ||
				prev.Dest != inst.Args[0] ||
				prev.Dest.Kind != ir.TemporaryValue ||
				prev.Args[0].Type.IsFloat() ||
				useCounts[prev.Dest.ID] != 1 {

				continue
			}

			fused[inst] = prev
		}
	}
	return fused
}
