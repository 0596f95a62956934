package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

var (
	intArithmetic = map[ir.BinaryOp]string{
		ir.Add: "add",
		ir.Sub: "sub",
		ir.Mul: "imul",
		ir.And: "and",
		ir.Or:  "or",
		ir.Xor: "xor",
	}

	// [f32, f64]
	floatArithmetic = map[ir.BinaryOp][2]string{
		ir.Add: {"addss", "addsd"},
		ir.Sub: {"subss", "subsd"},
		ir.Mul: {"mulss", "mulsd"},
		ir.Div: {"divss", "divsd"},
	}
)

func isCommutative(op ir.BinaryOp) bool {
	switch op {
	case ir.Add, ir.Mul, ir.And, ir.Or, ir.Xor:
		return true
	}
	return false
}

func floatMnemonic(pair [2]string, width int) string {
	if width == 32 {
		return pair[0]
	}
	return pair[1]
}

func (ctx *Context) selectBinary(inst *ir.Instruction) error {
	if inst.BinaryOp.IsComparison() {
		return ctx.selectCompare(inst)
	}

	valueType := inst.Args[0].Type
	switch {
	case valueType.IsFloat():
		return ctx.selectFloatBinary(inst)
	case inst.BinaryOp == ir.Div || inst.BinaryOp == ir.Mod:
		return ctx.selectDivision(inst)
	case inst.BinaryOp == ir.Shl || inst.BinaryOp == ir.Shr:
		return ctx.selectShift(inst)
	default:
		return ctx.selectIntBinary(inst)
	}
}

// Emits "mnemonic dst, src", using imul's three operand form for immediate
// multipliers.
func (ctx *Context) emitIntOp(
	mnemonic string,
	dst architecture.Operand,
	src architecture.Operand,
) error {
	src, err := ctx.encodable(src, ctx.Platform.SecondaryScratchRegister())
	if err != nil {
		return err
	}

	if mnemonic == "imul" {
		imm, ok := src.(*architecture.ImmediateOperand)
		if ok {
			return ctx.Emit(mnemonic, dst, dst, imm)
		}
	}
	return ctx.Emit(mnemonic, dst, src)
}

func (ctx *Context) selectIntBinary(inst *ir.Instruction) error {
	valueType := inst.Dest.Type
	width := architecture.BitWidth(valueType)

	mnemonic, ok := intArithmetic[inst.BinaryOp]
	if !ok {
		return ctx.errorf(
			UnsupportedInstruction,
			"no lowering for %s on %s",
			inst.BinaryOp,
			valueType)
	}

	if mnemonic == "imul" && width == 8 {
		return ctx.selectNarrowMultiply(inst)
	}

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}
	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}
	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}

	destReg, inRegister := dest.(*architecture.RegisterOperand)
	if inRegister &&
		readsRegister(b, destReg.Register) &&
		!readsRegister(a, destReg.Register) {

		if !isCommutative(inst.BinaryOp) {
			inRegister = false
		} else {
			a, b = b, a
		}
	}

	// imul only accepts a register destination.
	if mnemonic == "imul" {
		_, isMem := dest.(*architecture.MemoryOperand)
		if isMem {
			inRegister = false
		}
	}

	if inRegister {
		err = ctx.emitMove(dest, a, valueType)
		if err != nil {
			return err
		}
		return ctx.emitIntOp(mnemonic, dest, b)
	}

	acc := ctx.scratch(width)
	err = ctx.emitMove(acc, a, valueType)
	if err != nil {
		return err
	}
	err = ctx.emitIntOp(mnemonic, acc, b)
	if err != nil {
		return err
	}
	return ctx.emitMove(dest, acc, valueType)
}

// widen loads an integral operand into reg's 32-bit alias, extended per
// the value's signedness.
func (ctx *Context) widen(
	op architecture.Operand,
	valueType *ir.Type,
	reg *architecture.Register,
) (
	*architecture.RegisterOperand,
	error,
) {
	wide := architecture.NewRegisterOperand(reg.Alias(32))

	imm, ok := op.(*architecture.ImmediateOperand)
	if ok {
		return wide, ctx.Emit(
			"mov",
			wide,
			architecture.NewIntImmediate(imm.Int, 32))
	}

	if architecture.BitWidth(valueType) >= 32 {
		return wide, ctx.Emit("mov", wide, op)
	}

	if valueType.IsSignedInt() {
		return wide, ctx.Emit("movsx", wide, op)
	}
	return wide, ctx.Emit("movzx", wide, op)
}

// There is no two operand form of 8-bit imul; the product is computed at
// 32 bits and truncated.
func (ctx *Context) selectNarrowMultiply(inst *ir.Instruction) error {
	valueType := inst.Dest.Type

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}
	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}

	acc, err := ctx.widen(
		a,
		valueType,
		ctx.Platform.ScratchRegister(architecture.GeneralClass))
	if err != nil {
		return err
	}
	multiplier, err := ctx.widen(
		b,
		valueType,
		ctx.Platform.SecondaryScratchRegister())
	if err != nil {
		return err
	}

	err = ctx.Emit("imul", acc, multiplier)
	if err != nil {
		return err
	}

	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}
	return ctx.emitMove(dest, ctx.scratch(8), valueType)
}

// Registers fixed by the division instruction: the quotient register and
// the remainder register.
func (ctx *Context) divisionRegisters() (
	*architecture.Register,
	*architecture.Register,
) {
	constraints := ctx.Platform.DivisionConstraints()
	quotient := constraints.Destination.Register.Require

	var remainder *architecture.Register
	for _, reg := range constraints.Clobbered() {
		if reg == quotient {
			continue
		}

		isSource := false
		for _, src := range constraints.Sources {
			if src.Register.Require == reg {
				isSource = true
				break
			}
		}
		if !isSource {
			remainder = reg
			break
		}
	}

	if remainder == nil {
		panic("should never happen")
	}
	return quotient, remainder
}

func (ctx *Context) selectDivision(inst *ir.Instruction) error {
	valueType := inst.Dest.Type
	width := architecture.BitWidth(valueType)
	signed := valueType.IsSignedInt()

	quotient, remainder := ctx.divisionRegisters()

	for _, reg := range []*architecture.Register{quotient, remainder} {
		err := ctx.Allocator.Reserve(reg)
		if err != nil {
			return ctx.wrap(err)
		}
	}

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}
	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}

	divisorReg := ctx.Platform.SecondaryScratchRegister()

	opWidth := width
	var divisor *architecture.RegisterOperand
	if width < 32 {
		opWidth = 32

		divisor, err = ctx.widen(b, valueType, divisorReg)
		if err != nil {
			return err
		}
		_, err = ctx.widen(a, valueType, quotient)
		if err != nil {
			return err
		}
	} else {
		divisor = architecture.NewRegisterOperand(divisorReg.Alias(width))
		err = ctx.emitMove(divisor, b, valueType)
		if err != nil {
			return err
		}
		err = ctx.emitMove(
			architecture.NewRegisterOperand(quotient.Alias(width)),
			a,
			valueType)
		if err != nil {
			return err
		}
	}

	mnemonic := "div"
	if signed {
		mnemonic = "idiv"
		if opWidth == 64 {
			err = ctx.Emit("cqo")
		} else {
			err = ctx.Emit("cdq")
		}
	} else {
		high := architecture.NewRegisterOperand(remainder.Alias(32))
		err = ctx.Emit("xor", high, high)
	}
	if err != nil {
		return err
	}

	err = ctx.Emit(mnemonic, divisor)
	if err != nil {
		return err
	}

	ctx.Allocator.Release(quotient)
	ctx.Allocator.Release(remainder)

	if inst.BinaryOp == ir.Mod {
		return ctx.setResult(inst.Dest, remainder)
	}
	return ctx.setResult(inst.Dest, quotient)
}

func (ctx *Context) selectShift(inst *ir.Instruction) error {
	valueType := inst.Dest.Type
	width := architecture.BitWidth(valueType)

	mnemonic := "shl"
	if inst.BinaryOp == ir.Shr {
		if valueType.IsSignedInt() {
			mnemonic = "sar"
		} else {
			mnemonic = "shr"
		}
	}

	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}

	imm, ok := b.(*architecture.ImmediateOperand)
	if ok {
		a, err := ctx.operand(inst.Args[0])
		if err != nil {
			return err
		}
		dest, err := ctx.destination(inst.Dest)
		if err != nil {
			return err
		}

		err = ctx.emitMove(dest, a, valueType)
		if err != nil {
			return err
		}
		return ctx.Emit(
			mnemonic,
			dest,
			architecture.NewIntImmediate(imm.Int&int64(width-1), 8))
	}

	countReg := ctx.Platform.ShiftConstraints().Sources[1].Register.Require
	err = ctx.Allocator.Reserve(countReg)
	if err != nil {
		return ctx.wrap(err)
	}

	// Reservation may have moved the operands.
	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}
	b, err = ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}

	acc := ctx.scratch(width)
	err = ctx.emitMove(acc, a, valueType)
	if err != nil {
		return err
	}

	countType := inst.Args[1].Type
	countWidth := architecture.BitWidth(countType)
	switch {
	case countWidth < 32:
		err = ctx.Emit(
			"movzx",
			architecture.NewRegisterOperand(countReg.Alias(32)),
			b)
	default:
		err = ctx.emitMove(
			architecture.NewRegisterOperand(countReg.Alias(countWidth)),
			b,
			countType)
	}
	if err != nil {
		return err
	}

	err = ctx.Emit(
		mnemonic,
		acc,
		architecture.NewRegisterOperand(countReg.Alias(8)))
	if err != nil {
		return err
	}

	ctx.Allocator.Release(countReg)

	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}
	return ctx.emitMove(dest, acc, valueType)
}

func (ctx *Context) selectFloatBinary(inst *ir.Instruction) error {
	valueType := inst.Dest.Type
	width := architecture.BitWidth(valueType)

	pair, ok := floatArithmetic[inst.BinaryOp]
	if !ok {
		return ctx.errorf(
			UnsupportedInstruction,
			"no baseline SSE2 lowering for %s on %s",
			inst.BinaryOp,
			valueType)
	}
	mnemonic := floatMnemonic(pair, width)

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}
	b, err := ctx.operand(inst.Args[1])
	if err != nil {
		return err
	}
	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}

	a = ctx.vectorSource(a)
	b = ctx.vectorSource(b)

	destReg, inRegister := dest.(*architecture.RegisterOperand)
	if inRegister &&
		readsRegister(b, destReg.Register) &&
		!readsRegister(a, destReg.Register) {

		if !isCommutative(inst.BinaryOp) {
			inRegister = false
		} else {
			a, b = b, a
		}
	}

	if inRegister {
		err = ctx.moveVector(dest, a, width)
		if err != nil {
			return err
		}
		return ctx.Emit(mnemonic, dest, b)
	}

	acc := ctx.vectorScratch()
	err = ctx.moveVector(acc, a, width)
	if err != nil {
		return err
	}
	err = ctx.Emit(mnemonic, acc, b)
	if err != nil {
		return err
	}
	return ctx.moveVector(dest, acc, width)
}

func (ctx *Context) selectUnary(inst *ir.Instruction) error {
	valueType := inst.Dest.Type

	a, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}

	if valueType.IsFloat() {
		if inst.UnaryOp != ir.Neg {
			return ctx.errorf(
				InvalidOperand,
				"%s is not defined on %s",
				inst.UnaryOp,
				valueType)
		}
		return ctx.emitSignMask(inst.Dest, a, false)
	}

	dest, err := ctx.destination(inst.Dest)
	if err != nil {
		return err
	}

	err = ctx.emitMove(dest, a, valueType)
	if err != nil {
		return err
	}

	switch {
	case valueType.Kind == ir.Bool && inst.UnaryOp == ir.Not:
		return ctx.Emit("xor", dest, architecture.NewIntImmediate(1, 8))
	case valueType.Kind == ir.Bool:
		return ctx.errorf(InvalidOperand, "%s is not defined on bool", inst.UnaryOp)
	case inst.UnaryOp == ir.Neg:
		return ctx.Emit("neg", dest)
	default:
		return ctx.Emit("not", dest)
	}
}

// Negation (xor with the sign bit) or absolute value (and with everything
// but the sign bit).
func (ctx *Context) emitSignMask(
	destValue *ir.Value,
	src architecture.Operand,
	absolute bool,
) error {
	width := architecture.BitWidth(destValue.Type)

	mnemonic := "xorps"
	if absolute {
		mnemonic = "andps"
	}
	if width == 64 {
		mnemonic = mnemonic[:len(mnemonic)-1] + "d"
	}

	mask := ConstantOperand(
		ctx.Constants.SignMask(width, absolute),
		128,
		ctx.Options.AbsoluteAddressing)

	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}

	destReg, ok := dest.(*architecture.RegisterOperand)
	if !ok {
		destReg = ctx.vectorScratch()
	}

	err = ctx.moveVector(destReg, src, width)
	if err != nil {
		return err
	}
	err = ctx.Emit(mnemonic, destReg, mask)
	if err != nil {
		return err
	}
	return ctx.moveVector(dest, destReg, width)
}
