package codegen

import (
	"math"
	"strings"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

type ConversionInfo struct {
	MayLosePrecision bool
	MayOverflow      bool
}

func (info ConversionInfo) Annotation() string {
	notes := []string{}
	if info.MayLosePrecision {
		notes = append(notes, "may lose precision")
	}
	if info.MayOverflow {
		notes = append(notes, "may overflow")
	}
	return strings.Join(notes, ", ")
}

// The number of magnitude bits of an integral type, and whether the type
// admits negative values.
func integralRange(valueType *ir.Type) (int, bool) {
	switch {
	case valueType.Kind == ir.Bool:
		return 1, false
	case valueType.Kind == ir.Char:
		return 21, false // unicode scalar values
	case valueType.IsSignedInt():
		return architecture.BitWidth(valueType) - 1, true
	default:
		return architecture.BitWidth(valueType), false
	}
}

// Whether every value of from is representable in to.
func integralFits(from *ir.Type, to *ir.Type) bool {
	fromBits, fromSigned := integralRange(from)
	toBits, toSigned := integralRange(to)
	if fromSigned && !toSigned {
		return false
	}
	return fromBits <= toBits
}

func mantissaBits(floatType *ir.Type) int {
	if floatType.Kind == ir.F32 {
		return 24
	}
	return 53
}

func Conversion(from *ir.Type, to *ir.Type) ConversionInfo {
	switch {
	case from.Equals(to) || to.Kind == ir.Bool:
		return ConversionInfo{}

	case from.IsFloat() && to.IsFloat():
		narrowing := architecture.ByteSize(to) < architecture.ByteSize(from)
		return ConversionInfo{
			MayLosePrecision: narrowing,
			MayOverflow:      narrowing,
		}

	case from.IsFloat():
		return ConversionInfo{
			MayLosePrecision: true,
			MayOverflow:      true,
		}

	case to.IsFloat():
		bits, _ := integralRange(from)
		if from.IsPointerLike() {
			bits = 64
		}
		return ConversionInfo{
			MayLosePrecision: bits > mantissaBits(to),
		}

	case from.IsPointerLike() || to.IsPointerLike():
		return ConversionInfo{
			MayOverflow: architecture.ByteSize(to) < architecture.ByteSize(from),
		}

	default:
		return ConversionInfo{
			MayOverflow: !integralFits(from, to),
		}
	}
}

func (ctx *Context) selectCast(inst *ir.Instruction) error {
	from := inst.Args[0].Type
	to := inst.Dest.Type

	start := len(*ctx.output)

	src, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}

	mem, ok := src.(*architecture.MemoryOperand)
	if ok && mem.Width == 0 && !from.IsPointerLike() {
		return ctx.errorf(InvalidOperand, "cannot convert %s to %s", from, to)
	}
	if ok && mem.Width == 0 && !to.IsPointerLike() && to.Kind != ir.Bool {
		src, err = ctx.inRegister(
			src,
			from,
			ctx.Platform.ScratchRegister(architecture.GeneralClass))
		if err != nil {
			return err
		}
	}

	switch {
	case to.Kind == ir.Bool && from.Kind != ir.Bool:
		err = ctx.convertToBool(inst.Dest, src, from)
	case from.IsFloat() && to.IsFloat():
		err = ctx.convertFloat(inst.Dest, src, from)
	case from.IsFloat():
		err = ctx.convertFloatToInt(inst.Dest, src, from)
	case to.IsFloat():
		err = ctx.convertIntToFloat(inst.Dest, src, from)
	default:
		err = ctx.convertInt(inst.Dest, src, from)
	}
	if err != nil {
		return err
	}

	annotation := Conversion(from, to).Annotation()
	if annotation == "" {
		return nil
	}

	log := *ctx.output
	for idx := len(log) - 1; idx >= start; idx-- {
		if log[idx].Instruction.IsLabel() {
			continue
		}
		annotated := *log[idx].Instruction
		annotated.Annotation = annotation
		log[idx].Instruction = &annotated
		break
	}
	return nil
}

// The low width bits of an integral operand.
func narrowed(
	op architecture.Operand,
	width int,
	signed bool,
) architecture.Operand {
	switch x := op.(type) {
	case *architecture.RegisterOperand:
		return architecture.NewRegisterOperand(x.Alias(width))
	case *architecture.MemoryOperand:
		return x.WithWidth(width)
	case *architecture.ImmediateOperand:
		return architecture.NewIntImmediate(truncate(x.Int, width, signed), width)
	}
	panic("should never happen")
}

func (ctx *Context) convertInt(
	destValue *ir.Value,
	src architecture.Operand,
	from *ir.Type,
) error {
	to := destValue.Type
	fromSize := architecture.ByteSize(from)
	toSize := architecture.ByteSize(to)
	toWidth := toSize * 8

	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}

	if toSize == fromSize {
		return ctx.emitMove(dest, src, to)
	}

	if toSize < fromSize {
		return ctx.emitMove(dest, narrowed(src, toWidth, to.IsSignedInt()), to)
	}

	target, inRegister := dest.(*architecture.RegisterOperand)
	if !inRegister {
		target = ctx.scratch(toWidth)
	}

	imm, ok := src.(*architecture.ImmediateOperand)
	switch {
	case ok:
		// Immediates are already extended per the source type.
		err = ctx.Emit("mov", target, architecture.NewIntImmediate(imm.Int, toWidth))
	case from.IsSignedInt() && fromSize == 4:
		err = ctx.Emit("movsxd", target, src)
	case from.IsSignedInt():
		err = ctx.Emit("movsx", target, src)
	case fromSize == 4:
		// 32-bit moves zero the upper half.
		err = ctx.Emit("mov", architecture.NewRegisterOperand(target.Alias(32)), src)
	default:
		err = ctx.Emit("movzx", target, src)
	}
	if err != nil {
		return err
	}

	if !inRegister {
		return ctx.emitMove(dest, target, to)
	}
	return nil
}

func (ctx *Context) convertToBool(
	destValue *ir.Value,
	src architecture.Operand,
	from *ir.Type,
) error {
	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}

	if from.IsFloat() {
		width := architecture.BitWidth(from)
		left, err := ctx.inRegister(
			ctx.vectorSource(src),
			from,
			ctx.Platform.ScratchRegister(architecture.VectorClass))
		if err != nil {
			return err
		}

		mnemonic := "ucomisd"
		if width == 32 {
			mnemonic = "ucomiss"
		}
		zero := ConstantOperand(
			ctx.Constants.Float(0, width),
			width,
			ctx.Options.AbsoluteAddressing)

		err = ctx.Emit(mnemonic, left, zero)
		if err != nil {
			return err
		}
		err = ctx.Emit("setne", dest)
		if err != nil {
			return err
		}

		// NaN is true.
		parity := ctx.scratch(8)
		err = ctx.Emit("setp", parity)
		if err != nil {
			return err
		}
		return ctx.Emit("or", dest, parity)
	}

	switch x := src.(type) {
	case *architecture.ImmediateOperand:
		value := int64(0)
		if x.Int != 0 {
			value = 1
		}
		return ctx.Emit("mov", dest, architecture.NewIntImmediate(value, 8))

	case *architecture.MemoryOperand:
		if x.Width == 0 {
			// The address of read-only data is never null.
			return ctx.Emit("mov", dest, architecture.NewIntImmediate(1, 8))
		}
	}

	err = ctx.Emit(
		"cmp",
		src,
		architecture.NewIntImmediate(0, architecture.BitWidth(from)))
	if err != nil {
		return err
	}
	return ctx.Emit("setne", dest)
}

func (ctx *Context) convertFloat(
	destValue *ir.Value,
	src architecture.Operand,
	from *ir.Type,
) error {
	to := destValue.Type
	src = ctx.vectorSource(src)

	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}

	fromWidth := architecture.BitWidth(from)
	toWidth := architecture.BitWidth(to)
	if fromWidth == toWidth {
		return ctx.moveVector(dest, src, toWidth)
	}

	mnemonic := "cvtss2sd"
	if fromWidth == 64 {
		mnemonic = "cvtsd2ss"
	}

	target, inRegister := dest.(*architecture.RegisterOperand)
	if !inRegister {
		target = ctx.vectorScratch()
	}

	err = ctx.Emit(mnemonic, target, src)
	if err != nil {
		return err
	}

	if !inRegister {
		return ctx.moveVector(dest, target, toWidth)
	}
	return nil
}

func (ctx *Context) convertIntToFloat(
	destValue *ir.Value,
	src architecture.Operand,
	from *ir.Type,
) error {
	to := destValue.Type
	toWidth := architecture.BitWidth(to)
	fromWidth := architecture.BitWidth(from)

	mnemonic := "cvtsi2sd"
	add := "addsd"
	if toWidth == 32 {
		mnemonic = "cvtsi2ss"
		add = "addss"
	}

	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}

	target, inRegister := dest.(*architecture.RegisterOperand)
	if !inRegister {
		target = ctx.vectorScratch()
	}

	scratch := ctx.Platform.ScratchRegister(architecture.GeneralClass)

	switch {
	case from.IsPointerLike() || (from.IsUnsignedInt() && fromWidth == 64):
		err = ctx.convertU64ToFloat(target, src, mnemonic, add)

	case from.IsSignedInt() && fromWidth >= 32:
		var value architecture.Operand = src
		_, isImm := src.(*architecture.ImmediateOperand)
		if isImm {
			value, err = ctx.inRegister(src, from, scratch)
			if err != nil {
				return err
			}
		}
		err = ctx.Emit(mnemonic, target, value)

	case fromWidth == 32:
		// Zero extended u32 / char values are exact as signed 64-bit ints.
		err = ctx.Emit("mov", ctx.scratch(32), src)
		if err == nil {
			err = ctx.Emit(mnemonic, target, ctx.scratch(64))
		}

	default:
		var wide *architecture.RegisterOperand
		wide, err = ctx.widen(src, from, scratch)
		if err == nil {
			err = ctx.Emit(mnemonic, target, wide)
		}
	}
	if err != nil {
		return err
	}

	if !inRegister {
		return ctx.moveVector(dest, target, toWidth)
	}
	return nil
}

// Values with the top bit set are halved (keeping the low bit for correct
// rounding), converted, then doubled.
func (ctx *Context) convertU64ToFloat(
	target *architecture.RegisterOperand,
	src architecture.Operand,
	convert string,
	add string,
) error {
	value := ctx.secondaryScratch(64)
	half := ctx.scratch(64)

	halfLabel := ctx.NewLabel("u2f_half")
	doneLabel := ctx.NewLabel("u2f_done")

	steps := []func() error{
		func() error { return ctx.moveGeneral(value, src) },
		func() error { return ctx.Emit("test", value, value) },
		func() error { return ctx.EmitJump("js", halfLabel) },
		func() error { return ctx.Emit(convert, target, value) },
		func() error { return ctx.EmitJump("jmp", doneLabel) },
		func() error { return ctx.EmitLabel(halfLabel) },
		func() error { return ctx.Emit("mov", half, value) },
		func() error {
			return ctx.Emit("shr", half, architecture.NewIntImmediate(1, 8))
		},
		func() error {
			return ctx.Emit("and", value, architecture.NewIntImmediate(1, 32))
		},
		func() error { return ctx.Emit("or", half, value) },
		func() error { return ctx.Emit(convert, target, half) },
		func() error { return ctx.Emit(add, target, target) },
		func() error { return ctx.EmitLabel(doneLabel) },
	}
	return runSteps(steps)
}

func runSteps(steps []func() error) error {
	for _, step := range steps {
		err := step()
		if err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) convertFloatToInt(
	destValue *ir.Value,
	src architecture.Operand,
	from *ir.Type,
) error {
	to := destValue.Type
	toWidth := architecture.BitWidth(to)
	fromWidth := architecture.BitWidth(from)

	mnemonic := "cvttsd2si"
	if fromWidth == 32 {
		mnemonic = "cvttss2si"
	}

	src = ctx.vectorSource(src)

	var err error
	switch {
	case to.IsPointerLike() || (to.IsUnsignedInt() && toWidth == 64):
		err = ctx.convertFloatToU64(src, from, mnemonic)
	case toWidth == 64:
		err = ctx.Emit(mnemonic, ctx.scratch(64), src)
	case to.IsSignedInt() && toWidth == 32:
		err = ctx.Emit(mnemonic, ctx.scratch(32), src)
	case toWidth == 32:
		// u32 / char: convert at 64 bits and keep the low half.
		err = ctx.Emit(mnemonic, ctx.scratch(64), src)
	default:
		err = ctx.Emit(mnemonic, ctx.scratch(32), src)
	}
	if err != nil {
		return err
	}

	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}
	return ctx.emitMove(dest, ctx.scratch(toWidth), to)
}

// Values at or above 2^63 are reduced by 2^63 before conversion, and the
// top bit is restored afterward.  The result is left in the scratch
// register.
func (ctx *Context) convertFloatToU64(
	src architecture.Operand,
	from *ir.Type,
	convert string,
) error {
	width := architecture.BitWidth(from)
	vectorScratch := ctx.Platform.ScratchRegister(architecture.VectorClass)

	value, err := ctx.inRegister(src, from, vectorScratch)
	if err != nil {
		return err
	}

	limit := ConstantOperand(
		ctx.Constants.Float(math.Exp2(63), width),
		width,
		ctx.Options.AbsoluteAddressing)

	compare := "ucomisd"
	subtract := "subsd"
	if width == 32 {
		compare = "ucomiss"
		subtract = "subss"
	}

	result := ctx.scratch(64)
	reduced := ctx.vectorScratch()

	bigLabel := ctx.NewLabel("f2u_big")
	doneLabel := ctx.NewLabel("f2u_done")

	steps := []func() error{
		func() error { return ctx.Emit(compare, value, limit) },
		func() error { return ctx.EmitJump("jae", bigLabel) },
		func() error { return ctx.Emit(convert, result, value) },
		func() error { return ctx.EmitJump("jmp", doneLabel) },
		func() error { return ctx.EmitLabel(bigLabel) },
		func() error { return ctx.moveVector(reduced, value, width) },
		func() error { return ctx.Emit(subtract, reduced, limit) },
		func() error { return ctx.Emit(convert, result, reduced) },
		func() error {
			return ctx.Emit("btc", result, architecture.NewIntImmediate(63, 8))
		},
		func() error { return ctx.EmitLabel(doneLabel) },
	}
	return runSteps(steps)
}
