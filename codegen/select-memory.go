package codegen

import (
	"math"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

// Aggregates up to this size are copied with unrolled moves.
const maxUnrolledCopySize = 64

func (ctx *Context) selectLoad(inst *ir.Instruction) error {
	dest := inst.Dest
	src := inst.Args[0]

	var mem *architecture.MemoryOperand
	switch {
	case src.Kind == ir.GlobalValue:
		mem = ctx.Mapper.Global(src)
	case src.Type.Kind == ir.Pointer:
		var err error
		mem, err = ctx.pointee(src, dest.Type)
		if err != nil {
			return err
		}
	default:
		return ctx.errorf(InvalidOperand, "cannot load from %s", src)
	}

	destOp, err := ctx.destination(dest)
	if err != nil {
		return err
	}
	return ctx.emitMove(destOp, mem, dest.Type)
}

func (ctx *Context) selectStore(inst *ir.Instruction) error {
	value := inst.Args[0]
	target := inst.Args[1]

	src, err := ctx.operand(value)
	if err != nil {
		return err
	}

	var dst architecture.Operand
	switch {
	case inst.IsLocalAssignment():
		dst, err = ctx.destination(target)
		if err != nil {
			return err
		}
	case target.Kind == ir.GlobalValue:
		dst = ctx.Mapper.Global(target)
	case target.Type.Kind == ir.Pointer:
		dst, err = ctx.pointee(target, value.Type)
		if err != nil {
			return err
		}
	default:
		return ctx.errorf(InvalidOperand, "cannot store to %s", target)
	}

	return ctx.emitMove(dst, src, value.Type)
}

// The memory referenced by the pointer value.  Pointers not already in a
// register are staged in the secondary scratch register.
func (ctx *Context) pointee(
	pointer *ir.Value,
	elemType *ir.Type,
) (
	*architecture.MemoryOperand,
	error,
) {
	op, err := ctx.operand(pointer)
	if err != nil {
		return nil, err
	}

	base, err := ctx.inRegister(
		op,
		pointer.Type,
		ctx.Platform.SecondaryScratchRegister())
	if err != nil {
		return nil, err
	}

	width := 0
	if !elemType.IsAggregate() {
		width = architecture.BitWidth(elemType)
	}

	alignment := architecture.Alignment(elemType)
	if alignment > architecture.StackFrameAlignment {
		alignment = architecture.StackFrameAlignment
	}

	return &architecture.MemoryOperand{
		Base:      base.Alias(64),
		Width:     width,
		Alignment: alignment,
	}, nil
}

func (ctx *Context) selectAddressOf(inst *ir.Instruction) error {
	target := inst.Args[0]

	var mem *architecture.MemoryOperand
	switch {
	case target.Kind == ir.GlobalValue:
		mem = ctx.Mapper.Global(target)
	case target.IsVariable():
		op, err := ctx.operand(target)
		if err != nil {
			return err
		}

		var ok bool
		mem, ok = op.(*architecture.MemoryOperand)
		if !ok {
			panic("should never happen")
		}
	default:
		return ctx.errorf(InvalidOperand, "cannot take the address of %s", target)
	}

	return ctx.emitLea(inst.Dest, mem.WithWidth(0))
}

func (ctx *Context) emitLea(
	dest *ir.Value,
	address *architecture.MemoryOperand,
) error {
	destOp, err := ctx.destination(dest)
	if err != nil {
		return err
	}

	reg, ok := destOp.(*architecture.RegisterOperand)
	if ok {
		return ctx.Emit("lea", registerAlias(reg.Register, 64), address)
	}

	tmp := ctx.scratch(64)
	err = ctx.Emit("lea", tmp, address)
	if err != nil {
		return err
	}
	return ctx.Emit("mov", destOp, tmp)
}

func (ctx *Context) selectGetElementPtr(inst *ir.Instruction) error {
	dest := inst.Dest
	base := inst.Args[0]
	index := inst.Args[1]

	if base.Type.Kind != ir.Pointer || dest.Type.Kind != ir.Pointer {
		return ctx.errorf(
			InvalidOperand,
			"element address requires pointers (%s -> %s)",
			base.Type,
			dest.Type)
	}

	baseOp, err := ctx.operand(base)
	if err != nil {
		return err
	}
	baseReg, err := ctx.inRegister(
		baseOp,
		base.Type,
		ctx.Platform.SecondaryScratchRegister())
	if err != nil {
		return err
	}

	address := &architecture.MemoryOperand{
		Base: baseReg.Alias(64),
	}

	indexOp, err := ctx.operand(index)
	if err != nil {
		return err
	}

	if base.Type.Elem.Kind == ir.Struct {
		imm, ok := indexOp.(*architecture.ImmediateOperand)
		if !ok {
			return ctx.errorf(
				InvalidOperand,
				"field index into %s must be an immediate",
				base.Type.Elem)
		}

		layout := architecture.NewStructLayout(base.Type.Elem)
		if imm.Int < 0 || int(imm.Int) >= len(layout.Offsets) {
			return ctx.errorf(
				InvalidOperand,
				"field index (%d) out of range for %s",
				imm.Int,
				base.Type.Elem)
		}

		address.Displacement = int32(layout.Offsets[imm.Int])
		return ctx.emitLea(dest, address)
	}

	scale := int64(architecture.ByteSize(dest.Type.Elem))

	imm, ok := indexOp.(*architecture.ImmediateOperand)
	if ok {
		offset := imm.Int * scale
		if offset < math.MinInt32 || offset > math.MaxInt32 {
			return ctx.errorf(
				InvalidOperand,
				"element offset (%d) does not fit in 32 bits",
				offset)
		}
		address.Displacement = int32(offset)
		return ctx.emitLea(dest, address)
	}

	indexReg, err := ctx.extendTo64(indexOp, index.Type)
	if err != nil {
		return err
	}

	switch scale {
	case 1, 2, 4, 8:
		address.Index = indexReg.Register
		address.Scale = int(scale)
	default:
		scaled := ctx.scratch(64)
		err = ctx.Emit(
			"imul",
			scaled,
			indexReg,
			architecture.NewIntImmediate(scale, 32))
		if err != nil {
			return err
		}
		address.Index = scaled.Register
		address.Scale = 1
	}

	return ctx.emitLea(dest, address)
}

// The integral operand as a 64-bit register, extended per its signedness.
// Narrow values are extended into the scratch register.
func (ctx *Context) extendTo64(
	op architecture.Operand,
	valueType *ir.Type,
) (
	*architecture.RegisterOperand,
	error,
) {
	width := architecture.BitWidth(valueType)
	if width == 64 {
		return ctx.inRegister(
			op,
			valueType,
			ctx.Platform.ScratchRegister(architecture.GeneralClass))
	}

	tmp := ctx.scratch(64)
	var err error
	switch {
	case valueType.IsSignedInt() && width == 32:
		err = ctx.Emit("movsxd", tmp, op)
	case valueType.IsSignedInt():
		err = ctx.Emit("movsx", tmp, op)
	case width == 32:
		err = ctx.Emit("mov", ctx.scratch(32), op)
	default:
		err = ctx.Emit("movzx", ctx.scratch(32), op)
	}
	if err != nil {
		return nil, err
	}
	return tmp, nil
}

// An address of the form [base + disp], loading other addressing forms
// into a register not referenced by avoid.
func (ctx *Context) baseAddress(
	op *architecture.MemoryOperand,
	avoid *architecture.MemoryOperand,
	reserved *[]*architecture.Register,
) (
	*architecture.MemoryOperand,
	error,
) {
	if op.Base != nil &&
		op.Index == nil &&
		op.Symbol == "" &&
		!op.RIPRelative {

		return op, nil
	}

	reg := ctx.Platform.SecondaryScratchRegister()
	if readsRegister(avoid, reg) {
		reg = nil
		for _, candidate := range ctx.Platform.AllocatableRegisters(
			architecture.GeneralClass) {

			if readsRegister(avoid, candidate) || readsRegister(op, candidate) {
				continue
			}

			err := ctx.Allocator.Reserve(candidate)
			if err != nil {
				return nil, ctx.wrap(err)
			}
			*reserved = append(*reserved, candidate)
			reg = candidate
			break
		}

		if reg == nil {
			panic("should never happen")
		}
	}

	err := ctx.Emit("lea", architecture.NewRegisterOperand(reg), op.WithWidth(0))
	if err != nil {
		return nil, err
	}

	return &architecture.MemoryOperand{
		Base:      reg,
		Alignment: op.Alignment,
	}, nil
}

func (ctx *Context) copyAggregate(
	dst *architecture.MemoryOperand,
	src *architecture.MemoryOperand,
	size int,
) error {
	copied := 0
	if size > maxUnrolledCopySize {
		reserved := []*architecture.Register{}
		defer func() {
			for _, reg := range reserved {
				ctx.Allocator.Release(reg)
			}
		}()

		var err error
		dst, err = ctx.baseAddress(dst, src, &reserved)
		if err != nil {
			return err
		}
		src, err = ctx.baseAddress(src, dst, &reserved)
		if err != nil {
			return err
		}

		copied = size / 8 * 8
		err = ctx.copyLoop(dst, src, copied)
		if err != nil {
			return err
		}
	}

	for copied < size {
		remaining := size - copied

		chunk := 8
		switch {
		case remaining >= 8:
		case remaining >= 4:
			chunk = 4
		case remaining >= 2:
			chunk = 2
		default:
			chunk = 1
		}

		width := chunk * 8
		from := withAlignment(src.Offset(copied)).WithWidth(width)
		to := withAlignment(dst.Offset(copied)).WithWidth(width)

		var err error
		if chunk == 8 {
			tmp := ctx.vectorScratch()
			err = ctx.Emit("movq", tmp, from)
			if err == nil {
				err = ctx.Emit("movq", to, tmp)
			}
		} else {
			tmp := ctx.scratch(width)
			err = ctx.Emit("mov", tmp, from)
			if err == nil {
				err = ctx.Emit("mov", to, tmp)
			}
		}
		if err != nil {
			return err
		}

		copied += chunk
	}

	return nil
}

// Copies size (a multiple of 8) bytes using the scratch register as the
// loop index.
func (ctx *Context) copyLoop(
	dst *architecture.MemoryOperand,
	src *architecture.MemoryOperand,
	size int,
) error {
	index := ctx.scratch(64)
	loop := ctx.NewLabel("copy")

	from := withAlignment(src).WithWidth(64)
	from.Index = index.Register
	from.Scale = 1

	to := withAlignment(dst).WithWidth(64)
	to.Index = index.Register
	to.Scale = 1

	tmp := ctx.vectorScratch()

	err := ctx.Emit("xor", ctx.scratch(32), ctx.scratch(32))
	if err != nil {
		return err
	}
	err = ctx.EmitLabel(loop)
	if err != nil {
		return err
	}
	err = ctx.Emit("movq", tmp, from)
	if err != nil {
		return err
	}
	err = ctx.Emit("movq", to, tmp)
	if err != nil {
		return err
	}
	err = ctx.Emit("add", index, architecture.NewIntImmediate(8, 32))
	if err != nil {
		return err
	}
	err = ctx.Emit("cmp", index, architecture.NewIntImmediate(int64(size), 32))
	if err != nil {
		return err
	}
	return ctx.EmitJump("jb", loop)
}

// Vector accesses require a known alignment; unknown means byte aligned.
func withAlignment(op *architecture.MemoryOperand) *architecture.MemoryOperand {
	if op.Alignment != 0 {
		return op
	}
	copied := *op
	copied.Alignment = 1
	return &copied
}
