package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

type Move struct {
	Dst  architecture.Operand
	Src  architecture.Operand
	Type *ir.Type
}

func sameLocation(a architecture.Operand, b architecture.Operand) bool {
	switch x := a.(type) {
	case *architecture.RegisterOperand:
		y, ok := b.(*architecture.RegisterOperand)
		return ok && x.Overlaps(y.Register)
	case *architecture.MemoryOperand:
		y, ok := b.(*architecture.MemoryOperand)
		return ok && x.String() == y.String()
	}
	return false
}

// Whether reading op depends on reg's content.
func readsRegister(op architecture.Operand, reg *architecture.Register) bool {
	switch x := op.(type) {
	case *architecture.RegisterOperand:
		return x.Overlaps(reg)
	case *architecture.MemoryOperand:
		return (x.Base != nil && x.Base.Overlaps(reg)) ||
			(x.Index != nil && x.Index.Overlaps(reg))
	}
	return false
}

func vectorMove(width int) string {
	if width == 32 {
		return "movss"
	}
	return "movsd"
}

// emitMove copies src into dst.  Memory to memory copies and wide
// immediates go through the scratch registers.
func (ctx *Context) emitMove(
	dst architecture.Operand,
	src architecture.Operand,
	valueType *ir.Type,
) error {
	if sameLocation(dst, src) {
		return nil
	}

	switch {
	case valueType.IsAggregate():
		dstMem, ok1 := dst.(*architecture.MemoryOperand)
		srcMem, ok2 := src.(*architecture.MemoryOperand)
		if !ok1 || !ok2 {
			panic("should never happen")
		}
		return ctx.copyAggregate(dstMem, srcMem, architecture.ByteSize(valueType))
	case valueType.IsFloat():
		return ctx.moveVector(dst, src, architecture.BitWidth(valueType))
	default:
		return ctx.moveGeneral(dst, src)
	}
}

func (ctx *Context) moveGeneral(
	dst architecture.Operand,
	src architecture.Operand,
) error {
	srcMem, ok := src.(*architecture.MemoryOperand)
	if ok && srcMem.Width == 0 {
		// Address of read-only data (e.g., a string literal).
		reg, ok := dst.(*architecture.RegisterOperand)
		if ok {
			return ctx.Emit("lea", registerAlias(reg.Register, 64), srcMem)
		}

		tmp := ctx.scratch(64)
		err := ctx.Emit("lea", tmp, srcMem)
		if err != nil {
			return err
		}
		return ctx.Emit("mov", dst, tmp)
	}

	switch d := dst.(type) {
	case *architecture.RegisterOperand:
		return ctx.Emit("mov", d, src)

	case *architecture.MemoryOperand:
		switch s := src.(type) {
		case *architecture.RegisterOperand:
			return ctx.Emit("mov", d, s)
		case *architecture.ImmediateOperand:
			if s.FitsInt32() {
				return ctx.Emit("mov", d, s)
			}
		}

		tmp := ctx.scratch(d.Width)
		err := ctx.Emit("mov", tmp, src)
		if err != nil {
			return err
		}
		return ctx.Emit("mov", d, tmp)
	}

	panic("should never happen")
}

func (ctx *Context) moveVector(
	dst architecture.Operand,
	src architecture.Operand,
	width int,
) error {
	if sameLocation(dst, src) {
		return nil
	}

	mnemonic := vectorMove(width)
	src = ctx.vectorSource(src)

	_, dstIsReg := dst.(*architecture.RegisterOperand)
	_, srcIsReg := src.(*architecture.RegisterOperand)
	if dstIsReg || srcIsReg {
		return ctx.Emit(mnemonic, dst, src)
	}

	tmp := ctx.vectorScratch()
	err := ctx.Emit(mnemonic, tmp, src)
	if err != nil {
		return err
	}
	return ctx.Emit(mnemonic, dst, tmp)
}

// EmitParallelMoves performs all moves as if they happened simultaneously.
//
// Frame slots are unique per value, so no move reads another move's memory
// destination; memory destinations are written first, while every source
// register is intact.  Register destinations are written once no pending
// move still reads them.  Cycles are broken by saving one destination into
// the class's scratch register.
func (ctx *Context) EmitParallelMoves(moves []Move) error {
	registerMoves := []Move{}
	for _, move := range moves {
		if sameLocation(move.Dst, move.Src) {
			continue
		}

		_, ok := move.Dst.(*architecture.RegisterOperand)
		if ok {
			registerMoves = append(registerMoves, move)
			continue
		}

		err := ctx.emitMove(move.Dst, move.Src, move.Type)
		if err != nil {
			return err
		}
	}

	for len(registerMoves) > 0 {
		ready := -1
		for idx, move := range registerMoves {
			dst := move.Dst.(*architecture.RegisterOperand)
			blocked := false
			for other, pending := range registerMoves {
				if other != idx && readsRegister(pending.Src, dst.Register) {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = idx
				break
			}
		}

		if ready >= 0 {
			move := registerMoves[ready]
			err := ctx.emitMove(move.Dst, move.Src, move.Type)
			if err != nil {
				return err
			}
			registerMoves = append(
				registerMoves[:ready],
				registerMoves[ready+1:]...)
			continue
		}

		err := ctx.breakCycle(registerMoves)
		if err != nil {
			return err
		}
	}

	return nil
}

func (ctx *Context) breakCycle(moves []Move) error {
	saved := moves[0].Dst.(*architecture.RegisterOperand).Register

	scratch := ctx.Platform.ScratchRegister(saved.Class)
	var err error
	if saved.Class == architecture.VectorClass {
		err = ctx.Emit(
			"movsd",
			architecture.NewRegisterOperand(scratch),
			architecture.NewRegisterOperand(saved.Canonical()))
	} else {
		err = ctx.Emit(
			"mov",
			architecture.NewRegisterOperand(scratch),
			architecture.NewRegisterOperand(saved.Canonical()))
	}
	if err != nil {
		return err
	}

	for idx, move := range moves {
		src, ok := move.Src.(*architecture.RegisterOperand)
		if ok && src.Overlaps(saved) {
			moves[idx].Src = registerAlias(scratch, src.Width)
		}
	}
	return nil
}
