package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
)

// Intrinsics lowered with baseline SSE2 instructions.  Everything else
// (popcnt, lzcnt, fma, wide vector ops) requires an instruction set
// extension.
var supportedIntrinsics = map[string]bool{
	"sqrt": true,
	"fabs": true,
}

func isScalar(valueType *ir.Type) bool {
	return valueType.IsIntegral() ||
		valueType.IsFloat() ||
		valueType.IsPointerLike()
}

// Supports reports whether the instruction has a lowering on the target.
func (ctx *Context) Supports(inst *ir.Instruction) bool {
	switch inst.Op {
	case ir.BinaryOpcode:
		if len(inst.Args) != 2 || inst.Dest == nil {
			return false
		}

		valueType := inst.Args[0].Type
		if !isScalar(valueType) {
			return false
		}

		if valueType.IsFloat() {
			if inst.BinaryOp.IsComparison() {
				return true
			}
			_, ok := floatArithmetic[inst.BinaryOp]
			return ok
		}
		return true

	case ir.UnaryOpcode:
		if len(inst.Args) != 1 || inst.Dest == nil {
			return false
		}
		valueType := inst.Args[0].Type
		if valueType.IsFloat() {
			return inst.UnaryOp == ir.Neg
		}
		return valueType.IsIntegral()

	case ir.CastOp:
		return len(inst.Args) == 1 &&
			inst.Dest != nil &&
			isScalar(inst.Args[0].Type) &&
			isScalar(inst.Dest.Type)

	case ir.IntrinsicOp:
		if !supportedIntrinsics[inst.Intrinsic] {
			return false
		}
		return len(inst.Args) == 1 &&
			inst.Dest != nil &&
			inst.Args[0].Type.IsFloat()

	case ir.LoadOp, ir.AddressOfOp:
		return len(inst.Args) == 1 && inst.Dest != nil

	case ir.StoreOp:
		return len(inst.Args) == 2

	case ir.GetElementPtrOp:
		return len(inst.Args) == 2 && inst.Dest != nil

	case ir.BranchOp:
		return len(inst.Args) == 1

	case ir.JumpOp:
		return len(inst.Targets) == 1

	case ir.CallOp, ir.PhiOp, ir.ReturnOp:
		return true
	}

	return false
}

// Select lowers the instruction into the context's log.
func (ctx *Context) Select(inst *ir.Instruction) error {
	switch inst.Op {
	case ir.BinaryOpcode:
		return ctx.selectBinary(inst)
	case ir.UnaryOpcode:
		return ctx.selectUnary(inst)
	case ir.CastOp:
		return ctx.selectCast(inst)
	case ir.IntrinsicOp:
		return ctx.selectIntrinsic(inst)
	case ir.LoadOp:
		return ctx.selectLoad(inst)
	case ir.StoreOp:
		return ctx.selectStore(inst)
	case ir.GetElementPtrOp:
		return ctx.selectGetElementPtr(inst)
	case ir.AddressOfOp:
		return ctx.selectAddressOf(inst)
	case ir.CallOp:
		return ctx.selectCall(inst)
	case ir.JumpOp:
		return ctx.selectJump(inst)
	case ir.BranchOp:
		return ctx.selectBranch(inst)
	case ir.ReturnOp:
		return ctx.selectReturn(inst)
	case ir.PhiOp:
		return nil // lowered on the incoming edges
	}

	panic("unhandled opcode: " + string(inst.Op))
}

func (ctx *Context) selectIntrinsic(inst *ir.Instruction) error {
	src, err := ctx.operand(inst.Args[0])
	if err != nil {
		return err
	}

	switch inst.Intrinsic {
	case "fabs":
		return ctx.emitSignMask(inst.Dest, src, true)
	case "sqrt":
		return ctx.emitSqrt(inst.Dest, src)
	}
	panic("should never happen")
}

func (ctx *Context) emitSqrt(
	destValue *ir.Value,
	src architecture.Operand,
) error {
	width := architecture.BitWidth(destValue.Type)
	src = ctx.vectorSource(src)

	dest, err := ctx.destination(destValue)
	if err != nil {
		return err
	}

	destReg, ok := dest.(*architecture.RegisterOperand)
	if !ok {
		destReg = ctx.vectorScratch()
	}

	err = ctx.Emit(floatMnemonic([2]string{"sqrtss", "sqrtsd"}, width), destReg, src)
	if err != nil {
		return err
	}
	return ctx.moveVector(dest, destReg, width)
}

// lowerInstruction selects the instruction at its position, then releases
// every value whose live interval ends there.
func (ctx *Context) lowerInstruction(inst *ir.Instruction) error {
	pos, ok := ctx.Liveness.Positions[inst]
	if !ok {
		panic("should never happen")
	}

	ctx.current = inst
	ctx.loc = inst.Loc()
	ctx.Allocator.SetPosition(pos)

	if ctx.skipped[inst] {
		// Operands of a compare fused into the next branch must survive
		// until the branch.
		ctx.deferredExpiry = append(ctx.deferredExpiry, pos)
		return nil
	}

	if !ctx.Supports(inst) {
		return ctx.errorf(
			UnsupportedInstruction,
			"no %s lowering for (%s)",
			ctx.Platform.Target(),
			inst)
	}

	for _, value := range inst.Uses() {
		ctx.pin(value)
	}
	compare, ok := ctx.fusedCompares[inst]
	if ok {
		for _, value := range compare.Uses() {
			ctx.pin(value)
		}
	}

	err := ctx.Select(inst)
	if err != nil {
		return err
	}

	ctx.Allocator.UnpinAll()
	ctx.Allocator.ReleaseAll()

	for _, deferred := range ctx.deferredExpiry {
		ctx.Allocator.Expire(deferred)
	}
	ctx.deferredExpiry = nil
	ctx.Allocator.Expire(pos)

	if ctx.Options.CheckInvariants {
		err := ctx.Allocator.CheckInvariants(ctx.expectedLive(pos))
		if err != nil {
			return ctx.wrap(err)
		}
	}

	return nil
}
