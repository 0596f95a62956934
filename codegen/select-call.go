package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

func (ctx *Context) callTarget(callee string) string {
	symbol := ctx.Symbol(callee)
	if ctx.ABI.ObjectFormat == platform.ELF {
		// Resolved by the linker for both local and shared definitions.
		symbol += "@PLT"
	}
	return symbol
}

func (ctx *Context) selectCall(inst *ir.Instruction) error {
	ctx.hasCalls = true

	if inst.Callee == "" && inst.Func == nil {
		return ctx.errorf(InvalidOperand, "call without target")
	}

	argTypes := make([]*ir.Type, 0, len(inst.Args))
	for _, arg := range inst.Args {
		argTypes = append(argTypes, arg.Type)
	}

	returnType := ir.VoidType
	if inst.Dest != nil {
		returnType = inst.Dest.Type
	}

	numFixed := inst.FixedArgs
	if !inst.Variadic {
		numFixed = len(inst.Args)
	}

	con, err := ctx.Platform.CallConvention(
		argTypes,
		returnType,
		inst.Variadic,
		numFixed)
	if err != nil {
		return ctx.wrap(err)
	}

	pos := ctx.Allocator.Position()

	// Values surviving the call must not stay in registers the call
	// destroys.  Values dying at the call may stay since they are only read
	// by the argument moves below.
	for _, reg := range con.CallConstraints.Clobbered() {
		occupant, ok := ctx.Allocator.Occupant(reg)
		if !ok || !ctx.Liveness.IsLiveAfter(occupant, pos) {
			continue
		}

		_, err := ctx.Allocator.Spill(occupant)
		if err != nil {
			return ctx.wrap(err)
		}
	}

	stackPointer := ctx.Platform.RegisterSet().StackPointer

	adjustment := con.StackAdjustment()
	if adjustment > 0 {
		err = ctx.Emit(
			"sub",
			architecture.NewRegisterOperand(stackPointer),
			architecture.NewIntImmediate(int64(adjustment), 32))
		if err != nil {
			return err
		}
	}

	// Indirect call targets may live in argument registers.
	var indirect architecture.Operand
	if inst.Callee == "" {
		target, err := ctx.operand(inst.Func)
		if err != nil {
			return err
		}

		indirect = ctx.secondaryScratch(64)
		err = ctx.emitMove(indirect, target, inst.Func.Type)
		if err != nil {
			return err
		}
	}

	registerMoves := []Move{}
	duplicates := []Move{}
	for idx, arg := range inst.Args {
		src, err := ctx.operand(arg)
		if err != nil {
			return err
		}

		loc := con.CallConstraints.Sources[idx]
		width := architecture.BitWidth(arg.Type)

		if loc.OnStack {
			dst := &architecture.MemoryOperand{
				Base:         stackPointer,
				Displacement: int32(con.ShadowSpace + loc.StackOffset),
				Width:        width,
				Alignment:    architecture.Alignment(arg.Type),
			}
			err = ctx.emitMove(dst, src, arg.Type)
			if err != nil {
				return err
			}
			continue
		}

		dst := registerAlias(loc.Register.Require, width)
		registerMoves = append(
			registerMoves,
			Move{
				Dst:  dst,
				Src:  src,
				Type: arg.Type,
			})

		if loc.Duplicate != nil {
			duplicates = append(
				duplicates,
				Move{
					Dst: architecture.NewRegisterOperand(loc.Duplicate.Require),
					Src: dst,
				})
		}
	}

	err = ctx.EmitParallelMoves(registerMoves)
	if err != nil {
		return err
	}

	for _, dup := range duplicates {
		err = ctx.Emit("movq", dup.Dst, dup.Src)
		if err != nil {
			return err
		}
	}

	if inst.Variadic && ctx.ABI.VariadicVectorCount {
		counter := ctx.ABI.IntReturn[0].Alias(32)
		err = ctx.Emit(
			"mov",
			architecture.NewRegisterOperand(counter),
			architecture.NewIntImmediate(int64(con.NumVectorArguments), 32))
		if err != nil {
			return err
		}
	}

	if indirect != nil {
		err = ctx.Emit("call", indirect)
	} else {
		err = ctx.EmitJump("call", ctx.callTarget(inst.Callee))
	}
	if err != nil {
		return err
	}

	if adjustment > 0 {
		err = ctx.Emit(
			"add",
			architecture.NewRegisterOperand(stackPointer),
			architecture.NewIntImmediate(int64(adjustment), 32))
		if err != nil {
			return err
		}
	}

	// Arguments dying here no longer occupy the clobbered registers.
	ctx.Allocator.UnpinAll()
	ctx.Allocator.Expire(pos)

	if inst.Dest == nil || returnType.Kind == ir.Void {
		return nil
	}

	return ctx.setResult(
		inst.Dest,
		con.CallConstraints.Destination.Register.Require)
}
