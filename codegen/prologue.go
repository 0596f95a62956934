package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
)

// Callee-saved vector registers are saved in full (xmm6-xmm15 on windows).
const vectorSaveSize = 16

func (ctx *Context) calleeSavedSlots() (
	[]*architecture.Register,
	map[*architecture.Register]*architecture.MemoryOperand,
	error,
) {
	frameBase := ctx.Allocator.FrameBase()

	saved := ctx.Allocator.UsedCalleeSaved()
	slots := make(map[*architecture.Register]*architecture.MemoryOperand, len(saved))
	for _, reg := range saved {
		size := architecture.AddressByteSize
		width := 64
		if reg.Class == architecture.VectorClass {
			size = vectorSaveSize
			width = 128
		}

		offset, err := ctx.Frame.Allocate(
			architecture.CalleeSavedSlotPrefix+reg.Name,
			size,
			size)
		if err != nil {
			return nil, nil, ctx.wrap(err)
		}

		slots[reg] = &architecture.MemoryOperand{
			Base:         frameBase,
			Displacement: int32(offset),
			Width:        width,
			Alignment:    size,
		}
	}

	return saved, slots, nil
}

func (ctx *Context) emitPrologue(
	frameSize int,
	useRedZone bool,
	saved []*architecture.Register,
	slots map[*architecture.Register]*architecture.MemoryOperand,
) error {
	registers := ctx.Platform.RegisterSet()
	stackPointer := architecture.NewRegisterOperand(registers.StackPointer)
	framePointer := architecture.NewRegisterOperand(registers.FramePointer)

	err := ctx.Emit("push", framePointer)
	if err != nil {
		return err
	}
	err = ctx.Emit("mov", framePointer, stackPointer)
	if err != nil {
		return err
	}

	if frameSize > 0 && !useRedZone {
		err = ctx.Emit(
			"sub",
			stackPointer,
			architecture.NewIntImmediate(int64(frameSize), 32))
		if err != nil {
			return err
		}
	}

	for _, reg := range saved {
		err = ctx.emitSave(slots[reg], reg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) emitEpilogue(
	saved []*architecture.Register,
	slots map[*architecture.Register]*architecture.MemoryOperand,
) error {
	registers := ctx.Platform.RegisterSet()
	stackPointer := architecture.NewRegisterOperand(registers.StackPointer)
	framePointer := architecture.NewRegisterOperand(registers.FramePointer)

	err := ctx.EmitLabel(ctx.epilogueLabel)
	if err != nil {
		return err
	}

	for _, reg := range saved {
		err = ctx.emitRestore(reg, slots[reg])
		if err != nil {
			return err
		}
	}

	err = ctx.Emit("mov", stackPointer, framePointer)
	if err != nil {
		return err
	}
	err = ctx.Emit("pop", framePointer)
	if err != nil {
		return err
	}
	return ctx.Emit("ret")
}

func (ctx *Context) emitSave(
	slot *architecture.MemoryOperand,
	reg *architecture.Register,
) error {
	if reg.Class == architecture.VectorClass {
		return ctx.Emit("movaps", slot, architecture.NewRegisterOperand(reg))
	}
	return ctx.Emit("mov", slot, architecture.NewRegisterOperand(reg))
}

func (ctx *Context) emitRestore(
	reg *architecture.Register,
	slot *architecture.MemoryOperand,
) error {
	if reg.Class == architecture.VectorClass {
		return ctx.Emit("movaps", architecture.NewRegisterOperand(reg), slot)
	}
	return ctx.Emit("mov", architecture.NewRegisterOperand(reg), slot)
}

// Drops "jmp L" immediately followed by "L:".
func removeFallThroughJumps(entries []LogEntry) []LogEntry {
	result := make([]LogEntry, 0, len(entries))
	for idx, entry := range entries {
		inst := entry.Instruction
		if inst.Mnemonic == "jmp" &&
			inst.Target != "" &&
			idx+1 < len(entries) {

			next := entries[idx+1].Instruction
			if next.IsLabel() && next.Target == inst.Target {
				continue
			}
		}
		result = append(result, entry)
	}
	return result
}

// finish wraps the body with the prologue and epilogue once the set of
// used callee-saved registers and the frame size are known.
func (ctx *Context) finish() (*Function, error) {
	ctx.current = nil
	ctx.loc = ctx.Function.Loc()

	saved, slots, err := ctx.calleeSavedSlots()
	if err != nil {
		return nil, err
	}

	frameSize := ctx.Frame.Finalize()

	useRedZone := ctx.ABI.RedZone > 0 &&
		!ctx.hasCalls &&
		frameSize <= ctx.ABI.RedZone

	body := ctx.Log

	prologue := []LogEntry{}
	err = ctx.emitTo(&prologue, func() error {
		return ctx.emitPrologue(frameSize, useRedZone, saved, slots)
	})
	if err != nil {
		return nil, err
	}

	epilogue := []LogEntry{}
	err = ctx.emitTo(&epilogue, func() error {
		return ctx.emitEpilogue(saved, slots)
	})
	if err != nil {
		return nil, err
	}

	instructions := make(
		[]LogEntry,
		0,
		len(prologue)+len(body)+len(epilogue)+len(ctx.Stubs))
	instructions = append(instructions, prologue...)
	instructions = append(instructions, body...)
	instructions = append(instructions, epilogue...)
	instructions = append(instructions, ctx.Stubs...)

	result := &Function{
		Name:         ctx.Function.Name,
		Symbol:       ctx.Symbol(ctx.Function.Name),
		Exported:     ctx.Function.Exported,
		Loc:          ctx.Function.Loc(),
		Instructions: removeFallThroughJumps(instructions),
		Constants:    ctx.Constants.Constants(),
		FrameSize:    frameSize,
		CalleeSaved:  saved,
		UsesRedZone:  useRedZone && frameSize > 0,
		NumSpills:    ctx.numSpills,
		NumStubs:     ctx.numStubs,
	}

	ctx.logger.Debug(
		"generated",
		"instructions", len(result.Instructions),
		"frame", frameSize,
		"spills", ctx.numSpills,
		"stubs", ctx.numStubs,
		"callee-saved", len(saved))
	return result, nil
}
