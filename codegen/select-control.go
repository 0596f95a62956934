package codegen

import (
	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/codegen/allocator"
	"github.com/pattyshack/x64gen/ir"
)

// Note:
// 1. Allocator state flows linearly through the blocks in layout order.  A
// block's entry state is the location of each of its live-in values at the
// time the block is reached in layout order.
//
// 2. Every control flow edge is reconciled against the successor's entry
// state.  For a forward edge, the predecessor's exit locations are recorded
// when the jump is emitted and reconciled once the successor is started.
// Back edges are reconciled immediately.
//
// 3. Reconciliation moves (phi copies, relocated values) are placed inline
// when the edge is an unconditional jump directly preceding the successor,
// or precedes a jump to an already started successor.  Otherwise, the moves
// go into an edge stub (label, moves, jmp successor) appended after the
// function body, and the jump is retargeted to the stub.

type pendingEdge struct {
	from *ir.Block
	to   *ir.Block

	// index of the jump in the function body log
	jump int

	exit map[ir.ValueID]*architecture.DataLocation
}

func (ctx *Context) startBlock(block *ir.Block) error {
	ctx.current = nil
	ctx.loc = block.Loc()

	ctx.Allocator.SetPosition(ctx.Liveness.BlockStart[block])

	// Every way into the block is an edge reconciled against the entry
	// state, so relocations made while establishing it are never executed.
	discarded := []LogEntry{}
	err := ctx.emitTo(&discarded, func() error {
		for _, id := range ctx.Liveness.LiveIn[block].IDs() {
			if ctx.Allocator.IsTracked(id) {
				continue
			}
			_, err := ctx.operand(ctx.Function.Values[id])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ctx.entryStates[block] = ctx.Allocator.Snapshot(
		ctx.Liveness.LiveIn[block].IDs())
	ctx.started[block] = true

	for _, edge := range ctx.pending[block] {
		err := ctx.resolveEdge(edge)
		if err != nil {
			return err
		}
	}
	delete(ctx.pending, block)

	return ctx.EmitLabel(ctx.BlockLabel(block))
}

// The moves needed on the edge, excluding moves whose source and
// destination already agree.
func (ctx *Context) edgeMoves(edge *pendingEdge) ([]Move, error) {
	entry := ctx.entryStates[edge.to]
	frameBase := ctx.Allocator.FrameBase()

	moves := []Move{}
	phiDests := allocator.ValueSet{}

	for _, phi := range edge.to.Phis() {
		phiDests.Add(phi.Dest.ID)

		dst, ok := entry[phi.Dest.ID]
		if !ok { // dead phi
			continue
		}

		var value *ir.Value
		for _, incoming := range phi.Incoming {
			if incoming.Block == edge.from.Label {
				value = incoming.Value
				break
			}
		}
		if value == nil {
			return nil, ctx.errorf(
				InvalidOperand,
				"phi %s has no value for edge %s -> %s",
				phi.Dest,
				edge.from.Label,
				edge.to.Label)
		}

		var src architecture.Operand
		if value.IsVariable() {
			loc, ok := edge.exit[value.ID]
			if !ok { // undefined on this path
				continue
			}
			src = loc.Operand(frameBase)
		} else {
			var err error
			src, err = ctx.Mapper.Operand(value)
			if err != nil {
				return nil, ctx.wrap(err)
			}
		}

		dstOp := dst.Operand(frameBase)
		if !sameLocation(dstOp, src) {
			moves = append(
				moves,
				Move{
					Dst:  dstOp,
					Src:  src,
					Type: phi.Dest.Type,
				})
		}
	}

	for _, id := range ctx.Liveness.LiveIn[edge.to].IDs() {
		if phiDests.Contains(id) {
			continue
		}

		dst, ok := entry[id]
		if !ok {
			continue
		}
		src, ok := edge.exit[id]
		if !ok {
			continue
		}

		dstOp := dst.Operand(frameBase)
		srcOp := src.Operand(frameBase)
		if !sameLocation(dstOp, srcOp) {
			moves = append(
				moves,
				Move{
					Dst:  dstOp,
					Src:  srcOp,
					Type: ctx.Function.Values[id].Type,
				})
		}
	}

	return moves, nil
}

func (ctx *Context) resolveEdge(edge *pendingEdge) error {
	moves, err := ctx.edgeMoves(edge)
	if err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}

	jump := ctx.Log[edge.jump].Instruction

	// Unconditional jump directly preceding the successor.
	if jump.Mnemonic == "jmp" && edge.jump == len(ctx.Log)-1 {
		ctx.Log = ctx.Log[:edge.jump]
		return ctx.EmitParallelMoves(moves)
	}

	stub := ctx.NewLabel("edge")
	err = ctx.emitTo(&ctx.Stubs, func() error {
		err := ctx.EmitLabel(stub)
		if err != nil {
			return err
		}
		err = ctx.EmitParallelMoves(moves)
		if err != nil {
			return err
		}
		return ctx.EmitJump("jmp", ctx.BlockLabel(edge.to))
	})
	if err != nil {
		return err
	}

	retargeted := *jump
	retargeted.Target = stub
	ctx.Log[edge.jump].Instruction = &retargeted

	ctx.numStubs++
	ctx.logger.Debug(
		"edge stub",
		"from", edge.from.Label,
		"to", edge.to.Label,
		"moves", len(moves))
	return nil
}

// branchTo emits the jump for the from -> to edge and reconciles (or
// schedules reconciliation of) the edge.
func (ctx *Context) branchTo(
	mnemonic string,
	from *ir.Block,
	to *ir.Block,
) error {
	edge := &pendingEdge{
		from: from,
		to:   to,
		exit: ctx.Allocator.Snapshot(ctx.Liveness.LiveOut[from].IDs()),
	}

	if ctx.started[to] && mnemonic == "jmp" {
		moves, err := ctx.edgeMoves(edge)
		if err != nil {
			return err
		}
		err = ctx.EmitParallelMoves(moves)
		if err != nil {
			return err
		}
		return ctx.EmitJump(mnemonic, ctx.BlockLabel(to))
	}

	err := ctx.EmitJump(mnemonic, ctx.BlockLabel(to))
	if err != nil {
		return err
	}
	edge.jump = len(ctx.Log) - 1

	if ctx.started[to] {
		return ctx.resolveEdge(edge)
	}

	ctx.pending[to] = append(ctx.pending[to], edge)
	return nil
}

func (ctx *Context) target(label string) (*ir.Block, error) {
	block := ctx.Function.Block(label)
	if block == nil {
		return nil, ctx.errorf(InvalidOperand, "undefined block label (%s)", label)
	}
	return block, nil
}

func (ctx *Context) selectJump(inst *ir.Instruction) error {
	to, err := ctx.target(inst.Targets[0])
	if err != nil {
		return err
	}
	return ctx.branchTo("jmp", inst.Parent, to)
}

func (ctx *Context) selectBranch(inst *ir.Instruction) error {
	if len(inst.Targets) != 2 {
		return ctx.errorf(InvalidOperand, "branch requires two targets")
	}

	onTrue, err := ctx.target(inst.Targets[0])
	if err != nil {
		return err
	}
	onFalse, err := ctx.target(inst.Targets[1])
	if err != nil {
		return err
	}

	condition := "ne"
	compare, ok := ctx.fusedCompares[inst]
	if ok {
		condition, err = ctx.emitIntCompare(compare)
		if err != nil {
			return err
		}
	} else {
		op, err := ctx.operand(inst.Args[0])
		if err != nil {
			return err
		}

		switch x := op.(type) {
		case *architecture.ImmediateOperand:
			if x.Int != 0 {
				return ctx.branchTo("jmp", inst.Parent, onTrue)
			}
			return ctx.branchTo("jmp", inst.Parent, onFalse)
		case *architecture.RegisterOperand:
			err = ctx.Emit("test", x, x)
		default:
			err = ctx.Emit("cmp", x, architecture.NewIntImmediate(0, x.BitWidth()))
		}
		if err != nil {
			return err
		}
	}

	err = ctx.branchTo("j"+condition, inst.Parent, onTrue)
	if err != nil {
		return err
	}
	return ctx.branchTo("jmp", inst.Parent, onFalse)
}

func (ctx *Context) selectReturn(inst *ir.Instruction) error {
	if len(inst.Args) > 0 {
		value := inst.Args[0]
		if !value.Type.Equals(ctx.Function.ReturnType) {
			return ctx.errorf(
				ABIViolation,
				"returning %s from function returning %s",
				value.Type,
				ctx.Function.ReturnType)
		}

		src, err := ctx.operand(value)
		if err != nil {
			return err
		}

		width := architecture.BitWidth(value.Type)
		switch {
		case value.Type.IsFloat():
			err = ctx.moveVector(
				architecture.NewRegisterOperand(ctx.ABI.VectorReturn[0]),
				src,
				width)
		case value.Type.IsIntegral() && width < 32:
			_, err = ctx.widen(src, value.Type, ctx.ABI.IntReturn[0])
		case value.Type.IsIntegral() || value.Type.IsPointerLike():
			err = ctx.emitMove(
				registerAlias(ctx.ABI.IntReturn[0], width),
				src,
				value.Type)
		default:
			return ctx.errorf(
				UnsupportedType,
				"%s return values must be passed by pointer",
				value.Type)
		}
		if err != nil {
			return err
		}
	} else if ctx.Function.ReturnType.Kind != ir.Void {
		return ctx.errorf(
			ABIViolation,
			"missing %s return value",
			ctx.Function.ReturnType)
	}

	return ctx.EmitJump("jmp", ctx.epilogueLabel)
}
