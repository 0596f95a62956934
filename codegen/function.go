package codegen

import (
	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

// A fully lowered function.
type Function struct {
	Name     string
	Symbol   string
	Exported bool
	Loc      parseutil.Location

	// Prologue, body, epilogue, then edge stubs.
	Instructions []LogEntry

	// Function-local read-only data (float constants, masks, strings).
	Constants []*Constant

	FrameSize   int
	CalleeSaved []*architecture.Register
	UsesRedZone bool

	NumSpills int
	NumStubs  int
}

func GenerateFunction(
	targetPlatform platform.Platform,
	fn *ir.Function,
	options Options,
) (
	*Function,
	error,
) {
	return NewContext(targetPlatform, fn, options).Generate()
}

// Generate lowers the context's function.  A context can only generate
// once.
func (ctx *Context) Generate() (*Function, error) {
	if len(ctx.Function.Blocks) == 0 {
		return nil, ctx.errorf(
			InvalidOperand,
			"function %s has no blocks",
			ctx.Function.Name)
	}

	err := ctx.validateNames()
	if err != nil {
		return nil, err
	}

	ctx.logger.Debug("generating", "blocks", len(ctx.Function.Blocks))

	err = ctx.bindParameters()
	if err != nil {
		return nil, err
	}

	for _, block := range ctx.Function.Blocks {
		err := ctx.startBlock(block)
		if err != nil {
			return nil, err
		}

		for _, inst := range block.Instructions {
			err := ctx.lowerInstruction(inst)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(ctx.pending) > 0 {
		panic("should never happen")
	}

	return ctx.finish()
}

// Names are written into the assembly unquoted.
func (ctx *Context) validateNames() error {
	err := ir.ValidateSymbolName(ctx.Function.Name)
	if err != nil {
		return ctx.wrap(err)
	}

	for _, block := range ctx.Function.Blocks {
		err := ir.ValidateLabelName(block.Label)
		if err != nil {
			return ctx.wrap(err)
		}

		for _, inst := range block.Instructions {
			if inst.Op != ir.CallOp || inst.Callee == "" {
				continue
			}

			err := ir.ValidateSymbolName(inst.Callee)
			if err != nil {
				loc := inst.Loc()
				return wrapError(err, ctx.Function.Name, inst.Construct(), &loc)
			}
		}
	}
	return nil
}

// bindParameters records where each incoming parameter lives on function
// entry.
func (ctx *Context) bindParameters() error {
	fn := ctx.Function

	paramTypes := make([]*ir.Type, 0, len(fn.Params))
	for _, param := range fn.Params {
		paramTypes = append(paramTypes, param.Type)
	}

	con, err := ctx.Platform.CallConvention(
		paramTypes,
		fn.ReturnType,
		fn.Variadic,
		len(fn.Params))
	if err != nil {
		return ctx.wrap(err)
	}

	for idx, param := range fn.Params {
		_, ok := ctx.Liveness.Intervals[param.ID]
		if !ok { // unused
			continue
		}
		ctx.seen.Add(param.ID)

		loc := con.CallConstraints.Sources[idx]
		if loc.OnStack {
			ctx.Allocator.AssignStack(
				param.ID,
				param.Type,
				ctx.ABI.IncomingStackArgumentsOffset()+loc.StackOffset)
			continue
		}

		reg := loc.Register.Require
		if !ctx.Mapper.IsMemoryResident(param) {
			_, err := ctx.Allocator.Require(param.ID, param.Type, reg)
			if err != nil {
				return ctx.wrap(err)
			}
			continue
		}

		slot, err := ctx.Allocator.AllocateStack(param.ID, param.Type)
		if err != nil {
			return ctx.wrap(err)
		}

		// Binding never relocates other parameters, so the incoming register
		// is still intact.
		err = ctx.emitMove(
			slot,
			registerAlias(reg, architecture.BitWidth(param.Type)),
			param.Type)
		if err != nil {
			return err
		}
	}

	return nil
}
