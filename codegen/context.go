package codegen

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/codegen/allocator"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

type LogEntry struct {
	Instruction *architecture.Instruction
	Loc         parseutil.Location
}

type Options struct {
	// Maximum frame size in bytes.  Zero means unlimited.
	MaxFrameSize int

	// nil selects the allocator's default policy.
	SpillPolicy allocator.SpillPolicy

	// Reference symbols by absolute address instead of rip relative.
	AbsoluteAddressing bool

	// Keep callee-saved registers out of the allocation pool.
	ReserveCalleeSaved bool

	// Verify allocator invariants after every instruction.
	CheckInvariants bool

	Logger *slog.Logger // optional
}

// Per-function code generation state.  A Context is owned by a single
// goroutine; the platform and ABI are the only state shared between
// concurrently generated functions.
type Context struct {
	Platform platform.Platform
	ABI      *platform.ABI
	Options  Options

	Function  *ir.Function
	Frame     *architecture.StackFrame
	Liveness  *allocator.Liveness
	Allocator *allocator.Allocator
	Mapper    *ValueMapper
	Constants *ConstantPool

	// Function body, in emission order.
	Log []LogEntry

	// Out of line edge stubs, appended after the epilogue.
	Stubs []LogEntry

	logger *slog.Logger

	output *[]LogEntry

	current *ir.Instruction
	loc     parseutil.Location

	numLabels     int
	blockLabels   map[*ir.Block]string
	epilogueLabel string

	started     map[*ir.Block]bool
	entryStates map[*ir.Block]map[ir.ValueID]*architecture.DataLocation
	pending     map[*ir.Block][]*pendingEdge

	// branch -> compare fused into the branch's jcc
	fusedCompares map[*ir.Instruction]*ir.Instruction
	skipped       map[*ir.Instruction]bool

	// positions of skipped instructions whose expiry waits on the next
	// lowered instruction
	deferredExpiry []int

	seen     allocator.ValueSet
	hasCalls bool

	numSpills int
	numStubs  int
}

func NewContext(
	targetPlatform platform.Platform,
	fn *ir.Function,
	options Options,
) *Context {
	abi := targetPlatform.ABI()

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	frame := architecture.NewStackFrame(options.MaxFrameSize)
	liveness := allocator.AnalyzeLiveness(fn)

	alloc := allocator.NewAllocator(targetPlatform, frame, liveness)
	if options.SpillPolicy != nil {
		alloc.Policy = options.SpillPolicy
	}
	if !options.ReserveCalleeSaved {
		alloc.ReleaseCalleeSaved()
	}

	constants := NewConstantPool(abi.LocalLabelPrefix + fn.Name + "_const")

	ctx := &Context{
		Platform:      targetPlatform,
		ABI:           abi,
		Options:       options,
		Function:      fn,
		Frame:         frame,
		Liveness:      liveness,
		Allocator:     alloc,
		Constants:     constants,
		logger:        logger.With("function", fn.Name),
		blockLabels:   map[*ir.Block]string{},
		started:       map[*ir.Block]bool{},
		entryStates:   map[*ir.Block]map[ir.ValueID]*architecture.DataLocation{},
		pending:       map[*ir.Block][]*pendingEdge{},
		fusedCompares: fusableCompares(fn),
		skipped:       map[*ir.Instruction]bool{},
		seen:          allocator.ValueSet{},
		loc:           fn.Loc(),
	}
	ctx.output = &ctx.Log

	for _, compare := range ctx.fusedCompares {
		ctx.skipped[compare] = true
	}

	ctx.Mapper = NewValueMapper(
		alloc,
		constants,
		abi.SymbolPrefix,
		options.AbsoluteAddressing,
		memoryResidentValues(fn))

	for _, block := range fn.Blocks {
		ctx.blockLabels[block] = abi.LocalLabelPrefix + fn.Name + "_bb_" +
			block.Label
	}
	ctx.epilogueLabel = ctx.NewLabel("epilogue")

	alloc.SetObserver(ctx.relocate)
	return ctx
}

// Aggregates and address-taken variables always live in frame slots.
func memoryResidentValues(fn *ir.Function) allocator.ValueSet {
	resident := allocator.ValueSet{}
	for _, value := range fn.Values {
		if value.IsVariable() && value.Type.IsAggregate() {
			resident.Add(value.ID)
		}
	}

	for _, block := range fn.Blocks {
		for _, inst := range block.Instructions {
			if inst.Op == ir.AddressOfOp &&
				len(inst.Args) == 1 &&
				inst.Args[0].IsVariable() {

				resident.Add(inst.Args[0].ID)
			}
		}
	}
	return resident
}

func (ctx *Context) NewLabel(hint string) string {
	label := fmt.Sprintf(
		"%s%s_%s%d",
		ctx.ABI.LocalLabelPrefix,
		ctx.Function.Name,
		hint,
		ctx.numLabels)
	ctx.numLabels++
	return label
}

func (ctx *Context) BlockLabel(block *ir.Block) string {
	label, ok := ctx.blockLabels[block]
	if !ok {
		panic("should never happen")
	}
	return label
}

func (ctx *Context) Symbol(name string) string {
	return ctx.ABI.SymbolPrefix + name
}

func (ctx *Context) construct() string {
	if ctx.current == nil {
		return ""
	}
	return ctx.current.Construct()
}

func (ctx *Context) errorf(
	kind Kind,
	format string,
	args ...interface{},
) *Error {
	loc := ctx.loc
	err := NewError(
		kind,
		ctx.Function.Name,
		ctx.construct(),
		fmt.Sprintf(format, args...))
	err.Loc = &loc
	return err
}

func (ctx *Context) wrap(err error) error {
	if err == nil {
		return nil
	}
	loc := ctx.loc
	return wrapError(err, ctx.Function.Name, ctx.construct(), &loc)
}

// Append validates the instruction and adds it to the current output.
func (ctx *Context) Append(inst *architecture.Instruction) error {
	err := inst.Validate()
	if err != nil {
		return ctx.wrap(err)
	}

	*ctx.output = append(
		*ctx.output,
		LogEntry{
			Instruction: inst,
			Loc:         ctx.loc,
		})
	return nil
}

func (ctx *Context) Emit(
	mnemonic string,
	operands ...architecture.Operand,
) error {
	return ctx.Append(architecture.NewInstruction(mnemonic, operands...))
}

func (ctx *Context) EmitAnnotated(
	annotation string,
	mnemonic string,
	operands ...architecture.Operand,
) error {
	inst := architecture.NewInstruction(mnemonic, operands...)
	inst.Annotation = annotation
	return ctx.Append(inst)
}

func (ctx *Context) EmitJump(mnemonic string, label string) error {
	return ctx.Append(architecture.NewJump(mnemonic, label))
}

func (ctx *Context) EmitLabel(label string) error {
	return ctx.Append(architecture.NewLabel(label))
}

// Runs emit with the output redirected to buffer.
func (ctx *Context) emitTo(buffer *[]LogEntry, emit func() error) error {
	orig := ctx.output
	ctx.output = buffer
	defer func() { ctx.output = orig }()
	return emit()
}

func (ctx *Context) relocate(
	id ir.ValueID,
	from *architecture.DataLocation,
	to *architecture.DataLocation,
) error {
	valueType := ctx.Allocator.Type(id)
	if valueType == nil {
		panic("should never happen")
	}

	if to.OnStack {
		ctx.numSpills++
		ctx.logger.Debug(
			"spill",
			"value", id,
			"register", from.Register.Name,
			"offset", to.Offset)
	}

	frameBase := ctx.Allocator.FrameBase()
	return ctx.emitMove(
		to.Operand(frameBase),
		from.Operand(frameBase),
		valueType)
}

func (ctx *Context) scratch(width int) *architecture.RegisterOperand {
	reg := ctx.Platform.ScratchRegister(architecture.GeneralClass)
	return architecture.NewRegisterOperand(reg.Alias(width))
}

func (ctx *Context) secondaryScratch(width int) *architecture.RegisterOperand {
	reg := ctx.Platform.SecondaryScratchRegister()
	return architecture.NewRegisterOperand(reg.Alias(width))
}

func (ctx *Context) vectorScratch() *architecture.RegisterOperand {
	return architecture.NewRegisterOperand(
		ctx.Platform.ScratchRegister(architecture.VectorClass))
}

// Alias of the register's family at the given width.
func registerAlias(
	reg *architecture.Register,
	width int,
) *architecture.RegisterOperand {
	if reg.Class == architecture.VectorClass {
		return architecture.NewRegisterOperand(reg.Canonical())
	}
	return architecture.NewRegisterOperand(reg.Alias(width))
}

// The value as an instruction operand.
func (ctx *Context) operand(value *ir.Value) (architecture.Operand, error) {
	if value.IsVariable() {
		ctx.seen.Add(value.ID)
	}
	op, err := ctx.Mapper.Operand(value)
	if err != nil {
		return nil, ctx.wrap(err)
	}
	return op, nil
}

// The destination's location.  Unseen destinations are allocated.
func (ctx *Context) destination(value *ir.Value) (architecture.Operand, error) {
	if !value.IsVariable() {
		return nil, ctx.errorf(
			InvalidOperand,
			"cannot assign to %s",
			value)
	}
	return ctx.operand(value)
}

func (ctx *Context) pin(values ...*ir.Value) {
	for _, value := range values {
		if value != nil &&
			value.IsVariable() &&
			ctx.Allocator.IsTracked(value.ID) {

			ctx.Allocator.Pin(value.ID)
		}
	}
}

// The operand in a register.  Non-register general operands are loaded
// into the given scratch register.
func (ctx *Context) inRegister(
	op architecture.Operand,
	valueType *ir.Type,
	scratch *architecture.Register,
) (
	*architecture.RegisterOperand,
	error,
) {
	reg, ok := op.(*architecture.RegisterOperand)
	if ok {
		return reg, nil
	}

	width := architecture.BitWidth(valueType)
	var staged *architecture.RegisterOperand
	if scratch.Class == architecture.VectorClass {
		staged = architecture.NewRegisterOperand(scratch)
	} else {
		staged = architecture.NewRegisterOperand(scratch.Alias(width))
	}

	err := ctx.emitMove(staged, op, valueType)
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// Immediates which are not encodable as imm32 are staged into the given
// scratch register.
func (ctx *Context) encodable(
	op architecture.Operand,
	scratch *architecture.Register,
) (
	architecture.Operand,
	error,
) {
	imm, ok := op.(*architecture.ImmediateOperand)
	if !ok || imm.FitsInt32() {
		return op, nil
	}

	staged := architecture.NewRegisterOperand(scratch.Alias(imm.Width))
	err := ctx.Emit("mov", staged, imm)
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// Float immediates are loaded from the constant pool.
func (ctx *Context) vectorSource(
	op architecture.Operand,
) architecture.Operand {
	imm, ok := op.(*architecture.ImmediateOperand)
	if !ok {
		return op
	}
	if !imm.IsFloat {
		panic("should never happen")
	}
	return ConstantOperand(
		ctx.Constants.Float(imm.Float, imm.Width),
		imm.Width,
		ctx.Options.AbsoluteAddressing)
}

// setResult binds the destination to a value already computed into reg.
// Unseen destinations take over reg directly; destinations which already
// have a location (reassigned locals, frame resident values) are copied.
func (ctx *Context) setResult(
	dest *ir.Value,
	reg *architecture.Register,
) error {
	if !dest.IsVariable() {
		return ctx.errorf(InvalidOperand, "cannot assign to %s", dest)
	}

	ctx.seen.Add(dest.ID)
	if ctx.Allocator.IsTracked(dest.ID) || ctx.Mapper.IsMemoryResident(dest) {
		op, err := ctx.destination(dest)
		if err != nil {
			return err
		}
		width := architecture.BitWidth(dest.Type)
		return ctx.emitMove(op, registerAlias(reg, width), dest.Type)
	}

	_, err := ctx.Allocator.Require(dest.ID, dest.Type, reg)
	return ctx.wrap(err)
}

// The ids which should have a location after the instruction at pos.
func (ctx *Context) expectedLive(pos int) []ir.ValueID {
	live := []ir.ValueID{}
	for _, id := range ctx.seen.IDs() {
		if ctx.Liveness.IsLiveAfter(id, pos) {
			live = append(live, id)
		}
	}
	return live
}
