package codegen

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pattyshack/gt/parseutil"
	"github.com/samber/lo"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/codegen/util"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

// Statically allocated module level data.
type Global struct {
	Name     string
	Symbol   string
	Exported bool
	ReadOnly bool
	Loc      parseutil.Location

	Size      int
	Alignment int

	// Zero filled (no initializer).
	Zero bool

	// Initialized scalar data.  ValueWidth is 8, 16, 32 or 64.
	Values     []uint64
	ValueWidth int

	// Initialized string globals hold the address of the string data.
	Pointer string
}

type Module struct {
	Name   string
	Target platform.Target
	ABI    *platform.ABI

	// In input order.  Functions which failed to generate are omitted.
	Functions []*Function
	Globals   []*Global

	// Module level read-only data (string global contents).
	Constants []*Constant
}

// GenerateModule lowers every function in the module using up to workers
// goroutines (workers <= 0 means one per function).  Functions are
// generated independently; a failed function is reported and the rest of
// the module is still generated.  The output order matches the input order
// regardless of scheduling.
func GenerateModule(
	targetPlatform platform.Platform,
	module *ir.Module,
	options Options,
	workers int,
) (
	*Module,
	[]*Error,
) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("module", module.Name)

	abi := targetPlatform.ABI()
	result := &Module{
		Name:   module.Name,
		Target: targetPlatform.Target(),
		ABI:    abi,
	}

	errs := []*Error{}

	strings := NewConstantPool(
		abi.LocalLabelPrefix + labelSafe(module.Name) + "_str")
	for _, global := range module.Globals {
		lowered, err := lowerGlobal(abi, strings, global)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Globals = append(result.Globals, lowered)
	}
	result.Constants = strings.Constants()

	logger.Info(
		"generating module",
		"target", result.Target,
		"functions", len(module.Functions),
		"workers", workers)

	functions := make([]*Function, len(module.Functions))
	functionErrs := make([]*Error, len(module.Functions))
	util.ParallelProcess(
		module.Functions,
		workers,
		func(idx int, fn *ir.Function) {
			fnOptions := options
			fnOptions.Logger = logger

			lowered, err := GenerateFunction(targetPlatform, fn, fnOptions)
			if err != nil {
				functionErrs[idx] = asError(err, fn)
				logger.Warn(
					"function generation failed",
					"function", fn.Name,
					"kind", functionErrs[idx].Kind)
				return
			}
			functions[idx] = lowered
		})

	result.Functions = lo.Filter(
		functions,
		func(fn *Function, _ int) bool { return fn != nil })
	errs = append(
		errs,
		lo.Filter(
			functionErrs,
			func(err *Error, _ int) bool { return err != nil })...)

	logger.Info(
		"generated module",
		"functions", len(result.Functions),
		"failed", len(module.Functions)-len(result.Functions))

	return result, errs
}

func asError(err error, fn *ir.Function) *Error {
	var codegenErr *Error
	if errors.As(err, &codegenErr) {
		return codegenErr
	}

	loc := fn.Loc()
	return wrapError(err, fn.Name, "", &loc)
}

func lowerGlobal(
	abi *platform.ABI,
	strings *ConstantPool,
	global *ir.Global,
) (
	*Global,
	*Error,
) {
	loc := global.Loc()

	err := ir.ValidateSymbolName(global.Name)
	if err != nil {
		return nil, wrapError(err, "", "global "+global.Name, &loc)
	}

	size := architecture.ByteSize(global.Type)
	alignment := architecture.Alignment(global.Type)
	if alignment > architecture.StackFrameAlignment {
		alignment = architecture.StackFrameAlignment
	}

	lowered := &Global{
		Name:      global.Name,
		Symbol:    abi.SymbolPrefix + global.Name,
		Exported:  global.Exported,
		ReadOnly:  global.ReadOnly,
		Loc:       loc,
		Size:      size,
		Alignment: alignment,
	}

	if global.Init == nil {
		lowered.Zero = true
		return lowered, nil
	}

	fail := func(format string, args ...interface{}) *Error {
		err := NewError(
			UnsupportedType,
			"",
			"global "+global.Name,
			fmt.Sprintf(format, args...))
		err.Loc = &loc
		return err
	}

	if global.Type.Kind == ir.String {
		lowered.Pointer = strings.String(global.Init.Str).Label
		return lowered, nil
	}

	if global.Type.IsAggregate() {
		return nil, fail("%s globals cannot have a scalar initializer", global.Type)
	}

	imm, err := Immediate(&ir.Value{
		Kind:    ir.ConstantValue,
		Type:    global.Type,
		Literal: *global.Init,
	})
	if err != nil {
		return nil, fail("%s", err)
	}

	lowered.Values = []uint64{imm.Bits()}
	lowered.ValueWidth = imm.Width
	return lowered, nil
}

// Module names default to the input file name, which may contain
// characters that are not valid in a label.
func labelSafe(name string) string {
	bytes := []byte(name)
	for idx, char := range bytes {
		switch {
		case char >= 'a' && char <= 'z',
			char >= 'A' && char <= 'Z',
			char >= '0' && char <= '9',
			char == '_':
		default:
			bytes[idx] = '_'
		}
	}
	return string(bytes)
}
