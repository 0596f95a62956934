package codegen

import (
	"errors"
	"strings"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/codegen/allocator"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

type Kind string

const (
	UnsupportedInstruction = Kind("unsupported instruction")
	UnsupportedType        = Kind("unsupported type")
	RegisterAllocation     = Kind("register allocation")
	StackOverflow          = Kind("stack overflow")
	InvalidOperand         = Kind("invalid operand")
	ABIViolation           = Kind("abi violation")
	AssemblerFailure       = Kind("assembler failure")
)

// Sentinels for errors.Is matching by kind.
var (
	ErrUnsupportedInstruction = &Error{Kind: UnsupportedInstruction}
	ErrUnsupportedType        = &Error{Kind: UnsupportedType}
	ErrRegisterAllocation     = &Error{Kind: RegisterAllocation}
	ErrStackOverflow          = &Error{Kind: StackOverflow}
	ErrInvalidOperand         = &Error{Kind: InvalidOperand}
	ErrABIViolation           = &Error{Kind: ABIViolation}
	ErrAssemblerFailure       = &Error{Kind: AssemblerFailure}
)

type Error struct {
	Kind Kind

	Function  string
	Construct string // the IR construct being lowered, if any
	Message   string

	Loc *parseutil.Location // optional

	Err error // underlying cause, if any
}

func NewError(
	kind Kind,
	function string,
	construct string,
	message string,
) *Error {
	return &Error{
		Kind:      kind,
		Function:  function,
		Construct: construct,
		Message:   message,
	}
}

func (err *Error) Error() string {
	parts := []string{}
	if err.Function != "" {
		parts = append(parts, err.Function)
	}
	if err.Construct != "" {
		parts = append(parts, err.Construct)
	}

	msg := err.Message
	if msg == "" {
		msg = string(err.Kind)
	}
	parts = append(parts, msg)

	return strings.Join(parts, ": ")
}

func (err *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == err.Kind
}

func (err *Error) Unwrap() error {
	return err.Err
}

// Emit reports the error through the compiler's diagnostic emitter.
func (err *Error) Emit(emitter *parseutil.Emitter) {
	if err.Loc != nil {
		emitter.Emit(*err.Loc, "%s", err.Error())
		return
	}
	emitter.EmitErrors(err)
}

// The kind implied by an error returned from a lower layer.
func KindOf(err error) Kind {
	var codegenErr *Error
	switch {
	case errors.As(err, &codegenErr):
		return codegenErr.Kind
	case errors.Is(err, architecture.ErrStackOverflow):
		return StackOverflow
	case errors.Is(err, architecture.ErrInvalidOperand),
		errors.Is(err, ir.ErrInvalidSymbol):
		return InvalidOperand
	case errors.Is(err, platform.ErrUnsupportedType):
		return UnsupportedType
	case errors.Is(err, allocator.ErrAllocation):
		return RegisterAllocation
	}
	return ABIViolation
}

// wrapError converts err into an *Error tagged with the function and
// construct being lowered.  Existing *Errors only gain missing context.
func wrapError(
	err error,
	function string,
	construct string,
	loc *parseutil.Location,
) *Error {
	var codegenErr *Error
	if errors.As(err, &codegenErr) {
		copied := *codegenErr
		if copied.Function == "" {
			copied.Function = function
		}
		if copied.Construct == "" {
			copied.Construct = construct
		}
		if copied.Loc == nil {
			copied.Loc = loc
		}
		return &copied
	}

	return &Error{
		Kind:      KindOf(err),
		Function:  function,
		Construct: construct,
		Message:   err.Error(),
		Loc:       loc,
		Err:       err,
	}
}
