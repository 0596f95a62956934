package amd64

import (
	"fmt"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

// Windows x64: each argument consumes one positional slot.  The n-th
// argument is passed in the n-th int or vector register, or on the stack
// once all four slots are used.
//
// System V: int and vector arguments are assigned from independent
// sequences; an argument goes on the stack once its sequence is exhausted.
type callRegisterPicker struct {
	abi *platform.ABI

	position   int
	numGeneral int
	numVector  int
}

// This returns nil if the value should be on the stack.
func (picker *callRegisterPicker) Pick(
	valueType *ir.Type,
) *architecture.Register {
	if picker.abi.PositionalArgs {
		pos := picker.position
		picker.position++

		if valueType.IsFloat() {
			if pos < len(picker.abi.VectorArgs) {
				return picker.abi.VectorArgs[pos]
			}
			return nil
		}

		if pos < len(picker.abi.IntArgs) {
			return picker.abi.IntArgs[pos]
		}
		return nil
	}

	if valueType.IsFloat() {
		if picker.numVector < len(picker.abi.VectorArgs) {
			reg := picker.abi.VectorArgs[picker.numVector]
			picker.numVector++
			return reg
		}
		return nil
	}

	if picker.numGeneral < len(picker.abi.IntArgs) {
		reg := picker.abi.IntArgs[picker.numGeneral]
		picker.numGeneral++
		return reg
	}
	return nil
}

func newCallConvention(
	abi *platform.ABI,
	spec platform.CallTypeSpec,
	paramTypes []*ir.Type,
	returnType *ir.Type,
	variadic bool,
	numFixedArgs int,
) (
	*architecture.CallConvention,
	error,
) {
	con := architecture.NewCallConvention(abi.ShadowSpace, variadic)

	picker := &callRegisterPicker{abi: abi}
	for idx, paramType := range paramTypes {
		if !spec.IsValidArgType(paramType) {
			return nil, fmt.Errorf(
				"%w: argument %d (%s) must be passed by pointer",
				platform.ErrUnsupportedType,
				idx,
				paramType)
		}

		size := architecture.ByteSize(paramType)
		reg := picker.Pick(paramType)
		if reg == nil {
			con.AddStackSource(size)
			continue
		}

		loc := con.AddRegisterSource(size, reg)

		isVariadicArg := variadic && idx >= numFixedArgs
		if isVariadicArg &&
			paramType.IsFloat() &&
			abi.DuplicateVariadicFloats &&
			abi.PositionalArgs {

			// The callee may read the value from either register.
			loc.Duplicate = con.CallConstraints.Require(
				true,
				abi.IntArgs[picker.position-1])
		}
	}

	if !spec.IsValidReturnType(returnType) {
		return nil, fmt.Errorf(
			"%w: return value (%s) must be passed by pointer",
			platform.ErrUnsupportedType,
			returnType)
	}

	if returnType.Kind != ir.Void {
		size := architecture.ByteSize(returnType)
		if returnType.IsFloat() {
			con.SetRegisterDestination(size, abi.VectorReturn[0])
		} else {
			con.SetRegisterDestination(size, abi.IntReturn[0])
		}
	}

	// rax carries the vector register count for System V variadic calls.
	if variadic && abi.VariadicVectorCount {
		con.CallConstraints.Require(true, rax)
	}

	con.CallerSaved(abi.CallerSaved...)
	return con, nil
}
