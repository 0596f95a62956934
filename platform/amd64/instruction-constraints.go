package amd64

import (
	"github.com/pattyshack/x64gen/architecture"
)

var (
	// https://www.felixcloutier.com/x86/idiv
	//
	// The dividend is in rdx:rax, the quotient is written to rax and the
	// remainder to rdx.  The divisor is staged in the secondary scratch
	// register, which is never allocated.
	divisionConstraints = newDivisionConstraints()

	// https://www.felixcloutier.com/x86/sal:sar:shl:shr
	//
	// Variable shift counts must be in cl.
	shiftConstraints = newShiftConstraints()
)

func newDivisionConstraints() *architecture.InstructionConstraints {
	constraints := architecture.NewInstructionConstraints()

	dividend := constraints.Require(true, rax)
	constraints.AddRegisterSource(architecture.RegisterByteSize, dividend)
	constraints.AddRegisterSource(
		architecture.RegisterByteSize,
		constraints.Require(true, SecondaryScratch))
	constraints.Require(true, rdx)

	// Quotient destination.  The remainder is read from rdx.
	constraints.SetRegisterDestination(
		architecture.RegisterByteSize,
		dividend)

	return constraints
}

func newShiftConstraints() *architecture.InstructionConstraints {
	constraints := architecture.NewInstructionConstraints()

	value := constraints.SelectAnyGeneral(true)
	constraints.AddRegisterSource(architecture.RegisterByteSize, value)
	constraints.AddRegisterSource(1, constraints.Require(false, rcx))
	constraints.SetRegisterDestination(architecture.RegisterByteSize, value)

	return constraints
}

// The register holding the division remainder.
func RemainderRegister() *architecture.Register {
	return rdx
}
