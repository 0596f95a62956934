package platform

import (
	"github.com/pattyshack/x64gen/ir"
)

// Call convention specific, os/architecture-independent, type specification
// used to reject signatures the code generator cannot lower.
type CallTypeSpec interface {
	IsValidArgType(*ir.Type) bool

	IsValidReturnType(*ir.Type) bool
}

func isPrimitiveType(t *ir.Type) bool {
	return t.IsIntegral() || t.IsFloat() || t.IsPointerLike()
}

// Both supported ABIs only pass scalars by value in this implementation.
// Aggregates must be passed by pointer.
type ScalarCallTypeSpec struct{}

func (ScalarCallTypeSpec) IsValidArgType(t *ir.Type) bool {
	return isPrimitiveType(t)
}

func (ScalarCallTypeSpec) IsValidReturnType(t *ir.Type) bool {
	return t.Kind == ir.Void || isPrimitiveType(t)
}
