package codegen

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/architecture"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := NewError(StackOverflow, "f", "", "frame too large")

	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("expected stack overflow match")
	}
	if errors.Is(err, ErrRegisterAllocation) {
		t.Errorf("unexpected register allocation match")
	}

	wrapped := fmt.Errorf("generating: %w", err)
	if !errors.Is(wrapped, ErrStackOverflow) {
		t.Errorf("expected match through wrapping")
	}
	if KindOf(wrapped) != StackOverflow {
		t.Errorf("unexpected kind: %s", KindOf(wrapped))
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(UnsupportedType, "f", "global g", "bad initializer")
	if err.Error() != "f: global g: bad initializer" {
		t.Errorf("unexpected message: %s", err)
	}

	err = NewError(ABIViolation, "", "", "")
	if err.Error() != string(ABIViolation) {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestWrapLowerLayerError(t *testing.T) {
	cause := fmt.Errorf("%w: 4096 > 64", architecture.ErrStackOverflow)
	loc := parseutil.Location{FileName: "m.yaml", Line: 3, Column: 5}

	err := wrapError(cause, "f", "(store)", &loc)
	if err.Kind != StackOverflow {
		t.Errorf("unexpected kind: %s", err.Kind)
	}
	if !errors.Is(err, architecture.ErrStackOverflow) {
		t.Errorf("expected cause to be preserved")
	}

	// Existing context is kept.
	rewrapped := wrapError(err, "g", "(load)", nil)
	if rewrapped.Function != "f" ||
		rewrapped.Construct != "(store)" ||
		rewrapped.Loc == nil {
		t.Errorf("unexpected rewrap: %+v", rewrapped)
	}
}

func TestErrorEmit(t *testing.T) {
	loc := parseutil.Location{FileName: "m.yaml", Line: 3, Column: 5}
	err := NewError(UnsupportedInstruction, "f", "", "no lowering")
	err.Loc = &loc

	emitter := &parseutil.Emitter{}
	err.Emit(emitter)
	NewError(ABIViolation, "g", "", "bad call").Emit(emitter)

	errs := emitter.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(errs))
	}
	// Unlocated diagnostics sort first.
	if errs[0].Error() != "g: bad call" {
		t.Errorf("unexpected diagnostic: %s", errs[0])
	}
	if errs[1].Error() != "m.yaml:3:5: f: no lowering" {
		t.Errorf("unexpected diagnostic: %s", errs[1])
	}
}
