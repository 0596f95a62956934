package architecture

import (
	"fmt"
)

const (
	// Both supported ABIs require 16 byte stack alignment at call sites.
	StackFrameAlignment = 16

	// Internal slot name prefix for callee-saved register save slots.
	CalleeSavedSlotPrefix = "%callee-saved-"
)

// Stack frame layout from top to bottom:
//
// |              | (low address)
// |...           |
// |--------------| <- rsp (after prologue, frame base - Size)
// |padding       |
// |--------------|
// |callee saved  | allocated last, just before Finalize
// |--------------|
// |...           |
// |--------------|
// |slot 2        |
// |--------------|
// |slot 1        | local variables, spilled values
// |--------------| <- frame base (rbp)
// |prev frame ptr|
// |--------------|
// |ret address   |
// |--------------| <- rbp + 16
// |shadow space  | windows only
// |--------------|
// |argument n    | stack passed arguments
// |...           |
// |              | (high address)
//
// StackFrame only tracks the slots below the frame base.  Each slot is
// identified by a unique name and occupies a fixed location for the
// function's lifetime.  Offsets are negative and relative to the frame
// base.
type StackFrame struct {
	Alignment int

	// Maximum frame size in bytes.  Zero means unlimited.
	MaxSize int

	slots map[string]*StackSlot
	order []*StackSlot

	// Lowest offset allocated so far (<= 0)
	current int

	finalized bool
	size      int
}

type StackSlot struct {
	Name      string
	Offset    int
	Size      int
	Alignment int
}

func (slot *StackSlot) String() string {
	return fmt.Sprintf(
		"%s: offset=%d size=%d alignment=%d",
		slot.Name,
		slot.Offset,
		slot.Size,
		slot.Alignment)
}

func NewStackFrame(maxSize int) *StackFrame {
	return &StackFrame{
		Alignment: StackFrameAlignment,
		MaxSize:   maxSize,
		slots:     map[string]*StackSlot{},
	}
}

// Allocate reserves size bytes aligned to alignment and returns the slot's
// (negative) offset from the frame base.  Allocating an existing name
// returns the existing slot's offset.
func (frame *StackFrame) Allocate(
	name string,
	size int,
	alignment int,
) (
	int,
	error,
) {
	if frame.finalized {
		panic("cannot allocate after finalize: " + name)
	}

	if !IsPowerOfTwo(alignment) || alignment > frame.Alignment {
		return 0, newInvalidOperandError(
			"invalid slot alignment (%d) for %s",
			alignment,
			name)
	}

	if size < 0 {
		return 0, newInvalidOperandError("negative slot size for %s", name)
	}
	if size == 0 {
		size = 1 // keep slot addresses distinct
	}

	slot, ok := frame.slots[name]
	if ok {
		if slot.Size < size || slot.Alignment < alignment {
			panic("should never happen")
		}
		return slot.Offset, nil
	}

	offset := frame.current - size
	// Round down toward more negative (offset <= 0).
	offset = -AlignUp(-offset, alignment)

	if frame.MaxSize > 0 && -offset > frame.MaxSize {
		return 0, fmt.Errorf(
			"%w: frame size (%d) exceeds maximum (%d) while allocating %s",
			ErrStackOverflow,
			-offset,
			frame.MaxSize,
			name)
	}

	slot = &StackSlot{
		Name:      name,
		Offset:    offset,
		Size:      size,
		Alignment: alignment,
	}
	frame.slots[name] = slot
	frame.order = append(frame.order, slot)
	frame.current = offset

	return offset, nil
}

// Finalize rounds the frame size up to the frame alignment.  Finalize is
// idempotent.
func (frame *StackFrame) Finalize() int {
	if !frame.finalized {
		frame.finalized = true
		frame.size = AlignUp(-frame.current, frame.Alignment)
	}
	return frame.size
}

func (frame *StackFrame) IsFinalized() bool {
	return frame.finalized
}

// Finalized frame size.
func (frame *StackFrame) Size() int {
	if !frame.finalized {
		panic("frame is not finalized")
	}
	return frame.size
}

// Bytes allocated so far (unaligned).
func (frame *StackFrame) Used() int {
	return -frame.current
}

func (frame *StackFrame) Offset(name string) (int, bool) {
	slot, ok := frame.slots[name]
	if !ok {
		return 0, false
	}
	return slot.Offset, true
}

// Slots in allocation order.
func (frame *StackFrame) Slots() []*StackSlot {
	return frame.order
}
