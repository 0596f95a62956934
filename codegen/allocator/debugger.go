package allocator

import (
	"bytes"
	"fmt"
	"math"

	"github.com/davecgh/go-spew/spew"

	"github.com/pattyshack/x64gen/ir"
)

var dumper = spew.ConfigState{
	Indent:                  "  ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
}

func valueName(fn *ir.Function, id ir.ValueID) string {
	if int(id) < len(fn.Values) {
		return fn.Values[id].String()
	}
	return SlotName(id)
}

// Debug returns a human readable dump of the function's liveness and the
// allocator's current state.
func Debug(allocator *Allocator, fn *ir.Function) string {
	buffer := &bytes.Buffer{}
	printf := func(template string, args ...interface{}) {
		fmt.Fprintf(buffer, template, args...)
	}

	printf("Definition: %s\n", fn.Name)
	printf("------------------------------------------\n")

	liveness := allocator.Liveness
	if liveness != nil {
		printf("Liveness:\n")
		for idx, block := range fn.Blocks {
			printf(
				"  Block %d (%s): [%d, %d]\n",
				idx,
				block.Label,
				liveness.BlockStart[block],
				liveness.BlockEnd[block])

			printf("    LiveIn:\n")
			for _, id := range liveness.LiveIn[block].IDs() {
				printf("      %s\n", valueName(fn, id))
			}

			printf("    LiveOut:\n")
			for _, id := range liveness.LiveOut[block].IDs() {
				printf("      %s\n", valueName(fn, id))
			}
		}

		printf("Intervals:\n")
		for _, value := range fn.Values {
			interval, ok := liveness.Intervals[value.ID]
			if !ok {
				continue
			}

			nextUse := liveness.NextUse(value.ID, allocator.Position())
			next := "none"
			if nextUse != math.MaxInt {
				next = fmt.Sprintf("%d", nextUse)
			}

			printf(
				"  %s: [%d, %d] uses=%v next=%s\n",
				value,
				interval.Start,
				interval.End,
				interval.Uses,
				next)
		}
	}

	printf("Locations (policy: %s):\n", allocator.Policy.Name())
	for _, id := range allocator.Tracked() {
		printf("  %s: %s\n", valueName(fn, id), allocator.locations[id])
	}

	printf("Callee saved: %v\n", allocator.UsedCalleeSaved())

	printf("Frame:\n")
	buffer.WriteString(dumper.Sdump(allocator.Frame.Slots()))

	return buffer.String()
}
