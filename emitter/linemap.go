package emitter

import (
	"sort"

	"github.com/pattyshack/gt/parseutil"
)

// Maps 1-based output line numbers to the IR source location the line was
// generated from.  Directives and blank lines have no entry.
type LineMap struct {
	locations map[int]parseutil.Location
	lines     []int // sorted
}

func NewLineMap() *LineMap {
	return &LineMap{
		locations: map[int]parseutil.Location{},
	}
}

// Lines must be recorded in increasing order.
func (lineMap *LineMap) Record(line int, loc parseutil.Location) {
	if loc.FileName == "" && loc.Line == 0 {
		return
	}

	if len(lineMap.lines) > 0 && lineMap.lines[len(lineMap.lines)-1] >= line {
		panic("should never happen")
	}

	lineMap.locations[line] = loc
	lineMap.lines = append(lineMap.lines, line)
}

func (lineMap *LineMap) Len() int {
	return len(lineMap.lines)
}

func (lineMap *LineMap) Lookup(line int) (parseutil.Location, bool) {
	loc, ok := lineMap.locations[line]
	return loc, ok
}

// Location of the closest mapped line at or before line.
func (lineMap *LineMap) Nearest(line int) (parseutil.Location, bool) {
	idx := sort.SearchInts(lineMap.lines, line+1) - 1
	if idx < 0 {
		return parseutil.Location{}, false
	}
	return lineMap.locations[lineMap.lines[idx]], true
}
