package assembler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/emitter"
)

// Matches both gas ("{standard input}:12: Error: ...") and clang
// ("<stdin>:12:5: error: ...") diagnostics.
var diagnosticPattern = regexp.MustCompile(
	`^(.+?):(\d+):(?:\d+:)?\s*(Error|Warning|error|warning):\s*(.*)$`)

type Diagnostic struct {
	Line     int // in the emitted source
	Severity string
	Message  string

	// IR location which produced the line, if known.
	Loc *parseutil.Location
}

func (diag *Diagnostic) IsError() bool {
	return diag.Severity == "error"
}

func (diag *Diagnostic) String() string {
	if diag.Loc != nil {
		return fmt.Sprintf(
			"%s:%d:%d (assembly line %d): %s",
			diag.Loc.FileName,
			diag.Loc.Line,
			diag.Loc.Column,
			diag.Line,
			diag.Message)
	}
	return fmt.Sprintf("assembly line %d: %s", diag.Line, diag.Message)
}

// ParseDiagnostics extracts located diagnostics from assembler output.
// Lines that do not look like diagnostics are ignored.  lineMap is optional.
func ParseDiagnostics(output string, lineMap *emitter.LineMap) []*Diagnostic {
	result := []*Diagnostic{}
	for _, line := range strings.Split(output, "\n") {
		match := diagnosticPattern.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}

		lineNumber, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}

		diag := &Diagnostic{
			Line:     lineNumber,
			Severity: strings.ToLower(match[3]),
			Message:  match[4],
		}

		if lineMap != nil {
			loc, ok := lineMap.Nearest(lineNumber)
			if ok {
				diag.Loc = &loc
			}
		}

		result = append(result, diag)
	}
	return result
}
