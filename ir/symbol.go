package ir

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidSymbol = errors.New("invalid symbol name")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Names the Intel syntax operand parser treats as registers or operators.
// Symbols with these names cannot be referenced unambiguously.
var reservedNames = func() map[string]struct{} {
	names := []string{
		// operators
		"and", "eq", "ge", "gt", "le", "lt", "mod", "ne", "not", "offset",
		"or", "shl", "shr", "xor",
		// size and distance keywords
		"byte", "word", "dword", "fword", "qword", "tbyte", "oword",
		"xmmword", "ymmword", "zmmword", "ptr", "near", "far", "short",
		"flat",
		// legacy registers
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp", "rip",
		"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip",
		"ax", "bx", "cx", "dx", "si", "di", "bp", "sp",
		"al", "bl", "cl", "dl", "ah", "bh", "ch", "dh",
		"sil", "dil", "bpl", "spl",
		"cs", "ds", "es", "fs", "gs", "ss", "st",
	}

	for idx := 8; idx < 16; idx++ {
		for _, suffix := range []string{"", "d", "w", "b", "l"} {
			names = append(names, fmt.Sprintf("r%d%s", idx, suffix))
		}
	}

	for idx := 0; idx < 32; idx++ {
		names = append(
			names,
			fmt.Sprintf("xmm%d", idx),
			fmt.Sprintf("ymm%d", idx),
			fmt.Sprintf("zmm%d", idx))
	}

	for idx := 0; idx < 16; idx++ {
		names = append(
			names,
			fmt.Sprintf("cr%d", idx),
			fmt.Sprintf("dr%d", idx))
	}

	for idx := 0; idx < 8; idx++ {
		names = append(
			names,
			fmt.Sprintf("mm%d", idx),
			fmt.Sprintf("k%d", idx))
	}

	result := make(map[string]struct{}, len(names))
	for _, name := range names {
		result[name] = struct{}{}
	}
	return result
}()

// ValidateSymbolName checks that name can be written as an unquoted
// assembler symbol (function, global or external callee).
func ValidateSymbolName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w (%s)", ErrInvalidSymbol, name)
	}

	_, ok := reservedNames[strings.ToLower(name)]
	if ok {
		return fmt.Errorf(
			"%w (%s is a reserved assembler name)",
			ErrInvalidSymbol,
			name)
	}
	return nil
}

// ValidateLabelName checks that name can be embedded in a generated local
// label.
func ValidateLabelName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w (%s)", ErrInvalidSymbol, name)
	}
	return nil
}
