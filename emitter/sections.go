package emitter

import (
	"github.com/pattyshack/x64gen/platform"
)

// Section directives for one object format.
type sections struct {
	text   string
	rodata string
	data   string
	bss    string

	// Zero filled globals are declared with .zerofill instead of being
	// defined in the bss section.
	zerofill string

	// Trailing directives (e.g., the non-executable stack note on ELF).
	trailer []string
}

var (
	elfSections = sections{
		text:    ".text",
		rodata:  ".section .rodata",
		data:    ".data",
		bss:     ".bss",
		trailer: []string{`.section .note.GNU-stack,"",@progbits`},
	}

	machOSections = sections{
		text:     ".text",
		rodata:   ".section __TEXT,__const",
		data:     ".data",
		bss:      ".section __DATA,__bss",
		zerofill: "__DATA,__bss",
	}

	coffSections = sections{
		text:   ".text",
		rodata: `.section .rdata,"dr"`,
		data:   ".data",
		bss:    ".bss",
	}
)

func sectionsFor(format platform.ObjectFormat) sections {
	switch format {
	case platform.ELF:
		return elfSections
	case platform.MachO:
		return machOSections
	case platform.COFF:
		return coffSections
	}
	panic("unknown object format: " + string(format))
}

// Data directive for a word of the given bit width.
func dataDirective(width int) string {
	switch width {
	case 8:
		return ".byte"
	case 16:
		return ".short"
	case 32:
		return ".long"
	case 64:
		return ".quad"
	}
	panic("should never happen")
}

// log2 of a power of two alignment, for .p2align.  .align is avoided since
// its operand means bytes on ELF/COFF but a power of two on Mach-O.
func p2align(alignment int) int {
	shift := 0
	for alignment > 1 {
		alignment >>= 1
		shift++
	}
	return shift
}
