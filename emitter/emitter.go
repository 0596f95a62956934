// Package emitter renders generated modules as GNU assembler source in
// Intel syntax.
package emitter

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/codegen"
	"github.com/pattyshack/x64gen/platform"
)

type Emitter struct {
	module   *codegen.Module
	format   platform.ObjectFormat
	sections sections

	builder *strings.Builder
	line    int // number of lines written
	section string

	lineMap *LineMap
}

func NewEmitter(module *codegen.Module) *Emitter {
	return &Emitter{
		module:   module,
		format:   module.Target.ObjectFormat,
		sections: sectionsFor(module.Target.ObjectFormat),
		builder:  &strings.Builder{},
		lineMap:  NewLineMap(),
	}
}

// Emit writes the module's assembly to out.
func Emit(out io.Writer, module *codegen.Module) (*LineMap, error) {
	text, lineMap := Render(module)
	_, err := io.WriteString(out, text)
	if err != nil {
		return nil, fmt.Errorf("failed to write assembly: %w", err)
	}
	return lineMap, nil
}

func Render(module *codegen.Module) (string, *LineMap) {
	emitter := NewEmitter(module)
	emitter.emitModule()
	return emitter.builder.String(), emitter.lineMap
}

func (emitter *Emitter) writeLine(format string, args ...interface{}) {
	fmt.Fprintf(emitter.builder, format, args...)
	emitter.builder.WriteString("\n")
	emitter.line++
}

func (emitter *Emitter) writeLocatedLine(
	loc parseutil.Location,
	format string,
	args ...interface{},
) {
	emitter.writeLine(format, args...)
	emitter.lineMap.Record(emitter.line, loc)
}

func (emitter *Emitter) switchSection(section string) {
	if emitter.section == section {
		return
	}
	emitter.section = section
	emitter.writeLine("%s", section)
}

func (emitter *Emitter) emitModule() {
	emitter.writeLine(
		"# module %s (%s, %s abi)",
		emitter.module.Name,
		emitter.module.Target,
		emitter.module.ABI.Name)
	emitter.writeLine(".intel_syntax noprefix")

	for _, fn := range emitter.module.Functions {
		emitter.emitFunction(fn)
	}

	if len(emitter.module.Constants) > 0 {
		emitter.writeLine("")
		emitter.emitConstants(emitter.module.Constants)
	}

	for _, global := range emitter.module.Globals {
		emitter.writeLine("")
		emitter.emitGlobal(global)
	}

	if len(emitter.sections.trailer) > 0 {
		emitter.writeLine("")
		for _, directive := range emitter.sections.trailer {
			emitter.writeLine("%s", directive)
		}
	}
}

func (emitter *Emitter) emitFunction(fn *codegen.Function) {
	emitter.writeLine("")
	emitter.switchSection(emitter.sections.text)
	emitter.writeLine(".p2align 4")

	if fn.Exported {
		emitter.writeLine(".globl %s", fn.Symbol)
	}

	switch emitter.format {
	case platform.ELF:
		emitter.writeLine(".type %s, @function", fn.Symbol)
	case platform.COFF:
		storageClass := 3 // static
		if fn.Exported {
			storageClass = 2 // external
		}
		emitter.writeLine(
			".def %s; .scl %d; .type 32; .endef",
			fn.Symbol,
			storageClass)
	}

	emitter.writeLocatedLine(fn.Loc, "%s:", fn.Symbol)

	for _, entry := range fn.Instructions {
		inst := entry.Instruction
		if inst.IsLabel() {
			emitter.writeLine("%s", inst)
			continue
		}

		if inst.Annotation != "" {
			emitter.writeLocatedLine(
				entry.Loc,
				"\t%s\t# %s",
				inst,
				inst.Annotation)
		} else {
			emitter.writeLocatedLine(entry.Loc, "\t%s", inst)
		}
	}

	if emitter.format == platform.ELF {
		emitter.writeLine(".size %s, .-%s", fn.Symbol, fn.Symbol)
	}

	if len(fn.Constants) > 0 {
		emitter.emitConstants(fn.Constants)
	}
}

func (emitter *Emitter) emitConstants(constants []*codegen.Constant) {
	emitter.switchSection(emitter.sections.rodata)
	for _, constant := range constants {
		if constant.Alignment > 1 {
			emitter.writeLine(".p2align %d", p2align(constant.Alignment))
		}
		emitter.writeLine("%s:", constant.Label)

		if constant.IsString {
			emitter.writeLine("\t.asciz \"%s\"", escapeString(constant.Str))
			continue
		}

		emitter.emitValues(constant.Values, constant.ValueWidth)
	}
}

func (emitter *Emitter) emitValues(values []uint64, width int) {
	directive := dataDirective(width)
	for _, value := range values {
		emitter.writeLine("\t%s 0x%x", directive, value)
	}
}

func (emitter *Emitter) emitGlobal(global *codegen.Global) {
	if global.Exported {
		emitter.writeLine(".globl %s", global.Symbol)
	}

	if global.Zero && !global.ReadOnly && emitter.sections.zerofill != "" {
		emitter.writeLine(
			".zerofill %s,%s,%d,%d",
			emitter.sections.zerofill,
			global.Symbol,
			global.Size,
			p2align(global.Alignment))
		return
	}

	switch {
	case global.ReadOnly:
		emitter.switchSection(emitter.sections.rodata)
	case global.Zero:
		emitter.switchSection(emitter.sections.bss)
	default:
		emitter.switchSection(emitter.sections.data)
	}

	if emitter.format == platform.ELF {
		emitter.writeLine(".type %s, @object", global.Symbol)
		emitter.writeLine(".size %s, %d", global.Symbol, global.Size)
	}

	if global.Alignment > 1 {
		emitter.writeLine(".p2align %d", p2align(global.Alignment))
	}
	emitter.writeLocatedLine(global.Loc, "%s:", global.Symbol)

	written := 0
	switch {
	case global.Zero:
	case global.Pointer != "":
		emitter.writeLine("\t.quad %s", global.Pointer)
		written = 8
	default:
		emitter.emitValues(global.Values, global.ValueWidth)
		written = len(global.Values) * global.ValueWidth / 8
	}

	if global.Size > written {
		emitter.writeLine("\t.zero %d", global.Size-written)
	}
}

// Escapes s for a gas .ascii/.asciz directive.  Non-printable bytes are
// written as octal escapes.
func escapeString(s string) string {
	builder := strings.Builder{}
	for idx := 0; idx < len(s); idx++ {
		char := s[idx]
		switch {
		case char == '"':
			builder.WriteString(`\"`)
		case char == '\\':
			builder.WriteString(`\\`)
		case char == '\n':
			builder.WriteString(`\n`)
		case char == '\t':
			builder.WriteString(`\t`)
		case char >= 0x20 && char < 0x7f:
			builder.WriteByte(char)
		default:
			builder.WriteString(`\`)
			builder.WriteString(padOctal(strconv.FormatUint(uint64(char), 8)))
		}
	}
	return builder.String()
}

func padOctal(digits string) string {
	for len(digits) < 3 {
		digits = "0" + digits
	}
	return digits
}
