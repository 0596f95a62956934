package emitter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/codegen"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform/amd64"
)

const source = `
module: test
globals:
  - {name: counter, type: i64, init: "5"}
  - {name: greeting, type: string, init: '"hi"', readonly: true}
  - {name: buf, type: "[4]i64", exported: false}
functions:
  - name: add
    params: [{name: a, type: i64}, {name: b, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: add, dest: "%sum", type: i64, args: ["%a", "%b"]}
          - {op: ret, args: ["%sum"]}
  - name: half
    params: [{name: x, type: f64}]
    returns: f64
    exported: false
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: mul, dest: "%y", type: f64, args: ["%x", "f64 0.5"]}
          - {op: ret, args: ["%y"]}
`

func generate(t *testing.T, target string) *codegen.Module {
	emitter := &parseutil.Emitter{}
	module, err := ir.DecodeModule(
		"test.yaml",
		strings.NewReader(source),
		emitter)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if emitter.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", emitter.Errors())
	}

	p, diag := amd64.SelectTarget(target)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}

	result, errs := codegen.GenerateModule(p, module, codegen.Options{}, 1)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	return result
}

func expectContains(t *testing.T, text string, expected ...string) {
	for _, line := range expected {
		if !strings.Contains(text, line) {
			t.Errorf("expected (%s) in:\n%s", line, text)
		}
	}
}

func TestRenderELF(t *testing.T) {
	text, _ := Render(generate(t, "linux-x64"))

	expectContains(
		t,
		text,
		".intel_syntax noprefix",
		".globl add\n.type add, @function\nadd:\n",
		"\tadd rax, rsi\n",
		".size add, .-add\n",
		".type half, @function\nhalf:\n",
		"\tmulsd xmm1, qword ptr [rip + .Lhalf_const0]\n",
		".section .rodata\n.p2align 3\n.Lhalf_const0:\n\t.quad 0x3fe0000000000000\n",
		".Ltest_str0:\n\t.asciz \"hi\"\n",
		".data\n.type counter, @object\n.size counter, 8\n.p2align 3\ncounter:\n\t.quad 0x5\n",
		"greeting:\n\t.quad .Ltest_str0\n",
		".bss\n.type buf, @object\n.size buf, 32\n.p2align 3\nbuf:\n\t.zero 32\n",
		`.section .note.GNU-stack,"",@progbits`)

	if strings.Contains(text, ".globl half") || strings.Contains(text, ".globl buf") {
		t.Errorf("unexpected export:\n%s", text)
	}
}

func TestRenderMachO(t *testing.T) {
	text, _ := Render(generate(t, "macos-x64"))

	expectContains(
		t,
		text,
		".globl _add\n_add:\n",
		"Lhalf_const0:\n",
		".section __TEXT,__const\n",
		".zerofill __DATA,__bss,_buf,32,3\n",
		"_greeting:\n\t.quad Ltest_str0\n")

	if strings.Contains(text, ".type") || strings.Contains(text, ".size") {
		t.Errorf("unexpected elf directives:\n%s", text)
	}
}

func TestRenderCOFF(t *testing.T) {
	text, _ := Render(generate(t, "windows-x64"))

	expectContains(
		t,
		text,
		".def add; .scl 2; .type 32; .endef\nadd:\n",
		".def half; .scl 3; .type 32; .endef\nhalf:\n",
		"\tadd rax, rdx\n",
		`.section .rdata,"dr"`)
}

func TestLineMap(t *testing.T) {
	var out bytes.Buffer
	lineMap, err := Emit(&out, generate(t, "linux-x64"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	lines := strings.Split(out.String(), "\n")
	addLine := -1
	for idx, line := range lines {
		if line == "\tadd rax, rsi" {
			addLine = idx + 1
		}
	}
	if addLine < 0 {
		t.Fatalf("missing add instruction:\n%s", out.String())
	}

	loc, ok := lineMap.Lookup(addLine)
	if !ok || loc.FileName != "test.yaml" || loc.Line != 14 {
		t.Errorf("unexpected location for line %d: %v (%v)", addLine, loc, ok)
	}

	// Labels map to the closest preceding instruction.
	_, ok = lineMap.Lookup(addLine + 1)
	if ok {
		t.Errorf("unexpected direct mapping for line %d", addLine+1)
	}
	loc, ok = lineMap.Nearest(addLine + 1)
	if !ok || loc.Line != 14 {
		t.Errorf("expected nearest location for line %d: %v", addLine+1, loc)
	}

	_, ok = lineMap.Nearest(1)
	if ok {
		t.Errorf("unexpected location for the header")
	}
}

func TestEscapeString(t *testing.T) {
	cases := map[string]string{
		"hi":           "hi",
		"say \"hi\"\n": `say \"hi\"\n`,
		"a\\b\tc":      `a\\b\tc`,
		"\x00\x7f":     `\000\177`,
		"\u00e9":       `\303\251`,
	}

	for input, expected := range cases {
		actual := escapeString(input)
		if actual != expected {
			t.Errorf("escapeString(%q): expected %s, got %s", input, expected, actual)
		}
	}
}
