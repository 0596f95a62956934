package codegen

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
	"github.com/pattyshack/x64gen/platform/amd64"
)

func decodeTestModule(t *testing.T, source string) *ir.Module {
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
	return module
}

func testPlatform(t *testing.T, target string) platform.Platform {
	p, diag := amd64.SelectTarget(target)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}
	return p
}

func generateTestFunction(
	t *testing.T,
	target string,
	source string,
) (
	*Function,
	[]string,
) {
	module := decodeTestModule(t, source)
	fn, err := GenerateFunction(
		testPlatform(t, target),
		module.Functions[0],
		Options{CheckInvariants: true})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	return fn, renderEntries(fn.Instructions)
}

func renderEntries(entries []LogEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.Instruction.String())
	}
	return lines
}

func indexOf(lines []string, line string, from int) int {
	for idx := from; idx < len(lines); idx++ {
		if lines[idx] == line {
			return idx
		}
	}
	return -1
}

func indexWithPrefix(lines []string, prefix string, from int) int {
	for idx := from; idx < len(lines); idx++ {
		if strings.HasPrefix(lines[idx], prefix) {
			return idx
		}
	}
	return -1
}

// Each expected line must appear after the previous one.
func expectSequence(t *testing.T, lines []string, expected ...string) {
	pos := 0
	for _, line := range expected {
		idx := indexOf(lines, line, pos)
		if idx < 0 {
			t.Fatalf(
				"expected (%s) after line %d in:\n%s",
				line,
				pos,
				strings.Join(lines, "\n"))
		}
		pos = idx + 1
	}
}

const frameLocalSource = `
module: test
functions:
  - name: local
    returns: "*i64"
    locals: [{name: x, type: i64}]
    blocks:
      - label: entry
        instructions:
          - {op: store, args: ["i64 42", "%x"]}
          - {op: addr, dest: "%p", type: "*i64", args: ["%x"]}
          - {op: ret, args: ["%p"]}
`

func TestStoreImmediateToFrameLocal(t *testing.T) {
	for _, target := range []string{"linux-x64", "windows-x64"} {
		fn, lines := generateTestFunction(t, target, frameLocalSource)

		expectSequence(
			t,
			lines,
			"push rbp",
			"mov rbp, rsp",
			"mov qword ptr [rbp - 8], 42",
			"lea rax, [rbp - 8]",
			".Llocal_epilogue0:",
			"mov rsp, rbp",
			"pop rbp",
			"ret")

		if fn.FrameSize != 16 {
			t.Errorf("%s: expected frame size 16, got %d", target, fn.FrameSize)
		}

		// The trailing jump to the epilogue falls through.
		if indexWithPrefix(lines, "jmp", 0) >= 0 {
			t.Errorf("%s: unexpected jump in:\n%s", target, strings.Join(lines, "\n"))
		}

		hasSub := indexOf(lines, "sub rsp, 16", 0) >= 0
		if target == "linux-x64" {
			if hasSub || !fn.UsesRedZone {
				t.Errorf("expected leaf frame in the red zone")
			}
		} else if !hasSub || fn.UsesRedZone {
			t.Errorf("expected explicit frame allocation on windows")
		}
	}
}

func TestDivisionEvictsQuotientRegister(t *testing.T) {
	source := `
module: test
functions:
  - name: divide
    params: [{name: a, type: i64}, {name: b, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: add, dest: "%t", type: i64, args: ["%a", "i64 1"]}
          - {op: binary, binop: div, dest: "%q", type: i64, args: ["%a", "%b"]}
          - {op: binary, binop: add, dest: "%r", type: i64, args: ["%q", "%t"]}
          - {op: ret, args: ["%r"]}
`

	fn, lines := generateTestFunction(t, "linux-x64", source)

	expectSequence(
		t,
		lines,
		"mov rax, rdi",
		"add rax, 1",
		"mov qword ptr [rbp - 8], rax", // %t spilled out of rax
		"mov r10, rsi",
		"mov rax, rdi",
		"cqo",
		"idiv r10",
		"add rcx, qword ptr [rbp - 8]")

	if fn.NumSpills != 1 {
		t.Errorf("expected 1 spill, got %d", fn.NumSpills)
	}
}

func TestUnsignedRemainder(t *testing.T) {
	source := `
module: test
functions:
  - name: rem
    params: [{name: a, type: u16}, {name: b, type: u16}]
    returns: u16
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: mod, dest: "%r", type: u16, args: ["%a", "%b"]}
          - {op: ret, args: ["%r"]}
`

	_, lines := generateTestFunction(t, "linux-x64", source)

	expectSequence(
		t,
		lines,
		"movzx r10d, si",
		"movzx eax, di",
		"xor edx, edx",
		"div r10d")
}

const callSource = `
module: test
functions:
  - name: caller
    params: [{name: x, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: call, callee: callee, dest: "%r", type: i64, args: ["%x", "i64 7"]}
          - {op: ret, args: ["%r"]}
`

func TestCallConventionPerTarget(t *testing.T) {
	_, lines := generateTestFunction(t, "linux-x64", callSource)
	expectSequence(t, lines, "mov rsi, 7", "call callee@PLT")
	if indexWithPrefix(lines, "sub rsp", 0) >= 0 {
		t.Errorf("unexpected stack adjustment:\n%s", strings.Join(lines, "\n"))
	}

	_, lines = generateTestFunction(t, "windows-x64", callSource)
	expectSequence(
		t,
		lines,
		"sub rsp, 32",
		"mov rdx, 7",
		"call callee",
		"add rsp, 32")

	_, lines = generateTestFunction(t, "macos-x64", callSource)
	expectSequence(t, lines, "mov rsi, 7", "call _callee")
}

func TestCallSpillsValuesLiveAcrossCall(t *testing.T) {
	source := `
module: test
functions:
  - name: keep
    params: [{name: x, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: call, callee: g, dest: "%r", type: i64, args: ["i64 1"]}
          - {op: binary, binop: add, dest: "%s", type: i64, args: ["%r", "%x"]}
          - {op: ret, args: ["%s"]}
`

	fn, lines := generateTestFunction(t, "linux-x64", source)
	expectSequence(
		t,
		lines,
		"mov qword ptr [rbp - 8], rdi",
		"mov rdi, 1",
		"call g@PLT")

	if fn.UsesRedZone {
		t.Errorf("functions with calls cannot use the red zone")
	}
	if indexOf(lines, "sub rsp, 16", 0) < 0 {
		t.Errorf("expected frame allocation:\n%s", strings.Join(lines, "\n"))
	}
}

func TestCallArgumentCycle(t *testing.T) {
	source := `
module: test
functions:
  - name: swap
    params: [{name: a, type: i64}, {name: b, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: call, callee: g, dest: "%r", type: i64, args: ["%b", "%a"]}
          - {op: ret, args: ["%r"]}
`

	_, lines := generateTestFunction(t, "linux-x64", source)
	expectSequence(
		t,
		lines,
		"mov r11, rdi",
		"mov rdi, rsi",
		"mov rsi, r11",
		"call g@PLT")
}

const maxSource = `
module: test
functions:
  - name: max
    params: [{name: a, type: i32}, {name: b, type: i32}]
    returns: i32
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: gt, dest: "%c", type: bool, args: ["%a", "%b"]}
          - {op: br, args: ["%c"], targets: [left, right]}
      - label: left
        instructions:
          - {op: jmp, targets: [done]}
      - label: right
        instructions:
          - {op: jmp, targets: [done]}
      - label: done
        instructions:
          - op: phi
            dest: "%r"
            type: i32
            incoming: [{block: left, value: "%a"}, {block: right, value: "%b"}]
          - {op: ret, args: ["%r"]}
`

func TestPhiEdgesAndFusedCompare(t *testing.T) {
	fn, lines := generateTestFunction(t, "linux-x64", maxSource)

	expectSequence(
		t,
		lines,
		"cmp edi, esi",
		"jg .Lmax_bb_left",
		"jmp .Lmax_bb_right",
		".Lmax_bb_left:")

	if indexWithPrefix(lines, "setg", 0) >= 0 {
		t.Errorf("expected fused compare:\n%s", strings.Join(lines, "\n"))
	}

	// left -> done goes through an out of line stub; right -> done falls
	// through with its copy inline.
	if fn.NumStubs != 1 {
		t.Fatalf("expected 1 edge stub, got %d", fn.NumStubs)
	}

	left := indexOf(lines, ".Lmax_bb_left:", 0)
	jump := indexWithPrefix(lines, "jmp .Lmax_edge", left)
	if jump < 0 {
		t.Fatalf("expected retargeted jump:\n%s", strings.Join(lines, "\n"))
	}
	stubLabel := strings.TrimPrefix(lines[jump], "jmp ") + ":"

	expectSequence(
		t,
		lines,
		".Lmax_bb_right:",
		"mov eax, esi",
		".Lmax_bb_done:",
		"ret",
		stubLabel,
		"mov eax, edi",
		"jmp .Lmax_bb_done")
}

func TestCompareResultUsedTwiceIsNotFused(t *testing.T) {
	source := `
module: test
functions:
  - name: twice
    params: [{name: a, type: u64}, {name: b, type: u64}]
    returns: bool
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: lt, dest: "%c", type: bool, args: ["%a", "%b"]}
          - {op: br, args: ["%c"], targets: [yes, no]}
      - label: yes
        instructions:
          - {op: ret, args: ["%c"]}
      - label: no
        instructions:
          - {op: ret, args: ["bool false"]}
`

	_, lines := generateTestFunction(t, "linux-x64", source)
	expectSequence(
		t,
		lines,
		"cmp rdi, rsi",
		"setb al",
		"test al, al",
		"jne .Ltwice_bb_yes")
}

func TestUnsignedToFloatConversion(t *testing.T) {
	source := `
module: test
functions:
  - name: to_f
    params: [{name: x, type: u64}]
    returns: f64
    blocks:
      - label: entry
        instructions:
          - {op: cast, dest: "%y", type: f64, args: ["%x"]}
          - {op: ret, args: ["%y"]}
`

	fn, lines := generateTestFunction(t, "linux-x64", source)
	expectSequence(
		t,
		lines,
		"mov r10, rdi",
		"test r10, r10",
		"cvtsi2sd xmm0, r10",
		"shr r11, 1",
		"addsd xmm0, xmm0")

	annotated := false
	for _, entry := range fn.Instructions {
		if entry.Instruction.Annotation == "may lose precision" {
			annotated = true
		}
	}
	if !annotated {
		t.Errorf("expected conversion annotation")
	}
}

func TestFloatLiteralUsesConstantPool(t *testing.T) {
	source := `
module: test
functions:
  - name: inc
    params: [{name: x, type: f64}]
    returns: f64
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: add, dest: "%y", type: f64, args: ["%x", "f64 1.5"]}
          - {op: unary, unop: neg, dest: "%z", type: f64, args: ["%y"]}
          - {op: ret, args: ["%z"]}
`

	fn, lines := generateTestFunction(t, "linux-x64", source)

	if len(fn.Constants) != 2 {
		t.Fatalf("expected 2 constants, got %d", len(fn.Constants))
	}
	if fn.Constants[0].Values[0] != math.Float64bits(1.5) {
		t.Errorf("unexpected constant bits %x", fn.Constants[0].Values[0])
	}
	if fn.Constants[1].Alignment != 16 ||
		fn.Constants[1].Values[0] != 1<<63 {
		t.Errorf("unexpected sign mask: %v", fn.Constants[1])
	}

	if indexWithPrefix(lines, "addsd", 0) < 0 ||
		indexWithPrefix(lines, "xorpd", 0) < 0 {
		t.Errorf("expected addsd and xorpd:\n%s", strings.Join(lines, "\n"))
	}

	ripRelative := false
	for _, line := range lines {
		if strings.Contains(line, "[rip + .Linc_const0]") {
			ripRelative = true
		}
	}
	if !ripRelative {
		t.Errorf("expected rip relative constant:\n%s", strings.Join(lines, "\n"))
	}
}

func TestUnsupportedInstructions(t *testing.T) {
	sources := map[string]string{
		"float mod": `
module: test
functions:
  - name: fmod
    params: [{name: a, type: f64}, {name: b, type: f64}]
    returns: f64
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: mod, dest: "%r", type: f64, args: ["%a", "%b"]}
          - {op: ret, args: ["%r"]}
`,
		"popcnt": `
module: test
functions:
  - name: count
    params: [{name: a, type: u64}]
    returns: u64
    blocks:
      - label: entry
        instructions:
          - {op: intrinsic, intrinsic: popcnt, dest: "%r", type: u64, args: ["%a"]}
          - {op: ret, args: ["%r"]}
`,
	}

	for name, source := range sources {
		module := decodeTestModule(t, source)
		_, err := GenerateFunction(
			testPlatform(t, "linux-x64"),
			module.Functions[0],
			Options{})
		if !errors.Is(err, ErrUnsupportedInstruction) {
			t.Errorf("%s: expected unsupported instruction, got %v", name, err)
		}

		var codegenErr *Error
		if !errors.As(err, &codegenErr) || codegenErr.Loc == nil {
			t.Errorf("%s: expected located error", name)
		}
	}
}

func TestFrameSizeLimit(t *testing.T) {
	source := `
module: test
functions:
  - name: big
    returns: "*[64]i64"
    locals: [{name: buf, type: "[64]i64"}]
    blocks:
      - label: entry
        instructions:
          - {op: addr, dest: "%p", type: "*[64]i64", args: ["%buf"]}
          - {op: ret, args: ["%p"]}
`

	module := decodeTestModule(t, source)
	_, err := GenerateFunction(
		testPlatform(t, "linux-x64"),
		module.Functions[0],
		Options{MaxFrameSize: 64})
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("expected stack overflow, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "big: ") {
		t.Errorf("expected function name in error: %s", err)
	}

	fn, err := GenerateFunction(
		testPlatform(t, "linux-x64"),
		module.Functions[0],
		Options{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if fn.FrameSize != 512 {
		t.Errorf("expected frame size 512, got %d", fn.FrameSize)
	}
	if fn.UsesRedZone {
		t.Errorf("512 byte frame does not fit in the red zone")
	}
}

func TestLoopBackEdge(t *testing.T) {
	source := `
module: test
functions:
  - name: sum
    params: [{name: n, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: jmp, targets: [loop]}
      - label: loop
        instructions:
          - op: phi
            dest: "%i"
            type: i64
            incoming: [{block: entry, value: "i64 0"}, {block: loop, value: "%next"}]
          - op: phi
            dest: "%acc"
            type: i64
            incoming: [{block: entry, value: "i64 0"}, {block: loop, value: "%total"}]
          - {op: binary, binop: add, dest: "%total", type: i64, args: ["%acc", "%i"]}
          - {op: binary, binop: add, dest: "%next", type: i64, args: ["%i", "i64 1"]}
          - {op: binary, binop: lt, dest: "%c", type: bool, args: ["%next", "%n"]}
          - {op: br, args: ["%c"], targets: [loop, exit]}
      - label: exit
        instructions:
          - {op: ret, args: ["%total"]}
`

	fn, lines := generateTestFunction(t, "linux-x64", source)

	// The entry edge initializes both phis inline.
	loop := indexOf(lines, ".Lsum_bb_loop:", 0)
	if loop < 0 {
		t.Fatalf("missing loop label:\n%s", strings.Join(lines, "\n"))
	}
	for _, line := range lines[:loop] {
		if strings.HasPrefix(line, "jmp") {
			t.Errorf("unexpected jump before loop:\n%s", strings.Join(lines, "\n"))
		}
	}

	// The back edge copies the new values through a stub.
	if fn.NumStubs != 1 {
		t.Errorf("expected 1 edge stub, got %d", fn.NumStubs)
	}
	if indexWithPrefix(lines, "jl .Lsum_edge", loop) < 0 {
		t.Errorf("expected back edge through stub:\n%s", strings.Join(lines, "\n"))
	}
}
