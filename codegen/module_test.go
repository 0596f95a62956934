package codegen

import (
	"errors"
	"strings"
	"testing"
)

const moduleSource = `
module: test
globals:
  - {name: counter, type: i64, init: "5"}
  - {name: greeting, type: string, init: '"hi"', readonly: true}
  - {name: buf, type: "[4]i64", exported: false}
functions:
  - name: first
    params: [{name: a, type: i64}]
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: ret, args: ["%a"]}
  - name: fmod
    params: [{name: a, type: f64}, {name: b, type: f64}]
    returns: f64
    blocks:
      - label: entry
        instructions:
          - {op: binary, binop: mod, dest: "%r", type: f64, args: ["%a", "%b"]}
          - {op: ret, args: ["%r"]}
  - name: third
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: load, dest: "%v", type: i64, args: ["@counter"]}
          - {op: ret, args: ["%v"]}
`

func TestGenerateModule(t *testing.T) {
	module := decodeTestModule(t, moduleSource)

	for _, workers := range []int{0, 1, 2} {
		result, errs := GenerateModule(
			testPlatform(t, "linux-x64"),
			module,
			Options{},
			workers)

		if len(errs) != 1 {
			t.Fatalf("expected 1 error, got %v", errs)
		}
		if errs[0].Kind != UnsupportedInstruction || errs[0].Function != "fmod" {
			t.Errorf("unexpected error: %s", errs[0])
		}

		if len(result.Functions) != 2 ||
			result.Functions[0].Name != "first" ||
			result.Functions[1].Name != "third" {
			t.Fatalf("unexpected functions: %v", result.Functions)
		}

		if len(result.Globals) != 3 {
			t.Fatalf("expected 3 globals, got %d", len(result.Globals))
		}

		counter := result.Globals[0]
		if counter.Zero ||
			len(counter.Values) != 1 ||
			counter.Values[0] != 5 ||
			counter.ValueWidth != 64 {
			t.Errorf("unexpected counter: %+v", counter)
		}

		greeting := result.Globals[1]
		if greeting.Pointer != ".Ltest_str0" || !greeting.ReadOnly {
			t.Errorf("unexpected greeting: %+v", greeting)
		}

		buf := result.Globals[2]
		if !buf.Zero || buf.Size != 32 || buf.Alignment != 8 || buf.Exported {
			t.Errorf("unexpected buf: %+v", buf)
		}

		if len(result.Constants) != 1 || result.Constants[0].Str != "hi" {
			t.Errorf("unexpected module constants: %v", result.Constants)
		}
	}
}

func TestGenerateModuleSymbolPrefix(t *testing.T) {
	module := decodeTestModule(t, moduleSource)

	result, _ := GenerateModule(
		testPlatform(t, "macos-x64"),
		module,
		Options{},
		1)

	if result.Functions[0].Symbol != "_first" {
		t.Errorf("unexpected symbol: %s", result.Functions[0].Symbol)
	}
	if result.Globals[0].Symbol != "_counter" {
		t.Errorf("unexpected symbol: %s", result.Globals[0].Symbol)
	}
	if result.Globals[1].Pointer != "Ltest_str0" {
		t.Errorf("unexpected string label: %s", result.Globals[1].Pointer)
	}
}

func TestGenerateModuleRejectsReservedNames(t *testing.T) {
	module := decodeTestModule(t, moduleSource)
	module.Name = "dir/my-module.yaml"
	module.Globals[2].Name = "rax"
	module.Functions[0].Name = "and"

	result, errs := GenerateModule(
		testPlatform(t, "linux-x64"),
		module,
		Options{},
		1)

	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %v", errs)
	}
	if errs[0].Kind != InvalidOperand ||
		errs[0].Construct != "global rax" ||
		!errors.Is(errs[0], ErrInvalidOperand) {
		t.Errorf("unexpected global error: %s", errs[0])
	}
	if errs[1].Kind != InvalidOperand || errs[1].Function != "and" {
		t.Errorf("unexpected function error: %s", errs[1])
	}
	if errs[2].Function != "fmod" {
		t.Errorf("unexpected error: %s", errs[2])
	}

	if len(result.Functions) != 1 || result.Functions[0].Name != "third" {
		t.Errorf("unexpected functions: %v", result.Functions)
	}
	if len(result.Globals) != 2 {
		t.Errorf("expected 2 globals, got %d", len(result.Globals))
	}
	if result.Globals[1].Pointer != ".Ldir_my_module_yaml_str0" {
		t.Errorf("unexpected string label: %s", result.Globals[1].Pointer)
	}
}

func TestGenerateFunctionRejectsReservedCallee(t *testing.T) {
	module := decodeTestModule(t, `
module: test
functions:
  - name: caller
    returns: i64
    blocks:
      - label: entry
        instructions:
          - {op: call, callee: callee, dest: "%r", type: i64}
          - {op: ret, args: ["%r"]}
`)
	fn := module.Functions[0]
	fn.Blocks[0].Instructions[0].Callee = "offset"

	_, err := GenerateFunction(testPlatform(t, "linux-x64"), fn, Options{})
	if !errors.Is(err, ErrInvalidOperand) {
		t.Fatalf("expected invalid operand, got %v", err)
	}
	if !strings.Contains(err.Error(), "offset is a reserved assembler name") {
		t.Errorf("unexpected error: %s", err)
	}
}
