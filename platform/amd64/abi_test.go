package amd64

import (
	"errors"
	"strings"
	"testing"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

func TestRegisterAliasRoundTrip(t *testing.T) {
	widths := []int{8, 16, 32, 64, 128, 256, 512}
	for _, reg := range append(
		append([]*architecture.Register{rsp, rbp}, RegisterSet.General...),
		RegisterSet.Vector...) {

		for _, member := range reg.Family().Members() {
			if member.Alias(member.Width) != member {
				t.Errorf("%s does not alias itself", member)
			}
			if member.Class != reg.Class || member.Encoding != reg.Encoding {
				t.Errorf("%s is not in %s's family", member, reg)
			}

			for _, width := range widths {
				alias := member.Alias(width)
				if alias == nil {
					continue
				}
				if alias.Alias(member.Width) != member {
					t.Errorf("%s -> %s does not round trip", member, alias)
				}
			}
		}
	}

	cases := map[string]string{
		"eax":  "rax",
		"r8b":  "r8",
		"sil":  "rsi",
		"r15w": "r15",
		"ymm3": "xmm3",
	}
	for name, canonical := range cases {
		reg := Register(name)
		if reg == nil {
			t.Fatalf("unknown register %s", name)
		}
		if reg.Canonical().Name != canonical {
			t.Errorf("expected %s canonical to be %s, got %s", name, canonical, reg.Canonical())
		}
	}

	if Register("rax").Class != architecture.GeneralClass ||
		Register("xmm0").Class != architecture.VectorClass {
		t.Errorf("unexpected register class")
	}
}

func TestAllocatableRegistersExcludeReserved(t *testing.T) {
	reserved := []*architecture.Register{rsp, rbp, Scratch, SecondaryScratch}
	for _, reg := range AllocatableGeneral {
		for _, res := range reserved {
			if reg == res {
				t.Errorf("%s should not be allocatable", reg)
			}
		}
	}
	if len(AllocatableGeneral) != 12 {
		t.Errorf("expected 12 allocatable general registers, got %d", len(AllocatableGeneral))
	}
	for _, reg := range AllocatableVector {
		if reg == VectorScratch {
			t.Errorf("vector scratch should not be allocatable")
		}
	}
}

func TestABICompleteness(t *testing.T) {
	if WindowsABI.ShadowSpace != 32 || SystemVABI.ShadowSpace != 0 {
		t.Errorf("unexpected shadow space")
	}
	if WindowsABI.RedZone != 0 || SystemVABI.RedZone != 128 {
		t.Errorf("unexpected red zone")
	}
	if WindowsABI.StackAlignment != 16 || SystemVABI.StackAlignment != 16 {
		t.Errorf("unexpected stack alignment")
	}

	for _, abi := range []*platform.ABI{WindowsABI, SystemVABI, DarwinABI} {
		for _, reg := range abi.IntArgs {
			if abi.IsCalleeSaved(reg) {
				t.Errorf("%s: argument register %s is callee-saved", abi.Name, reg)
			}
		}
		for _, reg := range abi.VectorArgs {
			if abi.IsCalleeSaved(reg) {
				t.Errorf("%s: argument register %s is callee-saved", abi.Name, reg)
			}
		}

		for _, reg := range allRegisters() {
			if abi.IsCalleeSaved(reg) == abi.IsCallerSaved(reg) {
				t.Errorf("%s: %s must be exactly one of callee/caller saved", abi.Name, reg)
			}
		}

		if !abi.IsCalleeSaved(rbx) || !abi.IsCalleeSaved(rbp) {
			t.Errorf("%s: rbx and rbp must be callee-saved", abi.Name)
		}
	}

	if !WindowsABI.IsCalleeSaved(rdi) || !WindowsABI.IsCalleeSaved(xmm[6]) {
		t.Errorf("windows: rdi and xmm6 must be callee-saved")
	}
	if SystemVABI.IsCalleeSaved(rdi) || SystemVABI.IsCalleeSaved(xmm[6]) {
		t.Errorf("sysv: rdi and xmm6 must be caller-saved")
	}
}

func TestSelectTarget(t *testing.T) {
	cases := map[string]string{
		"windows-x64":         "windows-x64",
		"x86_64-pc-windows":   "windows-x64",
		"linux-x64":           "linux-x64",
		"x86_64-linux":        "linux-x64",
		"darwin-x64":          "macos-x64",
		"X86_64-APPLE-DARWIN": "macos-x64",
		"":                    "linux-x64",
	}

	for tag, expected := range cases {
		p, diag := SelectTarget(tag)
		if diag != "" {
			t.Errorf("%s: unexpected diagnostic: %s", tag, diag)
		}
		if p.Target().Name != expected {
			t.Errorf("%s: expected %s, got %s", tag, expected, p.Target())
		}
	}

	p, diag := SelectTarget("riscv64-unknown-elf")
	if p.Target().Name != DefaultTarget {
		t.Errorf("expected fallback to %s, got %s", DefaultTarget, p.Target())
	}
	if !strings.Contains(diag, "riscv64-unknown-elf") {
		t.Errorf("expected fallback diagnostic, got %q", diag)
	}

	if len(TargetNames()) != 3 {
		t.Errorf("unexpected targets: %v", TargetNames())
	}
	if len(TargetAliases("windows-x64")) == 0 {
		t.Errorf("expected windows aliases")
	}
}

func sourceRegister(
	t *testing.T,
	con *architecture.CallConvention,
	idx int,
) string {
	loc := con.CallConstraints.Sources[idx]
	if loc.OnStack {
		return "stack"
	}
	return loc.Register.Require.Name
}

func TestCallConventionFirstArgument(t *testing.T) {
	windows, _ := SelectTarget("windows-x64")
	linux, _ := SelectTarget("linux-x64")

	params := []*ir.Type{ir.I64Type}

	winCon, err := windows.CallConvention(params, ir.I64Type, false, 1)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if sourceRegister(t, winCon, 0) != "rcx" {
		t.Errorf("windows: expected rcx, got %s", sourceRegister(t, winCon, 0))
	}
	if winCon.ShadowSpace != 32 || winCon.StackAdjustment() != 32 {
		t.Errorf("windows: expected 32 bytes of shadow space")
	}

	sysvCon, err := linux.CallConvention(params, ir.I64Type, false, 1)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if sourceRegister(t, sysvCon, 0) != "rdi" {
		t.Errorf("sysv: expected rdi, got %s", sourceRegister(t, sysvCon, 0))
	}
	if sysvCon.StackAdjustment() != 0 {
		t.Errorf("sysv: expected no stack adjustment")
	}

	if winCon.CallConstraints.Destination.Register.Require != rax {
		t.Errorf("expected rax return register")
	}
}

func TestCallConventionMixedArguments(t *testing.T) {
	params := []*ir.Type{
		ir.I64Type, ir.F64Type, ir.I32Type, ir.F32Type, ir.I64Type,
	}

	windows, _ := SelectTarget("windows-x64")
	con, err := windows.CallConvention(params, ir.F64Type, false, len(params))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	expected := []string{"rcx", "xmm1", "r8", "xmm3", "stack"}
	for idx, name := range expected {
		if sourceRegister(t, con, idx) != name {
			t.Errorf("windows arg %d: expected %s, got %s", idx, name, sourceRegister(t, con, idx))
		}
	}
	if con.StackArgumentsSize != 8 || con.StackAdjustment() != 48 {
		t.Errorf(
			"windows: unexpected stack layout (%d, %d)",
			con.StackArgumentsSize,
			con.StackAdjustment())
	}
	if con.CallConstraints.Destination.Register.Require != xmm[0] {
		t.Errorf("expected xmm0 return register")
	}

	linux, _ := SelectTarget("linux-x64")
	con, err = linux.CallConvention(params, ir.VoidType, false, len(params))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	expected = []string{"rdi", "xmm0", "rsi", "xmm1", "rdx"}
	for idx, name := range expected {
		if sourceRegister(t, con, idx) != name {
			t.Errorf("sysv arg %d: expected %s, got %s", idx, name, sourceRegister(t, con, idx))
		}
	}
	if con.CallConstraints.Destination != nil {
		t.Errorf("expected no destination for void call")
	}
}

func TestCallConventionStackArguments(t *testing.T) {
	params := make([]*ir.Type, 8)
	for idx := range params {
		params[idx] = ir.I64Type
	}

	linux, _ := SelectTarget("linux-x64")
	con, err := linux.CallConvention(params, ir.VoidType, false, len(params))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if !con.CallConstraints.Sources[6].OnStack ||
		con.CallConstraints.Sources[6].StackOffset != 0 ||
		con.CallConstraints.Sources[7].StackOffset != 8 {
		t.Errorf("unexpected stack arguments")
	}
	if con.StackAdjustment() != 16 {
		t.Errorf("expected 16 byte adjustment, got %d", con.StackAdjustment())
	}
}

func TestCallConventionVariadic(t *testing.T) {
	params := []*ir.Type{ir.StringType, ir.F64Type}

	windows, _ := SelectTarget("windows-x64")
	con, err := windows.CallConvention(params, ir.I32Type, true, 1)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	dup := con.CallConstraints.Sources[1].Duplicate
	if dup == nil || dup.Require != rdx {
		t.Errorf("windows: expected float vararg duplicated into rdx")
	}

	linux, _ := SelectTarget("linux-x64")
	con, err = linux.CallConvention(params, ir.I32Type, true, 1)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if con.NumVectorArguments != 1 {
		t.Errorf("sysv: expected 1 vector argument, got %d", con.NumVectorArguments)
	}
	if con.CallConstraints.Sources[1].Duplicate != nil {
		t.Errorf("sysv: unexpected duplicate")
	}
}

func TestCallConventionRejectsAggregates(t *testing.T) {
	point := ir.NewStruct("point", ir.Field{Name: "x", Type: ir.I64Type})

	linux, _ := SelectTarget("linux-x64")
	_, err := linux.CallConvention([]*ir.Type{point}, ir.VoidType, false, 1)
	if !errors.Is(err, platform.ErrUnsupportedType) {
		t.Errorf("expected unsupported type error, got %v", err)
	}

	_, err = linux.CallConvention(nil, point, false, 0)
	if !errors.Is(err, platform.ErrUnsupportedType) {
		t.Errorf("expected unsupported type error, got %v", err)
	}
}

func TestDivisionConstraints(t *testing.T) {
	p, _ := SelectTarget("linux-x64")
	clobbered := p.DivisionConstraints().Clobbered()

	names := []string{}
	for _, reg := range clobbered {
		names = append(names, reg.Name)
	}
	if strings.Join(names, " ") != "rax rdx r10" {
		t.Errorf("unexpected clobbered registers: %v", names)
	}
}
