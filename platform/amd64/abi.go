package amd64

import (
	"github.com/samber/lo"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/platform"
)

// Resources:
//
// Windows x64: https://learn.microsoft.com/en-us/cpp/build/x64-calling-convention
// System V:    https://gitlab.com/x86-psABIs/x86-64-ABI (Figure 3.4 Register Usage)

func allRegisters() []*architecture.Register {
	registers := []*architecture.Register{}
	registers = append(registers, RegisterSet.General...)
	registers = append(registers, rsp, rbp)
	registers = append(registers, RegisterSet.Vector...)
	return registers
}

func callerSaved(calleeSaved []*architecture.Register) []*architecture.Register {
	return lo.Filter(
		allRegisters(),
		func(reg *architecture.Register, _ int) bool {
			return !lo.Contains(calleeSaved, reg)
		})
}

var (
	windowsCalleeSaved = append(
		[]*architecture.Register{rbx, rbp, rdi, rsi, rsp, r12, r13, r14, r15},
		xmm[6:16]...)

	WindowsABI = &platform.ABI{
		Name:                    "windows-x64",
		IntArgs:                 []*architecture.Register{rcx, rdx, r8, r9},
		VectorArgs:              xmm[:4],
		IntReturn:               []*architecture.Register{rax},
		VectorReturn:            xmm[:1],
		CalleeSaved:             windowsCalleeSaved,
		CallerSaved:             callerSaved(windowsCalleeSaved),
		ShadowSpace:             32,
		RedZone:                 0,
		StackAlignment:          16,
		PositionalArgs:          true,
		DuplicateVariadicFloats: true,
		LocalLabelPrefix:        ".L",
		ObjectFormat:            platform.COFF,
	}

	systemVCalleeSaved = []*architecture.Register{
		rbx, rbp, rsp, r12, r13, r14, r15,
	}

	SystemVABI = &platform.ABI{
		Name:                "sysv-amd64",
		IntArgs:             []*architecture.Register{rdi, rsi, rdx, rcx, r8, r9},
		VectorArgs:          xmm[:8],
		IntReturn:           []*architecture.Register{rax, rdx},
		VectorReturn:        xmm[:2],
		CalleeSaved:         systemVCalleeSaved,
		CallerSaved:         callerSaved(systemVCalleeSaved),
		ShadowSpace:         0,
		RedZone:             128,
		StackAlignment:      16,
		PositionalArgs:      false,
		VariadicVectorCount: true,
		LocalLabelPrefix:    ".L",
		ObjectFormat:        platform.ELF,
	}

	// Mach-O uses the System V calling convention with different symbol
	// naming.
	DarwinABI = func() *platform.ABI {
		abi := *SystemVABI
		abi.Name = "sysv-amd64-darwin"
		abi.LocalLabelPrefix = "L"
		abi.SymbolPrefix = "_"
		abi.ObjectFormat = platform.MachO
		return &abi
	}()
)
