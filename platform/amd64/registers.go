package amd64

import (
	"fmt"

	"github.com/pattyshack/x64gen/architecture"
)

func general(
	encoding int,
	name64 string,
	name32 string,
	name16 string,
	name8 string,
) *architecture.RegisterFamily {
	return generalWithRole(
		encoding,
		architecture.DataRole,
		name64,
		name32,
		name16,
		name8)
}

func generalWithRole(
	encoding int,
	role architecture.RegisterRole,
	name64 string,
	name32 string,
	name16 string,
	name8 string,
) *architecture.RegisterFamily {
	return architecture.NewRegisterFamily(
		architecture.GeneralClass,
		encoding,
		role,
		architecture.RegisterName{Width: 64, Name: name64},
		architecture.RegisterName{Width: 32, Name: name32},
		architecture.RegisterName{Width: 16, Name: name16},
		architecture.RegisterName{Width: 8, Name: name8})
}

func vector(encoding int) *architecture.RegisterFamily {
	return architecture.NewRegisterFamily(
		architecture.VectorClass,
		encoding,
		architecture.DataRole,
		architecture.RegisterName{Width: 128, Name: fmt.Sprintf("xmm%d", encoding)},
		architecture.RegisterName{Width: 256, Name: fmt.Sprintf("ymm%d", encoding)},
		architecture.RegisterName{Width: 512, Name: fmt.Sprintf("zmm%d", encoding)})
}

var (
	raxFamily = general(0, "rax", "eax", "ax", "al")
	rcxFamily = general(1, "rcx", "ecx", "cx", "cl")
	rdxFamily = general(2, "rdx", "edx", "dx", "dl")
	rbxFamily = general(3, "rbx", "ebx", "bx", "bl")
	rspFamily = generalWithRole(
		4,
		architecture.StackPointerRole,
		"rsp", "esp", "sp", "spl")
	rbpFamily = generalWithRole(
		5,
		architecture.FramePointerRole,
		"rbp", "ebp", "bp", "bpl")
	rsiFamily = general(6, "rsi", "esi", "si", "sil")
	rdiFamily = general(7, "rdi", "edi", "di", "dil")
	r8Family  = general(8, "r8", "r8d", "r8w", "r8b")
	r9Family  = general(9, "r9", "r9d", "r9w", "r9b")
	r10Family = general(10, "r10", "r10d", "r10w", "r10b")
	r11Family = general(11, "r11", "r11d", "r11w", "r11b")
	r12Family = general(12, "r12", "r12d", "r12w", "r12b")
	r13Family = general(13, "r13", "r13d", "r13w", "r13b")
	r14Family = general(14, "r14", "r14d", "r14w", "r14b")
	r15Family = general(15, "r15", "r15d", "r15w", "r15b")

	xmmFamilies = func() []*architecture.RegisterFamily {
		families := []*architecture.RegisterFamily{}
		for encoding := 0; encoding < 16; encoding++ {
			families = append(families, vector(encoding))
		}
		return families
	}()

	RegisterSet = architecture.NewRegisterSet(
		append(
			[]*architecture.RegisterFamily{
				raxFamily, rcxFamily, rdxFamily, rbxFamily,
				rspFamily, rbpFamily, rsiFamily, rdiFamily,
				r8Family, r9Family, r10Family, r11Family,
				r12Family, r13Family, r14Family, r15Family,
			},
			xmmFamilies...)...)

	rax = raxFamily.Canonical
	rcx = rcxFamily.Canonical
	rdx = rdxFamily.Canonical
	rbx = rbxFamily.Canonical
	rsp = rspFamily.Canonical
	rbp = rbpFamily.Canonical
	rsi = rsiFamily.Canonical
	rdi = rdiFamily.Canonical
	r8  = r8Family.Canonical
	r9  = r9Family.Canonical
	r10 = r10Family.Canonical
	r11 = r11Family.Canonical
	r12 = r12Family.Canonical
	r13 = r13Family.Canonical
	r14 = r14Family.Canonical
	r15 = r15Family.Canonical

	xmm = func() []*architecture.Register {
		registers := []*architecture.Register{}
		for _, family := range xmmFamilies {
			registers = append(registers, family.Canonical)
		}
		return registers
	}()

	// r10 stages divisors and the second operand of memory-to-memory
	// operations, r11 is the general scratch register, xmm15 is the vector
	// scratch register.  None of these are ever allocated.
	Scratch          = r11
	SecondaryScratch = r10
	VectorScratch    = xmm[15]

	// Registers usable by the allocator, in allocation preference order.
	// Caller-saved registers come first to delay callee-saved register use.
	AllocatableGeneral = []*architecture.Register{
		rax, rcx, rdx, rsi, rdi, r8, r9, rbx, r12, r13, r14, r15,
	}
	AllocatableVector = xmm[:15]
)

func Register(name string) *architecture.Register {
	return RegisterSet.Lookup(name)
}
