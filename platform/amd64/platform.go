package amd64

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
)

const DefaultTarget = "linux-x64"

type Platform struct {
	target platform.Target
	abi    *platform.ABI
}

var (
	targets = map[string]Platform{
		"windows-x64": {
			target: platform.Target{
				Name:         "windows-x64",
				Architecture: platform.Amd64,
				OS:           platform.Windows,
				ObjectFormat: platform.COFF,
			},
			abi: WindowsABI,
		},
		"linux-x64": {
			target: platform.Target{
				Name:         "linux-x64",
				Architecture: platform.Amd64,
				OS:           platform.Linux,
				ObjectFormat: platform.ELF,
			},
			abi: SystemVABI,
		},
		"macos-x64": {
			target: platform.Target{
				Name:         "macos-x64",
				Architecture: platform.Amd64,
				OS:           platform.Darwin,
				ObjectFormat: platform.MachO,
			},
			abi: DarwinABI,
		},
	}

	targetAliases = map[string]string{
		"windows":                  "windows-x64",
		"win64":                    "windows-x64",
		"x86_64-pc-windows":        "windows-x64",
		"x86_64-pc-windows-msvc":   "windows-x64",
		"x86_64-w64-mingw32":       "windows-x64",
		"linux":                    "linux-x64",
		"sysv":                     "linux-x64",
		"x86_64-linux":             "linux-x64",
		"x86_64-linux-gnu":         "linux-x64",
		"x86_64-unknown-linux":     "linux-x64",
		"x86_64-unknown-linux-gnu": "linux-x64",
		"macos":                    "macos-x64",
		"darwin":                   "macos-x64",
		"darwin-x64":               "macos-x64",
		"x86_64-apple-darwin":      "macos-x64",
	}
)

// SelectTarget is total: unknown tags select the default target and
// return a non-fatal diagnostic message.
func SelectTarget(tag string) (platform.Platform, string) {
	name := strings.ToLower(strings.TrimSpace(tag))
	if name == "" {
		return targets[DefaultTarget], ""
	}

	alias, ok := targetAliases[name]
	if ok {
		name = alias
	}

	p, ok := targets[name]
	if ok {
		return p, ""
	}

	return targets[DefaultTarget], fmt.Sprintf(
		"unknown target (%s), falling back to %s",
		tag,
		DefaultTarget)
}

// Canonical target names, sorted.
func TargetNames() []string {
	names := lo.Keys(targets)
	sort.Strings(names)
	return names
}

// Aliases for the given canonical target name, sorted.
func TargetAliases(name string) []string {
	aliases := lo.Keys(
		lo.PickBy(
			targetAliases,
			func(_ string, target string) bool {
				return target == name
			}))
	sort.Strings(aliases)
	return aliases
}

func (Platform) ArchitectureName() platform.ArchitectureName {
	return platform.Amd64
}

func (p Platform) OperatingSystemName() platform.OperatingSystemName {
	return p.target.OS
}

func (p Platform) Target() platform.Target {
	return p.target
}

func (p Platform) ABI() *platform.ABI {
	return p.abi
}

func (Platform) RegisterSet() *architecture.RegisterSet {
	return RegisterSet
}

func (Platform) AllocatableRegisters(
	class architecture.RegisterClass,
) []*architecture.Register {
	if class == architecture.VectorClass {
		return AllocatableVector
	}
	return AllocatableGeneral
}

func (Platform) ScratchRegister(
	class architecture.RegisterClass,
) *architecture.Register {
	if class == architecture.VectorClass {
		return VectorScratch
	}
	return Scratch
}

func (Platform) SecondaryScratchRegister() *architecture.Register {
	return SecondaryScratch
}

func (Platform) CallTypeSpec() platform.CallTypeSpec {
	return platform.ScalarCallTypeSpec{}
}

func (p Platform) CallConvention(
	paramTypes []*ir.Type,
	returnType *ir.Type,
	variadic bool,
	numFixedArgs int,
) (
	*architecture.CallConvention,
	error,
) {
	return newCallConvention(
		p.abi,
		p.CallTypeSpec(),
		paramTypes,
		returnType,
		variadic,
		numFixedArgs)
}

func (Platform) DivisionConstraints() *architecture.InstructionConstraints {
	return divisionConstraints
}

func (Platform) ShiftConstraints() *architecture.InstructionConstraints {
	return shiftConstraints
}

var _ platform.Platform = Platform{}
