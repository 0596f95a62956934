package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pattyshack/x64gen/codegen/allocator"
)

func TestDecode(t *testing.T) {
	config, err := Decode(strings.NewReader(`
target: windows-x64
max_frame_size: 4096
spill_policy: oldest-first
workers: 4
assembler_flags: [--fatal-warnings]
check_invariants: true
`))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if config.Target != "windows-x64" ||
		config.MaxFrameSize != 4096 ||
		config.SpillPolicy != "oldest-first" ||
		config.Workers != 4 ||
		len(config.AssemblerFlags) != 1 ||
		!config.CheckInvariants {
		t.Errorf("unexpected config:\n%s", config)
	}

	empty, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if empty.SpillPolicy != (allocator.FurthestNextUse{}).Name() {
		t.Errorf("expected default spill policy, got %s", empty.SpillPolicy)
	}

	_, err = Decode(strings.NewReader("targte: linux-x64\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected unknown field error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(TargetEnv, "macos-x64")
	t.Setenv(MaxFrameSizeEnv, "128")
	t.Setenv(WorkersEnv, "2")
	t.Setenv(DebugEnv, "true")

	config := Default()
	config.Target = "linux-x64"
	config.Assembler = "as"

	err := config.ApplyEnv()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if config.Target != "macos-x64" ||
		config.MaxFrameSize != 128 ||
		config.Workers != 2 ||
		!config.Debug {
		t.Errorf("unexpected config:\n%s", config)
	}

	// Unset variables keep the file setting.
	if config.Assembler != "as" {
		t.Errorf("unexpected assembler: %s", config.Assembler)
	}
}

func TestApplyEnvRereadsEnvironment(t *testing.T) {
	t.Setenv(WorkersEnv, "2")

	config := Default()
	err := config.ApplyEnv()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if config.Workers != 2 {
		t.Errorf("unexpected workers: %d", config.Workers)
	}

	t.Setenv(WorkersEnv, "7")
	t.Setenv(TargetEnv, "windows-x64")

	err = config.ApplyEnv()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if config.Workers != 7 || config.Target != "windows-x64" {
		t.Errorf("stale environment:\n%s", config)
	}
}

func TestApplyEnvRejectsMalformedIntegers(t *testing.T) {
	t.Setenv(WorkersEnv, "many")

	err := Default().ApplyEnv()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid config, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, DefaultFileName)

	config, err := Load(missing, false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if config.Target != "" {
		t.Errorf("unexpected target: %s", config.Target)
	}

	_, err = Load(missing, true)
	if err == nil {
		t.Errorf("expected missing file error")
	}

	path := filepath.Join(dir, "bad.yaml")
	err = os.WriteFile(path, []byte("spill_policy: random\n"), 0o644)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	_, err = Load(path, true)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid spill policy, got %v", err)
	}
}

func TestCodegenOptions(t *testing.T) {
	config := Default()
	config.SpillPolicy = "oldest-first"
	config.MaxFrameSize = 256

	options := config.CodegenOptions(nil)
	if options.MaxFrameSize != 256 {
		t.Errorf("unexpected max frame size: %d", options.MaxFrameSize)
	}
	if options.SpillPolicy == nil || options.SpillPolicy.Name() != "oldest-first" {
		t.Errorf("unexpected spill policy: %v", options.SpillPolicy)
	}
}
