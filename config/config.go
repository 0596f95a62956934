// Package config loads driver settings from x64gen.yaml with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/pattyshack/x64gen/codegen"
	"github.com/pattyshack/x64gen/codegen/allocator"
)

const DefaultFileName = "x64gen.yaml"

// Environment overrides.
const (
	TargetEnv       = "X64GEN_TARGET"
	MaxFrameSizeEnv = "X64GEN_MAX_FRAME_SIZE"
	SpillPolicyEnv  = "X64GEN_SPILL_POLICY"
	WorkersEnv      = "X64GEN_WORKERS"
	AssemblerEnv    = "X64GEN_ASSEMBLER"
	DebugEnv        = "X64GEN_DEBUG"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// Target tag (e.g., linux-x64).  Empty selects the default target.
	Target string `yaml:"target"`

	// Zero means unlimited.
	MaxFrameSize int `yaml:"max_frame_size"`

	SpillPolicy string `yaml:"spill_policy"`

	// Zero means one worker per function.
	Workers int `yaml:"workers"`

	// Empty selects the target's default assembler.
	Assembler      string   `yaml:"assembler"`
	AssemblerFlags []string `yaml:"assembler_flags"`

	AbsoluteAddressing bool `yaml:"absolute_addressing"`
	ReserveCalleeSaved bool `yaml:"reserve_callee_saved"`
	CheckInvariants    bool `yaml:"check_invariants"`

	Debug bool `yaml:"debug"`
}

func Default() *Config {
	return &Config{
		SpillPolicy: allocator.FurthestNextUse{}.Name(),
	}
}

// Decode reads yaml settings on top of the defaults.
func Decode(reader io.Reader) (*Config, error) {
	config := Default()

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	err := decoder.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return config, nil
}

// Load reads the config file at path, applies environment overrides and
// validates the result.  A missing file is only an error when required.
func Load(path string, required bool) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		config, err = Decode(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	err = config.ApplyEnv()
	if err != nil {
		return nil, err
	}

	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides settings with the X64GEN_* environment variables that
// are set.  The environment is re-read on every call.
func (config *Config) ApplyEnv() error {
	env.Load()

	config.Target = env.Str(TargetEnv, config.Target)
	config.SpillPolicy = env.Str(SpillPolicyEnv, config.SpillPolicy)
	config.Assembler = env.Str(AssemblerEnv, config.Assembler)

	if env.Has(MaxFrameSizeEnv) {
		value, err := intEnv(MaxFrameSizeEnv)
		if err != nil {
			return err
		}
		config.MaxFrameSize = value
	}

	if env.Has(WorkersEnv) {
		value, err := intEnv(WorkersEnv)
		if err != nil {
			return err
		}
		config.Workers = value
	}

	if env.Has(DebugEnv) {
		config.Debug = env.Bool(DebugEnv)
	}

	return nil
}

// env.Int silently falls back to the default on malformed values.
// Detect that by asking with two different defaults.
func intEnv(name string) (int, error) {
	value := env.Int(name, 0)
	if value == 0 && env.Int(name, 1) == 1 {
		return 0, fmt.Errorf(
			"%w: %s is not an integer (%s)",
			ErrInvalidConfig,
			name,
			env.Str(name))
	}
	return value, nil
}

func (config *Config) Validate() error {
	if config.MaxFrameSize < 0 {
		return fmt.Errorf(
			"%w: negative max frame size (%d)",
			ErrInvalidConfig,
			config.MaxFrameSize)
	}

	if config.Workers < 0 {
		return fmt.Errorf(
			"%w: negative worker count (%d)",
			ErrInvalidConfig,
			config.Workers)
	}

	if allocator.SpillPolicyByName(config.SpillPolicy) == nil {
		return fmt.Errorf(
			"%w: unknown spill policy (%s)",
			ErrInvalidConfig,
			config.SpillPolicy)
	}

	return nil
}

func (config *Config) LogLevel() slog.Level {
	if config.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (config *Config) CodegenOptions(logger *slog.Logger) codegen.Options {
	return codegen.Options{
		MaxFrameSize:       config.MaxFrameSize,
		SpillPolicy:        allocator.SpillPolicyByName(config.SpillPolicy),
		AbsoluteAddressing: config.AbsoluteAddressing,
		ReserveCalleeSaved: config.ReserveCalleeSaved,
		CheckInvariants:    config.CheckInvariants,
		Logger:             logger,
	}
}

func (config *Config) String() string {
	builder := &strings.Builder{}
	encoder := yaml.NewEncoder(builder)
	encoder.SetIndent(2)
	err := encoder.Encode(config)
	if err != nil {
		panic(err)
	}
	return builder.String()
}
