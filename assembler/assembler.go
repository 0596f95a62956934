// Package assembler drives an external GNU compatible assembler over the
// emitted source and maps its diagnostics back to IR locations.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/pattyshack/x64gen/codegen"
	"github.com/pattyshack/x64gen/emitter"
	"github.com/pattyshack/x64gen/platform"
)

type Assembler struct {
	Command string
	Flags   []string

	Logger *slog.Logger // optional
}

// Default assembler invocation for the target's object format.  Source is
// always read from stdin.
func DefaultAssembler(target platform.Target) *Assembler {
	switch target.ObjectFormat {
	case platform.MachO:
		return &Assembler{
			Command: "clang",
			Flags:   []string{"-c", "-x", "assembler", "-arch", "x86_64"},
		}
	case platform.COFF:
		return &Assembler{
			Command: "x86_64-w64-mingw32-as",
			Flags:   []string{"--64"},
		}
	default:
		return &Assembler{
			Command: "as",
			Flags:   []string{"--64"},
		}
	}
}

func (assembler *Assembler) args(output string) []string {
	args := append([]string{}, assembler.Flags...)
	args = append(args, "-o", output, "-")
	return args
}

// Assemble writes the object file to output.  Assembler failures are
// returned as AssemblerFailure errors located at the IR construct which
// produced the first offending line, when known.
func (assembler *Assembler) Assemble(
	ctx context.Context,
	source string,
	lineMap *emitter.LineMap,
	output string,
) error {
	logger := assembler.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	args := assembler.args(output)
	logger.Debug(
		"assembling",
		"command", assembler.Command,
		"args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, assembler.Command, args...)
	cmd.Stdin = strings.NewReader(source)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()

	diagnostics := ParseDiagnostics(combined.String(), lineMap)
	for _, diag := range diagnostics {
		if diag.IsError() {
			continue
		}
		logger.Warn(
			"assembler warning",
			"line", diag.Line,
			"message", diag.Message)
	}

	if runErr == nil {
		return nil
	}

	return failure(assembler.Command, runErr, combined.String(), diagnostics)
}

func failure(
	command string,
	runErr error,
	output string,
	diagnostics []*Diagnostic,
) *codegen.Error {
	var first *Diagnostic
	messages := []string{}
	for _, diag := range diagnostics {
		if !diag.IsError() {
			continue
		}
		if first == nil {
			first = diag
		}
		messages = append(messages, diag.String())
	}

	message := ""
	if len(messages) > 0 {
		message = strings.Join(messages, "; ")
	} else {
		message = strings.TrimSpace(output)
		if message == "" {
			message = runErr.Error()
		}
	}

	err := codegen.NewError(
		codegen.AssemblerFailure,
		"",
		command,
		message)
	err.Err = fmt.Errorf("%s failed: %w", command, runErr)
	if first != nil && first.Loc != nil {
		loc := *first.Loc
		err.Loc = &loc
	}
	return err
}
