package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pattyshack/gt/parseutil"
	"github.com/spf13/cobra"

	"github.com/pattyshack/x64gen/assembler"
	"github.com/pattyshack/x64gen/codegen"
	"github.com/pattyshack/x64gen/emitter"
)

var (
	outputFile string
	assemble   bool
	workers    int
)

var compileCmd = &cobra.Command{
	Use:   "compile <module.yaml>...",
	Short: "Generate assembly for IR modules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 1 && outputFile != "" {
			return fmt.Errorf("-o cannot be used with multiple modules")
		}

		s, err := newSession(cmd)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("workers") {
			s.config.Workers = workers
		}

		failed := 0
		for _, fileName := range args {
			err := s.compile(cmd, fileName)
			if err != nil {
				s.logger.Error("compile failed", "file", fileName, "error", err)
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d modules failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	compileCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file name")
	compileCmd.Flags().BoolVarP(&assemble, "assemble", "c", false, "assemble into an object file")
	compileCmd.Flags().IntVarP(&workers, "workers", "j", 0, "concurrent function generators (0: one per function)")
	rootCmd.AddCommand(compileCmd)
}

func (s *session) compile(cmd *cobra.Command, fileName string) error {
	module, err := loadModule(fileName)
	if err != nil {
		return err
	}

	result, errs := codegen.GenerateModule(
		s.platform,
		module,
		s.config.CodegenOptions(s.logger),
		s.config.Workers)
	if len(errs) > 0 {
		diagnostics := &parseutil.Emitter{}
		for _, err := range errs {
			err.Emit(diagnostics)
		}
		printErrors(diagnostics.Errors())
		return fmt.Errorf("%d functions failed to generate", len(errs))
	}

	buffer := &bytes.Buffer{}
	lineMap, err := emitter.Emit(buffer, result)
	if err != nil {
		return err
	}

	if !assemble {
		path := outputPath(fileName, outputFile, ".s")
		err = os.WriteFile(path, buffer.Bytes(), 0o644)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		s.logger.Info("wrote assembly", "path", path)
		return nil
	}

	driver := assembler.DefaultAssembler(result.Target)
	if s.config.Assembler != "" {
		driver.Command = s.config.Assembler
	}
	if len(s.config.AssemblerFlags) > 0 {
		driver.Flags = s.config.AssemblerFlags
	}
	driver.Logger = s.logger

	path := outputPath(fileName, outputFile, ".o")
	err = driver.Assemble(cmd.Context(), buffer.String(), lineMap, path)
	if err != nil {
		return err
	}
	s.logger.Info("wrote object", "path", path)
	return nil
}
