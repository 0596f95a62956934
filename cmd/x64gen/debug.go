package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pattyshack/x64gen/codegen"
	"github.com/pattyshack/x64gen/codegen/allocator"
)

var debugCmd = &cobra.Command{
	Use:   "debug <module.yaml>...",
	Short: "Dump liveness, allocator state and the instruction log per function",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, fileName := range args {
			fmt.Fprintln(out, "=====================")
			fmt.Fprintln(out, "File name:", fileName)
			fmt.Fprintln(out, "---------------------")

			module, err := loadModule(fileName)
			if err != nil {
				fmt.Fprintln(out, "Load error:", err)
				continue
			}

			options := s.config.CodegenOptions(s.logger)
			options.CheckInvariants = true

			for _, fn := range module.Functions {
				ctx := codegen.NewContext(s.platform, fn, options)
				result, err := ctx.Generate()

				fmt.Fprintln(out, allocator.Debug(ctx.Allocator, fn))
				if err != nil {
					fmt.Fprintln(out, "Generate error:", err)
					continue
				}

				fmt.Fprintf(
					out,
					"Frame: %d bytes, spills: %d, edge stubs: %d\n",
					result.FrameSize,
					result.NumSpills,
					result.NumStubs)
				for _, entry := range result.Instructions {
					inst := entry.Instruction
					if inst.IsLabel() {
						fmt.Fprintln(out, inst)
					} else {
						fmt.Fprintln(out, "  ", inst)
					}
				}
				fmt.Fprintln(out)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugCmd)
}
