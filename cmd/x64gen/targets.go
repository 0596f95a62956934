package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pattyshack/x64gen/architecture"
	"github.com/pattyshack/x64gen/platform/amd64"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List supported targets and their ABIs",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		for _, name := range amd64.TargetNames() {
			p, _ := amd64.SelectTarget(name)
			abi := p.ABI()

			registerNames := func(regs []*architecture.Register) string {
				return strings.Join(
					lo.Map(
						regs,
						func(reg *architecture.Register, _ int) string {
							return reg.Name
						}),
					" ")
			}

			fmt.Fprintf(out, "%s (%s, %s abi)\n", name, p.Target().ObjectFormat, abi.Name)
			fmt.Fprintf(out, "  aliases:      %s\n", strings.Join(amd64.TargetAliases(name), " "))
			fmt.Fprintf(out, "  int args:     %s\n", registerNames(abi.IntArgs))
			fmt.Fprintf(out, "  vector args:  %s\n", registerNames(abi.VectorArgs))
			fmt.Fprintf(out, "  callee saved: %s\n", registerNames(abi.CalleeSaved))
			fmt.Fprintf(out, "  shadow space: %d\n", abi.ShadowSpace)
			fmt.Fprintf(out, "  red zone:     %d\n", abi.RedZone)
		}
	},
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}
