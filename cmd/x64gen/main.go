package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/pattyshack/gt/parseutil"
	"github.com/spf13/cobra"

	"github.com/pattyshack/x64gen/config"
	"github.com/pattyshack/x64gen/ir"
	"github.com/pattyshack/x64gen/platform"
	"github.com/pattyshack/x64gen/platform/amd64"
)

var (
	configPath string
	targetTag  string
)

var rootCmd = &cobra.Command{
	Use:   "x64gen",
	Short: "x86-64 code generator",
	Long: "Lowers typed SSA modules (yaml) to GNU assembler source for the " +
		"System V and Windows x64 ABIs.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		config.DefaultFileName,
		"config file (optional unless set explicitly)")
	rootCmd.PersistentFlags().StringVarP(
		&targetTag,
		"target",
		"t",
		"",
		"target tag (overrides config and "+config.TargetEnv+")")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

type session struct {
	config   *config.Config
	platform platform.Platform
	logger   *slog.Logger
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}

	if targetTag != "" {
		cfg.Target = targetTag
	}

	logger := slog.New(
		slog.NewTextHandler(
			os.Stderr,
			&slog.HandlerOptions{Level: cfg.LogLevel()}))

	targetPlatform, diag := amd64.SelectTarget(cfg.Target)
	if diag != "" {
		logger.Warn(diag)
	}

	return &session{
		config:   cfg,
		platform: targetPlatform,
		logger:   logger,
	}, nil
}

// Decodes the module file.  Decoding diagnostics are printed to stderr.
func loadModule(fileName string) (*ir.Module, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	emitter := &parseutil.Emitter{}
	module, err := ir.DecodeModule(fileName, file, emitter)
	if err != nil {
		return nil, err
	}

	errs := emitter.Errors()
	if len(errs) > 0 {
		printErrors(errs)
		return nil, fmt.Errorf("%s: found %d errors", fileName, len(errs))
	}

	return module, nil
}

func printErrors(errs []error) {
	for idx, err := range errs {
		fmt.Fprintf(os.Stderr, "error %d: %s\n", idx, err)
	}
}

func outputPath(input string, output string, ext string) string {
	if output != "" {
		return output
	}
	return strings.TrimSuffix(input, ".yaml") + ext
}
