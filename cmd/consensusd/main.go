// Consensusd runs questions through a four-stage multi-model consensus
// pipeline on OpenRouter and decides which of the proposed file operations
// are safe to apply automatically.
//
// Configuration is loaded from ~/.config/consensusd/config.yaml and
// CONSENSUSD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP API
//	consensusd serve
//
//	# Ask a single question, streaming stage output
//	consensusd ask --profile elite --stream "How should this service retry?"
//
//	# Inspect recorded operations
//	consensusd history stats
//	consensusd history search --kind delete --limit 10
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/consensusd/internal/config"
	"github.com/fyrsmithlabs/consensusd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadWithFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "consensusd",
		Short: "Multi-model consensus pipeline and operation safety engine",
		Long: `consensusd sends a question through generator, refiner, validator and
curator models, then scores every file operation the curator proposes and
decides whether it may run without review.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/consensusd/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "consensusd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// cliLogger logs to w in console format so command output on stdout stays
// clean.
func cliLogger(cfg *config.Config, w io.Writer) (*logging.Logger, error) {
	lcfg, err := logging.FromSettings(cfg.Logging, false)
	if err != nil {
		return nil, err
	}
	lcfg.Format = "console"
	lcfg.Caller = false
	lcfg.Output = zapcore.AddSync(w)
	return logging.NewLogger(lcfg, nil)
}
