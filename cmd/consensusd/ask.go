package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/consensusd/internal/cancel"
	"github.com/fyrsmithlabs/consensusd/internal/consensus"
	"github.com/fyrsmithlabs/consensusd/internal/engine"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

type askOptions struct {
	profile string
	mode    string
	context string
	repo    string
	stream  bool
	jsonOut bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one question through the consensus pipeline",
		Long: `Run one question through the consensus pipeline and print the curated
answer. File operations proposed by the curator are analysed and listed
with their decision; nothing is applied.

Examples:
  # Use the default profile
  consensusd ask "How should this package handle retries?"

  # Stream every stage with the elite profile
  consensusd ask --profile elite --stream "Review the error handling in ./internal"

  # Analyse operations against a checkout in plan mode
  consensusd ask --repo . --mode plan "Split main.go into packages"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runAsk(cmd, joinQuestion(args), opts, func() (*engine.Engine, error) {
				logger, err := cliLogger(cfg, cmd.ErrOrStderr())
				if err != nil {
					return nil, err
				}
				return engine.New(cmd.Context(), cfg, engine.WithVersion(version), engine.WithLogger(logger))
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.profile, "profile", "p", "", "profile to run (default from config)")
	f.StringVarP(&opts.mode, "mode", "m", "", "auto-accept mode: manual, conservative, balanced, aggressive or plan")
	f.StringVar(&opts.context, "context", "", "additional context sent with the question")
	f.StringVar(&opts.repo, "repo", "", "repository the proposed operations target")
	f.BoolVarP(&opts.stream, "stream", "s", false, "print stage output as it is generated")
	f.BoolVar(&opts.jsonOut, "json", false, "print the full run as JSON")
	return cmd
}

func joinQuestion(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// runAsk runs the question. An interrupt cancels the run with reason
// system_shutdown and the partial run is still printed.
func runAsk(cmd *cobra.Command, question string, opts *askOptions, build func() (*engine.Engine, error)) error {
	req := consensus.Request{
		Query:   question,
		Context: opts.context,
		Profile: opts.profile,
		Stream:  opts.stream,
	}
	if opts.mode != "" {
		m, err := operation.ParseMode(opts.mode)
		if err != nil {
			return err
		}
		req.Mode = m
	}
	if opts.repo != "" {
		req.Operation = &operation.Context{RepositoryRoot: opts.repo, UserQuestion: question}
	}

	eng, err := build()
	if err != nil {
		return err
	}
	defer eng.Close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	if opts.stream && !opts.jsonOut {
		req.Callbacks = streamCallbacks(out, errOut)
	}

	ctx := cmd.Context()
	token := cancel.New()
	if ctx.Err() != nil {
		token.Cancel(cancel.ReasonSystemShutdown)
	}
	stop := context.AfterFunc(ctx, func() { token.Cancel(cancel.ReasonSystemShutdown) })
	defer stop()

	res, runErr := eng.Ask(context.WithoutCancel(ctx), req, token)
	if res == nil {
		return runErr
	}

	if opts.jsonOut {
		if err := writeJSON(out, res); err != nil {
			return err
		}
		return runErr
	}

	if !opts.stream && res.FinalText != "" {
		fmt.Fprintln(out, res.FinalText)
	}
	printSummary(errOut, res)
	return runErr
}

func streamCallbacks(out, errOut io.Writer) consensus.Callbacks {
	return consensus.Callbacks{
		OnStageStart: func(_ string, stage consensus.Stage, model string) {
			fmt.Fprintf(errOut, "\n==> %s (%s)\n", stage, model)
		},
		OnStageChunk: func(_ string, _ consensus.Stage, _ int, chunk string) {
			fmt.Fprint(out, chunk)
		},
		OnStageComplete: func(_ string, _ consensus.Stage, _ consensus.StageResult) {
			fmt.Fprintln(out)
		},
		OnCancelled: func(_ string, reason cancel.Reason) {
			fmt.Fprintf(errOut, "\nrun cancelled: %s\n", reason)
		},
	}
}

func printSummary(w io.Writer, res *consensus.RunResult) {
	fmt.Fprintf(w, "\nrun %s  profile=%s  state=%s  tokens=%d  cost=$%.4f  duration=%s\n",
		res.ID, res.Profile, res.State, res.TotalTokens, res.TotalCost, res.TotalDuration.Round(time.Millisecond))
	for _, d := range res.Decisions {
		verdict := "review"
		if d.AutoExecute {
			verdict = "auto"
		}
		line := fmt.Sprintf("  [%s] %s", verdict, d.Operation.Describe())
		if d.Analysis != nil {
			line += fmt.Sprintf("  confidence=%.2f risk=%.2f", d.Analysis.Unified.Confidence, d.Analysis.Unified.Risk)
		}
		fmt.Fprintln(w, line)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
}
