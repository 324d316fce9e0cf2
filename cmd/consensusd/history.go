package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/consensusd/internal/config"
	"github.com/fyrsmithlabs/consensusd/internal/history"
	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded operations",
		Long: `Inspect the operation history store directly. Only the sqlite backend
keeps history between processes.`,
	}
	cmd.AddCommand(newHistoryStatsCmd(root), newHistorySearchCmd(root))
	return cmd
}

// openHistory opens the configured durable store.
func openHistory(cmd *cobra.Command, root *rootOptions) (history.Store, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	if cfg.History.Backend != config.HistorySQLite {
		return nil, fmt.Errorf("history backend %q is not persistent", cfg.History.Backend)
	}
	path, err := config.ExpandPath(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	logger, err := cliLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return history.NewSQLiteStore(history.SQLiteConfig{Path: path}, logger.Zap())
}

func newHistoryStatsCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetStatistics(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func printStats(w io.Writer, s *history.Statistics) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Operations:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Successful:\t%d\n", s.Successful)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(tw, "Pending:\t%d\n", s.Pending)
	fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", s.SuccessRate()*100)
	fmt.Fprintf(tw, "Auto-executed:\t%d\n", s.AutoExecuted)
	fmt.Fprintf(tw, "Rollbacks:\t%d\n", s.Rollbacks)
	fmt.Fprintf(tw, "Avg confidence:\t%.2f\n", s.AverageConfidence)
	fmt.Fprintf(tw, "Avg risk:\t%.2f\n", s.AverageRisk)
	fmt.Fprintf(tw, "Feedback:\t%d (%d helpful, avg satisfaction %.1f)\n", s.FeedbackCount, s.HelpfulCount, s.AverageSatisfaction)

	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		ks := s.ByKind[operation.Kind(k)]
		fmt.Fprintf(tw, "  %s:\t%d total, %d ok, %d failed\n", k, ks.Total, ks.Successful, ks.Failed)
	}
	tw.Flush()
}

type searchOptions struct {
	kind    string
	path    string
	success string
	since   time.Duration
	limit   int
	jsonOut bool
}

func (o searchOptions) filters(now time.Time) (history.Filters, error) {
	f := history.Filters{PathPattern: o.path, Limit: o.limit}
	if o.kind != "" {
		f.Kind = operation.Kind(o.kind)
		if !f.Kind.Valid() {
			return f, fmt.Errorf("unknown kind %q", o.kind)
		}
	}
	if o.success != "" {
		b, err := strconv.ParseBool(o.success)
		if err != nil {
			return f, fmt.Errorf("--success must be true or false")
		}
		f.Success = &b
	}
	if o.since > 0 {
		after := now.Add(-o.since)
		f.After = &after
	}
	return f, nil
}

func newHistorySearchCmd(root *rootOptions) *cobra.Command {
	opts := searchOptions{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search recorded operations, newest first",
		Long: `Search recorded operations, newest first.

Examples:
  # Failed deletes
  consensusd history search --kind delete --success=false

  # Everything under internal/ in the last day
  consensusd history search --path 'internal/*' --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := opts.filters(time.Now())
			if err != nil {
				return err
			}
			store, err := openHistory(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.SearchOperations(cmd.Context(), f)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&opts.kind, "kind", "", "operation kind: create, update, append, delete or rename")
	fl.StringVar(&opts.path, "path", "", "path glob or substring")
	fl.StringVar(&opts.success, "success", "", "only successful (true) or failed (false) operations")
	fl.DurationVar(&opts.since, "since", 0, "only operations newer than this")
	fl.IntVar(&opts.limit, "limit", 20, "maximum records")
	fl.BoolVar(&opts.jsonOut, "json", false, "print as JSON")
	return cmd
}

func printRecords(w io.Writer, records []*history.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATION\tCONFIDENCE\tRISK\tAUTO\tOUTCOME\tCREATED")
	for _, r := range records {
		outcome := "pending"
		if r.Outcome != nil {
			outcome = "failed"
			if r.Outcome.Success {
				outcome = "ok"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%t\t%s\t%s\n",
			r.ID, r.Operation.Describe(), r.Confidence(), r.Risk(), r.AutoExecuted, outcome,
			r.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
