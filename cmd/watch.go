package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adops/site-auditor/internal/poller"
)

type watchOptions struct {
	interval    time.Duration
	maxAttempts int
	jsonOutput  bool
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var wopts watchOptions
	cmd := &cobra.Command{
		Use:   "watch <batch-id>",
		Short: "Polls a batch until it settles",
		Long: `Reads batch progress on a fixed interval and prints one line per poll. Stops
when the batch is completed or failed, or after --max-attempts polls.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.resolveApp()
			if err != nil {
				return err
			}
			pollOpts := app.PollOptions()
			if wopts.interval > 0 {
				pollOpts.Interval = wopts.interval
			}
			if wopts.maxAttempts > 0 {
				pollOpts.MaxAttempts = wopts.maxAttempts
			}
			return streamProgress(cmd, app, args[0], pollOpts, wopts.jsonOutput)
		},
	}
	cmd.Flags().DurationVar(&wopts.interval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().IntVar(&wopts.maxAttempts, "max-attempts", 0, "poll budget (default from config)")
	cmd.Flags().BoolVar(&wopts.jsonOutput, "json", false, "print snapshots as JSON lines")
	return cmd
}

func streamProgress(cmd *cobra.Command, app App, batchID string, opts poller.Options, asJSON bool) error {
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var last poller.Snapshot
	seen := false
	for snap := range app.Watch(cmd.Context(), batchID, opts) {
		last, seen = snap, true
		if asJSON {
			if err := enc.Encode(snap); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			continue
		}
		if _, err := fmt.Fprintln(out, formatSnapshot(snap)); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	if err := cmd.Context().Err(); err != nil {
		return fmt.Errorf("watch %s: %w", batchID, err)
	}
	if !seen {
		return errors.New("no progress snapshot received")
	}
	if last.Err != nil {
		return fmt.Errorf("watch %s: %w", batchID, last.Err)
	}
	return nil
}

func formatSnapshot(s poller.Snapshot) string {
	if s.Err != nil {
		return fmt.Sprintf("[%d/%d] %s read failed: %v", s.Attempt, s.MaxAttempts, s.BatchID, s.Err)
	}
	p := s.Progress
	return fmt.Sprintf("[%d/%d] %s status=%s completed=%d failed=%d in_progress=%d total=%d",
		s.Attempt, s.MaxAttempts, s.BatchID, p.Status, p.CompletedSites, p.FailedSites, p.InProgress, p.TotalSites)
}
