package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adops/site-auditor/internal/audit"
)

// errNothingQueued is returned when a trigger queued no publisher.
var errNothingQueued = errors.New("no publisher was queued")

type triggerOptions struct {
	publisherID string
	sites       []string
	follow      bool
}

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var topts triggerOptions
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Starts an audit batch in-process",
		Long: `Audits every eligible publisher, or one publisher when --publisher is set,
and prints the dispatch report as JSON. With --follow the batch progress is
streamed until it settles or the poll budget is spent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrigger(cmd, opts, topts)
		},
	}
	cmd.Flags().StringVar(&topts.publisherID, "publisher", "", "audit only this publisher ID")
	cmd.Flags().StringSliceVar(&topts.sites, "site", nil, "explicit site names (requires --publisher)")
	cmd.Flags().BoolVar(&topts.follow, "follow", false, "watch batch progress after dispatch")
	return cmd
}

func runTrigger(cmd *cobra.Command, opts *rootOptions, topts triggerOptions) error {
	app, err := opts.resolveApp()
	if err != nil {
		return err
	}
	publisherID := strings.TrimSpace(topts.publisherID)
	if publisherID == "" && len(topts.sites) > 0 {
		return errors.New("--site requires --publisher")
	}
	scope := audit.AllEligible()
	if publisherID != "" {
		scope = audit.Explicit(publisherID, topts.sites)
	}

	summary, trigErr := app.Trigger(cmd.Context(), scope)
	report := audit.NewReport(summary)
	if trigErr != nil {
		report = audit.Report{Results: []audit.PublisherResult{}, Error: trigErr.Error()}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if trigErr != nil {
		return trigErr
	}
	if !summary.Success {
		return errNothingQueued
	}
	if topts.follow {
		return streamProgress(cmd, app, summary.BatchID, app.PollOptions(), false)
	}
	return nil
}
