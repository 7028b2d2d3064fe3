package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jxucoder/buildbot/pkg/model"
)

var endReady bool

var endCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End a build session",
	Long:  "End a build session, tearing down its sandbox. With --ready the draft PR is marked ready for review.",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnd,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "End sessions older than the configured max age",
	RunE:  runSweep,
}

func init() {
	endCmd.Flags().BoolVar(&endReady, "ready", false, "Mark the pull request ready for review")
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(sweepCmd)
}

func runEnd(cmd *cobra.Command, args []string) error {
	body := struct {
		MarkReady bool `json:"mark_ready"`
	}{endReady}

	var s model.Snapshot
	if err := apiDo("POST", "/api/sessions/"+url.PathEscape(args[0])+"/end", body, &s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s\n", s.ID, statusColor(s.Status))
	if s.PRURL != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "PR: %s\n", s.PRURL)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	var out struct {
		Ended int `json:"ended"`
	}
	if err := apiDo("POST", "/api/sweep", nil, &out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ended %d stale session(s).\n", out.Ended)
	return nil
}
