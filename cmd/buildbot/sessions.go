package main

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/jxucoder/buildbot/pkg/model"
)

var sessionsStatus string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List build sessions",
	Long:  "List active build sessions, or finished ones with --status completed|error.",
	RunE:  runSessions,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Get the status of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, completed, error)")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
}

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
)

func statusColor(s model.Status) string {
	switch s {
	case model.StatusActive:
		return yellow(string(s))
	case model.StatusCompleted:
		return green(string(s))
	case model.StatusError:
		return red(string(s))
	default:
		return string(s)
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	path := "/api/sessions"
	if sessionsStatus != "" {
		path += "?status=" + url.QueryEscape(sessionsStatus)
	}

	var sessions []model.Snapshot
	if err := apiDo("GET", path, nil, &sessions); err != nil {
		return err
	}
	return printSessions(cmd.OutOrStdout(), sessions, time.Now())
}

func printSessions(w io.Writer, sessions []model.Snapshot, now time.Time) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header([]string{"ID", "STATUS", "REQUESTER", "AGE", "DESCRIPTION", "PR"})
	for _, s := range sessions {
		pr := s.PRURL
		if pr == "" {
			pr = "-"
		}
		if err := table.Append([]string{
			s.ID,
			statusColor(s.Status),
			s.RequesterName,
			now.Sub(s.CreatedAt).Round(time.Minute).String(),
			model.Truncate(s.Description, 50),
			pr,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func runStatus(cmd *cobra.Command, args []string) error {
	var s model.Snapshot
	if err := apiDo("GET", "/api/sessions/"+url.PathEscape(args[0]), nil, &s); err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), s)
	return nil
}

func printStatus(w io.Writer, s model.Snapshot) {
	fmt.Fprintf(w, "Session:    %s\n", s.ID)
	fmt.Fprintf(w, "Status:     %s\n", statusColor(s.Status))
	fmt.Fprintf(w, "Repo:       %s\n", s.Repo)
	fmt.Fprintf(w, "Branch:     %s\n", s.Branch)
	fmt.Fprintf(w, "Requester:  %s\n", s.RequesterName)
	fmt.Fprintf(w, "Request:    %s\n", s.Description)
	fmt.Fprintf(w, "Created:    %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.PRURL != "" {
		fmt.Fprintf(w, "PR:         %s\n", s.PRURL)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", red(s.Error))
	}
}
