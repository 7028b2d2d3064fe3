package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jxucoder/buildbot/pkg/model"
)

var logsCmd = &cobra.Command{
	Use:   "logs [session-id]",
	Short: "Stream a session's events",
	Long:  "Print a session's event history and follow live events until the session ends.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
}

var cyan = color.New(color.FgHiCyan).SprintFunc()

func runLogs(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), "GET", serverURL+"/api/sessions/"+url.PathEscape(args[0])+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return printEvents(cmd.OutOrStdout(), resp.Body)
}

// printEvents renders an SSE event stream until it ends.
func printEvents(w io.Writer, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var event model.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "output":
			fmt.Fprintln(w, event.Data)
		case "error":
			fmt.Fprintf(w, "%s %s\n", red("[error]"), event.Data)
		case "done":
			fmt.Fprintf(w, "%s %s\n", green("[done]"), event.Data)
		default:
			fmt.Fprintf(w, "%s %s\n", cyan("["+event.Type+"]"), event.Data)
		}
	}
	return scanner.Err()
}
