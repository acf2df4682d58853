package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/curation_outbox/internal/curation"
	"github.com/austindbirch/curation_outbox/internal/delivery"
	"github.com/austindbirch/curation_outbox/internal/notify"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the outbox depth and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st notify.Status
		if err := apiRequest(cmd.Context(), http.MethodGet, "/v1/outbox/status", nil, &st); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if structured() {
			return printOutput(out, st)
		}

		session := st.CurationID
		if session == "" {
			session = "none"
		}
		fmt.Fprintf(out, "Pending:  %d\n", st.Pending)
		fmt.Fprintf(out, "Oldest:   %s\n", formatKey(st.Oldest))
		fmt.Fprintf(out, "Session:  %s\n", session)
		fmt.Fprintf(out, "Syncing:  %v\n", st.Syncing)
		if st.LastError != "" {
			failure(out, "Last error: %s", st.LastError)
		} else if st.Pending == 0 {
			success(out, "Outbox is empty")
		}
		return nil
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending curation events in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var resp struct {
			Events []curation.Event `json:"events"`
			Count  int              `json:"count"`
		}
		path := "/v1/outbox/events?limit=" + strconv.Itoa(limit)
		if err := apiRequest(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if structured() {
			return printOutput(out, resp.Events)
		}
		if len(resp.Events) == 0 {
			info(out, "No pending events")
			return nil
		}

		t := newTable("KEY", "CREATED", "KIND", "RESULTS", "DETAIL")
		for _, e := range resp.Events {
			t.addRow(strconv.FormatInt(e.CreatedAt, 10), formatKey(e.CreatedAt), string(e.Kind),
				strconv.Itoa(len(e.Results)), describe(e))
		}
		t.render(out)
		return nil
	},
}

// describe summarises the kind-specific payload of e
func describe(e curation.Event) string {
	switch {
	case e.Add != nil:
		return fmt.Sprintf("insert %s at %d", e.Add.URL, e.Add.InsertIndex)
	case e.Delete != nil:
		return fmt.Sprintf("delete #%d", e.Delete.DeleteIndex)
	case e.Validate != nil:
		return fmt.Sprintf("validate #%d", e.Validate.ValidateIndex)
	case e.Move != nil:
		return fmt.Sprintf("move #%d -> #%d", e.Move.OldIndex, e.Move.NewIndex)
	}
	return e.SourceURL
}

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit [begin|add|delete|validate|move]",
	Short: "Queue a curation event",
	Long: `Queue a curation event in the outbox. The event is durable once this returns.

Examples:
  curatectl submit begin --page "https://mwmbl.org/?q=rust" --results results.json
  curatectl submit add --page "https://mwmbl.org/?q=rust" --index 0 --target https://www.rust-lang.org/
  curatectl submit move --page "https://mwmbl.org/?q=rust" --index 3 --to 0`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"begin", "add", "delete", "validate", "move"},
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEvent(cmd, curation.Kind(args[0]))
		if err != nil {
			return err
		}
		// without --at the daemon stamps the key; check the rest locally
		stamped := e
		if stamped.CreatedAt == 0 {
			stamped.CreatedAt = 1
		}
		if err := stamped.Check(); err != nil {
			return err
		}

		var resp struct {
			CreatedAt int64         `json:"created_at"`
			Kind      curation.Kind `json:"kind"`
		}
		if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/curation/events", e, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if structured() {
			return printOutput(out, resp)
		}
		success(out, "Queued %s event %d", resp.Kind, resp.CreatedAt)
		return nil
	},
}

// buildEvent assembles an event of kind from the submit flags
func buildEvent(cmd *cobra.Command, kind curation.Kind) (curation.Event, error) {
	page, _ := cmd.Flags().GetString("page")
	at, _ := cmd.Flags().GetInt64("at")
	index, _ := cmd.Flags().GetInt("index")
	to, _ := cmd.Flags().GetInt("to")
	target, _ := cmd.Flags().GetString("target")
	resultsFile, _ := cmd.Flags().GetString("results")

	results := []curation.Result{}
	if resultsFile != "" {
		b, err := os.ReadFile(resultsFile)
		if err != nil {
			return curation.Event{}, fmt.Errorf("failed to read results file: %w", err)
		}
		if err := json.Unmarshal(b, &results); err != nil {
			return curation.Event{}, fmt.Errorf("invalid results file: %w", err)
		}
	}

	switch kind {
	case curation.KindBegin:
		return curation.NewBegin(at, page, results), nil
	case curation.KindAdd:
		return curation.NewAdd(at, page, results, index, target), nil
	case curation.KindDelete:
		return curation.NewDelete(at, page, results, index), nil
	case curation.KindValidate:
		return curation.NewValidate(at, page, results, index), nil
	case curation.KindMove:
		return curation.NewMove(at, page, results, index, to), nil
	}
	return curation.Event{}, fmt.Errorf("unknown kind %q", kind)
}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver pending events now",
	Long: `Ask the daemon to deliver pending events. By default this waits for the
round to finish and prints how many events were sent; --async only wakes the worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		out := cmd.OutOrStdout()

		if async {
			if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/outbox/sync", nil, nil); err != nil {
				return err
			}
			info(out, "Sync triggered")
			return nil
		}

		var report delivery.Report
		if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/outbox/sync?wait=true", nil, &report); err != nil {
			return err
		}
		if structured() {
			return printOutput(out, report)
		}

		switch report.Stopped {
		case delivery.StopEmpty:
			success(out, "Sent %d event(s), outbox is empty", report.Sent)
		case delivery.StopNoCredential:
			warn(out, "Sent %d event(s), waiting for sign-in", report.Sent)
		case delivery.StopBusy:
			warn(out, "Sent %d event(s), another sync is in progress", report.Sent)
		default:
			failure(out, "Sent %d event(s), stopped (%s): %s", report.Sent, report.Stopped, report.Error)
		}
		return nil
	},
}

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the current curation session",
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the current curation id",
	Long:  `Forget the current curation id. The next delivered event opens a new session.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/curation/session/reset", nil, nil); err != nil {
			return err
		}
		success(cmd.OutOrStdout(), "Curation session reset")
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the outbox daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if err := apiRequest(cmd.Context(), http.MethodGet, "/healthz", nil, nil); err != nil {
			failure(out, "Service is unhealthy: %v", err)
			return nil
		}
		success(out, "Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, listCmd, submitCmd, syncCmd, sessionCmd, healthCmd)
	sessionCmd.AddCommand(sessionResetCmd)

	listCmd.Flags().Int("limit", 50, "maximum number of events to list (0 for all)")

	submitCmd.Flags().String("page", "", "URL of the result page being curated")
	submitCmd.Flags().Int64("at", 0, "created_at in epoch milliseconds (default: assigned by the daemon)")
	submitCmd.Flags().Int("index", 0, "result index the edit applies to")
	submitCmd.Flags().Int("to", 0, "destination index for move")
	submitCmd.Flags().String("target", "", "URL to insert for add")
	submitCmd.Flags().String("results", "", "JSON file with the current result list")

	syncCmd.Flags().Bool("async", false, "only wake the worker, do not wait")
}
