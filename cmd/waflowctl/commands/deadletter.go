package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/cmd/waflowctl/cmdutil"
	"github.com/rmedina/waflow/internal/cli/output"
	"github.com/rmedina/waflow/internal/cli/timeutil"
)

var (
	deadletterStatus string
	deadletterLimit  int
	deadletterForce  bool
)

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Triage the dead letter queue",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked webhook payloads",
	Long: `List webhook payloads that failed processing and were parked.

Examples:
  # List pending dead letters
  waflowctl deadletter list

  # List only failed replays
  waflowctl deadletter list --status failed

  # As JSON, including the raw payloads
  waflowctl deadletter list -o json`,
	RunE: runDeadletterList,
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Replay a parked payload",
	Long: `Replay a parked payload through the ingress pipeline.

A successful replay deletes the record; a failed one marks it as failed
and keeps it for inspection.

Examples:
  # Replay a dead letter
  waflowctl deadletter retry 3f1c9a2e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runDeadletterRetry,
}

var deadletterDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Discard a parked payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadletterDelete,
}

func init() {
	deadletterListCmd.Flags().StringVar(&deadletterStatus, "status", "", "Filter by status (pending|failed)")
	deadletterListCmd.Flags().IntVar(&deadletterLimit, "limit", 50, "Maximum number of records")
	deadletterDeleteCmd.Flags().BoolVar(&deadletterForce, "force", false, "Skip confirmation prompt")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRetryCmd)
	deadletterCmd.AddCommand(deadletterDeleteCmd)
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	letters, err := client.ListDeadLetters(deadletterStatus, deadletterLimit)
	if err != nil {
		return err
	}

	table := output.NewTableData("ID", "Status", "Created", "Error")
	for _, l := range letters {
		table.AddRow(l.ID, l.Status, timeutil.Local(l.CreatedAt), truncate(l.Error, 60))
	}

	return cmdutil.PrintOutput(os.Stdout, map[string]any{"dead_letters": letters},
		len(letters) == 0, "Dead letter queue is empty", table)
}

func runDeadletterRetry(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	if err := client.RetryDeadLetter(args[0]); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Dead letter '%s' replayed and removed", args[0]))
	return nil
}

func runDeadletterDelete(cmd *cobra.Command, args []string) error {
	return cmdutil.RunDeleteWithConfirmation("dead letter", args[0], deadletterForce, func() error {
		client, err := cmdutil.GetAuthenticatedClient()
		if err != nil {
			return err
		}
		return client.DeleteDeadLetter(args[0])
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
