package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/cmd/waflowctl/cmdutil"
	"github.com/rmedina/waflow/internal/cli/output"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect rate-limit standing",
}

var ratelimitGetCmd = &cobra.Command{
	Use:   "get <identity>",
	Short: "Show an identity's rate-limit standing",
	Long: `Show the active budgets and spam-window standing for an identity.

Examples:
  # Check a user's standing
  waflowctl ratelimit get 5215512345678

  # As JSON
  waflowctl ratelimit get 5215512345678 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runRatelimitGet,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitGetCmd)
}

func runRatelimitGet(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	status, err := client.RateLimitStatus(args[0])
	if err != nil {
		return err
	}

	table := output.NewTableData("Field", "Value")
	table.AddRow("Identity", status.Identity)
	table.AddRow("Events in spam window", fmt.Sprint(status.EventsInSpam))
	table.AddRow("Spamming", fmt.Sprint(status.Spamming))
	table.AddRow("Message budget", fmt.Sprintf("%d/min %d/h", status.MessageBudget.PerMinute, status.MessageBudget.PerHour))
	table.AddRow("Image budget", fmt.Sprintf("%d/min %d/h", status.ImageBudget.PerMinute, status.ImageBudget.PerHour))
	table.AddRow("Audio budget", fmt.Sprintf("%d/min %d/h", status.AudioBudget.PerMinute, status.AudioBudget.PerHour))

	return cmdutil.PrintOutput(os.Stdout, status, false, "", table)
}
