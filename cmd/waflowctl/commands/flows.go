package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/cmd/waflowctl/cmdutil"
	"github.com/rmedina/waflow/internal/cli/output"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Manage registered flows",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flows registered on the engine",
	Long: `List the conversation flows registered on the connected engine.

Examples:
  # List flows
  waflowctl flows list

  # As JSON
  waflowctl flows list -o json`,
	RunE: runFlowsList,
}

func init() {
	flowsCmd.AddCommand(flowsListCmd)
}

func runFlowsList(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	flows, err := client.Flows()
	if err != nil {
		return err
	}

	table := output.NewTableData("Name")
	for _, name := range flows {
		table.AddRow(name)
	}

	return cmdutil.PrintOutput(os.Stdout, map[string]any{"flows": flows},
		len(flows) == 0, "No flows registered", table)
}
