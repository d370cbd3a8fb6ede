package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/cmd/waflowctl/cmdutil"
	"github.com/rmedina/waflow/internal/cli/output"
	"github.com/rmedina/waflow/internal/cli/prompt"
	"github.com/rmedina/waflow/internal/cli/timeutil"
)

var sessionResetForce bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and reset live sessions",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <identity>",
	Short: "Show the session for a contact",
	Long: `Show the live session for a contact identity (phone number).

Examples:
  # Inspect a session
  waflowctl session get 5215550001111

  # As JSON, including version and timestamps
  waflowctl session get 5215550001111 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionGet,
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <identity>",
	Short: "Force a session back to the start state",
	Long: `Force a contact's session back to INICIO, discarding in-progress
flow data. Live traffic for the contact keeps working; the engine retries
the reset against concurrent updates.

Examples:
  # Reset a stuck session
  waflowctl session reset 5215550001111

  # Skip the confirmation prompt
  waflowctl session reset 5215550001111 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionReset,
}

func init() {
	sessionResetCmd.Flags().BoolVar(&sessionResetForce, "force", false, "Skip confirmation prompt")
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionResetCmd)
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	sess, err := client.GetSession(args[0])
	if err != nil {
		return err
	}

	table := output.NewTableData("Field", "Value")
	table.AddRow("Identity", sess.Identity)
	table.AddRow("State", sess.State)
	table.AddRow("Contact", cmdutil.EmptyOr(sess.ContactName, "-"))
	equipo := "-"
	if sess.EquipoID != nil {
		equipo = *sess.EquipoID
	}
	table.AddRow("Equipment", equipo)
	table.AddRow("Version", fmt.Sprint(sess.Version))
	table.AddRow("Last activity", fmt.Sprintf("%s (%s)", timeutil.Local(sess.LastActivityAt), timeutil.Ago(sess.LastActivityAt)))
	table.AddRow("Warning sent", fmt.Sprint(sess.WarningSent))

	return cmdutil.PrintResource(os.Stdout, sess, table)
}

func runSessionReset(cmd *cobra.Command, args []string) error {
	identity := args[0]

	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Reset session for '%s'?", identity), sessionResetForce)
	if err != nil {
		return cmdutil.HandleAbort(err)
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}

	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	if err := client.ResetSession(identity); err != nil {
		return err
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Session '%s' reset to INICIO", identity))
	return nil
}
