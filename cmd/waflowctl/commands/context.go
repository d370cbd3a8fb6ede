package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/cmd/waflowctl/cmdutil"
	"github.com/rmedina/waflow/internal/cli/credentials"
	"github.com/rmedina/waflow/internal/cli/prompt"
)

var contextDeleteForce bool

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage server contexts",
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configured contexts",
	Long: `List all configured server contexts.

Shows the context name, server URL, and username for each saved context.
The current context is marked with an asterisk (*).

Examples:
  # List contexts as table
  waflowctl context list

  # List as JSON
  waflowctl context list -o json`,
	RunE: runContextList,
}

var contextCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current context name",
	RunE:  runContextCurrent,
}

var contextUseCmd = &cobra.Command{
	Use:   "use [name]",
	Short: "Switch to a different context",
	Long: `Switch to a different server context.

This changes the active context used for subsequent commands. Without a
name, pick interactively from the configured contexts.

Examples:
  # Switch to context named "production"
  waflowctl context use production

  # Pick from a list
  waflowctl context use`,
	Args: cobra.MaximumNArgs(1),
	RunE: runContextUse,
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextDelete,
}

func init() {
	contextDeleteCmd.Flags().BoolVar(&contextDeleteForce, "force", false, "Skip confirmation prompt")

	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextCurrentCmd)
	contextCmd.AddCommand(contextUseCmd)
	contextCmd.AddCommand(contextDeleteCmd)
}

// ContextInfo represents context information for output.
type ContextInfo struct {
	Name      string `json:"name" yaml:"name"`
	Current   bool   `json:"current" yaml:"current"`
	ServerURL string `json:"server_url" yaml:"server_url"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	LoggedIn  bool   `json:"logged_in" yaml:"logged_in"`
}

// ContextList is a list of contexts for table rendering.
type ContextList []ContextInfo

// Headers implements TableRenderer.
func (cl ContextList) Headers() []string {
	return []string{"", "NAME", "SERVER", "USER", "LOGGED IN"}
}

// Rows implements TableRenderer.
func (cl ContextList) Rows() [][]string {
	rows := make([][]string, 0, len(cl))
	for _, c := range cl {
		current := ""
		if c.Current {
			current = "*"
		}
		loggedIn := "no"
		if c.LoggedIn {
			loggedIn = "yes"
		}
		rows = append(rows, []string{current, c.Name, c.ServerURL, cmdutil.EmptyOr(c.Username, "-"), loggedIn})
	}
	return rows
}

func runContextList(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	currentName := store.GetCurrentContextName()
	names := store.ListContexts()

	list := make(ContextList, 0, len(names))
	for _, name := range names {
		ctx, err := store.GetContext(name)
		if err != nil {
			continue
		}
		list = append(list, ContextInfo{
			Name:      name,
			Current:   name == currentName,
			ServerURL: ctx.ServerURL,
			Username:  ctx.Username,
			LoggedIn:  ctx.AccessToken != "" && !ctx.IsExpired(),
		})
	}

	return cmdutil.PrintOutput(os.Stdout, list, len(list) == 0, "No contexts configured", list)
}

func runContextCurrent(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	name := store.GetCurrentContextName()
	if name == "" {
		return errors.New("no current context set")
	}
	fmt.Println(name)
	return nil
}

func runContextUse(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	var contextName string
	if len(args) == 1 {
		contextName = args[0]
	} else {
		contextName, err = pickContext(store)
		if err != nil {
			return cmdutil.HandleAbort(err)
		}
	}

	if err := store.UseContext(contextName); err != nil {
		if errors.Is(err, credentials.ErrContextNotFound) {
			return fmt.Errorf("context '%s' not found\n\n"+
				"List available contexts:\n"+
				"  waflowctl context list", contextName)
		}
		return fmt.Errorf("failed to switch context: %w", err)
	}

	fmt.Printf("Switched to context: %s\n", contextName)
	return nil
}

// pickContext offers the configured contexts as an interactive selection.
func pickContext(store *credentials.Store) (string, error) {
	names := store.ListContexts()
	if len(names) == 0 {
		return "", errors.New("no contexts configured. Run 'waflowctl login' first")
	}

	current := store.GetCurrentContextName()
	options := make([]prompt.SelectOption, 0, len(names))
	for _, name := range names {
		label := name
		if name == current {
			label += " (current)"
		}
		opt := prompt.SelectOption{Label: label, Value: name}
		if ctx, err := store.GetContext(name); err == nil {
			opt.Description = ctx.ServerURL
		}
		options = append(options, opt)
	}
	return prompt.Select("Context", options)
}

func runContextDelete(cmd *cobra.Command, args []string) error {
	return cmdutil.RunDeleteWithConfirmation("context", args[0], contextDeleteForce, func() error {
		store, err := credentials.NewStore()
		if err != nil {
			return fmt.Errorf("failed to initialize credential store: %w", err)
		}
		return store.DeleteContext(args[0])
	})
}
