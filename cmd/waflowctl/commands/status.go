package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/cmd/waflowctl/cmdutil"
	"github.com/rmedina/waflow/internal/cli/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check engine health",
	Long: `Check the health of the connected waflow engine.

Calls the readiness endpoint, which verifies that the session store is
answering queries.

Examples:
  # Check engine health
  waflowctl status`,
	RunE: runStatus,
}

type engineHealth struct {
	Healthy bool   `json:"healthy" yaml:"healthy"`
	Message string `json:"message" yaml:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	health := engineHealth{Healthy: true, Message: "Engine is healthy"}
	if err := client.Health(); err != nil {
		health.Healthy = false
		health.Message = fmt.Sprintf("Engine is unhealthy: %v", err)
	}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, health)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, health)
	default:
		printer := output.NewPrinter(os.Stdout, format, !cmdutil.IsColorDisabled())
		if health.Healthy {
			printer.Success(health.Message)
		} else {
			printer.Error(health.Message)
		}
	}

	if !health.Healthy {
		os.Exit(1)
	}
	return nil
}
