package main

import (
	"github.com/spf13/cobra"
	"github.com/xping-dev/xping/pkg/identity"
	"github.com/xping-dev/xping/pkg/report"
)

var (
	identityParams      string
	identityDisplayName string
)

var identityCmd = &cobra.Command{
	Use:   "identity <Namespace.Class.Method>",
	Short: "Print the stable identity of a test",
	Long: `Compute the identity a test would be recorded under. Parameters are given
as a JSON array, e.g. --params '[2, "abc"]'.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentity,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.Flags().StringVar(&identityParams, "params", "", "test parameters as a JSON array")
	identityCmd.Flags().StringVar(&identityDisplayName, "display-name", "", "override the generated display name")
}

func runIdentity(cmd *cobra.Command, args []string) error {
	var (
		params []any
		err    error
	)

	if identityParams != "" {
		params, err = report.ParseParameters(identityParams)
		if err != nil {
			return err
		}
	}

	var opts []identity.Option
	if identityDisplayName != "" {
		opts = append(opts, identity.WithDisplayName(identityDisplayName))
	}

	id, err := identity.Generate(args[0], params, opts...)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), id)
}
