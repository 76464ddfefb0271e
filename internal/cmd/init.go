package cmd

import (
	"github.com/spf13/cobra"

	"github.com/flowmerce/flowmerce/internal/prompt"
	"github.com/flowmerce/flowmerce/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			p := &prompt.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			w := wizard.New(p)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./flowmerce.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively from FLOWMERCE_* env vars and generated secrets")
	return cmd
}
