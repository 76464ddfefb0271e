package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flowmerce/flowmerce/internal/app"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/prompt"
)

func newCreateSuperuserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "createsuperuser",
		Short: "Create a staff account with full admin rights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return err
			}
			p := &prompt.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			return createSuperuser(cmd, cfg, p, email, name)
		},
	}
	cmd.Flags().String("email", "", "email address (prompted when empty)")
	cmd.Flags().String("name", "", "display name")
	return cmd
}

func createSuperuser(cmd *cobra.Command, cfg *config.Config, p *prompt.Prompter, email, name string) error {
	if email == "" {
		var err error
		if email, err = p.AskEmail("Email", ""); err != nil {
			return fmt.Errorf("email: %w", err)
		}
	}
	password, err := p.AskNewPassword("Password", 8)
	if err != nil {
		return fmt.Errorf("password: %w", err)
	}

	cfg.Auth.InitialAdmin = nil
	a, err := app.New(cfg, newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	u, err := a.Auth().CreateSuperuser(cmd.Context(), email, name, password)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(cmd.OutOrStdout(), fmt.Sprintf("Superuser %s created (id %d).\n", u.Email, u.ID))
	return nil
}
