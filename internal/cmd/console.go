package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmerce/flowmerce/internal/app"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/console"
	"github.com/flowmerce/flowmerce/internal/prompt"
)

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Review pending payment requests in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return err
			}
			cfg.Auth.InitialAdmin = nil
			a, err := app.New(cfg, newLogger(config.LoggingConfig{Level: "error", Format: "text"}, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p := &prompt.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			email, _ := cmd.Flags().GetString("email")
			admin, err := signInAdmin(cmd, a, p, email)
			if err != nil {
				return err
			}
			return console.Run(cmd.Context(), a.Billing(), admin)
		},
	}
	cmd.Flags().String("email", "", "admin email (prompted when empty)")
	return cmd
}

// signInAdmin checks the admin's password and staff rights before the console
// acts on their behalf.
func signInAdmin(cmd *cobra.Command, a *app.App, p *prompt.Prompter, email string) (*auth.Identity, error) {
	if email == "" {
		var err error
		if email, err = p.AskEmail("Admin email", ""); err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
	}
	_, user, err := a.Auth().Login(cmd.Context(), email, p.AskPassword("Password"))
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return nil, errors.New("invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		return nil, fmt.Errorf("%s is not a staff account", user.Email)
	}
	return auth.IdentityOf(user), nil
}
