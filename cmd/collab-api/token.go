package main

import (
	"fmt"
	"time"

	"github.com/bidroom/collab/internal/auth"
	"github.com/bidroom/collab/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User the token identifies")
	cmd.Flags().StringVar(&identity.DisplayName, "name", "", "Display name carried in the token")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email carried in the token")
	cmd.Flags().StringSliceVar(&identity.Roles, "role", nil, "Roles carried in the token")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
