package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Request a development token and store it in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			api, err := ctx.apiClient(false)
			if err != nil {
				return err
			}

			id := cfg.UserID
			if strings.TrimSpace(userID) != "" {
				if id, err = parseID(userID, "user id"); err != nil {
					return err
				}
			}
			name := strings.TrimSpace(username)
			if name == "" {
				name = cfg.Username
			}

			tok, err := api.IssueToken(cmd.Context(), id, name)
			if err != nil {
				return err
			}
			cfg.Token = tok.Token
			cfg.UserID = tok.UserID
			cfg.Username = tok.Username
			if err := cfg.Save(ctx.configPath); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s (%s)\n", displayName(tok.Username), tok.UserID)
			fmt.Fprintf(out, "Token saved to %s\n", ctx.configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User id to sign in as (default: keep the configured id or let the server pick)")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Display name carried in the token")
	return cmd
}

func displayName(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}
