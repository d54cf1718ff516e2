package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/putto11262002/roomchat/core"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		user core.User
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed identity token",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := opts.config
			if err := validateConfig(cmd, config); err != nil {
				return err
			}
			if len(config.Auth.Secret) == 0 {
				return errors.New("auth.secret is not configured")
			}
			if ttl == 0 {
				ttl = config.Auth.TokenTTL
			}
			if err := core.NewRoomIdentity(user, core.SupportRoomID).Validate(); err != nil {
				return err
			}

			token, exp, err := core.NewToken(user, ttl, config.Auth.Secret)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			cmd.Println(token)
			cmd.PrintErrf("expires at %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user.ID, "user", "", "user id")
	cmd.Flags().StringVar(&user.Name, "name", "", "display name")
	cmd.Flags().StringVar(&user.Role, "role", "", "user role")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
