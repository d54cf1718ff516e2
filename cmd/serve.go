package cmd

import (
	roomchat "github.com/putto11262002/roomchat/app"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := opts.config
			if err := validateConfig(cmd, config); err != nil {
				return err
			}

			logger := roomchat.NewLogger(cmd.OutOrStdout(), config.Log.Level)
			app, err := roomchat.New(cmd.Context(), config, roomchat.WithLogger(logger))
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
