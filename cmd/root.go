package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	roomchat "github.com/putto11262002/roomchat/app"
	"github.com/spf13/cobra"
)

type options struct {
	configDir string
	envFiles  []string
	config    *roomchat.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "roomchat",
		Short:         "Room chat gateway and terminal client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := roomchat.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			config, err := roomchat.LoadConfig(opts.configDir)
			if err != nil {
				return err
			}
			opts.config = config
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newChatCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	return rootCmd
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

var errInvalidConfig = errors.New("invalid config")

func validateConfig(cmd *cobra.Command, config *roomchat.Config) error {
	if err := config.Validate(); err != nil {
		cmd.PrintErr(roomchat.FormatValidationErrors(err))
		return errInvalidConfig
	}
	return nil
}
