package main

import (
	"github.com/spf13/cobra"

	"schoolchat/internal/config"
)

// NewRootCmd creates the root command. Every subcommand reads the same
// layered configuration.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schoolchat",
		Short: "Real-time channel messaging for school groups and years",
		Long: `schoolchat runs the channel hub: users join group or academic-year
channels over a websocket, exchange ordered messages, and fetch
channel history over HTTP.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "YAML config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHistoryCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path, cmd.Flags())
}
