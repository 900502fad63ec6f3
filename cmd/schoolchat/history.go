package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"schoolchat/internal/app"
	"schoolchat/internal/store"
	"schoolchat/pkg/channel"
)

// NewHistoryCmd creates the history subcommand, which reads a channel
// straight from the configured store.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <channelId>",
		Short: "Print a channel's stored messages as JSON lines, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 0, "only the most recent N messages (0 for all)")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	id, err := channel.Parse(args[0])
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := app.OpenBackend(cmd.Context(), &cfg.Store.Config, logger)
	if err != nil {
		return err
	}
	svc := store.NewService(backend, store.Options{Logger: logger})
	defer func() { _ = svc.Close() }()

	messages, err := svc.History(cmd.Context(), id.String(), limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}
