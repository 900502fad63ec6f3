package interfaces

import (
	"context"

	"schoolchat/pkg/types"
)

// MessageStore is the durable, append-only message log. Append assigns the
// timestamp and sequence; per channel the log is totally ordered.
type MessageStore interface {
	Append(ctx context.Context, channelID, senderName, senderRef, body string) (*types.Message, error)
	// History returns messages in ascending order. A positive limit keeps
	// only the most recent limit messages.
	History(ctx context.Context, channelID string, limit int) ([]*types.Message, error)
	HealthCheck(ctx context.Context) error
}

// MessageBackend is a storage engine behind a MessageStore. Backends do not
// assign ordering; they persist what they are given.
type MessageBackend interface {
	Insert(ctx context.Context, msg *types.Message) error
	// Latest returns the last message of a channel, or nil when the
	// channel has none.
	Latest(ctx context.Context, channelID string) (*types.Message, error)
	History(ctx context.Context, channelID string, limit int) ([]*types.Message, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
