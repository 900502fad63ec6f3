package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/oops"

	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// ErrDuplicateSeq is returned when a channel position is already taken.
var ErrDuplicateSeq = errors.New("message sequence already stored")

// BadgerBackend stores messages in an embedded badger database under
// msg:<channelId>\x00<seq>, so a prefix scan walks a channel in order.
type BadgerBackend struct {
	db *badger.DB
}

var _ interfaces.MessageBackend = (*BadgerBackend)(nil)

// NewBadgerBackend opens or creates the database in dir.
func NewBadgerBackend(dir string) (*BadgerBackend, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, oops.Code("BADGER_OPEN_FAILED").With("path", dir).Wrap(err)
	}
	return &BadgerBackend{db: db}, nil
}

func channelPrefix(channelID string) []byte {
	return []byte("msg:" + channelID + "\x00")
}

func messageKey(channelID string, seq uint64) []byte {
	return fmt.Appendf(channelPrefix(channelID), "%020d", seq)
}

func (b *BadgerBackend) Insert(ctx context.Context, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return oops.With("operation", "encode message").Wrap(err)
	}
	key := messageKey(msg.ChannelID, msg.Seq)
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateSeq
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return oops.With("operation", "insert message", "channel", msg.ChannelID, "seq", msg.Seq).Wrap(err)
	}
	return nil
}

func (b *BadgerBackend) Latest(ctx context.Context, channelID string) (*types.Message, error) {
	msgs, err := b.scanNewest(ctx, channelID, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

func (b *BadgerBackend) History(ctx context.Context, channelID string, limit int) ([]*types.Message, error) {
	if limit > 0 {
		msgs, err := b.scanNewest(ctx, channelID, limit)
		if err != nil {
			return nil, err
		}
		slices.Reverse(msgs)
		return msgs, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := channelPrefix(channelID)
	messages := make([]*types.Message, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			msg, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, oops.With("operation", "query history", "channel", channelID).Wrap(err)
	}
	return messages, nil
}

// scanNewest returns up to n messages, newest first.
func (b *BadgerBackend) scanNewest(ctx context.Context, channelID string, n int) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := channelPrefix(channelID)
	messages := make([]*types.Message, 0, n)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek past the last possible key of the channel.
		for it.Seek(append(slices.Clone(prefix), 0xFF)); it.ValidForPrefix(prefix) && len(messages) < n; it.Next() {
			msg, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, oops.With("operation", "scan newest", "channel", channelID).Wrap(err)
	}
	return messages, nil
}

func decodeItem(item *badger.Item) (*types.Message, error) {
	var msg types.Message
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *BadgerBackend) HealthCheck(ctx context.Context) error {
	if b.db.IsClosed() {
		return oops.Errorf("badger database is closed")
	}
	return ctx.Err()
}

func (b *BadgerBackend) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}
