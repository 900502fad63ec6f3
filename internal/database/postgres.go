package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// poolIface is the part of pgxpool.Pool the backend uses; pgxmock satisfies it.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresBackend stores messages in PostgreSQL. Concurrent writers from
// other processes are fenced by the (channel_id, seq) unique constraint.
type PostgresBackend struct {
	pool poolIface
}

var _ interfaces.MessageBackend = (*PostgresBackend)(nil)

// NewPostgresBackend connects a pool sized from config.
func NewPostgresBackend(ctx context.Context, config *dbconfig.Config) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, oops.Code("POSTGRES_CONFIG_INVALID").Wrap(err)
	}
	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, oops.Code("POSTGRES_CONNECT_FAILED").Wrap(err)
	}
	return newPostgresBackend(pool), nil
}

func newPostgresBackend(pool poolIface) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Insert(ctx context.Context, msg *types.Message) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, seq, user_name, user_ref, content, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ChannelID, int64(msg.Seq), msg.User, msg.UserRef, msg.Content, msg.Timestamp,
	)
	if err != nil {
		return oops.With("operation", "insert message", "channel", msg.ChannelID).Wrap(err)
	}
	return nil
}

func (b *PostgresBackend) Latest(ctx context.Context, channelID string) (*types.Message, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, channel_id, seq, user_name, user_ref, content, sent_at
		FROM messages WHERE channel_id = $1
		ORDER BY sent_at DESC, seq DESC LIMIT 1`, channelID)
	msg, err := scanPostgresMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "latest message", "channel", channelID).Wrap(err)
	}
	return msg, nil
}

func (b *PostgresBackend) History(ctx context.Context, channelID string, limit int) ([]*types.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = b.pool.Query(ctx, `
			SELECT id, channel_id, seq, user_name, user_ref, content, sent_at FROM (
				SELECT id, channel_id, seq, user_name, user_ref, content, sent_at
				FROM messages WHERE channel_id = $1
				ORDER BY sent_at DESC, seq DESC LIMIT $2
			) recent ORDER BY sent_at ASC, seq ASC`, channelID, limit)
	} else {
		rows, err = b.pool.Query(ctx, `
			SELECT id, channel_id, seq, user_name, user_ref, content, sent_at
			FROM messages WHERE channel_id = $1
			ORDER BY sent_at ASC, seq ASC`, channelID)
	}
	if err != nil {
		return nil, oops.With("operation", "query history", "channel", channelID).Wrap(err)
	}
	defer rows.Close()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, oops.With("operation", "scan history row").Wrap(err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate history").Wrap(err)
	}
	return messages, nil
}

func scanPostgresMessage(row pgx.Row) (*types.Message, error) {
	var (
		msg types.Message
		seq int64
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &seq, &msg.User, &msg.UserRef, &msg.Content, &msg.Timestamp); err != nil {
		return nil, err
	}
	msg.Seq = uint64(seq)
	msg.Timestamp = msg.Timestamp.UTC()
	return &msg, nil
}

func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return oops.With("operation", "ping postgres").Wrap(err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
