// Package database implements the durable message backends: sqlite (the
// default), postgres and badger.
package database

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/samber/oops"

	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// ErrManagerClosed is returned by operations after Close.
var ErrManagerClosed = errors.New("database manager is closed")

// Manager is the sqlite backend. Reads use the connection pool; writes go
// through a single writer goroutine so sqlite never sees competing writers.
type Manager struct {
	db         *sql.DB
	config     *dbconfig.Config
	writeCh    chan writeOperation
	shutdown   chan struct{}
	wg         sync.WaitGroup
	retryDelay time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ interfaces.MessageBackend = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the sqlite database at config.Path. The schema must
// already be migrated.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", config.SQLiteDSN())
	if err != nil {
		return nil, oops.Code("SQLITE_OPEN_FAILED").With("path", config.Path).Wrap(err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:         db,
		config:     config,
		writeCh:    make(chan writeOperation, 100),
		shutdown:   make(chan struct{}),
		retryDelay: 100 * time.Millisecond,
		logger:     logger.With("component", "sqlite"),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

// DB exposes the handle for schema checks.
func (m *Manager) DB() *sql.DB {
	return m.db
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writeCh:
			err := op.operation(m.db)
			if isBusy(err) {
				m.logger.Warn("sqlite write contended, retrying once", "error", err, "delay", m.retryDelay)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
			}
			op.result <- err
		case <-m.shutdown:
			return
		}
	}
}

// isBusy reports whether err is a lock conflict worth retrying.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	timeout := time.NewTimer(m.config.Timeout)
	defer timeout.Stop()

	result := make(chan error, 1)
	select {
	case m.writeCh <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return oops.Code("SQLITE_WRITE_TIMEOUT").Errorf("write not scheduled within %s", m.config.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-timeout.C:
		return oops.Code("SQLITE_WRITE_TIMEOUT").Errorf("write did not complete within %s", m.config.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

const insertMessageSQL = `
	INSERT INTO messages (id, channel_id, seq, user_name, user_ref, content, sent_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// Insert persists msg through the writer goroutine.
func (m *Manager) Insert(ctx context.Context, msg *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, insertMessageSQL,
			msg.ID,
			msg.ChannelID,
			int64(msg.Seq),
			msg.User,
			msg.UserRef,
			msg.Content,
			msg.Timestamp.UnixNano(),
		)
		if err != nil {
			return oops.With("operation", "insert message", "channel", msg.ChannelID).Wrap(err)
		}
		return nil
	})
}

const selectColumns = `id, channel_id, seq, user_name, user_ref, content, sent_at`

// Latest returns the channel's last message, or nil.
func (m *Manager) Latest(ctx context.Context, channelID string) (*types.Message, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM messages WHERE channel_id = ? ORDER BY sent_at DESC, seq DESC LIMIT 1`,
		channelID)
	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "latest message", "channel", channelID).Wrap(err)
	}
	return msg, nil
}

// History returns the channel's messages oldest first, keeping only the
// newest limit when limit is positive.
func (m *Manager) History(ctx context.Context, channelID string, limit int) ([]*types.Message, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = m.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM (
				SELECT `+selectColumns+` FROM messages
				WHERE channel_id = ?
				ORDER BY sent_at DESC, seq DESC
				LIMIT ?
			) ORDER BY sent_at ASC, seq ASC`, channelID, limit)
	} else {
		rows, err = m.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM messages
			WHERE channel_id = ?
			ORDER BY sent_at ASC, seq ASC`, channelID)
	}
	if err != nil {
		return nil, oops.With("operation", "query history", "channel", channelID).Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*types.Message, error) {
	var (
		msg    types.Message
		seq    int64
		sentAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &seq, &msg.User, &msg.UserRef, &msg.Content, &sentAt); err != nil {
		return nil, err
	}
	msg.Seq = uint64(seq)
	msg.Timestamp = time.Unix(0, sentAt).UTC()
	return &msg, nil
}

// HealthCheck pings the database.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.db.PingContext(ctx); err != nil {
		return oops.With("operation", "ping sqlite").Wrap(err)
	}
	return nil
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}
