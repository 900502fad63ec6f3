// Package store implements the message store: validation, per-channel
// ordering and timestamp assignment on top of a pluggable backend.
package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"schoolchat/internal/observability"
	"schoolchat/pkg/channel"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// DefaultMaxBodyLength is the longest accepted body, in runes.
const DefaultMaxBodyLength = 4000

var tracer = otel.Tracer("schoolchat/internal/store")

// Options tunes a Service. The zero value is usable.
type Options struct {
	MaxBodyLength int
	// Now is the clock used for timestamps. Defaults to time.Now.
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// channelState is the ordering point of one channel. last is the most
// recently appended message, loaded lazily from the backend.
type channelState struct {
	mu     sync.Mutex
	loaded bool
	last   *types.Message
}

// Service is the MessageStore used by the hub and the history API.
type Service struct {
	backend interfaces.MessageBackend
	maxBody int
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	channels map[string]*channelState
}

var _ interfaces.MessageStore = (*Service)(nil)

// NewService wraps backend.
func NewService(backend interfaces.MessageBackend, opts Options) *Service {
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = DefaultMaxBodyLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		backend:  backend,
		maxBody:  opts.MaxBodyLength,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "store"),
		metrics:  opts.Metrics,
		channels: make(map[string]*channelState),
	}
}

func (s *Service) state(channelID string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[channelID]
	if !ok {
		st = &channelState{}
		s.channels[channelID] = st
	}
	return st
}

// Append validates and persists a message. The timestamp is never earlier
// than the previous message of the same channel and seq is one past it.
// Appends to one channel are serialized; other channels are unaffected.
func (s *Service) Append(ctx context.Context, channelID, senderName, senderRef, body string) (*types.Message, error) {
	start := time.Now()
	msg, err := s.validate(channelID, senderName, senderRef, body)
	if err != nil {
		s.metrics.ObserveAppend(observability.ResultValidation, time.Since(start))
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "store.append")
	span.SetAttributes(attribute.String("channel.id", msg.ChannelID))
	defer span.End()

	st := s.state(msg.ChannelID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		last, err := s.backend.Latest(ctx, msg.ChannelID)
		if err != nil {
			return nil, s.unavailable(span, "latest", msg.ChannelID, err, start)
		}
		st.last, st.loaded = last, true
	}

	ts := s.now().UTC().Truncate(time.Microsecond)
	msg.Seq = 1
	if st.last != nil {
		if ts.Before(st.last.Timestamp) {
			ts = st.last.Timestamp
		}
		msg.Seq = st.last.Seq + 1
	}
	msg.Timestamp = ts
	msg.ID = NewID(ts)

	if err := s.backend.Insert(ctx, msg); err != nil {
		// Another writer may have advanced the channel; re-read on retry.
		st.loaded, st.last = false, nil
		return nil, s.unavailable(span, "append", msg.ChannelID, err, start)
	}
	st.last = msg
	s.metrics.ObserveAppend(observability.ResultOK, time.Since(start))

	out := *msg
	return &out, nil
}

func (s *Service) validate(channelID, senderName, senderRef, body string) (*types.Message, error) {
	id, err := channel.Parse(channelID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, errutil.Validation(errutil.CodeMessageEmpty, "message body is empty")
	}
	if n := utf8.RuneCountInString(body); n > s.maxBody {
		return nil, errutil.Validation(errutil.CodeMessageTooLong,
			"message body is %d characters, limit is %d", n, s.maxBody)
	}
	name := strings.TrimSpace(senderName)
	if name == "" {
		return nil, errutil.Validation(errutil.CodeSenderMissing, "sender display name is empty")
	}
	return &types.Message{
		ChannelID: id.String(),
		User:      name,
		UserRef:   senderRef,
		Content:   body,
	}, nil
}

func (s *Service) unavailable(span trace.Span, op, channelID string, err error, start time.Time) error {
	wrapped := errutil.StoreUnavailable(op, err)
	span.RecordError(wrapped)
	span.SetStatus(codes.Error, op+" failed")
	s.metrics.ObserveAppend(observability.ResultUnavailable, time.Since(start))
	errutil.LogError(s.logger.With("channel", channelID), "message store unavailable", wrapped)
	return wrapped
}

// History returns the channel's messages in ascending order, or only the
// most recent limit of them when limit is positive. An unknown channel has
// an empty history.
func (s *Service) History(ctx context.Context, channelID string, limit int) ([]*types.Message, error) {
	id, err := channel.Parse(channelID)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		limit = 0
	}

	ctx, span := tracer.Start(ctx, "store.history")
	span.SetAttributes(attribute.String("channel.id", id.String()), attribute.Int("limit", limit))
	defer span.End()

	msgs, err := s.backend.History(ctx, id.String(), limit)
	if err != nil {
		wrapped := errutil.StoreUnavailable("history", err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, "history failed")
		return nil, wrapped
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	return msgs, nil
}

// HealthCheck reports backend availability.
func (s *Service) HealthCheck(ctx context.Context) error {
	return errutil.StoreUnavailable("health", s.backend.HealthCheck(ctx))
}

// Close closes the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}
