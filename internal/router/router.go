// Package router persists channel messages and fans them out to the
// channel's current members.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"schoolchat/internal/observability"
	"schoolchat/internal/websocket"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

var tracer = otel.Tracer("schoolchat/internal/router")

// Request is one sendMessage after the hub has resolved the sender.
type Request struct {
	Sender    interfaces.Connection
	Ref       string
	ChannelID string
	User      string
	UserRef   string
	Body      string
}

// Options configures a Router.
type Options struct {
	RateLimit int
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Router applies persist-then-route: a message reaches members only after
// the store accepted it.
type Router struct {
	registry    *websocket.Registry
	store       interfaces.MessageStore
	rateLimiter *RateLimiter
	logger      *slog.Logger
	metrics     *observability.Metrics
}

func NewRouter(registry *websocket.Registry, store interfaces.MessageStore, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    registry,
		store:       store,
		rateLimiter: NewRateLimiter(opts.RateLimit, DefaultRateWindow),
		logger:      logger.With("component", "router"),
		metrics:     opts.Metrics,
	}
}

// RateLimiter exposes the per-connection limiter so the owner can forget
// closed connections and run periodic cleanup.
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// RouteMessage appends the message and delivers it to every member of the
// channel, sender included. Delivery failures are logged per recipient
// and never undo the append. It returns the stored message.
func (r *Router) RouteMessage(ctx context.Context, req Request) (*types.Message, error) {
	if req.Sender == nil {
		return nil, ErrNilSender
	}
	ctx, span := tracer.Start(ctx, "router.RouteMessage")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", req.ChannelID))

	if !r.rateLimiter.Allow(req.Sender.ID()) {
		err := errutil.Transient(errutil.CodeRateLimited, "send rate exceeded, slow down")
		span.SetStatus(codes.Error, "rate limited")
		return nil, err
	}

	msg, err := r.store.Append(ctx, req.ChannelID, req.User, req.UserRef, req.Body)
	if err != nil {
		// Only stored messages count against the budget.
		r.rateLimiter.Refund(req.Sender.ID())
		span.RecordError(err)
		span.SetStatus(codes.Error, errutil.Code(err))
		return nil, err
	}

	delivered := r.FanOut(msg, req.Sender.ID(), req.Ref)
	span.SetAttributes(
		attribute.String("message_id", msg.ID),
		attribute.Int("delivered", delivered),
	)
	return msg, nil
}

// FanOut sends msg as a receiveMessage frame to the members of its
// channel. The copy for senderID carries ref so the sender can match its
// acknowledgement. Returns the number of members the frame was queued for.
func (r *Router) FanOut(msg *types.Message, senderID, ref string) int {
	broadcast, err := encodeReceive(msg, "")
	if err != nil {
		r.logger.Error("encode message frame", "error", err, "message_id", msg.ID)
		return 0
	}
	own := broadcast
	if ref != "" {
		if own, err = encodeReceive(msg, ref); err != nil {
			own = broadcast
		}
	}

	delivered := 0
	for _, conn := range r.registry.MemberConnections(msg.ChannelID) {
		data := broadcast
		if conn.ID() == senderID {
			data = own
		}
		if err := conn.Send(data); err != nil {
			r.metrics.Delivery(observability.DeliveryDropped)
			r.logger.Warn("dropped message for member",
				"conn_id", conn.ID(),
				"channel_id", msg.ChannelID,
				"message_id", msg.ID,
				"error", err)
			continue
		}
		r.metrics.Delivery(observability.DeliveryDelivered)
		delivered++
	}
	return delivered
}

func encodeReceive(msg *types.Message, ref string) ([]byte, error) {
	frame, err := types.NewFrame(types.EventReceiveMessage, ref, msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}
