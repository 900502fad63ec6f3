// Package hub is the real-time channel hub. It owns the per-connection
// state machine (connected, joined, disconnected) and hands sends to one
// worker per channel, which is the ordering point for that channel.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"schoolchat/internal/observability"
	"schoolchat/internal/router"
	"schoolchat/internal/websocket"
	"schoolchat/pkg/channel"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Options tunes a Hub. Zero values select the defaults.
type Options struct {
	// QueueSize bounds the run loop's event queue.
	QueueSize int
	// WorkerQueueSize bounds each channel worker's pending sends.
	WorkerQueueSize   int
	WorkerIdleTimeout time.Duration
	// MultiChannel lets a connection stay joined to several channels. When
	// false, joining a channel leaves the previous one.
	MultiChannel    bool
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = 256
	}
	if o.WorkerIdleTimeout <= 0 {
		o.WorkerIdleTimeout = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventFrame
	eventDisconnect
)

type event struct {
	kind  eventKind
	conn  interfaces.Connection
	frame types.Frame
}

type sendJob struct {
	conn interfaces.Connection
	ref  string
	req  router.Request
}

type channelWorker struct {
	jobs chan sendJob
}

// Hub serializes membership changes through a single run loop and
// persists-then-fans-out sends on per-channel workers.
type Hub struct {
	registry *websocket.Registry
	router   *router.Router
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics

	events   chan event
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.RWMutex
	running bool
	ctx     context.Context

	workersMu sync.Mutex
	workers   map[string]*channelWorker
}

var _ websocket.Dispatcher = (*Hub)(nil)

func NewHub(registry *websocket.Registry, r *router.Router, opts Options) *Hub {
	opts.withDefaults()
	return &Hub{
		registry: registry,
		router:   r,
		opts:     opts,
		logger:   opts.Logger.With("component", "hub"),
		metrics:  opts.Metrics,
		events:   make(chan event, opts.QueueSize),
		shutdown: make(chan struct{}),
		workers:  make(map[string]*channelWorker),
	}
}

// Start launches the run loop. ctx bounds store calls made by workers.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		return ErrHubNotRunning
	default:
	}
	h.running = true
	h.ctx = ctx

	h.wg.Add(1)
	go h.run(ctx)
	h.logger.Info("hub started", "multi_channel", h.opts.MultiChannel)
	return nil
}

// Stop ends the run loop and every channel worker and waits for them.
// Sends still queued are dropped. A stopped hub cannot be restarted.
func (h *Hub) Stop() error {
	stopped := h.halt()
	h.wg.Wait()
	if !stopped {
		return ErrHubNotRunning
	}
	h.logger.Info("hub stopped")
	return nil
}

// halt marks the hub stopped and releases the run loop and workers. It
// reports whether this call did the stopping.
func (h *Hub) halt() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return false
	}
	h.running = false
	close(h.shutdown)
	return true
}

// Running reports whether the run loop is active.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Connect queues registration of a new connection. Frames received after
// Connect returns are processed after the registration.
func (h *Hub) Connect(conn interfaces.Connection) error {
	if !h.Running() {
		return ErrHubNotRunning
	}
	select {
	case h.events <- event{kind: eventConnect, conn: conn}:
		return nil
	case <-h.shutdown:
		return ErrHubNotRunning
	}
}

// Receive validates an inbound frame and queues it. Malformed frames and
// a full queue are answered with an error frame to conn only.
func (h *Hub) Receive(conn interfaces.Connection, data []byte) {
	frame, err := types.ParseFrame(data)
	if err != nil {
		h.sendError(conn, "", err)
		return
	}
	if !h.Running() {
		return
	}
	select {
	case h.events <- event{kind: eventFrame, conn: conn, frame: frame}:
	case <-h.shutdown:
	default:
		h.sendError(conn, frame.Ref, errutil.Transient(errutil.CodeHubBusy, "hub is busy, try again"))
	}
}

// Disconnect removes conn and its memberships. It is not an error for
// the connection to have never joined a channel.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	if h.Running() {
		select {
		case h.events <- event{kind: eventDisconnect, conn: conn}:
			return
		case <-h.shutdown:
		}
	}
	h.handleDisconnect(conn)
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	cleanup := time.NewTicker(h.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case ev := <-h.events:
			switch ev.kind {
			case eventConnect:
				h.handleConnect(ev.conn)
			case eventFrame:
				h.handleFrame(ev.conn, ev.frame)
			case eventDisconnect:
				h.handleDisconnect(ev.conn)
			}
		case <-cleanup.C:
			h.router.RateLimiter().Cleanup()
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.halt()
			return
		}
	}
}

func (h *Hub) handleConnect(conn interfaces.Connection) {
	if err := h.registry.Register(conn); err != nil {
		h.logger.Warn("register connection", "conn_id", conn.ID(), "error", err)
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionOpened()
	user, _ := conn.Identity()
	h.logger.Debug("connection registered", "conn_id", conn.ID(), "user", user)
}

func (h *Hub) handleDisconnect(conn interfaces.Connection) {
	if _, ok := h.registry.Connection(conn.ID()); !ok {
		return
	}
	left := h.registry.Unregister(conn)
	h.router.RateLimiter().Forget(conn.ID())
	h.metrics.ConnectionClosed()
	h.logger.Debug("connection closed", "conn_id", conn.ID(), "channels", left)
}

func (h *Hub) handleFrame(conn interfaces.Connection, frame types.Frame) {
	var err error
	switch frame.Event {
	case types.EventJoinChannel:
		err = h.handleJoin(conn, frame)
	case types.EventLeaveChannel:
		err = h.handleLeave(conn, frame)
	case types.EventSendMessage:
		err = h.handleSend(conn, frame)
	default:
		err = errutil.Validation(errutil.CodeFrameInvalid, "unknown event %q", frame.Event)
	}
	if err != nil {
		h.sendError(conn, frame.Ref, err)
	}
}

func (h *Hub) handleJoin(conn interfaces.Connection, frame types.Frame) error {
	var payload types.JoinChannel
	if err := frame.Decode(&payload); err != nil {
		return err
	}
	id, err := channel.Parse(payload.ChannelID)
	if err != nil {
		return err
	}
	channelID := id.String()

	if payload.User != "" {
		conn.SetIdentity(payload.User, payload.UserRef)
	}
	if !h.opts.MultiChannel {
		for _, joined := range h.registry.ChannelsOf(conn.ID()) {
			if joined != channelID {
				h.registry.Leave(conn.ID(), joined)
			}
		}
	}
	changed, err := h.registry.Join(conn.ID(), channelID)
	if err != nil {
		return errutil.Validation(errutil.CodeValidation, "connection is not registered")
	}
	if changed {
		h.metrics.Joined()
	}
	h.logger.Debug("joined channel", "conn_id", conn.ID(), "channel_id", channelID)
	return h.ack(conn, types.EventChannelJoined, frame.Ref, channelID)
}

func (h *Hub) handleLeave(conn interfaces.Connection, frame types.Frame) error {
	var payload types.LeaveChannel
	if err := frame.Decode(&payload); err != nil {
		return err
	}
	id, err := channel.Parse(payload.ChannelID)
	if err != nil {
		return err
	}
	h.registry.Leave(conn.ID(), id.String())
	return h.ack(conn, types.EventChannelLeft, frame.Ref, id.String())
}

func (h *Hub) handleSend(conn interfaces.Connection, frame types.Frame) error {
	var payload types.SendMessage
	if err := frame.Decode(&payload); err != nil {
		return err
	}
	id, err := channel.Parse(payload.ChannelID)
	if err != nil {
		return err
	}
	channelID := id.String()
	if !h.registry.IsMember(conn.ID(), channelID) {
		return errutil.Validation(errutil.CodeNotAMember, "join %s before sending to it", channelID)
	}

	user, userRef := conn.Identity()
	if payload.Message.User != "" {
		user = payload.Message.User
	}
	return h.dispatch(sendJob{
		conn: conn,
		ref:  frame.Ref,
		req: router.Request{
			Sender:    conn,
			Ref:       frame.Ref,
			ChannelID: channelID,
			User:      user,
			UserRef:   userRef,
			Body:      payload.Message.Content,
		},
	})
}

// dispatch queues job on its channel's worker, starting one if needed.
func (h *Hub) dispatch(job sendJob) error {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()

	channelID := job.req.ChannelID
	w, ok := h.workers[channelID]
	if !ok {
		w = &channelWorker{jobs: make(chan sendJob, h.opts.WorkerQueueSize)}
		h.workers[channelID] = w
		h.wg.Add(1)
		go h.runWorker(channelID, w)
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return errutil.Transient(errutil.CodeHubBusy, "channel %s is busy, try again", channelID)
	}
}

// runWorker processes the sends of one channel in arrival order. It exits
// once idle with an empty queue; the emptiness check happens under
// workersMu so dispatch never queues onto an exiting worker.
func (h *Hub) runWorker(channelID string, w *channelWorker) {
	defer h.wg.Done()
	idle := time.NewTimer(h.opts.WorkerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case job := <-w.jobs:
			h.process(job)
			idle.Reset(h.opts.WorkerIdleTimeout)
		case <-idle.C:
			h.workersMu.Lock()
			if len(w.jobs) == 0 {
				delete(h.workers, channelID)
				h.workersMu.Unlock()
				return
			}
			h.workersMu.Unlock()
			idle.Reset(h.opts.WorkerIdleTimeout)
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) process(job sendJob) {
	msg, err := h.router.RouteMessage(h.ctx, job.req)
	if err != nil {
		level := slog.LevelWarn
		if errutil.IsStoreUnavailable(err) {
			level = slog.LevelError
		}
		h.logger.Log(h.ctx, level, "send rejected",
			"conn_id", job.conn.ID(),
			"channel_id", job.req.ChannelID,
			"code", errutil.Code(err),
			"error", err)
		h.sendError(job.conn, job.ref, err)
		return
	}
	h.logger.Debug("message routed", "channel_id", msg.ChannelID, "message_id", msg.ID, "seq", msg.Seq)
}

func (h *Hub) activeWorkers() int {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()
	return len(h.workers)
}

func (h *Hub) ack(conn interfaces.Connection, event, ref, channelID string) error {
	frame, err := types.NewFrame(event, ref, types.ChannelAck{ChannelID: channelID})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Warn("ack not delivered", "conn_id", conn.ID(), "event", event, "error", err)
	}
	return nil
}

// sendError reports err to conn only.
func (h *Hub) sendError(conn interfaces.Connection, ref string, err error) {
	code, message := errutil.Public(err)
	h.metrics.HubError(code)
	frame, ferr := types.NewFrame(types.EventError, ref, types.ErrorPayload{
		Code:      code,
		Message:   message,
		Retryable: errutil.IsRetryable(err),
	})
	if ferr != nil {
		return
	}
	if werr := conn.WriteJSON(frame); werr != nil {
		h.logger.Warn("error frame not delivered", "conn_id", conn.ID(), "code", code, "error", werr)
	}
}
