package websocket

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"schoolchat/pkg/errutil"
	"schoolchat/pkg/interfaces"
)

// Dispatcher receives the lifecycle of every upgraded connection.
// Connect must register the connection before Receive is called.
type Dispatcher interface {
	Connect(conn interfaces.Connection) error
	Receive(conn interfaces.Connection, data []byte)
	Disconnect(conn interfaces.Connection)
}

// HandlerOptions configures the upgrade endpoint.
type HandlerOptions struct {
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
	PongWait       time.Duration
	MaxFrameBytes  int64
	Connection     ConnectionOptions
	Logger         *slog.Logger
}

// Handler upgrades HTTP requests and pumps frames into a Dispatcher.
type Handler struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	opts       HandlerOptions
	logger     *slog.Logger
}

func NewHandler(dispatcher Dispatcher, opts HandlerOptions) *Handler {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP handles GET /ws?user=<name>&user_ref=<ref>. Identity may also
// be supplied later with joinChannel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	user := query.Get("user")
	userRef := query.Get("user_ref")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := NewConnection(ws, h.opts.Connection)
	conn.SetIdentity(user, userRef)

	if err := h.dispatcher.Connect(conn); err != nil {
		errutil.LogError(h.logger, "connection rejected", err, "conn_id", conn.ID())
		_ = conn.Close()
		return
	}

	go h.readLoop(conn)
}

// readLoop owns the read side of conn until the peer goes away.
func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.dispatcher.Disconnect(conn)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxFrameBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read ended", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatcher.Receive(conn, data)
	}
}
