// Package client is the channel session used by screens that show one
// channel: it joins over the websocket hub, loads history over HTTP and
// streams live messages.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"schoolchat/pkg/channel"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/types"
)

// Options configures a Session. BaseURL is the server root, for example
// http://localhost:8080.
type Options struct {
	BaseURL     string
	User        string
	UserRef     string
	JoinTimeout time.Duration
	SendTimeout time.Duration
	// MaxRetries bounds dial and join attempts, including reconnects.
	MaxRetries uint64
	RetryBase  time.Duration
	// MessageBuffer sizes the Messages channel.
	MessageBuffer int
	HTTPClient    *http.Client
	Dialer        *websocket.Dialer
	Logger        *slog.Logger
}

func (o *Options) withDefaults() {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.MessageBuffer <= 0 {
		o.MessageBuffer = 256
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is bound to at most one channel at a time. Messages are shown
// only when the hub echoes them back; Send never appends locally.
type Session struct {
	opts    Options
	logger  *slog.Logger
	baseURL *url.URL

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serializes Open, Close and reconnects.
	opMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	channelID string
	pending   map[string]chan types.Frame

	writeMu   sync.Mutex
	messages  chan types.Message
	closeOnce sync.Once
}

// New validates opts and returns an unopened session.
func New(opts Options) (*Session, error) {
	opts.withDefaults()
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, oops.Code(errutil.CodeValidation).With("base_url", opts.BaseURL).Errorf("invalid base URL")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:     opts,
		logger:   opts.Logger.With("component", "client", "user", opts.User),
		baseURL:  base,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]chan types.Frame),
		messages: make(chan types.Message, opts.MessageBuffer),
	}, nil
}

// Messages streams every message delivered to the open channel, the
// session's own sends included. It is closed by Close. Callers should
// drain it; once MessageBuffer messages are waiting, newer ones are
// dropped with a warning so acknowledgements keep flowing.
func (s *Session) Messages() <-chan types.Message {
	return s.messages
}

// Channel returns the channel the session is joined to, or "".
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Open joins channelID. Opening the current channel again is a no-op;
// opening another channel leaves the current one first.
func (s *Session) Open(ctx context.Context, channelID string) error {
	id, err := channel.Parse(channelID)
	if err != nil {
		return err
	}
	target := id.String()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	current := s.Channel()
	if s.connected() {
		if current == target {
			return nil
		}
		if current != "" {
			if err := s.leave(ctx, current); err != nil {
				s.logger.Warn("leave before switching channel failed", "channel_id", current, "error", err)
			}
			s.setChannel("")
		}
		err := s.join(ctx, target)
		if err == nil {
			s.setChannel(target)
			return nil
		}
		if errutil.IsValidation(err) {
			return err
		}
		s.logger.Warn("join on live connection failed, redialing", "channel_id", target, "error", err)
		s.mu.Lock()
		stale := s.conn
		s.conn = nil
		s.mu.Unlock()
		if stale != nil {
			_ = stale.Close()
		}
	}

	if err := s.connectAndJoin(ctx, target); err != nil {
		return err
	}
	s.setChannel(target)
	return nil
}

// Send posts body to the open channel and waits for the hub's echo of
// it, which is returned. Empty bodies are rejected without a round trip.
func (s *Session) Send(ctx context.Context, body string) (*types.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errutil.Validation(errutil.CodeMessageEmpty, "message body is empty")
	}
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	channelID := s.Channel()
	if channelID == "" {
		return nil, ErrNotOpen
	}

	reply, err := s.request(ctx, types.EventSendMessage, types.SendMessage{
		ChannelID: channelID,
		Message: types.OutgoingBody{
			User:      s.opts.User,
			Content:   body,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}, s.opts.SendTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Event != types.EventReceiveMessage {
		return nil, replyError(reply)
	}
	var msg types.Message
	if err := json.Unmarshal(reply.Data, &msg); err != nil {
		return nil, oops.Code(errutil.CodeFrameInvalid).Wrapf(err, "decode echoed message")
	}
	return &msg, nil
}

// LoadHistory fetches the channel's stored messages, oldest first.
// Entries that are not well-formed messages are skipped.
func (s *Session) LoadHistory(ctx context.Context, channelID string) ([]types.Message, error) {
	id, err := channel.Parse(channelID)
	if err != nil {
		return nil, err
	}
	// Year values such as 2023/2024 must stay a single path segment.
	endpoint := s.baseURL.JoinPath("api", "channels", url.PathEscape(id.String()), "messages")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, oops.Wrapf(err, "build history request")
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, errutil.StoreUnavailable("history", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, oops.Code(errutil.CodeFrameInvalid).Wrapf(err, "decode history")
	}
	history := lo.FilterMap(raw, func(entry json.RawMessage, _ int) (types.Message, bool) {
		var msg types.Message
		if err := json.Unmarshal(entry, &msg); err != nil {
			return msg, false
		}
		return msg, msg.ID != "" && msg.ChannelID == id.String()
	})
	if dropped := len(raw) - len(history); dropped > 0 {
		s.logger.Warn("skipped malformed history entries", "channel_id", id.String(), "count", dropped)
	}
	return history, nil
}

// Close leaves the channel and closes the transport. It is safe to call
// more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		s.opMu.Lock()
		s.mu.Lock()
		conn, channelID := s.conn, s.channelID
		s.conn, s.channelID = nil, ""
		s.mu.Unlock()
		if conn != nil {
			if channelID != "" {
				if frame, ferr := types.NewFrame(types.EventLeaveChannel, "", types.LeaveChannel{ChannelID: channelID}); ferr == nil {
					_ = s.write(conn, frame)
				}
			}
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.writeMu.Unlock()
			err = conn.Close()
		}
		s.opMu.Unlock()

		s.wg.Wait()
		close(s.messages)
	})
	return err
}

func (s *Session) connectAndJoin(ctx context.Context, channelID string) error {
	backoff := retry.WithMaxRetries(s.opts.MaxRetries, retry.NewExponential(s.opts.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Debug("dial failed", "error", err)
			return retry.RetryableError(err)
		}
		s.attach(conn)
		if err := s.join(ctx, channelID); err != nil {
			s.detach(conn)
			_ = conn.Close()
			if errutil.IsValidation(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := *s.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("user", s.opts.User)
	if s.opts.UserRef != "" {
		q.Set("user_ref", s.opts.UserRef)
	}
	wsURL.RawQuery = q.Encode()

	conn, resp, err := s.opts.Dialer.DialContext(ctx, wsURL.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL.Redacted(), err)
	}
	return conn, nil
}

func (s *Session) join(ctx context.Context, channelID string) error {
	reply, err := s.request(ctx, types.EventJoinChannel, types.JoinChannel{
		ChannelID: channelID,
		User:      s.opts.User,
		UserRef:   s.opts.UserRef,
	}, s.opts.JoinTimeout)
	if err != nil {
		return err
	}
	if reply.Event != types.EventChannelJoined {
		return replyError(reply)
	}
	return nil
}

func (s *Session) leave(ctx context.Context, channelID string) error {
	reply, err := s.request(ctx, types.EventLeaveChannel, types.LeaveChannel{ChannelID: channelID}, s.opts.JoinTimeout)
	if err != nil {
		return err
	}
	if reply.Event != types.EventChannelLeft {
		return replyError(reply)
	}
	return nil
}

// request writes a frame with a fresh ref and waits for the frame that
// answers it.
func (s *Session) request(ctx context.Context, event string, payload any, timeout time.Duration) (types.Frame, error) {
	ref := uuid.NewString()
	frame, err := types.NewFrame(event, ref, payload)
	if err != nil {
		return types.Frame{}, err
	}

	reply := make(chan types.Frame, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return types.Frame{}, ErrNotConnected
	}
	s.pending[ref] = reply
	s.mu.Unlock()
	defer s.forget(ref)

	if err := s.write(conn, frame); err != nil {
		return types.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-reply:
		return f, nil
	case <-timer.C:
		return types.Frame{}, errutil.Transient(errutil.CodeAckTimeout, "no reply to %s within %s", event, timeout)
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	case <-s.ctx.Done():
		return types.Frame{}, ErrSessionClosed
	}
}

func (s *Session) write(conn *websocket.Conn, frame types.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.wg.Add(1)
	go s.readLoop(conn)
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) setChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelID = channelID
}

func (s *Session) forget(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, ref)
}

func (s *Session) resolve(frame types.Frame) {
	if frame.Ref == "" {
		return
	}
	s.mu.Lock()
	reply, ok := s.pending[frame.Ref]
	delete(s.pending, frame.Ref)
	s.mu.Unlock()
	if ok {
		reply <- frame
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}

		switch frame.Event {
		case types.EventReceiveMessage:
			var msg types.Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				s.logger.Warn("ignoring malformed message", "error", err)
				continue
			}
			s.resolve(frame)
			select {
			case s.messages <- msg:
			default:
				s.logger.Warn("message buffer full, dropping message",
					"channel_id", msg.ChannelID, "message_id", msg.ID)
			}
		case types.EventError:
			if frame.Ref == "" {
				s.logger.Warn("hub reported an error", "error", replyError(frame))
			}
			s.resolve(frame)
		default:
			s.resolve(frame)
		}
	}
}

// dropped handles the end of conn's read loop. A connection lost while the
// session is still open is redialed and the channel re-joined.
func (s *Session) dropped(conn *websocket.Conn, err error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()

	if !current || s.ctx.Err() != nil {
		return
	}
	s.logger.Warn("connection lost, reconnecting", "error", err)
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.wg.Done()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	channelID := s.Channel()
	if s.ctx.Err() != nil || channelID == "" || s.connected() {
		return
	}
	if err := s.connectAndJoin(s.ctx, channelID); err != nil {
		if s.ctx.Err() == nil {
			errutil.LogError(s.logger, "reconnect failed", err, "channel_id", channelID)
			s.setChannel("")
		}
		return
	}
	s.logger.Info("reconnected", "channel_id", channelID)
}

// replyError turns an error frame into a coded error.
func replyError(frame types.Frame) error {
	if frame.Event != types.EventError {
		return oops.Code(errutil.CodeFrameInvalid).Errorf("unexpected %s reply", frame.Event)
	}
	var payload types.ErrorPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Code == "" {
		return oops.Code(errutil.CodeFrameInvalid).Errorf("malformed error frame")
	}
	return oops.Code(payload.Code).With("retryable", payload.Retryable).Errorf("%s", payload.Message)
}

// statusError maps a non-200 history response back onto the taxonomy.
func statusError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return errutil.StoreUnavailable("history", fmt.Errorf("server returned %s", resp.Status))
	case body.Code != "":
		return oops.Code(body.Code).With("status", resp.StatusCode).Errorf("%s", body.Message)
	default:
		return oops.With("status", resp.StatusCode).Errorf("history request failed: %s", resp.Status)
	}
}
