package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is the far end of a test websocket. It records every text frame.
type peer struct {
	mu       sync.Mutex
	received [][]byte
	done     chan struct{}
}

func (p *peer) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

// dialTestPeer returns a client-side gorilla connection whose server side
// records what it reads.
func dialTestPeer(t *testing.T) (*websocket.Conn, *peer) {
	t.Helper()
	p := &peer{done: make(chan struct{})}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		defer close(p.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.mu.Lock()
			p.received = append(p.received, data)
			p.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, p
}

// stubConn is an in-memory Connection for registry tests.
type stubConn struct {
	id            string
	mu            sync.Mutex
	user, userRef string
	sent          [][]byte
}

func newStubConn(id string) *stubConn { return &stubConn{id: id} }

func (s *stubConn) ID() string { return s.id }
func (s *stubConn) Identity() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.userRef
}
func (s *stubConn) SetIdentity(user, userRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.userRef = user, userRef
}
func (s *stubConn) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}
func (s *stubConn) WriteJSON(v any) error { return nil }
func (s *stubConn) Close() error          { return nil }

func contextPair() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
