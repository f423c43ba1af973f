package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "marketsim/config"

	"github.com/gorilla/websocket"
)

// echoServer upgrades inbound connections and echoes every text frame back.
type echoServer struct {
	*httptest.Server
	mu    sync.Mutex
	conns int
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := &echoServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.mu.Lock()
		srv.conns++
		srv.mu.Unlock()
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *echoServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func connConfig(url string) *appconfig.Config {
	return &appconfig.Config{
		Hub: appconfig.HubConfig{
			URL:                  url,
			HandshakeTimeout:     time.Second,
			ReconnectInterval:    20 * time.Millisecond,
			MaxReconnectAttempts: 3,
			LivenessInterval:     time.Second,
		},
	}
}

func waitStatus(t *testing.T, c *Conn, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, still %s", want, c.Status())
}

func TestConnConnectAndEcho(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConn(connConfig(srv.wsURL()))

	received := make(chan []byte, 1)
	c.Subscribe(func(payload []byte) {
		select {
		case received <- payload:
		default:
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitStatus(t, c, StatusConnected, time.Second)

	if err := c.Send(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case payload := <-received:
		if !strings.Contains(string(payload), "hello") {
			t.Errorf("unexpected payload: %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("echoed frame never arrived")
	}
}

func TestConnDoubleConnect(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConn(connConfig(srv.wsURL()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("second connect should fail")
	}
}

func TestConnSendWhileDisconnected(t *testing.T) {
	c := NewConn(connConfig("ws://127.0.0.1:1/never"))

	// sends while not connected are dropped, not errors: reconnect handling
	// replays subscriptions instead
	if err := c.Send(map[string]string{"method": "SUBSCRIBE"}); err != nil {
		t.Fatalf("send while disconnected should be a no-op, got %v", err)
	}
}

func TestConnStatusNotifications(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConn(connConfig(srv.wsURL()))

	var mu sync.Mutex
	var seen []Status
	c.Notify(func(status Status) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, c, StatusConnected, time.Second)
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("expected connecting and connected transitions, got %v", seen)
	}
	if seen[0] != StatusConnecting || seen[1] != StatusConnected {
		t.Errorf("unexpected transition order: %v", seen)
	}
	if seen[len(seen)-1] != StatusDisconnected {
		t.Errorf("disconnect should be observed last: %v", seen)
	}
}

func TestConnReconnectAfterDrop(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConn(connConfig(srv.wsURL()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitStatus(t, c, StatusConnected, time.Second)

	// server-side close drops the socket; the run loop must dial again
	c.closeSocket()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.connCount() >= 2 && c.Status() == StatusConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a second connection, got %d (status %s)", srv.connCount(), c.Status())
}

func TestConnGivesUpAfterMaxAttempts(t *testing.T) {
	c := NewConn(connConfig("ws://127.0.0.1:1/never"))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitStatus(t, c, StatusDisconnected, 3*time.Second)
}

func TestConnHandlerPanicIsolated(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConn(connConfig(srv.wsURL()))

	received := make(chan struct{}, 4)
	c.Subscribe(func([]byte) { panic("boom") })
	c.Subscribe(func([]byte) { received <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitStatus(t, c, StatusConnected, time.Second)

	if err := c.Send(map[string]string{"ping": "1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("panicking handler blocked delivery to the other handler")
	}
}

func TestConnUnsubscribe(t *testing.T) {
	srv := newEchoServer(t)
	c := NewConn(connConfig(srv.wsURL()))

	count := 0
	var mu sync.Mutex
	remove := c.Subscribe(func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	remove()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitStatus(t, c, StatusConnected, time.Second)

	if err := c.Send(map[string]string{"ping": "1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("removed handler should not receive frames, got %d", count)
	}
}
