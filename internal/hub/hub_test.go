package hub

import (
	"context"
	"sync"
	"testing"

	"marketsim/internal/ws"
	"marketsim/models"
)

// fakeTransport records control messages and lets tests drive frames and
// status transitions by hand.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []models.ControlMessage
	onFrame  ws.MessageHandler
	onStatus ws.StatusHandler
	status   ws.Status
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect()                       {}

func (f *fakeTransport) Send(v interface{}) error {
	msg, ok := v.(models.ControlMessage)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(h ws.MessageHandler) func() {
	f.onFrame = h
	return func() {}
}

func (f *fakeTransport) Notify(h ws.StatusHandler) func() {
	f.onStatus = h
	return func() {}
}

func (f *fakeTransport) Status() ws.Status { return f.status }

func (f *fakeTransport) sentMessages() []models.ControlMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ControlMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func newTestHub(t *testing.T) (*Hub, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	h := New(transport)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	return h, transport
}

func TestHubSubscribeRefCounting(t *testing.T) {
	h, transport := newTestHub(t)

	unsub1 := h.Subscribe("depth", "BTCUSDT", "")
	unsub2 := h.Subscribe("depth", "BTCUSDT", "")
	unsub3 := h.Subscribe("depth", "BTCUSDT", "")

	sent := transport.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("three subscribers should produce one SUBSCRIBE, got %d messages", len(sent))
	}
	if sent[0].Method != models.MethodSubscribe || sent[0].Params[0] != "btcusdt@depth" {
		t.Fatalf("unexpected control message: %+v", sent[0])
	}

	unsub1()
	unsub2()
	if len(transport.sentMessages()) != 1 {
		t.Fatal("releasing while references remain should not emit UNSUBSCRIBE")
	}

	unsub3()
	sent = transport.sentMessages()
	if len(sent) != 2 || sent[1].Method != models.MethodUnsubscribe {
		t.Fatalf("last release should emit one UNSUBSCRIBE, got %+v", sent)
	}

	// releasing twice through the same closure is a no-op
	unsub3()
	if len(transport.sentMessages()) != 2 {
		t.Fatal("double release must not emit another UNSUBSCRIBE")
	}
}

func TestHubDualDispatch(t *testing.T) {
	h, transport := newTestHub(t)

	var byTopic, byChannel []string
	h.OnMessage("btcusdt@depth", func(frame models.StreamFrame) {
		byTopic = append(byTopic, frame.Stream)
	})
	h.OnMessage("depth", func(frame models.StreamFrame) {
		byChannel = append(byChannel, frame.Stream)
	})

	transport.onFrame([]byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT"}}`))

	if len(byTopic) != 1 {
		t.Errorf("topic handler should receive the frame, got %d", len(byTopic))
	}
	if len(byChannel) != 1 {
		t.Errorf("channel handler should receive the frame, got %d", len(byChannel))
	}
}

func TestHubFlatFrameDispatch(t *testing.T) {
	h, transport := newTestHub(t)

	var frames []models.StreamFrame
	h.OnMessage("depth", func(frame models.StreamFrame) {
		frames = append(frames, frame)
	})

	transport.onFrame([]byte(`{"e":"depthUpdate","s":"ETHUSDT","U":1,"u":2}`))

	if len(frames) != 1 {
		t.Fatalf("flat frame should reach the channel handler, got %d", len(frames))
	}
	if frames[0].Stream != "ethusdt@depth" {
		t.Errorf("flat frame should carry its derived stream, got %s", frames[0].Stream)
	}
}

func TestHubMalformedFrameDropped(t *testing.T) {
	h, transport := newTestHub(t)

	called := false
	h.OnMessage("depth", func(models.StreamFrame) { called = true })

	transport.onFrame([]byte(`not json at all`))
	transport.onFrame([]byte(`{"foo":"bar"}`))

	if called {
		t.Error("malformed frames must not reach handlers")
	}
}

func TestHubResubscribeOnReconnect(t *testing.T) {
	h, transport := newTestHub(t)

	h.Subscribe("depth", "BTCUSDT", "")
	h.Subscribe("trade", "ETHUSDT", "")
	transport.reset()

	var order []string
	h.OnStatusChange(func(status ws.Status) {
		if status == ws.StatusConnected {
			order = append(order, "status")
		}
	})

	transport.onStatus(ws.StatusConnected)

	sent := transport.sentMessages()
	if len(sent) != 1 || sent[0].Method != models.MethodSubscribe {
		t.Fatalf("reconnect should emit one SUBSCRIBE, got %+v", sent)
	}
	if len(sent[0].Params) != 2 {
		t.Fatalf("resubscribe should carry every held topic, got %v", sent[0].Params)
	}
	if len(order) != 1 {
		t.Fatal("status listeners should observe the transition after resubscription")
	}
}

func TestHubOnStatusChangeImmediate(t *testing.T) {
	h, transport := newTestHub(t)
	transport.status = ws.StatusConnected

	var got []ws.Status
	h.OnStatusChange(func(status ws.Status) {
		got = append(got, status)
	})

	if len(got) != 1 || got[0] != ws.StatusConnected {
		t.Fatalf("listener should be invoked immediately with current status, got %v", got)
	}
}

func TestHubHandlerPanicIsolated(t *testing.T) {
	h, transport := newTestHub(t)

	delivered := 0
	h.OnMessage("depth", func(models.StreamFrame) { panic("boom") })
	h.OnMessage("depth", func(models.StreamFrame) { delivered++ })

	payload := []byte(`{"e":"depthUpdate","s":"BTCUSDT"}`)
	transport.onFrame(payload)
	transport.onFrame(payload)

	if delivered != 2 {
		t.Errorf("well-behaved handler should keep receiving frames, got %d", delivered)
	}
}

func TestHubUnregisterHandler(t *testing.T) {
	h, transport := newTestHub(t)

	count := 0
	remove := h.OnMessage("depth", func(models.StreamFrame) { count++ })

	payload := []byte(`{"e":"depthUpdate","s":"BTCUSDT"}`)
	transport.onFrame(payload)
	remove()
	transport.onFrame(payload)

	if count != 1 {
		t.Errorf("removed handler should not receive further frames, got %d", count)
	}
}
