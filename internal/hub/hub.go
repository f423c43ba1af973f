package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"marketsim/internal/ws"
	"marketsim/logger"
	"marketsim/models"
)

// Transport is the duplex connection the hub multiplexes over. *ws.Conn
// satisfies it; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(v interface{}) error
	Subscribe(h ws.MessageHandler) func()
	Notify(h ws.StatusHandler) func()
	Status() ws.Status
}

// FrameHandler receives normalized stream frames.
type FrameHandler func(frame models.StreamFrame)

// Hub owns the transport connection and the subscription registry. It routes
// typed messages to consumers by topic or bare channel and replays all held
// subscriptions after a reconnect.
type Hub struct {
	transport Transport
	registry  *Registry
	log       *logger.Log
	ctrlID    atomic.Int64

	mu             sync.RWMutex
	nextHandlerID  int64
	frameHandlers  map[string]map[int64]FrameHandler
	statusHandlers map[int64]ws.StatusHandler

	unsubFrames func()
	unsubStatus func()
}

// New creates a hub around the given transport.
func New(transport Transport) *Hub {
	return &Hub{
		transport:      transport,
		registry:       NewRegistry(),
		log:            logger.GetLogger(),
		frameHandlers:  make(map[string]map[int64]FrameHandler),
		statusHandlers: make(map[int64]ws.StatusHandler),
	}
}

// Start connects the transport and begins routing frames.
func (h *Hub) Start(ctx context.Context) error {
	h.unsubFrames = h.transport.Subscribe(h.handleFrame)
	h.unsubStatus = h.transport.Notify(h.handleStatus)

	if err := h.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	h.log.WithComponent("hub").Info("market data hub started")
	return nil
}

// Stop disconnects the transport.
func (h *Hub) Stop() {
	h.transport.Disconnect()
	if h.unsubFrames != nil {
		h.unsubFrames()
	}
	if h.unsubStatus != nil {
		h.unsubStatus()
	}
	h.log.WithComponent("hub").Info("market data hub stopped")
}

// Status returns the transport connection state.
func (h *Hub) Status() ws.Status {
	return h.transport.Status()
}

// Subscribe acquires a reference on the canonical topic for (channel, symbol,
// param) and, on the first reference, emits the subscribe control frame. The
// returned function drops the reference and unsubscribes on the last release.
// Emitting while disconnected is a deliberate no-op; reconnect handling
// replays every held topic.
func (h *Hub) Subscribe(channel, symbol, param string) func() {
	topic := models.Topic{Channel: channel, Symbol: symbol, Param: param}.String()

	if h.registry.Acquire(topic) == 1 {
		h.sendControl(models.MethodSubscribe, []string{topic})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if h.registry.Release(topic) {
				h.sendControl(models.MethodUnsubscribe, []string{topic})
			}
		})
	}
}

// OnMessage registers a handler keyed by either a fully canonical topic
// ("btcusdt@depth") or a bare channel name ("depth"). Every frame is
// dispatched under both keys, so consumers may listen broadly or narrowly.
// The returned function unregisters the handler.
func (h *Hub) OnMessage(topicOrChannel string, handler FrameHandler) func() {
	h.mu.Lock()
	h.nextHandlerID++
	id := h.nextHandlerID
	if h.frameHandlers[topicOrChannel] == nil {
		h.frameHandlers[topicOrChannel] = make(map[int64]FrameHandler)
	}
	h.frameHandlers[topicOrChannel][id] = handler
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		if handlers, ok := h.frameHandlers[topicOrChannel]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(h.frameHandlers, topicOrChannel)
			}
		}
		h.mu.Unlock()
	}
}

// OnStatusChange registers a status listener, immediately invoking it with
// the current status. The returned function unregisters it.
func (h *Hub) OnStatusChange(handler ws.StatusHandler) func() {
	h.mu.Lock()
	h.nextHandlerID++
	id := h.nextHandlerID
	h.statusHandlers[id] = handler
	h.mu.Unlock()

	handler(h.transport.Status())

	return func() {
		h.mu.Lock()
		delete(h.statusHandlers, id)
		h.mu.Unlock()
	}
}

// handleStatus resubscribes every held topic when the transport comes up,
// before status listeners observe the transition.
func (h *Hub) handleStatus(status ws.Status) {
	if status == ws.StatusConnected {
		topics := h.registry.Topics()
		if len(topics) > 0 {
			sort.Strings(topics)
			h.log.WithComponent("hub").WithFields(logger.Fields{"topics": topics}).Info("resubscribing active topics")
			h.sendControl(models.MethodSubscribe, topics)
		}
	}

	h.mu.RLock()
	handlers := make([]ws.StatusHandler, 0, len(h.statusHandlers))
	for _, handler := range h.statusHandlers {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		h.safeStatus(handler, status)
	}
}

// handleFrame normalizes an inbound payload and dispatches it twice: once
// keyed by its canonical topic, once by its bare channel.
func (h *Hub) handleFrame(payload []byte) {
	frame, err := models.NormalizeFrame(payload)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Warn("dropping malformed frame")
		return
	}

	h.dispatch(frame.Stream, frame)
	if frame.Channel != frame.Stream {
		h.dispatch(frame.Channel, frame)
	}
}

func (h *Hub) dispatch(key string, frame models.StreamFrame) {
	if key == "" {
		return
	}

	h.mu.RLock()
	registered := h.frameHandlers[key]
	handlers := make([]FrameHandler, 0, len(registered))
	for _, handler := range registered {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		h.safeDispatch(handler, frame)
	}
}

// safeDispatch isolates handler panics so one consumer cannot break
// delivery to the rest. The handler stays registered.
func (h *Hub) safeDispatch(handler FrameHandler, frame models.StreamFrame) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithComponent("hub").WithFields(logger.Fields{
				"stream": frame.Stream,
				"panic":  r,
			}).Error("frame handler panicked")
		}
	}()
	handler(frame)
}

func (h *Hub) safeStatus(handler ws.StatusHandler, status ws.Status) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithComponent("hub").WithFields(logger.Fields{"panic": r}).Error("status handler panicked")
		}
	}()
	handler(status)
}

func (h *Hub) sendControl(method string, topics []string) {
	msg := models.ControlMessage{
		Method: method,
		Params: topics,
		ID:     h.ctrlID.Add(1),
	}
	if err := h.transport.Send(msg); err != nil {
		h.log.WithComponent("hub").WithError(err).WithFields(logger.Fields{
			"method": method,
			"topics": topics,
		}).Warn("failed to send control message")
	}
}
