package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "marketsim/config"
	"marketsim/logger"

	"github.com/gorilla/websocket"
)

// Status is the connection state of the transport.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageHandler receives every inbound frame payload.
type MessageHandler func(payload []byte)

// StatusHandler receives connection state transitions.
type StatusHandler func(status Status)

// Conn owns the single duplex streaming connection. It reconnects at a fixed
// interval after a drop, up to a maximum attempt count, and runs a liveness
// ping that forces a reconnect when the socket has gone stale.
type Conn struct {
	config  *appconfig.Config
	dialer  *websocket.Dialer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	status  Status
	running bool
	log     *logger.Log

	handlerMu      sync.RWMutex
	nextHandlerID  int64
	handlers       map[int64]MessageHandler
	statusHandlers map[int64]StatusHandler
}

// NewConn creates a transport connection for the configured stream endpoint.
func NewConn(cfg *appconfig.Config) *Conn {
	return &Conn{
		config: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Hub.HandshakeTimeout,
		},
		status:         StatusDisconnected,
		log:            logger.GetLogger(),
		handlers:       make(map[int64]MessageHandler),
		statusHandlers: make(map[int64]StatusHandler),
	}
}

// Connect starts the connection loop. It returns immediately; the first
// status transition reports the dial outcome.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("transport already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.log.WithComponent("ws_conn").WithFields(logger.Fields{"url": c.config.Hub.URL}).Info("starting transport connection")

	c.wg.Add(1)
	go c.runLoop()
	return nil
}

// Disconnect tears the connection down and stops reconnecting.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeSocket()
	c.wg.Wait()
	c.setStatus(StatusDisconnected)
	c.log.WithComponent("ws_conn").Info("transport connection stopped")
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Send marshals and writes a message. When the socket is not open the message
// is dropped with a warning; callers rely on idempotent resubscription after
// reconnect instead of outbound queueing.
func (c *Conn) Send(v interface{}) error {
	c.mu.RLock()
	conn := c.conn
	status := c.status
	c.mu.RUnlock()

	if conn == nil || status != StatusConnected {
		c.log.WithComponent("ws_conn").WithFields(logger.Fields{
			"status": status.String(),
		}).Warn("send skipped, transport not connected")
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write outbound message: %w", err)
	}
	return nil
}

// Subscribe registers a handler for every inbound frame. The returned
// function unregisters it.
func (c *Conn) Subscribe(h MessageHandler) func() {
	c.handlerMu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[id] = h
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		delete(c.handlers, id)
		c.handlerMu.Unlock()
	}
}

// Notify registers a status listener. The returned function unregisters it.
func (c *Conn) Notify(h StatusHandler) func() {
	c.handlerMu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.statusHandlers[id] = h
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		delete(c.statusHandlers, id)
		c.handlerMu.Unlock()
	}
}

func (c *Conn) runLoop() {
	defer c.wg.Done()

	log := c.log.WithComponent("ws_conn").WithFields(logger.Fields{"worker": "run_loop"})
	attempts := 0
	first := true

	for {
		if c.ctx.Err() != nil {
			return
		}

		if first {
			c.setStatus(StatusConnecting)
		} else {
			c.setStatus(StatusReconnecting)
		}

		if err := c.dial(); err != nil {
			attempts++
			log.WithError(err).WithFields(logger.Fields{"attempt": attempts}).Warn("dial failed")
			if attempts >= c.config.Hub.MaxReconnectAttempts {
				log.WithFields(logger.Fields{"attempts": attempts}).Error("reconnect attempts exhausted, giving up")
				c.setStatus(StatusDisconnected)
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.Hub.ReconnectInterval):
				continue
			}
		}

		attempts = 0
		first = false
		c.setStatus(StatusConnected)

		pingCtx, stopPing := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.livenessLoop(pingCtx)

		c.readLoop()
		stopPing()

		if c.ctx.Err() != nil {
			return
		}

		log.Warn("connection lost, scheduling reconnect")
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.Hub.ReconnectInterval):
		}
	}
}

func (c *Conn) dial() error {
	conn, _, err := c.dialer.DialContext(c.ctx, c.config.Hub.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Conn) readLoop() {
	log := c.log.WithComponent("ws_conn").WithFields(logger.Fields{"worker": "read_loop"})
	readTimeout := 2 * c.config.Hub.LivenessInterval

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.WithError(err).Warn("read error")
			}
			c.closeSocket()
			return
		}

		logger.IncrementFrameRead(len(payload))
		c.dispatch(payload)
	}
}

// livenessLoop pings on a fixed interval. A failed ping closes the socket so
// the read loop returns and the run loop reconnects.
func (c *Conn) livenessLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Hub.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.WithComponent("ws_conn").WithError(err).Warn("liveness ping failed, forcing reconnect")
				c.closeSocket()
				return
			}
		}
	}
}

// dispatch fans a frame out to every registered handler. A panicking handler
// must not prevent delivery to the others.
func (c *Conn) dispatch(payload []byte) {
	c.handlerMu.RLock()
	handlers := make([]MessageHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithComponent("ws_conn").WithFields(logger.Fields{"panic": r}).Error("message handler panicked")
				}
			}()
			h(payload)
		}()
	}
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := make([]StatusHandler, 0, len(c.statusHandlers))
	for _, h := range c.statusHandlers {
		handlers = append(handlers, h)
	}
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithComponent("ws_conn").WithFields(logger.Fields{"panic": r}).Error("status handler panicked")
				}
			}()
			h(s)
		}()
	}
}

func (c *Conn) closeSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
