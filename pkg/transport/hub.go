package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// Frame types
const (
	FrameMessages = "messages"
	FrameAck      = "ack"
)

// Ack statuses
const (
	AckOK        = "ok"
	AckDuplicate = "duplicate"
	AckRejected  = "rejected"
	AckRetry     = "retry"
)

// Frame is the unit written on a live connection
type Frame struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages,omitempty"`
	Acks     []Ack             `json:"acks,omitempty"`
}

// Ack reports the outcome of one received message
type Ack struct {
	Link   string `json:"link,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// InboundHandler processes one message received from a live session
type InboundHandler func(ctx context.Context, sess *Session, raw json.RawMessage) Ack

// ConnectHandler is called after a session is registered
type ConnectHandler func(ctx context.Context, sess *Session)

// HubConfig configures the live channel
type HubConfig struct {
	Node         string
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	CheckOrigin  func(r *http.Request) bool
}

// DefaultHubConfig returns defaults for a node named node
func DefaultHubConfig(node string) HubConfig {
	return HubConfig{
		Node:         node,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    8 << 20,
	}
}

type liveConn struct {
	ws      *websocket.Conn
	sess    *Session
	writeMu sync.Mutex
}

func (c *liveConn) write(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Hub is the live channel: it holds the websocket connections of this node
// and reaches sessions on other nodes through its Registry.
type Hub struct {
	cfg      HubConfig
	registry Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]*liveConn

	onInbound InboundHandler
	onConnect ConnectHandler
}

// NewHub creates a hub. A nil registry keeps sessions local to this node.
func NewHub(cfg HubConfig, registry Registry, logger *zap.Logger) *Hub {
	if registry == nil {
		registry = NewLocalRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.Named("hub"),
		conns:    make(map[string]*liveConn),
	}
}

// OnInbound sets the handler for received messages
func (h *Hub) OnInbound(fn InboundHandler) { h.onInbound = fn }

// OnConnect sets the handler run after a session connects
func (h *Hub) OnConnect(fn ConnectHandler) { h.onConnect = fn }

// Get returns the live session of identity, wherever it is connected
func (h *Hub) Get(ctx context.Context, identity string) (*Session, error) {
	return h.registry.Lookup(ctx, identity)
}

// Deliver sends msgs to sess
func (h *Hub) Deliver(ctx context.Context, sess *Session, msgs []*object.Message) error {
	frame, err := encodeMessages(msgs)
	if err != nil {
		return err
	}
	if sess.Node == h.cfg.Node {
		return h.SendLocal(sess.Identity, frame)
	}
	return h.registry.Forward(ctx, sess, frame)
}

// SendLocal writes a frame to a connection held by this node
func (h *Hub) SendLocal(identity string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.conns[identity]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not connected to %s", errs.ErrClientUnreachable, identity, h.cfg.Node)
	}
	if err := c.write(frame, h.cfg.WriteTimeout); err != nil {
		c.ws.Close()
		return fmt.Errorf("%w: %v", errs.ErrClientUnreachable, err)
	}
	return nil
}

// ServeWS upgrades the request and serves the connection of identity
// until it closes. A newer connection of the same identity replaces an
// older one.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &liveConn{
		ws: ws,
		sess: &Session{
			ID:          uuid.NewString(),
			Identity:    identity,
			Node:        h.cfg.Node,
			ConnectedAt: time.Now().UTC(),
		},
	}
	log := h.logger.With(zap.String("identity", identity), zap.String("session", c.sess.ID))

	h.mu.Lock()
	old := h.conns[identity]
	h.conns[identity] = c
	h.mu.Unlock()
	if old != nil {
		old.ws.Close()
	}

	if err := h.registry.Register(ctx, c.sess); err != nil {
		log.Error("Failed to register session", zap.Error(err))
	}
	log.Info("Session connected")

	if h.onConnect != nil {
		go h.onConnect(ctx, c.sess)
	}

	stopPing := h.keepAlive(c)
	h.readLoop(ctx, c, log)
	close(stopPing)

	h.mu.Lock()
	if h.conns[identity] == c {
		delete(h.conns, identity)
	}
	h.mu.Unlock()
	if err := h.registry.Unregister(ctx, c.sess); err != nil {
		log.Error("Failed to unregister session", zap.Error(err))
	}
	ws.Close()
	log.Info("Session disconnected")
}

func (h *Hub) readLoop(ctx context.Context, c *liveConn, log *zap.Logger) {
	if h.cfg.ReadLimit > 0 {
		c.ws.SetReadLimit(h.cfg.ReadLimit)
	}
	if h.cfg.PingInterval > 0 {
		wait := 2 * h.cfg.PingInterval
		c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug("Websocket closed", zap.Error(err))
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != FrameMessages {
			log.Warn("Ignoring malformed frame", zap.Error(err))
			continue
		}
		if h.onInbound == nil {
			continue
		}

		acks := make([]Ack, 0, len(frame.Messages))
		for _, raw := range frame.Messages {
			acks = append(acks, h.onInbound(ctx, c.sess, raw))
		}
		reply, err := json.Marshal(Frame{Type: FrameAck, Acks: acks})
		if err != nil {
			log.Error("Failed to encode acks", zap.Error(err))
			continue
		}
		if err := c.write(reply, h.cfg.WriteTimeout); err != nil {
			log.Debug("Failed to write acks", zap.Error(err))
			return
		}
	}
}

func (h *Hub) keepAlive(c *liveConn) chan struct{} {
	stop := make(chan struct{})
	if h.cfg.PingInterval <= 0 {
		return stop
	}
	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				deadline := time.Now().Add(h.cfg.WriteTimeout)
				if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.ws.Close()
					return
				}
			}
		}
	}()
	return stop
}

// Connected returns the number of sessions held by this node
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every local session
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.ws.Close()
	}
}

func encodeMessages(msgs []*object.Message) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		data, err := object.EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	frame, err := json.Marshal(Frame{Type: FrameMessages, Messages: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return frame, nil
}
