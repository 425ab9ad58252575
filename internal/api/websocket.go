package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/logging"
)

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

// clientQueue is the number of frames buffered per client before events
// are dropped for it.
const clientQueue = 256

var knownChannels = map[string]bool{
	ChannelAccessoryChanged: true,
	ChannelRunnableMessage:  true,
}

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Accessory string `json:"accessory,omitempty"`
	Time      string `json:"time,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Subscription selects channels and, optionally, accessories. With no
// accessories every event on the channels is delivered; otherwise only
// events naming one of them.
type Subscription struct {
	Channels    []string `json:"channels"`
	Accessories []string `json:"accessories,omitempty"`
}

// validate rejects unknown channel names.
func (s Subscription) validate() error {
	for _, ch := range s.Channels {
		if !knownChannels[ch] {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu          sync.RWMutex
	channels    map[string]struct{}
	accessories map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove drops c. Whoever removes a client closes its queue, so a client
// already dropped by Run is left alone.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Publish sends payload on channel to every interested client. accessory
// names the accessory the event concerns, or is empty.
func (h *Hub) Publish(channel, accessory string, payload any) {
	data, err := json.Marshal(Frame{
		Type:      FrameEvent,
		Channel:   channel,
		Accessory: accessory,
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(channel, accessory) {
			c.enqueue(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection. The channels and accessories
// query parameters are comma separated lists forming the initial
// subscription; channels defaults to every channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub := Subscription{
		Channels:    splitList(r.URL.Query().Get("channels")),
		Accessories: splitList(r.URL.Query().Get("accessories")),
	}
	if len(sub.Channels) == 0 {
		sub.Channels = []string{ChannelAccessoryChanged, ChannelRunnableMessage}
	}
	if err := sub.validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:         s.hub,
		conn:        conn,
		send:        make(chan []byte, clientQueue),
		channels:    make(map[string]struct{}),
		accessories: make(map[string]struct{}),
	}
	c.apply(sub, true)
	s.hub.add(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *wsClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = extend("")
		c.handle(data)
	}
}

func (c *wsClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	timeout := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle answers one client frame.
func (c *wsClient) handle(data []byte) {
	var in struct {
		Type    string       `json:"type"`
		ID      string       `json:"id"`
		Payload Subscription `json:"payload"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply(in.ID, FrameError, map[string]string{"message": "invalid JSON frame"})
		return
	}

	switch in.Type {
	case FrameSubscribe, FrameUnsubscribe:
		if err := in.Payload.validate(); err != nil {
			c.reply(in.ID, FrameError, map[string]string{"message": err.Error()})
			return
		}
		c.apply(in.Payload, in.Type == FrameSubscribe)
		c.reply(in.ID, FrameAck, c.subscription())
	case FramePing:
		c.reply(in.ID, FramePong, nil)
	default:
		c.reply(in.ID, FrameError, map[string]string{"message": "unknown frame type " + in.Type})
	}
}

// apply adds (on) or removes (!on) the channels and accessories of sub.
func (c *wsClient) apply(sub Subscription, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := func(m map[string]struct{}, keys []string) {
		for _, k := range keys {
			if on {
				m[k] = struct{}{}
			} else {
				delete(m, k)
			}
		}
	}
	set(c.channels, sub.Channels)
	set(c.accessories, sub.Accessories)
}

func (c *wsClient) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sub := Subscription{Channels: []string{}}
	for ch := range c.channels {
		sub.Channels = append(sub.Channels, ch)
	}
	for name := range c.accessories {
		sub.Accessories = append(sub.Accessories, name)
	}
	return sub
}

func (c *wsClient) wants(channel, accessory string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if len(c.accessories) == 0 {
		return true
	}
	_, ok := c.accessories[accessory]
	return ok
}

// enqueue drops data when the client's queue is full or already closed.
func (c *wsClient) enqueue(data []byte) {
	defer func() { _ = recover() }()

	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(Frame{
		Type:    kind,
		ID:      id,
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	})
	if err == nil {
		c.enqueue(data)
	}
}
