package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type MessageType string

const (
	PredictionMade MessageType = "prediction"
	BatchCompleted MessageType = "batch"
	ModelReloaded  MessageType = "reload"
	Heartbeat      MessageType = "heartbeat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Message is the envelope pushed to feed clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// PredictionEvent is published for every single prediction served.
type PredictionEvent struct {
	Source        string             `json:"source"`
	Class         string             `json:"class,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	Error         string             `json:"error,omitempty"`
	Cached        bool               `json:"cached,omitempty"`
}

type BatchEvent struct {
	Rows   int            `json:"rows"`
	Counts map[string]int `json:"counts,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type ReloadEvent struct {
	OK        bool   `json:"ok"`
	ModelFile string `json:"model_file,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ClientMessage is what a feed client may send: subscribe or unsubscribe
// to a message type. A client with no subscriptions receives everything.
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool
}

func (c *client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type outbound struct {
	kind    MessageType
	payload []byte
}

// HubStats summarizes feed activity.
type HubStats struct {
	ConnectedClients int64     `json:"connected_clients"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesDropped  int64     `json:"messages_dropped"`
	StartTime        time.Time `json:"start_time"`
}

// Hub fans prediction events out to websocket clients. One goroutine (Start)
// owns the client set; everything else talks to it over channels.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *Metrics
	heartbeat  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Int64
	sent      atomic.Int64
	dropped   atomic.Int64
	started   time.Time
}

type HubOption func(*Hub)

// WithAllowedOrigins restricts upgrades to the given origins; "*" allows all.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
}

func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithHeartbeat sets the heartbeat interval; zero disables heartbeats.
func WithHeartbeat(every time.Duration) HubOption {
	return func(h *Hub) {
		h.heartbeat = every
	}
}

func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:    logger.Named("hub"),
		heartbeat: 30 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	WithAllowedOrigins([]string{"*"})(h)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the hub loop until Stop is called.
func (h *Hub) Start() {
	defer close(h.done)
	defer h.logger.Info("websocket hub stopped")

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setConnected()
			h.logger.Debug("client connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setConnected()
				h.logger.Debug("client disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg.kind) {
					continue
				}
				select {
				case c.send <- msg.payload:
					h.sent.Add(1)
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
					h.dropped.Add(1)
					h.setConnected()
				}
			}

		case <-tick:
			h.Publish(Heartbeat, map[string]int64{"clients": h.connected.Load()})

		case <-h.ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.setConnected()
			return
		}
	}
}

// Stop ends Start and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()
}

// Done is closed once Start has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) setConnected() {
	h.connected.Store(int64(len(h.clients)))
	if h.metrics != nil {
		h.metrics.WebSocketClients.Set(float64(len(h.clients)))
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		id:            uuid.NewString(),
		subscriptions: make(map[MessageType]bool),
	}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// Publish queues a message of type t for every interested client. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Publish(t MessageType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("encode feed message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	envelope, err := json.Marshal(Message{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      payload,
		ID:        uuid.NewString(),
	})
	if err != nil {
		h.logger.Error("encode feed envelope", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{kind: t, payload: envelope}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(t)))
	}
}

func (h *Hub) PublishPrediction(event PredictionEvent) {
	h.Publish(PredictionMade, event)
}

func (h *Hub) PublishBatch(event BatchEvent) {
	h.Publish(BatchCompleted, event)
}

func (h *Hub) PublishReload(event ReloadEvent) {
	h.Publish(ModelReloaded, event)
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		ConnectedClients: h.connected.Load(),
		MessagesSent:     h.sent.Load(),
		MessagesDropped:  h.dropped.Load(),
		StartTime:        h.started,
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("websocket write failed", zap.String("client", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) handleClientMessage(c *client, msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	default:
		return
	}
	h.logger.Debug("client subscriptions changed", zap.String("client", c.id), zap.String(msg.Type, msg.Topic))
}
