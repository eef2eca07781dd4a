package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/cellcore/internal/infrastructure/config"
	"github.com/nerrad567/cellcore/internal/infrastructure/logging"
	"github.com/nerrad567/cellcore/internal/orchestrator"
	"github.com/nerrad567/cellcore/internal/tracker"
)

// Message types on the event socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// Event channels clients may subscribe to. AllEvents subscribes to every
// channel.
const (
	EventInspectionFinalized = "inspection.finalized"
	EventGateResult          = "gate.result"
	EventGateArmed           = "gate.armed"
	EventStepCompleted       = "step.completed"
	EventEmergencyStop       = "cell.estop"

	AllEvents = "*"
)

var eventChannels = []string{
	EventInspectionFinalized,
	EventGateResult,
	EventGateArmed,
	EventStepCompleted,
	EventEmergencyStop,
}

// WSMessage is a frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a frame received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub relays cell events to WebSocket clients. It is an
// orchestrator.Observer.
//
// A client that falls behind by more than its send buffer loses events
// rather than slowing the orchestrator; Dropped counts those.
type Hub struct {
	orchestrator.NopObserver

	cfg     config.WebSocketConfig
	logger  *logging.Logger
	dropped atomic.Uint64

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected socket.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

// The API listens on the cell network only.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHub returns a hub with defaults filled in for zero config values.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

func newWSClient(h *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled and then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("event client connected", "clients", n)
}

// Unregister removes a client and stops its writer. It is idempotent.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.shut()
	if ok {
		h.logger.Debug("event client disconnected", "clients", n)
	}
}

// Broadcast sends an event to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.isSubscribed(channel) && !c.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of events not delivered to a slow client.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shut()
	}
}

// FinalizedEvent is the payload of inspection.finalized.
type FinalizedEvent struct {
	Channel string `json:"channel"`
	Gated   bool   `json:"gated"`
	tracker.FinalizeEvent
}

// GateResultEvent is the payload of gate.result.
type GateResultEvent struct {
	Channel string `json:"channel"`
	IsGood  bool   `json:"is_good"`
}

// ArmedEvent is the payload of gate.armed.
type ArmedEvent struct {
	Channel string `json:"channel"`
	Armed   bool   `json:"armed"`
}

// StepEvent is the payload of step.completed.
type StepEvent struct {
	Resource   string `json:"resource"`
	Step       int    `json:"step"`
	DurationMS int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// EmergencyStopEvent is the payload of cell.estop.
type EmergencyStopEvent struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Finalized relays an inspection verdict.
func (h *Hub) Finalized(channel string, ev tracker.FinalizeEvent, gated bool) {
	h.Broadcast(EventInspectionFinalized, FinalizedEvent{Channel: channel, Gated: gated, FinalizeEvent: ev})
}

// GateResult relays a verdict forwarded to the PLC.
func (h *Hub) GateResult(channel string, isGood bool) {
	h.Broadcast(EventGateResult, GateResultEvent{Channel: channel, IsGood: isGood})
}

// Armed relays an arm request and whether it armed the gate.
func (h *Hub) Armed(channel string, armed bool) {
	h.Broadcast(EventGateArmed, ArmedEvent{Channel: channel, Armed: armed})
}

// StepFinished relays a completed step program.
func (h *Hub) StepFinished(resource string, step int, d time.Duration, err error) {
	h.Broadcast(EventStepCompleted, StepEvent{
		Resource:   resource,
		Step:       step,
		DurationMS: d.Milliseconds(),
		OK:         err == nil,
		Error:      errText(err),
	})
}

// EmergencyStopped relays an emergency stop.
func (h *Hub) EmergencyStopped(err error) {
	h.Broadcast(EventEmergencyStop, EmergencyStopEvent{OK: err == nil, Error: errText(err)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *WSClient) shut() {
	c.once.Do(func() { close(c.done) })
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is gone.
func (c *WSClient) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("event client read failed", "error", err)
			}
			return
		}
		// Browsers may not answer control pings; any frame counts.
		_ = extend()
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case data := <-c.send:
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(req)
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// handleSubscription applies a subscribe or unsubscribe. A request naming
// an unknown channel changes nothing.
func (c *WSClient) handleSubscription(req wsRequest) {
	var p WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &p) != nil || len(p.Channels) == 0 {
		c.sendError(req.ID, "payload must list channels")
		return
	}

	channels, unknown := expandChannels(p.Channels)
	if len(unknown) > 0 {
		c.sendError(req.ID, "unknown channels: "+strings.Join(unknown, ", "))
		return
	}

	c.mu.Lock()
	for _, ch := range channels {
		if req.Type == WSTypeSubscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if req.Type == WSTypeUnsubscribe {
		key = "unsubscribed"
	}
	c.sendResponse(req.ID, WSTypeResponse, map[string][]string{key: channels})
}

// expandChannels resolves AllEvents and splits out names that are not
// event channels.
func expandChannels(names []string) (channels, unknown []string) {
	for _, n := range names {
		switch {
		case n == AllEvents:
			channels = append(channels, eventChannels...)
		case slices.Contains(eventChannels, n):
			channels = append(channels, n)
		default:
			unknown = append(unknown, n)
		}
	}
	slices.Sort(channels)
	return slices.Compact(channels), unknown
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
