// WebSocket hub fanning replay events out to observers.

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/contest-engine/internal/instrument"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// HistorySource supplies the catch-up ticks sent to a client joining an
// instrument mid-session.
type HistorySource interface {
	History(instrument string) []model.Tick
}

// ClientMessage is a JSON message received from a WebSocket client.
type ClientMessage struct {
	Action     string `json:"action"` // "join" or "leave"
	Instrument string `json:"instrument"`
}

// WSHub manages WebSocket connections. Market-wide events go to every
// client; per-instrument events only to clients that joined the instrument.
// Publishing never blocks: each client has a bounded mailbox and the oldest
// message is dropped when it is full.
type WSHub struct {
	mailboxSize int
	history     HistorySource

	clients    map[*wsClient]bool
	subs       map[string]int // instrument → subscribed clients
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(mailboxSize int) *WSHub {
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	return &WSHub{
		mailboxSize: mailboxSize,
		clients:     make(map[*wsClient]bool),
		subs:        make(map[string]int),
		register:    make(chan *wsClient),
		unregister:  make(chan *wsClient),
	}
}

// WithHistory sets the catch-up source used when a client joins.
func (h *WSHub) WithHistory(src HistorySource) *WSHub {
	h.history = src
	return h
}

// Run starts the hub's main event loop until ctx is cancelled. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case c := <-h.unregister:
			h.remove(c)

		case <-ctx.Done():
			h.mu.Lock()
			clients := make([]*wsClient, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.Unlock()
			for _, c := range clients {
				h.remove(c)
			}
			return
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for instr := range c.instruments {
		h.decSub(instr)
	}
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	metrics.WebSocketClients.Set(float64(total))
	slog.Info("ws client disconnected", "total", total)
}

// decSub must be called with mu held.
func (h *WSHub) decSub(instr string) {
	if h.subs[instr] <= 1 {
		delete(h.subs, instr)
		return
	}
	h.subs[instr]--
}

// Publish enqueues event for every interested client.
func (h *WSHub) Publish(event model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("ws event marshal failed", "type", event.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if event.Instrument == "" || c.instruments[event.Instrument] {
			c.enqueue(data)
		}
	}
}

// HasSubscribers reports whether any client joined instrument.
func (h *WSHub) HasSubscribers(instr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subs[instr] > 0
}

// ConnectedClients returns the number of connected clients.
func (h *WSHub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActiveInstruments returns the number of instruments with subscribers.
func (h *WSHub) ActiveInstruments() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *WSHub) join(c *wsClient, instr string) {
	h.mu.Lock()
	if !c.instruments[instr] {
		c.instruments[instr] = true
		h.subs[instr]++
	}
	h.mu.Unlock()

	if h.history == nil {
		return
	}
	ticks := h.history.History(instr)
	if ticks == nil {
		ticks = []model.Tick{}
	}
	data, err := json.Marshal(model.Event{
		Type:       model.EventHistorical,
		Instrument: instr,
		Data:       model.HistoricalData{Instrument: instr, Ticks: ticks},
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (h *WSHub) leave(c *wsClient, instr string) {
	h.mu.Lock()
	if c.instruments[instr] {
		delete(c.instruments, instr)
		h.decSub(instr)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:        conn,
		mailbox:     make(chan []byte, h.mailboxSize),
		done:        make(chan struct{}),
		instruments: make(map[string]bool),
	}
	h.register <- c

	go c.writePump()

	// Read pump: handle join/leave and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-c.done:
			}
		}()
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleMessage(c, data)
		}
	}()
}

func (h *WSHub) handleMessage(c *wsClient, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message")
		return
	}
	instr, err := instrument.NormalizeSymbol(msg.Instrument)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	switch msg.Action {
	case "join":
		h.join(c, instr)
	case "leave":
		h.leave(c, instr)
	default:
		c.sendError("unknown action: " + msg.Action)
	}
}

// wsClient is one connection. instruments is guarded by the hub's mu.
type wsClient struct {
	conn        *websocket.Conn
	instruments map[string]bool

	mu      sync.Mutex // serializes enqueue so drop-oldest is exact
	mailbox chan []byte
	done    chan struct{}
	closed  bool
}

// enqueue adds data to the mailbox, dropping the oldest message when full.
func (c *wsClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.mailbox <- data:
			return
		default:
		}
		select {
		case <-c.mailbox:
			metrics.EventsDropped.Inc()
		default:
		}
	}
}

func (c *wsClient) sendError(msg string) {
	data, _ := json.Marshal(model.Event{Type: "error", Data: msg})
	c.enqueue(data)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.conn.Close()
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump() {
	// Ping ticker to keep connection alive through proxies.
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.mailbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
