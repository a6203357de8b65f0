package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"countryvpn/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only local pages may subscribe; requests without an Origin header are
	// not from a browser.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLoopbackOrigin(origin)
	},
}

// WebSocketManager streams bus events to websocket clients as JSON.
type WebSocketManager struct {
	bus    *events.Bus
	logger *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool
}

type wsClient struct {
	conn         *websocket.Conn
	send         chan []byte
	events       <-chan events.Event
	filterServer string
	done         chan struct{}
	closeOnce    sync.Once
}

// NewWebSocketManager creates a manager publishing events from bus.
func NewWebSocketManager(bus *events.Bus, logger *zap.SugaredLogger) *WebSocketManager {
	return &WebSocketManager{
		bus:     bus,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// HandleWebSocket upgrades the request. The optional "server" query
// parameter restricts the stream to events of that server id.
func (m *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warnw("Failed to upgrade websocket connection", "error", err)
		return
	}

	client := &wsClient{
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		events:       m.bus.SubscribeAll(),
		filterServer: r.URL.Query().Get("server"),
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.bus.UnsubscribeAll(client.events)
		conn.Close()
		return
	}
	m.clients[client] = struct{}{}
	total := len(m.clients)
	m.mu.Unlock()
	m.logger.Debugw("Websocket client registered", "total_clients", total)

	go m.writePump(client)
	go m.readPump(client)
	go m.eventPump(client)
}

// ActiveConnections returns the number of connected clients.
func (m *WebSocketManager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop disconnects every client. Later upgrades are closed immediately.
func (m *WebSocketManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	clients := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		m.disconnect(c)
	}
}

func (m *WebSocketManager) disconnect(c *wsClient) {
	c.closeOnce.Do(func() {
		close(c.done)
		m.bus.UnsubscribeAll(c.events)
		c.conn.Close()

		m.mu.Lock()
		delete(m.clients, c)
		total := len(m.clients)
		m.mu.Unlock()
		m.logger.Debugw("Websocket client unregistered", "total_clients", total)
	})
}

// readPump only handles pongs and notices the peer going away.
func (m *WebSocketManager) readPump(c *wsClient) {
	defer m.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debugw("Websocket read error", "error", err)
			}
			return
		}
	}
}

func (m *WebSocketManager) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.disconnect(c)
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (m *WebSocketManager) eventPump(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.events:
			if !ok {
				// bus closed
				m.disconnect(c)
				return
			}
			if c.filterServer != "" && ev.ServerID != c.filterServer {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				m.logger.Warnw("Failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			select {
			case c.send <- data:
			default:
				m.logger.Warnw("Websocket send buffer full, dropping event", "type", ev.Type)
			}
		}
	}
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
