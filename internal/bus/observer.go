package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

const (
	// DefaultObserverPort is the default port for the WebSocket observer.
	DefaultObserverPort = 8765

	// WebSocketEndpoint is the path for WebSocket connections.
	WebSocketEndpoint = "/events"

	// HealthEndpoint is the path for health checks.
	HealthEndpoint = "/health"

	// writeWait is the timeout for writing to a WebSocket.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often to send ping frames.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound client messages.
	maxMessageSize = 512
)

// Observer is a WebSocket server that broadcasts every bus event to
// connected clients, with optional history replay on connect.
type Observer struct {
	bus      *Bus
	log      zerolog.Logger
	port     int
	upgrader websocket.Upgrader
	server   *http.Server

	clients    map[*client]bool
	clientsMu  sync.RWMutex
	register   chan *client
	unregister chan *client

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	replayHistory bool
	historyCount  int
}

// ObserverConfig configures the WebSocket observer.
type ObserverConfig struct {
	Port          int
	ReplayHistory bool
	HistoryCount  int
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Port:          DefaultObserverPort,
		ReplayHistory: true,
		HistoryCount:  100,
	}
}

// NewObserver creates a WebSocket observer attached to the given bus.
func NewObserver(b *Bus, config ObserverConfig) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	port := config.Port
	if port == 0 {
		port = DefaultObserverPort
	}

	return &Observer{
		bus:  b,
		log:  logging.Component("observer"),
		port: port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins serving WebSocket clients.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("observer already running")
	}
	o.running = true
	o.runningMu.Unlock()

	o.bus.Subscribe("*", "*", o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, o.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, o.handleHealth)

	o.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.port),
		Handler: mux,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.log.Info().Int("port", o.port).Msg("observer listening")
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("observer server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the observer.
func (o *Observer) Stop() error {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return nil
	}
	o.running = false
	o.runningMu.Unlock()

	o.cancel()

	o.clientsMu.Lock()
	for c := range o.clients {
		close(c.send)
		delete(o.clients, c)
	}
	o.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("observer shutdown: %w", err)
	}

	o.wg.Wait()
	return nil
}

// ClientCount returns the number of connected clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

func (o *Observer) runClientManager() {
	defer o.wg.Done()

	for {
		select {
		case c := <-o.register:
			o.clientsMu.Lock()
			o.clients[c] = true
			total := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("clients", total).Msg("client connected")

			if c.replayHistory {
				o.replayHistory(c)
			}

		case c := <-o.unregister:
			o.clientsMu.Lock()
			if _, ok := o.clients[c]; ok {
				delete(o.clients, c)
				close(c.send)
				c.conn.Close()
			}
			remaining := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("clients", remaining).Msg("client disconnected")

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) replayHistory(c *client) {
	for _, ev := range o.bus.History(c.historyCount) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

func (o *Observer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		fmt.Sscanf(n, "%d", &count)
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, 256),
		replayHistory: replay,
		historyCount:  count,
	}

	o.register <- c

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

func (o *Observer) writePump(c *client) {
	defer o.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything else already queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) readPump(c *client) {
	defer o.wg.Done()
	defer func() {
		select {
		case o.unregister <- c:
		case <-o.ctx.Done():
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.log.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
	}
}

func (o *Observer) handleBusEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		o.log.Warn().Err(err).Msg("marshal event for broadcast")
		return
	}

	o.clientsMu.RLock()
	clients := make([]*client, 0, len(o.clients))
	for c := range o.clients {
		clients = append(clients, c)
	}
	o.clientsMu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			select {
			case o.unregister <- c:
			default:
			}
		}
	}
}

func (o *Observer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status        string `json:"status"`
		Service       string `json:"service"`
		Port          int    `json:"port"`
		Clients       int    `json:"clients"`
		Subscriptions int    `json:"subscriptions"`
		HistorySize   int    `json:"history_size"`
		DroppedEvents uint64 `json:"dropped_events"`
	}{
		Status:        "healthy",
		Service:       "overseer-observer",
		Port:          o.port,
		Clients:       o.ClientCount(),
		Subscriptions: o.bus.SubscriptionCount(),
		HistorySize:   len(o.bus.History(0)),
		DroppedEvents: o.bus.Dropped(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
