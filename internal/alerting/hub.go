package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HubConfig tunes the WebSocket push channel.
type HubConfig struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DefaultHubConfig returns sane socket timeouts.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		SendBuffer:   16,
	}
}

type client struct {
	wallet    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans notifications out to WebSocket subscribers of each wallet.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub builds an empty hub. An empty origin list accepts any origin.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	d := DefaultHubConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}

	h := &Hub{
		cfg:     cfg,
		logger:  logger.With().Str("component", "alert_hub").Logger(),
		clients: make(map[string]map[*client]struct{}),
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
	return h
}

// ServeWS upgrades the request and subscribes the socket to wallet.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, wallet string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	c := &client{
		wallet: wallet,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)
	go h.writeLoop(c)
	go h.readLoop(c)
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.wallet]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.wallet] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Str("wallet", c.wallet).Msg("subscriber connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.wallet]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.wallet)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readLoop only services control frames; clients are not expected to talk.
func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer h.unregister(c)

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Str("wallet", c.wallet).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Notify queues note for every subscriber of its wallet. Slow subscribers
// whose buffer is full are disconnected.
func (h *Hub) Notify(ctx context.Context, note Notification) error {
	msg, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal websocket payload: %w", err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[note.WalletKey]))
	for c := range h.clients[note.WalletKey] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn().Str("wallet", c.wallet).Msg("subscriber too slow; disconnecting")
			h.unregister(c)
		}
	}
	return nil
}

// Subscribers counts live sockets for wallet.
func (h *Hub) Subscribers(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[wallet])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}

var _ Notifier = (*Hub)(nil)
