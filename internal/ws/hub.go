// Package ws serves live subscriptions over WebSocket. Every connection marks
// its principal online, open connections keep refreshing lastSeen and the
// last connection to close marks the principal offline.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_broker/internal/auth"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
	"chat_broker/internal/presence"
	"chat_broker/internal/typing"
)

const (
	presenceTimeout        = 5 * time.Second
	defaultPresenceRefresh = 15 * time.Second
)

type Hub struct {
	// Registered clients: PrincipalID -> ConnID -> Client
	clients map[string]map[uuid.UUID]*Client

	Register   chan *Client
	Unregister chan *Client

	// PresenceRefresh is how often connected principals get their lastSeen
	// refreshed. It must stay below the presence staleness timeout.
	PresenceRefresh time.Duration

	engine   *fanout.Engine
	presence *presence.Registry
	typing   *typing.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx  context.Context
	done chan struct{}
}

func NewHub(engine *fanout.Engine, registry *presence.Registry, typingStore *typing.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:         make(map[string]map[uuid.UUID]*Client),
		Register:        make(chan *Client),
		Unregister:      make(chan *Client),
		PresenceRefresh: defaultPresenceRefresh,
		engine:          engine,
		presence:        registry,
		typing:          typingStore,
		logger:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:  context.Background(),
		done: make(chan struct{}),
	}
}

// Run owns the client registry until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.done)

	var refresh <-chan time.Time
	if h.PresenceRefresh > 0 {
		ticker := time.NewTicker(h.PresenceRefresh)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				var last *Client
				for _, c := range conns {
					c.shutdown()
					last = c
				}
				if last != nil {
					h.offline(last)
				}
			}
			h.clients = make(map[string]map[uuid.UUID]*Client)
			return nil

		case client := <-h.Register:
			conns, ok := h.clients[client.Principal.ID]
			if !ok {
				conns = make(map[uuid.UUID]*Client)
				h.clients[client.Principal.ID] = conns
			}
			h.online(client)
			conns[client.ConnID] = client
			metrics.WSConnectionsActive.Inc()
			h.logger.Info("client registered", "principal", client.Principal.ID, "conn", client.ConnID)

		case client := <-h.Unregister:
			conns, ok := h.clients[client.Principal.ID]
			if !ok {
				continue
			}
			if _, ok := conns[client.ConnID]; !ok {
				continue
			}
			delete(conns, client.ConnID)
			client.shutdown()
			metrics.WSConnectionsActive.Dec()
			if len(conns) == 0 {
				delete(h.clients, client.Principal.ID)
				h.offline(client)
			}
			h.logger.Info("client unregistered", "principal", client.Principal.ID, "conn", client.ConnID)

		case <-refresh:
			for _, conns := range h.clients {
				for _, c := range conns {
					h.online(c)
					break
				}
			}
		}
	}
}

// online marks the principal online and refreshes its lastSeen.
func (h *Hub) online(c *Client) {
	ctx, cancel := context.WithTimeout(h.ctx, presenceTimeout)
	defer cancel()
	if _, err := h.presence.UpsertPresence(ctx, c.Principal.ID, c.Principal.Name, "", true); err != nil {
		h.logger.Warn("failed to mark principal online", "principal", c.Principal.ID, "error", err)
	}
}

// offline clears the principal's typing signal and marks it offline after
// its last connection closed.
func (h *Hub) offline(c *Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), presenceTimeout)
	defer cancel()
	if err := h.typing.ClearTyping(ctx, c.Principal.ID); err != nil {
		h.logger.Warn("failed to clear typing", "principal", c.Principal.ID, "error", err)
	}
	if err := h.presence.MarkOffline(ctx, c.Principal.ID); err != nil {
		h.logger.Warn("failed to mark principal offline", "principal", c.Principal.ID, "error", err)
	}
}

// ServeHTTP upgrades an authenticated request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.ID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}

	client := newClient(h, conn, p)
	select {
	case h.Register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
