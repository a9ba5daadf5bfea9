package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/squadnet/internal/domain"
)

// Hub fans notifications out to gateway subscribers. A subscriber follows
// one or more communities; notifications without a community go to all.
type Hub struct {
	// Registered clients by community ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan domain.Notification
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu sync.RWMutex

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client      *Client
	communityID string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan domain.Notification, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("notification hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("notification hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for communityID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, communityID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.communityID]; !ok {
				h.clients[req.communityID] = make(map[*Client]bool)
			}
			h.clients[req.communityID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "community_id", req.communityID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.communityID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.communityID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "community_id", req.communityID)

		case n := <-h.broadcast:
			h.fanOut(n)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// Notify queues a core notification for delivery to the community's
// subscribers. Non-blocking: a full broadcast channel drops the message,
// the transport is at-least-once end to end anyway.
func (h *Hub) Notify(n domain.Notification) {
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("broadcast channel full, dropping notification", "type", n.Type)
	}
}

// fanOut delivers a notification to its community's subscribers, or to
// everyone when it names no community. Notifications go over the wire
// as-is: the gateway receives the same plain payload the core emitted.
func (h *Hub) fanOut(n domain.Notification) {
	frame, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("failed to marshal notification", "type", n.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.allClients
	if n.CommunityID != "" {
		targets = h.clients[n.CommunityID]
	}
	for client := range targets {
		select {
		case client.send <- frame:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a community subscription
func (h *Hub) Subscribe(client *Client, communityID string) {
	h.subscribe <- &subscriptionRequest{client: client, communityID: communityID}
}

// Unsubscribe removes a client from a community subscription
func (h *Hub) Unsubscribe(client *Client, communityID string) {
	h.unsubscribe <- &subscriptionRequest{client: client, communityID: communityID}
}

// GetSubscriberCount returns the number of subscribers for a community
func (h *Hub) GetSubscriberCount(communityID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[communityID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
