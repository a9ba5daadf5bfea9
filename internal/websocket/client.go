package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/squadnet/internal/domain"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// Must fire before the peer's read deadline lapses
	pingPeriod = (pongWait * 9) / 10

	// Inbound frames are single subscription commands, nothing bigger
	maxCommandSize = 1024
)

// Commands a gateway peer may send over the socket
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// Transport-level reply types, alongside the domain notice types
const (
	noticeSubscribed   = "subscribed"
	noticeUnsubscribed = "unsubscribed"
	noticePong         = "pong"
	noticeError        = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway connects from its own host; origin checks add nothing
		return true
	},
}

// command is an inbound subscription-management frame from the gateway.
type command struct {
	Action      string `json:"action"`
	CommunityID string `json:"community_id,omitempty"`
}

// Client is one gateway connection. The hub pushes marshalled
// notification frames onto send; the write pump drains them.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
	}
}

// readPump consumes subscription commands until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("gateway connection dropped", "client_id", c.id, "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(frame, &cmd); err != nil {
			c.replyError("malformed command")
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd command) {
	switch cmd.Action {
	case actionSubscribe:
		if cmd.CommunityID == "" {
			c.replyError("community_id required")
			return
		}
		c.hub.Subscribe(c, cmd.CommunityID)
		c.reply(domain.Notification{Type: noticeSubscribed, CommunityID: cmd.CommunityID, Timestamp: time.Now()})

	case actionUnsubscribe:
		if cmd.CommunityID == "" {
			return
		}
		c.hub.Unsubscribe(c, cmd.CommunityID)
		c.reply(domain.Notification{Type: noticeUnsubscribed, CommunityID: cmd.CommunityID, Timestamp: time.Now()})

	case actionPing:
		c.reply(domain.Notification{Type: noticePong, Timestamp: time.Now()})

	default:
		c.logger.Debug("unknown command", "client_id", c.id, "action", cmd.Action)
	}
}

// reply queues a direct notification for this client only. Best-effort:
// a client that cannot keep up loses replies before it loses the socket.
func (c *Client) reply(n domain.Notification) {
	frame, err := json.Marshal(n)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) replyError(reason string) {
	c.reply(domain.Notification{
		Type:      noticeError,
		Data:      map[string]string{"error": reason},
		Timestamp: time.Now(),
	})
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings. Exits when the hub closes the channel or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// ServeWs upgrades an HTTP request into a gateway subscriber connection.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Debug("gateway connected", "client_id", client.id)
}
