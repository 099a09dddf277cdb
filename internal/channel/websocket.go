package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/domain"
	"jobchat/internal/metrics"
	"jobchat/internal/notify"
	"jobchat/internal/presence"
	"jobchat/internal/session"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 64 << 10
	wsStreamBuf  = 128
)

// Frame is the JSON protocol for WebSocket communication.
//
// Inbound types: "open", "send", "typing", "close".
// Outbound types: "status", "conversation", "message", "message_status",
// "unread", "typing", "error".
type Frame struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Content        string               `json:"content,omitempty"`
	Attachments    []string             `json:"attachments,omitempty"`
	Typing         *bool                `json:"typing,omitempty"`
	PeerID         string               `json:"peer_id,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	Status         domain.MessageStatus `json:"status,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
	Unread         *notify.Update       `json:"unread,omitempty"`
}

// WSStore is the store surface a WebSocket session needs.
type WSStore interface {
	session.Store
	notify.UnreadSource
	domain.ParticipantLookup
}

// WebSocketConfig configures the WebSocket endpoint.
type WebSocketConfig struct {
	Store        WSStore
	Identity     domain.IdentityProvider // defaults to DirectoryIdentity over Store
	Bus          *bus.EventBus
	Presence     presence.Source
	Relay        *presence.Relay
	PollInterval time.Duration
	Logger       *slog.Logger
}

// WebSocket serves one viewer session per connection and streams that
// viewer's changes to it.
type WebSocket struct {
	cfg      WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	sess   *session.Session
	logger *slog.Logger
	mu     sync.Mutex
}

// NewWebSocket creates the endpoint. Mount it with API or any http mux.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == nil {
		cfg.Identity = DirectoryIdentity{Participants: cfg.Store}
	}
	return &WebSocket{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // viewer identity is header based
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until the client goes
// away or Close is called.
func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claim := r.Header.Get(HeaderViewer)
	if claim == "" {
		claim = r.URL.Query().Get("viewer")
	}
	who, err := ws.cfg.Identity.CurrentViewer(WithViewerID(r.Context(), claim))
	if err != nil {
		http.Error(w, `{"error":"unknown viewer"}`, http.StatusUnauthorized)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ws.logger.With("viewer", who.ID)
	sess := session.New(session.Config{
		Viewer:   who,
		Store:    ws.cfg.Store,
		Presence: ws.cfg.Presence,
		Relay:    ws.cfg.Relay,
		Unread:   ws.cfg.Store,
		Interval: ws.cfg.PollInterval,
		Bus:      ws.cfg.Bus,
		Logger:   ws.cfg.Logger,
	})
	client := &wsClient{conn: conn, sess: sess, logger: logger}

	if !ws.register(client) {
		conn.Close()
		return
	}
	metrics.WSConnections.Inc()
	logger.Info("websocket client connected")

	defer func() {
		ws.unregister(client)
		sess.Close()
		conn.Close()
		metrics.WSConnections.Dec()
		logger.Info("websocket client disconnected")
	}()

	unsubscribe := sess.SubscribeUnread(func(u notify.Update) {
		client.send(Frame{Type: "unread", Unread: &u})
	})
	defer unsubscribe()

	var stream *bus.Stream
	if ws.cfg.Bus != nil {
		stream = ws.cfg.Bus.Subscribe(wsStreamBuf, func(e bus.Event) bool {
			return e.Involves(who.ID) && forwarded(e.Type)
		})
		defer stream.Close()
	}

	client.send(Frame{Type: "status", Content: "connected"})
	sess.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.pump(ctx, stream)
	}()

	client.readLoop(ctx)
	cancel()
	wg.Wait()
}

func forwarded(eventType string) bool {
	switch eventType {
	case bus.EventMessageAppended, bus.EventMessageStatus, bus.EventTyping:
		return true
	}
	return false
}

// Connections returns the number of connected clients.
func (ws *WebSocket) Connections() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

// Close disconnects every client and rejects new ones.
func (ws *WebSocket) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.closed = true
	for c := range ws.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}

func (ws *WebSocket) register(c *wsClient) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return false
	}
	ws.clients[c] = struct{}{}
	return true
}

func (ws *WebSocket) unregister(c *wsClient) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.clients, c)
}

func (c *wsClient) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			c.send(Frame{Type: "error", Content: "invalid frame"})
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *wsClient) handle(ctx context.Context, in Frame) {
	switch in.Type {
	case "open":
		conv, err := c.sess.Open(ctx, in.ConversationID)
		if err != nil {
			c.sendError(in, err)
			return
		}
		c.send(Frame{Type: "conversation", ConversationID: conv.ID, Conversation: &conv})

	case "send":
		if in.ConversationID != "" && in.ConversationID != c.sess.Focused() {
			if _, err := c.sess.Open(ctx, in.ConversationID); err != nil {
				c.sendError(in, err)
				return
			}
		}
		// The appended message reaches the client through the event stream.
		if _, err := c.sess.Send(ctx, in.Content, in.Attachments); err != nil {
			c.sendError(in, err)
		}

	case "typing":
		c.sess.Typing(in.Typing != nil && *in.Typing)

	case "close":
		c.sess.Leave()

	default:
		c.send(Frame{Type: "error", Content: "unknown frame type " + in.Type})
	}
}

func (c *wsClient) sendError(in Frame, err error) {
	c.logger.Debug("websocket request failed", "type", in.Type, "conversation", in.ConversationID, "err", err)
	c.send(Frame{Type: "error", ConversationID: in.ConversationID, Content: err.Error()})
}

// pump forwards bus events and keeps the connection alive with pings.
func (c *wsClient) pump(ctx context.Context, stream *bus.Stream) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	var events <-chan bus.Event
	if stream != nil {
		events = stream.C()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.mu.Unlock()
			if err != nil {
				c.conn.Close()
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if f, ok := frameFor(e); ok {
				c.send(f)
			}
		}
	}
}

func frameFor(e bus.Event) (Frame, bool) {
	switch e.Type {
	case bus.EventMessageAppended:
		msg, ok := e.Payload[bus.KeyMessage].(domain.Message)
		if !ok {
			return Frame{}, false
		}
		return Frame{Type: "message", ConversationID: e.ConversationID, Message: &msg}, true
	case bus.EventMessageStatus:
		msg, ok := e.Payload[bus.KeyMessage].(domain.Message)
		if !ok {
			return Frame{}, false
		}
		return Frame{Type: "message_status", ConversationID: e.ConversationID, MessageID: msg.ID, Status: msg.Status}, true
	case bus.EventTyping:
		peer, _ := e.Payload[bus.KeyPeer].(string)
		typing, _ := e.Payload[bus.KeyTyping].(bool)
		return Frame{Type: "typing", ConversationID: e.ConversationID, PeerID: peer, Typing: &typing}, true
	}
	return Frame{}, false
}

func (c *wsClient) send(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("websocket frame marshal failed", "type", f.Type, "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("websocket write failed", "err", err)
	}
}
