package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"askhuman/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	Addr   string // listen address (default: 127.0.0.1:8081)
	Path   string // WebSocket endpoint path (default: /ws)
	BotID  string // author id used for messages this process posts (default: askhuman)
	Logger *slog.Logger
}

// WebSocketChannel is a small self-hosted chat: clients join a chat room by
// id, every message gets a server assigned id, and a message with reply_to set
// is a thread reply.
type WebSocketChannel struct {
	addr   string
	path   string
	botID  string
	feed   domain.EventFeed
	logger *slog.Logger
	server *http.Server
	ready  atomic.Bool

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	userID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type    string `json:"type"` // "message" | "status" | "error"
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

var errWSNoClients = errors.New("no websocket client connected to chat")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local dev transport
	},
}

// NewWebSocketChannel creates a new WebSocket transport.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8081"
	}
	if cfg.BotID == "" {
		cfg.BotID = "askhuman"
	}
	return &WebSocketChannel{
		addr:    cfg.Addr,
		path:    cfg.Path,
		botID:   cfg.BotID,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Ready reports whether the server is listening.
func (ws *WebSocketChannel) Ready() bool { return ws.ready.Load() }

func (ws *WebSocketChannel) Mention(userID string) string {
	if userID == "" {
		return ""
	}
	return "@" + userID
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (ws *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	return mux
}

// Start begins the WebSocket server.
func (ws *WebSocketChannel) Start(ctx context.Context, feed domain.EventFeed) error {
	ws.feed = feed

	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	ws.server = &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "addr", ln.Addr().String(), "path", ws.path)
	ws.ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.ready.Store(false)
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		ws.ready.Store(false)
		return fmt.Errorf("websocket server: %w", err)
	}
}

// Send broadcasts text to every client in the destination chat.
func (ws *WebSocketChannel) Send(_ context.Context, destination, text string) (string, error) {
	msg := WSMessage{
		Type:    "message",
		ID:      newMessageID(),
		Content: text,
		ChatID:  destination,
		UserID:  ws.botID,
	}
	n, err := ws.broadcastToChat(destination, msg)
	if err != nil {
		return "", fmt.Errorf("websocket send: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", errWSNoClients, destination)
	}
	return msg.ID, nil
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	userID := r.URL.Query().Get("user_id")
	if chatID == "" || userID == "" {
		http.Error(w, "chat_id and user_id are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, chatID: chatID, userID: userID}
	clientID := fmt.Sprintf("%s-%s-%p", chatID, userID, conn)
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID, "user_id", userID)
	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID, UserID: userID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			client.send(WSMessage{Type: "error", Content: "invalid JSON"})
			continue
		}
		if wsMsg.Type != "message" {
			continue
		}

		// Identity comes from the connection, not the frame.
		wsMsg.ID = newMessageID()
		wsMsg.ChatID = chatID
		wsMsg.UserID = userID
		_, _ = ws.broadcastToChat(chatID, wsMsg)

		ws.feed.Publish(domain.InboundEvent{
			Transport:       "websocket",
			SourceID:        chatID,
			AuthorID:        userID,
			Text:            wsMsg.Content,
			MessageID:       wsMsg.ID,
			ParentMessageID: wsMsg.ReplyTo,
			SelfOriginated:  userID == ws.botID,
			Timestamp:       time.Now(),
		})
	}
}

// broadcastToChat writes msg to every client in the chat and returns how many
// writes succeeded.
func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()
	delivered := 0
	for _, client := range ws.clients {
		if client.chatID != chatID {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}

// newMessageID returns a time-ordered UUID string.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
