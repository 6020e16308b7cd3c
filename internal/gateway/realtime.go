package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/syntrixbase/contextdb/internal/contextdb"
	"github.com/syntrixbase/contextdb/internal/tree"
	"github.com/syntrixbase/contextdb/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Message types
const (
	TypeSnapshot = "snapshot"
	TypeChange   = "change"
	TypePush     = "push"
	TypeSince    = "since"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Message is the envelope of every websocket message.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PushPayload (client -> server) is a local edit of the context.
type PushPayload struct {
	Document model.Document `json:"document"`
	Matcher  string         `json:"matcher,omitempty"`
	Source   string         `json:"source,omitempty"`
}

// SincePayload (client -> server) asks for the changes since a time in
// epoch milliseconds.
type SincePayload struct {
	Since int64 `json:"since"`
}

// SnapshotPayload (server -> client) is the tree right after generation.
type SnapshotPayload struct {
	ContextID string                 `json:"contextId"`
	Data      map[string]interface{} `json:"data"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := s.cfg.Realtime.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || slices.Contains(allowed, origin)
		},
	}
}

// handleRealtime generates a context from the query parameters, sends its
// snapshot and streams its changes until either side goes away.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	var q ContextQuery
	if err := decodeQuery(&q, r); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return
	}
	c, err := s.db.Generate(r.Context(), contextdb.GenerateOptions{
		Data:        paramsFromQuery(r.URL.Query()),
		MatcherRefs: q.Matchers,
	})
	if err != nil {
		writeDBError(w, s.logger, err)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		c.Destroy()
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &client{
		server: s,
		ctx:    c,
		conn:   conn,
		send:   make(chan Message, s.cfg.Realtime.SendBuffer),
		done:   make(chan struct{}),
		logger: s.logger.With("context", c.ID()),
	}
	// The snapshot goes out first; changes racing with it are queued behind.
	client.mu.Lock()
	client.cancel = c.OnChange(func(change tree.Change) {
		client.mu.Lock()
		defer client.mu.Unlock()
		client.enqueue(Message{Type: TypeChange, Payload: mustMarshal(toChangeMessage(change))})
	})
	client.enqueue(Message{Type: TypeSnapshot, Payload: mustMarshal(SnapshotPayload{ContextID: c.ID(), Data: c.Snapshot()})})
	client.mu.Unlock()
	client.logger.Info("Realtime connection established", "matchers", q.Matchers)

	go client.writePump()
	go client.readPump()
	go func() {
		select {
		case <-c.Done():
			client.close()
		case <-client.done:
		}
	}()
}

// client couples one websocket connection with one context.
type client struct {
	server *Server
	ctx    *contextdb.Context
	conn   *websocket.Conn
	logger *slog.Logger

	// Buffered channel of outbound messages.
	send   chan Message
	done   chan struct{}
	cancel func()

	mu        sync.Mutex // orders the snapshot before changes
	closeOnce sync.Once
}

// enqueue queues msg without blocking. A peer that cannot keep up is
// disconnected.
func (c *client) enqueue(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Warn("Realtime client too slow, disconnecting")
		c.close()
	}
}

// close tears the connection and its context down exactly once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		c.ctx.Destroy()
		c.conn.Close()
		c.logger.Info("Realtime connection closed")
	})
}

// readPump pumps messages from the websocket connection to the context.
// All reads happen on this goroutine.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(c.server.cfg.Realtime.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Realtime connection closed unexpectedly", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reject("", "invalid message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *client) handleMessage(msg Message) {
	switch msg.Type {
	case TypePush:
		var payload PushPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.reject(msg.ID, "invalid push payload")
			return
		}
		info := contextdb.ChangeInfo{Source: payload.Source, Matcher: payload.Matcher}
		if err := c.ctx.PushChange(payload.Document, info); err != nil {
			c.reject(msg.ID, err.Error())
			return
		}
	case TypeSince:
		var payload SincePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.reject(msg.ID, "invalid since payload")
			return
		}
		if err := c.ctx.EmitChangesSince(context.Background(), payload.Since); err != nil {
			c.reject(msg.ID, err.Error())
			return
		}
	default:
		c.reject(msg.ID, "unknown message type "+msg.Type)
		return
	}
	c.enqueue(Message{ID: msg.ID, Type: TypeAck})
}

func (c *client) reject(id, message string) {
	c.enqueue(Message{ID: id, Type: TypeError, Payload: mustMarshal(APIError{Code: ErrCodeBadRequest, Message: message})})
}

// writePump pumps queued messages to the websocket connection. All writes
// happen on this goroutine.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
