package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/plugin"
	"github.com/kagan-dev/kagan/pkg/ipc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// conn is a single client connection. One connection may register
// multiple sessions; all of them are torn down on disconnect.
type conn struct {
	ws         *websocket.Conn
	dispatcher *Dispatcher
	registry   *SessionRegistry
	send       chan []byte
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]bool
}

func newConn(ws *websocket.Conn, dispatcher *Dispatcher, registry *SessionRegistry, log *logger.Logger) *conn {
	return &conn{
		ws:         ws,
		dispatcher: dispatcher,
		registry:   registry,
		send:       make(chan []byte, 256),
		logger:     log,
		sessions:   make(map[string]bool),
	}
}

// readPump pumps requests from the connection into the dispatcher.
func (c *conn) readPump(ctx context.Context) {
	defer func() {
		c.teardown()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var req ipc.CoreRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Error("failed to parse request", zap.Error(err))
			c.sendResponse(ipc.NewError("", ipc.CodeValidation, "invalid request format", nil))
			continue
		}

		c.handleRequest(ctx, &req)
	}
}

// handleRequest serves register/unregister on the connection itself and
// hands everything else to the dispatcher.
func (c *conn) handleRequest(ctx context.Context, req *ipc.CoreRequest) {
	if req.Capability == "host" {
		switch req.Method {
		case "register":
			c.handleRegister(req)
			return
		case "unregister":
			c.handleUnregister(req)
			return
		}
	}
	c.sendResponse(c.dispatcher.Dispatch(ctx, req))
}

func (c *conn) handleRegister(req *ipc.CoreRequest) {
	profileName, _ := req.Params["profile"].(string)
	profile, err := plugin.ParseProfile(profileName)
	if err != nil {
		c.sendResponse(ipc.NewError(req.ID, ipc.CodeValidation, err.Error(), nil))
		return
	}
	actorType, _ := req.Params["actor_type"].(string)
	if actorType == "" {
		actorType = "user"
	}
	actorID, _ := req.Params["actor_id"].(string)

	sess := c.registry.Register(profile, actorType, actorID)
	c.mu.Lock()
	c.sessions[sess.ID] = true
	c.mu.Unlock()

	resp, rerr := ipc.NewResult(req.ID, map[string]any{
		"session_id": sess.ID,
		"profile":    string(sess.Profile),
	})
	if rerr != nil {
		c.sendResponse(ipc.NewError(req.ID, ipc.CodeCoreInternalError, rerr.Error(), nil))
		return
	}
	c.sendResponse(resp)
}

func (c *conn) handleUnregister(req *ipc.CoreRequest) {
	c.mu.Lock()
	owned := c.sessions[req.SessionID]
	if owned {
		delete(c.sessions, req.SessionID)
	}
	c.mu.Unlock()

	if !owned {
		c.sendResponse(ipc.NewError(req.ID, ipc.CodeUnknownSession,
			fmt.Sprintf("unknown session: %s", req.SessionID), nil))
		return
	}
	c.registry.Unregister(req.SessionID)
	resp, err := ipc.NewResult(req.ID, map[string]any{"unregistered": true})
	if err != nil {
		return
	}
	c.sendResponse(resp)
}

// teardown unregisters every session the connection still owns.
func (c *conn) teardown() {
	c.mu.Lock()
	owned := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		owned = append(owned, id)
	}
	c.sessions = make(map[string]bool)
	c.mu.Unlock()

	for _, id := range owned {
		c.registry.Unregister(id)
	}
}

func (c *conn) sendResponse(resp *ipc.CoreResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal response", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// writePump pumps responses to the connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued responses
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
