// internal/mcp/websocket.go
package mcp

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod      = (pongWait * 9) / 10
	sendChannelSize = 64
)

// sameOrigin accepts non-browser clients (no Origin header) and pages served
// from the same host as the server.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// wsClient is one WebSocket connection. Each text frame is a JSON-RPC
// message; responses go out through send so only writePump touches the
// connection for writes.
type wsClient struct {
	srv    *Server
	logger *zap.Logger
	conn   *websocket.Conn
	send   chan []byte
	wg     sync.WaitGroup
}

func (t *HTTPTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		t.logger.Warn("Failed to upgrade connection to WebSocket.", zap.Error(err))
		return
	}
	t.logger.Info("WebSocket client connected.", zap.String("client", clientIP(r)))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c := &wsClient{
		srv:    t.srv,
		logger: t.logger,
		conn:   conn,
		send:   make(chan []byte, sendChannelSize),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()

	c.readPump(ctx)
	cancel()
	c.wg.Wait()
	<-done
	t.logger.Info("WebSocket client disconnected.", zap.String("client", clientIP(r)))
}

func (c *wsClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Failed to set initial read deadline.", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.logger.Warn("WebSocket closed unexpectedly.", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		// Handled off the read loop so pongs and close frames are still seen
		// during long tool calls.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			resp := c.srv.HandleMessage(ctx, msg)
			if resp == nil {
				return
			}
			select {
			case c.send <- resp:
			case <-ctx.Done():
			}
		}()
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.srv.logWriteError("websocket", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.srv.logWriteError("websocket", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Failed to send ping; dropping client.", zap.Error(err))
				return
			}
		}
	}
}
