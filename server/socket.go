package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xraph/tally/auth"
)

// wsConn adapts a websocket connection to session.Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(v)
}

// Close sends a normal close frame and releases the connection. Safe to
// call from any goroutine and more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // peer may be gone
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// handleSocket upgrades the request and runs a session on it until the
// client leaves. The credential comes from the "token" query parameter,
// or the Authorization header for clients that can set one.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("token")
	if credential == "" {
		credential, _ = auth.BearerToken(r) //nolint:errcheck // empty credential is rejected by the session
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	conn := &wsConn{ws: ws, writeTimeout: s.writeTimeout}
	if err := s.sessions.Serve(r.Context(), conn, credential); err != nil {
		s.logger.Debug("session ended with error", "remote", r.RemoteAddr, "error", err)
	}
}
