package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"workbench/internal/async"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebSocket streams workbench events to one observer. The first frame
// is a snapshot of all artifacts.
func (s *Server) handleWebSocket(c *gin.Context) {
	hub := s.coord.Hub()
	if hub == nil {
		respondError(c, http.StatusServiceUnavailable, "event feed disabled")
		return
	}
	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsubscribe := hub.Subscribe(s.cfg.EventBuffer)
	defer unsubscribe()

	// The read side only detects the peer going away.
	closed := make(chan struct{})
	async.Go(s.logger, "server.ws.read", func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	if err := writeFrame(conn, WebSocketMessage{Type: "snapshot", Data: s.artifacts(), Timestamp: time.Now()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(conn, WebSocketMessage{Type: ev.EventType(), Data: ev, Timestamp: time.Now()}); err != nil {
				s.logger.Debug("websocket write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg WebSocketMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
