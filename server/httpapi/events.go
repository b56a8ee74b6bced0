package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/coursedesk/triage/logger"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents upgrades the connection to a websocket and streams change
// events until the client disconnects. Slow clients miss events rather than
// stalling the engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warnf("[HTTPAPI] websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	events, cancel := s.engine.Feed().Subscribe()
	defer cancel()

	ctx := r.Context()
	logger.Debug("[HTTPAPI] events subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				logger.Debug("[HTTPAPI] events subscriber gone", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
