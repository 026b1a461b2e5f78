package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/sheetgate/internal/sheetgate"
)

const (
	watchBuffer       = 32
	watchWriteTimeout = 5 * time.Second
	watchPingInterval = 30 * time.Second
)

// handleWatch streams invalidation events for one source until the client
// goes away. Events dropped for a slow client are not replayed; clients
// refetch the batch on reconnect.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, sourceID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("sheetgate http: websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.gateway.Subscribe(watchBuffer)
	defer cancel()

	// Reading is required to observe client closes and control frames.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(watchPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "gateway closed")
				return
			}
			if evt.SourceID != sourceID {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, watchWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt sheetgate.InvalidationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
