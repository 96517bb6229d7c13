package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const (
	eventsSubscriberBuffer = 64
	eventsWriteTimeout     = 10 * time.Second
	eventsPingInterval     = 30 * time.Second
)

// handleEventsWebsocket streams engine notifications to a websocket client
// until the client goes away. ?source= limits the feed to one source.
func (s *Server) handleEventsWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Notifier == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "live events are not enabled", getCorrelationID(r))
		return
	}
	source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))

	// subscribe before the handshake completes so nothing published after the
	// client connects is missed
	notifications, cancel := s.cfg.Notifier.Subscribe(eventsSubscriberBuffer)
	defer cancel()

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.CORSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.CORSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	// the feed is write-only; CloseRead handles control frames and cancels
	// ctx once the peer disconnects
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, eventsWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case n, ok := <-notifications:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "notifier closed")
				return
			}
			if source != "" && n.Source != source {
				continue
			}
			if err := writeNotification(ctx, conn, n); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n mirror.Notification) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, n)
}
