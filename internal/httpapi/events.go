package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docservice"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 10 * time.Second

// eventFrame is one websocket message. The first frame is always "ready" so
// a client knows the subscription is live before it triggers work.
type eventFrame struct {
	Kind  string            `json:"kind"`
	DocID string            `json:"docId"`
	Event *docservice.Event `json:"event,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn().Err(err).Str("docId", docID).Str("correlationId", correlationID).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	// Client frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.svc.Notifier().Subscribe(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("docId", docID).Msg("subscribe failed")
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	if err := s.writeFrame(ctx, conn, eventFrame{Kind: "ready", DocID: docID}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "notifier closed")
				return
			}
			if ev.DocID != docID || (ev.Tenant != "" && ev.Tenant != s.svc.Tenant()) {
				continue
			}
			if err := s.writeFrame(ctx, conn, eventFrame{Kind: "event", DocID: docID, Event: &ev}); err != nil {
				s.logger.Debug().Err(err).Str("docId", docID).Msg("websocket write failed")
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame eventFrame) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
