// ABOUTME: Websocket stream of bus events for dashboards and gatekeeperctl watch
// ABOUTME: Optional ?type= filters select event types, slow readers miss events

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-gatekeeper/internal/events"
)

// eventWriteTimeout bounds a single websocket frame write.
const eventWriteTimeout = 5 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	types := parseEventTypes(r.URL.Query()["type"])

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			s.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	// CloseRead cancels ctx once the client goes away.
	ctx := ws.CloseRead(r.Context())
	ch, subID := s.bus.Subscribe(ctx, types...)
	s.logger.Debug("event stream opened", "sub_id", subID, "remote", r.RemoteAddr, "types", len(types))

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(ctx, ws, evt); err != nil {
				s.logger.Debug("event stream write failed", "sub_id", subID, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, evt events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, evt)
}

// parseEventTypes accepts repeated and comma separated type parameters.
func parseEventTypes(values []string) []events.Type {
	var types []events.Type
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
	}
	return types
}
