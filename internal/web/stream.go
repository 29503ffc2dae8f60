package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader allows any origin: the dashboard is meant to sit behind
// whatever network boundary ADMIN_DASHBOARD_ADDRESS is bound to, not
// behind browser-enforced CORS, mirroring the PoC-scoped CheckOrigin
// this pattern is grounded on.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRunStream upgrades the connection and forwards every
// events.Bus event whose run_id matches the path's {id} until the
// client disconnects or the request context is cancelled. One
// subscriber channel per connection; there is no fan-out hub because
// each connection only cares about its own run.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("web: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.bus == nil {
		return
	}

	ch := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if id, _ := e.Data["run_id"].(string); id != runID {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
