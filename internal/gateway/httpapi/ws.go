package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/events"
)

// EventsSubprotocol is the websocket subprotocol offered on /v1/runs/{id}/events.
const EventsSubprotocol = "kodo-events-v1"

// handleEvents upgrades GET /v1/runs/{id}/events to a websocket and writes
// one JSON event per text message. The server closes the connection after
// the run's terminal event.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if len(g.config.APIKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if g.lookupKey(token) == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	id := runIDFromEventsPath(r.URL.Path)
	if _, err := g.runs.Status(r.Context(), id); err != nil {
		if errors.Is(err, dispatch.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{EventsSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send; CloseRead cancels ctx once the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	sub := g.broker.Subscribe(ctx, id)
	defer sub.Close()

	write := func(ev events.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				g.logger.Warn("event stream write failed",
					slog.String("run_id", id),
					slog.String("error", err.Error()),
				)
			}
			return false
		}
		return true
	}

	rec, err := g.runs.Status(ctx, id)
	if err != nil {
		return
	}
	if rec.Status.Terminal() {
		write(finalEvent(rec))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok || !write(ev) || ev.Terminal() {
				return
			}
		}
	}
}

// runIDFromEventsPath extracts {id} from /v1/runs/{id}/events.
func runIDFromEventsPath(path string) string {
	path = strings.TrimPrefix(path, "/v1/runs/")
	return strings.TrimSuffix(path, "/events")
}
