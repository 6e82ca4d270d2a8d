package sse

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/toolsgateway/toolsgw/infrastructure/logging"
)

// ServeHTTP streams events to one subscriber as text/event-stream until the
// client disconnects or the hub shuts down. The caller is responsible for
// any authn/authz before routing here.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := uuid.NewString()
	events, closed, cancel := h.Subscribe(subID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-closed:
			if ok {
				writeCloseComment(w, flusher, reason)
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := MarshalData(ev)
	if err != nil {
		return err
	}
	if ev.Name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeCloseComment(w http.ResponseWriter, flusher http.Flusher, reason DisconnectReason) {
	fmt.Fprintf(w, ": closing (%s)\n\n", reason)
	flusher.Flush()
}

// wsUpgrader is shared across connections; CheckOrigin is left to the
// caller's surrounding auth middleware, which already validates the
// session before routing here.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket mirrors ServeHTTP over a WebSocket connection instead of
// SSE, for clients that prefer a single bidirectional socket (spec.md §6's
// optional low-traffic live-tail duplicate stream). It never reads
// messages from the client beyond the initial handshake.
func (h *Hub) ServeWebSocket(logger *logging.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if logger != nil {
			logger.WithField("error", err.Error()).Warn("sse websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	events, closed, cancel := h.Subscribe(subID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-closed:
			if ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(1011, string(reason)),
					time.Now().Add(time.Second))
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := MarshalData(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
