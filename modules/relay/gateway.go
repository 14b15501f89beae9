package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Gateway bridges long-lived SSE requests onto the manager. One request is
// one subscription; the subscription is released exactly once when the client
// goes away or the station's feed ends.
type Gateway struct {
	manager           *Manager
	logger            *slog.Logger
	keepaliveInterval time.Duration
}

func NewGateway(manager *Manager, logger *slog.Logger, keepaliveInterval time.Duration) *Gateway {
	if keepaliveInterval <= 0 {
		keepaliveInterval = defaultKeepaliveInterval
	}
	return &Gateway{
		manager:           manager,
		logger:            logger.With("component", "gateway"),
		keepaliveInterval: keepaliveInterval,
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

// MetadataStream handles GET /radio/metadata/stream?stationUuid=<id>&streamUrl=<url>.
func (g *Gateway) MetadataStream(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("stationUuid")
	streamURL := r.URL.Query().Get("streamUrl")
	if stationID == "" || streamURL == "" {
		http.Error(w, "stationUuid and streamUrl are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := g.manager.Subscribe(stationID, streamURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer g.manager.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, "connected", nil); err != nil {
		return
	}

	g.logger.Debug("client connected", "station", stationID, "subscriber", sub.ID)
	defer g.logger.Debug("client disconnected", "station", stationID, "subscriber", sub.ID)

	keepalive := time.NewTicker(g.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			if err := writeSSE(w, flusher, "keepalive", nil); err != nil {
				return
			}

		case ev, ok := <-sub.Events:
			if !ok {
				// Upstream is gone; end the response so the client's own
				// reconnect logic takes over.
				return
			}
			if err := g.writeEvent(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	switch ev.Type {
	case EventMetadata:
		payload, err := json.Marshal(ev.Metadata)
		if err != nil {
			return err
		}
		return writeSSE(w, flusher, "metadata", payload)

	case EventError:
		payload, err := json.Marshal(errorPayload{Message: ev.Message})
		if err != nil {
			return err
		}
		return writeSSE(w, flusher, "error", payload)

	default:
		return nil
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
