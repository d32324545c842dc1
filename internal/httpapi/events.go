package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/events"
)

// EventsHandler serves a process's progress events over SSE and WebSocket.
type EventsHandler struct {
	pub       *events.Publisher
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewEventsHandler(pub *events.Publisher, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{pub: pub, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers /events/sse and /events/ws on mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events/sse", h.handleSSE)
	mux.HandleFunc("/events/ws", h.handleWS)
}

// streamRequest is the query shared by both transports:
// ?types=A,B filters by event type, ?since=N replays held events with
// Seq >= N before going live. For SSE a Last-Event-ID header resumes after
// that event.
type streamRequest struct {
	types  map[string]struct{}
	since  uint64
	replay bool
}

func parseStreamRequest(r *http.Request) streamRequest {
	req := streamRequest{types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				req.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.since, req.replay = n+1, true
		}
	}
	if q := r.URL.Query().Get("since"); q != "" && !req.replay {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.since, req.replay = n, true
		}
	}
	return req
}

func (s streamRequest) wants(e events.Event) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[e.Type]
	return ok
}

func (h *EventsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.pub.Subscribe(256)
	defer h.pub.Unsubscribe(ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// next guards against sending an event twice when it is both replayed
	// and delivered live.
	var next uint64
	if req.replay {
		for _, ev := range h.pub.ReplaySince(req.since) {
			if req.wants(ev) {
				writeSSE(w, ev)
			}
			next = ev.Seq + 1
		}
		flusher.Flush()
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq < next || !req.wants(ev) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
