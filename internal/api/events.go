package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/job"
)

const (
	keepaliveInterval = 15 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

// TypeSnapshot is the first websocket message: the job record at connect time.
const TypeSnapshot = "snapshot"

type EventsHandler struct {
	bus      *events.Bus
	jobs     JobService
	upgrader websocket.Upgrader
}

func NewEventsHandler(bus *events.Bus, jobs JobService) *EventsHandler {
	return &EventsHandler{
		bus:  bus,
		jobs: jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS middleware and bearer auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// StreamEvents opens an SSE connection and pushes filtered events.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "event streaming not available")
		return
	}

	filter := events.Filter{
		Types:  QueryStringList(r, "types"),
		JobIDs: QueryStringList(r, "job_id"),
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.bus.Subscribe(filter)
	defer cancel()
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	replayed := make(map[string]bool)
	if lastEventID != "" {
		for _, e := range h.bus.ReplaySince(lastEventID, filter) {
			writeSSE(w, e)
			replayed[e.ID] = true
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event := <-ch:
			if replayed[event.ID] {
				continue
			}
			writeSSE(w, event)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}

// JobSocket streams one job over a websocket: a snapshot first, then every
// event for the job. The server closes the socket once the job is terminal.
func (h *EventsHandler) JobSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		writeJobError(w, err)
		return
	}

	var (
		ch     <-chan events.Event
		cancel = func() {}
	)
	if h.bus != nil {
		ch, cancel = h.bus.Subscribe(events.Filter{JobIDs: []string{id}})
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	log := hlog.FromRequest(r).With().Str("job_id", id).Logger()
	log.Info().Msg("websocket client connected")

	// Read pump: handles pongs and detects the client going away.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	// Snapshot after subscribing so no transition falls in the gap.
	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		return
	}
	if err := writeWS(conn, snapshotEvent(j)); err != nil {
		return
	}
	if j.Status.Terminal() {
		closeWS(conn, "job finished")
		return
	}

	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Info().Msg("websocket client disconnected")
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			if err := writeWS(conn, e); err != nil {
				return
			}
			if e.Type == events.TypeJob && job.Status(e.SubType).Terminal() {
				closeWS(conn, "job finished")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func snapshotEvent(j job.Job) events.Event {
	data, _ := json.Marshal(j)
	return events.Event{
		Type:      TypeSnapshot,
		SubType:   string(j.Status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		JobID:     j.ID,
		Data:      data,
	}
}

func writeWS(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}

func closeWS(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
	r.Get("/jobs/{id}/ws", h.JobSocket)
}
