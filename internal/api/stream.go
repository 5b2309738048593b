package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	idleCeiling       = 5 * time.Minute
)

// streamLimiter bounds concurrent SSE subscriptions per caller so that
// runaway reconnect loops cannot exhaust server resources.
type streamLimiter struct {
	mu     sync.Mutex
	active map[string]int
	max    int
}

func newStreamLimiter(max int) *streamLimiter {
	return &streamLimiter{active: make(map[string]int), max: max}
}

// acquire reserves a stream slot for the caller. Callers without
// identity share the anonymous bucket.
func (l *streamLimiter) acquire(callerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[callerID] >= l.max {
		return false
	}
	l.active[callerID]++
	return true
}

func (l *streamLimiter) release(callerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[callerID]--
	if l.active[callerID] <= 0 {
		delete(l.active, callerID)
	}
}

// handleStreamEvents streams a cast's status transitions as SSE. The
// terminal event closes the stream; late subscribers receive the
// terminal status immediately, from the stored cast record when the
// broker no longer holds a topic for it.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetCast(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, CodeNotFound, "cast not found", nil)
			return
		}
		s.logger.Error("get cast for stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get cast", nil)
		return
	}

	callerID := "anonymous"
	if caller, ok := callerFromContext(r.Context()); ok {
		callerID = caller.ID
	}
	if !s.streams.acquire(callerID) {
		s.writeError(w, http.StatusTooManyRequests, CodeStreamLimit,
			"too many concurrent event streams for this caller", nil)
		return
	}
	defer s.streams.release(callerID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the cast finished between the existence check above
	// and this call: a closed topic replays its terminal event and
	// returns a closed channel.
	ch, unsub := s.casts.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	// A cast can be terminal with no retained broker event, most notably
	// one that finished before this process started. Serve the stored
	// terminal state directly so the subscriber is never left waiting for
	// an event that will not come. Reading the store after subscribing
	// closes the race with a cast finishing in between: a non-terminal
	// read here guarantees the terminal publish is still ahead of us.
	if cast, err := s.store.GetCast(r.Context(), id); err == nil && model.Terminal(cast.Status) {
		ev := terminalEvent(cast)
		if err := writeSSEEvent(w, eventName(ev), ev); err == nil && canFlush {
			flusher.Flush()
		}
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(idleCeiling)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, eventName(ev), ev); err != nil {
				return // Client gone.
			}
			if canFlush {
				flusher.Flush()
			}
			resetIdle(idle)
		case <-heartbeat.C:
			// Comment line per the SSE spec; keeps idle connections
			// distinguishable from dead ones.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-idle.C:
			s.logger.Info("closing idle event stream", "cast_id", id, "caller_id", callerID)
			return
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func resetIdle(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(idleCeiling)
}

// terminalEvent reconstructs the terminal status event from a stored cast.
func terminalEvent(c *model.Cast) model.StatusEvent {
	at := time.Now().UTC()
	if c.FinishedAt != nil {
		at = *c.FinishedAt
	}
	return model.StatusEvent{
		CastID:      c.ID,
		Status:      c.Status,
		Engine:      c.Engine,
		Fallback:    c.Fallback,
		Error:       c.Error,
		ArtifactKey: c.ArtifactKey,
		DurationMS:  c.DurationMS,
		CostCents:   c.CostCents,
		At:          at,
	}
}

// eventName maps a status event to its SSE event type.
func eventName(ev model.StatusEvent) string {
	switch {
	case ev.Status == model.StatusSucceeded:
		return "complete"
	case ev.Status == model.StatusFailed:
		return "error"
	case ev.Progress != "":
		return "progress"
	default:
		return "status"
	}
}

// writeSSEEvent writes one named SSE event with a JSON payload.
func writeSSEEvent(w http.ResponseWriter, eventType string, ev model.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
