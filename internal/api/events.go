package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
)

// handleStreamRunEvents streams a run's progress as server-sent events. The
// transitions already in the ledger are replayed first, then live events
// follow until the run finishes. The stream ends with a done event carrying
// the final run record.
func (s *Server) handleStreamRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Subscribe before reading the ledger so no transition falls between the
	// two; duplicates are skipped below.
	var live <-chan runner.RunEvent
	if !model.IsTerminalRunState(run.State) {
		ch, unsub := s.deps.Events.Subscribe(id)
		defer unsub()
		live = ch
	}

	history, err := s.deps.Store.ListRunTransitions(r.Context(), id)
	if err != nil {
		s.logger.Error("list run transitions", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	stream := &eventStream{w: w, rc: rc, sent: make(map[string]bool)}
	if err := stream.replay(history); err != nil {
		return
	}

	if live != nil {
	loop:
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					break loop
				}
				if err := stream.send(ev); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}

		// Pick up any transition dropped while the subscriber was behind.
		history, err = s.deps.Store.ListRunTransitions(r.Context(), id)
		if err != nil {
			s.logger.Error("list run transitions", "run_id", id, "error", err)
			return
		}
		if err := stream.replay(history); err != nil {
			return
		}
		if run, err = s.deps.Store.GetRun(r.Context(), id); err != nil {
			s.logger.Error("get run for events", "run_id", id, "error", err)
			return
		}
	}

	_ = stream.write("done", run)
}

// eventStream writes SSE events, sending each state at most once.
type eventStream struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	sent map[string]bool
}

func (e *eventStream) replay(history []model.RunTransition) error {
	for _, t := range history {
		if err := e.send(runner.TransitionEvent(t)); err != nil {
			return err
		}
	}
	return nil
}

func (e *eventStream) send(ev runner.RunEvent) error {
	if ev.Type == runner.EventState {
		if e.sent[ev.State] {
			return nil
		}
		e.sent[ev.State] = true
	}
	return e.write(ev.Type, ev)
}

// write sends v as one named event with a single-line JSON data field.
func (e *eventStream) write(eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
