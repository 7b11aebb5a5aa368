package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/conveyor/internal/daemon/events"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/runstore"
	"git.home.luguber.info/inful/conveyor/internal/summary"
)

const sseHeartbeat = 30 * time.Second

// runEventDTO is one entry of a run's persisted event log.
type runEventDTO struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// runDetail is the GET /runs/{id} body: projected summary plus the full
// event log the summary was folded from.
type runDetail struct {
	Run    *runstore.RunSummary `json:"run"`
	Events []runEventDTO        `json:"events"`
}

// handleListRuns serves run history, optionally scoped to one project.
// Queued and executing runs come first, newest first, followed by settled
// history; ?limit bounds the whole response.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, errors.ValidationError("limit must be a non-negative integer").Build())
			return
		}
		limit = n
	}

	project := r.URL.Query().Get("project")
	history := s.daemon.History()

	active := history.Active()
	runs := make([]*runstore.RunSummary, 0, len(active))
	for i := len(active) - 1; i >= 0; i-- {
		if project != "" && active[i].Project != project {
			continue
		}
		runs = append(runs, active[i])
	}
	if project != "" {
		runs = append(runs, history.ByProject(project, limit)...)
	} else {
		runs = append(runs, history.Recent(limit)...)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	s.writeData(w, http.StatusOK, runs)
}

// handleGetRun serves one run. Browsers asking for text/html get the
// rendered run summary once the run has settled; everything else gets the
// JSON detail.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, ok := s.daemon.History().Get(runID)
	if !ok {
		s.writeError(w, r, errors.NotFoundError("no such run").
			WithContext(logfields.KeyRunID, runID).Build())
		return
	}

	if wantsHTML(r) {
		s.serveRunSummary(w, r, run)
		return
	}

	evs, err := s.daemon.Store().RunEvents(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail := runDetail{Run: run, Events: make([]runEventDTO, 0, len(evs))}
	for _, ev := range evs {
		detail.Events = append(detail.Events, runEventDTO{
			ID:        ev.ID(),
			Type:      ev.Type(),
			Timestamp: ev.Timestamp(),
			Payload:   json.RawMessage(ev.Payload()),
		})
	}
	s.writeData(w, http.StatusOK, detail)
}

func (s *Server) serveRunSummary(w http.ResponseWriter, r *http.Request, run *runstore.RunSummary) {
	if run.SummaryPath == "" {
		s.writeError(w, r, errors.NotFoundError("run summary not rendered yet").
			WithContext(logfields.KeyRunID, run.RunID).Build())
		return
	}
	md, err := os.ReadFile(run.SummaryPath)
	if err != nil {
		s.writeError(w, r, errors.NotFoundError("run summary file is gone").
			WithContext(logfields.KeyRunID, run.RunID).
			WithCause(err).Build())
		return
	}
	html, err := summary.RenderHTML(md)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(html)
}

// handleRunEvents streams a run's lifecycle as server-sent events. For
// settled runs a single snapshot event is sent and the stream closes;
// otherwise the stream follows the bus until the run finishes or the
// client disconnects.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.InternalError("response writer does not support streaming").Build())
		return
	}

	// Subscribe before the terminal check so a run finishing in between
	// is seen one way or the other.
	ch, unsubscribe := events.Subscribe[events.RunEvent](s.daemon.Events(), 16)
	defer unsubscribe()

	run, found := s.daemon.History().Get(runID)
	if !found {
		s.writeError(w, r, errors.NotFoundError("no such run").
			WithContext(logfields.KeyRunID, runID).Build())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"run_id": runID})
	flusher.Flush()

	if run.Terminal() {
		writeSSE(w, "finished", run)
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.EventRunID() != runID {
				continue
			}
			writeSSE(w, ev.EventName(), ev)
			flusher.Flush()
			if _, terminal := ev.(events.RunFinished); terminal {
				return
			}
		}
	}
}

// writeSSE emits one named server-sent event with a JSON payload.
func writeSSE(w io.Writer, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
