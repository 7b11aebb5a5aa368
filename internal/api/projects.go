package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/conveyor/internal/daemon"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
)

// projectDTO is the public view of a configured project. Secret material
// never leaves the config package.
type projectDTO struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Ref      string `json:"ref"`
	Workflow string `json:"workflow"`
	Webhook  bool   `json:"webhook"`
}

// dispatchRequest is the optional POST body of a manual dispatch. Both
// fields fall back to the project's configured ref and its tip.
type dispatchRequest struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	defaults := s.daemon.Config().Defaults
	configured := s.daemon.Projects()

	projects := make([]projectDTO, 0, len(configured))
	for _, pc := range configured {
		projects = append(projects, projectDTO{
			Name:     pc.Name,
			URL:      pc.URL,
			Ref:      pc.Ref,
			Workflow: pc.WorkflowPath(defaults),
			Webhook:  pc.WebhookSecret.IsSet(),
		})
	}
	s.writeData(w, http.StatusOK, projects)
}

// handleDispatch queues a manual run for a project. The body is optional;
// an empty one runs the configured ref at its current tip.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req dispatchRequest
	if err := decodeDispatch(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ev := event.NewManualEvent(req.Ref, req.SHA)
	runID, err := s.daemon.Submit(r.Context(), name, ev, "manual", daemon.PriorityManual)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func decodeDispatch(body io.Reader, req *dispatchRequest) error {
	data, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return errors.ValidationError("failed to read dispatch body").WithCause(err).Build()
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, req); err != nil {
		return errors.ValidationError("dispatch body is not valid JSON").WithCause(err).Build()
	}
	return nil
}
