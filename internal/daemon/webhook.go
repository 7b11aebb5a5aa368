package daemon

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
)

// maxWebhookBody bounds how much payload a forge may deliver. Push events
// with thousands of commits stay far below this.
const maxWebhookBody = 1 << 20

// zeroSHA is what forges send as `after` when a ref was deleted.
const zeroSHA = "0000000000000000000000000000000000000000"

// Submitter accepts runs into the daemon. *Daemon implements it.
type Submitter interface {
	Submit(ctx context.Context, project string, ev event.Event, source string, priority Priority) (string, error)
}

// WebhookHandler converts forge push deliveries into queued runs. It is
// mounted by the API router under the configured webhook path.
type WebhookHandler struct {
	lookup   func(name string) (config.ProjectConfig, bool)
	submit   Submitter
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewWebhookHandler creates a handler resolving projects through lookup.
func NewWebhookHandler(lookup func(string) (config.ProjectConfig, bool), submit Submitter, recorder metrics.Recorder, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		lookup:   lookup,
		submit:   submit,
		recorder: metrics.OrNoop(recorder),
		logger:   logger,
	}
}

// pushPayload is the subset of a push delivery conveyor reads. Gitea,
// Forgejo, and GitHub all carry these fields.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Handle processes one delivery for the named project. The router extracts
// the project from the URL.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request, project string) {
	if r.Method != http.MethodPost {
		h.reject(w, http.StatusMethodNotAllowed, "webhooks must be POSTed")
		return
	}

	proj, ok := h.lookup(project)
	if !ok {
		h.reject(w, http.StatusNotFound, "unknown project")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "failed to read payload")
		return
	}
	if len(body) > maxWebhookBody {
		h.reject(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	// A project without a secret gets no webhook surface at all. Accepting
	// unsigned pushes would let anyone who can reach the listener run jobs.
	if !proj.WebhookSecret.IsSet() {
		h.reject(w, http.StatusUnauthorized, "webhook secret not configured")
		return
	}
	if !verifySignature(body, r.Header.Get("X-Hub-Signature-256"), proj.WebhookSecret.Value()) {
		h.logger.Warn("webhook signature rejected",
			logfields.Project(project),
			logfields.RemoteAddr(r.RemoteAddr))
		h.reject(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	kind := eventHeader(r.Header)
	if kind != "push" {
		h.ignore(w, project, "unsupported event type: "+kind)
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.reject(w, http.StatusBadRequest, "invalid push payload")
		return
	}
	if payload.Ref == "" {
		h.reject(w, http.StatusBadRequest, "push payload carries no ref")
		return
	}
	if payload.Deleted || payload.After == "" || payload.After == zeroSHA {
		h.ignore(w, project, "ref deletion")
		return
	}

	ev := event.FromRef(payload.Ref, payload.After)
	ev.Repo = payload.Repository.FullName

	runID, err := h.submit.Submit(r.Context(), project, ev, "webhook", PriorityWebhook)
	if err != nil {
		h.recorder.IncWebhookRequest("rejected")
		h.logger.Error("webhook run submission failed",
			logfields.Project(project),
			logfields.Error(err))
		h.reject(w, http.StatusServiceUnavailable, "run not accepted: "+err.Error())
		return
	}

	h.recorder.IncWebhookRequest("accepted")
	h.logger.Info("webhook accepted",
		logfields.Project(project),
		logfields.RunID(runID),
		logfields.Ref(ev.Ref),
		logfields.SHA(ev.SHA))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

// reject writes an error response and counts the delivery as rejected.
func (h *WebhookHandler) reject(w http.ResponseWriter, status int, msg string) {
	h.recorder.IncWebhookRequest("rejected")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ignore acknowledges a delivery conveyor deliberately does nothing with.
// Forges treat non-2xx as delivery failures and alert, so these are 200s.
func (h *WebhookHandler) ignore(w http.ResponseWriter, project, reason string) {
	h.recorder.IncWebhookRequest("ignored")
	h.logger.Debug("webhook ignored", logfields.Project(project), slog.String("reason", reason))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ignored", "reason": reason})
}

// eventHeader returns the delivery's event type. Forgejo and Gitea send
// their own headers; GitHub-compatible senders use X-GitHub-Event.
func eventHeader(h http.Header) string {
	for _, name := range []string{"X-Forgejo-Event", "X-Gitea-Event", "X-GitHub-Event"} {
		if v := h.Get(name); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}

// verifySignature checks the GitHub-style sha256=<hex> HMAC over the raw
// payload.
func verifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	calc := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(calc))
}
