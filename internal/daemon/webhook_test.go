package daemon

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
)

const (
	webhookTestSecret = "s3cret-token"
	pushBody          = `{"ref":"refs/heads/main","after":"a1b2c3d4e5f60718293a4b5c6d7e8f9012345678","repository":{"full_name":"org/demo"}}`
)

type stubSubmitter struct {
	mu       sync.Mutex
	calls    int
	project  string
	ev       event.Event
	source   string
	priority Priority
	err      error
}

func (s *stubSubmitter) Submit(_ context.Context, project string, ev event.Event, source string, priority Priority) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.project, s.ev, s.source, s.priority = project, ev, source, priority
	if s.err != nil {
		return "", s.err
	}
	return "run-123", nil
}

func testWebhookHandler(sub Submitter) *WebhookHandler {
	lookup := func(name string) (config.ProjectConfig, bool) {
		if name != "demo" {
			return config.ProjectConfig{}, false
		}
		return config.ProjectConfig{
			Name:          "demo",
			URL:           "https://forge.example/org/demo.git",
			WebhookSecret: config.Secret(webhookTestSecret),
		}, true
	}
	return NewWebhookHandler(lookup, sub, nil, nil)
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/hooks/demo", strings.NewReader(body))
	req.Header.Set("X-Forgejo-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(body, webhookTestSecret))
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestWebhookAcceptsSignedPush(t *testing.T) {
	sub := &stubSubmitter{}
	h := testWebhookHandler(sub)

	rec := httptest.NewRecorder()
	h.Handle(rec, pushRequest(pushBody), "demo")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["run_id"]; got != "run-123" {
		t.Errorf("expected run_id run-123, got %q", got)
	}
	if sub.calls != 1 {
		t.Fatalf("expected 1 submission, got %d", sub.calls)
	}
	if sub.project != "demo" || sub.source != "webhook" || sub.priority != PriorityWebhook {
		t.Errorf("unexpected submission: project=%s source=%s priority=%v", sub.project, sub.source, sub.priority)
	}
	if sub.ev.Kind != event.KindPush {
		t.Errorf("expected push event, got %s", sub.ev.Kind)
	}
	if sub.ev.SHA != "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678" {
		t.Errorf("unexpected SHA %s", sub.ev.SHA)
	}
	if sub.ev.Repo != "org/demo" {
		t.Errorf("unexpected repo %s", sub.ev.Repo)
	}
}

func TestWebhookTagPushBecomesTagEvent(t *testing.T) {
	sub := &stubSubmitter{}
	h := testWebhookHandler(sub)
	body := `{"ref":"refs/tags/v1.2.0","after":"a1b2c3d4e5f60718293a4b5c6d7e8f9012345678","repository":{"full_name":"org/demo"}}`

	rec := httptest.NewRecorder()
	h.Handle(rec, pushRequest(body), "demo")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if sub.ev.Kind != event.KindTag {
		t.Errorf("expected tag event, got %s", sub.ev.Kind)
	}
	if sub.ev.Tag != "v1.2.0" {
		t.Errorf("expected tag v1.2.0, got %q", sub.ev.Tag)
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	sub := &stubSubmitter{}
	h := testWebhookHandler(sub)

	req := httptest.NewRequest(http.MethodPost, "/hooks/demo", strings.NewReader(pushBody))
	req.Header.Set("X-Forgejo-Event", "push")

	rec := httptest.NewRecorder()
	h.Handle(rec, req, "demo")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if sub.calls != 0 {
		t.Error("unsigned delivery must not submit a run")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	sub := &stubSubmitter{}
	h := testWebhookHandler(sub)

	req := httptest.NewRequest(http.MethodPost, "/hooks/demo", strings.NewReader(pushBody))
	req.Header.Set("X-Forgejo-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(pushBody, "wrong-secret"))

	rec := httptest.NewRecorder()
	h.Handle(rec, req, "demo")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if sub.calls != 0 {
		t.Error("tampered delivery must not submit a run")
	}
}

func TestWebhookRejectsProjectWithoutSecret(t *testing.T) {
	sub := &stubSubmitter{}
	lookup := func(string) (config.ProjectConfig, bool) {
		return config.ProjectConfig{Name: "open", URL: "https://forge.example/open.git"}, true
	}
	h := NewWebhookHandler(lookup, sub, nil, nil)

	rec := httptest.NewRecorder()
	h.Handle(rec, pushRequest(pushBody), "open")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if sub.calls != 0 {
		t.Error("project without secret must not accept deliveries")
	}
}

func TestWebhookRejectsUnknownProject(t *testing.T) {
	h := testWebhookHandler(&stubSubmitter{})

	rec := httptest.NewRecorder()
	h.Handle(rec, pushRequest(pushBody), "ghost")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	h := testWebhookHandler(&stubSubmitter{})

	req := httptest.NewRequest(http.MethodGet, "/hooks/demo", nil)
	rec := httptest.NewRecorder()
	h.Handle(rec, req, "demo")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestWebhookIgnoresNonPushEvents(t *testing.T) {
	sub := &stubSubmitter{}
	h := testWebhookHandler(sub)

	body := `{"zen":"keep it logically awesome"}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/demo", strings.NewReader(body))
	req.Header.Set("X-Forgejo-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", sign(body, webhookTestSecret))

	rec := httptest.NewRecorder()
	h.Handle(rec, req, "demo")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ignored" {
		t.Errorf("expected ignored status, got %q", got)
	}
	if sub.calls != 0 {
		t.Error("ping delivery must not submit a run")
	}
}

func TestWebhookIgnoresRefDeletion(t *testing.T) {
	sub := &stubSubmitter{}
	h := testWebhookHandler(sub)

	body := `{"ref":"refs/heads/gone","after":"0000000000000000000000000000000000000000","deleted":true}`
	rec := httptest.NewRecorder()
	h.Handle(rec, pushRequest(body), "demo")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sub.calls != 0 {
		t.Error("ref deletion must not submit a run")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	h := testWebhookHandler(&stubSubmitter{})

	for name, body := range map[string]string{
		"invalid json": `{"ref": `,
		"missing ref":  `{"after":"a1b2c3d4e5f60718293a4b5c6d7e8f9012345678"}`,
	} {
		rec := httptest.NewRecorder()
		h.Handle(rec, pushRequest(body), "demo")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestWebhookQueueRejectionIsServiceUnavailable(t *testing.T) {
	sub := &stubSubmitter{err: errors.DaemonError("run queue is full").Build()}
	h := testWebhookHandler(sub)

	rec := httptest.NewRecorder()
	h.Handle(rec, pushRequest(pushBody), "demo")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEventHeaderPrecedence(t *testing.T) {
	h := http.Header{}
	h.Set("X-GitHub-Event", "push")
	if got := eventHeader(h); got != "push" {
		t.Errorf("expected push, got %q", got)
	}
	h.Set("X-Forgejo-Event", "Release")
	if got := eventHeader(h); got != "release" {
		t.Errorf("expected lowercased forgejo header, got %q", got)
	}
	if got := eventHeader(http.Header{}); got != "" {
		t.Errorf("expected empty for no headers, got %q", got)
	}
}
