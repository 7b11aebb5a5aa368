package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyProject    = "project"
	KeyWorkflow   = "workflow"
	KeyJob        = "job"
	KeyInstance   = "instance"
	KeyStep       = "step"
	KeyTrigger    = "trigger"
	KeyRef        = "ref"
	KeySHA        = "sha"
	KeyVersion    = "version"
	KeyState      = "state"
	KeyArtifact   = "artifact"
	KeyDurationMS = "duration_ms"
	KeyScheduleID = "schedule_id"
	KeyRepo       = "repository"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyWorker     = "worker"
	KeyMethod     = "method"
	KeyURL        = "url"
	KeyStatus     = "status"
	KeyResponseSz = "response_size"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
	KeyRequestID  = "request_id"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Project(p string) slog.Attr      { return slog.String(KeyProject, p) }
func Workflow(w string) slog.Attr     { return slog.String(KeyWorkflow, w) }
func Job(name string) slog.Attr       { return slog.String(KeyJob, name) }
func Instance(id string) slog.Attr    { return slog.String(KeyInstance, id) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Trigger(t string) slog.Attr      { return slog.String(KeyTrigger, t) }
func Ref(r string) slog.Attr          { return slog.String(KeyRef, r) }
func SHA(s string) slog.Attr          { return slog.String(KeySHA, s) }
func Version(v string) slog.Attr      { return slog.String(KeyVersion, v) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Artifact(name string) slog.Attr  { return slog.String(KeyArtifact, name) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func ScheduleID(id string) slog.Attr  { return slog.String(KeyScheduleID, id) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func File(f string) slog.Attr         { return slog.String(KeyFile, f) }
func Worker(w string) slog.Attr       { return slog.String(KeyWorker, w) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Status(code int) slog.Attr       { return slog.Int(KeyStatus, code) }
func ResponseSize(n int) slog.Attr    { return slog.Int(KeyResponseSz, n) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func RequestID(id string) slog.Attr   { return slog.String(KeyRequestID, id) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
