// Package notify publishes run lifecycle messages to NATS JetStream so
// external consumers (chat bots, dashboards, downstream automation) can react
// to CI outcomes without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

const (
	defaultStream  = "CONVEYOR_RUNS"
	defaultSubject = "conveyor.runs"
	publishTimeout = 5 * time.Second
)

// Config selects the NATS server and stream layout.
type Config struct {
	URL     string // NATS server URL, e.g. nats://localhost:4222
	Stream  string // JetStream stream name, defaults to CONVEYOR_RUNS
	Subject string // subject prefix, defaults to conveyor.runs
	MaxAge  time.Duration
}

// RunMessage is the JSON body published for each run transition.
type RunMessage struct {
	RunID      string    `json:"run_id"`
	Project    string    `json:"project"`
	Workflow   string    `json:"workflow,omitempty"`
	State      string    `json:"state"`
	Trigger    string    `json:"trigger,omitempty"`
	Ref        string    `json:"ref,omitempty"`
	SHA        string    `json:"sha,omitempty"`
	Version    string    `json:"version,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Time       time.Time `json:"time"`
}

// Notifier publishes run transitions as an engine sink. Publish failures are
// logged and never fail a run; notifications are best effort.
type Notifier struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// New connects to NATS and ensures the run stream exists.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.ConfigError("nats url not set").Build()
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("conveyor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, errors.NetworkError("failed to connect to NATS").
			WithContext(logfields.KeyURL, cfg.URL).
			WithCause(err).
			Build()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.NetworkError("failed to create JetStream context").
			WithCause(err).
			Build()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Conveyor run lifecycle notifications",
		Subjects:    []string{cfg.Subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, errors.NetworkError("failed to ensure notification stream").
			WithContext("stream", cfg.Stream).
			WithCause(err).
			Build()
	}

	logger.Info("notifications enabled",
		logfields.URL(cfg.URL),
		slog.String("stream", cfg.Stream),
		slog.String("subject", cfg.Subject+".>"))

	return &Notifier{conn: conn, js: js, prefix: cfg.Subject, logger: logger}, nil
}

func (n *Notifier) RunStarted(ctx context.Context, run *engine.Run) {
	n.publish(ctx, run, string(engine.RunRunning))
}

func (n *Notifier) JobStarted(ctx context.Context, run *engine.Run, job string) {}

func (n *Notifier) JobFinished(ctx context.Context, run *engine.Run, job *engine.JobResult) {}

func (n *Notifier) RunFinished(ctx context.Context, run *engine.Run) {
	n.publish(ctx, run, string(run.State))
}

// publish sends one transition to conveyor.runs.<project>.<state>.
func (n *Notifier) publish(ctx context.Context, run *engine.Run, state string) {
	msg := RunMessage{
		RunID:      run.ID,
		Project:    run.Project,
		Workflow:   run.Workflow,
		State:      state,
		Trigger:    string(run.Event.Kind),
		Ref:        run.Event.Ref,
		SHA:        run.Event.SHA,
		Version:    run.Version,
		DurationMS: run.Duration().Milliseconds(),
		Time:       time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("failed to marshal run notification",
			logfields.RunID(run.ID), logfields.Error(err))
		return
	}

	subject := n.prefix + "." + SubjectToken(run.Project) + "." + state
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		n.logger.Warn("failed to publish run notification",
			logfields.RunID(run.ID),
			slog.String("subject", subject),
			logfields.Error(err))
		return
	}

	n.logger.Debug("published run notification",
		logfields.RunID(run.ID),
		slog.String("subject", subject),
		logfields.State(state))
}

// Close drains the connection.
func (n *Notifier) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

// SubjectToken turns a project name into a single valid NATS subject token.
// Dots, wildcards and whitespace would otherwise change the subject
// hierarchy.
func SubjectToken(name string) string {
	if name == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
