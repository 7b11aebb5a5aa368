// Package publish uploads built distributions to a package index using
// the twine-compatible legacy upload API.
package publish

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/retry"
)

// Credentials authenticate against the index. Token is the password of
// HTTP basic auth; token-based indexes use a fixed username like
// "__token__".
type Credentials struct {
	Username string
	Token    string
}

// Request is one publish invocation.
type Request struct {
	IndexURL     string
	Files        []string
	Credentials  Credentials
	SkipExisting bool
}

// Outcome is the per-file result class.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// FileResult records what happened to one file.
type FileResult struct {
	File    string  `json:"file"`
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

// Report summarizes a publish request for the run summary.
type Report struct {
	IndexURL  string       `json:"index_url"`
	Attempted int          `json:"attempted"`
	Published int          `json:"published"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Results   []FileResult `json:"results"`
}

// uploadResponse is what one HTTP attempt produced. 5xx responses never
// get here; they surface as errors so the breaker and retry loop see them.
type uploadResponse struct {
	Status int
	Body   string
}

// transientError marks a retryable transport failure.
type transientError struct {
	status int
	cause  error
}

func (e *transientError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return fmt.Sprintf("index returned HTTP %d", e.status)
}

func (e *transientError) Unwrap() error { return e.cause }

// Publisher uploads distributions. A circuit breaker shared across files
// keeps a dead index from eating the full retry budget of every file.
type Publisher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*uploadResponse]
	policy  retry.Policy
	logger  *slog.Logger
}

// NewPublisher builds a publisher with the given retry policy.
func NewPublisher(logger *slog.Logger, policy retry.Policy) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "package-index",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}
	return &Publisher{
		client:  &http.Client{Timeout: 60 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*uploadResponse](settings),
		policy:  policy,
		logger:  logger,
	}
}

// Publish uploads every file in req. Credentials are verified before any
// network traffic: a missing token must fail the deploy without touching
// the index. Auth rejections abort immediately; transport failures retry
// per policy and leave the remaining files to proceed.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Report, error) {
	if req.Credentials.Username == "" || req.Credentials.Token == "" {
		return nil, errors.AuthError("package index credentials missing").
			WithContext("index", req.IndexURL).Build()
	}
	if req.IndexURL == "" {
		return nil, errors.ValidationError("package index URL missing").Build()
	}
	if len(req.Files) == 0 {
		return nil, errors.ValidationError("nothing to publish").Build()
	}

	report := &Report{IndexURL: req.IndexURL}
	for _, file := range req.Files {
		report.Attempted++
		result, err := p.publishFile(ctx, req, file)
		report.Results = append(report.Results, result)
		switch result.Outcome {
		case OutcomePublished:
			report.Published++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeFailed:
			report.Failed++
		}
		if err != nil && errors.HasCategory(err, errors.CategoryAuth) {
			// Credentials are wrong for every remaining file too.
			return report, err
		}
	}

	if report.Failed > 0 {
		return report, errors.PublishError("some uploads failed").
			WithContext("index", req.IndexURL).
			WithContext("failed", fmt.Sprintf("%d/%d", report.Failed, report.Attempted)).
			Build()
	}
	return report, nil
}

func (p *Publisher) publishFile(ctx context.Context, req Request, file string) (FileResult, error) {
	result := FileResult{File: filepath.Base(file)}

	dist, err := ParseDist(file)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Message = err.Error()
		return result, err
	}
	result.Name = dist.Name
	result.Version = dist.Version

	data, err := os.ReadFile(file)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Message = "unreadable file"
		return result, errors.PublishError("failed to read distribution").
			WithContext(logfields.KeyFile, file).WithCause(err).Build()
	}

	resp, err := p.uploadWithRetry(ctx, req, dist, filepath.Base(file), data)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Message = err.Error()
		return result, err
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		result.Outcome = OutcomePublished
		p.logger.Info("published distribution",
			logfields.File(result.File),
			logfields.Version(dist.Version),
			logfields.Status(resp.Status))
		return result, nil
	case resp.Status == http.StatusBadRequest || resp.Status == http.StatusConflict:
		if req.SkipExisting {
			result.Outcome = OutcomeSkipped
			result.Message = fmt.Sprintf("already on index (HTTP %d)", resp.Status)
			p.logger.Info("skipped existing distribution",
				logfields.File(result.File),
				logfields.Status(resp.Status))
			return result, nil
		}
		result.Outcome = OutcomeFailed
		result.Message = fmt.Sprintf("HTTP %d: %s", resp.Status, snippet(resp.Body))
		return result, errors.NewError(errors.CategoryAlreadyExists, "distribution already on index").
			Fatal().
			WithContext(logfields.KeyFile, result.File).
			WithContext(logfields.KeyStatus, resp.Status).
			Build()
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		result.Outcome = OutcomeFailed
		result.Message = fmt.Sprintf("auth rejected (HTTP %d)", resp.Status)
		return result, errors.AuthError("package index rejected credentials").
			WithContext("index", req.IndexURL).
			WithContext(logfields.KeyStatus, resp.Status).
			Build()
	default:
		result.Outcome = OutcomeFailed
		result.Message = fmt.Sprintf("HTTP %d: %s", resp.Status, snippet(resp.Body))
		return result, errors.PublishError("unexpected index response").
			WithContext(logfields.KeyFile, result.File).
			WithContext(logfields.KeyStatus, resp.Status).
			Build()
	}
}

// uploadWithRetry drives attempts through the breaker until success, a
// non-transient response, exhausted retries, or context cancellation.
func (p *Publisher) uploadWithRetry(ctx context.Context, req Request, dist Dist, filename string, data []byte) (*uploadResponse, error) {
	attempt := 0
	for {
		resp, err := p.breaker.Execute(func() (*uploadResponse, error) {
			return p.doUpload(ctx, req, dist, filename, data)
		})
		if err == nil {
			return resp, nil
		}

		var transient *transientError
		retryable := stderrors.As(err, &transient) ||
			stderrors.Is(err, gobreaker.ErrOpenState) ||
			stderrors.Is(err, gobreaker.ErrTooManyRequests)
		if !retryable || attempt >= p.policy.MaxRetries {
			return nil, errors.PublishError("upload failed").
				WithContext(logfields.KeyFile, filename).
				WithContext("attempts", fmt.Sprintf("%d", attempt+1)).
				WithCause(err).Build()
		}

		delay := p.policy.Delay(attempt)
		attempt++
		p.logger.Warn("retrying upload",
			logfields.File(filename),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			logfields.Error(err))
		select {
		case <-ctx.Done():
			return nil, errors.PublishError("upload canceled").
				WithContext(logfields.KeyFile, filename).
				WithCause(ctx.Err()).Build()
		case <-time.After(delay):
		}
	}
}

// doUpload performs one twine-compatible multipart POST. 5xx and transport
// errors return as transientError so the breaker counts them.
func (p *Publisher) doUpload(ctx context.Context, req Request, dist Dist, filename string, data []byte) (*uploadResponse, error) {
	body, contentType, err := buildForm(dist, filename, data)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.IndexURL, body)
	if err != nil {
		return nil, errors.PublishError("failed to build upload request").
			WithContext("index", req.IndexURL).WithCause(err).Build()
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &transientError{cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return nil, &transientError{status: resp.StatusCode}
	}
	return &uploadResponse{Status: resp.StatusCode, Body: string(respBody)}, nil
}

// buildForm assembles the legacy upload form the way twine does.
func buildForm(dist Dist, filename string, data []byte) (*bytes.Buffer, string, error) {
	shaSum := sha256.Sum256(data)
	md5Sum := md5.Sum(data)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{":action", "file_upload"},
		{"protocol_version", "1"},
		{"metadata_version", "2.1"},
		{"name", dist.Name},
		{"version", dist.Version},
		{"filetype", dist.FileType},
		{"pyversion", dist.PyVersion},
		{"sha256_digest", hex.EncodeToString(shaSum[:])},
		{"md5_digest", hex.EncodeToString(md5Sum[:])},
	}
	for _, field := range fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", errors.PublishError("failed to encode form field").
				WithContext("field", field[0]).WithCause(err).Build()
		}
	}
	part, err := w.CreateFormFile("content", filename)
	if err != nil {
		return nil, "", errors.PublishError("failed to encode file part").WithCause(err).Build()
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", errors.PublishError("failed to write file part").WithCause(err).Build()
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.PublishError("failed to finalize form").WithCause(err).Build()
	}
	return &buf, w.FormDataContentType(), nil
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return body
}
