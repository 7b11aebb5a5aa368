package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestClassifiedError(t *testing.T) {
	t.Run("Basic error creation", func(t *testing.T) {
		err := NewError(CategoryConfig, "invalid configuration").
			WithSeverity(SeverityFatal).
			WithContext("file", "conveyor.daemon.yml").
			Build()

		if err.Category() != CategoryConfig {
			t.Errorf("expected category %s, got %s", CategoryConfig, err.Category())
		}
		if err.Severity() != SeverityFatal {
			t.Errorf("expected severity %s, got %s", SeverityFatal, err.Severity())
		}
		if err.Message() != "invalid configuration" {
			t.Errorf("expected message 'invalid configuration', got %s", err.Message())
		}

		file, exists := err.Context().GetString("file")
		if !exists || file != "conveyor.daemon.yml" {
			t.Errorf("expected context file=conveyor.daemon.yml, got %v", file)
		}
	})

	t.Run("Error detection", func(t *testing.T) {
		err := ConfigError("test error").Build()

		if !IsClassified(err) {
			t.Error("expected error to be classified")
		}

		if !HasCategory(err, CategoryConfig) {
			t.Error("expected error to have config category")
		}

		if !HasSeverity(err, SeverityFatal) {
			t.Error("expected error to have fatal severity")
		}

		if err.CanRetry() {
			t.Error("expected config error to not be retryable")
		}

		if !err.IsFatal() {
			t.Error("expected config error to be fatal")
		}
	})
}

func TestErrorBuilder(t *testing.T) {
	t.Run("Fluent API", func(t *testing.T) {
		originalErr := errors.New("original error")
		err := WrapError(originalErr, CategoryNetwork, "network failure").
			Warning().
			Retryable().
			WithContext("host", "example.com").
			WithContext("port", 443).
			Build()

		if err.Category() != CategoryNetwork {
			t.Errorf("expected category %s, got %s", CategoryNetwork, err.Category())
		}
		if err.Severity() != SeverityWarning {
			t.Errorf("expected severity %s, got %s", SeverityWarning, err.Severity())
		}
		if err.RetryStrategy() != RetryBackoff {
			t.Errorf("expected retry strategy %s, got %s", RetryBackoff, err.RetryStrategy())
		}
		if !errors.Is(err, originalErr) {
			t.Error("expected error to wrap original error")
		}

		host, _ := err.Context().GetString("host")
		if host != "example.com" {
			t.Errorf("expected host context 'example.com', got %s", host)
		}
	})

	t.Run("Convenience constructors", func(t *testing.T) {
		tests := []struct {
			name     string
			builder  *ErrorBuilder
			category ErrorCategory
			severity ErrorSeverity
			retry    RetryStrategy
		}{
			{"ConfigError", ConfigError("test"), CategoryConfig, SeverityFatal, RetryNever},
			{"ValidationError", ValidationError("test"), CategoryValidation, SeverityFatal, RetryNever},
			{"AuthError", AuthError("test"), CategoryAuth, SeverityError, RetryUserAction},
			{"NotFoundError", NotFoundError("test"), CategoryNotFound, SeverityError, RetryNever},
			{"NetworkError", NetworkError("test"), CategoryNetwork, SeverityError, RetryBackoff},
			{"GitError", GitError("test"), CategoryGit, SeverityError, RetryBackoff},
			{"PublishError", PublishError("test"), CategoryPublish, SeverityError, RetryBackoff},
			{"WorkflowError", WorkflowError("test"), CategoryWorkflow, SeverityFatal, RetryNever},
			{"ExecError", ExecError("test"), CategoryExec, SeverityError, RetryNever},
			{"ArtifactError", ArtifactError("test"), CategoryArtifact, SeverityError, RetryNever},
			{"RunStoreError", RunStoreError("test"), CategoryRunStore, SeverityError, RetryBackoff},
			{"RuntimeError", RuntimeError("test"), CategoryRuntime, SeverityFatal, RetryNever},
			{"DaemonError", DaemonError("test"), CategoryDaemon, SeverityFatal, RetryNever},
			{"InternalError", InternalError("test"), CategoryInternal, SeverityFatal, RetryNever},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.builder.Build()
				if err.Category() != tt.category {
					t.Errorf("expected category %s, got %s", tt.category, err.Category())
				}
				if err.Severity() != tt.severity {
					t.Errorf("expected severity %s, got %s", tt.severity, err.Severity())
				}
				if err.RetryStrategy() != tt.retry {
					t.Errorf("expected retry strategy %s, got %s", tt.retry, err.RetryStrategy())
				}
			})
		}
	})
}

func TestHTTPErrorAdapter(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"nil error", nil, http.StatusOK},
		{"validation", ValidationError("bad input").Build(), http.StatusBadRequest},
		{"workflow", WorkflowError("cycle detected").Build(), http.StatusBadRequest},
		{"auth", AuthError("missing credentials").Build(), http.StatusUnauthorized},
		{"not found", NotFoundError("no such run").Build(), http.StatusNotFound},
		{"git", GitError("clone failed").Build(), http.StatusBadGateway},
		{"publish", PublishError("upload failed").Build(), http.StatusBadGateway},
		{"exec", ExecError("step failed").Build(), http.StatusUnprocessableEntity},
		{"daemon", DaemonError("queue full").Build(), http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.StatusCodeFor(tt.err); got != tt.status {
				t.Errorf("StatusCodeFor() = %d, want %d", got, tt.status)
			}
		})
	}

	t.Run("payload includes retryable flag", func(t *testing.T) {
		resp := adapter.FormatErrorResponse(GitError("fetch failed").WithContext("url", "https://example.com/r.git").Build())
		if !resp.Retryable {
			t.Error("expected retryable flag set for git errors")
		}
		if resp.Code != string(CategoryGit) {
			t.Errorf("expected code %q, got %q", CategoryGit, resp.Code)
		}
		if resp.Details["url"] != "https://example.com/r.git" {
			t.Errorf("expected url detail, got %v", resp.Details)
		}
	})
}

func TestCLIErrorAdapterExitCodes(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, nil)

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, 0},
		{"validation", ValidationError("x").Build(), 2},
		{"workflow", WorkflowError("x").Build(), 2},
		{"config", ConfigError("x").Build(), 7},
		{"auth", AuthError("x").Build(), 5},
		{"git", GitError("x").Build(), 8},
		{"exec", ExecError("x").Build(), 11},
		{"daemon", DaemonError("x").Build(), 12},
		{"internal", InternalError("x").Build(), 10},
		{"plain", errors.New("x"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.ExitCodeFor(tt.err); got != tt.code {
				t.Errorf("ExitCodeFor() = %d, want %d", got, tt.code)
			}
		})
	}
}
