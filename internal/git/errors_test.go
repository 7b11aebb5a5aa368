package git

import (
	stderrors "errors"
	"fmt"
	"testing"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category errors.ErrorCategory
		canRetry bool
	}{
		{"auth sentinel", transport.ErrAuthenticationRequired, errors.CategoryAuth, false},
		{"authz sentinel", transport.ErrAuthorizationFailed, errors.CategoryAuth, false},
		{"repo not found", transport.ErrRepositoryNotFound, errors.CategoryNotFound, false},
		{"auth message", fmt.Errorf("remote: authentication failed for url"), errors.CategoryAuth, false},
		{"permission message", fmt.Errorf("fatal: permission denied (publickey)"), errors.CategoryAuth, false},
		{"missing repo message", fmt.Errorf("remote: repository not found"), errors.CategoryNotFound, false},
		{"rate limited", fmt.Errorf("HTTP 429 too many requests"), errors.CategoryNetwork, true},
		{"connection reset", fmt.Errorf("read tcp: connection reset by peer"), errors.CategoryNetwork, true},
		{"timeout", fmt.Errorf("dial tcp: i/o timeout"), errors.CategoryNetwork, true},
		{"bad protocol", fmt.Errorf("unsupported protocol scheme gopher"), errors.CategoryConfig, false},
		{"unknown stays retryable", fmt.Errorf("index-pack failed"), errors.CategoryGit, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err, "clone", "https://example.invalid/repo.git")
			if got := errors.GetCategory(err); got != tt.category {
				t.Errorf("category = %v, want %v", got, tt.category)
			}
			if got := errors.CanRetry(err); got != tt.canRetry {
				t.Errorf("CanRetry = %v, want %v", got, tt.canRetry)
			}
			if !stderrors.Is(err, tt.err) {
				t.Error("cause not preserved in chain")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil, "clone", "") != nil {
		t.Error("nil in, nil out")
	}
}

func TestClassifyKeepsClassified(t *testing.T) {
	orig := errors.ConfigError("already classified").Build()
	if got := Classify(orig, "fetch", ""); got != error(orig) {
		t.Errorf("reclassified an already classified error")
	}
}
