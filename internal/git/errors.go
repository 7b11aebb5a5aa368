package git

import (
	stderrors "errors"
	"net"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// Classify translates go-git transport errors into ClassifiedErrors so the
// retry wrapper can tell transient failures from permanent ones. Unknown
// failures stay retryable: a flaky forge looks like anything.
func Classify(err error, op, url string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsClassified(err); ok {
		return err
	}

	builder := errors.GitError("git " + op + " failed").
		WithCause(err).
		WithContext("op", op).
		WithContext("url", url)

	switch {
	case stderrors.Is(err, transport.ErrAuthenticationRequired),
		stderrors.Is(err, transport.ErrAuthorizationFailed):
		builder.WithCategory(errors.CategoryAuth).UserAction()
	case stderrors.Is(err, transport.ErrRepositoryNotFound),
		stderrors.Is(err, plumbing.ErrReferenceNotFound),
		stderrors.Is(err, plumbing.ErrObjectNotFound):
		builder.WithCategory(errors.CategoryNotFound).WithRetry(errors.RetryNever)
	default:
		classifyByMessage(builder, err)
	}

	return builder.Build()
}

// classifyByMessage falls back to substring matching for errors the
// transport surfaces as plain strings (command-line remotes, proxies).
func classifyByMessage(builder *errors.ErrorBuilder, err error) {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication") || strings.Contains(l, "not authorized") ||
		strings.Contains(l, "invalid credentials") || strings.Contains(l, "permission denied"):
		builder.WithCategory(errors.CategoryAuth).UserAction()
	case strings.Contains(l, "repository not found") || strings.Contains(l, "does not exist"):
		builder.WithCategory(errors.CategoryNotFound).WithRetry(errors.RetryNever)
	case strings.Contains(l, "rate limit") || strings.Contains(l, "too many requests"):
		builder.WithCategory(errors.CategoryNetwork).RateLimit()
	case strings.Contains(l, "connection reset") || strings.Contains(l, "timeout") ||
		strings.Contains(l, "remote hung up") || strings.Contains(l, "no route to host") ||
		strings.Contains(l, "temporary failure"):
		builder.WithCategory(errors.CategoryNetwork).Retryable()
	case strings.Contains(l, "unsupported protocol") || strings.Contains(l, "malformed url"):
		builder.WithCategory(errors.CategoryConfig).WithRetry(errors.RetryNever).Fatal()
	default:
		var nerr net.Error
		if stderrors.As(err, &nerr) && nerr.Timeout() {
			builder.WithCategory(errors.CategoryNetwork).Retryable()
		}
	}
}
