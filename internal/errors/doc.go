// Package errors provides foundational, type-safe error primitives used across Conveyor.
//
// This package contains classified error types and helpers for robust error handling,
// including a fluent builder API for constructing ClassifiedError values with context.
//
// Key features:
//   - ErrorCategory: Broad error classification (config, git, exec, publish, etc.)
//   - ErrorSeverity: Impact level (fatal, error, warning, info)
//   - RetryStrategy: Retry behavior (never, immediate, backoff, rate limit)
//   - ClassifiedError: Structured error with category, severity, and context
//   - ErrorBuilder: Fluent API for creating classified errors
//   - HTTP and CLI adapters for error presentation
//
// Example usage:
//
//	err := errors.WrapError(cloneErr, errors.CategoryGit, "clone failed").
//		WithSeverity(errors.SeverityError).
//		Retryable().
//		WithContext("url", repoURL).
//		Build()
package errors
