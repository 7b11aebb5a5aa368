// Package event defines the git events that trigger workflow runs and the
// ref pattern matching used by trigger filters and job gates.
package event

import (
	"strings"
	"time"
)

// Kind identifies what caused a run.
type Kind string

const (
	KindPush        Kind = "push"
	KindTag         Kind = "tag"
	KindPullRequest Kind = "pull_request"
	KindSchedule    Kind = "schedule"
	KindManual      Kind = "manual"
)

// Event describes a single trigger occurrence against a repository.
// Forges deliver tag pushes as pushes to refs/tags/*; the constructors
// normalize those to KindTag so filters never need to inspect the ref
// prefix themselves.
type Event struct {
	Kind       Kind      `json:"kind"`
	Ref        string    `json:"ref"`      // full ref, e.g. refs/tags/1.2.0
	RefName    string    `json:"ref_name"` // short name, e.g. 1.2.0 or main
	SHA        string    `json:"sha"`
	Repo       string    `json:"repo,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// IsTag reports whether the event is a tag push.
func (e Event) IsTag() bool { return e.Kind == KindTag }

// IsBranch reports whether the event targets a branch (push or pull request).
func (e Event) IsBranch() bool { return e.Kind == KindPush || e.Kind == KindPullRequest }

// NewPushEvent builds a branch push event. ref may be a full ref
// (refs/heads/main) or a bare branch name. Callers that know the source
// repository set Repo on the returned event.
func NewPushEvent(ref, sha string) Event {
	branch := strings.TrimPrefix(ref, "refs/heads/")
	return Event{
		Kind:       KindPush,
		Ref:        "refs/heads/" + branch,
		RefName:    branch,
		SHA:        sha,
		Branch:     branch,
		ReceivedAt: time.Now(),
	}
}

// NewTagEvent builds a tag push event. ref may be a full ref
// (refs/tags/1.2.0) or a bare tag name.
func NewTagEvent(ref, sha string) Event {
	tag := strings.TrimPrefix(ref, "refs/tags/")
	return Event{
		Kind:       KindTag,
		Ref:        "refs/tags/" + tag,
		RefName:    tag,
		SHA:        sha,
		Tag:        tag,
		ReceivedAt: time.Now(),
	}
}

// NewPullRequestEvent builds a pull request event targeting the base branch.
func NewPullRequestEvent(ref, sha string) Event {
	e := NewPushEvent(ref, sha)
	e.Kind = KindPullRequest
	return e
}

// NewScheduleEvent builds a schedule tick event against a branch.
func NewScheduleEvent(ref, sha string) Event {
	e := NewPushEvent(ref, sha)
	e.Kind = KindSchedule
	return e
}

// NewManualEvent builds a manually dispatched event for an arbitrary ref.
// Refs under refs/tags/ are normalized to tag events.
func NewManualEvent(ref, sha string) Event {
	if strings.HasPrefix(ref, "refs/tags/") {
		return NewTagEvent(ref, sha)
	}
	e := Event{
		Kind:       KindManual,
		Ref:        ref,
		SHA:        sha,
		ReceivedAt: time.Now(),
	}
	if strings.HasPrefix(ref, "refs/heads/") {
		e.Branch = strings.TrimPrefix(ref, "refs/heads/")
		e.RefName = e.Branch
	} else {
		e.RefName = ref
	}
	return e
}

// FromRef normalizes a full git ref into an event of the right kind.
// Webhook payloads carry refs like refs/heads/main or refs/tags/1.2.0.
func FromRef(ref, sha string) Event {
	switch {
	case strings.HasPrefix(ref, "refs/tags/"):
		return NewTagEvent(ref, sha)
	case strings.HasPrefix(ref, "refs/heads/"):
		return NewPushEvent(ref, sha)
	default:
		return NewManualEvent(ref, sha)
	}
}
