package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"threadlink/api/internal/chat"
	"threadlink/api/internal/lock"
	"threadlink/api/internal/store"
	"threadlink/api/internal/tracker"
)

var (
	// ErrNotLinked is returned by Refresh for threads without a link.
	ErrNotLinked = errors.New("thread is not linked to an issue")
	// ErrInvalidIssueKey is returned for user-supplied keys that cannot name
	// an issue.
	ErrInvalidIssueKey = errors.New("invalid issue key")
	// ErrInvalidRequest marks other user-supplied fields the engine refuses,
	// such as an oversize summary.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvariantViolation marks a logic error. It is never retried or
	// hidden from the caller.
	ErrInvariantViolation = errors.New("invariant violation")
)

// AlreadyLinkedError reports the issue a thread is already linked to.
type AlreadyLinkedError = store.AlreadyLinkedError

// Kind classifies engine failures for callers that map them onto a
// transport (HTTP status, chat notice).
type Kind string

const (
	KindNone               Kind = ""
	KindAlreadyLinked      Kind = "already_linked"
	KindNotLinked          Kind = "not_linked"
	KindThreadNotFound     Kind = "thread_not_found"
	KindInvalidIssueKey    Kind = "invalid_issue_key"
	KindInvalidRequest     Kind = "invalid_request"
	KindTrackerUnavailable Kind = "tracker_unavailable"
	KindTrackerRejected    Kind = "tracker_rejected"
	KindChatUnavailable    Kind = "chat_unavailable"
	KindInvariantViolation Kind = "invariant_violation"
	KindCanceled           Kind = "canceled"
	KindInternal           Kind = "internal"
)

func KindOf(err error) Kind {
	var (
		already  *store.AlreadyLinkedError
		rejected *tracker.RejectedError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.As(err, &already):
		return KindAlreadyLinked
	case errors.Is(err, ErrNotLinked):
		return KindNotLinked
	case errors.Is(err, chat.ErrThreadNotFound):
		return KindThreadNotFound
	case errors.Is(err, ErrInvalidIssueKey):
		return KindInvalidIssueKey
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.As(err, &rejected):
		return KindTrackerRejected
	case errors.Is(err, tracker.ErrUnavailable):
		return KindTrackerUnavailable
	case errors.Is(err, chat.ErrTransportUnavailable):
		return KindChatUnavailable
	case errors.Is(err, lock.ErrLeaseLost), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

var issueKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-[1-9][0-9]*$`)

// ValidIssueKey reports whether key looks like PROJ-123.
func ValidIssueKey(key string) bool {
	return issueKeyPattern.MatchString(key)
}

var projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

// validateCreateOptions checks the user-chosen fields of a create request.
// Empty fields fall back to the tracker's configured defaults.
func validateCreateOptions(req Request) error {
	if req.Project != "" && !projectKeyPattern.MatchString(req.Project) {
		return fmt.Errorf("%w: %q is not a project key", ErrInvalidRequest, req.Project)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(req.Summary)); n > maxSummaryRunes {
		return fmt.Errorf("%w: summary is %d characters, the limit is %d", ErrInvalidRequest, n, maxSummaryRunes)
	}
	return nil
}
