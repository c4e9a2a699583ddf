package app

import (
	"errors"
	"fmt"
	"net/http"

	"threadlink/api/internal/engine"
	"threadlink/api/internal/store"
	"threadlink/api/internal/tracker"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns engine and store failures into the HTTP error envelope.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}

	switch engine.KindOf(err) {
	case engine.KindAlreadyLinked:
		var already *engine.AlreadyLinkedError
		errors.As(err, &already)
		return domainError(http.StatusConflict, "ALREADY_LINKED",
			"Thread already linked to "+already.IssueKey, map[string]any{"issueKey": already.IssueKey})
	case engine.KindNotLinked:
		return domainError(http.StatusConflict, "NOT_LINKED", "Thread is not linked to an issue", nil)
	case engine.KindThreadNotFound:
		return domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found", nil)
	case engine.KindInvalidIssueKey:
		return domainError(http.StatusBadRequest, "INVALID_ISSUE_KEY", err.Error(), nil)
	case engine.KindInvalidRequest:
		return domainError(http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case engine.KindTrackerRejected:
		var rejected *tracker.RejectedError
		errors.As(err, &rejected)
		return domainError(http.StatusUnprocessableEntity, "TRACKER_REJECTED", rejected.Message,
			map[string]any{"trackerStatus": rejected.StatusCode})
	case engine.KindTrackerUnavailable:
		return domainError(http.StatusServiceUnavailable, "TRACKER_UNAVAILABLE", "Issue tracker unavailable, retry later", nil)
	case engine.KindChatUnavailable:
		return domainError(http.StatusServiceUnavailable, "CHAT_UNAVAILABLE", "Chat platform unavailable, retry later", nil)
	case engine.KindCanceled:
		return domainError(http.StatusServiceUnavailable, "CANCELED", "Request canceled", nil)
	case engine.KindInvariantViolation:
		return domainError(http.StatusInternalServerError, "INVARIANT_VIOLATION", "Internal consistency error", nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}
