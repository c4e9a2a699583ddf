// Package tracker defines the issue-tracker side of the bridge.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrUnavailable marks transient tracker failures: timeouts, 5xx, rate
// limiting. The operation may be retried.
var ErrUnavailable = errors.New("tracker unavailable")

// RejectedError is a permanent refusal by the tracker (validation, missing
// issue, permissions). Message is the tracker's own text.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tracker rejected request (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsRejected reports whether err is a *RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Attachment is a file referenced from issue or comment markup.
type Attachment struct {
	FileName   string
	ContentRef string
}

type IssueDraft struct {
	// Project, IssueType and Priority override the adapter's defaults when
	// set.
	Project     string
	IssueType   string
	Priority    string
	Summary     string
	Description string
	Labels      []string
	Attachments []Attachment
}

type CommentDraft struct {
	Body        string
	Attachments []Attachment
}

type Issue struct {
	Key     string
	Summary string
}

// Adapter is the tracker REST surface the engine needs.
type Adapter interface {
	CreateIssue(ctx context.Context, draft IssueDraft) (string, error)
	// AppendComment adds a comment and returns its id. A body longer than the
	// tracker accepts may be posted as several consecutive comments; the call
	// only succeeds once all of them are.
	AppendComment(ctx context.Context, issueKey string, draft CommentDraft) (string, error)
	LookupIssue(ctx context.Context, issueKey string) (Issue, error)
}

// IssueSearcher finds issues by key or summary text, for issue pickers.
type IssueSearcher interface {
	SearchIssues(ctx context.Context, text string, limit int) ([]Issue, error)
}

// AttachmentSource opens attachment bytes by content reference.
type AttachmentSource interface {
	OpenAttachment(ctx context.Context, ref string) (io.ReadCloser, error)
}
