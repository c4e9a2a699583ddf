package chat

import (
	"fmt"
	"strings"
)

// EventType is the kind of user request the transport layer delivers.
type EventType string

const (
	EventThreadCreateRequested EventType = "thread_create_requested"
	EventUploadRequested       EventType = "upload_requested"
	EventRefreshRequested      EventType = "refresh_requested"
)

// Event is a platform event already stripped of protocol details.
type Event struct {
	Type         EventType `json:"type"`
	ThreadID     string    `json:"thread_id"`
	IssueKey     string    `json:"issue_key,omitempty"`
	InvokingUser string    `json:"invoking_user"`

	// Optional choices for thread_create_requested. Empty values use the
	// configured defaults.
	Project   string `json:"project,omitempty"`
	IssueType string `json:"issue_type,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// Validate reports events the engine cannot act on.
func (e Event) Validate() error {
	switch e.Type {
	case EventThreadCreateRequested, EventUploadRequested, EventRefreshRequested:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if strings.TrimSpace(e.ThreadID) == "" {
		return fmt.Errorf("thread_id is required")
	}
	if e.Type == EventUploadRequested && strings.TrimSpace(e.IssueKey) == "" {
		return fmt.Errorf("issue_key is required for %s", e.Type)
	}
	return nil
}

// ThreadID joins a channel and the root message timestamp into the opaque
// identity the rest of the system passes around.
func ThreadID(channel, rootTS string) string {
	return channel + ":" + rootTS
}

// SplitThreadID is the inverse of ThreadID.
func SplitThreadID(threadID string) (channel, rootTS string, err error) {
	channel, rootTS, ok := strings.Cut(threadID, ":")
	if !ok || channel == "" || rootTS == "" {
		return "", "", fmt.Errorf("malformed thread id %q", threadID)
	}
	return channel, rootTS, nil
}
