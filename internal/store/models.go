package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a thread has no link.
var ErrNotFound = errors.New("sync link not found")

// AlreadyLinkedError is returned by Create when the thread already has a link,
// including when a concurrent creator won the race.
type AlreadyLinkedError struct {
	ThreadID string
	IssueKey string
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("thread %s already linked to %s", e.ThreadID, e.IssueKey)
}

// Link binds a chat thread to a tracker issue and remembers which messages
// have been confirmed by the tracker.
type Link struct {
	ThreadID            string
	IssueKey            string
	LastSyncedMessageID *string
	// SyncedMessageIDs is in the order the messages were recorded.
	SyncedMessageIDs []string
	Summary          string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SyncedSet returns the synced ids as a set.
func (l Link) SyncedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(l.SyncedMessageIDs))
	for _, id := range l.SyncedMessageIDs {
		set[id] = struct{}{}
	}
	return set
}

// LinkSummary is the searchable view of a link.
type LinkSummary struct {
	ThreadID  string
	IssueKey  string
	Summary   string
	CreatedBy string
	UpdatedAt time.Time
	// Snippet is a highlighted excerpt when the backend produces one.
	Snippet string
}
