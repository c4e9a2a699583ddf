// Package chat defines the chat-platform side of the bridge: the message
// model the engine consumes and the transport contracts a platform adapter
// must satisfy.
package chat

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrThreadNotFound is returned when the thread root no longer exists
	// or the bot can no longer see the conversation.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrTransportUnavailable marks transient platform failures. Callers may
	// retry the whole operation.
	ErrTransportUnavailable = errors.New("chat transport unavailable")
	// ErrMentionUnresolved is returned by resolvers that cannot map a user id.
	ErrMentionUnresolved = errors.New("mention unresolved")
)

// Message is a single chat message as delivered by the platform. It is
// never mutated after it leaves the transport.
type Message struct {
	ThreadID     string
	ID           string
	AuthorID     string
	PostedAt     time.Time
	RawText      string
	Attachments  []Attachment
	IsThreadRoot bool
	IsBot        bool
	// ReplyCount is only meaningful on the root and is the number of replies
	// the platform reports for the thread.
	ReplyCount int
	Permalink  string
}

// Attachment references a file posted with a message. Bytes are fetched
// lazily through ByteSource.
type Attachment struct {
	ID         string
	Name       string
	ContentRef string
	MimeKind   string
	Missing    bool
}

// AttachmentMeta is what the platform reports about a file reference.
type AttachmentMeta struct {
	Name     string
	MimeKind string
	Size     int64
	Missing  bool
}

// Page is one slice of a thread as returned by the platform API.
// NextCursor is empty on the last page.
type Page struct {
	Messages   []Message
	NextCursor string
}

// Transport is the read side of a chat platform.
type Transport interface {
	FetchThreadPage(ctx context.Context, threadID, cursor string) (Page, error)
	ResolveMention(ctx context.Context, userID string) (string, error)
	FetchAttachmentMeta(ctx context.Context, ref string) (AttachmentMeta, error)
}

// ByteSource opens the content of an attachment reference.
type ByteSource interface {
	OpenAttachment(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Notice is an outcome message posted back to chat.
type Notice struct {
	ThreadID string
	UserID   string
	Text     string
	// Public notices are posted into the thread for everyone; otherwise the
	// notice is only visible to UserID.
	Public bool
}

// Notifier posts notices back to the chat platform.
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}
