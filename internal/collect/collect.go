// Package collect fetches a whole chat thread and turns it into an ordered,
// de-duplicated snapshot of normalized units.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"threadlink/api/internal/chat"
	"threadlink/api/internal/normalize"
)

const defaultMetaConcurrency = 4

// Snapshot is the ordered content of a thread at one point in time. Units
// holds the root first, then replies by (PostedAt, SourceMessageID).
type Snapshot struct {
	ThreadID  string
	Units     []normalize.Unit
	IsPartial bool
}

// Root returns the root unit. Every snapshot returned by Collect has one.
func (s Snapshot) Root() normalize.Unit {
	return s.Units[0]
}

// MessageIDs lists the unit ids in snapshot order.
func (s Snapshot) MessageIDs() []string {
	ids := make([]string, len(s.Units))
	for i, u := range s.Units {
		ids[i] = u.SourceMessageID
	}
	return ids
}

type Collector struct {
	transport       chat.Transport
	logger          *slog.Logger
	metaConcurrency int
}

type Option func(*Collector)

// WithLogger sets the collector's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetaConcurrency bounds concurrent attachment metadata lookups.
func WithMetaConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.metaConcurrency = n
		}
	}
}

func New(transport chat.Transport, opts ...Option) *Collector {
	c := &Collector{
		transport:       transport,
		logger:          slog.Default(),
		metaConcurrency: defaultMetaConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect reads every page of the thread. A failure on the first page is an
// error; a failure on a later page, or fewer replies than the root reports,
// yields a snapshot with IsPartial set.
func (c *Collector) Collect(ctx context.Context, threadID string) (Snapshot, error) {
	var (
		messages []chat.Message
		cursor   string
		partial  bool
	)
	for page := 0; ; page++ {
		p, err := c.transport.FetchThreadPage(ctx, threadID, cursor)
		if err != nil {
			if errors.Is(err, chat.ErrThreadNotFound) {
				return Snapshot{}, err
			}
			if page == 0 {
				if errors.Is(err, chat.ErrTransportUnavailable) {
					return Snapshot{}, fmt.Errorf("fetch thread %s: %w", threadID, err)
				}
				return Snapshot{}, fmt.Errorf("fetch thread %s: %w: %v", threadID, chat.ErrTransportUnavailable, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Snapshot{}, ctxErr
			}
			c.logger.Warn("collect: thread page failed, continuing with partial thread",
				"thread_id", threadID, "page", page, "error", err)
			partial = true
			break
		}
		messages = append(messages, p.Messages...)
		if p.NextCursor == "" || p.NextCursor == cursor {
			break
		}
		cursor = p.NextCursor
	}

	root, replies, ok := arrange(threadID, messages)
	if !ok {
		return Snapshot{}, fmt.Errorf("thread %s: no root message: %w", threadID, chat.ErrThreadNotFound)
	}
	if len(replies) < root.ReplyCount {
		partial = true
	}

	ordered := append([]chat.Message{root}, replies...)
	if err := c.fillAttachmentMeta(ctx, ordered); err != nil {
		return Snapshot{}, err
	}

	resolver := normalize.NewCachingResolver(func(userID string) (string, error) {
		return c.transport.ResolveMention(ctx, userID)
	})
	units := make([]normalize.Unit, 0, len(ordered))
	for _, msg := range ordered {
		if msg.IsBot && !msg.IsThreadRoot {
			continue
		}
		units = append(units, normalize.Normalize(msg, resolver))
	}
	return Snapshot{ThreadID: threadID, Units: units, IsPartial: partial}, nil
}

// arrange de-duplicates messages by id, separates the root and sorts the
// replies. Bot replies are kept so reply counts line up with the platform's;
// they are dropped during normalization.
func arrange(threadID string, messages []chat.Message) (chat.Message, []chat.Message, bool) {
	var (
		root    chat.Message
		hasRoot bool
		seen    = make(map[string]struct{}, len(messages))
		replies = make([]chat.Message, 0, len(messages))
	)
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		if msg.ThreadID == "" {
			msg.ThreadID = threadID
		}
		if msg.IsThreadRoot {
			if !hasRoot {
				root, hasRoot = msg, true
			}
			continue
		}
		replies = append(replies, msg)
	}
	sort.SliceStable(replies, func(i, j int) bool {
		a, b := replies[i], replies[j]
		if !a.PostedAt.Equal(b.PostedAt) {
			return a.PostedAt.Before(b.PostedAt)
		}
		return a.ID < b.ID
	})
	return root, replies, hasRoot
}

// fillAttachmentMeta looks up every attachment concurrently. Lookup failures
// mark the attachment missing; only context cancellation aborts.
func (c *Collector) fillAttachmentMeta(ctx context.Context, messages []chat.Message) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.metaConcurrency)
	for i := range messages {
		if messages[i].IsBot && !messages[i].IsThreadRoot || len(messages[i].Attachments) == 0 {
			continue
		}
		atts := make([]chat.Attachment, len(messages[i].Attachments))
		copy(atts, messages[i].Attachments)
		messages[i].Attachments = atts
		for j := range atts {
			att := &atts[j]
			if att.Missing || att.ContentRef == "" {
				continue
			}
			g.Go(func() error {
				meta, err := c.transport.FetchAttachmentMeta(gctx, att.ContentRef)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					c.logger.Warn("collect: attachment metadata unavailable",
						"ref", att.ContentRef, "error", err)
					att.Missing = true
					return nil
				}
				if meta.Missing {
					att.Missing = true
				}
				if att.Name == "" {
					att.Name = meta.Name
				}
				if att.MimeKind == "" {
					att.MimeKind = meta.MimeKind
				}
				return nil
			})
		}
	}
	return g.Wait()
}
