// Package normalize converts chat messages into canonical units carrying
// tracker-flavored (Jira wiki) markup.
//
// Normalization never fails. Mentions that cannot be resolved stay as their
// literal token, and attachments that cannot be fetched are still listed with
// an unavailable marker so no thread content is silently dropped. The output
// for a given message and resolver is byte-for-byte stable.
package normalize

import (
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"threadlink/api/internal/chat"
)

// UnavailableMarker is appended to attachments whose content cannot be fetched.
const UnavailableMarker = "(attachment unavailable)"

var imageExtensions = map[string]struct{}{
	".bmp": {}, ".dcm": {}, ".gif": {}, ".heif": {}, ".heic": {}, ".jpg": {},
	".jpeg": {}, ".png": {}, ".psd": {}, ".tif": {}, ".tiff": {},
}

// MentionResolver maps a platform user id to a display name.
type MentionResolver interface {
	Resolve(userID string) (string, bool)
}

// ResolverFunc adapts a plain function to MentionResolver.
type ResolverFunc func(userID string) (string, bool)

func (f ResolverFunc) Resolve(userID string) (string, bool) { return f(userID) }

// Unit is the canonical, tracker-ready form of one chat message.
type Unit struct {
	SourceMessageID string
	AuthorDisplay   string
	BodyMarkup      string
	Attachments     []UnitAttachment
	PostedAt        time.Time
	Permalink       string
	// Headline is the first non-empty line of the message as plain text.
	Headline string
}

// UnitAttachment is an attachment as the tracker should see it.
type UnitAttachment struct {
	// FileName is unique per platform file: the file id followed by its name.
	FileName    string
	ContentRef  string
	MimeKind    string
	Image       bool
	Unavailable bool
}

// Normalize converts msg into a Unit. It does not modify msg.
func Normalize(msg chat.Message, resolver MentionResolver) Unit {
	if resolver == nil {
		resolver = ResolverFunc(func(string) (string, bool) { return "", false })
	}
	text := norm.NFC.String(msg.RawText)

	author := msg.AuthorID
	if name, ok := resolver.Resolve(msg.AuthorID); ok && name != "" {
		author = name
	}

	unit := Unit{
		SourceMessageID: msg.ID,
		AuthorDisplay:   author,
		BodyMarkup:      ToJira(text, resolver),
		PostedAt:        msg.PostedAt,
		Permalink:       msg.Permalink,
		Headline:        headline(text, resolver),
	}
	if len(msg.Attachments) > 0 {
		unit.Attachments = make([]UnitAttachment, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			unit.Attachments = append(unit.Attachments, convertAttachment(att))
		}
	}
	return unit
}

func convertAttachment(att chat.Attachment) UnitAttachment {
	name := att.Name
	if name == "" {
		name = "attachment"
	}
	ext := strings.ToLower(path.Ext(name))
	_, image := imageExtensions[ext]
	return UnitAttachment{
		FileName:    att.ID + name,
		ContentRef:  att.ContentRef,
		MimeKind:    att.MimeKind,
		Image:       image,
		Unavailable: att.Missing || att.ContentRef == "",
	}
}

// AttachmentMarkup renders the unit's attachments. Images come first as
// thumbnails, then the remaining files as attachment links, each group in
// original order.
func (u Unit) AttachmentMarkup() string {
	if len(u.Attachments) == 0 {
		return ""
	}
	var images, files []string
	for _, att := range u.Attachments {
		switch {
		case att.Unavailable:
			files = append(files, att.FileName+" "+UnavailableMarker)
		case att.Image:
			images = append(images, "!"+att.FileName+"|thumbnail!")
		default:
			files = append(files, "[^"+att.FileName+"]")
		}
	}
	parts := append(images, files...)
	return strings.Join(parts, "\n")
}

// CachingResolver memoizes successful lookups. Failed lookups are retried on
// the next call. Safe for concurrent use.
type CachingResolver struct {
	lookup func(userID string) (string, error)

	mu    sync.Mutex
	cache map[string]string
}

func NewCachingResolver(lookup func(userID string) (string, error)) *CachingResolver {
	return &CachingResolver{lookup: lookup, cache: make(map[string]string)}
}

func (r *CachingResolver) Resolve(userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	r.mu.Lock()
	name, ok := r.cache[userID]
	r.mu.Unlock()
	if ok {
		return name, true
	}
	name, err := r.lookup(userID)
	if err != nil || strings.TrimSpace(name) == "" {
		return "", false
	}
	r.mu.Lock()
	r.cache[userID] = name
	r.mu.Unlock()
	return name, true
}
