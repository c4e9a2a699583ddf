package engine

import (
	"strings"
	"unicode/utf8"

	"threadlink/api/internal/collect"
	"threadlink/api/internal/normalize"
	"threadlink/api/internal/tracker"
)

const (
	maxSummaryRunes = 255
	timestampLayout = "2006-01-02 15:04:05"
)

// renderComment formats one unit as a tracker comment: a header naming the
// author, time and source message, then the body and attachments.
func renderComment(u normalize.Unit) string {
	var b strings.Builder
	b.WriteString("----\n??[~")
	b.WriteString(u.AuthorDisplay)
	b.WriteString("]?? ")
	stamp := "{{" + u.PostedAt.UTC().Format(timestampLayout) + "}}"
	if u.Permalink != "" {
		b.WriteString("[" + stamp + "|" + u.Permalink + "]")
	} else {
		b.WriteString(stamp)
	}
	b.WriteString("\n\n")
	b.WriteString(u.BodyMarkup)
	if att := u.AttachmentMarkup(); att != "" {
		b.WriteString("\n")
		b.WriteString(att)
	}
	return b.String()
}

// renderDescription is the issue description: the root message and a link
// back to the thread.
func renderDescription(root normalize.Unit) string {
	parts := []string{}
	if root.BodyMarkup != "" {
		parts = append(parts, root.BodyMarkup)
	}
	if att := root.AttachmentMarkup(); att != "" {
		parts = append(parts, att)
	}
	if root.Permalink != "" {
		parts = append(parts, "[Original thread|"+root.Permalink+"]")
	}
	return strings.Join(parts, "\n\n")
}

// summarize returns the root's first line, cut to the tracker's summary
// limit, or a placeholder naming the thread.
func summarize(snap collect.Snapshot) string {
	line := strings.TrimSpace(snap.Root().Headline)
	if line == "" {
		return "Thread " + snap.ThreadID
	}
	if utf8.RuneCountInString(line) <= maxSummaryRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxSummaryRunes]))
}

func trackerAttachments(u normalize.Unit) []tracker.Attachment {
	var out []tracker.Attachment
	for _, att := range u.Attachments {
		if att.Unavailable {
			continue
		}
		out = append(out, tracker.Attachment{FileName: att.FileName, ContentRef: att.ContentRef})
	}
	return out
}
