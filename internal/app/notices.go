package app

import (
	"errors"
	"fmt"
	"strings"

	"threadlink/api/internal/chat"
	"threadlink/api/internal/engine"
	"threadlink/api/internal/tracker"
)

// noticeFor renders the chat message reporting an event's outcome. New links
// are announced in the thread; everything else goes only to the requester.
func noticeFor(ev chat.Event, res engine.Result, err error, issueURL func(string) string) chat.Notice {
	notice := chat.Notice{ThreadID: ev.ThreadID, UserID: ev.InvokingUser}
	ref := func(key string) string {
		if issueURL == nil {
			return key
		}
		return fmt.Sprintf("<%s|%s>", issueURL(key), key)
	}

	switch res.Status {
	case engine.StatusCreated:
		notice.Public = true
		notice.Text = fmt.Sprintf("<@%s> created issue %s from this thread.", ev.InvokingUser, ref(res.IssueKey))
	case engine.StatusLinked:
		notice.Public = true
		notice.Text = fmt.Sprintf("<@%s> linked this thread to %s. %s.", ev.InvokingUser, ref(res.IssueKey), messages(res.SyncedCount))
	case engine.StatusAppended:
		notice.Text = fmt.Sprintf("Synced %s to %s.", messages(res.SyncedCount), ref(res.IssueKey))
	case engine.StatusNoop:
		notice.Text = fmt.Sprintf("Nothing new to sync to %s.", ref(res.IssueKey))
	}

	if err != nil {
		reason := failureText(err, ref)
		if notice.Text == "" {
			notice.Text = reason
		} else {
			notice.Text += " Some messages were not synced: " + reason + " Run refresh to retry."
		}
	}
	if res.Partial {
		notice.Text += " Part of the thread could not be fetched; run refresh later to sync the rest."
	}
	return notice
}

func failureText(err error, ref func(string) string) string {
	switch engine.KindOf(err) {
	case engine.KindAlreadyLinked:
		var already *engine.AlreadyLinkedError
		errors.As(err, &already)
		return fmt.Sprintf("This thread is already linked to %s.", ref(already.IssueKey))
	case engine.KindNotLinked:
		return "This thread is not linked to an issue yet."
	case engine.KindThreadNotFound:
		return "This thread could not be found."
	case engine.KindInvalidIssueKey:
		return "That does not look like an issue key (expected something like PROJ-123)."
	case engine.KindInvalidRequest:
		var reason string
		if _, detail, ok := strings.Cut(err.Error(), engine.ErrInvalidRequest.Error()+": "); ok && detail != "" {
			reason = " " + strings.ToUpper(detail[:1]) + detail[1:] + "."
		}
		return "The issue could not be created as requested." + reason
	case engine.KindTrackerRejected:
		var rejected *tracker.RejectedError
		errors.As(err, &rejected)
		return "Jira rejected the request: " + rejected.Message
	case engine.KindTrackerUnavailable:
		return "Jira is unavailable right now, please try again later."
	case engine.KindChatUnavailable:
		return "Slack is unavailable right now, please try again later."
	default:
		return "Something went wrong; the error was logged."
	}
}

func messages(n int) string {
	if n == 1 {
		return "1 message"
	}
	return fmt.Sprintf("%d messages", n)
}
