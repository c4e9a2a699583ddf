package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threadlink/api/internal/chat"
)

const repliesPageSize = 200

var goneCodes = map[string]bool{
	"thread_not_found":  true,
	"channel_not_found": true,
	"not_in_channel":    true,
	"message_not_found": true,
}

type file struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivateDownload string `json:"url_private_download"`
	FileAccess         string `json:"file_access"`
	Mode               string `json:"mode"`
}

func (f file) missing() bool {
	return f.FileAccess == "file_not_found" || f.Mode == "tombstone"
}

type message struct {
	TS         string `json:"ts"`
	ThreadTS   string `json:"thread_ts"`
	User       string `json:"user"`
	BotID      string `json:"bot_id"`
	Subtype    string `json:"subtype"`
	Text       string `json:"text"`
	ReplyCount int    `json:"reply_count"`
	Files      []file `json:"files"`
}

type repliesResponse struct {
	Messages         []message `json:"messages"`
	HasMore          bool      `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchThreadPage reads one page of conversations.replies. Thread ids are
// "channel:root_ts".
func (c *Client) FetchThreadPage(ctx context.Context, threadID, cursor string) (chat.Page, error) {
	channel, rootTS, err := chat.SplitThreadID(threadID)
	if err != nil {
		return chat.Page{}, fmt.Errorf("%w: %v", chat.ErrThreadNotFound, err)
	}
	params := url.Values{
		"channel": {channel},
		"ts":      {rootTS},
		"limit":   {strconv.Itoa(repliesPageSize)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp repliesResponse
	if err := c.get(ctx, "conversations.replies", params, &resp); err != nil {
		return chat.Page{}, classify(err)
	}

	base := c.permalinkBase(ctx, channel, rootTS)
	page := chat.Page{Messages: make([]chat.Message, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, convertMessage(threadID, channel, rootTS, base, m))
	}
	if resp.HasMore {
		page.NextCursor = resp.ResponseMetadata.NextCursor
	}
	return page, nil
}

func convertMessage(threadID, channel, rootTS, permalinkBase string, m message) chat.Message {
	out := chat.Message{
		ThreadID:     threadID,
		ID:           m.TS,
		AuthorID:     m.User,
		PostedAt:     parseTS(m.TS),
		RawText:      m.Text,
		IsThreadRoot: m.TS == rootTS,
		IsBot:        m.BotID != "" || m.Subtype == "bot_message",
		ReplyCount:   m.ReplyCount,
	}
	if permalinkBase != "" {
		out.Permalink = permalink(permalinkBase, channel, rootTS, m.TS)
	}
	for _, f := range m.Files {
		out.Attachments = append(out.Attachments, chat.Attachment{
			ID:         f.ID,
			Name:       f.Name,
			ContentRef: f.ID,
			MimeKind:   f.Mimetype,
			Missing:    f.missing(),
		})
	}
	return out
}

// parseTS converts a Slack "seconds.micros" timestamp. Unparseable input
// yields the zero time.
func parseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		frac = (frac + "000000")[:6]
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*1000).UTC()
}

func permalink(base, channel, rootTS, ts string) string {
	link := base + "/archives/" + channel + "/p" + strings.ReplaceAll(ts, ".", "")
	if ts != rootTS {
		link += "?thread_ts=" + rootTS + "&cid=" + channel
	}
	return link
}

// permalinkBase returns the workspace URL, learning it from chat.getPermalink
// on first use. Failures are logged and leave permalinks empty.
func (c *Client) permalinkBase(ctx context.Context, channel, ts string) string {
	c.mu.Lock()
	base := c.workspaceURL
	c.mu.Unlock()
	if base != "" {
		return base
	}

	var resp struct {
		Permalink string `json:"permalink"`
	}
	params := url.Values{"channel": {channel}, "message_ts": {ts}}
	if err := c.get(ctx, "chat.getPermalink", params, &resp); err != nil {
		c.logger.Warn("slack: permalink lookup failed", "channel", channel, "error", err)
		return ""
	}
	idx := strings.Index(resp.Permalink, "/archives/")
	if idx <= 0 {
		return ""
	}
	base = resp.Permalink[:idx]
	c.mu.Lock()
	c.workspaceURL = base
	c.mu.Unlock()
	return base
}

type userResponse struct {
	User struct {
		Name    string `json:"name"`
		Profile struct {
			DisplayName string `json:"display_name"`
			RealName    string `json:"real_name"`
		} `json:"profile"`
	} `json:"user"`
}

// ResolveMention returns the user's login name, which matches the tracker
// username.
func (c *Client) ResolveMention(ctx context.Context, userID string) (string, error) {
	var resp userResponse
	if err := c.get(ctx, "users.info", url.Values{"user": {userID}}, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "user_not_found" {
			return "", fmt.Errorf("%w: %s", chat.ErrMentionUnresolved, userID)
		}
		return "", err
	}
	for _, name := range []string{resp.User.Name, resp.User.Profile.DisplayName, resp.User.Profile.RealName} {
		if name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", chat.ErrMentionUnresolved, userID)
}

type fileResponse struct {
	File file `json:"file"`
}

func (c *Client) fileInfo(ctx context.Context, fileID string) (file, error) {
	var resp fileResponse
	if err := c.get(ctx, "files.info", url.Values{"file": {fileID}}, &resp); err != nil {
		return file{}, err
	}
	return resp.File, nil
}

func (c *Client) FetchAttachmentMeta(ctx context.Context, ref string) (chat.AttachmentMeta, error) {
	f, err := c.fileInfo(ctx, ref)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == "file_not_found" || apiErr.Code == "file_deleted") {
			return chat.AttachmentMeta{Missing: true}, nil
		}
		return chat.AttachmentMeta{}, err
	}
	return chat.AttachmentMeta{Name: f.Name, MimeKind: f.Mimetype, Size: f.Size, Missing: f.missing()}, nil
}

// OpenAttachment downloads a file's private content with the bot token.
func (c *Client) OpenAttachment(ctx context.Context, ref string) (io.ReadCloser, error) {
	f, err := c.fileInfo(ctx, ref)
	if err != nil {
		return nil, err
	}
	if f.missing() || f.URLPrivateDownload == "" {
		return nil, fmt.Errorf("slack: file %s has no downloadable content", ref)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URLPrivateDownload, nil)
	if err != nil {
		return nil, fmt.Errorf("slack: build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: download %s: %w: %v", ref, chat.ErrTransportUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("slack: download %s: HTTP %d", ref, resp.StatusCode)
	}
	return resp.Body, nil
}

// Notify posts into the thread when the notice is public, otherwise as an
// ephemeral message only the invoking user sees.
func (c *Client) Notify(ctx context.Context, notice chat.Notice) error {
	channel, rootTS, err := chat.SplitThreadID(notice.ThreadID)
	if err != nil {
		return err
	}
	if notice.Public || notice.UserID == "" {
		return c.post(ctx, "chat.postMessage", map[string]string{
			"channel":   channel,
			"thread_ts": rootTS,
			"text":      notice.Text,
		}, nil)
	}
	return c.post(ctx, "chat.postEphemeral", map[string]string{
		"channel":   channel,
		"user":      notice.UserID,
		"thread_ts": rootTS,
		"text":      notice.Text,
	}, nil)
}

// classify maps Slack error codes onto the chat transport errors.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if goneCodes[apiErr.Code] {
			return fmt.Errorf("%w: %s", chat.ErrThreadNotFound, apiErr.Code)
		}
		if apiErr.Code == "ratelimited" {
			return fmt.Errorf("%w: %s", chat.ErrTransportUnavailable, apiErr.Code)
		}
	}
	return err
}
