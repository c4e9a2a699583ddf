package jira

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"threadlink/api/internal/tracker"
)

const maxAttachmentBytes = 64 << 20

// uploadAttachments attaches files the issue does not have yet. Failures are
// logged and skipped; the markup still names the file.
func (c *Client) uploadAttachments(ctx context.Context, issueKey string, attachments []tracker.Attachment) {
	if c.attachments == nil || len(attachments) == 0 {
		return
	}
	existing, err := c.attachedFiles(ctx, issueKey)
	if err != nil {
		c.logger.Warn("jira: list attachments failed, uploading all", "issue", issueKey, "error", err)
		existing = map[string]struct{}{}
	}
	for _, att := range attachments {
		if _, ok := existing[att.FileName]; ok {
			continue
		}
		if err := c.uploadAttachment(ctx, issueKey, att); err != nil {
			c.logger.Warn("jira: attachment upload skipped", "issue", issueKey, "file", att.FileName, "error", err)
			continue
		}
		existing[att.FileName] = struct{}{}
	}
}

func (c *Client) attachedFiles(ctx context.Context, issueKey string) (map[string]struct{}, error) {
	var issue issueResponse
	path := "/issue/" + url.PathEscape(issueKey) + "?fields=attachment"
	if err := c.doJSON(ctx, "list_attachments", http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(issue.Fields.Attachment))
	for _, a := range issue.Fields.Attachment {
		out[a.Filename] = struct{}{}
	}
	return out, nil
}

func (c *Client) uploadAttachment(ctx context.Context, issueKey string, att tracker.Attachment) error {
	content, err := c.attachments.OpenAttachment(ctx, att.ContentRef)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer content.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", att.FileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(content, maxAttachmentBytes+1))
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	if n > maxAttachmentBytes {
		return fmt.Errorf("attachment larger than %d bytes", maxAttachmentBytes)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+apiPrefix+"/issue/"+url.PathEscape(issueKey)+"/attachments", &body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Atlassian-Token", "no-check")
	return c.send(ctx, "upload_attachment", req, nil)
}
