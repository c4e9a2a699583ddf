package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"threadlink/api/internal/tracker"
)

// MaxCommentLength is the longest comment body Jira accepts.
const MaxCommentLength = 31000

const (
	cleanupTimeout     = 10 * time.Second
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

var issueKeyShape = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-[0-9]+$`)

type projectRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type issueFields struct {
	Project     projectRef `json:"project"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	IssueType   nameRef    `json:"issuetype"`
	Priority    *nameRef   `json:"priority,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
}

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type createIssueResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary    string `json:"summary"`
		Attachment []struct {
			Filename string `json:"filename"`
		} `json:"attachment"`
	} `json:"fields"`
}

type searchResponse struct {
	Issues []issueResponse `json:"issues"`
}

type commentRequest struct {
	Body string `json:"body"`
}

type commentResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateIssue(ctx context.Context, draft tracker.IssueDraft) (string, error) {
	labels := append([]string{c.label}, draft.Labels...)
	request := createIssueRequest{Fields: issueFields{
		Project:     projectRef{Key: firstNonEmpty(draft.Project, c.project)},
		Summary:     draft.Summary,
		Description: draft.Description,
		IssueType:   nameRef{Name: firstNonEmpty(draft.IssueType, c.issueType)},
		Labels:      dedupe(labels),
	}}
	if draft.Priority != "" {
		request.Fields.Priority = &nameRef{Name: draft.Priority}
	}

	var created createIssueResponse
	if err := c.doJSON(ctx, "create_issue", http.MethodPost, "/issue", request, &created); err != nil {
		return "", err
	}
	if created.Key == "" {
		return "", fmt.Errorf("jira: create_issue: response carried no issue key")
	}

	c.uploadAttachments(ctx, created.Key, draft.Attachments)
	return created.Key, nil
}

func (c *Client) LookupIssue(ctx context.Context, issueKey string) (tracker.Issue, error) {
	var issue issueResponse
	path := "/issue/" + url.PathEscape(issueKey) + "?fields=summary"
	if err := c.doJSON(ctx, "lookup_issue", http.MethodGet, path, nil, &issue); err != nil {
		return tracker.Issue{}, err
	}
	return tracker.Issue{Key: issue.Key, Summary: issue.Fields.Summary}, nil
}

// AppendComment uploads the draft's attachments, then posts the body. Bodies
// over MaxCommentLength are posted as consecutive comments and the id of the
// first is returned. If a later part fails, the parts already posted are
// deleted so a retry starts from a clean issue.
func (c *Client) AppendComment(ctx context.Context, issueKey string, draft tracker.CommentDraft) (string, error) {
	c.uploadAttachments(ctx, issueKey, draft.Attachments)

	path := "/issue/" + url.PathEscape(issueKey) + "/comment"
	var posted []string
	for i, part := range SplitComment(draft.Body, MaxCommentLength) {
		var created commentResponse
		if err := c.doJSON(ctx, "append_comment", http.MethodPost, path, commentRequest{Body: part}, &created); err != nil {
			if i > 0 {
				c.deleteComments(ctx, issueKey, posted)
				return "", fmt.Errorf("comment part %d: %w", i+1, err)
			}
			return "", err
		}
		posted = append(posted, created.ID)
	}
	return posted[0], nil
}

// deleteComments removes comments posted for a unit that could not be posted
// whole. It runs even if ctx was canceled.
func (c *Client) deleteComments(ctx context.Context, issueKey string, ids []string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for _, id := range ids {
		path := "/issue/" + url.PathEscape(issueKey) + "/comment/" + url.PathEscape(id)
		if err := c.doJSON(cleanupCtx, "delete_comment", http.MethodDelete, path, nil, nil); err != nil {
			c.logger.Error("jira: could not remove partial comment, it will be posted again on retry",
				"issue_key", issueKey, "comment_id", id, "error", err)
		}
	}
}

// SearchIssues finds issues for a picker: an exact key match when text looks
// like a key, followed by issues whose summary matches text.
func (c *Client) SearchIssues(ctx context.Context, text string, limit int) ([]tracker.Issue, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []tracker.Issue{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	var byKey, bySummary []tracker.Issue
	g, gctx := errgroup.WithContext(ctx)
	if key := strings.ToUpper(text); issueKeyShape.MatchString(key) {
		g.Go(func() error {
			issues, err := c.searchJQL(gctx, "issuekey = "+key, 1)
			if tracker.IsRejected(err) {
				// Jira refuses the query outright when the key does not exist.
				return nil
			}
			byKey = issues
			return err
		})
	}
	g.Go(func() error {
		issues, err := c.searchJQL(gctx, `summary ~ "`+escapeJQL(text)+`"`, limit)
		bySummary = issues
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(byKey)+len(bySummary))
	out := make([]tracker.Issue, 0, len(byKey)+len(bySummary))
	for _, issue := range append(byKey, bySummary...) {
		if _, dup := seen[issue.Key]; dup {
			continue
		}
		seen[issue.Key] = struct{}{}
		out = append(out, issue)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) searchJQL(ctx context.Context, jql string, limit int) ([]tracker.Issue, error) {
	query := url.Values{}
	query.Set("jql", jql)
	query.Set("maxResults", strconv.Itoa(limit))
	query.Set("fields", "summary")

	var found searchResponse
	if err := c.doJSON(ctx, "search_issues", http.MethodGet, "/search?"+query.Encode(), nil, &found); err != nil {
		return nil, err
	}
	issues := make([]tracker.Issue, 0, len(found.Issues))
	for _, issue := range found.Issues {
		issues = append(issues, tracker.Issue{Key: issue.Key, Summary: issue.Fields.Summary})
	}
	return issues, nil
}

var jqlEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// escapeJQL escapes text for use inside a double-quoted JQL string.
func escapeJQL(text string) string {
	return jqlEscaper.Replace(text)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SplitComment cuts body into pieces of at most limit runes, preferring line
// breaks in the second half of each piece.
func SplitComment(body string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}
	var parts []string
	for utf8.RuneCountInString(body) > limit {
		cut := byteOffset(body, limit)
		if nl := strings.LastIndexByte(body[:cut], '\n'); nl > 0 && utf8.RuneCountInString(body[:nl]) >= limit/2 {
			cut = nl + 1
		}
		parts = append(parts, body[:cut])
		body = body[cut:]
	}
	if body != "" {
		parts = append(parts, body)
	}
	return parts
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return i
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
