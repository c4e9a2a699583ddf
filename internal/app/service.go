package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"threadlink/api/internal/chat"
	"threadlink/api/internal/engine"
	"threadlink/api/internal/search"
	"threadlink/api/internal/store"
	"threadlink/api/internal/tracker"
)

type syncEngine interface {
	CreateFromThread(ctx context.Context, req engine.Request) (engine.Result, error)
	UploadToThread(ctx context.Context, req engine.Request) (engine.Result, error)
	Refresh(ctx context.Context, req engine.Request) (engine.Result, error)
}

type linkSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Deps struct {
	Engine   syncEngine
	Store    store.LinkStore
	Search   linkSearcher
	// Issues backs the issue picker. Optional.
	Issues   tracker.IssueSearcher
	Notifier chat.Notifier
	// IssueURL renders a browser link for an issue key in notices.
	IssueURL func(issueKey string) string
	Logger   *slog.Logger
}

type Service struct {
	engine   syncEngine
	store    store.LinkStore
	search   linkSearcher
	issues   tracker.IssueSearcher
	notifier chat.Notifier
	issueURL func(string) string
	logger   *slog.Logger
}

func New(deps Deps) *Service {
	s := &Service{
		engine:   deps.Engine,
		store:    deps.Store,
		search:   deps.Search,
		issues:   deps.Issues,
		notifier: deps.Notifier,
		issueURL: deps.IssueURL,
		logger:   deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// LinkView is the admin representation of a sync link.
type LinkView struct {
	ThreadID            string    `json:"threadId"`
	IssueKey            string    `json:"issueKey"`
	IssueURL            string    `json:"issueUrl,omitempty"`
	Summary             string    `json:"summary"`
	CreatedBy           string    `json:"createdBy"`
	LastSyncedMessageID *string   `json:"lastSyncedMessageId"`
	SyncedMessageIDs    []string  `json:"syncedMessageIds"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// IssueOption is one entry of the issue picker.
type IssueOption struct {
	Key      string `json:"key"`
	Summary  string `json:"summary"`
	IssueURL string `json:"issueUrl,omitempty"`
}

// HandleEvent runs the engine operation for ev and reports the outcome back
// to chat. The notice is best effort.
func (s *Service) HandleEvent(ctx context.Context, ev chat.Event) (engine.Result, error) {
	ev.ThreadID = strings.TrimSpace(ev.ThreadID)
	ev.IssueKey = strings.ToUpper(strings.TrimSpace(ev.IssueKey))
	ev.Project = strings.ToUpper(strings.TrimSpace(ev.Project))
	logger := s.logger.With("event", ev.Type, "thread_id", ev.ThreadID, "user", ev.InvokingUser)
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if err := ev.Validate(); err != nil {
		logger.Warn("event rejected", "error", err)
		return engine.Result{}, domainError(http.StatusBadRequest, "INVALID_EVENT", err.Error(), nil)
	}

	req := engine.Request{
		ThreadID:     ev.ThreadID,
		IssueKey:     ev.IssueKey,
		InvokingUser: ev.InvokingUser,
		Project:      ev.Project,
		IssueType:    strings.TrimSpace(ev.IssueType),
		Summary:      ev.Summary,
		Priority:     strings.TrimSpace(ev.Priority),
	}
	var (
		res engine.Result
		err error
	)
	switch ev.Type {
	case chat.EventThreadCreateRequested:
		res, err = s.engine.CreateFromThread(ctx, req)
	case chat.EventUploadRequested:
		res, err = s.engine.UploadToThread(ctx, req)
	case chat.EventRefreshRequested:
		res, err = s.engine.Refresh(ctx, req)
	}

	if err != nil {
		logger.Warn("event failed", "status", res.Status, "error", err)
	} else {
		logger.Info("event handled", "status", res.Status, "issue_key", res.IssueKey, "synced", res.SyncedCount)
	}
	s.notify(ctx, logger, noticeFor(ev, res, err, s.issueURL))
	return res, err
}

func (s *Service) notify(ctx context.Context, logger *slog.Logger, notice chat.Notice) {
	if s.notifier == nil || notice.Text == "" {
		return
	}
	if !notice.Public && notice.UserID == "" {
		return
	}
	// The engine's context may already be done; the notice should still go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, notice); err != nil {
		logger.Warn("notify failed", "error", err)
	}
}

func (s *Service) Link(ctx context.Context, threadID string) (LinkView, error) {
	link, err := s.store.Get(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return LinkView{}, domainError(http.StatusNotFound, "NOT_LINKED", "Thread is not linked to an issue", nil)
	}
	if err != nil {
		return LinkView{}, err
	}
	view := LinkView{
		ThreadID:            link.ThreadID,
		IssueKey:            link.IssueKey,
		Summary:             link.Summary,
		CreatedBy:           link.CreatedBy,
		LastSyncedMessageID: link.LastSyncedMessageID,
		SyncedMessageIDs:    link.SyncedMessageIDs,
		CreatedAt:           link.CreatedAt,
		UpdatedAt:           link.UpdatedAt,
	}
	if s.issueURL != nil {
		view.IssueURL = s.issueURL(link.IssueKey)
	}
	if view.SyncedMessageIDs == nil {
		view.SyncedMessageIDs = []string{}
	}
	return view, nil
}

func (s *Service) SearchLinks(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// SearchIssues lists tracker issues matching text by key or summary, for
// picking the issue to upload a thread to.
func (s *Service) SearchIssues(ctx context.Context, text string, limit int) ([]IssueOption, error) {
	if s.issues == nil {
		return nil, domainError(http.StatusNotImplemented, "ISSUE_SEARCH_DISABLED", "Issue search is not configured", nil)
	}
	issues, err := s.issues.SearchIssues(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	options := make([]IssueOption, 0, len(issues))
	for _, issue := range issues {
		option := IssueOption{Key: issue.Key, Summary: issue.Summary}
		if s.issueURL != nil {
			option.IssueURL = s.issueURL(issue.Key)
		}
		options = append(options, option)
	}
	return options, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
