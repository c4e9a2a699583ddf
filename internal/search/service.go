package search

import (
	"context"
	"log/slog"
	"time"

	"threadlink/api/internal/store"
)

// Service tries the backend first and falls back to the link store.
type Service struct {
	backend  Backend
	fallback Fallback
	logger   *slog.Logger
}

// NewService creates a search service. backend may be nil when Meilisearch
// is not configured.
func NewService(backend Backend, fallback Fallback, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, fallback: fallback, logger: logger}
}

func (s *Service) backendUp() bool {
	return s.backend != nil && s.backend.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.backendUp() {
		results, total, err := s.backend.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("search: meilisearch error, falling back to store", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: store fallback error", "error", err)
		return Response{Results: []Result{}, Query: q.Text, Backend: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "store"}
}

// IndexLink pushes one link to the backend without blocking the caller.
func (s *Service) IndexLink(link store.LinkSummary) {
	if !s.backendUp() {
		return
	}
	record := recordFromSummary(link)
	go func() {
		if err := s.backend.IndexLinks([]LinkRecord{record}); err != nil {
			s.logger.Warn("search: index link", "thread_id", link.ThreadID, "error", err)
		}
	}()
}

// ReindexAll loads every link from the lister and pushes them to the backend.
func (s *Service) ReindexAll(ctx context.Context, lister interface {
	List(ctx context.Context) ([]store.LinkSummary, error)
}) {
	if !s.backendUp() {
		return
	}
	links, err := lister.List(ctx)
	if err != nil {
		s.logger.Warn("search: reindex load failed", "error", err)
		return
	}
	records := make([]LinkRecord, 0, len(links))
	for _, link := range links {
		records = append(records, recordFromSummary(link))
	}
	if err := s.backend.IndexLinks(records); err != nil {
		s.logger.Warn("search: reindex links", "count", len(records), "error", err)
	}
}

func recordFromSummary(link store.LinkSummary) LinkRecord {
	updated := link.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return LinkRecord{
		ID:        documentID(link.ThreadID),
		ThreadID:  link.ThreadID,
		IssueKey:  link.IssueKey,
		Summary:   link.Summary,
		CreatedBy: link.CreatedBy,
		UpdatedAt: updated.Unix(),
	}
}

// StoreFallback answers searches from a store.LinkStore.
type StoreFallback struct {
	Store store.LinkStore
}

func (f StoreFallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	page, err := f.Store.Search(ctx, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(page.Links))
	for _, link := range page.Links {
		results = append(results, Result{
			ThreadID: link.ThreadID,
			IssueKey: link.IssueKey,
			Summary:  link.Summary,
			Snippet:  link.Snippet,
		})
	}
	return results, page.Total, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
