package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a LinkStore held in process memory. Used by tests and local
// runs without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	links map[string]*Link
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]*Link), now: time.Now}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Create(_ context.Context, threadID, issueKey string, synced []string, createdBy, summary string) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.links[threadID]; ok {
		return Link{}, &AlreadyLinkedError{ThreadID: threadID, IssueKey: existing.IssueKey}
	}
	now := s.now().UTC()
	link := &Link{
		ThreadID:         threadID,
		IssueKey:         issueKey,
		SyncedMessageIDs: []string{},
		Summary:          summary,
		CreatedBy:        createdBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	appendUnique(link, synced)
	s.links[threadID] = link
	return cloneLink(link), nil
}

func (s *MemoryStore) Get(_ context.Context, threadID string) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[threadID]
	if !ok {
		return Link{}, ErrNotFound
	}
	return cloneLink(link), nil
}

func (s *MemoryStore) RecordSynced(_ context.Context, threadID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[threadID]
	if !ok {
		return ErrNotFound
	}
	appendUnique(link, messageIDs)
	last := messageIDs[len(messageIDs)-1]
	link.LastSyncedMessageID = &last
	link.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Search(_ context.Context, text string, limit, offset int) (SearchPage, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return SearchPage{}, nil
	}
	var out []LinkSummary
	for _, item := range s.summaries() {
		if strings.HasPrefix(strings.ToLower(item.IssueKey), text) || strings.Contains(strings.ToLower(item.Summary), text) {
			out = append(out, item)
		}
	}
	page := SearchPage{Total: len(out)}
	if offset < 0 || offset >= len(out) {
		return page, nil
	}
	out = out[offset:]
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	page.Links = out
	return page, nil
}

func (s *MemoryStore) List(context.Context) ([]LinkSummary, error) {
	return s.summaries(), nil
}

func (s *MemoryStore) summaries() []LinkSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LinkSummary, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, LinkSummary{
			ThreadID:  link.ThreadID,
			IssueKey:  link.IssueKey,
			Summary:   link.Summary,
			CreatedBy: link.CreatedBy,
			UpdatedAt: link.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func appendUnique(link *Link, ids []string) {
	seen := link.SyncedSet()
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		link.SyncedMessageIDs = append(link.SyncedMessageIDs, id)
	}
	if len(ids) > 0 && link.LastSyncedMessageID == nil {
		last := ids[len(ids)-1]
		link.LastSyncedMessageID = &last
	}
}

func cloneLink(link *Link) Link {
	out := *link
	out.SyncedMessageIDs = make([]string, len(link.SyncedMessageIDs))
	copy(out.SyncedMessageIDs, link.SyncedMessageIDs)
	if link.LastSyncedMessageID != nil {
		last := *link.LastSyncedMessageID
		out.LastSyncedMessageID = &last
	}
	return out
}
