// Package search indexes sync links for the issue picker. Meilisearch is
// preferred; the link store's own search is the fallback.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ThreadID string `json:"threadId"`
	IssueKey string `json:"issueKey"`
	Summary  string `json:"summary"`
	Snippet  string `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	// Backend names the engine that answered.
	Backend string `json:"backend"`
}

// LinkRecord is the data we index for a sync link.
type LinkRecord struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	IssueKey  string `json:"issueKey"`
	Summary   string `json:"summary"`
	CreatedBy string `json:"createdBy"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Backend is a full-text engine holding link records.
type Backend interface {
	Search(q Query) ([]Result, int, error)
	IndexLinks(records []LinkRecord) error
	Healthy() bool
}

// Fallback answers searches when the backend is down.
type Fallback interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}
