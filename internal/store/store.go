package store

import "context"

// LinkStore persists thread-to-issue links. Implementations must make Create
// atomic: of any number of concurrent creators for one thread exactly one
// succeeds and the rest get *AlreadyLinkedError.
type LinkStore interface {
	Create(ctx context.Context, threadID, issueKey string, synced []string, createdBy, summary string) (Link, error)
	Get(ctx context.Context, threadID string) (Link, error)
	// RecordSynced adds messageIDs to the link's synced set. Recording an id
	// twice is a no-op.
	RecordSynced(ctx context.Context, threadID string, messageIDs []string) error
	// Search returns the page of links matching text that starts at offset,
	// along with the number of matches across all pages.
	Search(ctx context.Context, text string, limit, offset int) (SearchPage, error)
	List(ctx context.Context) ([]LinkSummary, error)
	Ping(ctx context.Context) error
}

var (
	_ LinkStore = (*PostgresStore)(nil)
	_ LinkStore = (*MemoryStore)(nil)
)

// SearchPage is one page of link search matches.
type SearchPage struct {
	Links []LinkSummary
	Total int
}

const defaultSearchLimit = 20

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return defaultSearchLimit
	}
	return limit
}
