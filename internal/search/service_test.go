package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadlink/api/internal/store"
)

type fakeBackend struct {
	healthy   bool
	searchErr error
	results   []Result

	mu      sync.Mutex
	indexed []LinkRecord
	signal  chan struct{}
}

func (f *fakeBackend) Search(Query) ([]Result, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeBackend) IndexLinks(records []LinkRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	if f.signal != nil {
		f.signal <- struct{}{}
	}
	return nil
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	_, err := s.Create(context.Background(), "C1:1", "OPS-12", nil, "U1", "Database failover drill")
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "C1:2", "PROJ-7", nil, "U1", "Login page broken")
	require.NoError(t, err)
	return s
}

func TestSearchUsesHealthyBackend(t *testing.T) {
	backend := &fakeBackend{healthy: true, results: []Result{{ThreadID: "C9:9", IssueKey: "X-1"}}}
	svc := NewService(backend, StoreFallback{Store: seededStore(t)}, nil)

	resp := svc.Search(context.Background(), Query{Text: "login"})
	assert.Equal(t, "meilisearch", resp.Backend)
	assert.Equal(t, []Result{{ThreadID: "C9:9", IssueKey: "X-1"}}, resp.Results)
}

func TestSearchFallsBackToStore(t *testing.T) {
	cases := map[string]*fakeBackend{
		"unhealthy": {healthy: false},
		"erroring":  {healthy: true, searchErr: errors.New("timeout")},
	}
	for name, backend := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewService(backend, StoreFallback{Store: seededStore(t)}, nil)
			resp := svc.Search(context.Background(), Query{Text: "login"})
			assert.Equal(t, "store", resp.Backend)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "PROJ-7", resp.Results[0].IssueKey)
		})
	}

	svc := NewService(nil, StoreFallback{Store: seededStore(t)}, nil)
	resp := svc.Search(context.Background(), Query{Text: "nothing matches"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestStoreFallbackOffset(t *testing.T) {
	f := StoreFallback{Store: seededStore(t)}
	all, _, err := f.Search(context.Background(), Query{Text: "o"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	rest, n, err := f.Search(context.Background(), Query{Text: "o", Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rest, 1)
	assert.Equal(t, all[1], rest[0])
}

func TestStoreFallbackTotalCountsEveryMatch(t *testing.T) {
	s := seededStore(t)
	_, err := s.Create(context.Background(), "C1:3", "PROJ-8", nil, "U1", "Login times out")
	require.NoError(t, err)

	svc := NewService(nil, StoreFallback{Store: s}, nil)
	resp := svc.Search(context.Background(), Query{Text: "login", Limit: 1})
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 2, resp.Total)
}

func TestIndexLinkAndReindex(t *testing.T) {
	backend := &fakeBackend{healthy: true, signal: make(chan struct{}, 4)}
	s := seededStore(t)
	svc := NewService(backend, StoreFallback{Store: s}, nil)

	svc.IndexLink(store.LinkSummary{ThreadID: "C1:1700000000.000100", IssueKey: "PROJ-1", UpdatedAt: time.Unix(100, 0)})
	select {
	case <-backend.signal:
	case <-time.After(time.Second):
		t.Fatal("index call not observed")
	}

	svc.ReindexAll(context.Background(), s)
	<-backend.signal

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.indexed, 3)
	assert.Equal(t, LinkRecord{
		ID:        "C1__1700000000_000100",
		ThreadID:  "C1:1700000000.000100",
		IssueKey:  "PROJ-1",
		UpdatedAt: 100,
	}, backend.indexed[0])
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"threadId":   json.RawMessage(`"C1:1"`),
		"issueKey":   json.RawMessage(`"PROJ-7"`),
		"summary":    json.RawMessage(`"Login page broken"`),
		"_formatted": json.RawMessage(`{"summary":"*Login* page broken","issueKey":"PROJ-7"}`),
	}
	assert.Equal(t, Result{
		ThreadID: "C1:1",
		IssueKey: "PROJ-7",
		Summary:  "Login page broken",
		Snippet:  "*Login* page broken",
	}, hitToResult(hit))
}
