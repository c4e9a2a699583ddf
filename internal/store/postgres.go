package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, threadID, issueKey string, synced []string, createdBy, summary string) (Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Link{}, fmt.Errorf("begin create link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last *string
	if len(synced) > 0 {
		last = &synced[len(synced)-1]
	}

	link := Link{
		ThreadID:            threadID,
		IssueKey:            issueKey,
		LastSyncedMessageID: last,
		Summary:             summary,
		CreatedBy:           createdBy,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sync_links (thread_id, issue_key, last_synced_message_id, summary, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id) DO NOTHING
		RETURNING created_at, updated_at
	`, threadID, issueKey, last, summary, createdBy).Scan(&link.CreatedAt, &link.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT issue_key FROM sync_links WHERE thread_id=$1`, threadID).Scan(&existing); err != nil {
			return Link{}, fmt.Errorf("read winning link: %w", err)
		}
		return Link{}, &AlreadyLinkedError{ThreadID: threadID, IssueKey: existing}
	}
	if err != nil {
		return Link{}, fmt.Errorf("insert link: %w", err)
	}

	ids, err := insertMessages(ctx, tx, threadID, 0, synced)
	if err != nil {
		return Link{}, err
	}
	link.SyncedMessageIDs = ids

	if err := tx.Commit(); err != nil {
		return Link{}, fmt.Errorf("commit create link: %w", err)
	}
	return link, nil
}

// insertMessages records ids starting at position next, skipping ids that are
// already present. It returns the ids that were new.
func insertMessages(ctx context.Context, tx *sql.Tx, threadID string, next int64, ids []string) ([]string, error) {
	inserted := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_link_messages (thread_id, message_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (thread_id, message_id) DO NOTHING
		`, threadID, id, next)
		if err != nil {
			return nil, fmt.Errorf("record message %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, id)
			next++
		}
	}
	return inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, threadID string) (Link, error) {
	var (
		link Link
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, issue_key, last_synced_message_id, summary, created_by, created_at, updated_at
		FROM sync_links
		WHERE thread_id=$1
	`, threadID).Scan(&link.ThreadID, &link.IssueKey, &last, &link.Summary, &link.CreatedBy, &link.CreatedAt, &link.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("get link: %w", err)
	}
	if last.Valid {
		link.LastSyncedMessageID = &last.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM sync_link_messages
		WHERE thread_id=$1
		ORDER BY position ASC
	`, threadID)
	if err != nil {
		return Link{}, fmt.Errorf("list synced messages: %w", err)
	}
	defer rows.Close()

	link.SyncedMessageIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Link{}, fmt.Errorf("scan synced message: %w", err)
		}
		link.SyncedMessageIDs = append(link.SyncedMessageIDs, id)
	}
	if err := rows.Err(); err != nil {
		return Link{}, fmt.Errorf("iterate synced messages: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) RecordSynced(ctx context.Context, threadID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record synced tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock serializes position assignment for the thread.
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT thread_id FROM sync_links WHERE thread_id=$1 FOR UPDATE`, threadID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock link: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM sync_link_messages WHERE thread_id=$1
	`, threadID).Scan(&next); err != nil {
		return fmt.Errorf("next message position: %w", err)
	}

	if _, err := insertMessages(ctx, tx, threadID, next, messageIDs); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_links
		SET last_synced_message_id=$2, updated_at=NOW()
		WHERE thread_id=$1
	`, threadID, messageIDs[len(messageIDs)-1]); err != nil {
		return fmt.Errorf("update last synced message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record synced: %w", err)
	}
	return nil
}

const searchMatch = `search_vector @@ plainto_tsquery('simple', $1) OR issue_key ILIKE $2`

// Search matches issue keys by prefix and summaries by full-text search.
func (s *PostgresStore) Search(ctx context.Context, text string, limit, offset int) (SearchPage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SearchPage{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	keyPrefix := escapeLike(strings.ToUpper(text)) + "%"

	var page SearchPage
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sync_links WHERE `+searchMatch, text, keyPrefix).Scan(&page.Total); err != nil {
		return SearchPage{}, fmt.Errorf("count links: %w", err)
	}
	if page.Total <= offset {
		return page, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, issue_key, summary, created_by, updated_at,
			ts_headline('simple', summary, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM sync_links
		WHERE `+searchMatch+`
		ORDER BY ts_rank(search_vector, plainto_tsquery('simple', $1)) DESC, updated_at DESC, thread_id
		LIMIT $3 OFFSET $4
	`, text, keyPrefix, clampLimit(limit), offset)
	if err != nil {
		return SearchPage{}, fmt.Errorf("search links: %w", err)
	}
	defer rows.Close()
	page.Links, err = scanSummaries(rows, true)
	if err != nil {
		return SearchPage{}, err
	}
	return page, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]LinkSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, issue_key, summary, created_by, updated_at
		FROM sync_links
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows, false)
}

func scanSummaries(rows *sql.Rows, withSnippet bool) ([]LinkSummary, error) {
	out := make([]LinkSummary, 0)
	for rows.Next() {
		var item LinkSummary
		dest := []any{&item.ThreadID, &item.IssueKey, &item.Summary, &item.CreatedBy, &item.UpdatedAt}
		if withSnippet {
			dest = append(dest, &item.Snippet)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
