// Package engine decides, per thread event, whether to create an issue,
// append new thread content to the linked issue, or do nothing.
//
// Every unit is recorded as synced only after the tracker confirmed it, so an
// interrupted operation is completed by the next upload or refresh without
// duplicating comments.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"threadlink/api/internal/collect"
	"threadlink/api/internal/lock"
	"threadlink/api/internal/metrics"
	"threadlink/api/internal/normalize"
	"threadlink/api/internal/store"
	"threadlink/api/internal/tracker"
)

const DefaultLabel = "slack-driven-development"

// persistTimeout bounds store writes that record work the tracker already
// accepted. They run even when the caller's context is canceled.
const persistTimeout = 10 * time.Second

type Status string

const (
	StatusCreated  Status = "created"
	StatusLinked   Status = "linked"
	StatusAppended Status = "appended"
	StatusNoop     Status = "noop"
)

// State is a thread's position in the link lifecycle.
type State string

const (
	StateUnlinked       State = "unlinked"
	StateLinked         State = "linked"
	StateCreateInFlight State = "create_in_flight"
)

type Request struct {
	ThreadID     string
	IssueKey     string
	InvokingUser string

	// Create options. Empty values fall back to the tracker's defaults, and
	// an empty Summary to the root message's first line.
	Project   string
	IssueType string
	Summary   string
	Priority  string
}

type Result struct {
	Status      Status `json:"status"`
	IssueKey    string `json:"issueKey"`
	SyncedCount int    `json:"syncedCount"`
	Partial     bool   `json:"partial"`
}

// Collector produces thread snapshots. *collect.Collector satisfies it.
type Collector interface {
	Collect(ctx context.Context, threadID string) (collect.Snapshot, error)
}

// Indexer receives links whose searchable fields changed.
type Indexer interface {
	IndexLink(link store.LinkSummary)
}

type Config struct {
	Collector Collector
	Store     store.LinkStore
	Tracker   tracker.Adapter
	// Locker serializes operations per thread. Defaults to an in-process
	// lock.Keyed.
	Locker  lock.Locker
	Indexer Indexer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Labels are set on created issues. Defaults to DefaultLabel.
	Labels []string
}

type Engine struct {
	collector Collector
	store     store.LinkStore
	tracker   tracker.Adapter
	locker    lock.Locker
	indexer   Indexer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	labels    []string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Collector == nil || cfg.Store == nil || cfg.Tracker == nil {
		return nil, errors.New("engine: collector, store and tracker are required")
	}
	e := &Engine{
		collector: cfg.Collector,
		store:     cfg.Store,
		tracker:   cfg.Tracker,
		locker:    cfg.Locker,
		indexer:   cfg.Indexer,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		labels:    cfg.Labels,
		inFlight:  make(map[string]struct{}),
	}
	if e.locker == nil {
		e.locker = lock.NewKeyed()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if len(e.labels) == 0 {
		e.labels = []string{DefaultLabel}
	}
	return e, nil
}

// State reports whether the thread is linked, unlinked, or has a create in
// progress in this process.
func (e *Engine) State(ctx context.Context, threadID string) (State, error) {
	e.mu.Lock()
	_, creating := e.inFlight[threadID]
	e.mu.Unlock()
	if creating {
		return StateCreateInFlight, nil
	}
	_, err := e.store.Get(ctx, threadID)
	switch {
	case err == nil:
		return StateLinked, nil
	case errors.Is(err, store.ErrNotFound):
		return StateUnlinked, nil
	default:
		return "", err
	}
}

// CreateFromThread creates an issue from an unlinked thread: the root becomes
// the issue and every reply a comment.
func (e *Engine) CreateFromThread(ctx context.Context, req Request) (res Result, err error) {
	defer e.observe("create", time.Now(), &res, &err)

	if err := validateCreateOptions(req); err != nil {
		return Result{}, err
	}

	ctx, unlock, err := e.acquire(ctx, req.ThreadID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	existing, err := e.store.Get(ctx, req.ThreadID)
	if err == nil {
		return Result{}, &AlreadyLinkedError{ThreadID: req.ThreadID, IssueKey: existing.IssueKey}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("load link %s: %w", req.ThreadID, err)
	}

	e.setInFlight(req.ThreadID, true)
	defer e.setInFlight(req.ThreadID, false)

	snap, err := e.collect(ctx, req.ThreadID)
	if err != nil {
		return Result{}, err
	}
	root := snap.Root()
	summary := strings.TrimSpace(req.Summary)
	if summary == "" {
		summary = summarize(snap)
	}

	key, err := e.tracker.CreateIssue(ctx, tracker.IssueDraft{
		Project:     req.Project,
		IssueType:   req.IssueType,
		Priority:    req.Priority,
		Summary:     summary,
		Description: renderDescription(root),
		Labels:      e.labels,
		Attachments: trackerAttachments(root),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create issue for %s: %w", req.ThreadID, err)
	}

	link, err := e.recordLink(ctx, req.ThreadID, key, root.SourceMessageID, req.InvokingUser, summary)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("engine: issue created", "thread_id", req.ThreadID, "issue_key", key, "user", req.InvokingUser)

	res = Result{Status: StatusCreated, IssueKey: key, SyncedCount: 1, Partial: snap.IsPartial}
	n, err := e.appendUnits(ctx, link, snap.Units[1:])
	res.SyncedCount += n
	e.index(link)
	return res, err
}

// UploadToThread links an unlinked thread to an existing issue and uploads
// the whole thread, or appends what is new to the already linked issue.
func (e *Engine) UploadToThread(ctx context.Context, req Request) (res Result, err error) {
	defer e.observe("upload", time.Now(), &res, &err)

	if req.IssueKey != "" && !ValidIssueKey(req.IssueKey) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidIssueKey, req.IssueKey)
	}

	ctx, unlock, err := e.acquire(ctx, req.ThreadID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	link, err := e.store.Get(ctx, req.ThreadID)
	switch {
	case err == nil:
		if req.IssueKey != "" && req.IssueKey != link.IssueKey {
			return Result{}, &AlreadyLinkedError{ThreadID: req.ThreadID, IssueKey: link.IssueKey}
		}
		return e.syncLinked(ctx, link)
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("load link %s: %w", req.ThreadID, err)
	case req.IssueKey == "":
		return Result{}, fmt.Errorf("%w: an issue key is required to link a thread", ErrInvalidIssueKey)
	}

	snap, err := e.collect(ctx, req.ThreadID)
	if err != nil {
		return Result{}, err
	}
	issue, err := e.tracker.LookupIssue(ctx, req.IssueKey)
	if err != nil {
		return Result{}, fmt.Errorf("look up %s: %w", req.IssueKey, err)
	}
	summary := issue.Summary
	if summary == "" {
		summary = summarize(snap)
	}

	link, err = e.store.Create(ctx, req.ThreadID, req.IssueKey, nil, req.InvokingUser, summary)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("engine: thread linked", "thread_id", req.ThreadID, "issue_key", req.IssueKey, "user", req.InvokingUser)

	res = Result{Status: StatusLinked, IssueKey: req.IssueKey, Partial: snap.IsPartial}
	res.SyncedCount, err = e.appendUnits(ctx, link, snap.Units)
	e.index(link)
	return res, err
}

// Refresh appends new thread content to the linked issue.
func (e *Engine) Refresh(ctx context.Context, req Request) (res Result, err error) {
	defer e.observe("refresh", time.Now(), &res, &err)

	ctx, unlock, err := e.acquire(ctx, req.ThreadID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	link, err := e.store.Get(ctx, req.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrNotLinked
	}
	if err != nil {
		return Result{}, fmt.Errorf("load link %s: %w", req.ThreadID, err)
	}
	return e.syncLinked(ctx, link)
}

// syncLinked appends the units of the current snapshot that the link has not
// recorded. Caller holds the thread lock.
func (e *Engine) syncLinked(ctx context.Context, link store.Link) (Result, error) {
	snap, err := e.collect(ctx, link.ThreadID)
	if err != nil {
		return Result{}, err
	}
	synced := link.SyncedSet()
	var pending []normalize.Unit
	for _, u := range snap.Units {
		if _, ok := synced[u.SourceMessageID]; !ok {
			pending = append(pending, u)
		}
	}
	res := Result{Status: StatusNoop, IssueKey: link.IssueKey, Partial: snap.IsPartial}
	if len(pending) == 0 {
		return res, nil
	}
	res.Status = StatusAppended
	res.SyncedCount, err = e.appendUnits(ctx, link, pending)
	if res.SyncedCount > 0 {
		e.index(link)
	}
	return res, err
}

// appendUnits posts each unit as a comment in order and records it once the
// tracker accepted it. It stops at the first failure and returns how many
// units were recorded. Before each append the link is re-read, so a unit
// recorded by another holder of the thread is skipped rather than posted
// twice.
func (e *Engine) appendUnits(ctx context.Context, link store.Link, units []normalize.Unit) (int, error) {
	n := 0
	for _, u := range units {
		if ctx.Err() != nil {
			return n, context.Cause(ctx)
		}
		current, err := e.store.Get(ctx, link.ThreadID)
		if err != nil {
			return n, e.linkLost(link, err)
		}
		if current.IssueKey != link.IssueKey {
			return n, fmt.Errorf("%w: %s was relinked from %s to %s during sync",
				ErrInvariantViolation, link.ThreadID, link.IssueKey, current.IssueKey)
		}
		if _, done := current.SyncedSet()[u.SourceMessageID]; done {
			e.logger.Warn("engine: unit already synced by another operation, skipping",
				"thread_id", link.ThreadID, "issue_key", link.IssueKey, "message_id", u.SourceMessageID)
			continue
		}

		if _, err := e.tracker.AppendComment(ctx, link.IssueKey, tracker.CommentDraft{
			Body:        renderComment(u),
			Attachments: trackerAttachments(u),
		}); err != nil {
			return n, fmt.Errorf("append %s to %s: %w", u.SourceMessageID, link.IssueKey, err)
		}

		persistCtx, cancel := persistContext(ctx)
		err = e.store.RecordSynced(persistCtx, link.ThreadID, []string{u.SourceMessageID})
		cancel()
		if err != nil {
			return n, e.linkLost(link, fmt.Errorf("record %s: %w", u.SourceMessageID, err))
		}
		n++
		e.metrics.UnitsAppended(1)
	}
	return n, nil
}

// linkLost turns a missing link into an invariant violation; other errors
// pass through.
func (e *Engine) linkLost(link store.Link, err error) error {
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	e.logger.Error("engine: link vanished while syncing", "thread_id", link.ThreadID, "issue_key", link.IssueKey)
	return fmt.Errorf("%w: link for %s disappeared during sync", ErrInvariantViolation, link.ThreadID)
}

// recordLink stores the link for an issue the tracker just created. The
// write outlives a canceled caller; if it still fails the issue exists with
// no link and is logged as orphaned.
func (e *Engine) recordLink(ctx context.Context, threadID, issueKey, rootID, createdBy, summary string) (store.Link, error) {
	persistCtx, cancel := persistContext(ctx)
	defer cancel()

	link, err := e.store.Create(persistCtx, threadID, issueKey, []string{rootID}, createdBy, summary)
	if err == nil {
		return link, nil
	}
	var already *store.AlreadyLinkedError
	if errors.As(err, &already) {
		e.logger.Warn("engine: lost create race, created issue is orphaned",
			"thread_id", threadID, "orphan_issue", issueKey, "linked_issue", already.IssueKey)
		return store.Link{}, err
	}
	e.logger.Error("engine: could not record link, created issue is orphaned",
		"thread_id", threadID, "orphan_issue", issueKey, "error", err)
	return store.Link{}, fmt.Errorf("record link %s -> %s: %w", threadID, issueKey, err)
}

// acquire takes the thread lock. Work under the lock uses the returned context,
// which is canceled if the lock is lost.
func (e *Engine) acquire(ctx context.Context, threadID string) (context.Context, lock.Unlock, error) {
	heldCtx, unlock, err := e.locker.Lock(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	return heldCtx, unlock, nil
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (e *Engine) collect(ctx context.Context, threadID string) (collect.Snapshot, error) {
	snap, err := e.collector.Collect(ctx, threadID)
	if err != nil {
		return collect.Snapshot{}, err
	}
	if len(snap.Units) == 0 {
		return collect.Snapshot{}, fmt.Errorf("%w: snapshot of %s has no root", ErrInvariantViolation, threadID)
	}
	seen := make(map[string]struct{}, len(snap.Units))
	for _, u := range snap.Units {
		if _, dup := seen[u.SourceMessageID]; dup {
			return collect.Snapshot{}, fmt.Errorf("%w: snapshot of %s repeats message %s", ErrInvariantViolation, threadID, u.SourceMessageID)
		}
		seen[u.SourceMessageID] = struct{}{}
	}
	if snap.IsPartial {
		e.logger.Warn("engine: thread snapshot is partial", "thread_id", threadID, "units", len(snap.Units))
	}
	return snap, nil
}

func (e *Engine) index(link store.Link) {
	if e.indexer == nil {
		return
	}
	e.indexer.IndexLink(store.LinkSummary{
		ThreadID:  link.ThreadID,
		IssueKey:  link.IssueKey,
		Summary:   link.Summary,
		CreatedBy: link.CreatedBy,
		UpdatedAt: time.Now().UTC(),
	})
}

func (e *Engine) setInFlight(threadID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.inFlight[threadID] = struct{}{}
	} else {
		delete(e.inFlight, threadID)
	}
}

func (e *Engine) observe(op string, start time.Time, res *Result, err *error) {
	status := string(res.Status)
	if *err != nil {
		kind := KindOf(*err)
		status = string(kind)
		if kind == KindInvariantViolation || kind == KindInternal {
			e.logger.Error("engine: operation failed", "op", op, "error", *err)
		}
	}
	e.metrics.ObserveOperation(op, status, time.Since(start))
}
