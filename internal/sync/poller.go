// Package sync keeps the local cache in step with the remote mailbox and
// runs the periodic drain, merge and cleanup work.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailcache/internal/actions"
	"github.com/nhle/mailcache/internal/inflight"
	"github.com/nhle/mailcache/internal/merge"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
)

// State represents what the poller is currently doing.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a snapshot of the poller's sync state.
type Status struct {
	State    State
	LastSync time.Time
	Error    error

	// AuthExpired is set when the last failure was the remote rejecting
	// the credentials. Polling continues but cannot succeed until the
	// user logs in again.
	AuthExpired bool
}

// Result describes one sync pass.
type Result struct {
	IngestResult

	// Full is set when the pass listed the whole mailbox instead of
	// replaying history.
	Full bool

	Fetched   int
	HistoryID string
}

// Config controls poll cadence and fetch fan-out. Zero values take the
// defaults below.
type Config struct {
	Interval           time.Duration
	DrainInterval      time.Duration
	MergeInterval      time.Duration
	PurgeInterval      time.Duration
	CompletedRetention time.Duration
	PageSize           int
	FetchConcurrency   int
}

const (
	defaultInterval           = 60 * time.Second
	defaultDrainInterval      = 30 * time.Second
	defaultMergeInterval      = 5 * time.Minute
	defaultPurgeInterval      = time.Hour
	defaultCompletedRetention = 24 * time.Hour
	defaultPageSize           = 100
	defaultFetchConcurrency   = 8
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaultDrainInterval
	}
	if c.MergeInterval <= 0 {
		c.MergeInterval = defaultMergeInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = defaultPurgeInterval
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = defaultCompletedRetention
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = defaultFetchConcurrency
	}
	return c
}

// syncTimeout bounds a single sync pass.
const syncTimeout = 5 * time.Minute

// Poller orchestrates background syncing against one remote mailbox.
type Poller struct {
	store    store.Transactor
	remote   remote.Client
	ingester *Ingester
	queue    *actions.Queue
	merger   *merge.Merger
	fetches  *inflight.Group[*remote.Message]
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	mu        gosync.Mutex
	status    Status
	running   bool
	triggerCh chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

// New creates a Poller. fetches collapses concurrent fetches of the same
// message id and may be shared with other readers of the remote.
func New(
	st store.Transactor,
	rc remote.Client,
	ingester *Ingester,
	queue *actions.Queue,
	merger *merge.Merger,
	fetches *inflight.Group[*remote.Message],
	cfg Config,
	logger *slog.Logger,
) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if fetches == nil {
		fetches = inflight.NewGroup[*remote.Message](0, 0)
	}
	return &Poller{
		store:     st,
		remote:    rc,
		ingester:  ingester,
		queue:     queue,
		merger:    merger,
		fetches:   fetches,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "sync")),
		tracer:    otel.Tracer("github.com/nhle/mailcache/internal/sync"),
		triggerCh: make(chan struct{}, 1),
	}
}

// Status returns a snapshot of the current sync state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) setStatus(state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Error = err
	p.status.AuthExpired = remote.IsAuthError(err)
	if state == StateIdle && err == nil {
		p.status.LastSync = time.Now()
	}
}

// SyncOnce brings the cache up to date. It replays remote history since
// the last stored history id, or lists the whole mailbox when there is no
// id yet or the remote no longer has it.
func (p *Poller) SyncOnce(ctx context.Context) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "sync.SyncOnce")
	defer span.End()

	p.setStatus(StateRunning, nil)
	res, err := p.syncOnce(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.setStatus(StateError, err)
		return res, err
	}

	span.SetAttributes(
		attribute.Bool("sync.full", res.Full),
		attribute.Int("sync.fetched", res.Fetched),
		attribute.Int("sync.inserted", res.Inserted),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
	)
	p.setStatus(StateIdle, nil)
	return res, nil
}

func (p *Poller) syncOnce(ctx context.Context) (Result, error) {
	var since string
	err := p.store.View(ctx, func(tx *store.Tx) error {
		var err error
		since, err = tx.SyncState(store.SyncStateHistoryID)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if since != "" {
		changes, err := p.remote.ListHistory(ctx, since)
		switch {
		case err == nil:
			return p.applyHistory(ctx, changes)
		case remote.IsNotFound(err):
			p.logger.Info("history expired, running full sync", slog.String("history_id", since))
		default:
			return Result{}, fmt.Errorf("listing history: %w", err)
		}
	}
	return p.fullSync(ctx)
}

func (p *Poller) applyHistory(ctx context.Context, changes *remote.HistoryChanges) (Result, error) {
	res := Result{HistoryID: changes.HistoryID}

	msgs, gone, err := p.fetchAll(ctx, changes.Changed)
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	ingested, err := p.ingester.Ingest(ctx, msgs)
	res.add(ingested)
	if err != nil {
		return res, err
	}

	// Remote deletions win over pending local changes.
	deleted := append(append([]string(nil), changes.Deleted...), gone...)
	removed, err := p.ingester.Remove(ctx, deleted, false)
	res.add(removed)
	if err != nil {
		return res, err
	}

	if changes.HistoryID != "" {
		if err := p.saveHistoryID(ctx, changes.HistoryID); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Poller) fullSync(ctx context.Context) (Result, error) {
	res := Result{Full: true}

	// Read the history id before listing so nothing that changes during
	// the scan is skipped by the next incremental pass.
	historyID, err := p.remote.CurrentHistoryID(ctx)
	if err != nil {
		return res, fmt.Errorf("reading history id: %w", err)
	}
	res.HistoryID = historyID

	var ids []string
	token := ""
	for {
		page, err := p.remote.ListMessages(ctx, token, p.cfg.PageSize)
		if err != nil {
			return res, fmt.Errorf("listing messages: %w", err)
		}
		ids = append(ids, page.IDs...)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	msgs, _, err := p.fetchAll(ctx, ids)
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	ingested, err := p.ingester.Ingest(ctx, msgs)
	res.add(ingested)
	if err != nil {
		return res, err
	}

	present := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		present[m.ID] = struct{}{}
	}
	var cached []string
	err = p.store.View(ctx, func(tx *store.Tx) error {
		var err error
		cached, err = tx.MessageIDs()
		return err
	})
	if err != nil {
		return res, err
	}
	var stale []string
	for _, id := range cached {
		if _, ok := present[id]; !ok {
			stale = append(stale, id)
		}
	}

	// A message still protected by a pending action may be missing only
	// because the action moved it; leave it for the next pass.
	removed, err := p.ingester.Remove(ctx, stale, true)
	res.add(removed)
	if err != nil {
		return res, err
	}

	if historyID != "" {
		if err := p.saveHistoryID(ctx, historyID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// fetchAll fetches message metadata with bounded concurrency. Ids the
// remote reports as missing are returned separately, in input order.
func (p *Poller) fetchAll(ctx context.Context, ids []string) ([]*remote.Message, []string, error) {
	fetched := make([]*remote.Message, len(ids))
	missing := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			m, err := p.fetches.Do(gctx, id, func(ctx context.Context) (*remote.Message, error) {
				return p.remote.GetMessage(ctx, id)
			})
			if remote.IsNotFound(err) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetching message %s: %w", id, err)
			}
			fetched[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	msgs := make([]*remote.Message, 0, len(ids))
	var gone []string
	for i, m := range fetched {
		switch {
		case missing[i]:
			gone = append(gone, ids[i])
		case m != nil:
			msgs = append(msgs, m)
		}
	}
	return msgs, gone, nil
}

func (p *Poller) saveHistoryID(ctx context.Context, id string) error {
	return p.store.Update(ctx, func(tx *store.Tx) error {
		return tx.SetSyncState(store.SyncStateHistoryID, id)
	})
}

// Start launches the background loop: drain and sync right away, then on
// every tick. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	go p.run(ctx, stopCh, done)
}

// Stop halts the background loop, interrupting any drain backoff, and
// waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.cancel()
	p.running = false
	done := p.done
	p.mu.Unlock()

	if p.queue != nil {
		p.queue.Interrupt()
	}
	<-done
}

// RefreshNow asks the running loop for an immediate drain and sync. A
// request already waiting absorbs this one.
func (p *Poller) RefreshNow() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if p.queue != nil {
		if n, err := p.queue.Recover(ctx); err != nil {
			p.logger.Error("recovering actions", slog.String("error", err.Error()))
		} else if n > 0 {
			p.logger.Info("recovered interrupted actions", slog.Int("count", n))
		}
	}

	syncTicker := time.NewTicker(p.cfg.Interval)
	defer syncTicker.Stop()
	drainTicker := time.NewTicker(p.cfg.DrainInterval)
	defer drainTicker.Stop()
	mergeTicker := time.NewTicker(p.cfg.MergeInterval)
	defer mergeTicker.Stop()
	purgeTicker := time.NewTicker(p.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	p.refresh(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			p.refresh(ctx)
		case <-p.triggerCh:
			p.refresh(ctx)
		case <-drainTicker.C:
			p.drain(ctx)
		case <-mergeTicker.C:
			p.mergeSweep(ctx)
		case <-purgeTicker.C:
			p.purge(ctx)
		}
	}
}

// refresh pushes pending actions before pulling, so the pull sees them
// applied remotely.
func (p *Poller) refresh(ctx context.Context) {
	p.drain(ctx)

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	res, err := p.SyncOnce(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		if remote.IsAuthError(err) {
			p.logger.Warn("sync stopped: authentication expired, run `mailcache login`")
			return
		}
		p.logger.Error("sync failed", slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("sync complete",
		slog.Bool("full", res.Full),
		slog.Int("fetched", res.Fetched),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("protected", res.Protected),
		slog.Int("deleted", res.Deleted),
	)
}

func (p *Poller) drain(ctx context.Context) {
	if p.queue == nil {
		return
	}
	res, err := p.queue.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		if remote.IsAuthError(err) {
			p.setStatus(StateError, err)
		}
		p.logger.Warn("drain stopped", slog.String("error", err.Error()))
	}
	if res.Completed+res.Retried+res.Abandoned > 0 {
		p.logger.Info("drained actions",
			slog.Int("completed", res.Completed),
			slog.Int("retried", res.Retried),
			slog.Int("abandoned", res.Abandoned),
		)
	}
}

func (p *Poller) mergeSweep(ctx context.Context) {
	if p.merger == nil {
		return
	}
	res, err := p.merger.Run(ctx)
	if err != nil {
		p.logger.Error("merge sweep failed", slog.String("error", err.Error()))
		return
	}
	if res.Groups > 0 {
		p.logger.Info("merged duplicate conversations",
			slog.Int("groups", res.Groups),
			slog.Int("removed", res.Removed),
			slog.Int("reassigned", res.Reassigned),
		)
	}
}

func (p *Poller) purge(ctx context.Context) {
	if p.queue == nil {
		return
	}
	n, err := p.queue.PurgeCompleted(ctx, p.cfg.CompletedRetention)
	if err != nil {
		p.logger.Error("purging completed actions", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Debug("purged completed actions", slog.Int("count", n))
	}
}
