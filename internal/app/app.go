// Package app is the composition root. It constructs every long-lived
// service once, wires them together and owns their lifetimes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nhle/mailcache/internal/actions"
	"github.com/nhle/mailcache/internal/cache"
	"github.com/nhle/mailcache/internal/identity"
	"github.com/nhle/mailcache/internal/inflight"
	"github.com/nhle/mailcache/internal/merge"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/rollup"
	"github.com/nhle/mailcache/internal/store"
	appsync "github.com/nhle/mailcache/internal/sync"
)

// aliasTimeout bounds alias discovery at startup.
const aliasTimeout = 15 * time.Second

// App holds the services for one account.
type App struct {
	cfg    *model.AppConfig
	store  store.Store
	remote remote.Client
	logger *slog.Logger

	aliases []string
	locks   *inflight.KeyedMutex
	merger  *merge.Merger
	queue   *actions.Queue
	poller  *appsync.Poller
	views   *cache.Cache[string, *ConversationView]
	loads   *inflight.Group[*ConversationView]
	stopBg  context.CancelFunc
	bgDone  chan struct{}

	// gens counts invalidations per conversation. A load only caches its
	// result if no invalidation happened while it read the store.
	genMu sync.Mutex
	gens  map[string]uint64
}

// New opens the store and the remote mailbox described by cfg and wires
// the services on top of them.
func New(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger) (*App, error) {
	st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	rc, err := NewRemote(ctx, cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a, err := assemble(ctx, cfg, st, rc, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// assemble builds the service graph over an open store and remote.
func assemble(ctx context.Context, cfg *model.AppConfig, st store.Store, rc remote.Client, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	aliases := discoverAliases(ctx, rc, cfg.Account.AllAddresses(), logger)

	views, err := cache.New[string, *ConversationView](cache.Options[*ConversationView]{
		MaxItems: cfg.Cache.MaxItems,
		MaxBytes: cfg.Cache.MaxBytes,
		TTL:      time.Duration(cfg.Cache.TTLSec) * time.Second,
		SizeOf:   (*ConversationView).size,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation cache: %w", err)
	}

	failedTTL := time.Duration(cfg.Inflight.FailedTTLSec) * time.Second
	resolver := identity.NewResolver(aliases)
	updater := rollup.NewUpdater(aliases)
	locks := inflight.NewKeyedMutex()
	merger := merge.NewMerger(st, updater, locks, logger)
	ingester := appsync.NewIngester(st, resolver, updater, merger, locks, logger)
	queue := actions.NewQueue(st, actions.NewLabelExecutor(rc, st), updater, actions.Config{
		MaxRetries:  cfg.Actions.MaxRetries,
		BackoffBase: cfg.Actions.BackoffBase(),
		BackoffCap:  cfg.Actions.BackoffCap(),
	}, logger)
	fetches := inflight.NewGroup[*remote.Message](cfg.Inflight.FailedKeys, failedTTL)

	poller := appsync.New(st, rc, ingester, queue, merger, fetches, appsync.Config{
		Interval:           time.Duration(cfg.Sync.IntervalSec) * time.Second,
		DrainInterval:      time.Duration(cfg.Actions.DrainIntervalSec) * time.Second,
		MergeInterval:      time.Duration(cfg.Sync.MergeIntervalSec) * time.Second,
		CompletedRetention: time.Duration(cfg.Actions.CompletedRetentionHours) * time.Hour,
		PageSize:           cfg.Sync.PageSize,
	}, logger)

	return &App{
		cfg:     cfg,
		store:   st,
		remote:  rc,
		logger:  logger,
		aliases: aliases,
		locks:   locks,
		merger:  merger,
		queue:   queue,
		poller:  poller,
		views:   views,
		loads:   inflight.NewGroup[*ConversationView](cfg.Inflight.FailedKeys, failedTTL),
		gens:    make(map[string]uint64),
	}, nil
}

// discoverAliases merges the remote's send-as addresses into the
// configured ones. Discovery failures only cost accuracy, so they are
// logged and the configured set is used as is.
func discoverAliases(ctx context.Context, rc remote.Client, configured []string, logger *slog.Logger) []string {
	ctx, cancel := context.WithTimeout(ctx, aliasTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	var out []string
	add := func(addrs []string) {
		for _, a := range addrs {
			n := identity.Normalize(a)
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	add(configured)

	remoteAliases, err := rc.ListAliases(ctx)
	if err != nil {
		logger.Warn("alias discovery failed, using configured addresses",
			slog.String("error", err.Error()))
	}
	add(remoteAliases)

	slices.Sort(out)
	return out
}

// Aliases returns the addresses treated as the user's own.
func (a *App) Aliases() []string {
	return slices.Clone(a.aliases)
}

// Start launches background syncing and cache maintenance. Stop them with
// Close.
func (a *App) Start(ctx context.Context) {
	if a.stopBg != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.stopBg = cancel
	a.bgDone = make(chan struct{})

	events, unsubscribe := a.store.Subscribe(64)
	go func() {
		defer close(a.bgDone)
		defer unsubscribe()
		go a.views.Run(ctx, time.Duration(a.cfg.Cache.SweepIntervalSec)*time.Second)
		a.invalidate(ctx, events)
	}()

	a.poller.Start(ctx)
}

// invalidate drops cached views of every conversation a commit touched.
func (a *App) invalidate(ctx context.Context, events <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.invalidateViews(ev.Conversations)
		}
	}
}

func (a *App) invalidateViews(ids []string) {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	for _, id := range ids {
		a.gens[id]++
		a.views.Remove(id)
		a.loads.Forget(id)
	}
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	a.poller.Stop()
	if a.stopBg != nil {
		a.stopBg()
		<-a.bgDone
		a.stopBg = nil
	}
	return a.store.Close()
}

// Status reports the background sync state.
func (a *App) Status() appsync.Status {
	return a.poller.Status()
}

// Sync pushes pending actions, then pulls remote changes once. Actions
// that fail are left for the next run.
func (a *App) Sync(ctx context.Context) (appsync.Result, actions.DrainResult, error) {
	if _, err := a.queue.Recover(ctx); err != nil {
		return appsync.Result{}, actions.DrainResult{}, err
	}
	drained, err := a.queue.Drain(ctx)
	if err != nil && remote.IsAuthError(err) {
		return appsync.Result{}, drained, err
	}
	if err != nil {
		a.logger.Warn("drain stopped early", slog.String("error", err.Error()))
	}
	res, err := a.poller.SyncOnce(ctx)
	return res, drained, err
}

// Merge runs one merge sweep.
func (a *App) Merge(ctx context.Context) (merge.Result, error) {
	return a.merger.Run(ctx)
}

// RefreshNow asks the background loop for an immediate drain and sync.
func (a *App) RefreshNow() {
	a.poller.RefreshNow()
}

// ShedCache drops most cached conversation views. Call it on memory
// pressure.
func (a *App) ShedCache() int {
	return a.views.ShedForLowMemory()
}
