// Package actions persists user mutations and propagates them to the
// remote mailbox one at a time, retrying with backoff.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nhle/mailcache/internal/inflight"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/rollup"
	"github.com/nhle/mailcache/internal/store"
)

// drainKey is the single coordinator key under which drains collapse.
const drainKey = "drain"

// ErrUnknownAction is returned when enqueueing an unsupported action type.
var ErrUnknownAction = errors.New("unknown action type")

// Executor applies a pending action to the remote mailbox.
type Executor interface {
	Execute(ctx context.Context, a model.PendingAction) error
}

// Config bounds retries and backoff.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DrainResult counts what one drain pass did.
type DrainResult struct {
	Completed int
	Retried   int
	Abandoned int
}

// Queue is the durable pending action queue. At most one drain runs at a
// time; concurrent Drain calls share the outstanding pass.
type Queue struct {
	store    store.Transactor
	executor Executor
	rollup   *rollup.Updater
	cfg      Config
	drains   *inflight.Group[DrainResult]
	logger   *slog.Logger
	tracer   trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

// NewQueue creates a Queue. MaxRetries below one is raised to one.
func NewQueue(st store.Transactor, exec Executor, updater *rollup.Updater, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    st,
		executor: exec,
		rollup:   updater,
		cfg:      cfg,
		drains:   inflight.NewGroup[DrainResult](0, 0),
		logger:   logger.With(slog.String("component", "actions")),
		tracer:   otel.Tracer("github.com/nhle/mailcache/internal/actions"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Enqueue applies the action's label change to the local cache and persists
// the action for remote propagation, in one transaction. It does not
// deduplicate; check HasPending first.
func (q *Queue) Enqueue(
	ctx context.Context,
	actionType model.ActionType,
	target model.ActionTarget,
	payload json.RawMessage,
) (*model.PendingAction, error) {
	add, remove, ok := actionType.LabelDelta()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("enqueueing %s: empty target", actionType)
	}

	a := &model.PendingAction{
		ActionType: actionType,
		Target:     target,
		Payload:    payload,
		Status:     model.ActionPending,
		CreatedAt:  q.now().UTC(),
	}

	err := q.store.Update(ctx, func(tx *store.Tx) error {
		if err := q.applyLocal(tx, target, add, remove); err != nil {
			return err
		}
		return tx.InsertAction(a)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s: %w", actionType, err)
	}

	q.logger.Debug("action enqueued",
		slog.String("action_id", a.ID),
		slog.String("type", string(actionType)),
		slog.String("message_id", target.MessageID),
		slog.String("conversation_id", target.ConversationID),
	)
	return a, nil
}

// applyLocal mutates the targeted messages' labels, marks them locally
// modified, and rolls up every touched conversation.
func (q *Queue) applyLocal(tx *store.Tx, target model.ActionTarget, add, remove []string) error {
	msgs, err := targetMessages(tx, target)
	if err != nil {
		return err
	}

	touched := make(map[string]struct{})
	for _, m := range msgs {
		labels := model.ApplyLabels(m.Labels, add, remove)
		if err := tx.SetMessageLabels(m.ID, labels, true); err != nil {
			return err
		}
		touched[m.ConversationID] = struct{}{}
	}
	if target.ConversationID != "" {
		touched[target.ConversationID] = struct{}{}
	}

	for id := range touched {
		if _, err := q.rollup.Update(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// targetMessages returns the cached messages an action targets. A message
// not yet cached yields none; a missing conversation is an error.
func targetMessages(tx *store.Tx, target model.ActionTarget) ([]model.Message, error) {
	if target.MessageID != "" {
		m, err := tx.MessageByID(target.MessageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []model.Message{*m}, nil
	}
	if _, err := tx.ConversationByID(target.ConversationID); err != nil {
		return nil, err
	}
	return tx.MessagesForConversation(target.ConversationID)
}

// releaseLocal clears the locally modified flag on the target's messages
// that no unfinished action covers any more.
func releaseLocal(tx *store.Tx, target model.ActionTarget) error {
	msgs, err := targetMessages(tx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return tx.ReleaseLocallyModified(ids)
}

// HasPending reports whether an unfinished action of actionType targets
// target.
func (q *Queue) HasPending(ctx context.Context, target model.ActionTarget, actionType model.ActionType) (bool, error) {
	var ok bool
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		ok, err = tx.HasPendingAction(target, actionType)
		return err
	})
	return ok, err
}

// Cancel removes matching actions that have not been dispatched yet. An
// action already processing cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, target model.ActionTarget, actionType model.ActionType) (int, error) {
	var n int
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.CancelPendingActions(target, actionType)
		if err != nil || n == 0 {
			return err
		}
		return releaseLocal(tx, target)
	})
	if err != nil {
		return 0, fmt.Errorf("cancelling %s: %w", actionType, err)
	}
	return n, nil
}

// Count returns the number of actions not yet applied and not abandoned.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.CountActions(model.ActionPending, model.ActionProcessing, model.ActionFailed)
		return err
	})
	return n, err
}

// Recover returns actions interrupted mid-dispatch by a crash to pending.
// Call it once before the first drain.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	var n int
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.RecoverProcessing()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recovering actions: %w", err)
	}
	if n > 0 {
		q.logger.Info("recovered interrupted actions", slog.Int("count", n))
	}
	return n, nil
}

// PurgeCompleted deletes completed actions older than retention.
func (q *Queue) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	var n int
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.PurgeCompleted(q.now().Add(-retention))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purging completed actions: %w", err)
	}
	return n, nil
}

// Drain dispatches eligible actions oldest first until none remain, ctx is
// done, or the remote rejects the credentials. Overlapping calls wait for
// the pass already running.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	return q.drains.Do(ctx, drainKey, func(shared context.Context) (DrainResult, error) {
		runCtx, cancel := context.WithCancel(shared)
		defer cancel()

		q.mu.Lock()
		q.cancelRun = cancel
		q.mu.Unlock()
		defer func() {
			q.mu.Lock()
			q.cancelRun = nil
			q.mu.Unlock()
		}()

		return q.drain(runCtx)
	})
}

// Interrupt cancels the running drain pass, if any. A backoff sleep ends
// at once and the failed action stays eligible for the next pass.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelRun != nil {
		q.cancelRun()
	}
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	ctx, span := q.tracer.Start(ctx, "actions.Drain")
	defer span.End()

	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		a, err := q.claimNext(ctx)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}

		execErr := q.executor.Execute(ctx, *a)
		if execErr == nil {
			if err := q.complete(ctx, a); err != nil {
				return res, err
			}
			res.Completed++
			continue
		}

		if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
			if err := q.release(context.WithoutCancel(ctx), a); err != nil {
				q.logger.Error("releasing interrupted action",
					slog.String("action_id", a.ID), slog.String("error", err.Error()))
			}
			return res, ctx.Err()
		}

		abandoned, err := q.fail(ctx, a, execErr)
		if err != nil {
			return res, err
		}
		if abandoned {
			res.Abandoned++
		} else {
			res.Retried++
		}

		if remote.IsAuthError(execErr) {
			span.SetStatus(codes.Error, "authentication failed")
			return res, fmt.Errorf("draining actions: %w", execErr)
		}
		if !abandoned {
			delay := Backoff(q.cfg.BackoffBase, q.cfg.BackoffCap, a.RetryCount)
			if err := q.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
	}

	span.SetAttributes(
		attribute.Int("actions.completed", res.Completed),
		attribute.Int("actions.retried", res.Retried),
		attribute.Int("actions.abandoned", res.Abandoned),
	)
	return res, nil
}

// claimNext marks the oldest eligible action processing and returns it.
func (q *Queue) claimNext(ctx context.Context) (*model.PendingAction, error) {
	var a *model.PendingAction
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		a, err = tx.NextEligibleAction(q.cfg.MaxRetries)
		if err != nil {
			return err
		}
		now := q.now().UTC()
		a.Status = model.ActionProcessing
		a.LastAttempt = &now
		return tx.UpdateAction(*a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (q *Queue) complete(ctx context.Context, a *model.PendingAction) error {
	a.Status = model.ActionCompleted
	a.LastError = ""
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateAction(*a); err != nil {
			return err
		}
		return releaseLocal(tx, a.Target)
	})
	if err != nil {
		return fmt.Errorf("completing action %s: %w", a.ID, err)
	}
	q.logger.Debug("action completed", slog.String("action_id", a.ID), slog.String("type", string(a.ActionType)))
	return nil
}

// release returns an action whose dispatch was interrupted to the state it
// was claimed from, without charging an attempt.
func (q *Queue) release(ctx context.Context, a *model.PendingAction) error {
	a.Status = model.ActionPending
	if a.RetryCount > 0 {
		a.Status = model.ActionFailed
	}
	return q.store.Update(ctx, func(tx *store.Tx) error {
		return tx.UpdateAction(*a)
	})
}

// fail records a failed attempt. Terminal failures and exhausted retry
// budgets abandon the action and raise a notification.
func (q *Queue) fail(ctx context.Context, a *model.PendingAction, execErr error) (bool, error) {
	a.RetryCount++
	a.LastError = execErr.Error()

	terminal := !remote.IsRetryable(execErr)
	abandon := terminal || a.RetryCount >= q.cfg.MaxRetries
	a.Status = model.ActionFailed
	if abandon {
		a.Status = model.ActionAbandoned
	}

	err := q.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateAction(*a); err != nil {
			return err
		}
		if !abandon {
			return nil
		}
		return tx.InsertNotification(&model.Notification{
			ActionID: a.ID,
			Message:  fmt.Sprintf("Could not %s: %s", describe(a.ActionType), a.LastError),
		})
	})
	if err != nil {
		return false, fmt.Errorf("recording failure of action %s: %w", a.ID, err)
	}

	attrs := []any{
		slog.String("action_id", a.ID),
		slog.String("type", string(a.ActionType)),
		slog.Int("retry_count", a.RetryCount),
		slog.String("kind", string(remote.KindOf(execErr))),
		slog.String("error", a.LastError),
	}
	if abandon {
		q.logger.Warn("action abandoned", attrs...)
	} else {
		q.logger.Info("action failed, will retry", attrs...)
	}
	return abandon, nil
}

func describe(t model.ActionType) string {
	switch t {
	case model.ActionMarkRead:
		return "mark as read"
	case model.ActionMarkUnread:
		return "mark as unread"
	case model.ActionMoveToInbox:
		return "move to inbox"
	}
	return string(t)
}

// Backoff returns min(base * 2^retryCount, maxDelay). A non-positive
// maxDelay means no cap.
func Backoff(base, maxDelay time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
