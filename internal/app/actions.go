package app

import (
	"context"
	"errors"

	"github.com/nhle/mailcache/internal/model"
)

// ErrAlreadyPending is returned by Act when the same action on the same
// target has not been applied remotely yet.
var ErrAlreadyPending = errors.New("action already pending")

// Act applies a user action locally and queues it for the remote. The
// background loop is nudged to drain right away.
func (a *App) Act(ctx context.Context, actionType model.ActionType, target model.ActionTarget) (*model.PendingAction, error) {
	pending, err := a.queue.HasPending(ctx, target, actionType)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrAlreadyPending
	}

	act, err := a.queue.Enqueue(ctx, actionType, target, nil)
	if err != nil {
		return nil, err
	}
	a.poller.RefreshNow()
	return act, nil
}

// CancelAction withdraws queued actions that have not been dispatched yet.
func (a *App) CancelAction(ctx context.Context, actionType model.ActionType, target model.ActionTarget) (int, error) {
	return a.queue.Cancel(ctx, target, actionType)
}

// PendingActionCount returns how many actions still await the remote.
func (a *App) PendingActionCount(ctx context.Context) (int, error) {
	return a.queue.Count(ctx)
}

// AbandonedActions lists actions that exhausted their retries.
func (a *App) AbandonedActions(ctx context.Context) ([]model.PendingAction, error) {
	return a.queue.Abandoned(ctx)
}

// RetryAbandoned re-queues one abandoned action, or all of them when id
// is empty.
func (a *App) RetryAbandoned(ctx context.Context, id string) (int, error) {
	n := 1
	if id == "" {
		var err error
		if n, err = a.queue.RetryAll(ctx); err != nil {
			return 0, err
		}
	} else if err := a.queue.Retry(ctx, id); err != nil {
		return 0, err
	}
	if n > 0 {
		a.poller.RefreshNow()
	}
	return n, nil
}

// DismissAbandoned drops one abandoned action, or all of them when id is
// empty.
func (a *App) DismissAbandoned(ctx context.Context, id string) (int, error) {
	if id == "" {
		return a.queue.DismissAll(ctx)
	}
	if err := a.queue.Dismiss(ctx, id); err != nil {
		return 0, err
	}
	return 1, nil
}
