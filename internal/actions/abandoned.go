package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
)

// Abandoned returns actions that exhausted their retries, oldest first.
func (q *Queue) Abandoned(ctx context.Context) ([]model.PendingAction, error) {
	var out []model.PendingAction
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ActionsByStatus(model.ActionAbandoned)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing abandoned actions: %w", err)
	}
	return out, nil
}

// Retry returns one abandoned action to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	n, err := q.retry(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("abandoned action %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// RetryAll returns every abandoned action to pending.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	return q.retry(ctx, "")
}

func (q *Queue) retry(ctx context.Context, id string) (int, error) {
	var n int
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.RetryAbandoned(id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retrying abandoned actions: %w", err)
	}
	q.logger.Info("abandoned actions requeued", slog.Int("count", n))
	return n, nil
}

// Dismiss deletes one abandoned action. Its messages stop being protected
// from remote updates, so the next sync restores the remote state.
func (q *Queue) Dismiss(ctx context.Context, id string) error {
	n, err := q.dismiss(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("abandoned action %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// DismissAll deletes every abandoned action.
func (q *Queue) DismissAll(ctx context.Context) (int, error) {
	return q.dismiss(ctx, "")
}

func (q *Queue) dismiss(ctx context.Context, id string) (int, error) {
	var n int
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var targets []model.ActionTarget
		if id != "" {
			a, err := tx.ActionByID(id)
			if err != nil {
				return err
			}
			if a.Status != model.ActionAbandoned {
				return nil
			}
			targets = append(targets, a.Target)
		} else {
			abandoned, err := tx.ActionsByStatus(model.ActionAbandoned)
			if err != nil {
				return err
			}
			for _, a := range abandoned {
				targets = append(targets, a.Target)
			}
		}

		var err error
		n, err = tx.DismissAbandoned(id)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if err := releaseLocal(tx, target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("dismissing abandoned actions: %w", err)
	}
	q.logger.Info("abandoned actions dismissed", slog.Int("count", n))
	return n, nil
}
