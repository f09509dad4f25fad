package actions

import (
	"context"
	"fmt"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
)

// maxBatch is the largest id list sent in one batch modify call.
const maxBatch = 1000

// LabelExecutor applies actions as remote label changes. Conversation
// targets expand to the conversation's cached messages.
type LabelExecutor struct {
	remote remote.LabelModifier
	store  store.Transactor
}

// NewLabelExecutor creates a LabelExecutor.
func NewLabelExecutor(client remote.LabelModifier, st store.Transactor) *LabelExecutor {
	return &LabelExecutor{remote: client, store: st}
}

// Execute implements Executor.
func (e *LabelExecutor) Execute(ctx context.Context, a model.PendingAction) error {
	add, remove, ok := a.ActionType.LabelDelta()
	if !ok {
		return &remote.Error{
			Kind: remote.KindMalformed,
			Op:   "execute action",
			Err:  fmt.Errorf("%w: %s", ErrUnknownAction, a.ActionType),
		}
	}

	if a.Target.MessageID != "" {
		return e.remote.ModifyLabels(ctx, a.Target.MessageID, add, remove)
	}

	var ids []string
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		ids, err = tx.MessageIDsForConversation(a.Target.ConversationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading messages of conversation %s: %w", a.Target.ConversationID, err)
	}

	switch len(ids) {
	case 0:
		return nil
	case 1:
		return e.remote.ModifyLabels(ctx, ids[0], add, remove)
	}
	for start := 0; start < len(ids); start += maxBatch {
		end := min(start+maxBatch, len(ids))
		if err := e.remote.BatchModifyLabels(ctx, ids[start:end], add, remove); err != nil {
			return err
		}
	}
	return nil
}
