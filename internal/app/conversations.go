package app

import (
	"context"
	"fmt"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
)

// ConversationView is a conversation hydrated with its messages.
type ConversationView struct {
	Conversation model.Conversation
	Messages     []model.Message
}

// messageOverhead approximates the fixed cost of one cached message.
const messageOverhead = 256

// size estimates the memory held by v.
func (v *ConversationView) size() int64 {
	c := v.Conversation
	n := int64(messageOverhead + len(c.ID) + len(c.KeyHash) + len(c.Key) +
		len(c.DisplayName) + len(c.Snippet))
	for _, p := range c.Participants {
		n += int64(len(p))
	}
	for _, m := range v.Messages {
		n += int64(messageOverhead + len(m.ID) + len(m.Subject) + len(m.Snippet) +
			len(m.SenderEmail) + len(m.SenderName) + len(m.BodyRef))
		for _, l := range m.Labels {
			n += int64(len(l))
		}
	}
	return n
}

// Conversations lists conversations pinned first, then newest first.
// Hidden conversations are left out unless the filter asks for them.
func (a *App) Conversations(ctx context.Context, filter store.ConversationFilter) ([]model.Conversation, error) {
	return a.store.ListConversations(ctx, filter)
}

// Conversation returns a hydrated conversation, from the cache when
// possible. Concurrent loads of the same id share one store read.
func (a *App) Conversation(ctx context.Context, id string) (*ConversationView, error) {
	if v, ok := a.views.Get(id); ok {
		return v, nil
	}
	return a.loads.Do(ctx, id, func(ctx context.Context) (*ConversationView, error) {
		gen := a.generation(id)
		v, err := a.loadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		a.cacheView(id, v, gen)
		return v, nil
	})
}

func (a *App) generation(id string) uint64 {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	return a.gens[id]
}

// cacheView stores v unless id was invalidated after the load began, in
// which case v may predate the commit that invalidated it.
func (a *App) cacheView(id string, v *ConversationView, gen uint64) {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	if a.gens[id] != gen {
		return
	}
	a.views.Put(id, v)
}

// Preload warms the cache for ids, typically the first screen of a list.
// Failures are skipped.
func (a *App) Preload(ctx context.Context, ids []string) int {
	loaded := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := a.Conversation(ctx, id); err == nil {
			loaded++
		}
	}
	return loaded
}

func (a *App) loadConversation(ctx context.Context, id string) (*ConversationView, error) {
	var v ConversationView
	err := a.store.View(ctx, func(tx *store.Tx) error {
		c, err := tx.ConversationByID(id)
		if err != nil {
			return err
		}
		msgs, err := tx.MessagesForConversation(id)
		if err != nil {
			return err
		}
		v.Conversation, v.Messages = *c, msgs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	return &v, nil
}

// SetPinned pins or unpins a conversation. Pinned conversations sort first.
func (a *App) SetPinned(ctx context.Context, id string, pinned bool) error {
	return a.updateFlags(ctx, id, func(c *model.Conversation) { c.Pinned = pinned })
}

// SetMuted mutes or unmutes a conversation.
func (a *App) SetMuted(ctx context.Context, id string, muted bool) error {
	return a.updateFlags(ctx, id, func(c *model.Conversation) { c.Muted = muted })
}

func (a *App) updateFlags(ctx context.Context, id string, set func(*model.Conversation)) error {
	unlock := a.locks.Lock(id)
	defer unlock()

	return a.store.Update(ctx, func(tx *store.Tx) error {
		c, err := tx.ConversationByID(id)
		if err != nil {
			return err
		}
		set(c)
		return tx.UpdateConversation(c)
	})
}

// Notifications returns unread notifications, newest first.
func (a *App) Notifications(ctx context.Context) ([]model.Notification, error) {
	return a.store.UnreadNotifications(ctx)
}

// MarkNotificationRead dismisses a notification.
func (a *App) MarkNotificationRead(ctx context.Context, id string) error {
	return a.store.MarkNotificationRead(ctx, id)
}
