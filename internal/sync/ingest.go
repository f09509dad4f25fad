package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nhle/mailcache/internal/identity"
	"github.com/nhle/mailcache/internal/inflight"
	"github.com/nhle/mailcache/internal/merge"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/rollup"
	"github.com/nhle/mailcache/internal/store"
)

// IngestResult counts what an ingest pass did.
type IngestResult struct {
	Inserted int
	Updated  int

	// Protected counts messages whose labels were left alone because a
	// pending action modified them locally.
	Protected int

	Deleted int
}

func (r *IngestResult) add(o IngestResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Protected += o.Protected
	r.Deleted += o.Deleted
}

// Ingester writes remote messages into the cache, grouping them into
// conversations by resolved identity.
type Ingester struct {
	store    store.Transactor
	resolver *identity.Resolver
	rollup   *rollup.Updater
	merger   *merge.Merger
	locks    *inflight.KeyedMutex
	logger   *slog.Logger
}

// NewIngester creates an Ingester. locks must be shared with the Merger.
func NewIngester(
	st store.Transactor,
	resolver *identity.Resolver,
	updater *rollup.Updater,
	merger *merge.Merger,
	locks *inflight.KeyedMutex,
	logger *slog.Logger,
) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    st,
		resolver: resolver,
		rollup:   updater,
		merger:   merger,
		locks:    locks,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// Ingest stores each message, creating its conversation on first sight.
// Known messages only have their labels refreshed, unless locally modified.
func (in *Ingester) Ingest(ctx context.Context, msgs []*remote.Message) (IngestResult, error) {
	var total IngestResult
	duplicates := make(map[string]struct{})

	for _, rm := range msgs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, dupKey, err := in.ingestOne(ctx, rm)
		if err != nil {
			return total, fmt.Errorf("ingesting message %s: %w", rm.ID, err)
		}
		total.add(res)
		if dupKey != "" {
			duplicates[dupKey] = struct{}{}
		}
	}

	// Collapse duplicates seen along the way instead of waiting for the
	// next sweep.
	if in.merger != nil {
		for key := range duplicates {
			if _, err := in.merger.MergeKeyHash(ctx, key); err != nil {
				in.logger.Warn("opportunistic merge failed",
					slog.String("key_hash", key), slog.String("error", err.Error()))
			}
		}
	}
	return total, nil
}

// ingestOne stores one message under the lock of its conversation. It
// returns the key hash when more than one conversation owns it.
func (in *Ingester) ingestOne(ctx context.Context, rm *remote.Message) (IngestResult, string, error) {
	ident := in.resolver.Resolve(rm.Headers)

	lockKey, err := in.lockKey(ctx, rm.ID, ident.KeyHash)
	if err != nil {
		return IngestResult{}, "", err
	}
	unlock := in.locks.Lock(lockKey)
	defer unlock()

	var res IngestResult
	var dupKey string
	err = in.store.Update(ctx, func(tx *store.Tx) error {
		res, dupKey = IngestResult{}, ""

		existing, err := tx.MessageByID(rm.ID)
		switch {
		case err == nil:
			return in.refreshLabels(tx, existing, rm, &res)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		convs, err := tx.ConversationsByKeyHash(ident.KeyHash)
		if err != nil {
			return err
		}
		var convID string
		if len(convs) == 0 {
			c := newConversation(ident)
			if err := tx.InsertConversation(c); err != nil {
				return err
			}
			convID = c.ID
		} else {
			convID = convs[0].ID
			if len(convs) > 1 {
				dupKey = ident.KeyHash
			}
		}

		msg := in.toMessage(rm, convID)
		n, err := tx.InsertMessages([]model.Message{msg})
		if err != nil {
			return err
		}
		res.Inserted = n
		_, err = in.rollup.Update(tx, convID)
		return err
	})
	return res, dupKey, err
}

// lockKey picks the conversation id the message will land in, or the key
// hash when no conversation exists yet.
func (in *Ingester) lockKey(ctx context.Context, messageID, keyHash string) (string, error) {
	key := keyHash
	err := in.store.View(ctx, func(tx *store.Tx) error {
		if m, err := tx.MessageByID(messageID); err == nil {
			key = m.ConversationID
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		convs, err := tx.ConversationsByKeyHash(keyHash)
		if err != nil {
			return err
		}
		if len(convs) > 0 {
			key = convs[0].ID
		}
		return nil
	})
	return key, err
}

func (in *Ingester) refreshLabels(tx *store.Tx, existing *model.Message, rm *remote.Message, res *IngestResult) error {
	if existing.LocallyModified {
		res.Protected++
		return nil
	}
	labels := sortedLabels(rm.Labels)
	if slices.Equal(existing.Labels, labels) {
		return nil
	}
	if err := tx.SetMessageLabels(existing.ID, labels, false); err != nil {
		return err
	}
	res.Updated++
	_, err := in.rollup.Update(tx, existing.ConversationID)
	return err
}

func newConversation(ident model.ConversationIdentity) *model.Conversation {
	return &model.Conversation{
		KeyHash:         ident.KeyHash,
		Key:             ident.Key,
		ParticipantHash: identity.ParticipantHash(ident),
		Participants:    ident.Participants,
		Type:            ident.Type,
		DisplayName:     rollup.UnknownName,
	}
}

func (in *Ingester) toMessage(rm *remote.Message, conversationID string) model.Message {
	sender, _ := identity.ParseAddress(identity.HeaderValue(rm.Headers, identity.HeaderFrom))
	return model.Message{
		ID:             rm.ID,
		ConversationID: conversationID,
		ThreadIDHint:   rm.ThreadID,
		InternalDate:   rm.InternalDate.UTC(),
		Labels:         sortedLabels(rm.Labels),
		IsFromMe:       sender.Email != "" && in.resolver.IsSelf(sender.Email),
		IsNewsletter:   isNewsletter(rm.Headers),
		SenderEmail:    sender.Email,
		SenderName:     sender.Name,
		Subject:        strings.TrimSpace(identity.HeaderValue(rm.Headers, identity.HeaderSubject)),
		Snippet:        rm.Snippet,
	}
}

// isNewsletter reports whether a message is bulk mail.
func isNewsletter(headers []model.MessageHeader) bool {
	return strings.TrimSpace(identity.HeaderValue(headers, identity.HeaderListID)) != "" ||
		strings.TrimSpace(identity.HeaderValue(headers, identity.HeaderListUnsubscribe)) != ""
}

func sortedLabels(labels []string) []string {
	out := slices.Clone(labels)
	slices.Sort(out)
	return slices.Compact(out)
}

// Remove deletes cached messages and rolls up their conversations. With
// keepModified, messages protected by a pending action are left in place.
// Conversations are kept even when they end up empty.
func (in *Ingester) Remove(ctx context.Context, ids []string, keepModified bool) (IngestResult, error) {
	var res IngestResult
	for _, id := range ids {
		var convID string
		err := in.store.View(ctx, func(tx *store.Tx) error {
			m, err := tx.MessageByID(id)
			if err != nil {
				return err
			}
			convID = m.ConversationID
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("removing message %s: %w", id, err)
		}

		unlock := in.locks.Lock(convID)
		err = in.store.Update(ctx, func(tx *store.Tx) error {
			m, err := tx.MessageByID(id)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if keepModified && m.LocallyModified {
				res.Protected++
				return nil
			}
			if _, err := tx.DeleteMessage(id); err != nil {
				return err
			}
			res.Deleted++
			_, err = in.rollup.Update(tx, m.ConversationID)
			return err
		})
		unlock()
		if err != nil {
			return res, fmt.Errorf("removing message %s: %w", id, err)
		}
	}
	return res, nil
}
