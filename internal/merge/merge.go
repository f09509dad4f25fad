// Package merge collapses conversations that were split by concurrent
// creation or by legacy identity keys.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nhle/mailcache/internal/inflight"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/rollup"
	"github.com/nhle/mailcache/internal/store"
)

// Result counts what a merge sweep did.
type Result struct {
	// Groups is the number of duplicate groups collapsed.
	Groups int

	// Removed is the number of loser conversations deleted.
	Removed int

	// Reassigned is the number of messages that changed owner.
	Reassigned int
}

func (r *Result) add(o Result) {
	r.Groups += o.Groups
	r.Removed += o.Removed
	r.Reassigned += o.Reassigned
}

// loader reads one duplicate group inside a transaction.
type loader func(tx *store.Tx) ([]model.Conversation, error)

// Merger finds and collapses duplicate conversations.
type Merger struct {
	store  store.Transactor
	rollup *rollup.Updater
	locks  *inflight.KeyedMutex
	logger *slog.Logger
	tracer trace.Tracer
}

// NewMerger creates a Merger. locks must be the same KeyedMutex the ingest
// pipeline holds while touching a conversation.
func NewMerger(st store.Transactor, updater *rollup.Updater, locks *inflight.KeyedMutex, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		store:  st,
		rollup: updater,
		locks:  locks,
		logger: logger.With(slog.String("component", "merge")),
		tracer: otel.Tracer("github.com/nhle/mailcache/internal/merge"),
	}
}

// Run performs both dedup passes: conversations sharing a key hash, then
// active conversations sharing a legacy participant hash.
func (m *Merger) Run(ctx context.Context) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "merge.Run")
	defer span.End()

	var total Result

	var keyHashes []string
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		keyHashes, err = tx.DuplicateKeyHashes()
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, fmt.Errorf("finding duplicate key hashes: %w", err)
	}
	for _, h := range keyHashes {
		res, err := m.MergeKeyHash(ctx, h)
		if err != nil {
			return total, err
		}
		total.add(res)
	}

	var participantHashes []string
	err = m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		participantHashes, err = tx.DuplicateActiveParticipantHashes()
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, fmt.Errorf("finding duplicate participant hashes: %w", err)
	}
	for _, h := range participantHashes {
		res, err := m.mergeGroup(ctx, "participant_hash", h, func(tx *store.Tx) ([]model.Conversation, error) {
			return tx.ConversationsByParticipantHash(h, true)
		})
		if err != nil {
			return total, err
		}
		total.add(res)
	}

	span.SetAttributes(
		attribute.Int("merge.groups", total.Groups),
		attribute.Int("merge.removed", total.Removed),
		attribute.Int("merge.reassigned", total.Reassigned),
	)
	if total.Groups > 0 {
		m.logger.Info("merged duplicate conversations",
			slog.Int("groups", total.Groups),
			slog.Int("removed", total.Removed),
			slog.Int("reassigned", total.Reassigned),
		)
	}
	return total, nil
}

// MergeKeyHash collapses every conversation sharing keyHash. It is a no-op
// when at most one exists.
func (m *Merger) MergeKeyHash(ctx context.Context, keyHash string) (Result, error) {
	return m.mergeGroup(ctx, "key_hash", keyHash, func(tx *store.Tx) ([]model.Conversation, error) {
		return tx.ConversationsByKeyHash(keyHash)
	})
}

// mergeGroup locks the group's conversations, re-reads the group under the
// locks and merges it in one transaction. Conversations that joined the
// group after the locks were taken wait for the next sweep.
func (m *Merger) mergeGroup(ctx context.Context, kind, hash string, load loader) (Result, error) {
	var ids []string
	err := m.store.View(ctx, func(tx *store.Tx) error {
		convs, err := load(tx)
		for _, c := range convs {
			ids = append(ids, c.ID)
		}
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("loading %s group %s: %w", kind, hash, err)
	}
	if len(ids) < 2 {
		return Result{}, nil
	}

	unlock := m.locks.LockAll(ids...)
	defer unlock()

	var res Result
	err = m.store.Update(ctx, func(tx *store.Tx) error {
		res = Result{}
		convs, err := load(tx)
		if err != nil {
			return err
		}
		convs = slices.DeleteFunc(convs, func(c model.Conversation) bool {
			return !slices.Contains(ids, c.ID)
		})
		if len(convs) < 2 {
			return nil
		}

		counts := make(map[string]int, len(convs))
		for _, c := range convs {
			n, err := tx.CountMessages(c.ID)
			if err != nil {
				return err
			}
			counts[c.ID] = n
		}

		winner := pickWinner(convs, counts)
		for _, loser := range convs {
			if loser.ID == winner.ID {
				continue
			}
			moved, err := tx.ReassignMessages(loser.ID, winner.ID)
			if err != nil {
				return err
			}
			if _, err := tx.RetargetConversationActions(loser.ID, winner.ID); err != nil {
				return err
			}
			winner.Pinned = winner.Pinned || loser.Pinned
			winner.Muted = winner.Muted || loser.Muted
			if err := tx.DeleteConversation(loser.ID); err != nil {
				return err
			}
			res.Removed++
			res.Reassigned += moved
		}

		if err := tx.UpdateConversation(&winner); err != nil {
			return err
		}
		if _, err := m.rollup.Update(tx, winner.ID); err != nil {
			return err
		}
		res.Groups = 1

		m.logger.Debug("merged conversation group",
			slog.String("kind", kind),
			slog.String("hash", hash),
			slog.String("winner", winner.ID),
			slog.Int("removed", res.Removed),
		)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("merging %s group %s: %w", kind, hash, err)
	}
	return res, nil
}

// pickWinner returns the conversation that absorbs the rest of its group:
// most messages, then most recent last message, then smallest id.
func pickWinner(convs []model.Conversation, counts map[string]int) model.Conversation {
	best := convs[0]
	for _, c := range convs[1:] {
		if beats(c, best, counts) {
			best = c
		}
	}
	return best
}

func beats(a, b model.Conversation, counts map[string]int) bool {
	if counts[a.ID] != counts[b.ID] {
		return counts[a.ID] > counts[b.ID]
	}
	ad, bd := lastDate(a), lastDate(b)
	if !ad.Equal(bd) {
		return ad.After(bd)
	}
	return a.ID < b.ID
}

func lastDate(c model.Conversation) time.Time {
	if c.LastMessageDate == nil {
		return time.Time{}
	}
	return *c.LastMessageDate
}
