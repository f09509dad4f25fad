package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/identity"
	"github.com/nhle/mailcache/internal/inflight"
	"github.com/nhle/mailcache/internal/merge"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/rollup"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

func newTestIngester(t *testing.T) (*Ingester, *store.SQLiteStore) {
	t.Helper()
	st := testutil.NewTestStore(t)
	aliases := []string{"me@example.com"}
	updater := rollup.NewUpdater(aliases)
	locks := inflight.NewKeyedMutex()
	logger := testutil.NewLogger(t)
	merger := merge.NewMerger(st, updater, locks, logger)
	return NewIngester(st, identity.NewResolver(aliases), updater, merger, locks, logger), st
}

func TestIngest_ConcurrentMessagesShareConversation(t *testing.T) {
	in, st := newTestIngester(t)
	ctx := context.Background()

	var wg gosync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Alternate To/Cc placement; the participant set is identical.
			m := mail(fmt.Sprintf("m%d", i), "alice@example.com", "me@example.com, bob@example.com", time.Duration(i)*time.Minute, model.LabelInbox)
			if i%2 == 1 {
				m = mail(fmt.Sprintf("m%d", i), "bob@example.com", "me@example.com", time.Duration(i)*time.Minute, model.LabelInbox)
				m.Headers = append(m.Headers, model.MessageHeader{Name: "Cc", Value: "alice@example.com"})
			}
			if _, err := in.Ingest(ctx, []*remote.Message{m}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Ingest: %v", err)
	}

	err := st.View(ctx, func(tx *store.Tx) error {
		n, err := tx.CountConversations()
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("conversations = %d, want 1", n)
		}
		total, err := tx.CountAllMessages()
		if err != nil {
			return err
		}
		if total != 10 {
			t.Errorf("messages = %d, want 10", total)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestIngest_NewsletterAndRollup(t *testing.T) {
	in, st := newTestIngester(t)
	ctx := context.Background()

	m := mail("n1", "News <news@lists.example.com>", "me@example.com", 0, model.LabelInbox, model.LabelUnread)
	m.Headers = append(m.Headers,
		model.MessageHeader{Name: identity.HeaderListID, Value: "<weekly.lists.example.com>"})

	res, err := in.Ingest(ctx, []*remote.Message{m})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("result = %+v", res)
	}

	err = st.View(ctx, func(tx *store.Tx) error {
		msg, err := tx.MessageByID("n1")
		if err != nil {
			return err
		}
		if !msg.IsNewsletter || msg.Subject != "subject n1" {
			t.Errorf("message = %+v", msg)
		}
		conv, err := tx.ConversationByID(msg.ConversationID)
		if err != nil {
			return err
		}
		if conv.Type != model.ConversationList {
			t.Errorf("type = %v, want list", conv.Type)
		}
		if conv.Snippet != "subject n1" {
			t.Errorf("snippet = %q, want the subject", conv.Snippet)
		}
		if conv.DisplayName == "" {
			t.Error("empty display name")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestIngest_CollapsesDuplicateConversations(t *testing.T) {
	in, st := newTestIngester(t)
	ctx := context.Background()

	m := mail("m9", "alice@example.com", "me@example.com", time.Hour, model.LabelInbox)
	ident := identity.Resolve(m.Headers, []string{"me@example.com"})

	// Two rows for one key, as left behind by an interrupted merge.
	err := st.Update(ctx, func(tx *store.Tx) error {
		for i := range 2 {
			c := &model.Conversation{
				ID:          fmt.Sprintf("dup%d", i),
				KeyHash:     ident.KeyHash,
				Key:         ident.Key,
				Type:        ident.Type,
				DisplayName: rollup.UnknownName,
			}
			if err := tx.InsertConversation(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if _, err := in.Ingest(ctx, []*remote.Message{m}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	err = st.View(ctx, func(tx *store.Tx) error {
		convs, err := tx.ConversationsByKeyHash(ident.KeyHash)
		if err != nil {
			return err
		}
		if len(convs) != 1 {
			t.Errorf("conversations for key = %d, want 1", len(convs))
		}
		msg, err := tx.MessageByID("m9")
		if err != nil {
			return err
		}
		if len(convs) == 1 && msg.ConversationID != convs[0].ID {
			t.Errorf("message in %s, survivor is %s", msg.ConversationID, convs[0].ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRemove_KeepsEmptyConversation(t *testing.T) {
	in, st := newTestIngester(t)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, []*remote.Message{
		mail("m1", "alice@example.com", "me@example.com", 0, model.LabelInbox),
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := in.Remove(ctx, []string{"m1", "never-seen"}, false)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("result = %+v", res)
	}

	err = st.View(ctx, func(tx *store.Tx) error {
		n, err := tx.CountConversations()
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("conversations = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
