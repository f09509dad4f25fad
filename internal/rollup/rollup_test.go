package rollup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

var (
	t0      = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	fixedAt = time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
)

func newTestUpdater() *Updater {
	u := NewUpdater([]string{"me@example.com"})
	u.now = func() time.Time { return fixedAt }
	return u
}

func msg(id string, offset time.Duration, labels ...string) model.Message {
	return model.Message{
		ID:           id,
		InternalDate: t0.Add(offset),
		Labels:       labels,
		SenderEmail:  "alice@example.com",
		SenderName:   "Alice",
		Snippet:      "snippet " + id,
		Subject:      "subject " + id,
	}
}

func TestCompute_InboxFields(t *testing.T) {
	u := newTestUpdater()
	c := model.Conversation{Participants: []string{"alice@example.com"}}

	got := u.Compute(c, []model.Message{
		msg("m1", 0, model.LabelInbox, model.LabelUnread),
		msg("m2", time.Hour, model.LabelInbox),
		msg("m3", 2*time.Hour),
		msg("m4", 3*time.Hour, model.LabelDraft, model.LabelInbox, model.LabelUnread),
	})

	if !got.HasInbox {
		t.Error("HasInbox = false")
	}
	if got.InboxUnreadCount != 1 {
		t.Errorf("InboxUnreadCount = %d, want 1", got.InboxUnreadCount)
	}
	if got.LatestInboxDate == nil || !got.LatestInboxDate.Equal(t0.Add(time.Hour)) {
		t.Errorf("LatestInboxDate = %v", got.LatestInboxDate)
	}
	if got.LastMessageDate == nil || !got.LastMessageDate.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("LastMessageDate = %v, draft must be excluded", got.LastMessageDate)
	}
	if got.Snippet != "snippet m3" {
		t.Errorf("Snippet = %q", got.Snippet)
	}
	if got.ArchivedAt != nil || got.Hidden {
		t.Errorf("inbox conversation archived=%v hidden=%v", got.ArchivedAt, got.Hidden)
	}
	if got.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}
}

func TestCompute_NewsletterSnippetUsesSubject(t *testing.T) {
	u := newTestUpdater()
	m := msg("m1", 0, model.LabelInbox)
	m.IsNewsletter = true
	m.Subject = "Weekly   digest &amp; news"

	got := u.Compute(model.Conversation{Type: model.ConversationList}, []model.Message{m})
	if got.Snippet != "Weekly digest & news" {
		t.Errorf("Snippet = %q", got.Snippet)
	}
	if got.DisplayName != "Alice" {
		t.Errorf("list DisplayName = %q, want sender name", got.DisplayName)
	}
}

func TestCompute_ArchiveStateMachine(t *testing.T) {
	u := newTestUpdater()
	archivedBefore := t0.Add(-time.Hour)

	tests := []struct {
		name         string
		archivedAt   *time.Time
		msgs         []model.Message
		wantArchived *time.Time
		wantHidden   bool
	}{
		{
			name:         "inbox stays visible",
			msgs:         []model.Message{msg("m1", 0, model.LabelInbox)},
			wantArchived: nil,
		},
		{
			name:         "leaving inbox archives",
			msgs:         []model.Message{msg("m1", 0)},
			wantArchived: &fixedAt,
			wantHidden:   true,
		},
		{
			name:         "returning to inbox unarchives",
			archivedAt:   &archivedBefore,
			msgs:         []model.Message{msg("m1", 0, model.LabelInbox)},
			wantArchived: nil,
		},
		{
			name:         "already archived keeps timestamp",
			archivedAt:   &archivedBefore,
			msgs:         []model.Message{msg("m1", 0)},
			wantArchived: &archivedBefore,
			wantHidden:   true,
		},
		{
			name: "sent only awaiting reply is not archived",
			msgs: []model.Message{
				func() model.Message {
					m := msg("m1", 0, model.LabelSent)
					m.IsFromMe = true
					return m
				}(),
			},
			wantArchived: nil,
		},
		{
			name: "locally sent awaiting reply is not archived",
			msgs: []model.Message{
				func() model.Message {
					m := msg("m1", 0)
					m.IsFromMe = true
					m.LocallySent = true
					return m
				}(),
			},
			wantArchived: nil,
		},
		{
			name: "reply received without inbox archives",
			msgs: []model.Message{
				func() model.Message {
					m := msg("m1", 0, model.LabelSent)
					m.IsFromMe = true
					return m
				}(),
				msg("m2", time.Hour),
			},
			wantArchived: &fixedAt,
			wantHidden:   true,
		},
		{
			name: "awaiting reply never hidden even when archived",
			msgs: []model.Message{
				func() model.Message {
					m := msg("m1", 0, model.LabelSent)
					m.IsFromMe = true
					return m
				}(),
			},
			archivedAt:   &archivedBefore,
			wantArchived: &archivedBefore,
			wantHidden:   false,
		},
		{
			name:         "empty conversation archives",
			wantArchived: &fixedAt,
			wantHidden:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := model.Conversation{ArchivedAt: tt.archivedAt, Participants: []string{"alice@example.com"}}
			got := u.Compute(c, tt.msgs)
			if !equalTime(got.ArchivedAt, tt.wantArchived) {
				t.Errorf("ArchivedAt = %v, want %v", got.ArchivedAt, tt.wantArchived)
			}
			if got.Hidden != tt.wantHidden {
				t.Errorf("Hidden = %v, want %v", got.Hidden, tt.wantHidden)
			}
		})
	}
}

func TestCompute_DisplayName(t *testing.T) {
	u := newTestUpdater()

	tests := []struct {
		name         string
		participants []string
		msgs         []model.Message
		want         string
	}{
		{
			name:         "falls back to email",
			participants: []string{"bob@example.com"},
			want:         "bob@example.com",
		},
		{
			name:         "uses most recent sender name",
			participants: []string{"alice@example.com"},
			msgs: []model.Message{
				{ID: "1", InternalDate: t0, SenderEmail: "alice@example.com", SenderName: "A."},
				{ID: "2", InternalDate: t0.Add(time.Hour), SenderEmail: "Alice@Example.com", SenderName: "Alice Smith"},
			},
			want: "Alice Smith",
		},
		{
			name: "list without non-self senders is unknown",
			msgs: []model.Message{
				{ID: "1", InternalDate: t0, SenderEmail: "me@example.com", SenderName: "Me"},
			},
			want: UnknownName,
		},
		{
			name:         "caps long participant lists",
			participants: []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"},
			want:         "a@x.com, b@x.com, c@x.com +2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := u.Compute(model.Conversation{Participants: tt.participants}, tt.msgs)
			if got.DisplayName != tt.want {
				t.Errorf("DisplayName = %q, want %q", got.DisplayName, tt.want)
			}
		})
	}
}

func TestCompute_PreservesUserFlags(t *testing.T) {
	u := newTestUpdater()
	got := u.Compute(model.Conversation{Pinned: true, Muted: true, KeyHash: "k"}, nil)
	if !got.Pinned || !got.Muted || got.KeyHash != "k" {
		t.Errorf("user flags not preserved: %+v", got)
	}
}

func TestCleanSnippet(t *testing.T) {
	if got := CleanSnippet("  Hello\r\n\tworld &lt;3  "); got != "Hello world <3" {
		t.Errorf("CleanSnippet = %q", got)
	}

	long := strings.Repeat("word ", 100)
	got := CleanSnippet(long)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long snippet not truncated: %q", got)
	}
	if len(got) > maxSnippet+len("…") {
		t.Errorf("snippet length %d exceeds limit", len(got))
	}
}

func TestUpdate_WritesOnlyOnChange(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	u := newTestUpdater()

	c := &model.Conversation{KeyHash: "k", Type: model.ConversationOneToOne, Participants: []string{"alice@example.com"}}
	err := s.Update(ctx, func(tx *store.Tx) error {
		if err := tx.InsertConversation(c); err != nil {
			return err
		}
		m := msg("m1", 0, model.LabelInbox, model.LabelUnread)
		m.ConversationID = c.ID
		_, err := tx.InsertMessages([]model.Message{m})
		return err
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	events, cancel := s.Subscribe(4)
	defer cancel()

	var rolled *model.Conversation
	err = s.Update(ctx, func(tx *store.Tx) error {
		var err error
		rolled, err = u.Update(tx, c.ID)
		return err
	})
	if err != nil {
		t.Fatalf("first rollup: %v", err)
	}
	if rolled.InboxUnreadCount != 1 || rolled.DisplayName != "Alice" {
		t.Errorf("rolled = %+v", rolled)
	}
	<-events

	err = s.Update(ctx, func(tx *store.Tx) error {
		_, err := u.Update(tx, c.ID)
		return err
	})
	if err != nil {
		t.Fatalf("second rollup: %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("unchanged rollup published %+v", ev)
	default:
	}
}
