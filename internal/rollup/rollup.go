// Package rollup derives conversation-level fields from member messages.
package rollup

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nhle/mailcache/internal/identity"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
)

// UnknownName is shown when no participant yields a name or address.
const UnknownName = "Unknown"

// maxNames caps how many participant names are joined into a display name.
const maxNames = 3

// Updater recomputes conversation rollups. It is safe for concurrent use.
type Updater struct {
	resolver *identity.Resolver
	now      func() time.Time
}

// NewUpdater creates an Updater for an account owning myAliases.
func NewUpdater(myAliases []string) *Updater {
	return &Updater{
		resolver: identity.NewResolver(myAliases),
		now:      time.Now,
	}
}

// Update recomputes the rollup of a conversation from its current messages
// and writes it back within tx if anything changed.
func (u *Updater) Update(tx *store.Tx, conversationID string) (*model.Conversation, error) {
	c, err := tx.ConversationByID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation for rollup: %w", err)
	}
	msgs, err := tx.MessagesForConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages for rollup: %w", err)
	}

	next := u.Compute(*c, msgs)
	if sameRollup(*c, next) {
		return c, nil
	}
	if err := tx.UpdateConversation(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Compute returns c with every derived field recomputed from msgs. User
// flags (pinned, muted) and identity fields are carried over unchanged.
func (u *Updater) Compute(c model.Conversation, msgs []model.Message) model.Conversation {
	visible := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsDraft() || m.HasLabel(model.LabelTrash) {
			continue
		}
		visible = append(visible, m)
	}

	c.LastMessageDate = nil
	c.Snippet = ""
	if latest, ok := latestMessage(visible); ok {
		d := latest.InternalDate
		c.LastMessageDate = &d
		if latest.IsNewsletter {
			c.Snippet = CleanSnippet(latest.Subject)
		} else {
			c.Snippet = CleanSnippet(latest.Snippet)
		}
	}

	c.HasInbox = false
	c.InboxUnreadCount = 0
	c.LatestInboxDate = nil
	for _, m := range visible {
		if !m.HasLabel(model.LabelInbox) {
			continue
		}
		c.HasInbox = true
		if m.IsUnread() {
			c.InboxUnreadCount++
		}
		if c.LatestInboxDate == nil || m.InternalDate.After(*c.LatestInboxDate) {
			d := m.InternalDate
			c.LatestInboxDate = &d
		}
	}

	awaitingReply := sentOnlyAwaitingReply(visible, c.HasInbox)
	switch {
	case c.HasInbox:
		c.ArchivedAt = nil
	case c.ArchivedAt == nil && !awaitingReply:
		now := u.now().UTC()
		c.ArchivedAt = &now
	}
	c.Hidden = c.ArchivedAt != nil && !awaitingReply

	c.DisplayName = u.displayName(c, msgs)
	return c
}

// sentOnlyAwaitingReply reports whether the user started the conversation
// and nothing has been received yet.
func sentOnlyAwaitingReply(msgs []model.Message, hasInbox bool) bool {
	if hasInbox {
		return false
	}
	sent := false
	for _, m := range msgs {
		switch {
		case m.LocallySent || m.HasLabel(model.LabelSent):
			sent = true
		case !m.IsFromMe:
			return false
		}
	}
	return sent
}

func latestMessage(msgs []model.Message) (model.Message, bool) {
	if len(msgs) == 0 {
		return model.Message{}, false
	}
	latest := msgs[0]
	for _, m := range msgs[1:] {
		if m.InternalDate.After(latest.InternalDate) ||
			(m.InternalDate.Equal(latest.InternalDate) && m.ID > latest.ID) {
			latest = m
		}
	}
	return latest, true
}

// displayName joins the distinct names of non-self participants. List
// conversations have no participants and use their non-self senders.
func (u *Updater) displayName(c model.Conversation, msgs []model.Message) string {
	byDate := slices.Clone(msgs)
	slices.SortStableFunc(byDate, func(a, b model.Message) int {
		return b.InternalDate.Compare(a.InternalDate)
	})

	names := make(map[string]string)
	for _, m := range byDate {
		addr := identity.Normalize(m.SenderEmail)
		if addr == "" {
			continue
		}
		if _, ok := names[addr]; !ok && strings.TrimSpace(m.SenderName) != "" {
			names[addr] = strings.TrimSpace(m.SenderName)
		}
	}

	addrs := c.Participants
	if len(addrs) == 0 {
		seen := make(map[string]bool)
		for _, m := range byDate {
			addr := identity.Normalize(m.SenderEmail)
			if addr == "" || seen[addr] || u.resolver.IsSelf(addr) {
				continue
			}
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}

	var parts []string
	for _, addr := range addrs {
		label := names[addr]
		if label == "" {
			label = addr
		}
		if label != "" && !slices.Contains(parts, label) {
			parts = append(parts, label)
		}
	}

	switch {
	case len(parts) == 0:
		return UnknownName
	case len(parts) > maxNames:
		return fmt.Sprintf("%s +%d", strings.Join(parts[:maxNames], ", "), len(parts)-maxNames)
	default:
		return strings.Join(parts, ", ")
	}
}

func sameRollup(a, b model.Conversation) bool {
	return a.DisplayName == b.DisplayName &&
		a.Snippet == b.Snippet &&
		equalTime(a.LastMessageDate, b.LastMessageDate) &&
		equalTime(a.LatestInboxDate, b.LatestInboxDate) &&
		equalTime(a.ArchivedAt, b.ArchivedAt) &&
		a.Hidden == b.Hidden &&
		a.HasInbox == b.HasInbox &&
		a.InboxUnreadCount == b.InboxUnreadCount
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
