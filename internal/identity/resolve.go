package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nhle/mailcache/internal/model"
)

// Key prefixes by derivation class.
const (
	participantKeyPrefix = "p|"
	listKeyPrefix        = "list|"
)

// Resolver computes conversation identities for one account. The alias set
// is normalized once at construction.
type Resolver struct {
	self ParticipantSet

	// selfFallback is the lexicographically smallest normalized alias.
	selfFallback string
}

// NewResolver creates a Resolver for the account's primary address and
// aliases.
func NewResolver(myAliases []string) *Resolver {
	self := NewAliasSet(myAliases)
	r := &Resolver{self: self}
	for addr := range self {
		if r.selfFallback == "" || addr < r.selfFallback {
			r.selfFallback = addr
		}
	}
	return r
}

// IsSelf reports whether addr normalizes to one of the account's addresses.
func (r *Resolver) IsSelf(addr string) bool {
	return r.self.Contains(Normalize(addr))
}

// Resolve computes the identity of a message from its headers.
//
// A non-empty List-Id always yields a list identity with no participants.
// Otherwise the identity is the sorted set of normalized From/To/Cc
// addresses minus the account's own. Self-addressed mail resolves to the
// smallest alias so every alias maps to the same conversation.
func (r *Resolver) Resolve(headers []model.MessageHeader) model.ConversationIdentity {
	if listID := HeaderValue(headers, HeaderListID); listID != "" {
		key := listKeyPrefix + listID
		return model.ConversationIdentity{
			Key:          key,
			KeyHash:      Hash(key),
			Type:         model.ConversationList,
			Participants: []string{},
		}
	}

	participants := extractParticipants(headers, r.self).Sorted()
	if len(participants) == 0 && r.selfFallback != "" {
		participants = []string{r.selfFallback}
	}

	key := participantKeyPrefix + strings.Join(participants, "|")
	typ := model.ConversationOneToOne
	if len(participants) > 1 {
		typ = model.ConversationGroup
	}

	return model.ConversationIdentity{
		Key:          key,
		KeyHash:      Hash(key),
		Type:         typ,
		Participants: participants,
	}
}

// Resolve is a convenience wrapper for one-off resolution.
func Resolve(headers []model.MessageHeader, myAliases []string) model.ConversationIdentity {
	return NewResolver(myAliases).Resolve(headers)
}

// Hash returns the hex-encoded SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ParticipantHash returns the legacy secondary key of an identity. List
// identities have none.
func ParticipantHash(id model.ConversationIdentity) string {
	if id.Type == model.ConversationList || len(id.Participants) == 0 {
		return ""
	}
	return Hash(strings.Join(id.Participants, ","))
}
