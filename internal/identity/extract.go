package identity

import (
	"slices"
	"strings"

	// Registers decoders for non-UTF-8 encoded display names.
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailcache/internal/model"
)

// Header names consumed by the extractor and resolver.
const (
	HeaderFrom            = "From"
	HeaderTo              = "To"
	HeaderCc              = "Cc"
	HeaderBcc             = "Bcc"
	HeaderListID          = "List-Id"
	HeaderListUnsubscribe = "List-Unsubscribe"
	HeaderSubject         = "Subject"
	HeaderMessageID       = "Message-Id"
	HeaderReferences      = "References"
)

// participantHeaders are the headers that contribute participants.
// Bcc is deliberately absent.
var participantHeaders = []string{HeaderFrom, HeaderTo, HeaderCc}

// Address is a parsed mailbox with its normalized address.
type Address struct {
	Name  string
	Email string
}

// ParticipantSet is a set of normalized addresses.
type ParticipantSet map[string]struct{}

// Add inserts a normalized address.
func (s ParticipantSet) Add(addr string) { s[addr] = struct{}{} }

// Contains reports whether addr is in the set.
func (s ParticipantSet) Contains(addr string) bool {
	_, ok := s[addr]
	return ok
}

// Sorted returns the set members in ascending order.
func (s ParticipantSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// HeaderValues returns every value of the named header, matched
// case-insensitively, in delivery order.
func HeaderValues(headers []model.MessageHeader, name string) []string {
	var out []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// HeaderValue returns the first non-blank value of the named header with
// surrounding space trimmed, or "". Blank repeats are skipped.
func HeaderValue(headers []model.MessageHeader, name string) string {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		if v := strings.TrimSpace(h.Value); v != "" {
			return v
		}
	}
	return ""
}

// NewAliasSet normalizes the account's own addresses into a set.
func NewAliasSet(aliases []string) ParticipantSet {
	set := make(ParticipantSet, len(aliases))
	for _, a := range NormalizeAll(aliases) {
		set.Add(a)
	}
	return set
}

// ExtractParticipants collects the normalized From, To and Cc addresses of
// a message, excluding any address in myAliases. Bcc never contributes.
func ExtractParticipants(headers []model.MessageHeader, myAliases []string) ParticipantSet {
	return extractParticipants(headers, NewAliasSet(myAliases))
}

func extractParticipants(headers []model.MessageHeader, self ParticipantSet) ParticipantSet {
	set := make(ParticipantSet)
	for _, name := range participantHeaders {
		for _, value := range HeaderValues(headers, name) {
			for _, addr := range ParseAddressList(value) {
				if !self.Contains(addr.Email) {
					set.Add(addr.Email)
				}
			}
		}
	}
	return set
}

// ParseAddressList splits a header value into mailboxes. It uses the RFC 5322
// parser first and falls back to a quote-aware comma split for values the
// strict parser rejects. Tokens without an '@' are dropped.
func ParseAddressList(value string) []Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if parsed, err := mail.ParseAddressList(value); err == nil {
		out := make([]Address, 0, len(parsed))
		for _, a := range parsed {
			if strings.Contains(a.Address, "@") {
				out = append(out, Address{Name: a.Name, Email: Normalize(a.Address)})
			}
		}
		return out
	}

	var out []Address
	for _, token := range splitAddressTokens(value) {
		if addr, ok := parseToken(token); ok {
			out = append(out, addr)
		}
	}
	return out
}

// ParseAddress returns the first mailbox of a header value.
func ParseAddress(value string) (Address, bool) {
	list := ParseAddressList(value)
	if len(list) == 0 {
		return Address{}, false
	}
	return list[0], true
}

// splitAddressTokens splits on commas outside quotes and angle brackets.
func splitAddressTokens(value string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		angle   bool
		escaped bool
	)
	for _, r := range value {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == '<' && !quoted:
			angle = true
		case r == '>' && !quoted:
			angle = false
		case r == ',' && !quoted && !angle:
			tokens = append(tokens, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	tokens = append(tokens, current.String())
	return tokens
}

// parseToken extracts the bracketed or bare address from one token.
func parseToken(token string) (Address, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Address{}, false
	}

	var name, addr string
	open := strings.LastIndexByte(token, '<')
	closing := strings.LastIndexByte(token, '>')
	if open >= 0 && closing > open {
		addr = token[open+1 : closing]
		name = strings.Trim(strings.TrimSpace(token[:open]), `"`)
	} else {
		addr = token
	}

	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "@") {
		return Address{}, false
	}
	return Address{Name: name, Email: Normalize(addr)}, true
}
