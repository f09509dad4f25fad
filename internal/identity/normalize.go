// Package identity derives content-addressed conversation identities from
// message headers. Nothing in this package depends on server thread ids.
package identity

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// providerRule describes the aliasing behavior of a mail provider.
type providerRule struct {
	// canonical is the domain every alias domain maps to.
	canonical string

	// dotInsensitive providers ignore '.' in the local part.
	dotInsensitive bool

	// plusAddressing providers deliver user+tag to user.
	plusAddressing bool
}

var gmailRule = providerRule{canonical: "gmail.com", dotInsensitive: true, plusAddressing: true}

// providers maps a domain to its provider rule. Secondary domains map to
// the same rule as their canonical domain.
var providers = map[string]providerRule{
	"gmail.com":      gmailRule,
	"googlemail.com": gmailRule,
}

// Normalize canonicalizes an email address. It lower-cases the address and,
// for dot-insensitive plus-addressed providers, strips dots from the local
// part, truncates at the first unescaped '+' and maps alias domains to the
// canonical one. Malformed input is returned lower-cased and otherwise
// unchanged.
func Normalize(address string) string {
	addr := strings.ToLower(norm.NFC.String(strings.TrimSpace(address)))

	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]

	rule, ok := providers[domain]
	if !ok {
		return addr
	}
	if rule.plusAddressing {
		local = truncatePlus(local)
	}
	if rule.dotInsensitive {
		local = strings.ReplaceAll(local, ".", "")
	}
	if local == "" {
		return addr
	}
	return local + "@" + rule.canonical
}

// truncatePlus cuts local at the first '+' not preceded by a backslash.
func truncatePlus(local string) string {
	escaped := false
	for i := 0; i < len(local); i++ {
		switch {
		case escaped:
			escaped = false
		case local[i] == '\\':
			escaped = true
		case local[i] == '+':
			return local[:i]
		}
	}
	return local
}

// NormalizeAll normalizes every address and drops empty results.
func NormalizeAll(addresses []string) []string {
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if n := Normalize(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}
