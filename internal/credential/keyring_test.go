package credential

import (
	"errors"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

func useMemoryKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	prev := open
	open = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { open = prev })
}

func TestSetGetDelete(t *testing.T) {
	useMemoryKeyring(t)

	if err := Set(KeyIMAPPassword, "hunter2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := Get(KeyIMAPPassword)
	if err != nil || got != "hunter2" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := Delete(KeyIMAPPassword); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Get(KeyIMAPPassword); !errors.Is(err, keyring.ErrKeyNotFound) {
		t.Errorf("Get after delete err = %v, want ErrKeyNotFound", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	useMemoryKeyring(t)

	expiry := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	want := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: expiry}
	if err := SaveToken(want); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	got, err := LoadToken()
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.Expiry.Equal(expiry) {
		t.Errorf("LoadToken = %+v", got)
	}
}

type sequenceSource struct {
	tokens []string
	i      int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	tok := &oauth2.Token{AccessToken: s.tokens[s.i]}
	if s.i < len(s.tokens)-1 {
		s.i++
	}
	return tok, nil
}

func TestPersistingTokenSourceSavesOnlyNewTokens(t *testing.T) {
	var saved []string
	src := PersistingTokenSource(&sequenceSource{tokens: []string{"a", "a", "b"}}, func(tok *oauth2.Token) error {
		saved = append(saved, tok.AccessToken)
		return nil
	})

	for range 4 {
		if _, err := src.Token(); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if len(saved) != 2 || saved[0] != "a" || saved[1] != "b" {
		t.Errorf("saved = %v, want [a b]", saved)
	}
}
