package credential

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "mailcache"

// Well-known credential keys.
const (
	KeyOAuthToken   = "oauth-token"
	KeyIMAPPassword = "imap-password"
)

// open is swapped in tests for an in-memory keyring.
var open = openKeyring

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailcache/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailcache-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := open()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// LoadToken reads the stored OAuth token.
func LoadToken() (*oauth2.Token, error) {
	raw, err := Get(KeyOAuthToken)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding oauth token: %w", err)
	}
	return &tok, nil
}

// SaveToken stores tok, replacing any previous token.
func SaveToken(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding oauth token: %w", err)
	}
	return Set(KeyOAuthToken, string(b))
}

// PersistingTokenSource wraps src and saves every newly minted token, so a
// refreshed access token survives restarts.
func PersistingTokenSource(src oauth2.TokenSource, save func(*oauth2.Token) error) oauth2.TokenSource {
	return &persistingSource{src: src, save: save}
}

type persistingSource struct {
	mu   sync.Mutex
	src  oauth2.TokenSource
	save func(*oauth2.Token) error
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		if err := p.save(tok); err != nil {
			return nil, err
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
