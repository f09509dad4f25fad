package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/remote/gmail"
	"github.com/nhle/mailcache/internal/remote/imap"
)

// ClientSecretFile is the OAuth client configuration downloaded from the
// Google Cloud console, looked up in the account's credentials dir.
const ClientSecretFile = "client_secret.json"

// ErrNotLoggedIn is returned when no credential is stored for the account.
var ErrNotLoggedIn = errors.New("not logged in, run `mailcache login`")

// NewRemote builds the remote client for the configured provider, loading
// its credential from the system keyring.
func NewRemote(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger) (remote.Client, error) {
	switch cfg.Account.Provider {
	case model.ProviderGmail, "":
		return newGmailRemote(ctx, cfg, logger)
	case model.ProviderIMAP:
		return newIMAPRemote(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Account.Provider)
	}
}

func newGmailRemote(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger) (remote.Client, error) {
	oauthCfg, err := loadOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	tok, err := credential.LoadToken()
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}

	src := credential.PersistingTokenSource(oauthCfg.TokenSource(ctx, tok), credential.SaveToken)
	svc, err := gmail.NewService(ctx, oauthCfg, src)
	if err != nil {
		return nil, err
	}
	return gmail.New(svc, logger), nil
}

func newIMAPRemote(cfg *model.AppConfig, logger *slog.Logger) (remote.Client, error) {
	password, err := credential.Get(credential.KeyIMAPPassword)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}

	ic := cfg.Account.IMAP
	username := ic.Username
	if username == "" {
		username = cfg.Account.Address
	}
	return imap.NewClient(imap.Config{
		Host:     ic.Host,
		Port:     ic.Port,
		Username: username,
		Password: password,
		TLS:      ic.TLS,
	}, logger), nil
}

func loadOAuthConfig(cfg *model.AppConfig) (*oauth2.Config, error) {
	path := filepath.Join(cfg.Account.CredentialsDir, ClientSecretFile)
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading oauth client secret %s: %w", path, err)
	}
	return gmail.OAuthConfig(secret)
}

// Login stores a credential for the configured provider: the Gmail OAuth
// token from the browser consent flow, or the IMAP password read from in.
func Login(ctx context.Context, cfg *model.AppConfig, in io.Reader, out io.Writer) error {
	switch cfg.Account.Provider {
	case model.ProviderGmail, "":
		oauthCfg, err := loadOAuthConfig(cfg)
		if err != nil {
			return err
		}
		tok, err := gmail.Authorize(ctx, oauthCfg, in, out)
		if err != nil {
			return err
		}
		if err := credential.SaveToken(tok); err != nil {
			return err
		}
	case model.ProviderIMAP:
		fmt.Fprintf(out, "IMAP password for %s: ", cfg.Account.IMAP.Host)
		password, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")
		if password == "" {
			return errors.New("empty password")
		}
		if err := credential.Set(credential.KeyIMAPPassword, password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Account.Provider)
	}
	fmt.Fprintln(out, "Credentials saved.")
	return nil
}

// Logout removes the stored credential for the configured provider.
func Logout(cfg *model.AppConfig) error {
	key := credential.KeyOAuthToken
	if cfg.Account.Provider == model.ProviderIMAP {
		key = credential.KeyIMAPPassword
	}
	err := credential.Delete(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}
