package gmail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// redirectTimeout bounds the wait for the browser redirect before falling
// back to a pasted code.
const redirectTimeout = 2 * time.Minute

// OAuthConfig parses a downloaded client_secret.json. gmail.modify covers
// reading as well as label changes.
func OAuthConfig(clientSecret []byte) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(clientSecret, gmailv1.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing oauth client config: %w", err)
	}
	return cfg, nil
}

// NewService builds a Gmail service from a stored token. Refreshed tokens
// are passed through src, which typically persists them.
func NewService(ctx context.Context, cfg *oauth2.Config, src oauth2.TokenSource) (*gmailv1.Service, error) {
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, src))
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return svc, nil
}

// Authorize runs the browser consent flow. It listens on a loopback port
// for the redirect and falls back to reading the code, or the full redirect
// URL, from in.
func Authorize(ctx context.Context, cfg *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	type result struct {
		code string
	}
	resCh := make(chan result, 1)

	conf := *cfg
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err == nil {
		port := ln.Addr().(*net.TCPAddr).Port
		conf.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", port)

		mux := http.NewServeMux()
		srv := &http.Server{
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           mux,
		}
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "Missing 'code' parameter", http.StatusBadRequest)
				return
			}
			fmt.Fprintln(w, "Authentication complete. You can close this window.")
			select {
			case resCh <- result{code: code}:
			default:
			}
		})
		go func() { _ = srv.Serve(ln) }()
		defer func() { _ = srv.Shutdown(context.Background()) }()

		fmt.Fprintln(out, "Open this URL to authorize mailcache:")
		fmt.Fprintln(out, conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce))
		fmt.Fprintf(out, "Waiting for redirect on %s\n", conf.RedirectURL)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-resCh:
			return exchange(ctx, &conf, r.code)
		case <-time.After(redirectTimeout):
			fmt.Fprintln(out, "Timed out waiting for redirect.")
		}
	}

	conf.RedirectURL = cfg.RedirectURL
	fmt.Fprintln(out, "Open this URL, then paste the code or the full redirect URL:")
	fmt.Fprintln(out, conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce))
	fmt.Fprint(out, "> ")

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading auth code: %w", err)
		}
		return nil, errors.New("empty authorization code")
	}
	code, err := parseCode(sc.Text())
	if err != nil {
		return nil, err
	}
	return exchange(ctx, &conf, code)
}

// parseCode accepts either a bare authorization code or a redirect URL
// carrying one.
func parseCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("no 'code' parameter found in pasted URL")
	}
	return code, nil
}

func exchange(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("exchanging auth code: %w", err)
	}
	return tok, nil
}
