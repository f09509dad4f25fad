package gmail

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"testing"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/mailcache/internal/remote"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmailv1.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}
	return New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/messages/m1" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("format") != "metadata" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		writeJSON(w, map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"internalDate": "1767225600000",
			"labelIds":     []string{"INBOX", "UNREAD"},
			"snippet":      "hello there",
			"payload": map[string]any{
				"headers": []map[string]string{
					{"name": "From", "value": "Alice <alice@example.com>"},
					{"name": "List-Id", "value": "<dev.lists.example.com>"},
				},
			},
		})
	})

	msg, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.ID != "m1" || msg.ThreadID != "t1" || msg.Snippet != "hello there" {
		t.Errorf("message = %+v", msg)
	}
	if !msg.InternalDate.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("InternalDate = %v", msg.InternalDate)
	}
	if !slices.Equal(msg.Labels, []string{"INBOX", "UNREAD"}) {
		t.Errorf("Labels = %v", msg.Labels)
	}
	if len(msg.Headers) != 2 || msg.Headers[1].Name != "List-Id" {
		t.Errorf("Headers = %+v", msg.Headers)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
		want   remote.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, "", remote.KindAuth},
		{"forbidden", http.StatusForbidden, "insufficientPermissions", remote.KindAuth},
		{"user rate limit", http.StatusForbidden, "userRateLimitExceeded", remote.KindRateLimited},
		{"daily limit", http.StatusForbidden, "dailyLimitExceeded", remote.KindRateLimited},
		{"too many requests", http.StatusTooManyRequests, "", remote.KindRateLimited},
		{"not found", http.StatusNotFound, "", remote.KindNotFound},
		{"bad request", http.StatusBadRequest, "", remote.KindMalformed},
		{"unavailable", http.StatusServiceUnavailable, "", remote.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				errs := ""
				if tt.reason != "" {
					errs = `,"errors":[{"domain":"usageLimits","reason":"` + tt.reason + `","message":"nope"}]`
				}
				_, _ = io.WriteString(w, `{"error":{"code":`+strconv.Itoa(tt.status)+`,"message":"nope"`+errs+`}}`)
			})
			err := c.ModifyLabels(context.Background(), "m1", []string{"STARRED"}, nil)
			if got := remote.KindOf(err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
			if tt.want == remote.KindRateLimited && !remote.IsRetryable(err) {
				t.Errorf("rate limit should be retryable: %v", err)
			}
		})
	}
}

func TestListHistory(t *testing.T) {
	var pages int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") != "100" {
			t.Errorf("startHistoryId = %q", r.URL.Query().Get("startHistoryId"))
		}
		pages++
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]any{
				"history": []map[string]any{
					{"id": "101", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "a"}}}},
					{"id": "102", "labelsRemoved": []map[string]any{{"message": map[string]any{"id": "b"}, "labelIds": []string{"INBOX"}}}},
				},
				"nextPageToken": "p2",
				"historyId":     "110",
			})
			return
		}
		writeJSON(w, map[string]any{
			"history": []map[string]any{
				{"id": "103", "messagesDeleted": []map[string]any{{"message": map[string]any{"id": "a"}}}},
				{"id": "104", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "c"}}}},
			},
			"historyId": "111",
		})
	})

	changes, err := c.ListHistory(context.Background(), "100")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if pages != 2 {
		t.Errorf("fetched %d pages, want 2", pages)
	}
	if !slices.Equal(changes.Changed, []string{"b", "c"}) {
		t.Errorf("Changed = %v", changes.Changed)
	}
	if !slices.Equal(changes.Deleted, []string{"a"}) {
		t.Errorf("Deleted = %v", changes.Deleted)
	}
	if changes.HistoryID != "111" {
		t.Errorf("HistoryID = %q", changes.HistoryID)
	}
}

func TestListHistory_InvalidIDIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	if _, err := c.ListHistory(context.Background(), "not-a-number"); !remote.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestListAliases(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sendAs": []map[string]any{
				{"sendAsEmail": "me@gmail.com", "isPrimary": true},
				{"sendAsEmail": "me@work.example"},
			},
		})
	})
	got, err := c.ListAliases(context.Background())
	if err != nil {
		t.Fatalf("ListAliases: %v", err)
	}
	if !slices.Equal(got, []string{"me@gmail.com", "me@work.example"}) {
		t.Errorf("aliases = %v", got)
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  4/abc  ", "4/abc", false},
		{"http://127.0.0.1:5555/?state=state-token&code=4%2Fxyz", "4/xyz", false},
		{"https://example.com/?state=x", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseCode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseCode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
