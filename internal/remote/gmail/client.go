// Package gmail implements the remote mailbox contract on the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

const user = "me"

// metadataHeaders are the headers fetched with every message.
var metadataHeaders = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date",
	"List-Id", "List-Unsubscribe", "Message-Id", "References",
}

// Client implements remote.Client against one Gmail account.
type Client struct {
	svc    *gmailv1.Service
	logger *slog.Logger
}

var _ remote.Client = (*Client)(nil)

// New wraps an authenticated Gmail service.
func New(svc *gmailv1.Service, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{svc: svc, logger: logger.With(slog.String("component", "gmail"))}
}

// rateLimitReasons are the error reasons Gmail reports with a 403 when a
// quota, not the credential, is the problem.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"quotaExceeded":         true,
}

// classify maps a Gmail API failure onto the remote failure taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				return &remote.Error{Kind: remote.KindRateLimited, Code: gerr.Code, Op: op, Err: err}
			}
		}
		return remote.FromStatus(op, gerr.Code, err)
	}
	return remote.Classify(op, err)
}

// ListMessages implements remote.Client.
func (c *Client) ListMessages(ctx context.Context, pageToken string, pageSize int) (*remote.MessagePage, error) {
	call := c.svc.Users.Messages.List(user).IncludeSpamTrash(false).Context(ctx)
	if pageSize > 0 {
		call = call.MaxResults(int64(pageSize))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	page := &remote.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage implements remote.Client.
func (c *Client) GetMessage(ctx context.Context, id string) (*remote.Message, error) {
	msg, err := c.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("get message", err)
	}
	return convertMessage(msg), nil
}

func convertMessage(msg *gmailv1.Message) *remote.Message {
	out := &remote.Message{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		InternalDate: time.UnixMilli(msg.InternalDate).UTC(),
		Labels:       msg.LabelIds,
		Snippet:      msg.Snippet,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			out.Headers = append(out.Headers, model.MessageHeader{Name: h.Name, Value: h.Value})
		}
	}
	return out
}

// ModifyLabels implements remote.LabelModifier.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	req := &gmailv1.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := c.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do(); err != nil {
		return classify("modify labels", err)
	}
	return nil
}

// BatchModifyLabels implements remote.LabelModifier.
func (c *Client) BatchModifyLabels(ctx context.Context, ids []string, add, remove []string) error {
	req := &gmailv1.BatchModifyMessagesRequest{Ids: ids, AddLabelIds: add, RemoveLabelIds: remove}
	if err := c.svc.Users.Messages.BatchModify(user, req).Context(ctx).Do(); err != nil {
		return classify("batch modify labels", err)
	}
	return nil
}

// ListHistory implements remote.Client. A message both changed and deleted
// within the window is reported by its last event only.
func (c *Client) ListHistory(ctx context.Context, sinceID string) (*remote.HistoryChanges, error) {
	startID, err := strconv.ParseUint(sinceID, 10, 64)
	if err != nil {
		return nil, &remote.Error{
			Kind: remote.KindNotFound,
			Op:   "list history",
			Err:  fmt.Errorf("invalid history id %q: %w", sinceID, err),
		}
	}

	deleted := make(map[string]bool)
	var order []string
	mark := func(m *gmailv1.Message, del bool) {
		if m == nil {
			return
		}
		if _, seen := deleted[m.Id]; !seen {
			order = append(order, m.Id)
		}
		deleted[m.Id] = del
	}

	changes := &remote.HistoryChanges{HistoryID: sinceID}
	call := c.svc.Users.History.List(user).StartHistoryId(startID).MaxResults(500).Context(ctx)
	for {
		resp, err := call.Do()
		if err != nil {
			return nil, classify("list history", err)
		}
		if resp.HistoryId != 0 {
			changes.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
		}
		for _, h := range resp.History {
			for _, ma := range h.MessagesAdded {
				mark(ma.Message, false)
			}
			for _, la := range h.LabelsAdded {
				mark(la.Message, false)
			}
			for _, lr := range h.LabelsRemoved {
				mark(lr.Message, false)
			}
			for _, md := range h.MessagesDeleted {
				mark(md.Message, true)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		call = call.PageToken(resp.NextPageToken)
	}

	for _, id := range order {
		if deleted[id] {
			changes.Deleted = append(changes.Deleted, id)
		} else {
			changes.Changed = append(changes.Changed, id)
		}
	}
	c.logger.Debug("history listed",
		slog.String("since", sinceID),
		slog.String("history_id", changes.HistoryID),
		slog.Int("changed", len(changes.Changed)),
		slog.Int("deleted", len(changes.Deleted)),
	)
	return changes, nil
}

// CurrentHistoryID implements remote.Client.
func (c *Client) CurrentHistoryID(ctx context.Context) (string, error) {
	p, err := c.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", classify("get profile", err)
	}
	return strconv.FormatUint(p.HistoryId, 10), nil
}

// ListAliases implements remote.Client.
func (c *Client) ListAliases(ctx context.Context) ([]string, error) {
	resp, err := c.svc.Users.Settings.SendAs.List(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list aliases", err)
	}
	out := make([]string, 0, len(resp.SendAs))
	for _, s := range resp.SendAs {
		if s.SendAsEmail != "" {
			out = append(out, s.SendAsEmail)
		}
	}
	return out, nil
}
