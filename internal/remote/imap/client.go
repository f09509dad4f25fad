// Package imap implements the remote mailbox contract over IMAP for
// accounts without a label API. Labels are emulated: INBOX membership comes
// from the mailbox a message lives in, UNREAD and STARRED from \Seen and
// \Flagged, and archive, trash or restore become moves between folders.
// The listing covers INBOX and the account's archive folder.
package imap

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

const inbox = "INBOX"

// headerFields are the header lines fetched with every message.
var headerFields = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date",
	"List-Id", "List-Unsubscribe", "Message-Id", "References",
}

var (
	archiveFolders = []string{"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive"}
	trashFolders   = []string{"Trash", "[Gmail]/Trash", "Deleted Items", "INBOX.Trash"}

	// listedArchives are the archive names walked by ListMessages. An
	// all-mail folder is left out because it repeats every INBOX message.
	listedArchives = []string{"Archive", "Archives", "INBOX.Archive"}
)

// Config holds the connection settings of one IMAP account.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// Client implements remote.Client over IMAP. It connects per call.
//
// Message ids are the decimal UID for INBOX messages and "<mailbox>:<uid>"
// for messages elsewhere. A move gives a message a new UID, so it shows up
// under a new id on the next listing.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

var _ remote.Client = (*Client)(nil)

// NewClient creates an IMAP client configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger.With(slog.String("component", "imap"))}
}

// connect dials, authenticates and selects mailbox. The returned release
// function logs out.
func (c *Client) connect(ctx context.Context, op, mailbox string) (*imapclient.Client, *imapv2.SelectData, func(), error) {
	addr := c.cfg.Host + ":" + c.cfg.Port

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, nil, remote.Classify(op, fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}

	// Closing the connection unblocks a pending command on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	release := func() {
		stop()
		_ = client.Logout().Wait()
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		release()
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, &remote.Error{
			Kind: remote.KindAuth,
			Op:   op,
			Err:  fmt.Errorf("authentication failed for %s: %w", c.cfg.Username, err),
		}
	}

	sel, err := client.Select(mailbox, nil).Wait()
	if err != nil {
		release()
		if isMissingMailbox(err) {
			return nil, nil, nil, &remote.Error{Kind: remote.KindNotFound, Op: op, Err: fmt.Errorf("selecting %s: %w", mailbox, err)}
		}
		return nil, nil, nil, c.wrap(ctx, op, fmt.Errorf("selecting %s: %w", mailbox, err))
	}
	return client, sel, release, nil
}

// isMissingMailbox reports whether err is the server refusing to select a
// mailbox that does not exist.
func isMissingMailbox(err error) bool {
	var ierr *imapv2.Error
	return errors.As(err, &ierr) && ierr.Code == imapv2.ResponseCodeNonExistent
}

// msgRef locates a message by mailbox and UID.
type msgRef struct {
	mailbox string
	uid     imapv2.UID
}

func (r msgRef) id() string {
	uid := strconv.FormatUint(uint64(r.uid), 10)
	if r.mailbox == inbox {
		return uid
	}
	return r.mailbox + ":" + uid
}

// parseID splits a message id into its mailbox and UID.
func parseID(op, id string) (msgRef, error) {
	ref := msgRef{mailbox: inbox}
	uidPart := id
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		ref.mailbox, uidPart = id[:i], id[i+1:]
		if ref.mailbox == "" {
			return msgRef{}, &remote.Error{Kind: remote.KindMalformed, Op: op, Err: fmt.Errorf("invalid message id %q", id)}
		}
	}
	uid, err := parseUID(op, uidPart)
	if err != nil {
		return msgRef{}, err
	}
	ref.uid = uid
	return ref, nil
}

// findArchive returns the mailbox archived messages live in, or "" when
// the account has none. A mailbox flagged \Archive wins over a known name.
func findArchive(client *imapclient.Client) (string, error) {
	boxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return "", fmt.Errorf("listing mailboxes: %w", err)
	}
	return chooseArchive(boxes), nil
}

func chooseArchive(boxes []*imapv2.ListData) string {
	names := make(map[string]bool, len(boxes))
	for _, b := range boxes {
		if slices.Contains(b.Attrs, imapv2.MailboxAttrNoSelect) {
			continue
		}
		if slices.Contains(b.Attrs, imapv2.MailboxAttrArchive) {
			return b.Mailbox
		}
		names[b.Mailbox] = true
	}
	for _, name := range listedArchives {
		if names[name] {
			return name
		}
	}
	return ""
}

// wrap classifies a command failure, reporting cancellation as such.
func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return remote.Classify(op, err)
}

// ListMessages implements remote.Client. INBOX messages come first, then
// the archive folder, each newest first. The page token is the offset into
// that combined list.
func (c *Client) ListMessages(ctx context.Context, pageToken string, pageSize int) (*remote.MessagePage, error) {
	const op = "list messages"
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, &remote.Error{Kind: remote.KindMalformed, Op: op, Err: fmt.Errorf("invalid page token %q", pageToken)}
		}
		offset = n
	}

	client, _, release, err := c.connect(ctx, op, inbox)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, c.wrap(ctx, op, fmt.Errorf("searching INBOX: %w", err))
	}
	ids := listIDs(inbox, data.AllUIDs())

	archive, err := findArchive(client)
	if err != nil {
		return nil, c.wrap(ctx, op, err)
	}
	if archive != "" {
		if _, err := client.Select(archive, &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return nil, c.wrap(ctx, op, fmt.Errorf("selecting %s: %w", archive, err))
		}
		data, err := client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
		if err != nil {
			return nil, c.wrap(ctx, op, fmt.Errorf("searching %s: %w", archive, err))
		}
		ids = append(ids, listIDs(archive, data.AllUIDs())...)
	}
	return pageIDs(ids, offset, pageSize), nil
}

// listIDs returns message ids for uids in mailbox, newest (highest) first.
func listIDs(mailbox string, uids []imapv2.UID) []string {
	sorted := slices.Clone(uids)
	slices.SortFunc(sorted, func(a, b imapv2.UID) int { return cmp.Compare(b, a) })
	ids := make([]string, len(sorted))
	for i, uid := range sorted {
		ids[i] = msgRef{mailbox: mailbox, uid: uid}.id()
	}
	return ids
}

// pageIDs returns one page of ids starting at offset.
func pageIDs(ids []string, offset, pageSize int) *remote.MessagePage {
	page := &remote.MessagePage{}
	if offset >= len(ids) {
		return page
	}
	end := len(ids)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
		page.NextPageToken = strconv.Itoa(end)
	}
	page.IDs = slices.Clone(ids[offset:end])
	return page
}

// GetMessage implements remote.Client.
func (c *Client) GetMessage(ctx context.Context, id string) (*remote.Message, error) {
	const op = "get message"
	ref, err := parseID(op, id)
	if err != nil {
		return nil, err
	}
	uid := ref.uid

	client, _, release, err := c.connect(ctx, op, ref.mailbox)
	if err != nil {
		return nil, err
	}
	defer release()

	section := &imapv2.FetchItemBodySection{
		Specifier:    imapv2.PartSpecifierHeader,
		HeaderFields: headerFields,
		Peek:         true,
	}
	fetchCmd := client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, c.wrap(ctx, op, err)
		}
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: op, Err: fmt.Errorf("message UID %d not found", uid)}
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, c.wrap(ctx, op, fmt.Errorf("collecting message data: %w", err))
	}

	headers, err := parseHeaders(buf.FindBodySection(section))
	if err != nil {
		return nil, &remote.Error{Kind: remote.KindMalformed, Op: op, Err: err}
	}
	return &remote.Message{
		ID:           id,
		InternalDate: buf.InternalDate.UTC(),
		Labels:       flagsToLabels(buf.Flags, ref.mailbox == inbox),
		Headers:      headers,
	}, nil
}

func parseUID(op, id string) (imapv2.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, &remote.Error{Kind: remote.KindMalformed, Op: op, Err: fmt.Errorf("invalid message id %q", id)}
	}
	return imapv2.UID(n), nil
}

// parseHeaders decodes a fetched header block into ordered header lines.
func parseHeaders(raw []byte) ([]model.MessageHeader, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing headers: %w", err)
	}
	var out []model.MessageHeader
	fields := h.Fields()
	for fields.Next() {
		out = append(out, model.MessageHeader{Name: fields.Key(), Value: fields.Value()})
	}
	return out, nil
}

// flagsToLabels derives label ids from a message's flags and whether it
// lives in INBOX.
func flagsToLabels(flags []imapv2.Flag, inInbox bool) []string {
	var labels []string
	if inInbox {
		labels = append(labels, model.LabelInbox)
	}
	if !slices.Contains(flags, imapv2.FlagSeen) {
		labels = append(labels, model.LabelUnread)
	}
	if slices.Contains(flags, imapv2.FlagFlagged) {
		labels = append(labels, model.LabelStarred)
	}
	if slices.Contains(flags, imapv2.FlagDraft) {
		labels = append(labels, model.LabelDraft)
	}
	slices.Sort(labels)
	return labels
}

// changePlan is a label delta translated into IMAP operations.
type changePlan struct {
	addFlags    []imapv2.Flag
	removeFlags []imapv2.Flag

	// moveTo lists candidate folders tried in order; the first that
	// accepts the move wins.
	moveTo []string
}

// planChange translates a label delta. Trash takes precedence over any
// other move.
func planChange(add, remove []string) (changePlan, error) {
	var p changePlan
	for _, l := range add {
		switch l {
		case model.LabelUnread:
			p.removeFlags = append(p.removeFlags, imapv2.FlagSeen)
		case model.LabelStarred:
			p.addFlags = append(p.addFlags, imapv2.FlagFlagged)
		case model.LabelTrash:
			p.moveTo = trashFolders
		case model.LabelInbox:
			if p.moveTo == nil {
				p.moveTo = []string{inbox}
			}
		default:
			return changePlan{}, fmt.Errorf("adding label %s is not supported over IMAP", l)
		}
	}
	for _, l := range remove {
		switch l {
		case model.LabelUnread:
			p.addFlags = append(p.addFlags, imapv2.FlagSeen)
		case model.LabelStarred:
			p.removeFlags = append(p.removeFlags, imapv2.FlagFlagged)
		case model.LabelInbox:
			if p.moveTo == nil {
				p.moveTo = archiveFolders
			}
		default:
			return changePlan{}, fmt.Errorf("removing label %s is not supported over IMAP", l)
		}
	}
	return p, nil
}

// ModifyLabels implements remote.LabelModifier.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	return c.BatchModifyLabels(ctx, []string{id}, add, remove)
}

// BatchModifyLabels implements remote.LabelModifier. Messages are changed
// one mailbox at a time.
func (c *Client) BatchModifyLabels(ctx context.Context, ids []string, add, remove []string) error {
	const op = "modify labels"
	plan, err := planChange(add, remove)
	if err != nil {
		return &remote.Error{Kind: remote.KindMalformed, Op: op, Err: err}
	}

	var mailboxes []string
	byMailbox := make(map[string][]imapv2.UID)
	for _, id := range ids {
		ref, err := parseID(op, id)
		if err != nil {
			return err
		}
		if _, ok := byMailbox[ref.mailbox]; !ok {
			mailboxes = append(mailboxes, ref.mailbox)
		}
		byMailbox[ref.mailbox] = append(byMailbox[ref.mailbox], ref.uid)
	}

	for _, mailbox := range mailboxes {
		if err := c.modifyMailbox(ctx, op, mailbox, byMailbox[mailbox], plan); err != nil {
			return err
		}
	}
	return nil
}

// moveTargets returns the folders to try when moving out of mailbox, or
// nil when the messages are already where the plan wants them.
func moveTargets(plan changePlan, mailbox, archive string) []string {
	switch {
	case len(plan.moveTo) == 0:
		return nil
	case slices.Equal(plan.moveTo, []string{inbox}):
		if mailbox == inbox {
			return nil
		}
		return plan.moveTo
	case slices.Equal(plan.moveTo, archiveFolders):
		if mailbox != inbox {
			return nil
		}
		if archive != "" {
			return append([]string{archive}, slices.DeleteFunc(slices.Clone(archiveFolders), func(f string) bool { return f == archive })...)
		}
	}
	return plan.moveTo
}

func (c *Client) modifyMailbox(ctx context.Context, op, mailbox string, uids []imapv2.UID, plan changePlan) error {
	client, _, release, err := c.connect(ctx, op, mailbox)
	if err != nil {
		return err
	}
	defer release()

	set := imapv2.UIDSetNum(uids...)
	for _, step := range []struct {
		op    imapv2.StoreFlagsOp
		flags []imapv2.Flag
	}{
		{imapv2.StoreFlagsAdd, plan.addFlags},
		{imapv2.StoreFlagsDel, plan.removeFlags},
	} {
		if len(step.flags) == 0 {
			continue
		}
		storeCmd := client.Store(set, &imapv2.StoreFlags{Op: step.op, Silent: true, Flags: step.flags}, nil)
		if err := storeCmd.Close(); err != nil {
			return c.wrap(ctx, op, fmt.Errorf("storing flags: %w", err))
		}
	}

	if len(plan.moveTo) == 0 {
		return nil
	}
	archive := ""
	if slices.Equal(plan.moveTo, archiveFolders) && mailbox == inbox {
		if archive, err = findArchive(client); err != nil {
			return c.wrap(ctx, op, err)
		}
	}
	targets := moveTargets(plan, mailbox, archive)
	if len(targets) == 0 {
		return nil
	}
	for _, folder := range targets {
		if _, err := client.Move(set, folder).Wait(); err == nil {
			c.logger.Debug("moved messages",
				slog.String("from", mailbox), slog.String("folder", folder), slog.Int("count", len(uids)))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if slices.Equal(targets, []string{inbox}) {
		return c.wrap(ctx, op, fmt.Errorf("moving messages from %s to INBOX failed", mailbox))
	}

	// No known folder exists; mark the messages deleted in place.
	storeCmd := client.Store(set, &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return c.wrap(ctx, op, fmt.Errorf("marking deleted: %w", err))
	}
	return nil
}

// ListHistory implements remote.Client. IMAP without CONDSTORE has no
// change log, so every call reports an expired history and callers fall
// back to a full listing.
func (c *Client) ListHistory(context.Context, string) (*remote.HistoryChanges, error) {
	return nil, &remote.Error{Kind: remote.KindNotFound, Op: "list history", Err: fmt.Errorf("history not supported")}
}

// CurrentHistoryID implements remote.Client. It returns the INBOX
// UIDVALIDITY, which callers only store and compare.
func (c *Client) CurrentHistoryID(ctx context.Context) (string, error) {
	_, sel, release, err := c.connect(ctx, "current history id", inbox)
	if err != nil {
		return "", err
	}
	defer release()
	return strconv.FormatUint(uint64(sel.UIDValidity), 10), nil
}

// ListAliases implements remote.Client. IMAP exposes no send-as list, so
// the login is the only alias when it is an address.
func (c *Client) ListAliases(context.Context) ([]string, error) {
	if strings.Contains(c.cfg.Username, "@") {
		return []string{c.cfg.Username}, nil
	}
	return nil, nil
}
