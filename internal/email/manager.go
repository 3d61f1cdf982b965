package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/magnificodev/hotmail-reader/internal/credential"
	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/internal/graph"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
	"github.com/magnificodev/hotmail-reader/internal/otp"
	"github.com/magnificodev/hotmail-reader/internal/token"
	"github.com/magnificodev/hotmail-reader/pkg/types"
)

const (
	// OTPTopEmails is how many recent messages an OTP search inspects.
	OTPTopEmails = 5
	// DefaultOTPWindow bounds how old a message may be to yield a code.
	DefaultOTPWindow = 30 * time.Minute
)

// TokenSource resolves access tokens. *token.Manager implements it.
type TokenSource interface {
	AccessToken(ctx context.Context, req token.Request) (*token.Token, error)
}

// Mailbox is the IMAP side. *Engine implements it.
type Mailbox interface {
	List(ctx context.Context, req ListRequest) (*ListResult, error)
	Fetch(ctx context.Context, email, accessToken string, uid uint32) (*types.Message, error)
}

// GraphMailbox is the Graph side. *graph.Client implements it.
type GraphMailbox interface {
	ListInbox(ctx context.Context, accessToken string, q graph.ListQuery) (*graph.Page, error)
	GetMessage(ctx context.Context, accessToken, id string) (*types.Message, error)
}

// ListOptions are the caller controlled parts of a listing.
type ListOptions struct {
	From        string
	PageSize    int
	PageToken   string
	IncludeBody bool
}

// OTPOptions configure an OTP search. A zero Window means DefaultOTPWindow.
type OTPOptions struct {
	From   string
	Regex  *regexp.Regexp
	Window time.Duration
}

// Manager serves listings, OTP searches and single messages for a
// credential, routing each to Graph or IMAP by whichever token endpoint
// accepted the refresh token.
type Manager struct {
	tokens  TokenSource
	imap    Mailbox
	graph   GraphMailbox
	metrics *metrics.Collectors
	logger  *logrus.Logger
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(tokens TokenSource, imap Mailbox, graph GraphMailbox, m *metrics.Collectors, logger *logrus.Logger) *Manager {
	return &Manager{
		tokens:  tokens,
		imap:    imap,
		graph:   graph,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces time.Now for the OTP window.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ListMessages returns one page of the inbox.
func (m *Manager) ListMessages(ctx context.Context, cred credential.Credential, opts ListOptions) (*types.Page, error) {
	tok, err := m.tokens.AccessToken(ctx, token.RequestFor(cred))
	if err != nil {
		return nil, err
	}
	size := ClampPageSize(opts.PageSize)

	var page *types.Page
	if tok.Provider == credential.GraphAPI {
		page, err = m.listGraph(ctx, tok.AccessToken, opts, size)
	} else {
		page, err = m.listIMAP(ctx, cred.Email, tok.AccessToken, opts, size)
	}
	if err != nil {
		return nil, err
	}
	if opts.IncludeBody {
		for i := range page.Items {
			if strings.TrimSpace(page.Items[i].Content) == "" {
				page.Items[i].Content = otp.HTMLToText(page.Items[i].HTML)
			}
		}
	}
	if tok.RotatedRefreshToken != "" {
		page.NewCredString = cred.WithRefreshToken(tok.RotatedRefreshToken).String()
	}
	return page, nil
}

func (m *Manager) listGraph(ctx context.Context, accessToken string, opts ListOptions, size int) (*types.Page, error) {
	q := graph.ListQuery{From: opts.From, Top: size, IncludeBody: opts.IncludeBody}
	if opts.PageToken != "" {
		link, err := decodeGraphCursor(opts.PageToken)
		if err != nil {
			return nil, err
		}
		q.NextLink = link
	}

	res, err := m.graph.ListInbox(ctx, accessToken, q)
	if err != nil {
		return nil, err
	}
	items := res.Messages
	if opts.From != "" {
		sort.SliceStable(items, func(i, j int) bool { return items[i].ReceivedAt.After(items[j].ReceivedAt) })
	}
	page := &types.Page{Items: items}
	if res.NextLink != "" {
		next := base64.URLEncoding.EncodeToString([]byte(res.NextLink))
		page.NextPageToken = &next
	}
	return page, nil
}

const (
	graphHost       = "graph.microsoft.com"
	graphPathPrefix = "/v1.0/me/"
)

// decodeGraphCursor turns a page token back into the @odata.nextLink it was
// built from. Only links into the caller's own Graph mailbox are accepted.
func decodeGraphCursor(tok string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		return "", errs.E(errs.BadRequest, "decode page token", "Invalid page token", err)
	}
	u, err := url.Parse(string(raw))
	if err != nil {
		return "", errs.E(errs.BadRequest, "decode page token", "Invalid page token", err)
	}
	if u.Scheme != "https" || u.Host != graphHost || u.User != nil || !strings.HasPrefix(u.Path, graphPathPrefix) {
		return "", errs.E(errs.BadRequest, "decode page token", "Invalid page token",
			fmt.Errorf("next link outside %s%s", graphHost, graphPathPrefix))
	}
	return string(raw), nil
}

func (m *Manager) listIMAP(ctx context.Context, email, accessToken string, opts ListOptions, size int) (*types.Page, error) {
	req := ListRequest{
		Email:       email,
		AccessToken: accessToken,
		From:        opts.From,
		PageSize:    size,
		IncludeBody: opts.IncludeBody,
	}
	if opts.PageToken != "" {
		uid, err := strconv.ParseUint(opts.PageToken, 10, 32)
		if err != nil || uid == 0 {
			return nil, errs.E(errs.BadRequest, "decode page token", "Invalid page token", err)
		}
		req.LastUID = uint32(uid)
	}

	res, err := m.imap.List(ctx, req)
	if err != nil {
		return nil, err
	}
	page := &types.Page{Items: res.Messages, Total: res.Total}
	if res.NextUID != 0 {
		next := strconv.FormatUint(uint64(res.NextUID), 10)
		page.NextPageToken = &next
	}
	return page, nil
}

// SearchOTP scans the most recent messages, newest first, and returns the
// first code found in one inside the time window.
func (m *Manager) SearchOTP(ctx context.Context, cred credential.Credential, opts OTPOptions) (*types.OTPResult, error) {
	window := opts.Window
	if window <= 0 {
		window = DefaultOTPWindow
	}

	page, err := m.ListMessages(ctx, cred, ListOptions{From: opts.From, PageSize: OTPTopEmails, IncludeBody: true})
	if err != nil {
		m.metrics.OTPSearch("error")
		return nil, err
	}

	result := &types.OTPResult{NewCredString: page.NewCredString}
	now := m.now()
	for _, msg := range page.Items {
		if !otp.WithinWindow(msg.Date, now, window) {
			continue
		}
		code, ok := otp.Extract(otp.BodyText(msg.Content, msg.HTML), opts.Regex)
		if !ok {
			continue
		}
		m.logger.WithField("message_id", msg.ID).Debug("OTP found")
		m.metrics.OTPSearch("found")
		result.OTP = &code
		result.EmailID = msg.ID
		result.From = msg.From
		result.Subject = msg.Subject
		result.Date = msg.Date
		return result, nil
	}

	m.metrics.OTPSearch("not_found")
	return result, nil
}

// GetMessage returns one message with its text and HTML bodies. For IMAP
// mailboxes the id is the UID.
func (m *Manager) GetMessage(ctx context.Context, cred credential.Credential, id string) (*types.MessageDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.E(errs.BadRequest, "get message", "Invalid message id", nil)
	}
	tok, err := m.tokens.AccessToken(ctx, token.RequestFor(cred))
	if err != nil {
		return nil, err
	}

	var msg *types.Message
	if tok.Provider == credential.GraphAPI {
		msg, err = m.graph.GetMessage(ctx, tok.AccessToken, id)
	} else {
		uid, perr := strconv.ParseUint(id, 10, 32)
		if perr != nil || uid == 0 {
			return nil, errs.E(errs.BadRequest, "get message", "Invalid message id", perr)
		}
		msg, err = m.imap.Fetch(ctx, cred.Email, tok.AccessToken, uint32(uid))
	}
	if err != nil {
		return nil, err
	}

	text := msg.Content
	if strings.TrimSpace(text) == "" {
		text = otp.HTMLToText(msg.HTML)
	}
	return &types.MessageDetail{
		ID:      msg.ID,
		Subject: msg.Subject,
		Date:    msg.Date,
		From:    msg.From,
		To:      strings.Join(msg.To, ", "),
		Text:    text,
		HTML:    msg.HTML,
	}, nil
}
