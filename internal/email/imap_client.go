package email

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
	"github.com/magnificodev/hotmail-reader/pkg/types"
)

const (
	inbox = "INBOX"

	DefaultPageSize = 20
	MinPageSize     = 1
	MaxPageSize     = 50
)

// ClampPageSize maps a requested size into [MinPageSize, MaxPageSize]. Zero
// selects DefaultPageSize.
func ClampPageSize(n int) int {
	switch {
	case n == 0:
		return DefaultPageSize
	case n < MinPageSize:
		return MinPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// ListRequest describes one page of an IMAP listing.
type ListRequest struct {
	Email       string
	AccessToken string
	From        string
	PageSize    int
	// LastUID is the cursor from the previous page. Zero means first page.
	LastUID     uint32
	IncludeBody bool
}

// ListResult is one page, newest first. NextUID is zero on the last page.
type ListResult struct {
	Messages []types.Message
	NextUID  uint32
	Total    *int
}

// Engine runs one authenticated IMAP session per call. Sessions are never
// shared and the number open at once is capped.
type Engine struct {
	dialer  Dialer
	slots   *semaphore.Weighted
	metrics *metrics.Collectors
	logger  *logrus.Logger
}

// NewEngine creates an Engine allowing at most maxSessions concurrent
// sessions.
func NewEngine(d Dialer, maxSessions int64, m *metrics.Collectors, logger *logrus.Logger) *Engine {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Engine{
		dialer:  d,
		slots:   semaphore.NewWeighted(maxSessions),
		metrics: m,
		logger:  logger,
	}
}

// List searches INBOX, pages by UID descending and fetches headers, plus
// bodies when requested, inside a single session.
func (e *Engine) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	var result *ListResult
	err := e.withSession(ctx, req.Email, req.AccessToken, func(s Session) error {
		criteria := imap.NewSearchCriteria()
		if req.From != "" {
			criteria.Header.Add("From", req.From)
		}
		uids, err := s.UidSearch(criteria)
		if err != nil {
			return errs.E(errs.ImapFetchFailed, "uid search", "IMAP error", err)
		}

		result = &ListResult{Messages: []types.Message{}}
		if req.LastUID == 0 {
			total := len(uids)
			result.Total = &total
		}

		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		if req.LastUID != 0 {
			n := sort.Search(len(uids), func(i int) bool { return uids[i] < req.LastUID })
			uids = uids[n:]
		}
		page := uids
		if size := ClampPageSize(req.PageSize); len(page) > size {
			page = page[:size]
		}
		if len(page) == 0 {
			return nil
		}

		headers, err := e.fetchSections(s, page, imap.FetchRFC822Header)
		if err != nil {
			return err
		}
		var bodies map[uint32][]byte
		if req.IncludeBody {
			bodies, err = e.fetchSections(s, page, fullBody)
			if err != nil {
				return err
			}
		}

		for _, uid := range page {
			// Expunged between SEARCH and FETCH.
			if len(headers[uid]) == 0 && len(bodies[uid]) == 0 {
				e.logger.WithField("uid", uid).Debug("No data fetched for UID, skipping")
				continue
			}
			result.Messages = append(result.Messages, buildMessage(uid, headers[uid], bodies[uid]))
		}
		if len(uids) > len(page) {
			result.NextUID = page[len(page)-1]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Fetch reads one message with its body.
func (e *Engine) Fetch(ctx context.Context, email, accessToken string, uid uint32) (*types.Message, error) {
	var msg *types.Message
	err := e.withSession(ctx, email, accessToken, func(s Session) error {
		bodies, err := e.fetchSections(s, []uint32{uid}, fullBody)
		if err != nil {
			return err
		}
		raw, ok := bodies[uid]
		if !ok {
			return errs.E(errs.NotFound, "fetch message", "Message not found", nil)
		}
		m := buildMessage(uid, nil, raw)
		msg = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

var fullBody = (&imap.BodySectionName{Peek: true}).FetchItem()

// withSession dials, authenticates and selects INBOX, then runs fn. Logout
// runs on every path once the dial succeeded.
func (e *Engine) withSession(ctx context.Context, email, accessToken string, fn func(Session) error) error {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for IMAP slot: %w", err)
	}
	defer e.slots.Release(1)

	s, err := e.dialer.Dial(ctx)
	if err != nil {
		e.metrics.IMAPSession("dial_error")
		return errs.E(errs.ImapAuthFailed, "dial", "IMAP error", err)
	}
	e.metrics.IMAPOpen(1)
	defer func() {
		e.metrics.IMAPOpen(-1)
		if err := s.Logout(); err != nil {
			e.logger.WithError(err).Debug("IMAP logout failed")
		}
	}()

	if err := s.Authenticate(newXOAuth2(email, accessToken)); err != nil {
		e.metrics.IMAPSession("auth_error")
		return errs.E(errs.ImapAuthFailed, "authenticate", "IMAP error", err)
	}
	if _, err := s.Select(inbox, true); err != nil {
		e.metrics.IMAPSession("select_error")
		return errs.E(errs.ImapSelectFailed, "select", "IMAP error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(s); err != nil {
		e.metrics.IMAPSession("fetch_error")
		return err
	}
	e.metrics.IMAPSession("ok")
	return nil
}

// fetchSections batch-fetches one section for uids and keys the results by
// the UID in each response. When no response carries a usable UID it falls
// back to one FETCH per UID.
func (e *Engine) fetchSections(s Session, uids []uint32, item imap.FetchItem) (map[uint32][]byte, error) {
	want := make(map[uint32]bool, len(uids))
	seq := new(imap.SeqSet)
	for _, uid := range uids {
		want[uid] = true
		seq.AddNum(uid)
	}

	out := make(map[uint32][]byte, len(uids))
	err := uidFetch(s, seq, item, func(msg *imap.Message) {
		if want[msg.Uid] {
			out[msg.Uid] = sectionBytes(msg)
		}
	})
	if err != nil {
		return nil, errs.E(errs.ImapFetchFailed, "uid fetch", "IMAP error", err)
	}
	if len(out) > 0 {
		return out, nil
	}

	e.logger.WithField("count", len(uids)).Debug("No UID matched in batch fetch, fetching one by one")
	for _, uid := range uids {
		one := new(imap.SeqSet)
		one.AddNum(uid)
		err := uidFetch(s, one, item, func(msg *imap.Message) {
			if _, seen := out[uid]; !seen {
				out[uid] = sectionBytes(msg)
			}
		})
		if err != nil {
			return nil, errs.E(errs.ImapFetchFailed, "uid fetch", "IMAP error", err)
		}
	}
	return out, nil
}

func uidFetch(s Session, seq *imap.SeqSet, item imap.FetchItem, each func(*imap.Message)) error {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.UidFetch(seq, []imap.FetchItem{imap.FetchUid, item}, messages)
	}()
	for msg := range messages {
		if msg != nil {
			each(msg)
		}
	}
	return <-done
}

// sectionBytes returns the first non-empty literal of a fetched message.
// Each fetch asks for a single section so the key does not matter.
func sectionBytes(msg *imap.Message) []byte {
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		b, err := io.ReadAll(literal)
		if err == nil && len(b) > 0 {
			return b
		}
	}
	// Items the library did not recognise as a body section land here.
	for _, v := range msg.Items {
		if literal, ok := v.(imap.Literal); ok {
			if b, err := io.ReadAll(literal); err == nil && len(b) > 0 {
				return b
			}
		}
	}
	return nil
}

func buildMessage(uid uint32, rawHeader, rawBody []byte) types.Message {
	if rawHeader == nil {
		rawHeader = rawBody
	}
	h := parseHeader(rawHeader)
	m := types.Message{
		ID:         strconv.FormatUint(uint64(uid), 10),
		From:       h.From,
		To:         h.To,
		Subject:    h.Subject,
		Date:       h.Date,
		ReceivedAt: h.Parsed,
	}
	if rawBody != nil {
		m.Content, m.HTML = parseBody(rawBody)
	}
	return m
}
