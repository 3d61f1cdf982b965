package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnificodev/hotmail-reader/internal/errs"
)

type fakeSession struct {
	uids []uint32

	failAuth      bool
	failSelect    bool
	failSearch    bool
	failHeaders   bool
	failBodies    bool
	omitUID       bool
	expunged      map[uint32]bool
	authMechanism string
	authIR        []byte
	criteria      *imap.SearchCriteria
	fetchCalls    int
	logouts       int
}

func rawHeader(uid uint32) string {
	return fmt.Sprintf("From: Sender %d <sender%d@example.com>\r\nTo: a@hotmail.com, b@hotmail.com\r\nSubject: =?UTF-8?B?%s?=\r\nDate: Mon, 01 Apr 2024 10:%02d:00 +0000\r\n\r\n",
		uid, uid, "SGVsbG8gw6A=", uid%60)
}

func rawMessage(uid uint32) string {
	return rawHeader(uid)[:len(rawHeader(uid))-2] +
		"Content-Type: text/plain; charset=utf-8\r\n\r\nYour code is 48291" + fmt.Sprint(uid%10) + "\r\n"
}

func (f *fakeSession) Authenticate(auth sasl.Client) error {
	f.authMechanism, f.authIR, _ = auth.Start()
	if f.failAuth {
		return errors.New("AUTHENTICATE failed")
	}
	return nil
}

func (f *fakeSession) Select(string, bool) (*imap.MailboxStatus, error) {
	if f.failSelect {
		return nil, errors.New("NO no such mailbox")
	}
	return &imap.MailboxStatus{Name: inbox, Messages: uint32(len(f.uids))}, nil
}

func (f *fakeSession) UidSearch(c *imap.SearchCriteria) ([]uint32, error) {
	f.criteria = c
	if f.failSearch {
		return nil, errors.New("BAD search")
	}
	out := make([]uint32, len(f.uids))
	copy(out, f.uids)
	return out, nil
}

func (f *fakeSession) UidFetch(seq *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	f.fetchCalls++

	isHeader := items[len(items)-1] == imap.FetchRFC822Header
	if (isHeader && f.failHeaders) || (!isHeader && f.failBodies) {
		return errors.New("connection reset")
	}

	// Answer newest first to make sure results are matched by UID, not order.
	for i := len(f.uids) - 1; i >= 0; i-- {
		uid := f.uids[i]
		if !seq.Contains(uid) || f.expunged[uid] {
			continue
		}
		raw := rawMessage(uid)
		if isHeader {
			raw = rawHeader(uid)
		}
		msg := &imap.Message{Body: map[*imap.BodySectionName]imap.Literal{
			{}: bytes.NewBufferString(raw),
		}}
		if !f.omitUID {
			msg.Uid = uid
		}
		ch <- msg
	}
	return nil
}

func (f *fakeSession) Logout() error {
	f.logouts++
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context) (Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seqUIDs(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i + 1)
	}
	return out
}

func TestListPaginates(t *testing.T) {
	s := &fakeSession{uids: seqUIDs(45)}
	e := NewEngine(&fakeDialer{session: s}, 2, nil, quietLogger())
	ctx := context.Background()

	p1, err := e.List(ctx, ListRequest{Email: "a@hotmail.com", AccessToken: "at", PageSize: 20})
	require.NoError(t, err)
	require.Len(t, p1.Messages, 20)
	require.NotNil(t, p1.Total)
	assert.Equal(t, 45, *p1.Total)
	assert.Equal(t, "45", p1.Messages[0].ID)
	assert.Equal(t, "26", p1.Messages[19].ID)
	assert.Equal(t, uint32(26), p1.NextUID)

	p2, err := e.List(ctx, ListRequest{Email: "a@hotmail.com", AccessToken: "at", PageSize: 20, LastUID: p1.NextUID})
	require.NoError(t, err)
	require.Len(t, p2.Messages, 20)
	assert.Nil(t, p2.Total)
	assert.Equal(t, "25", p2.Messages[0].ID)
	assert.Equal(t, uint32(6), p2.NextUID)

	p3, err := e.List(ctx, ListRequest{Email: "a@hotmail.com", AccessToken: "at", PageSize: 20, LastUID: p2.NextUID})
	require.NoError(t, err)
	require.Len(t, p3.Messages, 5)
	assert.Nil(t, p3.Total)
	assert.Equal(t, uint32(0), p3.NextUID)
	assert.Equal(t, "1", p3.Messages[4].ID)

	assert.Equal(t, 3, s.logouts)
}

func TestListParsesHeaders(t *testing.T) {
	s := &fakeSession{uids: []uint32{7}}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	res, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	m := res.Messages[0]
	assert.Equal(t, "Sender 7 <sender7@example.com>", m.From)
	assert.Equal(t, []string{"a@hotmail.com", "b@hotmail.com"}, m.To)
	assert.Equal(t, "Hello à", m.Subject)
	assert.Equal(t, "Mon, 01 Apr 2024 10:07:00 +0000", m.Date)
	assert.Equal(t, time.Date(2024, 4, 1, 10, 7, 0, 0, time.UTC), m.ReceivedAt.UTC())
	assert.Empty(t, m.Content, "bodies not requested")
	assert.Equal(t, 1, s.fetchCalls)
}

func TestListWithBodiesAndFilter(t *testing.T) {
	s := &fakeSession{uids: seqUIDs(3)}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	res, err := e.List(context.Background(), ListRequest{
		Email: "a@hotmail.com", AccessToken: "at", From: "noreply@example.com", PageSize: 5, IncludeBody: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	assert.Contains(t, res.Messages[0].Content, "Your code is 482913")
	assert.Equal(t, 2, s.fetchCalls, "one header batch and one body batch")
	assert.Equal(t, []string{"noreply@example.com"}, s.criteria.Header["From"])
	assert.Equal(t, uint32(0), res.NextUID)
}

func TestListFallsBackToPerUIDFetch(t *testing.T) {
	s := &fakeSession{uids: seqUIDs(3), omitUID: true}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	res, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, "Hello à", res.Messages[0].Subject)
	assert.Equal(t, "Sender 3 <sender3@example.com>", res.Messages[0].From)
	assert.Equal(t, 4, s.fetchCalls)
}

func TestListSkipsExpungedMessages(t *testing.T) {
	s := &fakeSession{uids: seqUIDs(5), expunged: map[uint32]bool{4: true}}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	res, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at"})
	require.NoError(t, err)
	var ids []string
	for _, m := range res.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"5", "3", "2", "1"}, ids)
	require.NotNil(t, res.Total)
	assert.Equal(t, 5, *res.Total)
}

func TestListCursorIgnoresExpunged(t *testing.T) {
	s := &fakeSession{uids: seqUIDs(5), expunged: map[uint32]bool{4: true}}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	res, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "5", res.Messages[0].ID)
	assert.Equal(t, uint32(4), res.NextUID, "cursor still advances past the missing UID")
}

func TestListEmptyMailbox(t *testing.T) {
	s := &fakeSession{}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	res, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at"})
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	require.NotNil(t, res.Total)
	assert.Equal(t, 0, *res.Total)
	assert.Equal(t, 0, s.fetchCalls)
	assert.Equal(t, 1, s.logouts)
}

func TestListAlwaysLogsOut(t *testing.T) {
	tests := []struct {
		name    string
		session *fakeSession
		kind    errs.Kind
	}{
		{"auth", &fakeSession{uids: seqUIDs(3), failAuth: true}, errs.ImapAuthFailed},
		{"select", &fakeSession{uids: seqUIDs(3), failSelect: true}, errs.ImapSelectFailed},
		{"search", &fakeSession{uids: seqUIDs(3), failSearch: true}, errs.ImapFetchFailed},
		{"headers", &fakeSession{uids: seqUIDs(3), failHeaders: true}, errs.ImapFetchFailed},
		{"bodies", &fakeSession{uids: seqUIDs(3), failBodies: true}, errs.ImapFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&fakeDialer{session: tt.session}, 1, nil, quietLogger())
			_, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at", IncludeBody: true})
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.Equal(t, 1, tt.session.logouts)
		})
	}
}

func TestListDialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("i/o timeout")}
	e := NewEngine(d, 1, nil, quietLogger())

	_, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "at"})
	require.Error(t, err)
	assert.Equal(t, errs.ImapAuthFailed, errs.KindOf(err))
}

func TestXOAuth2InitialResponse(t *testing.T) {
	s := &fakeSession{}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	_, err := e.List(context.Background(), ListRequest{Email: "a@hotmail.com", AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", s.authMechanism)
	assert.Equal(t, "user=a@hotmail.com\x01auth=Bearer tok\x01\x01", string(s.authIR))
}

func TestSessionCap(t *testing.T) {
	d := &fakeDialer{session: &fakeSession{}}
	e := NewEngine(d, 1, nil, quietLogger())
	require.NoError(t, e.slots.Acquire(context.Background(), 1))
	defer e.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.List(ctx, ListRequest{Email: "a@hotmail.com", AccessToken: "at"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, d.dials)
}

func TestFetch(t *testing.T) {
	s := &fakeSession{uids: seqUIDs(3)}
	e := NewEngine(&fakeDialer{session: s}, 1, nil, quietLogger())

	m, err := e.Fetch(context.Background(), "a@hotmail.com", "at", 2)
	require.NoError(t, err)
	assert.Equal(t, "2", m.ID)
	assert.Equal(t, "Hello à", m.Subject)
	assert.Contains(t, m.Content, "482912")

	_, err = e.Fetch(context.Background(), "a@hotmail.com", "at", 99)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.Equal(t, 2, s.logouts)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, MinPageSize, ClampPageSize(-3))
	assert.Equal(t, MaxPageSize, ClampPageSize(500))
	assert.Equal(t, 7, ClampPageSize(7))
}
