package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// Session is the subset of *client.Client the engine drives.
type Session interface {
	Authenticate(auth sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// Dialer opens unauthenticated sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// TLSDialer connects to an implicit-TLS IMAP server.
type TLSDialer struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Dial connects and applies Timeout to every subsequent command.
func (d *TLSDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: d.Timeout}, addr, &tls.Config{
		ServerName: d.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = d.Timeout
	return c, nil
}
