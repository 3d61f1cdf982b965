// Package token resolves access tokens for a mailbox identity. It tries the
// Graph and IMAP flavours of the refresh exchange, caches whichever worked,
// and can reauthenticate with a password when the refresh token is dead.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/magnificodev/hotmail-reader/internal/cache"
	"github.com/magnificodev/hotmail-reader/internal/credential"
	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
)

// Token is a cached access token and the provider whose endpoint issued it.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Provider    credential.Provider

	// RotatedRefreshToken is set when the token endpoint or a password
	// reauthentication replaced the caller's refresh token. Callers should
	// persist it.
	RotatedRefreshToken string
}

// Request identifies the mailbox and the secrets available for it.
type Request struct {
	Email        string
	ClientID     string
	RefreshToken string
	Password     string
}

// RequestFor builds a Request from a parsed credential.
func RequestFor(c credential.Credential) Request {
	return Request{Email: c.Email, ClientID: c.ClientID, RefreshToken: c.RefreshToken, Password: c.Password}
}

// PasswordAuthenticator obtains a new refresh token from an email and
// password.
type PasswordAuthenticator interface {
	Authenticate(ctx context.Context, email, password, clientID string) (refreshToken string, err error)
}

// Store is the cache the Manager keeps tokens in.
type Store = cache.TTL[*Token]

// NewStore creates a token store that treats entries within buffer of
// expiry as absent.
func NewStore(buffer time.Duration, opts ...cache.Option) *Store {
	return cache.New[*Token](buffer, opts...)
}

// Manager is safe for concurrent use. Two simultaneous misses for the same
// identity both hit the network and the last write wins.
type Manager struct {
	exchanger *Exchanger
	password  PasswordAuthenticator
	store     *Store
	metrics   *metrics.Collectors
	logger    *logrus.Logger
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now when computing expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithPasswordAuthenticator enables the password fallback.
func WithPasswordAuthenticator(p PasswordAuthenticator) ManagerOption {
	return func(m *Manager) { m.password = p }
}

// NewManager creates a Manager.
func NewManager(ex *Exchanger, store *Store, m *metrics.Collectors, logger *logrus.Logger, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		exchanger: ex,
		store:     store,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Fingerprint is the cache key for an identity. Only a short digest of the
// refresh token is kept.
func Fingerprint(email, clientID, refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return fmt.Sprintf("%s|%s|%s", email, clientID, hex.EncodeToString(sum[:])[:12])
}

// AccessToken returns a live token for req, exchanging only on a cache miss.
func (m *Manager) AccessToken(ctx context.Context, req Request) (*Token, error) {
	key := Fingerprint(req.Email, req.ClientID, req.RefreshToken)
	log := m.logger.WithField("fingerprint", fingerprintTag(key))

	if tok, ok := m.store.Get(key); ok {
		m.metrics.CacheLookup(true)
		log.WithField("provider", tok.Provider.String()).Debug("Token cache hit")
		if tok.RotatedRefreshToken == req.RefreshToken {
			cp := *tok
			cp.RotatedRefreshToken = ""
			return &cp, nil
		}
		return tok, nil
	}
	m.metrics.CacheLookup(false)

	tok, failed := m.exchangeAny(ctx, req.ClientID, req.RefreshToken)
	if failed == nil {
		m.remember(key, req, tok)
		log.WithField("provider", tok.Provider.String()).Info("Access token obtained")
		return tok, nil
	}

	if !failed.expired() || req.Password == "" || m.password == nil {
		log.WithError(failed.imap).Warn("Token exchange failed on both endpoints")
		return nil, failed.err()
	}

	log.Info("Refresh token expired, reauthenticating with password")
	newRefresh, err := m.password.Authenticate(ctx, req.Email, req.Password, req.ClientID)
	if err != nil {
		log.WithError(err).Warn("Password reauthentication failed")
		return nil, errs.E(errs.TokenExchangeFailed, "token exchange", "Token exchange failed",
			fmt.Errorf("graph: %v; imap: %v; password: %w", failed.graph, failed.imap, err))
	}

	tok, failed = m.exchangeAny(ctx, req.ClientID, newRefresh)
	if failed != nil {
		log.WithError(failed.imap).Warn("Token exchange failed after reauthentication")
		return nil, failed.err()
	}
	if tok.RotatedRefreshToken == "" {
		tok.RotatedRefreshToken = newRefresh
	}
	m.store.Set(Fingerprint(req.Email, req.ClientID, newRefresh), tok, tok.ExpiresAt)
	m.remember(key, req, tok)
	log.WithField("provider", tok.Provider.String()).Info("Access token obtained after reauthentication")
	return tok, nil
}

// remember caches tok under key and, when the issuer rotated the refresh
// token, under the fingerprint the caller will present next.
func (m *Manager) remember(key string, req Request, tok *Token) {
	m.store.Set(key, tok, tok.ExpiresAt)
	if tok.RotatedRefreshToken != "" {
		m.store.Set(Fingerprint(req.Email, req.ClientID, tok.RotatedRefreshToken), tok, tok.ExpiresAt)
	}
}

// grantFailure holds the rejection from each endpoint.
type grantFailure struct {
	graph, imap error
}

func (f *grantFailure) expired() bool {
	return IsExpiredGrant(f.graph.Error() + "; " + f.imap.Error())
}

func (f *grantFailure) err() error {
	return errs.E(errs.TokenExchangeFailed, "token exchange", "Token exchange failed",
		fmt.Errorf("graph: %v; imap: %w", f.graph, f.imap))
}

// exchangeAny tries Graph first, then IMAP.
func (m *Manager) exchangeAny(ctx context.Context, clientID, refreshToken string) (*Token, *grantFailure) {
	grant, graphErr := m.exchanger.Exchange(ctx, GraphEndpoint, clientID, refreshToken)
	if graphErr == nil {
		return m.tokenFrom(grant, credential.GraphAPI, refreshToken), nil
	}
	m.logger.WithError(graphErr).Debug("Graph exchange rejected, trying IMAP")

	grant, imapErr := m.exchanger.Exchange(ctx, IMAPEndpoint, clientID, refreshToken)
	if imapErr == nil {
		return m.tokenFrom(grant, credential.ImapXoauth, refreshToken), nil
	}
	return nil, &grantFailure{graph: graphErr, imap: imapErr}
}

// tokenFrom builds a Token from a grant. A refresh token different from the
// one sent is reported as rotated.
func (m *Manager) tokenFrom(g *Grant, p credential.Provider, sent string) *Token {
	tok := &Token{
		AccessToken: g.AccessToken,
		ExpiresAt:   m.now().Add(time.Duration(g.ExpiresIn) * time.Second),
		Provider:    p,
	}
	if g.RefreshToken != "" && g.RefreshToken != sent {
		tok.RotatedRefreshToken = g.RefreshToken
	}
	return tok
}

// fingerprintTag keeps log lines free of email addresses.
func fingerprintTag(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
