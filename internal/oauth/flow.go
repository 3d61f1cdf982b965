// Package oauth runs the PKCE authorization-code flow that produces a
// credential string for a newly consented mailbox.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/magnificodev/hotmail-reader/internal/cache"
	"github.com/magnificodev/hotmail-reader/internal/errs"
)

// DefaultStateTTL bounds how long a user may take to consent.
const DefaultStateTTL = 600 * time.Second

// Config configures a Flow. Endpoint overrides the tenant endpoint when set.
type Config struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	RedirectURL  string
	Scopes       []string
	StateTTL     time.Duration
	Timeout      time.Duration
	Endpoint     *oauth2.Endpoint
}

type pending struct {
	verifier  string
	createdAt time.Time
}

// Flow issues authorization redirects and redeems callbacks.
type Flow struct {
	oauth   *oauth2.Config
	states  *cache.TTL[pending]
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *logrus.Logger
}

// NewFlow creates a Flow. The clock option also drives state expiry.
func NewFlow(cfg Config, logger *logrus.Logger, now func() time.Time) *Flow {
	if now == nil {
		now = time.Now
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	endpoint := microsoft.AzureADEndpoint(cfg.Tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	return &Flow{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		states:  cache.New[pending](0, cache.WithClock(now)),
		ttl:     cfg.StateTTL,
		timeout: cfg.Timeout,
		now:     now,
		logger:  logger,
	}
}

// Authorize records a fresh state and returns the identity provider URL to
// redirect the browser to.
func (f *Flow) Authorize() (string, error) {
	if f.oauth.ClientID == "" {
		return "", errs.E(errs.BadRequest, "authorize", "OAuth client is not configured", nil)
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	now := f.now()
	f.states.Set(state, pending{verifier: verifier, createdAt: now}, now.Add(f.ttl))

	return f.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("response_mode", "query"),
	), nil
}

// Callback redeems code for tokens and returns "<email>||<refresh>|<client>"
// with the email left empty.
func (f *Flow) Callback(ctx context.Context, code, state string) (string, error) {
	if code == "" || state == "" {
		return "", errs.E(errs.BadRequest, "oauth callback", "Missing code or state", nil)
	}
	p, ok := f.states.Take(state)
	if !ok {
		return "", errs.E(errs.BadRequest, "oauth callback", "Invalid or expired state", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: f.timeout})
	tok, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return "", errs.E(errs.TokenExchangeFailed, "oauth callback", "Token exchange failed", err)
	}
	if tok.RefreshToken == "" {
		return "", errs.E(errs.TokenExchangeFailed, "oauth callback", "Token exchange failed",
			errors.New("no refresh_token returned, is offline_access in scope?"))
	}

	f.logger.WithField("consent_seconds", int(f.now().Sub(p.createdAt).Seconds())).Info("OAuth authorization completed")
	return "||" + tok.RefreshToken + "|" + f.oauth.ClientID, nil
}

// Pending reports how many states are waiting for a callback.
func (f *Flow) Pending() int {
	f.states.Sweep()
	return f.states.Len()
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
