package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
)

// DefaultAuthority is the Microsoft identity platform host.
const DefaultAuthority = "https://login.microsoftonline.com"

const (
	graphScope       = "https://graph.microsoft.com/Mail.Read"
	defaultExpiresIn = 3600
	maxErrorBody     = 2048
)

// Endpoint selects which flavour of refresh exchange to perform.
type Endpoint int

const (
	// GraphEndpoint requests a token scoped to Graph Mail.Read.
	GraphEndpoint Endpoint = iota
	// IMAPEndpoint sends no scope so the original IMAP grant is kept.
	IMAPEndpoint
)

func (e Endpoint) String() string {
	if e == GraphEndpoint {
		return "graph"
	}
	return "imap"
}

// Grant is the decoded token endpoint response.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// Exchanger trades refresh tokens for access tokens.
type Exchanger struct {
	client       *http.Client
	authority    string
	tenant       string
	clientSecret string
	metrics      *metrics.Collectors
}

// ExchangerConfig configures an Exchanger. Zero values fall back to defaults.
type ExchangerConfig struct {
	Authority    string
	Tenant       string
	ClientSecret string
	Timeout      time.Duration
}

// NewExchanger creates an Exchanger with its own bounded http.Client.
func NewExchanger(cfg ExchangerConfig, m *metrics.Collectors) *Exchanger {
	if cfg.Authority == "" {
		cfg.Authority = DefaultAuthority
	}
	if cfg.Tenant == "" {
		cfg.Tenant = "consumers"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Exchanger{
		client:       &http.Client{Timeout: cfg.Timeout},
		authority:    strings.TrimRight(cfg.Authority, "/"),
		tenant:       cfg.Tenant,
		clientSecret: cfg.ClientSecret,
		metrics:      m,
	}
}

// TokenURL returns the v2 token endpoint for the configured tenant.
func (e *Exchanger) TokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", e.authority, e.tenant)
}

// Exchange performs a refresh_token grant against the given endpoint.
func (e *Exchanger) Exchange(ctx context.Context, ep Endpoint, clientID, refreshToken string) (*Grant, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}
	if ep == GraphEndpoint {
		form.Set("scope", graphScope)
	}
	if e.clientSecret != "" {
		form.Set("client_secret", e.clientSecret)
	}

	grant, err := postTokenForm(ctx, e.client, e.TokenURL(), form)
	if err != nil {
		e.metrics.TokenExchange(ep.String(), "error")
		return nil, fmt.Errorf("%s exchange: %w", ep, err)
	}
	e.metrics.TokenExchange(ep.String(), "ok")
	return grant, nil
}

func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.E(errs.UpstreamHTTPError, "token request", "Token exchange failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.E(errs.UpstreamHTTPError, "token request", "Token exchange failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(body)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, errs.E(errs.UpstreamHTTPError, "token request", "Token exchange failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, text))
	}

	var grant Grant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("no access_token in token response")
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = defaultExpiresIn
	}
	return &grant, nil
}

var expiredGrantSignatures = []string{
	"invalid_grant",
	"aadsts70000",
	"expired",
	"aadsts50173",
	"interaction_required",
	"token has been revoked",
}

// IsExpiredGrant reports whether an error text from the identity platform
// means the refresh token itself is no longer usable.
func IsExpiredGrant(text string) bool {
	text = strings.ToLower(text)
	for _, sig := range expiredGrantSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}
