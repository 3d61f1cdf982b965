package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultLiveClientID is the public client id used by desktop mail apps.
	DefaultLiveClientID = "9e5f94bc-e8a4-4e73-b8be-63364c29d753"
	// DefaultLiveRedirectURI is the redirect registered for that client.
	DefaultLiveRedirectURI = "https://localhost"

	liveBaseURL   = "https://login.live.com"
	liveScope     = "offline_access Mail.ReadWrite"
	liveUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Thunderbird/128.2.3"
)

var (
	postURLPattern = regexp.MustCompile(`https://login\.live\.com/ppsecure/post\.srf\?(.*?)['"]`)
	ppftPattern    = regexp.MustCompile(`<input type="hidden" name="PPFT" id="(.*?)" value="(.*?)"`)
	formPattern    = regexp.MustCompile(`id="fmHF" action="(.*?)"`)
	hiddenPattern  = regexp.MustCompile(`<input type="hidden" name="(.*?)" id="(.*?)" value="(.*?)"`)
)

var (
	ErrLoginPage        = errors.New("login page did not contain the expected form")
	ErrLoginRejected    = errors.New("login rejected")
	ErrTwoFactor        = errors.New("two-factor confirmation required")
	ErrRecoveryRequired = errors.New("recovery email required")
)

// LiveLogin signs in through the consumer login.live.com form and converts
// the resulting authorization code into a refresh token.
type LiveLogin struct {
	BaseURL     string
	TokenURL    string
	ClientID    string
	RedirectURI string
	Timeout     time.Duration
}

// NewLiveLogin returns a LiveLogin with production endpoints.
func NewLiveLogin(clientID, redirectURI string, timeout time.Duration) *LiveLogin {
	if clientID == "" {
		clientID = DefaultLiveClientID
	}
	if redirectURI == "" {
		redirectURI = DefaultLiveRedirectURI
	}
	return &LiveLogin{
		BaseURL:     liveBaseURL,
		TokenURL:    DefaultAuthority + "/common/oauth2/v2.0/token",
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Timeout:     timeout,
	}
}

// Authenticate implements PasswordAuthenticator. An empty clientID uses the
// LiveLogin default.
func (l *LiveLogin) Authenticate(ctx context.Context, email, password, clientID string) (string, error) {
	if clientID == "" {
		clientID = l.ClientID
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create cookie jar: %w", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: l.timeout(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	authURL := l.BaseURL + "/oauth20_authorize.srf?" + url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {l.RedirectURI},
		"scope":         {liveScope},
		"login_hint":    {email},
	}.Encode()

	page, _, err := l.do(ctx, client, http.MethodGet, authURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to load login page: %w", err)
	}

	postMatch := postURLPattern.FindStringSubmatch(page)
	ppftMatch := ppftPattern.FindStringSubmatch(page)
	if postMatch == nil || ppftMatch == nil {
		return "", ErrLoginPage
	}
	postURL := l.BaseURL + "/ppsecure/post.srf?" + postMatch[1]

	body, location, err := l.do(ctx, client, http.MethodPost, postURL, url.Values{
		"ps":               {"2"},
		"PPFT":             {ppftMatch[2]},
		"PPSX":             {"Passp"},
		"NewUser":          {"1"},
		"login":            {email},
		"loginfmt":         {email},
		"passwd":           {password},
		"type":             {"11"},
		"LoginOptions":     {"1"},
		"i13":              {"1"},
		"CookieDisclosure": {"0"},
		"IsFidoSupported":  {"1"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to post login form: %w", err)
	}

	if location == "" {
		location, err = l.followInterstitial(ctx, client, body)
		if err != nil {
			return "", err
		}
	}

	code := authorizationCode(location)
	if code == "" {
		return "", ErrLoginRejected
	}

	grant, err := postTokenForm(ctx, client, l.TokenURL, url.Values{
		"code":         {code},
		"client_id":    {clientID},
		"redirect_uri": {l.RedirectURI},
		"grant_type":   {"authorization_code"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if grant.RefreshToken == "" {
		return "", fmt.Errorf("no refresh_token in token response")
	}
	return grant.RefreshToken, nil
}

// followInterstitial handles the page shown instead of a redirect after
// login. Only the consent page can be passed automatically.
func (l *LiveLogin) followInterstitial(ctx context.Context, client *http.Client, body string) (string, error) {
	m := formPattern.FindStringSubmatch(body)
	if m == nil {
		return "", ErrLoginRejected
	}
	action := m[1]
	switch {
	case strings.Contains(action, "Update?mkt="):
	case strings.Contains(action, "confirm?mkt="):
		return "", ErrTwoFactor
	case strings.Contains(action, "Add?mkt="):
		return "", ErrRecoveryRequired
	default:
		return "", ErrLoginRejected
	}

	form := url.Values{}
	for _, h := range hiddenPattern.FindAllStringSubmatch(body, -1) {
		form.Set(h[1], h[3])
	}
	if _, _, err := l.do(ctx, client, http.MethodPost, action, form); err != nil {
		return "", fmt.Errorf("failed to open consent page: %w", err)
	}

	form.Set("ucaction", "Yes")
	_, location, err := l.do(ctx, client, http.MethodPost, action, form)
	if err != nil {
		return "", fmt.Errorf("failed to accept consent: %w", err)
	}
	if location == "" {
		return "", ErrLoginRejected
	}

	_, final, err := l.do(ctx, client, http.MethodPost, location, form)
	if err != nil {
		return "", fmt.Errorf("failed to complete consent: %w", err)
	}
	return final, nil
}

func (l *LiveLogin) do(ctx context.Context, client *http.Client, method, target string, form url.Values) (string, string, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("User-Agent", liveUserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", "", err
	}
	return string(data), resp.Header.Get("Location"), nil
}

func (l *LiveLogin) timeout() time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	return 30 * time.Second
}

func authorizationCode(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return u.Query().Get("code")
}
