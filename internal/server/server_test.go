package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnificodev/hotmail-reader/internal/credential"
	"github.com/magnificodev/hotmail-reader/internal/email"
	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
	"github.com/magnificodev/hotmail-reader/pkg/types"
)

type fakeMail struct {
	listCred credential.Credential
	listOpts email.ListOptions
	otpOpts  email.OTPOptions
	msgID    string

	page   *types.Page
	result *types.OTPResult
	detail *types.MessageDetail
	err    error
}

func (f *fakeMail) ListMessages(_ context.Context, cred credential.Credential, opts email.ListOptions) (*types.Page, error) {
	f.listCred, f.listOpts = cred, opts
	return f.page, f.err
}

func (f *fakeMail) SearchOTP(_ context.Context, _ credential.Credential, opts email.OTPOptions) (*types.OTPResult, error) {
	f.otpOpts = opts
	return f.result, f.err
}

func (f *fakeMail) GetMessage(_ context.Context, _ credential.Credential, id string) (*types.MessageDetail, error) {
	f.msgID = id
	return f.detail, f.err
}

type fakeAuth struct {
	target     string
	credString string
	err        error
	code       string
	state      string
}

func (f *fakeAuth) Authorize() (string, error) { return f.target, f.err }

func (f *fakeAuth) Callback(_ context.Context, code, state string) (string, error) {
	f.code, f.state = code, state
	return f.credString, f.err
}

func newTestServer(t *testing.T, opts Options, mail *fakeMail, auth *fakeAuth) (*Server, *metrics.Collectors) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.New()
	return New(opts, mail, auth, m, logger), m
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const validCred = "user@hotmail.com|pw|rt|cid"

func TestMessages(t *testing.T) {
	next := "MTA="
	total := 45
	mail := &fakeMail{page: &types.Page{
		Items:         []types.Message{{ID: "45", From: "a@b.com", To: []string{"c@d.com"}, Subject: "hi", Date: "2024-01-01T00:00:00Z"}},
		NextPageToken: &next,
		Total:         &total,
	}}
	s, m := newTestServer(t, Options{}, mail, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodPost, "/messages",
		`{"credString":"`+validCred+`","from_":" a@b.com ","page_size":5,"include_body":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "MTA=", body["next_page_token"])
	assert.Equal(t, float64(45), body["total"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "a@b.com", items[0].(map[string]any)["from_"])
	assert.NotContains(t, body, "new_cred_string")

	assert.Equal(t, "user@hotmail.com", mail.listCred.Email)
	assert.Equal(t, email.ListOptions{From: "a@b.com", PageSize: 5, IncludeBody: true}, mail.listOpts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("messages", "200")))
}

func TestMessagesInvalidRequest(t *testing.T) {
	s, _ := newTestServer(t, Options{}, &fakeMail{}, &fakeAuth{})

	tests := []struct {
		name string
		body string
		kind string
	}{
		{name: "malformed json", body: `{"credString":`, kind: "BadRequest"},
		{name: "missing cred", body: `{}`, kind: "BadRequest"},
		{name: "password only", body: `{"credString":"a@b.com|pw"}`, kind: "CredentialInvalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotContains(t, body, "debug")
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		detail string
	}{
		{errs.E(errs.TokenExchangeFailed, "token", "Token exchange failed", nil), http.StatusBadRequest, "Token exchange failed"},
		{errs.E(errs.ImapAuthFailed, "authenticate", "IMAP error", nil), http.StatusBadRequest, "IMAP error"},
		{errs.E(errs.UpstreamHTTPError, "graph", "Graph request failed", nil), http.StatusBadRequest, "Graph request failed"},
		{errs.E(errs.NotFound, "get", "Message not found", nil), http.StatusNotFound, "Message not found"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "An error occurred"},
	}
	for _, tt := range tests {
		mail := &fakeMail{err: tt.err}
		s, _ := newTestServer(t, Options{}, mail, &fakeAuth{})
		rec := do(t, s.Handler(), http.MethodPost, "/message", `{"credString":"`+validCred+`","id":"7"}`)
		assert.Equal(t, tt.status, rec.Code)
		assert.Equal(t, tt.detail, decodeBody(t, rec)["detail"])
	}
}

func TestDevelopmentDebug(t *testing.T) {
	mail := &fakeMail{err: errs.E(errs.ImapSelectFailed, "select", "IMAP error", io.EOF)}
	s, _ := newTestServer(t, Options{Development: true}, mail, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodPost, "/messages", `{"credString":"`+validCred+`"}`)
	body := decodeBody(t, rec)
	assert.Equal(t, "ImapSelectFailed", body["kind"])
	assert.Contains(t, body["debug"], "EOF")
}

func TestOTP(t *testing.T) {
	code := "123456"
	mail := &fakeMail{result: &types.OTPResult{OTP: &code, EmailID: "9", From: "a@b.com", Subject: "code", Date: "d"}}
	s, _ := newTestServer(t, Options{}, mail, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodPost, "/otp",
		`{"credString":"`+validCred+`","regex":"code (\\d{6})","time_window_minutes":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "123456", body["otp"])
	assert.Equal(t, "9", body["emailId"])

	require.NotNil(t, mail.otpOpts.Regex)
	assert.Equal(t, `code (\d{6})`, mail.otpOpts.Regex.String())
	assert.Equal(t, "10m0s", mail.otpOpts.Window.String())
}

func TestOTPNotFound(t *testing.T) {
	mail := &fakeMail{result: &types.OTPResult{}}
	s, _ := newTestServer(t, Options{}, mail, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodPost, "/otp", `{"credString":"`+validCred+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"otp":null}`, rec.Body.String())
	assert.Zero(t, mail.otpOpts.Window)
}

func TestOTPInvalidRegex(t *testing.T) {
	s, _ := newTestServer(t, Options{}, &fakeMail{}, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodPost, "/otp", `{"credString":"`+validCred+`","regex":"(["}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid regex", decodeBody(t, rec)["detail"])
}

func TestMessage(t *testing.T) {
	mail := &fakeMail{detail: &types.MessageDetail{ID: "7", Subject: "s", Text: "body", HTML: "<p>body</p>"}}
	s, _ := newTestServer(t, Options{}, mail, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodPost, "/message", `{"credString":"`+validCred+`","id":"7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", mail.msgID)
	body := decodeBody(t, rec)
	assert.Equal(t, "body", body["text"])
	assert.Equal(t, "<p>body</p>", body["html"])
}

func TestOAuthAuthorize(t *testing.T) {
	auth := &fakeAuth{target: "https://login.example.com/authorize?state=x"}
	s, _ := newTestServer(t, Options{}, &fakeMail{}, auth)

	rec := do(t, s.Handler(), http.MethodGet, "/oauth/authorize", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, auth.target, rec.Header().Get("Location"))
}

func TestOAuthAuthorizeNotConfigured(t *testing.T) {
	auth := &fakeAuth{err: errs.E(errs.BadRequest, "authorize", "OAuth client is not configured", nil)}
	s, _ := newTestServer(t, Options{}, &fakeMail{}, auth)

	rec := do(t, s.Handler(), http.MethodGet, "/oauth/authorize", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthCallback(t *testing.T) {
	auth := &fakeAuth{credString: "||rt|cid"}
	s, _ := newTestServer(t, Options{}, &fakeMail{}, auth)

	rec := do(t, s.Handler(), http.MethodGet, "/oauth/callback?code=abc&state=xyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"credString":"||rt|cid"}`, rec.Body.String())
	assert.Equal(t, "abc", auth.code)
	assert.Equal(t, "xyz", auth.state)

	rec = do(t, s.Handler(), http.MethodGet, "/oauth/callback?code=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/oauth/callback?error=access_denied", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{}, &fakeMail{}, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestDevCred(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "production", opts: Options{TestCredString: validCred}, want: `{"credString":null}`},
		{name: "development without value", opts: Options{Development: true}, want: `{"credString":null}`},
		{name: "development", opts: Options{Development: true, TestCredString: validCred}, want: `{"credString":"` + validCred + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.opts, &fakeMail{}, &fakeAuth{})
			rec := do(t, s.Handler(), http.MethodGet, "/dev/cred", "")
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Options{}, &fakeMail{}, &fakeAuth{})
	h := s.Handler()
	do(t, h, http.MethodGet, "/health", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hotmail_reader_http_requests_total")
}

func TestRequestIDPreserved(t *testing.T) {
	s, _ := newTestServer(t, Options{}, &fakeMail{}, &fakeAuth{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}}, &fakeMail{}, &fakeAuth{})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/messages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, Options{}, &fakeMail{}, &fakeAuth{})

	rec := do(t, s.Handler(), http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
