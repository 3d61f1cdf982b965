package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/magnificodev/hotmail-reader/internal/credential"
	"github.com/magnificodev/hotmail-reader/internal/email"
	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/internal/otp"
)

type messagesRequest struct {
	CredString  string `json:"credString"`
	From        string `json:"from_"`
	PageSize    int    `json:"page_size"`
	PageToken   string `json:"page_token"`
	IncludeBody bool   `json:"include_body"`
}

type otpRequest struct {
	CredString        string `json:"credString"`
	From              string `json:"from_"`
	Regex             string `json:"regex"`
	TimeWindowMinutes *int   `json:"time_window_minutes"`
}

type messageRequest struct {
	CredString string `json:"credString"`
	ID         string `json:"id"`
}

type credResponse struct {
	CredString *string `json:"credString"`
}

var errInvalidRequest = errs.E(errs.BadRequest, "decode request", "Invalid request", nil)

// decode reads a JSON body into v and resolves its credential string.
func decode(w http.ResponseWriter, r *http.Request, v any, credString func() string) (credential.Credential, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return credential.Credential{}, errs.E(errs.BadRequest, "decode request", "Invalid request", err)
	}
	cs := strings.TrimSpace(credString())
	if cs == "" {
		return credential.Credential{}, errInvalidRequest
	}
	return credential.Resolve(cs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	cred, err := decode(w, r, &req, func() string { return req.CredString })
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.mail.ListMessages(r.Context(), cred, email.ListOptions{
		From:        strings.TrimSpace(req.From),
		PageSize:    req.PageSize,
		PageToken:   strings.TrimSpace(req.PageToken),
		IncludeBody: req.IncludeBody,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	cred, err := decode(w, r, &req, func() string { return req.CredString })
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := email.OTPOptions{From: strings.TrimSpace(req.From)}
	if req.TimeWindowMinutes != nil {
		if *req.TimeWindowMinutes < 0 {
			s.writeError(w, r, errs.E(errs.BadRequest, "otp", "Invalid time window", nil))
			return
		}
		opts.Window = time.Duration(*req.TimeWindowMinutes) * time.Minute
	}
	if req.Regex != "" {
		re, err := otp.CompileCustom(req.Regex)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts.Regex = re
	}

	result, err := s.mail.SearchOTP(r.Context(), cred, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	cred, err := decode(w, r, &req, func() string { return req.CredString })
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.mail.GetMessage(r.Context(), cred, req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	target, err := s.auth.Authorize()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.writeError(w, r, errs.E(errs.BadRequest, "oauth callback", "Authorization failed", fmt.Errorf("%s: %s", e, q.Get("error_description"))))
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		s.writeError(w, r, errs.E(errs.BadRequest, "oauth callback", "Missing code or state", nil))
		return
	}

	credString, err := s.auth.Callback(r.Context(), code, state)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credResponse{CredString: &credString})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevCred(w http.ResponseWriter, _ *http.Request) {
	resp := credResponse{}
	if s.opts.Development && s.opts.TestCredString != "" {
		cs := s.opts.TestCredString
		resp.CredString = &cs
	}
	writeJSON(w, http.StatusOK, resp)
}
