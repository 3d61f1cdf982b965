package server

import (
	"encoding/json"
	"net/http"

	"github.com/magnificodev/hotmail-reader/internal/errs"
)

type errorBody struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
	Debug  string `json:"debug,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.BadRequest, errs.CredentialInvalid, errs.TokenExchangeFailed,
		errs.ImapAuthFailed, errs.ImapSelectFailed, errs.ImapFetchFailed,
		errs.UpstreamHTTPError:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	body := errorBody{Detail: errs.Message(err), Kind: string(kind)}
	if status == http.StatusInternalServerError {
		body.Detail = "An error occurred"
	}
	if s.opts.Development {
		body.Debug = err.Error()
	}

	entry := s.logger.WithError(err).WithField("request_id", RequestID(r.Context())).WithField("kind", kind)
	if status == http.StatusInternalServerError {
		entry.Error("Request error")
	} else {
		entry.Info("Request rejected")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
