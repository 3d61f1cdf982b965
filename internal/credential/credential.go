// Package credential parses the pipe-delimited credential strings callers
// send and decides which provider a request starts with.
package credential

import (
	"strings"

	"github.com/magnificodev/hotmail-reader/internal/errs"
)

// Provider identifies the upstream used to read a mailbox.
type Provider int

const (
	Invalid Provider = iota
	GraphAPI
	ImapXoauth
)

func (p Provider) String() string {
	switch p {
	case GraphAPI:
		return "graph"
	case ImapXoauth:
		return "imap"
	default:
		return "invalid"
	}
}

// Credential is the parsed form of "email|password|refresh_token|client_id".
// Absent optional fields are empty strings.
type Credential struct {
	Email        string
	Password     string
	RefreshToken string
	ClientID     string
}

// Parse never fails. Missing fields resolve to absent.
//
// Two legacy variants put a space instead of "|" after the email:
//
//	"email password||refresh|client"  second field empty, password taken from the first field
//	"email password|refresh|client"   second field holds the refresh token, third the client id
func Parse(s string) Credential {
	parts := strings.Split(s, "|")
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	first := strings.TrimSpace(parts[0])
	p2 := strings.TrimSpace(parts[1])
	p3 := strings.TrimSpace(parts[2])
	p4 := strings.TrimSpace(parts[3])

	c := Credential{Email: first, Password: p2, RefreshToken: p3, ClientID: p4}

	email, pass, found := strings.Cut(first, " ")
	email = strings.TrimSpace(email)
	pass = strings.TrimSpace(pass)
	if !found || email == "" || pass == "" {
		return c
	}

	c.Email = email
	if p2 == "" {
		c.Password = pass
		return c
	}

	c.Password = pass
	c.RefreshToken = p2
	if p3 != "" && p4 == "" {
		c.ClientID = p3
	}
	return c
}

// Provider is the initial guess. Which token endpoint accepts the refresh
// token decides between Graph and IMAP later.
func (c Credential) Provider() Provider {
	if c.RefreshToken != "" && c.ClientID != "" {
		return GraphAPI
	}
	return Invalid
}

// HasPassword reports whether a password fallback is possible.
func (c Credential) HasPassword() bool { return c.Password != "" }

// String re-joins the four fields in canonical order.
func (c Credential) String() string {
	return strings.Join([]string{c.Email, c.Password, c.RefreshToken, c.ClientID}, "|")
}

// WithRefreshToken returns a copy carrying a rotated refresh token.
func (c Credential) WithRefreshToken(rt string) Credential {
	c.RefreshToken = rt
	return c
}

// Resolve parses s and rejects credentials without a usable provider.
func Resolve(s string) (Credential, error) {
	c := Parse(s)
	if c.Provider() == Invalid {
		return c, errs.E(errs.CredentialInvalid, "resolve credential", "Invalid credentials", nil)
	}
	return c, nil
}
