package email

import (
	"bufio"
	"bytes"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
)

type header struct {
	From    string
	To      []string
	Subject string
	Date    string
	Parsed  time.Time
}

// parseHeader decodes the fields the listing needs. Malformed input yields
// empty values rather than an error.
func parseHeader(raw []byte) header {
	var h header
	if len(raw) == 0 {
		return h
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && th.Len() == 0 {
		return h
	}
	mh := mail.Header{Header: message.Header{Header: th}}

	if from, err := mh.Text("From"); err == nil {
		h.From = from
	} else {
		h.From = mh.Get("From")
	}
	if subject, err := mh.Subject(); err == nil {
		h.Subject = subject
	} else {
		h.Subject = mh.Get("Subject")
	}
	if addrs, err := mh.AddressList("To"); err == nil {
		for _, a := range addrs {
			h.To = append(h.To, a.Address)
		}
	}
	h.Date = mh.Get("Date")
	if t, err := mh.Date(); err == nil {
		h.Parsed = t
	}
	if h.To == nil {
		h.To = []string{}
	}
	return h
}

// parseBody returns the text and HTML parts of a full RFC822 message.
func parseBody(raw []byte) (text, html string) {
	if len(raw) == 0 {
		return "", ""
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	return env.Text, env.HTML
}
