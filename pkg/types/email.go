package types

import "time"

// Message is one inbox message in the common shape produced for both Graph
// and IMAP mailboxes.
type Message struct {
	ID      string   `json:"id"`
	From    string   `json:"from_"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Content string   `json:"content"`
	HTML    string   `json:"html,omitempty"`
	Date    string   `json:"date"`

	// ReceivedAt is the parsed Date, zero when it could not be parsed.
	ReceivedAt time.Time `json:"-"`
}

// Page is one page of a listing. Total is only set on the first page.
type Page struct {
	Items         []Message `json:"items"`
	NextPageToken *string   `json:"next_page_token"`
	Total         *int      `json:"total"`

	// NewCredString carries a rotated credential after a password
	// reauthentication.
	NewCredString string `json:"new_cred_string,omitempty"`
}

// MessageDetail is the full body view of a single message.
type MessageDetail struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	From    string `json:"from"`
	To      string `json:"to"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// OTPResult is returned by the OTP search. OTP is nil when nothing matched.
type OTPResult struct {
	OTP     *string `json:"otp"`
	EmailID string  `json:"emailId,omitempty"`
	From    string  `json:"from,omitempty"`
	Subject string  `json:"subject,omitempty"`
	Date    string  `json:"date,omitempty"`

	NewCredString string `json:"new_cred_string,omitempty"`
}
