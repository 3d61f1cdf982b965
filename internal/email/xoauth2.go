package email

import "github.com/emersion/go-sasl"

// xoauth2Client is the client side of the XOAUTH2 SASL mechanism.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next is never called with a challenge on success; servers send an error
// JSON blob on failure, answered with an empty response.
func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	return nil, nil
}
