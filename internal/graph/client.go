// Package graph reads the inbox through Microsoft Graph.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	kiotaauth "github.com/microsoft/kiota-authentication-azure-go"
	khttp "github.com/microsoft/kiota-http-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"

	"github.com/magnificodev/hotmail-reader/internal/errs"
	"github.com/magnificodev/hotmail-reader/pkg/types"
)

const maxTop = 50

var (
	scopes     = []string{"https://graph.microsoft.com/.default"}
	listFields = []string{"id", "subject", "from", "toRecipients", "receivedDateTime", "hasAttachments", "isRead", "internetMessageId"}
)

// ListQuery selects one page of inbox messages. NextLink, when set, replaces
// every other parameter.
type ListQuery struct {
	From        string
	Top         int
	NextLink    string
	IncludeBody bool
}

// Page is one page of Graph results.
type Page struct {
	Messages []types.Message
	NextLink string
}

// DefaultTimeout bounds one Graph request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// validHosts are the only hosts the bearer token is attached for.
var validHosts = []string{graphHost}

const graphHost = "graph.microsoft.com"

// Client issues Graph calls. The adapter and its HTTP stack are shared; the
// bearer token travels with each request's context.
type Client struct {
	adapter *msgraphsdk.GraphRequestAdapter
	service *msgraphsdk.GraphServiceClient
	logger  *logrus.Logger
}

// NewClient builds the Graph adapter once. Every request is bounded by
// timeout and no middleware retries it.
func NewClient(timeout time.Duration, logger *logrus.Logger) (*Client, error) {
	auth, err := kiotaauth.NewAzureIdentityAuthenticationProviderWithScopesAndValidHosts(contextCredential{}, scopes, validHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph auth provider: %w", err)
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(
		auth, nil, nil, newHTTPClient(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph adapter: %w", err)
	}
	return &Client{
		adapter: adapter,
		service: msgraphsdk.NewGraphServiceClient(adapter),
		logger:  logger,
	}, nil
}

// newHTTPClient is the Graph middleware chain minus the retry handler.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := msgraphsdk.GetDefaultClientOptions()
	var chain []khttp.Middleware
	for _, mw := range msgraphcore.GetDefaultMiddlewaresWithOptions(&opts) {
		if _, ok := mw.(*khttp.RetryHandler); ok {
			continue
		}
		chain = append(chain, mw)
	}
	client := khttp.GetDefaultClient(chain...)
	client.Timeout = timeout
	return client
}

type accessTokenKey struct{}

func withAccessToken(ctx context.Context, accessToken string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, accessToken)
}

// contextCredential is an azcore.TokenCredential returning the token stored
// in the request context.
type contextCredential struct{}

func (contextCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, _ := ctx.Value(accessTokenKey{}).(string)
	if tok == "" {
		return azcore.AccessToken{}, errors.New("no access token in context")
	}
	return azcore.AccessToken{Token: tok, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// ListInbox returns one page of the inbox, newest first unless a sender
// filter is set. Graph rejects $orderby combined with that filter for
// consumer mailboxes, so filtered pages come back unordered.
func (c *Client) ListInbox(ctx context.Context, accessToken string, q ListQuery) (*Page, error) {
	ctx = withAccessToken(ctx, accessToken)
	builder := c.service.Me().MailFolders().ByMailFolderId("inbox").Messages()
	var cfg *users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration
	if q.NextLink != "" {
		builder = builder.WithUrl(q.NextLink)
	} else {
		cfg = &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: listParameters(q),
		}
	}

	resp, err := builder.Get(ctx, cfg)
	if err != nil {
		return nil, upstream("list messages", err)
	}

	page := &Page{Messages: make([]types.Message, 0, len(resp.GetValue()))}
	for _, m := range resp.GetValue() {
		page.Messages = append(page.Messages, convert(m))
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextLink = *next
	}
	c.logger.WithFields(logrus.Fields{
		"count":    len(page.Messages),
		"has_next": page.NextLink != "",
	}).Debug("Listed inbox via Graph")
	return page, nil
}

// GetMessage fetches one message including its body.
func (c *Client) GetMessage(ctx context.Context, accessToken, id string) (*types.Message, error) {
	ctx = withAccessToken(ctx, accessToken)
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: append(append([]string{}, listFields...), "body"),
		},
	}
	m, err := c.service.Me().Messages().ByMessageId(id).Get(ctx, cfg)
	if err != nil {
		return nil, upstream("get message", err)
	}
	msg := convert(m)
	return &msg, nil
}

func listParameters(q ListQuery) *users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters {
	top := int32(q.Top)
	if top < 1 || top > maxTop {
		top = maxTop
	}
	fields := append([]string{}, listFields...)
	if q.IncludeBody {
		fields = append(fields, "body")
	}
	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Select: fields,
		Top:    &top,
	}
	if q.From != "" {
		filter := senderFilter(q.From)
		params.Filter = &filter
	} else {
		params.Orderby = []string{"receivedDateTime desc"}
	}
	return params
}

func senderFilter(addr string) string {
	return fmt.Sprintf("from/emailAddress/address eq '%s'", escapeODataString(addr))
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func convert(m models.Messageable) types.Message {
	msg := types.Message{
		ID:      deref(m.GetId()),
		Subject: deref(m.GetSubject()),
		From:    formatRecipient(m.GetFrom()),
		To:      []string{},
	}
	for _, r := range m.GetToRecipients() {
		if r == nil || r.GetEmailAddress() == nil {
			continue
		}
		if addr := deref(r.GetEmailAddress().GetAddress()); addr != "" {
			msg.To = append(msg.To, addr)
		}
	}
	if t := m.GetReceivedDateTime(); t != nil {
		msg.ReceivedAt = *t
		msg.Date = t.UTC().Format(time.RFC3339)
	}
	if b := m.GetBody(); b != nil && b.GetContent() != nil {
		if ct := b.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.HTML = *b.GetContent()
		} else {
			msg.Content = *b.GetContent()
		}
	}
	return msg
}

// formatRecipient renders "Name <addr>", or just the address without a name.
func formatRecipient(r models.Recipientable) string {
	if r == nil || r.GetEmailAddress() == nil {
		return ""
	}
	name := deref(r.GetEmailAddress().GetName())
	addr := deref(r.GetEmailAddress().GetAddress())
	switch {
	case name != "" && addr != "" && name != addr:
		return fmt.Sprintf("%s <%s>", name, addr)
	case addr != "":
		return addr
	}
	return name
}

func upstream(op string, err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		detail := odataErr.Error()
		if inner := odataErr.GetErrorEscaped(); inner != nil {
			detail = fmt.Sprintf("%s: %s", deref(inner.GetCode()), deref(inner.GetMessage()))
		}
		if odataErr.ResponseStatusCode == http.StatusNotFound {
			return errs.E(errs.NotFound, op, "Message not found", errors.New(detail))
		}
		return errs.E(errs.UpstreamHTTPError, op, "Graph request failed",
			fmt.Errorf("graph status %d: %s", odataErr.ResponseStatusCode, detail))
	}
	return errs.E(errs.UpstreamHTTPError, op, "Graph request failed", err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
