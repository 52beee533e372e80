package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/opspilot/sync-infra/internal/auth"
	"github.com/opspilot/sync-infra/internal/sync"
)

const pageSize = 100

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients",
	"ccRecipients", "bccRecipients", "bodyPreview", "receivedDateTime",
}

// Adapter lists Outlook mail changes via Microsoft Graph. The cursor
// is the RFC3339 receive time of the newest message seen; incremental
// syncs filter on receivedDateTime past it.
//
// TODO: switch to the Graph delta endpoint so removals are detected.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	now    func() time.Time
}

// New creates an Outlook adapter bound to an access token. externalID
// is the Graph user the mailbox belongs to.
func New(ctx context.Context, tok *auth.Token, externalID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client, userID: externalID, now: time.Now}, nil
}

// ListChanges implements sync.Provider.
func (a *Adapter) ListChanges(ctx context.Context, resource, cursor, pageToken string) (*sync.ChangePage, error) {
	query := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     int32Ptr(pageSize),
		Select:  selectFields,
		Orderby: []string{"receivedDateTime desc"},
	}

	if cursor != "" {
		since, err := time.Parse(time.RFC3339, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: not a timestamp: %q", sync.ErrCursorInvalid, cursor)
		}
		filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))
		query.Filter = &filter
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.ChangePage{}
	latest := time.Time{}
	if cursor != "" {
		latest, _ = time.Parse(time.RFC3339, cursor)
	}

	for _, msg := range result.GetValue() {
		item := normalize(msg)
		page.Items = append(page.Items, *item)
		if item.ModifiedAt.After(latest) {
			latest = item.ModifiedAt
		}
	}

	if latest.IsZero() {
		latest = a.now()
	}
	page.NextCursor = latest.UTC().Format(time.RFC3339)

	return page, nil
}

// message is the normalized document stored for one Outlook message.
type message struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Subject   string    `json:"subject"`
	Sender    string    `json:"sender"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc"`
	Bcc       []string  `json:"bcc"`
	Snippet   string    `json:"snippet"`
	Date      time.Time `json:"date"`
}

func normalize(m models.Messageable) *sync.ChangeItem {
	doc := message{}

	if id := m.GetId(); id != nil {
		doc.MessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		doc.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		doc.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				doc.Sender = *addr
			}
		}
	}
	doc.To = extractAddresses(m.GetToRecipients())
	doc.Cc = extractAddresses(m.GetCcRecipients())
	doc.Bcc = extractAddresses(m.GetBccRecipients())
	if preview := m.GetBodyPreview(); preview != nil {
		doc.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		doc.Date = *rcvd
	}

	payload, _ := json.Marshal(doc)
	return &sync.ChangeItem{
		ExternalID: doc.MessageID,
		Kind:       "message",
		Payload:    payload,
		ModifiedAt: doc.Date,
	}
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// staticTokenCredential satisfies the Azure credential interface with
// a token the vault already refreshed.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
