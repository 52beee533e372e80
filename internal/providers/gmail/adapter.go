package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/opspilot/sync-infra/internal/auth"
	"github.com/opspilot/sync-infra/internal/sync"
)

const pageSize = 100

// Adapter lists Gmail changes. Full mode pages through the mailbox;
// incremental mode replays the history feed from the cursor (a Gmail
// history id).
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter bound to an access token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// ListChanges implements sync.Provider. resource is a Gmail label id;
// "primary" (or empty) means the whole mailbox.
func (a *Adapter) ListChanges(ctx context.Context, resource, cursor, pageToken string) (*sync.ChangePage, error) {
	if cursor == "" {
		return a.listFull(ctx, resource, pageToken)
	}
	return a.listHistory(ctx, resource, cursor, pageToken)
}

func (a *Adapter) listFull(ctx context.Context, resource, pageToken string) (*sync.ChangePage, error) {
	call := a.svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(pageSize)
	if resource != "" && resource != "primary" {
		call = call.LabelIds(resource)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.ChangePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		item, err := a.fetchItem(ctx, m.Id)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *item)
	}

	// The history id on the terminal page becomes the cursor the next
	// incremental sync resumes from.
	if resp.NextPageToken == "" {
		profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}
		if profile.HistoryId != 0 {
			page.NextCursor = strconv.FormatUint(profile.HistoryId, 10)
		}
	}

	return page, nil
}

func (a *Adapter) listHistory(ctx context.Context, resource, cursor, pageToken string) (*sync.ChangePage, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: not a history id: %q", sync.ErrCursorInvalid, cursor)
	}

	call := a.svc.Users.History.List("me").StartHistoryId(startHistoryID).MaxResults(pageSize)
	if resource != "" && resource != "primary" {
		call = call.LabelId(resource)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		// Gmail answers 404 when the history id has aged out.
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return nil, fmt.Errorf("%w: %v", sync.ErrCursorInvalid, err)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	page := &sync.ChangePage{NextPageToken: resp.NextPageToken}
	seen := make(map[string]bool)

	for _, history := range resp.History {
		for _, record := range history.MessagesAdded {
			msgID := record.Message.Id
			if seen[msgID] {
				continue
			}
			seen[msgID] = true

			item, err := a.fetchItem(ctx, msgID)
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, *item)
		}

		for _, record := range history.MessagesDeleted {
			msgID := record.Message.Id
			if seen[msgID] {
				continue
			}
			seen[msgID] = true

			page.Items = append(page.Items, sync.ChangeItem{
				ExternalID: msgID,
				Kind:       "message",
				Removed:    true,
				ModifiedAt: time.Now(),
			})
		}
	}

	if resp.NextPageToken == "" && resp.HistoryId != 0 {
		page.NextCursor = strconv.FormatUint(resp.HistoryId, 10)
	}

	return page, nil
}

func (a *Adapter) fetchItem(ctx context.Context, msgID string) (*sync.ChangeItem, error) {
	meta, err := a.svc.Users.Messages.Get("me", msgID).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", msgID, err)
	}
	return normalize(meta), nil
}

// message is the normalized document stored for one Gmail message.
type message struct {
	MessageID string            `json:"message_id"`
	ThreadID  string            `json:"thread_id"`
	Subject   string            `json:"subject"`
	Sender    string            `json:"sender"`
	To        []string          `json:"to"`
	Cc        []string          `json:"cc"`
	Bcc       []string          `json:"bcc"`
	Snippet   string            `json:"snippet"`
	Labels    []string          `json:"labels"`
	Headers   map[string]string `json:"headers"`
	Date      time.Time         `json:"date"`
}

func normalize(m *gmail.Message) *sync.ChangeItem {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	doc := message{
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		Subject:   headers["Subject"],
		Sender:    headers["From"],
		To:        splitAddrs(headers["To"]),
		Cc:        splitAddrs(headers["Cc"]),
		Bcc:       splitAddrs(headers["Bcc"]),
		Snippet:   m.Snippet,
		Labels:    m.LabelIds,
		Headers:   headers,
		Date:      time.UnixMilli(m.InternalDate),
	}

	payload, _ := json.Marshal(doc)
	return &sync.ChangeItem{
		ExternalID: m.Id,
		Kind:       "message",
		Payload:    payload,
		ModifiedAt: doc.Date,
	}
}

// splitAddrs parses comma-separated email addresses.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
