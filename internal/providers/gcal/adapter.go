package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/opspilot/sync-infra/internal/auth"
	"github.com/opspilot/sync-infra/internal/sync"
)

const (
	pageSize = 100

	// Bounded window for full syncs; older events are not mirrored.
	backfillWindow = 90 * 24 * time.Hour
)

// Adapter lists Google Calendar changes using the events sync-token
// protocol. The cursor is the NextSyncToken of the previous run.
type Adapter struct {
	svc *calendar.Service
	now func() time.Time
}

// New creates a calendar adapter bound to an access token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{calendar.CalendarReadonlyScope},
	}
	httpClient := config.Client(ctx, oauth2Token)

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	return &Adapter{svc: svc, now: time.Now}, nil
}

// ListChanges implements sync.Provider. resource is a calendar id;
// empty means "primary".
func (a *Adapter) ListChanges(ctx context.Context, resource, cursor, pageToken string) (*sync.ChangePage, error) {
	calendarID := resource
	if calendarID == "" {
		calendarID = "primary"
	}

	call := a.svc.Events.List(calendarID).MaxResults(pageSize).ShowDeleted(true)
	if cursor != "" {
		call = call.SyncToken(cursor)
	} else {
		call = call.TimeMin(a.now().Add(-backfillWindow).Format(time.RFC3339))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		// The Calendar API answers 410 Gone when a sync token has been
		// invalidated and a full resync is required.
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 410 {
			return nil, fmt.Errorf("%w: %v", sync.ErrCursorInvalid, err)
		}
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	page := &sync.ChangePage{
		NextPageToken: resp.NextPageToken,
		NextCursor:    resp.NextSyncToken,
	}

	for _, ev := range resp.Items {
		if ev.Status == "cancelled" {
			page.Items = append(page.Items, sync.ChangeItem{
				ExternalID: ev.Id,
				Kind:       "event",
				Removed:    true,
				ModifiedAt: parseTime(ev.Updated),
			})
			continue
		}
		page.Items = append(page.Items, *normalize(ev))
	}

	return page, nil
}

// event is the normalized document stored for one calendar event.
type event struct {
	EventID   string    `json:"event_id"`
	Summary   string    `json:"summary"`
	Location  string    `json:"location"`
	Organizer string    `json:"organizer"`
	Attendees []string  `json:"attendees"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Updated   time.Time `json:"updated"`
}

func normalize(ev *calendar.Event) *sync.ChangeItem {
	doc := event{
		EventID: ev.Id,
		Summary: ev.Summary,
		Updated: parseTime(ev.Updated),
	}
	doc.Location = ev.Location

	if ev.Organizer != nil {
		doc.Organizer = ev.Organizer.Email
	}
	for _, att := range ev.Attendees {
		doc.Attendees = append(doc.Attendees, att.Email)
	}
	if ev.Start != nil {
		doc.Start = eventTime(ev.Start)
	}
	if ev.End != nil {
		doc.End = eventTime(ev.End)
	}

	payload, _ := json.Marshal(doc)
	return &sync.ChangeItem{
		ExternalID: ev.Id,
		Kind:       "event",
		Payload:    payload,
		ModifiedAt: doc.Updated,
	}
}

func eventTime(t *calendar.EventDateTime) string {
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}
