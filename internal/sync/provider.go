package sync

import (
	"context"
	"errors"
	"time"

	"github.com/opspilot/sync-infra/internal/auth"
)

// ProviderName identifies an external system we sync from.
type ProviderName string

const (
	ProviderGmail          ProviderName = "gmail"
	ProviderGoogleCalendar ProviderName = "gcal"
	ProviderOutlook        ProviderName = "outlook"
)

var (
	// ErrCursorInvalid signals the provider no longer honors the
	// cursor it issued. Adapters must return it (wrapped is fine) so
	// the orchestrator can tell it apart from transport errors.
	ErrCursorInvalid = errors.New("cursor invalid or expired")

	// ErrNotConnected means the account has no active credential for
	// the provider. Requires re-authorization, not a retry.
	ErrNotConnected = errors.New("provider not connected")

	// ErrAlreadyRunning rejects a sync request while another run for
	// the same (account, provider, resource) is in flight.
	ErrAlreadyRunning = errors.New("sync already running for resource")
)

// ChangeItem is one changed or removed record reported by a provider.
// Payload carries the normalized item document; it is empty for
// removals.
type ChangeItem struct {
	ExternalID string
	Kind       string
	Removed    bool
	Payload    []byte
	ModifiedAt time.Time
}

// ChangePage is one page of changes. NextPageToken continues the
// current fetch; NextCursor, reported on the terminal page, marks the
// point incremental syncs resume from.
type ChangePage struct {
	Items         []ChangeItem
	NextPageToken string
	NextCursor    string
}

// Provider lists changed items for a resource. An empty cursor means a
// bounded full snapshot; otherwise changes since the cursor.
type Provider interface {
	ListChanges(ctx context.Context, resource, cursor, pageToken string) (*ChangePage, error)
}

// ProviderFactory builds a provider adapter bound to an access token.
type ProviderFactory func(ctx context.Context, tok *auth.Token, accountID string, provider ProviderName) (Provider, error)

// RetryableError marks an item-level failure that a later run may
// succeed at (e.g. storage contention), as opposed to a permanently
// unprocessable item.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries the retryable marker.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
