package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/sync-infra/internal/eventstore/sqlite"
)

// Applier converts one provider-reported change into an idempotent
// local mutation. Re-applying the same item must produce the same end
// state as applying it once; incremental fetches legitimately
// redeliver items after partial-page failures.
type Applier interface {
	Apply(ctx context.Context, item ChangeItem) error
}

// ApplierFactory builds the applier for one (account, provider,
// resource) triple.
type ApplierFactory func(accountID string, provider ProviderName, resource string) (Applier, error)

// StoreApplier applies changes to the per-account data store, keyed by
// the item's stable external id. Upserts are full-field replaces;
// tombstones for unknown items are no-ops.
type StoreApplier struct {
	store     *sqlite.Store
	accountID string
	provider  ProviderName
	resource  string
}

// NewStoreApplier creates an applier over an account data store.
func NewStoreApplier(store *sqlite.Store, accountID string, provider ProviderName, resource string) *StoreApplier {
	return &StoreApplier{
		store:     store,
		accountID: accountID,
		provider:  provider,
		resource:  resource,
	}
}

// Apply writes one change. Storage failures are marked retryable;
// structurally bad items are not.
func (a *StoreApplier) Apply(ctx context.Context, item ChangeItem) error {
	if item.ExternalID == "" {
		return fmt.Errorf("change item missing external id")
	}

	kind := item.Kind
	if kind == "" {
		kind = "item"
	}

	subject := fmt.Sprintf("account.%s.sync.%s", a.accountID, kind)

	event := map[string]interface{}{
		"event_id":    uuid.NewString(),
		"ts":          time.Now().Unix(),
		"account_id":  a.accountID,
		"provider":    string(a.provider),
		"resource":    a.resource,
		"external_id": item.ExternalID,
		"kind":        kind,
		"removed":     item.Removed,
	}

	if item.Removed {
		payload, _ := json.Marshal(event)
		msgID := fmt.Sprintf("item.removed|%s|%s|%s", a.provider, a.resource, item.ExternalID)
		if err := a.store.DeleteItem(ctx, string(a.provider), a.resource, item.ExternalID,
			subject, "item.removed", payload, msgID); err != nil {
			return Retryable(err)
		}
		return nil
	}

	event["payload"] = json.RawMessage(item.Payload)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msgID := fmt.Sprintf("item.upserted|%s|%s|%s|%d", a.provider, a.resource, item.ExternalID, item.ModifiedAt.Unix())
	if err := a.store.UpsertItem(ctx, &sqlite.Item{
		Provider:   string(a.provider),
		Resource:   a.resource,
		ExternalID: item.ExternalID,
		Kind:       kind,
		Payload:    string(item.Payload),
		ModifiedAt: item.ModifiedAt,
	}, subject, "item.upserted", payload, msgID); err != nil {
		return Retryable(err)
	}
	return nil
}
