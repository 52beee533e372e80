package sync

import (
	"context"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/opspilot/sync-infra/internal/eventstore/sqlite"
)

// AccountStores opens and caches per-account data stores, starting an
// outbox dispatcher for each store on first open.
type AccountStores struct {
	dataRoot string
	pub      EventPublisher
	logger   *zap.Logger

	// baseCtx bounds dispatcher lifetimes; request contexts are too
	// short-lived for goroutines that must outlive one sync attempt.
	baseCtx context.Context

	mu     sync.Mutex
	stores map[string]*sqlite.Store
}

// NewAccountStores creates the registry. Dispatchers run until ctx is
// canceled.
func NewAccountStores(ctx context.Context, dataRoot string, pub EventPublisher, logger *zap.Logger) *AccountStores {
	return &AccountStores{
		dataRoot: dataRoot,
		pub:      pub,
		logger:   logger,
		baseCtx:  ctx,
		stores:   make(map[string]*sqlite.Store),
	}
}

// Get returns the account's data store, opening it on first use.
func (a *AccountStores) Get(accountID string) (*sqlite.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.stores[accountID]; ok {
		return st, nil
	}

	st, err := sqlite.OpenAccountDB(filepath.Join(a.dataRoot, accountID, "items.db"))
	if err != nil {
		return nil, err
	}
	a.stores[accountID] = st

	if a.pub != nil {
		go NewDispatcher(st, a.pub, a.logger.With(zap.String("account_id", accountID))).Run(a.baseCtx)
	}
	return st, nil
}

// ApplierFor satisfies ApplierFactory.
func (a *AccountStores) ApplierFor(accountID string, provider ProviderName, resource string) (Applier, error) {
	st, err := a.Get(accountID)
	if err != nil {
		return nil, err
	}
	return NewStoreApplier(st, accountID, provider, resource), nil
}

// Close closes every open store.
func (a *AccountStores) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, st := range a.stores {
		if err := st.Close(); err != nil {
			a.logger.Warn("failed to close account store",
				zap.String("account_id", id),
				zap.Error(err))
		}
	}
	a.stores = make(map[string]*sqlite.Store)
}
