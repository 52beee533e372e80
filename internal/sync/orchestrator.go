package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opspilot/sync-infra/internal/store"
	"github.com/opspilot/sync-infra/internal/vault"
)

// Orchestrator runs one sync attempt for (account, provider, resource)
// end to end: token lookup, mode selection, pagination, delta
// application, cursor commit and run finalization.
//
// Each attempt moves STARTED → FETCHING → APPLYING → FINALIZING →
// COMPLETED or FAILED. There is no paused state; a retry is a new
// attempt.
type Orchestrator struct {
	store    *store.Store
	vault    *vault.Vault
	factory  ProviderFactory
	appliers ApplierFactory
	budget   time.Duration
	logger   *zap.Logger
}

// NewOrchestrator wires an orchestrator. budget bounds the wall clock
// of one attempt; zero disables the bound.
func NewOrchestrator(st *store.Store, v *vault.Vault, factory ProviderFactory, appliers ApplierFactory, budget time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		vault:    v,
		factory:  factory,
		appliers: appliers,
		budget:   budget,
		logger:   logger,
	}
}

type pageResult struct {
	applied    int
	itemErrors []store.ItemError
	nextCursor string
}

// SyncResource performs one sync attempt. The returned run reflects
// the terminal record; err is non-nil only for failures that need
// caller action (ErrNotConnected, or a run that failed even after the
// full-resync fallback).
func (o *Orchestrator) SyncResource(ctx context.Context, accountID string, provider ProviderName, resource, requestedMode string) (*store.SyncRun, error) {
	if o.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.budget)
		defer cancel()
	}

	tok, err := o.vault.GetValidToken(ctx, accountID, string(provider))
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotConnected, accountID, provider)
	}

	cursor, err := o.store.LoadCursor(ctx, accountID, string(provider), resource)
	if err != nil {
		return nil, err
	}

	// No cursor forces a full sync no matter what was requested.
	mode := requestedMode
	if mode != store.ModeFull {
		mode = store.ModeIncremental
	}
	if cursor == "" {
		mode = store.ModeFull
	}

	run := &store.SyncRun{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Provider:  string(provider),
		Resource:  resource,
		Mode:      mode,
		Status:    store.StatusStarted,
		StartedAt: time.Now(),
	}
	if err := o.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	log := o.logger.With(
		zap.String("run_id", run.ID),
		zap.String("account_id", accountID),
		zap.String("provider", string(provider)),
		zap.String("resource", resource),
	)
	log.Info("sync run started", zap.String("mode", mode))

	prov, err := o.factory(ctx, tok, accountID, provider)
	if err != nil {
		return o.fail(run, nil, fmt.Errorf("create provider adapter: %w", err), log)
	}

	applier, err := o.appliers(accountID, provider, resource)
	if err != nil {
		return o.fail(run, nil, fmt.Errorf("create applier: %w", err), log)
	}

	_ = o.store.UpdateRunStatus(ctx, run.ID, store.StatusFetching)

	startCursor := cursor
	if mode == store.ModeFull {
		startCursor = ""
	}

	res, err := o.paginate(ctx, prov, applier, run, resource, startCursor)
	if err != nil && errors.Is(err, ErrCursorInvalid) && mode == store.ModeIncremental {
		// Single bounded fallback: clear the rejected cursor and redo
		// this attempt as a full sync. No second retry.
		log.Warn("provider rejected cursor, falling back to full sync")
		if cerr := o.store.ClearCursor(ctx, accountID, string(provider), resource); cerr != nil {
			return o.fail(run, res, cerr, log)
		}
		mode = store.ModeFull
		_ = o.store.UpdateRunMode(ctx, run.ID, mode)
		res, err = o.paginate(ctx, prov, applier, run, resource, "")
	}
	if err != nil {
		// Fatal run error: the previous cursor stays untouched so the
		// next attempt retries from the last known-good point.
		return o.fail(run, res, err, log)
	}

	_ = o.store.UpdateRunStatus(ctx, run.ID, store.StatusFinalizing)

	if res.nextCursor != "" {
		if err := o.saveCursor(accountID, string(provider), resource, res.nextCursor); err != nil {
			return o.fail(run, res, err, log)
		}
	}

	if err := o.finalize(run, store.StatusCompleted, res); err != nil {
		return nil, err
	}

	log.Info("sync run completed",
		zap.String("mode", mode),
		zap.Int("items", res.applied),
		zap.Int("item_errors", len(res.itemErrors)),
		zap.Duration("duration", time.Since(run.StartedAt)))
	return run, nil
}

// paginate drives the sequential page loop. Item failures are recorded
// and skipped; a failed page call aborts the whole run.
func (o *Orchestrator) paginate(ctx context.Context, prov Provider, applier Applier, run *store.SyncRun, resource, cursor string) (*pageResult, error) {
	res := &pageResult{}
	pageToken := ""

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := prov.ListChanges(ctx, resource, cursor, pageToken)
		if err != nil {
			return res, err
		}

		_ = o.store.UpdateRunStatus(ctx, run.ID, store.StatusApplying)
		for _, item := range page.Items {
			if err := applier.Apply(ctx, item); err != nil {
				res.itemErrors = append(res.itemErrors, store.ItemError{
					ItemID:    item.ExternalID,
					Message:   err.Error(),
					Retryable: IsRetryable(err),
				})
				continue
			}
			res.applied++
		}

		if page.NextCursor != "" {
			res.nextCursor = page.NextCursor
		}
		if page.NextPageToken == "" {
			return res, nil
		}
		pageToken = page.NextPageToken
	}
}

// saveCursor and finalize run against a fresh context: a run killed by
// its wall-clock budget must still reach a terminal record.

func (o *Orchestrator) saveCursor(accountID, provider, resource, cursor string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.store.SaveCursor(ctx, accountID, provider, resource, cursor)
}

func (o *Orchestrator) finalize(run *store.SyncRun, status string, res *pageResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	applied := 0
	var itemErrors []store.ItemError
	if res != nil {
		applied = res.applied
		itemErrors = res.itemErrors
	}

	if err := o.store.FinalizeRun(ctx, run.ID, status, applied, itemErrors); err != nil {
		return err
	}

	now := time.Now()
	run.Status = status
	run.EndedAt = &now
	run.ItemCount = applied
	run.Errors = itemErrors
	return nil
}

func (o *Orchestrator) fail(run *store.SyncRun, res *pageResult, cause error, log *zap.Logger) (*store.SyncRun, error) {
	if err := o.finalize(run, store.StatusFailed, res); err != nil {
		log.Error("failed to finalize run", zap.Error(err))
	}
	log.Error("sync run failed", zap.Error(cause))
	return run, fmt.Errorf("sync run %s failed: %w", run.ID, cause)
}
