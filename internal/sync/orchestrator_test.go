package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/opspilot/sync-infra/internal/auth"
	"github.com/opspilot/sync-infra/internal/store"
	"github.com/opspilot/sync-infra/internal/vault"
)

// scriptedProvider answers ListChanges from a closure so each test can
// script page sequences and failures.
type scriptedProvider struct {
	mu    stdsync.Mutex
	calls int
	list  func(ctx context.Context, resource, cursor, pageToken string) (*ChangePage, error)
}

func (p *scriptedProvider) ListChanges(ctx context.Context, resource, cursor, pageToken string) (*ChangePage, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.list(ctx, resource, cursor, pageToken)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingApplier records applied items and fails the ids in fail.
type recordingApplier struct {
	mu      stdsync.Mutex
	applied []ChangeItem
	fail    map[string]error
}

func (a *recordingApplier) Apply(_ context.Context, item ChangeItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.fail[item.ExternalID]; ok {
		return err
	}
	a.applied = append(a.applied, item)
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

// newTestOrchestrator wires an orchestrator over a temp control store
// with a connected gmail credential for acct-1.
func newTestOrchestrator(t *testing.T, prov Provider, applier Applier, budget time.Duration) (*Orchestrator, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cipher, err := vault.NewCipher(strings.Repeat("ab", 32), strings.Repeat("cd", 32))
	require.NoError(t, err)
	v := vault.New(st, cipher, map[string]*oauth2.Config{}, zap.NewNop())

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, v.Store(context.Background(), "acct-1", string(ProviderGmail), vault.TokenResponse{
		AccessToken: "access-token",
		Expiry:      &expiry,
	}))

	factory := func(ctx context.Context, tok *auth.Token, accountID string, provider ProviderName) (Provider, error) {
		return prov, nil
	}
	appliers := func(accountID string, provider ProviderName, resource string) (Applier, error) {
		return applier, nil
	}

	return NewOrchestrator(st, v, factory, appliers, budget, zap.NewNop()), st
}

func items(ids ...string) []ChangeItem {
	out := make([]ChangeItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, ChangeItem{ExternalID: id, Kind: "message", ModifiedAt: time.Now()})
	}
	return out
}

func TestSyncFullWhenNoCursor(t *testing.T) {
	prov := &scriptedProvider{list: func(_ context.Context, _, cursor, _ string) (*ChangePage, error) {
		// With no stored cursor the run must fetch from scratch.
		if cursor != "" {
			return nil, fmt.Errorf("unexpected cursor %q", cursor)
		}
		return &ChangePage{Items: items("a", "b"), NextCursor: "cur-1"}, nil
	}}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 0)

	run, err := orch.SyncResource(context.Background(), "acct-1", ProviderGmail, "primary", store.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, store.ModeFull, run.Mode)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, 2, run.ItemCount)
	assert.Empty(t, run.Errors)

	cursor, err := st.LoadCursor(context.Background(), "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "cur-1", cursor, "cursor committed after completion")
}

func TestSyncIncrementalUsesStoredCursor(t *testing.T) {
	prov := &scriptedProvider{list: func(_ context.Context, _, cursor, _ string) (*ChangePage, error) {
		if cursor != "cur-0" {
			return nil, fmt.Errorf("unexpected cursor %q", cursor)
		}
		return &ChangePage{Items: items("a"), NextCursor: "cur-1"}, nil
	}}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 0)
	require.NoError(t, st.SaveCursor(context.Background(), "acct-1", "gmail", "primary", "cur-0"))

	run, err := orch.SyncResource(context.Background(), "acct-1", ProviderGmail, "primary", "")
	require.NoError(t, err)
	assert.Equal(t, store.ModeIncremental, run.Mode)
	assert.Equal(t, store.StatusCompleted, run.Status)

	cursor, err := st.LoadCursor(context.Background(), "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "cur-1", cursor)
}

func TestSyncPaginatesUntilDone(t *testing.T) {
	prov := &scriptedProvider{}
	prov.list = func(_ context.Context, _, _, pageToken string) (*ChangePage, error) {
		switch pageToken {
		case "":
			return &ChangePage{Items: items("a", "b"), NextPageToken: "p2"}, nil
		case "p2":
			return &ChangePage{Items: items("c"), NextCursor: "cur-done"}, nil
		default:
			return nil, fmt.Errorf("unexpected page token %q", pageToken)
		}
	}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 0)

	run, err := orch.SyncResource(context.Background(), "acct-1", ProviderGmail, "primary", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.ItemCount)
	assert.Equal(t, 2, prov.callCount())

	cursor, err := st.LoadCursor(context.Background(), "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "cur-done", cursor)
}

func TestCursorUntouchedOnPageFailure(t *testing.T) {
	prov := &scriptedProvider{}
	prov.list = func(_ context.Context, _, _, pageToken string) (*ChangePage, error) {
		if pageToken == "" {
			return &ChangePage{Items: items("a"), NextPageToken: "p2"}, nil
		}
		return nil, errors.New("upstream 503")
	}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 0)
	require.NoError(t, st.SaveCursor(context.Background(), "acct-1", "gmail", "primary", "cur-0"))

	run, err := orch.SyncResource(context.Background(), "acct-1", ProviderGmail, "primary", "")
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.StatusFailed, run.Status)

	// The failed run must not advance the cursor; the next attempt
	// retries from the last known-good point.
	cursor, err := st.LoadCursor(context.Background(), "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "cur-0", cursor)
}

func TestInvalidCursorFallsBackToFullOnce(t *testing.T) {
	prov := &scriptedProvider{}
	prov.list = func(_ context.Context, _, cursor, _ string) (*ChangePage, error) {
		if cursor == "stale" {
			return nil, fmt.Errorf("%w: token expired upstream", ErrCursorInvalid)
		}
		return &ChangePage{Items: items("a", "b", "c"), NextCursor: "fresh"}, nil
	}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveCursor(ctx, "acct-1", "gmail", "primary", "stale"))

	run, err := orch.SyncResource(ctx, "acct-1", ProviderGmail, "primary", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.ItemCount)
	assert.Equal(t, 2, prov.callCount(), "one incremental attempt plus one full fallback")

	// The run record reflects the forced mode change.
	rec, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeFull, rec.Mode)

	cursor, err := st.LoadCursor(ctx, "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cursor)
}

func TestInvalidCursorFallbackIsBounded(t *testing.T) {
	prov := &scriptedProvider{list: func(context.Context, string, string, string) (*ChangePage, error) {
		return nil, fmt.Errorf("%w: always", ErrCursorInvalid)
	}}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveCursor(ctx, "acct-1", "gmail", "primary", "stale"))

	run, err := orch.SyncResource(ctx, "acct-1", ProviderGmail, "primary", "")
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Equal(t, 2, prov.callCount(), "the fallback must not recurse")
}

func TestItemFailuresAreIsolated(t *testing.T) {
	all := make([]string, 0, 50)
	for i := 1; i <= 50; i++ {
		all = append(all, fmt.Sprintf("item-%d", i))
	}

	prov := &scriptedProvider{}
	prov.list = func(_ context.Context, _, _, pageToken string) (*ChangePage, error) {
		if pageToken == "" {
			return &ChangePage{Items: items(all[:30]...), NextPageToken: "p2"}, nil
		}
		return &ChangePage{Items: items(all[30:]...), NextCursor: "cur-1"}, nil
	}
	applier := &recordingApplier{fail: map[string]error{
		"item-37": Retryable(errors.New("disk full")),
		"item-12": errors.New("malformed payload"),
	}}
	orch, st := newTestOrchestrator(t, prov, applier, 0)

	run, err := orch.SyncResource(context.Background(), "acct-1", ProviderGmail, "primary", "")
	require.NoError(t, err, "item failures do not fail the run")
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, 48, run.ItemCount)
	assert.Equal(t, 48, applier.count())

	require.Len(t, run.Errors, 2)
	byID := map[string]store.ItemError{}
	for _, e := range run.Errors {
		byID[e.ItemID] = e
	}
	assert.True(t, byID["item-37"].Retryable)
	assert.False(t, byID["item-12"].Retryable)

	// Partial failure still commits the cursor.
	cursor, err := st.LoadCursor(context.Background(), "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "cur-1", cursor)
}

func TestSyncNotConnected(t *testing.T) {
	prov := &scriptedProvider{list: func(context.Context, string, string, string) (*ChangePage, error) {
		t.Fatal("provider must not be called without a credential")
		return nil, nil
	}}
	orch, _ := newTestOrchestrator(t, prov, &recordingApplier{}, 0)

	run, err := orch.SyncResource(context.Background(), "acct-2", ProviderGmail, "primary", "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, run)
}

func TestRunBudgetExpiry(t *testing.T) {
	prov := &scriptedProvider{list: func(ctx context.Context, _, _, _ string) (*ChangePage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	applier := &recordingApplier{}
	orch, st := newTestOrchestrator(t, prov, applier, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, st.SaveCursor(ctx, "acct-1", "gmail", "primary", "cur-0"))

	run, err := orch.SyncResource(ctx, "acct-1", ProviderGmail, "primary", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, run)

	// Finalization runs on a fresh context, so the budget-killed run
	// still reaches a terminal record.
	rec, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	require.NotNil(t, rec.EndedAt)

	cursor, err := st.LoadCursor(ctx, "acct-1", "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, "cur-0", cursor)
}
