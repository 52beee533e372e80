package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	s, err := OpenAccountDB(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleItem(id string) *Item {
	return &Item{
		Provider:   "gmail",
		Resource:   "primary",
		ExternalID: id,
		Kind:       "message",
		Payload:    `{"subject":"hi"}`,
		ModifiedAt: time.Unix(1700000000, 0),
	}
}

func TestUpsertItemAndOutboxAreAtomic(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, sampleItem("msg-1"),
		"account.acct-1.sync.message", "item.upserted", []byte(`{"e":1}`), "msg-id-1"))

	item, err := s.GetItem(ctx, "gmail", "primary", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, `{"subject":"hi"}`, item.Payload)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "account.acct-1.sync.message", msgs[0].Subject)
	assert.Equal(t, []byte(`{"e":1}`), msgs[0].Payload)
	assert.Equal(t, "msg-id-1", msgs[0].MsgID)
}

func TestUpsertItemReplaces(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, sampleItem("msg-1"),
		"subj", "item.upserted", []byte(`{}`), "id-1"))

	updated := sampleItem("msg-1")
	updated.Payload = `{"subject":"edited"}`
	updated.ModifiedAt = time.Unix(1700000500, 0)
	require.NoError(t, s.UpsertItem(ctx, updated,
		"subj", "item.upserted", []byte(`{}`), "id-2"))

	n, err := s.CountItems(ctx, "gmail", "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := s.GetItem(ctx, "gmail", "primary", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, `{"subject":"edited"}`, item.Payload)
	assert.Equal(t, int64(1700000500), item.ModifiedAt.Unix())
}

func TestDeleteItemUnknownCommitsWithoutEvent(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteItem(ctx, "gmail", "primary", "ghost",
		"subj", "item.removed", []byte(`{}`), "id-1"))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetItemMissing(t *testing.T) {
	s := testDB(t)

	item, err := s.GetItem(context.Background(), "gmail", "primary", "nope")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestOutboxPublishLifecycle(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, sampleItem("msg-1"),
		"subj", "item.upserted", []byte(`{"e":1}`), "id-1"))
	require.NoError(t, s.UpsertItem(ctx, sampleItem("msg-2"),
		"subj", "item.upserted", []byte(`{"e":2}`), "id-2"))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Less(t, msgs[0].ID, msgs[1].ID, "outbox drains in insertion order")

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))

	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "id-2", msgs[0].MsgID)
}

func TestOutboxRetryBackoff(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, sampleItem("msg-1"),
		"subj", "item.upserted", []byte(`{}`), "id-1"))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[0].ID, time.Hour))

	// Backed-off messages are not due yet.
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDequeueRespectsLimit(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.UpsertItem(ctx, sampleItem(id),
			"subj", "item.upserted", []byte(`{}`), "id-"+id))
	}

	msgs, err := s.DequeueOutbox(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
