package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-account data-plane database holding the locally
// mirrored items plus the outbox feeding NATS.
type Store struct {
	DB *sql.DB
}

// Item is one locally mirrored provider item.
type Item struct {
	Provider   string
	Resource   string
	ExternalID string
	Kind       string
	Payload    string
	ModifiedAt time.Time
	UpdatedAt  time.Time
}

// OutboxMessage is one pending event to publish.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// OpenAccountDB opens or creates a per-account database.
func OpenAccountDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertItem writes a full-field replacement of the item and queues an
// outbox event in the same transaction. Replaying the same item leaves
// the row in the same state, so redelivered changes are harmless.
func (s *Store) UpsertItem(ctx context.Context, item *Item, subject, eventType string, eventPayload []byte, msgID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO synced_items (provider, resource, external_id, kind, payload, modified_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, resource, external_id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			modified_at = excluded.modified_at,
			updated_at = excluded.updated_at
	`, item.Provider, item.Resource, item.ExternalID, item.Kind, item.Payload,
		item.ModifiedAt.Unix(), now)
	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}

	if err := insertOutbox(ctx, tx, subject, eventType, eventPayload, msgID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteItem removes a mirrored item. A tombstone for an item never
// seen locally is a no-op and queues no event.
func (s *Store) DeleteItem(ctx context.Context, provider, resource, externalID, subject, eventType string, eventPayload []byte, msgID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM synced_items
		WHERE provider = ? AND resource = ? AND external_id = ?
	`, provider, resource, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		if err := insertOutbox(ctx, tx, subject, eventType, eventPayload, msgID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// GetItem loads one mirrored item, or nil when absent.
func (s *Store) GetItem(ctx context.Context, provider, resource, externalID string) (*Item, error) {
	var (
		item     Item
		modified int64
		updated  int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT provider, resource, external_id, kind, payload, modified_at, updated_at
		FROM synced_items
		WHERE provider = ? AND resource = ? AND external_id = ?
	`, provider, resource, externalID).Scan(
		&item.Provider, &item.Resource, &item.ExternalID, &item.Kind,
		&item.Payload, &modified, &updated,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	item.ModifiedAt = time.Unix(modified, 0)
	item.UpdatedAt = time.Unix(updated, 0)
	return &item, nil
}

// CountItems returns the number of mirrored items for a resource.
func (s *Store) CountItems(ctx context.Context, provider, resource string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM synced_items WHERE provider = ? AND resource = ?
	`, provider, resource).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// DequeueOutbox fetches unpublished messages due for delivery.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
