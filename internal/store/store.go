package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run modes and statuses for sync runs.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"

	StatusStarted    = "STARTED"
	StatusFetching   = "FETCHING"
	StatusApplying   = "APPLYING"
	StatusFinalizing = "FINALIZING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Credential is one stored OAuth connection per (account, provider).
// Token fields hold vault ciphertext, never plaintext. When Active is
// false the token fields must not be trusted even if populated.
type Credential struct {
	AccountID         string
	Provider          string
	AccessCipher      string
	RefreshCipher     string
	Expiry            *time.Time
	Scope             string
	ExternalAccountID string
	Active            bool
	LastConnectedAt   time.Time
	UpdatedAt         time.Time
}

// ItemError records one per-item failure inside a sync run.
type ItemError struct {
	ItemID    string `json:"item_id"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SyncRun is the append-only record of one sync attempt.
type SyncRun struct {
	ID        string
	AccountID string
	Provider  string
	Resource  string
	Mode      string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	ItemCount int
	Errors    []ItemError
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	account_id          TEXT NOT NULL,
	provider            TEXT NOT NULL,
	access_cipher       TEXT NOT NULL DEFAULT '',
	refresh_cipher      TEXT NOT NULL DEFAULT '',
	expiry              INTEGER,
	scope               TEXT NOT NULL DEFAULT '',
	external_account_id TEXT NOT NULL DEFAULT '',
	active              INTEGER NOT NULL DEFAULT 1,
	last_connected_at   INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	PRIMARY KEY (account_id, provider)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	account_id TEXT NOT NULL,
	provider   TEXT NOT NULL,
	resource   TEXT NOT NULL,
	cursor     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, provider, resource)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	resource    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	item_count  INTEGER NOT NULL DEFAULT 0,
	errors_json TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_triple
	ON sync_runs (account_id, provider, resource, started_at);
`

// Store is the control-plane database: credential records, sync cursors
// and the sync run log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the control database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetCredential returns the credential record for (account, provider),
// or nil when no record exists.
func (s *Store) GetCredential(ctx context.Context, accountID, provider string) (*Credential, error) {
	var (
		c      Credential
		expiry sql.NullInt64
		active int
		last   int64
		upd    int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, provider, access_cipher, refresh_cipher, expiry,
		       scope, external_account_id, active, last_connected_at, updated_at
		FROM credentials
		WHERE account_id = ? AND provider = ?
	`, accountID, provider).Scan(
		&c.AccountID, &c.Provider, &c.AccessCipher, &c.RefreshCipher, &expiry,
		&c.Scope, &c.ExternalAccountID, &active, &last, &upd,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if expiry.Valid {
		t := time.Unix(expiry.Int64, 0)
		c.Expiry = &t
	}
	c.Active = active != 0
	c.LastConnectedAt = time.Unix(last, 0)
	c.UpdatedAt = time.Unix(upd, 0)
	return &c, nil
}

// UpsertCredential writes the credential record in a single atomic
// statement. Re-connecting an account overwrites tokens in place and
// reactivates the record.
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	var expiry interface{}
	if c.Expiry != nil {
		expiry = c.Expiry.Unix()
	}
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials
			(account_id, provider, access_cipher, refresh_cipher, expiry,
			 scope, external_account_id, active, last_connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(account_id, provider) DO UPDATE SET
			access_cipher = excluded.access_cipher,
			refresh_cipher = excluded.refresh_cipher,
			expiry = excluded.expiry,
			scope = excluded.scope,
			external_account_id = excluded.external_account_id,
			active = 1,
			last_connected_at = excluded.last_connected_at,
			updated_at = excluded.updated_at
	`, c.AccountID, c.Provider, c.AccessCipher, c.RefreshCipher, expiry,
		c.Scope, c.ExternalAccountID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// UpdateTokens replaces token material after a refresh, in a single
// atomic statement so a racing sync never sees a half-written pair.
func (s *Store) UpdateTokens(ctx context.Context, accountID, provider, accessCipher, refreshCipher string, expiry *time.Time) error {
	var exp interface{}
	if expiry != nil {
		exp = expiry.Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_cipher = ?, refresh_cipher = ?, expiry = ?, updated_at = ?
		WHERE account_id = ? AND provider = ?
	`, accessCipher, refreshCipher, exp, time.Now().Unix(), accountID, provider)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// DeactivateCredential clears token material and flips the record
// inactive. The row is kept for audit history.
func (s *Store) DeactivateCredential(ctx context.Context, accountID, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_cipher = '', refresh_cipher = '', expiry = NULL,
		    active = 0, updated_at = ?
		WHERE account_id = ? AND provider = ?
	`, time.Now().Unix(), accountID, provider)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}
	return nil
}

// LoadCursor returns the stored cursor for the triple, or "" when no
// cursor exists yet.
func (s *Store) LoadCursor(ctx context.Context, accountID, provider, resource string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor FROM sync_cursors
		WHERE account_id = ? AND provider = ? AND resource = ?
	`, accountID, provider, resource).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor replaces the cursor for the triple in one atomic upsert.
func (s *Store) SaveCursor(ctx context.Context, accountID, provider, resource, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, provider, resource, cursor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider, resource) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, accountID, provider, resource, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ClearCursor drops the cursor for the triple, forcing the next run
// into full mode.
func (s *Store) ClearCursor(ctx context.Context, accountID, provider, resource string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_cursors
		WHERE account_id = ? AND provider = ? AND resource = ?
	`, accountID, provider, resource)
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// ClearCursors drops every cursor for (account, provider). Used on
// disconnect: a cursor without a live credential is useless.
func (s *Store) ClearCursors(ctx context.Context, accountID, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_cursors WHERE account_id = ? AND provider = ?
	`, accountID, provider)
	if err != nil {
		return fmt.Errorf("failed to clear cursors: %w", err)
	}
	return nil
}

// InsertRun records the start of a sync attempt.
func (s *Store) InsertRun(ctx context.Context, r *SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, account_id, provider, resource, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AccountID, r.Provider, r.Resource, r.Mode, r.Status, r.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRunStatus advances a non-terminal run through its states.
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = ? WHERE id = ? AND ended_at IS NULL
	`, status, runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// UpdateRunMode records a mode change, e.g. an incremental run forced
// into full mode after its cursor was rejected.
func (s *Store) UpdateRunMode(ctx context.Context, runID, mode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET mode = ? WHERE id = ? AND ended_at IS NULL
	`, mode, runID)
	if err != nil {
		return fmt.Errorf("failed to update run mode: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal state of a run. The ended_at guard
// makes finalization a one-shot: an already finalized run is left
// untouched.
func (s *Store) FinalizeRun(ctx context.Context, runID, status string, itemCount int, itemErrors []ItemError) error {
	if itemErrors == nil {
		itemErrors = []ItemError{}
	}
	errsJSON, err := json.Marshal(itemErrors)
	if err != nil {
		return fmt.Errorf("failed to encode item errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, ended_at = ?, item_count = ?, errors_json = ?
		WHERE id = ? AND ended_at IS NULL
	`, status, time.Now().Unix(), itemCount, string(errsJSON), runID)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	return nil
}

// GetRun loads one run by id, or nil when unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, provider, resource, mode, status,
		       started_at, ended_at, item_count, errors_json
		FROM sync_runs WHERE id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs for an account, newest first.
// Empty provider/resource act as wildcards.
func (s *Store) ListRuns(ctx context.Context, accountID, provider, resource string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, account_id, provider, resource, mode, status,
		       started_at, ended_at, item_count, errors_json
		FROM sync_runs
		WHERE account_id = ?`
	args := []interface{}{accountID}
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}
	if resource != "" {
		query += " AND resource = ?"
		args = append(args, resource)
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]SyncRun, error) {
	var runs []SyncRun
	for rows.Next() {
		var (
			r       SyncRun
			started int64
			ended   sql.NullInt64
			errsRaw string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Provider, &r.Resource,
			&r.Mode, &r.Status, &started, &ended, &r.ItemCount, &errsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			r.EndedAt = &t
		}
		if err := json.Unmarshal([]byte(errsRaw), &r.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode item errors: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
