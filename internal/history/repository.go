package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rlanyon/farmhub/internal/device"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Entry is a single recorded state transition.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// UDID identifies the device.
	UDID string `json:"udid"`

	// State is the state the device transitioned to.
	State device.State `json:"state"`

	// PreviousState is the state the device left. Empty for a device
	// seen for the first time.
	PreviousState device.State `json:"previous_state"`

	// RecordedAt is when the transition was observed (UTC).
	RecordedAt time.Time `json:"recorded_at"`
}

// Repository stores and retrieves device state transitions in SQLite.
// It implements the control center's transition recorder.
//
// All methods are safe for concurrent use.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over an open SQLite connection.
// The device_state_history table must exist; migrations create it.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordTransition appends one state transition.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - udid: Unique device identifier
//   - from: State the device left (empty for first sighting)
//   - to: State the device entered
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *Repository) RecordTransition(ctx context.Context, udid string, from, to device.State) error {
	if udid == "" {
		return fmt.Errorf("device udid is required")
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO device_state_history (udid, state, previous_state, recorded_at) VALUES (?, ?, ?, ?)",
		udid,
		string(to),
		string(from),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting state transition: %w", err)
	}
	return nil
}

// History returns recent transitions for a device, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - udid: Unique device identifier
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Entry: Transitions ordered by recorded_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *Repository) History(ctx context.Context, udid string, limit int) ([]Entry, error) {
	if udid == "" {
		return nil, fmt.Errorf("device udid is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, udid, state, previous_state, recorded_at
		 FROM device_state_history
		 WHERE udid = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		udid,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var state, previous string
		var recordedAt int64

		if err := rows.Scan(&entry.ID, &entry.UDID, &state, &previous, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		entry.State = device.State(state)
		entry.PreviousState = device.State(previous)
		entry.RecordedAt = time.UnixMilli(recordedAt).UTC()

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes transitions older than the given retention window.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Retention window (entries older than now-olderThan go)
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM device_state_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return deleted, nil
}
