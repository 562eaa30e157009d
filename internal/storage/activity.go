package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActivityEntry is one dispatched wallet request.
type ActivityEntry struct {
	ID           string
	ConnectionID string
	Method       string
	ResultCode   string // empty on success, NIP-47 error code otherwise
	AmountMsat   int64
	CreatedAt    time.Time
}

// ActivityLog records dispatched requests per connection for the activity
// view. Failures to record never fail the request that triggered them;
// callers log and move on.
type ActivityLog struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActivityLog creates an activity log over an already-migrated database.
func NewActivityLog(db *sql.DB, logger *zap.Logger) *ActivityLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityLog{db: db, logger: logger}
}

// Record appends one entry. A zero CreatedAt is set to now; a missing ID
// is generated.
func (a *ActivityLog) Record(entry ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.Exec(`
		INSERT INTO nwc_activity (id, connection_id, method, result_code, amount_msat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.ConnectionID,
		entry.Method,
		entry.ResultCode,
		entry.AmountMsat,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record activity for %s: %w", entry.ConnectionID, err)
	}
	return nil
}

// ListByConnection returns the newest entries for one connection, newest
// first, capped at limit (default 100).
func (a *ActivityLog) ListByConnection(connectionID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.db.Query(`
		SELECT id, connection_id, method, result_code, amount_msat, created_at
		FROM nwc_activity
		WHERE connection_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity for %s: %w", connectionID, err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var entry ActivityEntry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.ConnectionID, &entry.Method,
			&entry.ResultCode, &entry.AmountMsat, &createdAt); err != nil {
			a.logger.Warn("corrupted activity row", zap.Error(err))
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			a.logger.Warn("corrupted activity timestamp",
				zap.String("id", entry.ID),
				zap.Error(err),
			)
			continue
		}
		entry.CreatedAt = parsed
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return out, nil
}

// DeleteByConnection removes all activity for a deleted connection.
func (a *ActivityLog) DeleteByConnection(connectionID string) error {
	if _, err := a.db.Exec(`DELETE FROM nwc_activity WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("delete activity for %s: %w", connectionID, err)
	}
	return nil
}
