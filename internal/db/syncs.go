package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertEventSync records the intent to sync an event to an account. An empty
// uid stores NULL, marking the remote object as not yet created.
func (db *DB) InsertEventSync(eventID, accountID, uid string) error {
	now := time.Now().UTC()

	query := `INSERT INTO event_account_syncs (event_id, account_id, ical_uid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, eventID, accountID, nullString(uid), now, now)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert event sync: %w", err)
	}

	return nil
}

// UpdateEventSyncUID stores the remote UID once the object exists remotely.
func (db *DB) UpdateEventSyncUID(eventID, accountID, uid string) error {
	query := `UPDATE event_account_syncs SET ical_uid = ?, updated_at = ? WHERE event_id = ? AND account_id = ?`

	result, err := db.conn.Exec(query, nullString(uid), time.Now().UTC(), eventID, accountID)
	if err != nil {
		return fmt.Errorf("failed to update event sync: %w", err)
	}

	return requireAffected(result)
}

// DeleteEventSync removes a mapping row. Deleting an absent row is not an error.
func (db *DB) DeleteEventSync(eventID, accountID string) error {
	_, err := db.conn.Exec(`DELETE FROM event_account_syncs WHERE event_id = ? AND account_id = ?`, eventID, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete event sync: %w", err)
	}
	return nil
}

// GetEventSync returns the mapping row for one (event, account) pair.
func (db *DB) GetEventSync(eventID, accountID string) (*EventSync, error) {
	query := `SELECT event_id, account_id, ical_uid, created_at, updated_at
		FROM event_account_syncs WHERE event_id = ? AND account_id = ?`
	return scanEventSync(db.conn.QueryRow(query, eventID, accountID))
}

// ListEventSyncsByEvent returns every mapping row for an event.
func (db *DB) ListEventSyncsByEvent(eventID string) ([]*EventSync, error) {
	query := `SELECT event_id, account_id, ical_uid, created_at, updated_at
		FROM event_account_syncs WHERE event_id = ? ORDER BY created_at`
	return db.queryEventSyncs(query, eventID)
}

// ListEventSyncsByAccount returns every mapping row for an account.
func (db *DB) ListEventSyncsByAccount(accountID string) ([]*EventSync, error) {
	query := `SELECT event_id, account_id, ical_uid, created_at, updated_at
		FROM event_account_syncs WHERE account_id = ? ORDER BY created_at`
	return db.queryEventSyncs(query, accountID)
}

// ListPendingEventSyncs returns up to limit rows whose remote object was never
// created, oldest first.
func (db *DB) ListPendingEventSyncs(limit int) ([]*EventSync, error) {
	query := `SELECT event_id, account_id, ical_uid, created_at, updated_at
		FROM event_account_syncs WHERE ical_uid IS NULL ORDER BY updated_at LIMIT ?`
	return db.queryEventSyncs(query, limit)
}

func scanEventSync(row rowScanner) (*EventSync, error) {
	s := &EventSync{}
	var uid sql.NullString

	err := row.Scan(&s.EventID, &s.AccountID, &uid, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event sync: %w", err)
	}

	s.ICalUID = uid.String
	return s, nil
}

func (db *DB) queryEventSyncs(query string, args ...any) ([]*EventSync, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event syncs: %w", err)
	}
	defer rows.Close()

	var syncs []*EventSync
	for rows.Next() {
		s, err := scanEventSync(rows)
		if err != nil {
			return nil, err
		}
		syncs = append(syncs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event syncs: %w", err)
	}

	return syncs, nil
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, account_id, event_id, action, status, message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.AccountID, log.EventID, log.Action, log.Status,
		nullString(log.Message), log.Duration.Milliseconds(), log.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the newest sync logs, for one account or for all
// accounts when accountID is empty.
func (db *DB) GetSyncLogs(accountID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, account_id, event_id, action, status, message, duration_ms, created_at
		FROM sync_logs WHERE (? = '' OR account_id = ?) ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message sql.NullString
		var durationMs int64
		err := rows.Scan(&log.ID, &log.AccountID, &log.EventID, &log.Action, &log.Status,
			&message, &durationMs, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}
