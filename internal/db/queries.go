package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateSyncAccount creates a new sync account.
func (db *DB) CreateSyncAccount(account *SyncAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	query := `INSERT INTO sync_accounts (id, name, email, app_password, calendar_url, calendar_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, account.ID, account.Name, account.Email, account.AppPassword,
		nullString(account.CalendarURL), nullString(account.CalendarName), account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create sync account: %w", err)
	}

	return nil
}

const syncAccountColumns = `id, name, email, app_password, calendar_url, calendar_name, created_at, updated_at`

func scanSyncAccount(row rowScanner) (*SyncAccount, error) {
	account := &SyncAccount{}
	var calendarURL, calendarName sql.NullString

	err := row.Scan(&account.ID, &account.Name, &account.Email, &account.AppPassword,
		&calendarURL, &calendarName, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync account: %w", err)
	}

	account.CalendarURL = calendarURL.String
	account.CalendarName = calendarName.String
	return account, nil
}

// GetSyncAccount returns a sync account by its ID.
func (db *DB) GetSyncAccount(id string) (*SyncAccount, error) {
	row := db.conn.QueryRow(`SELECT `+syncAccountColumns+` FROM sync_accounts WHERE id = ?`, id)
	return scanSyncAccount(row)
}

// ListSyncAccounts returns all sync accounts ordered by name.
func (db *DB) ListSyncAccounts() ([]*SyncAccount, error) {
	rows, err := db.conn.Query(`SELECT ` + syncAccountColumns + ` FROM sync_accounts ORDER BY name, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*SyncAccount
	for rows.Next() {
		account, err := scanSyncAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync accounts: %w", err)
	}

	return accounts, nil
}

// UpdateSyncAccount writes every mutable column of the account, including
// the cached calendar collection.
func (db *DB) UpdateSyncAccount(account *SyncAccount) error {
	account.UpdatedAt = time.Now().UTC()

	query := `UPDATE sync_accounts SET name = ?, email = ?, app_password = ?,
		calendar_url = ?, calendar_name = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, account.Name, account.Email, account.AppPassword,
		nullString(account.CalendarURL), nullString(account.CalendarName), account.UpdatedAt, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update sync account: %w", err)
	}

	return requireAffected(result)
}

// SetSyncAccountCalendar persists the discovered calendar collection.
func (db *DB) SetSyncAccountCalendar(id, calendarURL, calendarName string) error {
	query := `UPDATE sync_accounts SET calendar_url = ?, calendar_name = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, nullString(calendarURL), nullString(calendarName), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set sync account calendar: %w", err)
	}

	return requireAffected(result)
}

// DeleteSyncAccount deletes a sync account. Its mapping rows cascade.
func (db *DB) DeleteSyncAccount(id string) error {
	result, err := db.conn.Exec(`DELETE FROM sync_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync account: %w", err)
	}

	return requireAffected(result)
}

// CreateCalendarEvent creates a new calendar event.
func (db *DB) CreateCalendarEvent(event *CalendarEvent) error {
	return createCalendarEvent(db.conn, event)
}

// CreateCalendarEvents inserts a batch of events in one transaction.
func (db *DB) CreateCalendarEvents(events []*CalendarEvent) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, event := range events {
		if err := createCalendarEvent(tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func createCalendarEvent(conn execer, event *CalendarEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt

	query := `INSERT INTO calendar_events (id, title, description, date, time, end_date, end_time,
		all_day, color, recurring_group_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := conn.Exec(query, event.ID, event.Title, nullString(event.Description), event.Date,
		nullString(event.Time), nullString(event.EndDate), nullString(event.EndTime), event.AllDay,
		nullString(event.Color), nullString(event.RecurringGroupID), event.CreatedAt, event.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create calendar event: %w", err)
	}

	return nil
}

const calendarEventColumns = `id, title, description, date, time, end_date, end_time,
	all_day, color, recurring_group_id, created_at, updated_at`

func scanCalendarEvent(row rowScanner) (*CalendarEvent, error) {
	event := &CalendarEvent{}
	var description, clock, endDate, endTime, color, groupID sql.NullString

	err := row.Scan(&event.ID, &event.Title, &description, &event.Date, &clock, &endDate, &endTime,
		&event.AllDay, &color, &groupID, &event.CreatedAt, &event.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar event: %w", err)
	}

	event.Description = description.String
	event.Time = clock.String
	event.EndDate = endDate.String
	event.EndTime = endTime.String
	event.Color = color.String
	event.RecurringGroupID = groupID.String
	return event, nil
}

func (db *DB) queryCalendarEvents(query string, args ...any) ([]*CalendarEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar events: %w", err)
	}
	defer rows.Close()

	var events []*CalendarEvent
	for rows.Next() {
		event, err := scanCalendarEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendar events: %w", err)
	}

	return events, nil
}

// GetCalendarEvent returns a calendar event by its ID.
func (db *DB) GetCalendarEvent(id string) (*CalendarEvent, error) {
	row := db.conn.QueryRow(`SELECT `+calendarEventColumns+` FROM calendar_events WHERE id = ?`, id)
	return scanCalendarEvent(row)
}

// ListCalendarEvents returns events whose start date falls in [from, to).
// Empty bounds are open.
func (db *DB) ListCalendarEvents(from, to string) ([]*CalendarEvent, error) {
	query := `SELECT ` + calendarEventColumns + ` FROM calendar_events
		WHERE (? = '' OR date >= ?) AND (? = '' OR date < ?)
		ORDER BY date, COALESCE(time, '')`
	return db.queryCalendarEvents(query, from, from, to, to)
}

// ListEventsByGroup returns every member of a recurring series in date order.
func (db *DB) ListEventsByGroup(groupID string) ([]*CalendarEvent, error) {
	query := `SELECT ` + calendarEventColumns + ` FROM calendar_events
		WHERE recurring_group_id = ? ORDER BY date`
	return db.queryCalendarEvents(query, groupID)
}

// UpdateCalendarEvent updates an existing calendar event.
func (db *DB) UpdateCalendarEvent(event *CalendarEvent) error {
	event.UpdatedAt = time.Now().UTC()

	query := `UPDATE calendar_events SET title = ?, description = ?, date = ?, time = ?,
		end_date = ?, end_time = ?, all_day = ?, color = ?, recurring_group_id = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, event.Title, nullString(event.Description), event.Date,
		nullString(event.Time), nullString(event.EndDate), nullString(event.EndTime), event.AllDay,
		nullString(event.Color), nullString(event.RecurringGroupID), event.UpdatedAt, event.ID)
	if err != nil {
		return fmt.Errorf("failed to update calendar event: %w", err)
	}

	return requireAffected(result)
}

// DeleteCalendarEvent deletes a calendar event. Its mapping rows cascade, so
// callers that need remote cleanup must read them first.
func (db *DB) DeleteCalendarEvent(id string) error {
	result, err := db.conn.Exec(`DELETE FROM calendar_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete calendar event: %w", err)
	}

	return requireAffected(result)
}

// DeleteEventsByGroup deletes every member of a recurring series.
func (db *DB) DeleteEventsByGroup(groupID string) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM calendar_events WHERE recurring_group_id = ?`, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete event series: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
