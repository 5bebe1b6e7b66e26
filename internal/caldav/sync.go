package caldav

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/familyhub/internal/db"
	"github.com/macjediwizard/familyhub/internal/ics"
)

const defaultSeriesConcurrency = 4

// MappingStore persists the (event, account) to remote UID mapping.
type MappingStore interface {
	InsertEventSync(eventID, accountID, uid string) error
	UpdateEventSyncUID(eventID, accountID, uid string) error
	DeleteEventSync(eventID, accountID string) error
	GetEventSync(eventID, accountID string) (*db.EventSync, error)
	ListEventSyncsByEvent(eventID string) ([]*db.EventSync, error)
	ListEventSyncsByAccount(accountID string) ([]*db.EventSync, error)
	ListPendingEventSyncs(limit int) ([]*db.EventSync, error)
}

// Store is everything the Coordinator reads and writes locally. *db.DB satisfies it.
type Store interface {
	MappingStore
	GetSyncAccount(id string) (*db.SyncAccount, error)
	SetSyncAccountCalendar(id, calendarURL, calendarName string) error
	GetCalendarEvent(id string) (*db.CalendarEvent, error)
	CreateSyncLog(log *db.SyncLog) error
}

// Transport performs the remote operations. *Client satisfies it.
type Transport interface {
	Discoverer
	PutEvent(ctx context.Context, creds Credentials, collectionURL, uid string, data []byte) error
	DeleteEvent(ctx context.Context, creds Credentials, collectionURL, uid string) error
}

// Alerter is told about accounts that cannot sync until the user fixes them.
type Alerter interface {
	AccountNeedsAttention(accountID, accountName string, err error)
}

// Outcome is the result of one remote action for one account.
type Outcome struct {
	AccountID string        `json:"account_id"`
	Action    db.SyncAction `json:"action"`
	UID       string        `json:"uid,omitempty"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SyncReport collects the per-account outcomes of one operation on one event.
type SyncReport struct {
	EventID  string        `json:"event_id"`
	Outcomes []Outcome     `json:"outcomes"`
	Duration time.Duration `json:"duration"`
}

// Outcome returns the outcome recorded for accountID, if any.
func (r *SyncReport) Outcome(accountID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.AccountID == accountID {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failed returns the ids of accounts whose action did not succeed.
func (r *SyncReport) Failed() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if !o.Success && !o.Skipped {
			ids = append(ids, o.AccountID)
		}
	}
	return ids
}

// Count returns how many outcomes succeeded for action.
func (r *SyncReport) Count(action db.SyncAction) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == action && o.Success {
			n++
		}
	}
	return n
}

func (r *SyncReport) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// EventMappings is a snapshot of an event's mapping rows taken before the
// event is deleted locally.
type EventMappings struct {
	EventID  string
	Mappings []*db.EventSync
}

// Coordinator keeps remote calendars in step with local events.
type Coordinator struct {
	store             Store
	transport         Transport
	cache             *ConnectionCache
	encoder           *ics.Encoder
	alerter           Alerter
	newUID            func() string
	seriesConcurrency int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAlerter reports accounts that need user attention.
func WithAlerter(a Alerter) Option {
	return func(co *Coordinator) { co.alerter = a }
}

// WithSeriesConcurrency bounds how many series members sync at once.
func WithSeriesConcurrency(n int) Option {
	return func(co *Coordinator) {
		if n > 0 {
			co.seriesConcurrency = n
		}
	}
}

// WithUIDGenerator replaces the UUID generator used for new remote objects.
func WithUIDGenerator(fn func() string) Option {
	return func(co *Coordinator) { co.newUID = fn }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, transport Transport, encoder *ics.Encoder, opts ...Option) *Coordinator {
	if encoder == nil {
		encoder = ics.NewEncoder("")
	}
	co := &Coordinator{
		store:             store,
		transport:         transport,
		cache:             NewConnectionCache(transport),
		encoder:           encoder,
		newUID:            func() string { return uuid.New().String() },
		seriesConcurrency: defaultSeriesConcurrency,
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Cache exposes the connection cache.
func (co *Coordinator) Cache() *ConnectionCache {
	return co.cache
}

// InvalidateAccount forgets the cached connection for an account.
func (co *Coordinator) InvalidateAccount(accountID string) {
	co.cache.Invalidate(accountID)
}

// SyncCreate creates the event on every target account. A failure on one
// account leaves its mapping row pending and does not affect the others.
func (co *Coordinator) SyncCreate(ctx context.Context, event *db.CalendarEvent, accountIDs []string) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{EventID: event.ID}

	for _, accountID := range dedupe(accountIDs) {
		outcome, err := co.create(ctx, event, accountID, nil)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// SyncUpdate re-uploads the event to every account it is mapped to. Rows that
// were never created remotely are created now.
func (co *Coordinator) SyncUpdate(ctx context.Context, event *db.CalendarEvent) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{EventID: event.ID}

	rows, err := co.store.ListEventSyncsByEvent(event.ID)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}

	for _, row := range rows {
		outcome, err := co.refresh(ctx, event, row)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// SyncDelete removes the remote object for each supplied mapping row and then
// the row itself. The rows must be read before the local event is deleted.
func (co *Coordinator) SyncDelete(ctx context.Context, eventID string, mappings []*db.EventSync) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{EventID: eventID}

	for _, row := range mappings {
		outcome, err := co.remove(ctx, eventID, row)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// SyncDiff reconciles the event's mapped accounts with desired: new accounts
// are created, dropped ones deleted and retained ones updated. All three sets
// come from one read of the mapping rows.
func (co *Coordinator) SyncDiff(ctx context.Context, event *db.CalendarEvent, desired []string) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{EventID: event.ID}

	rows, err := co.store.ListEventSyncsByEvent(event.ID)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}

	plan := planDiff(rows, desired)

	for _, row := range plan.removals {
		outcome, err := co.remove(ctx, event.ID, row)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	for _, accountID := range plan.additions {
		outcome, err := co.create(ctx, event, accountID, nil)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	for _, row := range plan.retained {
		outcome, err := co.refresh(ctx, event, row)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// diffPlan is the three-way split computed by SyncDiff.
type diffPlan struct {
	additions []string
	removals  []*db.EventSync
	retained  []*db.EventSync
}

func planDiff(rows []*db.EventSync, desired []string) diffPlan {
	want := make(map[string]bool, len(desired))
	for _, id := range desired {
		want[id] = true
	}

	var plan diffPlan
	have := make(map[string]bool, len(rows))
	for _, row := range rows {
		have[row.AccountID] = true
		if want[row.AccountID] {
			plan.retained = append(plan.retained, row)
		} else {
			plan.removals = append(plan.removals, row)
		}
	}

	for _, id := range dedupe(desired) {
		if !have[id] {
			plan.additions = append(plan.additions, id)
		}
	}

	return plan
}

// SyncCreateSeries runs SyncCreate for every member of a series.
func (co *Coordinator) SyncCreateSeries(ctx context.Context, events []*db.CalendarEvent, accountIDs []string) ([]*SyncReport, error) {
	return co.eachEvent(ctx, events, func(ctx context.Context, event *db.CalendarEvent) (*SyncReport, error) {
		return co.SyncCreate(ctx, event, accountIDs)
	})
}

// SyncUpdateSeries runs SyncUpdate for every member of a series.
func (co *Coordinator) SyncUpdateSeries(ctx context.Context, events []*db.CalendarEvent) ([]*SyncReport, error) {
	return co.eachEvent(ctx, events, co.SyncUpdate)
}

// SyncDiffSeries runs SyncDiff for every member of a series.
func (co *Coordinator) SyncDiffSeries(ctx context.Context, events []*db.CalendarEvent, desired []string) ([]*SyncReport, error) {
	return co.eachEvent(ctx, events, func(ctx context.Context, event *db.CalendarEvent) (*SyncReport, error) {
		return co.SyncDiff(ctx, event, desired)
	})
}

// SyncDeleteSeries runs SyncDelete for every captured member of a series.
func (co *Coordinator) SyncDeleteSeries(ctx context.Context, snapshots []EventMappings) ([]*SyncReport, error) {
	reports := make([]*SyncReport, len(snapshots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(co.seriesConcurrency)

	for i, snap := range snapshots {
		g.Go(func() error {
			report, err := co.SyncDelete(gctx, snap.EventID, snap.Mappings)
			reports[i] = report
			return err
		})
	}

	return reports, g.Wait()
}

// eachEvent fans fn out over events. Members are independent; only a store
// failure stops the rest.
func (co *Coordinator) eachEvent(ctx context.Context, events []*db.CalendarEvent, fn func(context.Context, *db.CalendarEvent) (*SyncReport, error)) ([]*SyncReport, error) {
	reports := make([]*SyncReport, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(co.seriesConcurrency)

	for i, event := range events {
		g.Go(func() error {
			report, err := fn(gctx, event)
			reports[i] = report
			return err
		})
	}

	return reports, g.Wait()
}

// RepairTarget is an event with pending mapping rows and the key its
// background work is serialized on.
type RepairTarget struct {
	EventID string
	Key     string
}

// PendingRepairs returns the distinct events that have at least one mapping
// row whose remote object was never created, scanning at most limit rows.
// Events deleted since the scan are dropped.
func (co *Coordinator) PendingRepairs(limit int) ([]RepairTarget, error) {
	rows, err := co.store.ListPendingEventSyncs(limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	seen := make(map[string]bool)
	var targets []RepairTarget
	for _, row := range rows {
		if seen[row.EventID] {
			continue
		}
		seen[row.EventID] = true

		event, err := co.store.GetCalendarEvent(row.EventID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
		targets = append(targets, RepairTarget{EventID: event.ID, Key: event.SyncKey()})
	}
	return targets, nil
}

// RepairEvent retries creation for the event's pending mapping rows. Rows that
// already carry a UID are left alone.
func (co *Coordinator) RepairEvent(ctx context.Context, eventID string) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{EventID: eventID}

	event, err := co.store.GetCalendarEvent(eventID)
	if errors.Is(err, db.ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}

	rows, err := co.store.ListEventSyncsByEvent(eventID)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}

	for _, row := range rows {
		if !row.Pending() {
			continue
		}
		outcome, err := co.create(ctx, event, row.AccountID, row)
		if err != nil {
			return report, err
		}
		report.add(outcome)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// TestAccount forces rediscovery for a stored account and, on success,
// persists and caches the resolved calendar.
func (co *Coordinator) TestAccount(ctx context.Context, accountID string) (*ConnectionStatus, error) {
	account, err := co.store.GetSyncAccount(accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	co.cache.Invalidate(accountID)

	col, _, err := co.cache.GetOrCreate(ctx, accountID, credentialsOf(account))
	if err != nil {
		co.alert(account, err)
		return &ConnectionStatus{Connected: false, Error: describeError(err)}, nil
	}

	if err := co.store.SetSyncAccountCalendar(accountID, col.URL, col.Name); err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	return &ConnectionStatus{Connected: true, CalendarName: col.Name, CalendarURL: col.URL}, nil
}

// PurgeAccount deletes the remote objects of an account that has already
// been removed locally. account and mappings must be captured beforehand.
func (co *Coordinator) PurgeAccount(ctx context.Context, account *db.SyncAccount, mappings []*db.EventSync) *SyncReport {
	start := time.Now()
	report := &SyncReport{}

	for _, row := range mappings {
		if row.Pending() {
			continue
		}
		err := co.withConnection(ctx, account, func(collectionURL string) error {
			return co.transport.DeleteEvent(ctx, credentialsOf(account), collectionURL, row.ICalUID)
		})
		report.add(co.finish(account.ID, row.EventID, db.SyncActionDelete, row.ICalUID, err, start))
	}

	co.cache.Invalidate(account.ID)
	report.Duration = time.Since(start)
	return report
}

// create uploads the event to one account under a fresh UID. existing is the
// pending row when one is already known; otherwise the row is inserted first
// so the intent survives a crash mid-request.
func (co *Coordinator) create(ctx context.Context, event *db.CalendarEvent, accountID string, existing *db.EventSync) (Outcome, error) {
	start := time.Now()

	account, outcome, err := co.loadAccount(accountID, db.SyncActionCreate)
	if account == nil {
		return outcome, err
	}

	if existing == nil {
		err := co.store.InsertEventSync(event.ID, accountID, "")
		switch {
		case errors.Is(err, db.ErrDuplicate):
			row, err := co.store.GetEventSync(event.ID, accountID)
			if err != nil {
				return Outcome{}, fmt.Errorf("%w: %w", ErrStore, err)
			}
			if !row.Pending() {
				return co.update(ctx, event, account, row), nil
			}
		case errors.Is(err, db.ErrNotFound):
			// The event was deleted locally before sync ran.
			return Outcome{AccountID: accountID, Action: db.SyncActionCreate, Skipped: true, Error: "event no longer exists"}, nil
		case err != nil:
			return Outcome{}, fmt.Errorf("%w: %w", ErrStore, err)
		}
	}

	uid := co.newUID()
	data, err := co.encoder.Encode(uid, eventData(event))
	if err != nil {
		return co.finish(accountID, event.ID, db.SyncActionCreate, "", err, start), nil
	}

	err = co.withConnection(ctx, account, func(collectionURL string) error {
		return co.transport.PutEvent(ctx, credentialsOf(account), collectionURL, uid, data)
	})
	if err != nil {
		co.alert(account, err)
		return co.finish(accountID, event.ID, db.SyncActionCreate, "", err, start), nil
	}

	if err := co.store.UpdateEventSyncUID(event.ID, accountID, uid); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// The row cascaded away with its event while the PUT was in flight.
			// Nothing local refers to the new object, so take it back down.
			log.Printf("[sync] event %s vanished during create on account %s, removing remote object %s", event.ID, accountID, uid)
			delErr := co.withConnection(ctx, account, func(collectionURL string) error {
				return co.transport.DeleteEvent(ctx, credentialsOf(account), collectionURL, uid)
			})
			return co.finish(accountID, event.ID, db.SyncActionDelete, uid, delErr, start), nil
		}
		return Outcome{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	return co.finish(accountID, event.ID, db.SyncActionCreate, uid, nil, start), nil
}

// refresh brings one mapped account up to date: pending rows are created,
// others re-uploaded under their existing UID.
func (co *Coordinator) refresh(ctx context.Context, event *db.CalendarEvent, row *db.EventSync) (Outcome, error) {
	if row.Pending() {
		return co.create(ctx, event, row.AccountID, row)
	}

	account, outcome, err := co.loadAccount(row.AccountID, db.SyncActionUpdate)
	if account == nil {
		return outcome, err
	}
	return co.update(ctx, event, account, row), nil
}

// update re-uploads the event under the row's UID. A failure keeps the
// mapping so the next sync retries the same resource.
func (co *Coordinator) update(ctx context.Context, event *db.CalendarEvent, account *db.SyncAccount, row *db.EventSync) Outcome {
	start := time.Now()

	data, err := co.encoder.Encode(row.ICalUID, eventData(event))
	if err != nil {
		return co.finish(account.ID, event.ID, db.SyncActionUpdate, row.ICalUID, err, start)
	}

	err = co.withConnection(ctx, account, func(collectionURL string) error {
		return co.transport.PutEvent(ctx, credentialsOf(account), collectionURL, row.ICalUID, data)
	})
	if err != nil {
		co.alert(account, err)
	}
	return co.finish(account.ID, event.ID, db.SyncActionUpdate, row.ICalUID, err, start)
}

// remove deletes one mapped remote object and then its row. Pending rows have
// nothing remote and are dropped directly. A failed delete keeps the row.
func (co *Coordinator) remove(ctx context.Context, eventID string, row *db.EventSync) (Outcome, error) {
	start := time.Now()

	if !row.Pending() {
		account, outcome, err := co.loadAccount(row.AccountID, db.SyncActionDelete)
		if account == nil {
			if err == nil {
				// Account is gone; its rows cascaded with it.
				if delErr := co.store.DeleteEventSync(eventID, row.AccountID); delErr != nil {
					return Outcome{}, fmt.Errorf("%w: %w", ErrStore, delErr)
				}
			}
			return outcome, err
		}

		err = co.withConnection(ctx, account, func(collectionURL string) error {
			return co.transport.DeleteEvent(ctx, credentialsOf(account), collectionURL, row.ICalUID)
		})
		if err != nil {
			co.alert(account, err)
			return co.finish(row.AccountID, eventID, db.SyncActionDelete, row.ICalUID, err, start), nil
		}
	}

	if err := co.store.DeleteEventSync(eventID, row.AccountID); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	if row.Pending() {
		return Outcome{AccountID: row.AccountID, Action: db.SyncActionDelete, Success: true}, nil
	}
	return co.finish(row.AccountID, eventID, db.SyncActionDelete, row.ICalUID, nil, start), nil
}

// loadAccount returns the account, or a skipped outcome when it no longer
// exists, or a store error.
func (co *Coordinator) loadAccount(accountID string, action db.SyncAction) (*db.SyncAccount, Outcome, error) {
	account, err := co.store.GetSyncAccount(accountID)
	if errors.Is(err, db.ErrNotFound) {
		log.Printf("[sync] skipping unknown account %s", accountID)
		return nil, Outcome{AccountID: accountID, Action: action, Skipped: true, Error: "account no longer exists"}, nil
	}
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return account, Outcome{}, nil
}

// withConnection runs fn against the account's collection. On a transport
// failure the cached connection is dropped, the collection rediscovered and
// fn retried once.
func (co *Coordinator) withConnection(ctx context.Context, account *db.SyncAccount, fn func(collectionURL string) error) error {
	attempt := func(rediscover bool) error {
		collectionURL, err := co.collectionFor(ctx, account, rediscover)
		if err != nil {
			return err
		}
		return fn(collectionURL)
	}

	err := attempt(false)
	if err == nil || !errors.Is(err, ErrTransport) {
		return err
	}

	log.Printf("[sync] transport error for account %s, rediscovering: %v", account.ID, err)
	co.cache.Invalidate(account.ID)
	return attempt(true)
}

// collectionFor resolves the account's collection from the cache, then the
// persisted row, then discovery. rediscover skips the persisted row.
func (co *Coordinator) collectionFor(ctx context.Context, account *db.SyncAccount, rediscover bool) (string, error) {
	if col, ok := co.cache.Get(account.ID); ok {
		return col.URL, nil
	}

	if !rediscover && account.CalendarURL != "" {
		co.cache.Set(account.ID, Collection{URL: account.CalendarURL, Name: account.CalendarName})
		return account.CalendarURL, nil
	}

	col, discovered, err := co.cache.GetOrCreate(ctx, account.ID, credentialsOf(account))
	if err != nil {
		return "", err
	}

	if discovered && col.URL != account.CalendarURL {
		if err := co.store.SetSyncAccountCalendar(account.ID, col.URL, col.Name); err != nil {
			log.Printf("[sync] failed to persist calendar for account %s: %v", account.ID, err)
		}
	}

	return col.URL, nil
}

// finish logs and records one outcome.
func (co *Coordinator) finish(accountID, eventID string, action db.SyncAction, uid string, err error, start time.Time) Outcome {
	outcome := Outcome{AccountID: accountID, Action: action, UID: uid, Success: err == nil}
	entry := &db.SyncLog{
		AccountID: accountID,
		EventID:   eventID,
		Action:    action,
		Status:    db.SyncStatusSuccess,
		Duration:  time.Since(start),
	}

	if err != nil {
		outcome.Error = err.Error()
		entry.Status = db.SyncStatusError
		entry.Message = truncateBody([]byte(err.Error()))
		log.Printf("[sync] %s of event %s on account %s failed: %v", action, eventID, accountID, err)
	}

	if logErr := co.store.CreateSyncLog(entry); logErr != nil && !errors.Is(logErr, db.ErrNotFound) {
		log.Printf("[sync] failed to write sync log: %v", logErr)
	}

	return outcome
}

func (co *Coordinator) alert(account *db.SyncAccount, err error) {
	if co.alerter != nil && NeedsAttention(err) {
		co.alerter.AccountNeedsAttention(account.ID, account.Name, err)
	}
}

func credentialsOf(account *db.SyncAccount) Credentials {
	return Credentials{Email: account.Email, Password: account.AppPassword}
}

func eventData(event *db.CalendarEvent) *ics.EventData {
	return &ics.EventData{
		Title:       event.Title,
		Description: event.Description,
		Date:        event.Date,
		Time:        event.Time,
		EndDate:     event.EndDate,
		EndTime:     event.EndTime,
		AllDay:      event.AllDay,
		Color:       event.Color,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
