package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/macjediwizard/familyhub/internal/db"
	"github.com/macjediwizard/familyhub/internal/ics"
)

// fakeTransport keeps remote objects in memory, keyed by account email.
type fakeTransport struct {
	mu          sync.Mutex
	objects     map[string]map[string][]byte
	discoveries map[string]int
	putErr      map[string]error
	putFailOnce map[string]error
	deleteErr   map[string]error
	discoverErr map[string]error
	// onPut runs after an object is stored, with the lock held.
	onPut       func(email, uid string)
	puts        []string
	deletes     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		objects:     make(map[string]map[string][]byte),
		discoveries: make(map[string]int),
		putErr:      make(map[string]error),
		putFailOnce: make(map[string]error),
		deleteErr:   make(map[string]error),
		discoverErr: make(map[string]error),
	}
}

func collectionURLFor(email string) string {
	return "https://caldav.example.com/" + email + "/calendars/home/"
}

func (f *fakeTransport) Discover(ctx context.Context, creds Credentials) (*Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discoveries[creds.Email]++
	if err := f.discoverErr[creds.Email]; err != nil {
		return nil, err
	}
	return &Collection{URL: collectionURLFor(creds.Email), Name: "Home"}, nil
}

func (f *fakeTransport) PutEvent(ctx context.Context, creds Credentials, collectionURL, uid string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts = append(f.puts, creds.Email+"/"+uid)
	if err := f.putFailOnce[creds.Email]; err != nil {
		delete(f.putFailOnce, creds.Email)
		return err
	}
	if err := f.putErr[creds.Email]; err != nil {
		return err
	}
	if collectionURL != collectionURLFor(creds.Email) {
		return &TransportError{Method: http.MethodPut, URL: collectionURL, StatusCode: http.StatusNotFound}
	}
	if err := validateEvent(uid, data); err != nil {
		return err
	}
	if f.objects[creds.Email] == nil {
		f.objects[creds.Email] = make(map[string][]byte)
	}
	f.objects[creds.Email][uid] = data
	if f.onPut != nil {
		f.onPut(creds.Email, uid)
	}
	return nil
}

func (f *fakeTransport) DeleteEvent(ctx context.Context, creds Credentials, collectionURL, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes = append(f.deletes, creds.Email+"/"+uid)
	if err := f.deleteErr[creds.Email]; err != nil {
		return err
	}
	delete(f.objects[creds.Email], uid)
	return nil
}

func (f *fakeTransport) objectCount(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects[email])
}

func (f *fakeTransport) has(email, uid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[email][uid]
	return ok
}

func (f *fakeTransport) counts() (puts, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts), len(f.deletes)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = nil
	f.deletes = nil
}

type recordingAlerter struct {
	mu       sync.Mutex
	accounts []string
}

func (a *recordingAlerter) AccountNeedsAttention(accountID, accountName string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = append(a.accounts, accountID)
}

type syncFixture struct {
	db        *db.DB
	transport *fakeTransport
	alerter   *recordingAlerter
	co        *Coordinator
	accounts  map[string]*db.SyncAccount
}

func setupSync(t *testing.T, names ...string) *syncFixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	fx := &syncFixture{
		db:        database,
		transport: newFakeTransport(),
		alerter:   &recordingAlerter{},
		accounts:  make(map[string]*db.SyncAccount),
	}

	n := 0
	fx.co = NewCoordinator(database, fx.transport, ics.NewEncoder(""),
		WithAlerter(fx.alerter),
		WithUIDGenerator(func() string {
			n++
			return fmt.Sprintf("uid-%d", n)
		}),
		// Sequential so the UID counter stays race-free.
		WithSeriesConcurrency(1),
	)

	for _, name := range names {
		account := &db.SyncAccount{Name: name, Email: name + "@icloud.com", AppPassword: "pw-" + name}
		if err := database.CreateSyncAccount(account); err != nil {
			t.Fatalf("failed to create account: %v", err)
		}
		fx.accounts[name] = account
	}

	return fx
}

func (fx *syncFixture) id(name string) string {
	return fx.accounts[name].ID
}

func (fx *syncFixture) email(name string) string {
	return fx.accounts[name].Email
}

func (fx *syncFixture) createEvent(t *testing.T, title string) *db.CalendarEvent {
	t.Helper()

	event := &db.CalendarEvent{Title: title, Date: "2026-02-10", Time: "18:00"}
	if err := fx.db.CreateCalendarEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
	return event
}

// mapping returns account id -> uid for an event.
func (fx *syncFixture) mapping(t *testing.T, eventID string) map[string]string {
	t.Helper()

	rows, err := fx.db.ListEventSyncsByEvent(eventID)
	if err != nil {
		t.Fatalf("failed to list mappings: %v", err)
	}
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		m[r.AccountID] = r.ICalUID
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestSyncCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates on every account", func(t *testing.T) {
		fx := setupSync(t, "a", "b")
		event := fx.createEvent(t, "Soccer")

		report, err := fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b"), fx.id("a")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(report.Outcomes) != 2 || len(report.Failed()) != 0 {
			t.Fatalf("unexpected report: %+v", report)
		}

		m := fx.mapping(t, event.ID)
		for _, name := range []string{"a", "b"} {
			uid := m[fx.id(name)]
			if uid == "" {
				t.Errorf("expected uid for %s", name)
			}
			if !fx.transport.has(fx.email(name), uid) {
				t.Errorf("expected remote object %s on %s", uid, name)
			}
		}
		if m[fx.id("a")] == m[fx.id("b")] {
			t.Error("expected distinct uid per account")
		}
	})

	t.Run("failure on one account does not affect others", func(t *testing.T) {
		fx := setupSync(t, "a", "b", "c")
		fx.transport.putErr[fx.email("c")] = &TransportError{Method: http.MethodPut, StatusCode: http.StatusInternalServerError}
		event := fx.createEvent(t, "Piano")

		report, err := fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b"), fx.id("c")})
		if err != nil {
			t.Fatalf("partial failure must not be an error, got %v", err)
		}

		failed := report.Failed()
		if len(failed) != 1 || failed[0] != fx.id("c") {
			t.Errorf("expected only c to fail, got %v", failed)
		}
		if o, _ := report.Outcome(fx.id("a")); !o.Success {
			t.Error("expected a to succeed")
		}

		m := fx.mapping(t, event.ID)
		if m[fx.id("a")] == "" || m[fx.id("b")] == "" {
			t.Errorf("expected mappings for succeeding accounts, got %v", m)
		}
		uid, ok := m[fx.id("c")]
		if !ok || uid != "" {
			t.Errorf("expected pending row for c, got %q (present=%v)", uid, ok)
		}
	})

	t.Run("unknown account is skipped", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Dentist")

		report, err := fx.co.SyncCreate(ctx, event, []string{"ghost", fx.id("a")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		o, ok := report.Outcome("ghost")
		if !ok || !o.Skipped {
			t.Errorf("expected ghost to be skipped, got %+v", o)
		}
		if _, ok := fx.mapping(t, event.ID)["ghost"]; ok {
			t.Error("no mapping row should exist for an unknown account")
		}
	})

	t.Run("authentication failure alerts", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.transport.putErr[fx.email("a")] = &TransportError{Method: http.MethodPut, StatusCode: http.StatusUnauthorized}
		event := fx.createEvent(t, "Swim")

		if _, err := fx.co.SyncCreate(ctx, event, []string{fx.id("a")}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(fx.alerter.accounts) == 0 || fx.alerter.accounts[0] != fx.id("a") {
			t.Errorf("expected alert for a, got %v", fx.alerter.accounts)
		}
	})

	t.Run("writes sync logs", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Logged")

		fx.co.SyncCreate(ctx, event, []string{fx.id("a")})

		logs, err := fx.db.GetSyncLogs(fx.id("a"), 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(logs) != 1 || logs[0].Action != db.SyncActionCreate || logs[0].Status != db.SyncStatusSuccess {
			t.Errorf("unexpected logs: %+v", logs)
		}
	})
}

func TestConnectionReuseAndRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("discovery runs once and is persisted", func(t *testing.T) {
		fx := setupSync(t, "a")

		for i := 0; i < 3; i++ {
			fx.co.SyncCreate(ctx, fx.createEvent(t, "e"), []string{fx.id("a")})
		}

		if got := fx.transport.discoveries[fx.email("a")]; got != 1 {
			t.Errorf("expected 1 discovery, got %d", got)
		}
		account, _ := fx.db.GetSyncAccount(fx.id("a"))
		if account.CalendarURL != collectionURLFor(fx.email("a")) {
			t.Errorf("expected persisted calendar url, got %q", account.CalendarURL)
		}
	})

	t.Run("persisted url skips discovery", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.db.SetSyncAccountCalendar(fx.id("a"), collectionURLFor(fx.email("a")), "Home")

		fx.co.SyncCreate(ctx, fx.createEvent(t, "e"), []string{fx.id("a")})

		if got := fx.transport.discoveries[fx.email("a")]; got != 0 {
			t.Errorf("expected no discovery, got %d", got)
		}
	})

	t.Run("stale persisted url is rediscovered once", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.db.SetSyncAccountCalendar(fx.id("a"), "https://caldav.example.com/moved/", "Old")
		event := fx.createEvent(t, "e")

		report, _ := fx.co.SyncCreate(ctx, event, []string{fx.id("a")})
		if len(report.Failed()) != 0 {
			t.Fatalf("expected retry to succeed, got %+v", report)
		}
		if got := fx.transport.discoveries[fx.email("a")]; got != 1 {
			t.Errorf("expected 1 discovery, got %d", got)
		}
		account, _ := fx.db.GetSyncAccount(fx.id("a"))
		if account.CalendarURL != collectionURLFor(fx.email("a")) {
			t.Errorf("expected corrected calendar url, got %q", account.CalendarURL)
		}
	})

	t.Run("transient failure retried once", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.transport.putFailOnce[fx.email("a")] = &TransportError{Method: http.MethodPut, Err: errors.New("connection reset")}
		event := fx.createEvent(t, "e")

		report, _ := fx.co.SyncCreate(ctx, event, []string{fx.id("a")})
		if len(report.Failed()) != 0 {
			t.Errorf("expected success after retry, got %+v", report)
		}
		if puts, _ := fx.transport.counts(); puts != 2 {
			t.Errorf("expected 2 PUT attempts, got %d", puts)
		}
	})

	t.Run("persistent failure gives up after one retry", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.transport.putErr[fx.email("a")] = &TransportError{Method: http.MethodPut, StatusCode: http.StatusBadGateway}

		fx.co.SyncCreate(ctx, fx.createEvent(t, "e"), []string{fx.id("a")})

		if puts, _ := fx.transport.counts(); puts != 2 {
			t.Errorf("expected 2 PUT attempts, got %d", puts)
		}
	})

	t.Run("discovery failure is reported and alerts", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.transport.discoverErr[fx.email("a")] = errNoEventCalendar
		event := fx.createEvent(t, "e")

		report, err := fx.co.SyncCreate(ctx, event, []string{fx.id("a")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(report.Failed()) != 1 {
			t.Errorf("expected failure, got %+v", report)
		}
		if len(fx.alerter.accounts) != 1 {
			t.Errorf("expected one alert, got %v", fx.alerter.accounts)
		}
	})
}

func TestSyncUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses existing uid", func(t *testing.T) {
		fx := setupSync(t, "a", "b")
		event := fx.createEvent(t, "Soccer")
		fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b")})
		before := fx.mapping(t, event.ID)

		event.Title = "Soccer finals"
		report, err := fx.co.SyncUpdate(ctx, event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Count(db.SyncActionUpdate) != 2 {
			t.Errorf("expected 2 updates, got %+v", report)
		}

		after := fx.mapping(t, event.ID)
		for id, uid := range before {
			if after[id] != uid {
				t.Errorf("uid changed for %s: %s -> %s", id, uid, after[id])
			}
		}
		if fx.transport.objectCount(fx.email("a")) != 1 {
			t.Error("update must not create a second remote object")
		}
	})

	t.Run("failed update keeps mapping", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Soccer")
		fx.co.SyncCreate(ctx, event, []string{fx.id("a")})
		uid := fx.mapping(t, event.ID)[fx.id("a")]

		fx.transport.putErr[fx.email("a")] = &TransportError{Method: http.MethodPut, StatusCode: http.StatusServiceUnavailable}
		report, err := fx.co.SyncUpdate(ctx, event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(report.Failed()) != 1 {
			t.Errorf("expected failure, got %+v", report)
		}
		if got := fx.mapping(t, event.ID)[fx.id("a")]; got != uid {
			t.Errorf("expected uid %s kept, got %q", uid, got)
		}
	})

	t.Run("pending row is created", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Soccer")
		fx.db.InsertEventSync(event.ID, fx.id("a"), "")

		report, _ := fx.co.SyncUpdate(ctx, event)
		if report.Count(db.SyncActionCreate) != 1 {
			t.Errorf("expected a create, got %+v", report)
		}
		if fx.mapping(t, event.ID)[fx.id("a")] == "" {
			t.Error("expected uid after update")
		}
	})
}

func TestSyncDiff(t *testing.T) {
	ctx := context.Background()

	t.Run("add remove retain then idempotent", func(t *testing.T) {
		fx := setupSync(t, "a", "b", "c")
		event := fx.createEvent(t, "Recital")
		fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b")})
		initial := fx.mapping(t, event.ID)
		fx.transport.reset()

		report, err := fx.co.SyncDiff(ctx, event, []string{fx.id("b"), fx.id("c")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if report.Count(db.SyncActionDelete) != 1 || report.Count(db.SyncActionCreate) != 1 || report.Count(db.SyncActionUpdate) != 1 {
			t.Errorf("expected one of each action, got %+v", report.Outcomes)
		}
		if o, _ := report.Outcome(fx.id("a")); o.Action != db.SyncActionDelete {
			t.Errorf("expected delete for a, got %s", o.Action)
		}
		if o, _ := report.Outcome(fx.id("c")); o.Action != db.SyncActionCreate {
			t.Errorf("expected create for c, got %s", o.Action)
		}
		if o, _ := report.Outcome(fx.id("b")); o.Action != db.SyncActionUpdate {
			t.Errorf("expected update for b, got %s", o.Action)
		}

		m := fx.mapping(t, event.ID)
		want := []string{fx.id("b"), fx.id("c")}
		sort.Strings(want)
		if got := sortedKeys(m); fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("expected mapping for %v, got %v", want, got)
		}
		if m[fx.id("b")] != initial[fx.id("b")] {
			t.Error("retained account must keep its uid")
		}
		if fx.transport.has(fx.email("a"), initial[fx.id("a")]) {
			t.Error("expected remote object on a to be deleted")
		}

		fx.transport.reset()
		again, err := fx.co.SyncDiff(ctx, event, []string{fx.id("b"), fx.id("c")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.Count(db.SyncActionCreate) != 0 || again.Count(db.SyncActionDelete) != 0 {
			t.Errorf("second diff must not create or delete, got %+v", again.Outcomes)
		}
		if again.Count(db.SyncActionUpdate) != 2 {
			t.Errorf("expected 2 updates, got %+v", again.Outcomes)
		}
		if _, deletes := fx.transport.counts(); deletes != 0 {
			t.Errorf("expected no remote deletes, got %d", deletes)
		}
		if got := fx.mapping(t, event.ID); got[fx.id("c")] != m[fx.id("c")] {
			t.Error("uid for c changed on idempotent diff")
		}
	})

	t.Run("empty target removes everything", func(t *testing.T) {
		fx := setupSync(t, "a", "b")
		event := fx.createEvent(t, "Trip")
		fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b")})

		report, _ := fx.co.SyncDiff(ctx, event, nil)
		if report.Count(db.SyncActionDelete) != 2 {
			t.Errorf("expected 2 deletes, got %+v", report.Outcomes)
		}
		if len(fx.mapping(t, event.ID)) != 0 {
			t.Error("expected no mapping rows")
		}
	})

	t.Run("failed remote delete keeps the row", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Trip")
		fx.co.SyncCreate(ctx, event, []string{fx.id("a")})
		fx.transport.deleteErr[fx.email("a")] = &TransportError{Method: http.MethodDelete, StatusCode: http.StatusInternalServerError}

		report, _ := fx.co.SyncDiff(ctx, event, nil)
		if len(report.Failed()) != 1 {
			t.Errorf("expected failure, got %+v", report)
		}
		if _, ok := fx.mapping(t, event.ID)[fx.id("a")]; !ok {
			t.Error("row must survive a failed delete so the next diff retries it")
		}
	})

	t.Run("pending removal needs no remote call", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Trip")
		fx.db.InsertEventSync(event.ID, fx.id("a"), "")

		report, _ := fx.co.SyncDiff(ctx, event, nil)
		if len(report.Failed()) != 0 {
			t.Errorf("unexpected failure: %+v", report)
		}
		if _, deletes := fx.transport.counts(); deletes != 0 {
			t.Errorf("expected no remote delete, got %d", deletes)
		}
		if len(fx.mapping(t, event.ID)) != 0 {
			t.Error("expected pending row removed")
		}
	})

	t.Run("planDiff splits by membership", func(t *testing.T) {
		rows := []*db.EventSync{
			{AccountID: "A", ICalUID: "uid1"},
			{AccountID: "B", ICalUID: "uid2"},
		}
		plan := planDiff(rows, []string{"B", "C", "C"})

		if len(plan.additions) != 1 || plan.additions[0] != "C" {
			t.Errorf("unexpected additions %v", plan.additions)
		}
		if len(plan.removals) != 1 || plan.removals[0].AccountID != "A" {
			t.Errorf("unexpected removals %v", plan.removals)
		}
		if len(plan.retained) != 1 || plan.retained[0].AccountID != "B" {
			t.Errorf("unexpected retained %v", plan.retained)
		}
	})
}

func TestSyncDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("cleanup uses mappings captured before local delete", func(t *testing.T) {
		fx := setupSync(t, "a", "b")
		event := fx.createEvent(t, "Party")
		fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b")})
		expected := fx.mapping(t, event.ID)

		captured, err := fx.db.ListEventSyncsByEvent(event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := fx.db.DeleteCalendarEvent(event.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(fx.mapping(t, event.ID)) != 0 {
			t.Fatal("expected cascade to remove mapping rows")
		}

		report, err := fx.co.SyncDelete(ctx, event.ID, captured)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Count(db.SyncActionDelete) != 2 {
			t.Errorf("expected 2 deletes, got %+v", report.Outcomes)
		}
		for _, name := range []string{"a", "b"} {
			uid := expected[fx.id(name)]
			if o, _ := report.Outcome(fx.id(name)); o.UID != uid {
				t.Errorf("expected delete of %s on %s, got %s", uid, name, o.UID)
			}
			if fx.transport.has(fx.email(name), uid) {
				t.Errorf("remote object %s still on %s", uid, name)
			}
		}
	})

	t.Run("delete during create leaves nothing remote", func(t *testing.T) {
		fx := setupSync(t, "a")
		event := fx.createEvent(t, "Recital")

		var captured []*db.EventSync
		fx.transport.onPut = func(email, uid string) {
			fx.transport.onPut = nil
			rows, err := fx.db.ListEventSyncsByEvent(event.ID)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			captured = rows
			if err := fx.db.DeleteCalendarEvent(event.ID); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}

		report, err := fx.co.SyncCreate(ctx, event, []string{fx.id("a")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(captured) != 1 || !captured[0].Pending() {
			t.Fatalf("expected one pending row captured, got %+v", captured)
		}
		if o, _ := report.Outcome(fx.id("a")); o.Action != db.SyncActionDelete || !o.Success {
			t.Errorf("expected the new object to be deleted, got %+v", o)
		}

		if _, err := fx.co.SyncDelete(ctx, event.ID, captured); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := fx.transport.objectCount(fx.email("a")); n != 0 {
			t.Errorf("expected no remote objects, got %d", n)
		}
	})

	t.Run("deleted account is skipped", func(t *testing.T) {
		fx := setupSync(t, "a")
		rows := []*db.EventSync{{EventID: "e1", AccountID: "ghost", ICalUID: "u"}}

		report, err := fx.co.SyncDelete(ctx, "e1", rows)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if o, _ := report.Outcome("ghost"); !o.Skipped {
			t.Errorf("expected skip, got %+v", o)
		}
	})
}

func TestSeries(t *testing.T) {
	ctx := context.Background()
	fx := setupSync(t, "a", "b")

	var events []*db.CalendarEvent
	for i := 0; i < 4; i++ {
		events = append(events, fx.createEvent(t, fmt.Sprintf("Swim %d", i)))
	}

	t.Run("create over series", func(t *testing.T) {
		reports, err := fx.co.SyncCreateSeries(ctx, events, []string{fx.id("a")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(reports) != 4 {
			t.Fatalf("expected 4 reports, got %d", len(reports))
		}
		if fx.transport.objectCount(fx.email("a")) != 4 {
			t.Errorf("expected 4 remote objects, got %d", fx.transport.objectCount(fx.email("a")))
		}
	})

	t.Run("diff over series", func(t *testing.T) {
		if _, err := fx.co.SyncDiffSeries(ctx, events, []string{fx.id("b")}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fx.transport.objectCount(fx.email("a")) != 0 || fx.transport.objectCount(fx.email("b")) != 4 {
			t.Errorf("expected series moved from a to b")
		}
	})

	t.Run("update over series", func(t *testing.T) {
		reports, err := fx.co.SyncUpdateSeries(ctx, events)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, r := range reports {
			if r.Count(db.SyncActionUpdate) != 1 {
				t.Errorf("expected one update for %s, got %+v", r.EventID, r.Outcomes)
			}
		}
	})

	t.Run("delete over series", func(t *testing.T) {
		var snapshots []EventMappings
		for _, e := range events {
			rows, _ := fx.db.ListEventSyncsByEvent(e.ID)
			snapshots = append(snapshots, EventMappings{EventID: e.ID, Mappings: rows})
		}

		if _, err := fx.co.SyncDeleteSeries(ctx, snapshots); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fx.transport.objectCount(fx.email("b")) != 0 {
			t.Error("expected all remote objects deleted")
		}
	})
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	fx := setupSync(t, "a", "b")
	event := fx.createEvent(t, "Soccer")
	fx.transport.putErr[fx.email("b")] = &TransportError{Method: http.MethodPut, StatusCode: http.StatusBadGateway}

	fx.co.SyncCreate(ctx, event, []string{fx.id("a"), fx.id("b")})
	uidA := fx.mapping(t, event.ID)[fx.id("a")]

	targets, err := fx.co.PendingRepairs(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 || targets[0].EventID != event.ID || targets[0].Key != event.ID {
		t.Fatalf("expected pending event, got %v", targets)
	}

	delete(fx.transport.putErr, fx.email("b"))
	report, err := fx.co.RepairEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].AccountID != fx.id("b") || !report.Outcomes[0].Success {
		t.Errorf("expected only b repaired, got %+v", report.Outcomes)
	}

	m := fx.mapping(t, event.ID)
	if m[fx.id("a")] != uidA || m[fx.id("b")] == "" {
		t.Errorf("unexpected mapping after repair: %v", m)
	}

	targets, _ = fx.co.PendingRepairs(10)
	if len(targets) != 0 {
		t.Errorf("expected nothing pending, got %v", targets)
	}

	t.Run("series member repairs under series key", func(t *testing.T) {
		member := &db.CalendarEvent{Title: "Swim", Date: "2026-02-11", Time: "07:00", RecurringGroupID: "group-1"}
		if err := fx.db.CreateCalendarEvent(member); err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
		if err := fx.db.InsertEventSync(member.ID, fx.id("a"), ""); err != nil {
			t.Fatalf("failed to insert mapping: %v", err)
		}

		targets, err := fx.co.PendingRepairs(10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(targets) != 1 || targets[0].EventID != member.ID || targets[0].Key != db.SeriesKey("group-1") {
			t.Errorf("expected series key for member, got %v", targets)
		}
	})

	t.Run("missing event is ignored", func(t *testing.T) {
		report, err := fx.co.RepairEvent(ctx, "gone")
		if err != nil || len(report.Outcomes) != 0 {
			t.Errorf("expected empty report, got %+v, %v", report, err)
		}
	})
}

func TestTestAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("forces rediscovery and persists", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.co.Cache().Set(fx.id("a"), Collection{URL: "https://stale/", Name: "Old"})

		status, err := fx.co.TestAccount(ctx, fx.id("a"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !status.Connected || status.CalendarName != "Home" {
			t.Errorf("unexpected status %+v", status)
		}
		if fx.transport.discoveries[fx.email("a")] != 1 {
			t.Error("expected discovery to run despite cached entry")
		}
		account, _ := fx.db.GetSyncAccount(fx.id("a"))
		if account.CalendarURL != collectionURLFor(fx.email("a")) {
			t.Errorf("expected persisted url, got %q", account.CalendarURL)
		}
	})

	t.Run("failure is reported not returned", func(t *testing.T) {
		fx := setupSync(t, "a")
		fx.transport.discoverErr[fx.email("a")] = &TransportError{Method: "PROPFIND", StatusCode: http.StatusUnauthorized}

		status, err := fx.co.TestAccount(ctx, fx.id("a"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status.Connected || status.Error == "" {
			t.Errorf("expected failed status, got %+v", status)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		fx := setupSync(t)
		if _, err := fx.co.TestAccount(ctx, "ghost"); !errors.Is(err, db.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPurgeAccount(t *testing.T) {
	ctx := context.Background()
	fx := setupSync(t, "a", "b")

	e1 := fx.createEvent(t, "one")
	e2 := fx.createEvent(t, "two")
	fx.co.SyncCreate(ctx, e1, []string{fx.id("a"), fx.id("b")})
	fx.co.SyncCreate(ctx, e2, []string{fx.id("a")})

	account, _ := fx.db.GetSyncAccount(fx.id("a"))
	rows, _ := fx.db.ListEventSyncsByAccount(account.ID)
	if err := fx.db.DeleteSyncAccount(account.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := fx.co.PurgeAccount(ctx, account, rows)
	if report.Count(db.SyncActionDelete) != 2 {
		t.Errorf("expected 2 deletes, got %+v", report.Outcomes)
	}
	if fx.transport.objectCount(fx.email("a")) != 0 {
		t.Error("expected account a emptied remotely")
	}
	if fx.transport.objectCount(fx.email("b")) != 1 {
		t.Error("account b must be untouched")
	}
	if _, ok := fx.co.Cache().Get(account.ID); ok {
		t.Error("expected cache entry dropped")
	}
}

// failingStore fails every mapping read.
type failingStore struct {
	*db.DB
}

func (failingStore) ListEventSyncsByEvent(string) ([]*db.EventSync, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) InsertEventSync(string, string, string) error {
	return errors.New("disk I/O error")
}

func TestStoreFailureIsHard(t *testing.T) {
	ctx := context.Background()
	fx := setupSync(t, "a")
	event := fx.createEvent(t, "x")
	co := NewCoordinator(failingStore{fx.db}, fx.transport, nil)

	if _, err := co.SyncUpdate(ctx, event); !errors.Is(err, ErrStore) {
		t.Errorf("SyncUpdate: expected ErrStore, got %v", err)
	}
	if _, err := co.SyncDiff(ctx, event, []string{fx.id("a")}); !errors.Is(err, ErrStore) {
		t.Errorf("SyncDiff: expected ErrStore, got %v", err)
	}
	if _, err := co.SyncCreate(ctx, event, []string{fx.id("a")}); !errors.Is(err, ErrStore) {
		t.Errorf("SyncCreate: expected ErrStore, got %v", err)
	}
	if puts, _ := fx.transport.counts(); puts != 0 {
		t.Errorf("no remote call should happen without a mapping row, got %d", puts)
	}
}
