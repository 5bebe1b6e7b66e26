package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/familyhub/internal/activity"
	"github.com/macjediwizard/familyhub/internal/caldav"
	"github.com/macjediwizard/familyhub/internal/db"
	"github.com/macjediwizard/familyhub/internal/scheduler"
	"github.com/macjediwizard/familyhub/internal/validator"
)

const (
	connectTimeout  = 30 * time.Second
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// Syncer mirrors local mutations to the remote calendars. *caldav.Coordinator
// satisfies it.
type Syncer interface {
	SyncCreate(ctx context.Context, event *db.CalendarEvent, accountIDs []string) (*caldav.SyncReport, error)
	SyncUpdate(ctx context.Context, event *db.CalendarEvent) (*caldav.SyncReport, error)
	SyncDelete(ctx context.Context, eventID string, mappings []*db.EventSync) (*caldav.SyncReport, error)
	SyncDiff(ctx context.Context, event *db.CalendarEvent, desired []string) (*caldav.SyncReport, error)
	SyncCreateSeries(ctx context.Context, events []*db.CalendarEvent, accountIDs []string) ([]*caldav.SyncReport, error)
	SyncUpdateSeries(ctx context.Context, events []*db.CalendarEvent) ([]*caldav.SyncReport, error)
	SyncDiffSeries(ctx context.Context, events []*db.CalendarEvent, desired []string) ([]*caldav.SyncReport, error)
	SyncDeleteSeries(ctx context.Context, snapshots []caldav.EventMappings) ([]*caldav.SyncReport, error)
	TestAccount(ctx context.Context, accountID string) (*caldav.ConnectionStatus, error)
	PurgeAccount(ctx context.Context, account *db.SyncAccount, mappings []*db.EventSync) *caldav.SyncReport
	InvalidateAccount(accountID string)
}

// ConnectionChecker checks credentials before an account is stored.
// *caldav.Client satisfies it.
type ConnectionChecker interface {
	TestConnection(ctx context.Context, creds caldav.Credentials) *caldav.ConnectionStatus
	ListCalendars(ctx context.Context, creds caldav.Credentials) ([]caldav.Calendar, error)
}

// Dispatcher runs sync work after the response is sent. *scheduler.Scheduler
// satisfies it.
type Dispatcher interface {
	Dispatch(name, key string, task scheduler.Task) (string, error)
}

// AlertResetter forgets alert state for accounts the user has fixed or removed.
type AlertResetter interface {
	AccountRecovered(accountID, accountName string) bool
	ClearAccount(accountID string)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db         *db.DB
	syncer     Syncer
	checker    ConnectionChecker
	dispatcher Dispatcher
	tracker    *activity.Tracker
	alerts     AlertResetter
	validator  *validator.Validator
}

// NewHandlers creates a new Handlers instance. alerts may be nil.
func NewHandlers(
	database *db.DB,
	syncer Syncer,
	checker ConnectionChecker,
	dispatcher Dispatcher,
	tracker *activity.Tracker,
	alerts AlertResetter,
) *Handlers {
	return &Handlers{
		db:         database,
		syncer:     syncer,
		checker:    checker,
		dispatcher: dispatcher,
		tracker:    tracker,
		alerts:     alerts,
		validator:  validator.New(),
	}
}

// HealthCheck reports whether the database is reachable.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		log.Printf("Health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "ok"})
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		// Log the full error for debugging (server-side only)
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// dispatch hands sync work to the background. A refused dispatch leaves the
// mapping rows as they are; pending ones are picked up by the repair job.
func (h *Handlers) dispatch(name, key string, task scheduler.Task) {
	if _, err := h.dispatcher.Dispatch(name, key, task); err != nil {
		log.Printf("Failed to dispatch %s for %s: %v", name, key, err)
	}
}

func single(report *caldav.SyncReport, err error) ([]*caldav.SyncReport, error) {
	if report == nil {
		return nil, err
	}
	return []*caldav.SyncReport{report}, err
}
