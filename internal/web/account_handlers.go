package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/mo"

	"github.com/macjediwizard/familyhub/internal/caldav"
	"github.com/macjediwizard/familyhub/internal/db"
)

// APIAccount represents a sync account in JSON format. The password is
// never returned.
type APIAccount struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	CalendarURL  string `json:"calendar_url"`
	CalendarName string `json:"calendar_name"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// APICreateAccountRequest represents the request body for adding an account.
type APICreateAccountRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	AppPassword string `json:"app_password"`
}

// APIUpdateAccountRequest is a partial account update.
type APIUpdateAccountRequest struct {
	Name        mo.Option[string] `json:"name"`
	Email       mo.Option[string] `json:"email"`
	AppPassword mo.Option[string] `json:"app_password"`
}

func accountToAPI(a *db.SyncAccount) *APIAccount {
	return &APIAccount{
		ID:           a.ID,
		Name:         a.Name,
		Email:        a.Email,
		CalendarURL:  a.CalendarURL,
		CalendarName: a.CalendarName,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    a.UpdatedAt.Format(time.RFC3339),
	}
}

// APIListAccounts returns all configured sync accounts.
func (h *Handlers) APIListAccounts(c *gin.Context) {
	accounts, err := h.db.ListSyncAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load accounts")})
		return
	}

	result := make([]*APIAccount, 0, len(accounts))
	for _, a := range accounts {
		result = append(result, accountToAPI(a))
	}

	c.JSON(http.StatusOK, gin.H{"accounts": result})
}

// APICreateAccount verifies the credentials and stores the account. An
// account whose connection test fails is still stored so the user can fix it
// later; its calendar is resolved on first use.
func (h *Handlers) APICreateAccount(c *gin.Context) {
	var req APICreateAccountRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validateAccount(req.Name, req.Email, req.AppPassword); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()
	status := h.checker.TestConnection(ctx, caldav.Credentials{Email: req.Email, Password: req.AppPassword})

	account := &db.SyncAccount{
		Name:        req.Name,
		Email:       req.Email,
		AppPassword: req.AppPassword,
	}
	if status.Connected {
		account.CalendarURL = status.CalendarURL
		account.CalendarName = status.CalendarName
	}

	if err := h.db.CreateSyncAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create account")})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": accountToAPI(account), "connection": status})
}

// APIUpdateAccount applies a partial update. Changing the email or password
// drops the resolved calendar so it is rediscovered with the new credentials.
func (h *Handlers) APIUpdateAccount(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}

	var req APIUpdateAccountRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	credentialsChanged := false
	if v, ok := req.Name.Get(); ok {
		account.Name = strings.TrimSpace(v)
	}
	if v, ok := req.Email.Get(); ok {
		v = strings.TrimSpace(v)
		credentialsChanged = credentialsChanged || v != account.Email
		account.Email = v
	}
	if v, ok := req.AppPassword.Get(); ok {
		credentialsChanged = credentialsChanged || v != account.AppPassword
		account.AppPassword = v
	}

	if err := h.validateAccount(account.Name, account.Email, account.AppPassword); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if credentialsChanged {
		account.CalendarURL = ""
		account.CalendarName = ""
	}

	if err := h.db.UpdateSyncAccount(account); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update account")})
		return
	}
	if credentialsChanged {
		h.syncer.InvalidateAccount(account.ID)
	}

	c.JSON(http.StatusOK, accountToAPI(account))
}

// APIDeleteAccount removes an account locally, then deletes its remote
// objects in the background with the credentials captured here.
func (h *Handlers) APIDeleteAccount(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}

	mappings, err := h.db.ListEventSyncsByAccount(account.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete account")})
		return
	}

	if err := h.db.DeleteSyncAccount(account.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete account")})
		return
	}

	h.syncer.InvalidateAccount(account.ID)
	if h.alerts != nil {
		h.alerts.ClearAccount(account.ID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})

	if len(mappings) > 0 {
		h.dispatch("purge account", "account:"+account.ID, func(ctx context.Context) ([]*caldav.SyncReport, error) {
			return single(h.syncer.PurgeAccount(ctx, account, mappings), nil)
		})
	}
}

// APITestAccount forces rediscovery for a stored account.
func (h *Handlers) APITestAccount(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()

	status, err := h.syncer.TestAccount(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to test account")})
		return
	}

	if status.Connected && h.alerts != nil {
		if account, err := h.db.GetSyncAccount(c.Param("id")); err == nil {
			h.alerts.AccountRecovered(account.ID, account.Name)
		}
	}

	c.JSON(http.StatusOK, status)
}

// APIListAccountCalendars lists the calendars visible to an account.
func (h *Handlers) APIListAccountCalendars(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()

	calendars, err := h.checker.ListCalendars(ctx, caldav.Credentials{Email: account.Email, Password: account.AppPassword})
	if err != nil {
		status := http.StatusBadGateway
		if caldav.IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": sanitizeError(err, "Failed to list calendars")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"calendars": calendars, "selected": account.CalendarURL})
}

// APISyncActivity returns running and recent sync tasks.
func (h *Handlers) APISyncActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.GetAll())
}

// APISyncLogs returns recent sync log entries, optionally for one account.
func (h *Handlers) APISyncLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := h.db.GetSyncLogs(c.Query("account_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync logs")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handlers) validateAccount(name, email, password string) error {
	if err := h.validator.ValidateAccountName(name); err != nil {
		return err
	}
	if err := h.validator.ValidateEmail(email); err != nil {
		return err
	}
	return h.validator.ValidateAppPassword(password)
}

func (h *Handlers) loadAccount(c *gin.Context) (*db.SyncAccount, bool) {
	account, err := h.db.GetSyncAccount(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load account")})
		return nil, false
	}
	return account, true
}
