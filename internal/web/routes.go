package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteOptions configures the middleware around the API.
type RouteOptions struct {
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	// BasicAuth, when non-empty, maps usernames to passwords for the API.
	BasicAuth gin.Accounts
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, opts RouteOptions) {
	// Health endpoint (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)

	common := []gin.HandlerFunc{}
	if len(opts.BasicAuth) > 0 {
		common = append(common, gin.BasicAuth(opts.BasicAuth))
	}
	common = append(common, ValidateOrigin(opts.AllowedOrigins), RequireJSONContentType())

	api := r.Group("/api")
	api.Use(RateLimiter(opts.RateLimitRPS, opts.RateLimitBurst))
	api.Use(common...)
	{
		api.GET("/events", h.APIListEvents)
		api.POST("/events", h.APICreateEvent)
		api.POST("/events/recurring", h.APICreateSeries)
		api.PATCH("/events/series/:groupId", h.APIUpdateSeries)
		api.DELETE("/events/series/:groupId", h.APIDeleteSeries)
		api.GET("/events/:id", h.APIGetEvent)
		api.GET("/events/:id/sync", h.APIGetEventSync)
		api.PATCH("/events/:id", h.APIUpdateEvent)
		api.DELETE("/events/:id", h.APIDeleteEvent)

		api.GET("/sync-accounts", h.APIListAccounts)
		api.PATCH("/sync-accounts/:id", h.APIUpdateAccount)
		api.DELETE("/sync-accounts/:id", h.APIDeleteAccount)

		api.GET("/sync/activity", h.APISyncActivity)
		api.GET("/sync/logs", h.APISyncLogs)
	}

	// Operations that talk to the CalDAV server get a stricter limit
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensive := r.Group("/api")
	expensive.Use(expensiveRateLimiter)
	expensive.Use(common...)
	{
		expensive.POST("/sync-accounts", h.APICreateAccount)
		expensive.POST("/sync-accounts/:id/test", h.APITestAccount)
		expensive.GET("/sync-accounts/:id/calendars", h.APIListAccountCalendars)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
