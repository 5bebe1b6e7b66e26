package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/familyhub/internal/activity"
	"github.com/macjediwizard/familyhub/internal/caldav"
	"github.com/macjediwizard/familyhub/internal/config"
	"github.com/macjediwizard/familyhub/internal/db"
	"github.com/macjediwizard/familyhub/internal/ics"
	"github.com/macjediwizard/familyhub/internal/notify"
	"github.com/macjediwizard/familyhub/internal/scheduler"
	"github.com/macjediwizard/familyhub/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting Family Hub...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	client, err := caldav.NewClient(cfg.CalDAV.BaseURL, cfg.CalDAVTimeout())
	if err != nil {
		log.Fatalf("Failed to initialize CalDAV client: %v", err)
	}

	notifier := notify.New(notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: cfg.AlertCooldown(),
	})
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (cooldown: %d min)", cfg.Alerts.CooldownMinutes)
	}

	coordinator := caldav.NewCoordinator(
		database,
		client,
		ics.NewEncoder(cfg.CalDAV.ProductID),
		caldav.WithAlerter(notifier),
		caldav.WithSeriesConcurrency(cfg.Sync.SeriesConcurrency),
	)

	tracker := activity.NewTracker()
	sched := scheduler.New(coordinator, database, tracker, scheduler.Options{
		RepairCron:   cfg.Sync.RepairCron,
		RepairBatch:  cfg.Sync.RepairBatch,
		LogRetention: cfg.LogRetention(),
	})

	handlers := web.NewHandlers(database, coordinator, client, sched, tracker, notifier)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	routeOpts := web.RouteOptions{
		RateLimitRPS:   cfg.RateLimiting.RPS,
		RateLimitBurst: cfg.RateLimiting.Burst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.BasicAuthEnabled() {
		routeOpts.BasicAuth = gin.Accounts{cfg.BasicAuth.Username: cfg.BasicAuth.Password}
		log.Println("API basic auth enabled")
	}
	web.SetupRoutes(router, handlers, routeOpts)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests first so nothing is dispatched after the
	// scheduler stops.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	sched.Stop()
	notifier.Wait()

	log.Println("Server stopped")
}
