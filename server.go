package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/api"
	"bitbucket.org/mmdatafocus/fiscal_backend/bootstrap"
	"bitbucket.org/mmdatafocus/fiscal_backend/config"
	"bitbucket.org/mmdatafocus/fiscal_backend/middlewares"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// readinessGate answers 503 until the engine is wired, then hands every
// request to the real router. /healthz is always served.
type readinessGate struct {
	router atomic.Pointer[gin.Engine]
}

func (g *readinessGate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	router := g.router.Load()
	if router == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	router.ServeHTTP(w, r)
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.HeaderApiKey, middlewares.HeaderCorrelationId)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	return cors.New(corsConfig)
}

// rateLimit returns the optional per-tenant limiter.
// Env:
// - RATE_LIMIT_ENABLED=true
// - RATE_LIMIT_WINDOW_SECONDS=60
// - RATE_LIMIT_MAX_REQUESTS=600
func rateLimit() []gin.HandlerFunc {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	client := config.GetRedisDB()
	if client == nil {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return []gin.HandlerFunc{middlewares.NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second).Middleware()}
}

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if strings.EqualFold(os.Getenv("GO_ENV"), "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	// Start listening immediately; app routes answer 503 until dependencies are ready.
	gate := &readinessGate{}
	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: gate,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	db := config.ConnectDatabaseWithRetry()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	redisCtx, cancelRedis := context.WithTimeout(sigCtx, 2*time.Minute)
	rdb := config.ConnectRedisWithRetry(redisCtx)
	cancelRedis()

	// AutoMigrate can block tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	app, err := bootstrap.New(sigCtx, settings, db, rdb, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "bootstrap"}).Fatal(err.Error())
	}
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if err := app.Start(workerCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "bootstrap"}).Fatal(err.Error())
	}

	handler := &api.Handler{
		Controller: app.Controller,
		Ledger:     app.Ledger,
		Dispatcher: app.Dispatcher,
		Store:      app.Store,
		Logger:     logger,
	}
	router := api.NewRouter(handler, app.Store, api.RouterOptions{
		Global:    []gin.HandlerFunc{corsMiddleware()},
		AfterAuth: rateLimit(),
	})
	gate.router.Store(router)

	logger.WithFields(logrus.Fields{
		"field":    "http",
		"port":     settings.Port,
		"provider": app.Gateway.Name(),
	}).Info("fiscal engine ready")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Stop retry timers and the certificate job, then let queued fan-out finish.
	cancelWorkers()
	app.Drain()

	if rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
