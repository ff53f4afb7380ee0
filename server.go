package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kanban_backend/config"
	"github.com/mmdatafocus/kanban_backend/middlewares"
	"github.com/mmdatafocus/kanban_backend/models"
	"github.com/mmdatafocus/kanban_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// scanApp is everything a handler needs once dependencies are connected.
type scanApp struct {
	DB        *gorm.DB
	Lifecycle *workflow.CardLifecycle
	Logger    *logrus.Logger
	AppURL    string
}

const appContextKey = "scanApp"

func appFrom(c *gin.Context) *scanApp {
	return c.MustGet(appContextKey).(*scanApp)
}

// readinessGate answers 503 until the app is wired, then hands it to handlers.
func readinessGate(ready func() *scanApp) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		app := ready()
		if app == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
			return
		}
		c.Set(appContextKey, app)
		c.Next()
	}
}

func newRouter(ready func() *scanApp, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.RequestContext())

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		// unconfigured production only admits localhost
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOrigins = []string{"https://localhost"}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "Idempotency-Key", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationIdHeader)
	r.Use(cors.New(corsConfig))

	r.Use(readinessGate(ready))
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Card-scoped: the printed QR URL works without a token.
	r.POST("/scan/:cardId", scanCardHandler())
	r.GET("/cards/:cardId", middlewares.RequireTenant(), getCardHandler())

	loops := r.Group("/loops", middlewares.RequireTenant())
	loops.POST("", createLoopHandler())
	loops.GET("/:loopId/cards", listLoopCardsHandler())
	loops.PUT("/:loopId/cards", resizeLoopHandler())

	audit := r.Group("/audit", middlewares.RequireAdmin())
	audit.GET("/integrity-check", auditIntegrityHandler())
	audit.GET("/integrity-check/export", auditIntegrityExportHandler())

	ops := r.Group("/internal/ops", middlewares.RequireAdmin())
	ops.POST("/outbox/replay", outboxReplayHandler())
	ops.GET("/outbox/stats", outboxStatsHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var current atomic.Pointer[scanApp]
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(current.Load, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	lifecycle := workflow.NewCardLifecycle(db, workflow.NewRedisScanDedup(config.GetRedisDB()), logger)
	if config.CardLockEnabled() {
		lifecycle.Locker = config.GetRedisLock()
	}
	current.Store(&scanApp{
		DB:        db,
		Lifecycle: lifecycle,
		Logger:    logger,
		AppURL:    config.AppURL(),
	})

	// Card events are published after commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	logger.WithFields(logrus.Fields{"field": "http", "port": port}).Info("kanban scan service ready")
	log.Println("Server started successfully on :" + port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that recorded gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":  "http",
				"path":   c.FullPath(),
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
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
