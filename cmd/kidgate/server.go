package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/kidgate/safety"
	"github.com/bluesky-social/kidgate/safety/catalog"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	svc    *safety.Service
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
	config Config
}

type Config struct {
	Logger *slog.Logger
	Bind   string
	// cron spec for the retention purge; empty disables it
	PurgeSchedule string
	AuditPurgeAge time.Duration
	// optional catalog file to watch for changes
	CatalogPath string
	// optional redis-distributed catalog
	CatalogSource       *catalog.RedisSource
	CatalogPollInterval time.Duration
}

func NewServer(svc *safety.Service, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		svc:    svc,
		echo:   e,
		logger: logger,
		config: config,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(echoprometheus.NewMiddleware("kidgate"))
	e.Use(otelecho.Middleware("kidgate"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/api/catalog", srv.HandleCatalogInfo)
	e.POST("/api/content/validate", srv.HandleValidateContent)
	e.POST("/api/registration/validate", srv.HandleValidateRegistration)
	e.POST("/api/responses/generate", srv.HandleGenerateResponse)
	e.GET("/api/audit", srv.HandleAuditTrail)
	e.POST("/api/usage", srv.HandleRecordUsage)
	e.GET("/api/usage/:userId", srv.HandleUsageSummary)
	e.GET("/api/usage/:userId/over-limit", srv.HandleOverLimit)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Run serves the API and background jobs until SIGINT/SIGTERM or ctx is done, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sched *cron.Cron
	if srv.config.PurgeSchedule != "" {
		sched = cron.New(cron.WithLocation(time.UTC))
		if _, err := sched.AddFunc(srv.config.PurgeSchedule, func() { srv.runPurge(ctx) }); err != nil {
			return fmt.Errorf("invalid purge schedule: %w", err)
		}
		sched.Start()
		srv.logger.Info("scheduled retention purge", "schedule", srv.config.PurgeSchedule)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		srv.logger.Info("starting server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if srv.config.CatalogPath != "" {
		eg.Go(func() error {
			return srv.svc.Catalogs.WatchFile(ctx, srv.config.CatalogPath, srv.logger)
		})
	}
	if srv.config.CatalogSource != nil {
		eg.Go(func() error {
			every := srv.config.CatalogPollInterval
			if every <= 0 {
				every = time.Minute
			}
			srv.config.CatalogSource.Poll(ctx, srv.svc.Catalogs, every, srv.logger)
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		srv.logger.Info("shutting down")
		if sched != nil {
			<-sched.Stop().Done()
		}
		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}
		srv.svc.Close()
		return nil
	})

	err := eg.Wait()
	srv.logger.Info("graceful shutdown complete")
	return err
}

func (srv *Server) runPurge(ctx context.Context) {
	if age := srv.config.AuditPurgeAge; age > 0 {
		if _, err := srv.svc.PurgeAudit(ctx, age); err != nil {
			srv.logger.Error("scheduled audit purge failed", "err", err)
		}
	}
	if _, err := srv.svc.PurgeUsage(ctx); err != nil {
		srv.logger.Error("scheduled usage purge failed", "err", err)
	}
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}
