package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogGorm "github.com/orandin/slog-gorm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jim-taylor-business/lemmy/apub"
	"github.com/jim-taylor-business/lemmy/backup"
	"github.com/jim-taylor-business/lemmy/moderation"
	"github.com/jim-taylor-business/lemmy/relstore"
)

type WebServer struct {
	echo  *echo.Echo
	httpd *http.Server
	db    *gorm.DB

	store      *relstore.Store
	codec      *backup.Codec
	propagator *moderation.Propagator
	emitter    *apub.QueueEmitter
}

func runServe(cctx *cli.Context) error {
	httpAddress := cctx.String("bind")

	db, err := setupDatabase(cctx.String("db-url"))
	if err != nil {
		return err
	}
	if err := relstore.RunMigrations(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if err := db.AutoMigrate(&backup.ImportJob{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	store := relstore.NewStore(db)
	resolver := apub.NewDBResolver(db, apub.NewHTTPFetcher(db))
	emitter := apub.NewQueueEmitter(1024, nil)
	importer := backup.NewImporter(store, resolver, backup.NewGormstore(db))

	srv := &WebServer{
		db:         db,
		store:      store,
		codec:      backup.NewCodec(db, store, importer),
		propagator: moderation.NewPropagator(store, emitter),
		emitter:    emitter,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(slog.Default()))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("10M"))
	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           httpAddress,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/api/v3/user/export_settings", srv.HandleExportSettings)
	e.POST("/api/v3/user/import_settings", srv.HandleImportSettings)
	e.POST("/api/v3/user/ban", srv.HandleBanPerson)

	// metrics on its own listener
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cctx.String("metrics-listen"), mux); err != nil {
			slog.Error("metrics server shutting down unexpectedly", "err", err)
		}
	}()

	emitterCtx, stopEmitter := context.WithCancel(context.Background())
	defer stopEmitter()
	go srv.emitter.Run(emitterCtx)

	slog.Info("starting server", "bind", httpAddress)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		slog.Info("received OS exit signal", "signal", sig)
		if err := srv.Shutdown(); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}
		close(quit)
	}()
	<-quit
	slog.Info("graceful shutdown complete")
	return nil
}

func setupDatabase(dburl string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch {
	case strings.HasPrefix(dburl, "sqlite://"):
		dial = sqlite.Open(strings.TrimPrefix(dburl, "sqlite://"))
	case strings.HasPrefix(dburl, "postgres://"), strings.HasPrefix(dburl, "postgresql://"):
		dial = postgres.Open(dburl)
	default:
		return nil, fmt.Errorf("unsupported or unrecognized db-url value: %s", dburl)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (srv *WebServer) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *WebServer) Shutdown() error {
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *WebServer) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "lemmy"})
}
