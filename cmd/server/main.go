package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/bps-api/internal/bootstrap"
	"github.com/Brownie44l1/bps-api/internal/config"
	"github.com/Brownie44l1/bps-api/internal/handlers"
	"github.com/Brownie44l1/bps-api/internal/middleware"
	"github.com/Brownie44l1/bps-api/internal/model"
	"github.com/Brownie44l1/bps-api/internal/storage"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	initLogger(cfg)

	remote := bootstrap.RemoteLocation{Bucket: cfg.Storage.Bucket, Object: cfg.Storage.Object}
	fetcher := storage.NewGCSFetcher(cfg.Storage.CredentialsFile)
	if err := bootstrap.EnsureModel(context.Background(), fetcher, remote, cfg.Model.LocalPath); err != nil {
		log.Fatalf("ensure model: %v", err)
	}

	log.Infof("loading model from %s", cfg.Model.LocalPath)

	session, err := model.NewSession(model.SessionConfig{
		ModelPath:   cfg.Model.LocalPath,
		LibraryPath: cfg.Model.LibraryPath,
		InputName:   cfg.Model.InputName,
		OutputName:  cfg.Model.OutputName,
		ImageSize:   model.DefaultImageSize,
		NumClasses:  len(model.Classes),
		Device:      cfg.Model.Device,
	})
	if err != nil {
		log.Fatalf("initialize model session: %v", err)
	}
	defer session.Close()

	opts := model.DefaultOptions()
	opts.Threshold = cfg.Model.ConfidenceThreshold
	opts.Device = session.Device()
	opts.Extra = map[string]any{
		"model_path":   cfg.Model.LocalPath,
		"model_source": remote.String(),
	}
	classifier, err := model.NewClassifier(session, opts)
	if err != nil {
		log.Fatalf("initialize classifier: %v", err)
	}

	log.WithFields(log.Fields{
		"classes":   model.Classes,
		"threshold": cfg.Model.ConfidenceThreshold,
		"device":    session.Device(),
	}).Info("model loaded")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logging(), middleware.CORS(), gin.Recovery())

	handlers.NewHandler(classifier).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	go func() {
		log.Infof("starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("server forced shutdown: %v", err)
	}

	log.Info("server stopped")
}

func initLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logger.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
