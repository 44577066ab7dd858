package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/api"
	"github.com/harrison-roh/sketch-classification/clsapp/config"
	"github.com/harrison-roh/sketch-classification/clsapp/data"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
	"github.com/harrison-roh/sketch-classification/clsapp/inference"
	"github.com/harrison-roh/sketch-classification/clsapp/logger"
)

func main() {
	configFile := flag.String("file", config.DefaultPath, "Path for configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Debug)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interp, err := imaging.ParseInterpolation(cfg.Imaging.Interpolation)
	if err != nil {
		return err
	}

	i, err := inference.New(inference.Config{
		ModelPath: cfg.Model.Dir,
		Pipeline: imaging.Pipeline{
			GreyChannel:   cfg.Imaging.GreyChannel,
			Size:          cfg.Imaging.Size,
			Interpolation: interp,
		},
	}, log)
	if err != nil {
		return err
	}
	defer i.Destroy()

	m, err := data.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer m.Destroy()

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.MaxMultipartMemory = cfg.Server.MaxMultipartMemory

	a := api.APIs{
		I:      i,
		M:      m,
		Logger: log,
	}
	a.Register(r)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Start server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutdown server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}
