package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/HsnSaboor/playwriter/cmd/config"
	"github.com/HsnSaboor/playwriter/lib/logger"
	"github.com/HsnSaboor/playwriter/lib/relay"
)

// version identifies this build to the lifecycle supervisor.
const version = "1.2.0"

func main() {
	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stdout, nil)).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logOut := os.Stdout
	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.New(slog.NewTextHandler(os.Stdout, nil)).Error("failed to open log file", "path", config.LogFile, "err", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	slogger := slog.New(slog.NewTextHandler(logOut, nil))
	slogger.Info("relay configuration", "port", config.Port, "host", config.Host, "version", version)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rly := relay.New(relay.Options{
		Version:        version,
		Host:           config.Host,
		Port:           config.Port,
		AuthToken:      config.AuthToken,
		SeparateWindow: config.SeparateWindow,
		Logger:         slogger,
	})

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logger.AddToContext(req.Context(), slogger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
	)
	r.Mount("/", rly.Handler())

	// Bind before anything else: a taken port means another relay owns the
	// singleton role, and the supervisor distinguishes that by exit code.
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slogger.Error("port already in use", "addr", addr, "err", err)
		os.Exit(2)
	}

	srv := &http.Server{Handler: r}

	go func() {
		slogger.Info("http server starting", "addr", addr)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		rly.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}
