package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/pkg/orchestra"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	settings := fs.String("settings", settingsPath(), "settings file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := orchestra.Open(ctx, cfg.Config, orchestra.WithLogger(logger))
	if err != nil {
		logger.Error("open failed", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
		defer cancel()
		if err := o.Close(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	recovered, err := o.Start(ctx)
	if err != nil {
		logger.Error("start failed", slog.String("error", err.Error()))
		return 1
	}
	for _, id := range recovered {
		logger.Info("plan recovered", slog.String("plan_id", id))
	}

	for _, s := range cfg.Schedules {
		def, err := planfile.Load(s.File)
		if err != nil {
			logger.Error("schedule skipped", slog.String("file", s.File), slog.String("error", err.Error()))
			continue
		}
		if _, err := o.Schedule(s.Cron, def); err != nil {
			logger.Error("schedule skipped", slog.String("file", s.File), slog.String("error", err.Error()))
		}
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newMux(o),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := cfg
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			return 0
		case err := <-srvErr:
			logger.Error("metrics server failed", slog.String("error", err.Error()))
			return 1
		case <-hup:
			next, err := loadConfig(*settings)
			if err != nil {
				logger.Error("reload failed", slog.String("error", err.Error()))
				continue
			}
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
			}
			current.LogLevel = next.LogLevel
		}
	}
}

func newMux(o *orchestra.Orchestra) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", o.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
