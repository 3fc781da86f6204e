package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/engine"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/log"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/meter"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/server"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	m := meter.Configured()
	s := storage.Configured()
	eng := engine.Configured(m, s)

	// init server
	srv := server.Configured(eng, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// load persisted totals and try to anchor the reference baseline
	if err := eng.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// run the metering loop alongside the HTTP server; whichever fails first
	// cancels the other
	errChan := make(chan error, 2)
	go func() {
		errChan <- eng.Run(ctx)
	}()
	go func() {
		errChan <- srv.Run(ctx)
	}()

	if err := <-errChan; err != nil {
		cancel()
		<-errChan
		log.Ctx(ctx).ErrorContext(ctx, "run failed", "error", err)
		os.Exit(1)
	}
	cancel()
	if err := <-errChan; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "run failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
