package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/omochice/event-socket-chat/internal/logger"
	"github.com/omochice/event-socket-chat/internal/server"
	"go.uber.org/zap"
)

func main() {
	bootLog := logger.New("info")
	if err := config.LoadEnv(); err != nil {
		bootLog.Fatal("failed to load .env", zap.Error(err))
	}

	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		bootLog.Fatal("invalid configuration", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("failed to create server", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting chat server",
			zap.String("addr", cfg.Addr),
			zap.String("path", cfg.Path),
			zap.Bool("token_login", cfg.JWTSecret != ""),
		)
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			log.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		log.Info("shutting down", zap.String("signal", sig.String()))
		srv.Stop()
	}
}
