package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/omochice/event-socket-chat/internal/client"
	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/omochice/event-socket-chat/internal/harness"
	"github.com/omochice/event-socket-chat/internal/logger"
	"go.uber.org/zap"
)

func main() {
	bootLog := logger.New("info")
	if err := config.LoadEnv(); err != nil {
		bootLog.Fatal("failed to load .env", zap.Error(err))
	}

	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		bootLog.Fatal("invalid configuration", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	dialer, err := client.DialerByName(cfg.Dialer)
	if err != nil {
		log.Fatal("invalid dialer", zap.Error(err))
	}

	view := harness.NewTerminalView(os.Stdout)
	h := harness.New(view, harness.Options{
		Endpoint:   cfg.Endpoint,
		Path:       cfg.Path,
		Transports: cfg.Transports,
		Dialer:     dialer,
		StrictAck:  cfg.StrictAck,
		LoginURL:   cfg.LoginURL,
		Logger:     log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	if cfg.LoginURL != "" {
		err = h.LoginWithPassword(ctx, cfg.Username, cfg.Password)
	} else {
		err = h.Login(ctx, cfg.Username, cfg.Phone)
	}
	cancel()
	if err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer h.Disconnect()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Warn("error reading input", zap.Error(err))
		}
	}()

	for {
		select {
		case <-sigChan:
			return
		case <-h.Done():
			log.Info("connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(h, log, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// handleLine sends one input line. Lines starting with /chat, /chat2 or
// /signal pick the other emission variants.
func handleLine(h *harness.Harness, log *zap.Logger, text string) bool {
	if text == "" {
		return false
	}
	if text == "quit" || text == "exit" {
		return true
	}

	var err error
	switch cmd, rest, _ := strings.Cut(text, " "); cmd {
	case "/chat":
		err = h.SendChat(rest)
	case "/chat2":
		err = h.SendChat2(rest)
	case "/signal":
		to, body, ok := strings.Cut(rest, " ")
		if !ok {
			log.Warn("usage: /signal <phone> <message>")
			return false
		}
		err = h.SendSignal(to, body)
	default:
		err = h.SendMsg(text)
	}
	if err != nil {
		log.Warn("failed to send message", zap.Error(err))
	}
	return false
}
