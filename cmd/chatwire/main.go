package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tikoncha/chatwire/internal/chat"
	"github.com/tikoncha/chatwire/internal/config"
	"github.com/tikoncha/chatwire/internal/event"
	"github.com/tikoncha/chatwire/internal/history"
	"github.com/tikoncha/chatwire/internal/token"
	"github.com/tikoncha/chatwire/internal/ws"
)

func main() {
	chatID := flag.String("chat", "", "conversation id")
	identity := flag.String("token", os.Getenv("CHATWIRE_IDENTITY_TOKEN"), "identity bearer credential")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *chatID == "" || *identity == "" {
		fmt.Fprintln(os.Stderr, "usage: chatwire -chat <conversation-id> -token <identity-credential>")
		os.Exit(2)
	}

	// Keep stdout clean for the conversation itself.
	logWriter := io.Writer(os.Stderr)
	if logPath := os.Getenv("CHATWIRE_LOG_PATH"); logPath != "" {
		fileWriter, file, err := newLogFileWriter(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			defer file.Close()
			logWriter = fileWriter
		}
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	bus := event.NewBus(logger)

	tokens := token.NewService(token.Config{
		Endpoint:      cfg.API.TokenURL,
		RefreshBuffer: cfg.Token.RefreshBuffer(),
	}, bus, logger)
	defer tokens.Close()

	manager := ws.NewManager(ws.Config{
		URLTemplate:          cfg.WS.URLTemplate,
		PingInterval:         cfg.WS.PingInterval(),
		ReconnectDelay:       cfg.WS.ReconnectDelay(),
		MaxReconnectAttempts: cfg.WS.MaxReconnectAttempts,
	}, tokens, bus, logger)

	hist := history.NewClient(cfg.API.BaseURL, *identity, nil)
	session := chat.NewSession(chat.SessionConfig{
		ConversationID: *chatID,
		SendTimeout:    cfg.Chat.SendTimeout(),
		HistoryLimit:   cfg.Chat.HistoryLimit,
	}, manager, hist, bus, logger)
	defer session.Close()

	r := &renderer{printed: make(map[string]bool)}
	bus.Subscribe(chat.EventState, func(payload any) {
		if snap, ok := payload.(chat.Snapshot); ok {
			r.render(snap)
		}
	})
	bus.Subscribe(event.ConnectionStatus, func(payload any) {
		if status, ok := payload.(event.StatusPayload); ok && !status.Connected {
			fmt.Fprintln(os.Stderr, "* disconnected")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := tokens.Initialize(ctx, *identity); err != nil {
		cancel()
		logger.Error("credential exchange failed", "error", err)
		os.Exit(1)
	}
	if err := manager.Connect(ctx); err != nil {
		cancel()
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	if err := session.SeedHistory(ctx); err != nil {
		logger.Warn("history unavailable", "error", err)
	}
	cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := session.SendMessage(*chatID, scanner.Text()); err != nil {
				logger.Warn("send rejected", "error", err)
			}
		}
		stop <- syscall.SIGTERM
	}()

	<-stop
	logger.Info("shutting down")
	manager.Disconnect()
}

// renderer prints confirmed messages once and streams assistant fragments as
// they arrive.
type renderer struct {
	mu         sync.Mutex
	lastStream string
	printed    map[string]bool
}

func (r *renderer) render(snap chat.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Streaming != nil {
		fmt.Print(strings.TrimPrefix(snap.Streaming.Text, r.lastStream))
		r.lastStream = snap.Streaming.Text
		return
	}
	flushed := r.lastStream
	if flushed != "" {
		fmt.Println()
		r.lastStream = ""
	}

	for _, m := range snap.Messages {
		if m.Lifecycle != chat.LifecycleConfirmed || r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		if !m.Mine && m.Text == flushed {
			// Already on screen as the streamed reply.
			continue
		}
		who := "assistant"
		if m.Mine {
			who = "you"
		}
		fmt.Printf("[%s] %s\n", who, m.Text)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
