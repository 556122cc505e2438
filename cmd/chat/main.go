package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"renddirect/internal/api"
	"renddirect/internal/config"
	"renddirect/internal/logging"
	"renddirect/internal/session"
	"renddirect/internal/transport"
	"renddirect/internal/ui"
)

const version = "0.4.0"

func main() {
	widget := flag.Bool("widget", false, "Use the compact widget surface")
	conversationID := flag.String("conversation", "", "Open this conversation on start")
	propertyID := flag.String("property", "", "Start or resume the conversation about a listing")
	demo := flag.Bool("demo", false, "Run against an in-process server with a demo owner")
	email := flag.String("email", "", "Sign in with this email when no token is configured")
	password := flag.String("password", "", "Password for -email")
	logPath := flag.String("log", filepath.Join(os.TempDir(), "renddirect-chat.log"), "Log file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("renddirect chat v%s\n", version)
		return
	}

	cfg := config.LoadClient()
	logger := logging.ToFile(*logPath, cfg.Dev)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *demo {
		d, err := startDemo(ctx, logger)
		if err != nil {
			fail("Failed to start demo: %v", err)
		}
		cfg.APIBaseURL, cfg.WSURL, cfg.Token = d.apiURL, d.wsURL, d.token
	}

	client := api.New(cfg.APIBaseURL, cfg.Token, api.WithLogger(logger), api.WithTimeout(cfg.RequestTimeout))
	if cfg.Token == "" {
		if *email == "" {
			fail("No session token. Set AUTH_TOKEN, add token to %s, or pass -email and -password.", config.Path())
		}
		res, err := client.Login(ctx, *email, *password)
		if err != nil {
			fail("Sign in failed: %v", err)
		}
		cfg.Token = res.Token
	}

	if *propertyID != "" {
		conv, err := client.StartConversation(ctx, *propertyID)
		if err != nil {
			fail("Could not open a conversation about %s: %v", *propertyID, err)
		}
		*conversationID = conv.ID
	}

	tr := transport.NewClient(transport.Options{
		URL:       cfg.WSURL,
		Token:     cfg.Token,
		Reconnect: true,
		BaseDelay: cfg.ReconnectBaseDelay,
		MaxDelay:  cfg.ReconnectMaxDelay,
		Logger:    logger,
	})
	defer tr.Close()

	s, err := session.New(client, tr, session.Config{
		Token:               cfg.Token,
		TypingDebounce:      cfg.TypingDebounce,
		RemoteTypingTimeout: cfg.RemoteTypingTimeout,
		PageSize:            cfg.HistoryPageSize,
		Logger:              logger,
	})
	if err != nil {
		fail("Invalid session token: %v", err)
	}
	go s.Run(ctx)
	if err := s.Open(ctx); err != nil {
		// the session keeps reconnecting; the UI shows the state
		logger.Warn("starting offline", zap.Error(err))
	}

	p := tea.NewProgram(ui.New(s, ui.Options{Widget: *widget, ConversationID: *conversationID}), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fail("Error: %v", err)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
