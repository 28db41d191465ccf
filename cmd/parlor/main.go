package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"parlor/internal/auth"
	"parlor/internal/config"
	"parlor/internal/httpclient"
	"parlor/internal/metrics"
	"parlor/internal/observability"
	"parlor/internal/service/session"
	"parlor/internal/service/turnsync"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	characterID := flag.String("character", "mira", "character id or identifier to chat with")
	email := flag.String("email", "", "email to sign in with when no saved token is valid")
	flag.Parse()

	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()
	if *configPath != "" {
		if err := config.LoadFile(cfg, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%s%v%s\n", colorRed, err, colorReset)
			os.Exit(1)
		}
	}

	logger, logFile, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger.Info("parlor started", "log_file", logFile.Name(), "base_url", cfg.BaseURL)

	ctx := context.Background()

	// Spans go to the log file unless an OTLP endpoint is set
	shutdownTracing, err := observability.InitTracing(ctx, cfg, observability.Options{
		ServiceName: "parlor",
		SpanWriter:  logFile,
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background())

	tokens := auth.NewTokenStore(auth.NewFileTokenPersister(cfg.TokenFile), logger)
	if err := tokens.InitFromStorage(); err != nil {
		logger.Warn("could not read saved token", "error", err)
	}
	tokens.Subscribe(func(token string) {
		if token == "" {
			logger.Info("signed out")
		}
	})

	// Collected for the log at exit; nothing scrapes a terminal client
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	defer logMetrics(registry, logger)

	api := httpclient.New(httpclient.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.RequestTimeout,
		Tokens:  tokens,
		Metrics: m,
		Logger:  logger,
	})

	stdin := bufio.NewReader(os.Stdin)

	if !tokens.HasToken() {
		if err := signIn(ctx, api, tokens, stdin, *email); err != nil {
			fmt.Fprintf(os.Stderr, "%sSign in failed: %v%s\n", colorRed, err, colorReset)
			os.Exit(1)
		}
	}

	turns := turnsync.New(api)
	character, err := turns.GetCharacter(ctx, *characterID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sUnknown character %q: %v%s\n", colorRed, *characterID, err, colorReset)
		os.Exit(1)
	}
	logger.Info("character resolved", "character_id", character.ID, "name", character.Name)

	chatID, err := turns.GetOrCreateChatID(ctx, character.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sCould not open a chat with %q: %v%s\n", colorRed, *characterID, err, colorReset)
		os.Exit(1)
	}

	s := session.New(session.Options{
		ChatID:    chatID,
		API:       turns,
		Auth:      tokens,
		Selection: selectionLog{logger: logger},
		PageLimit: cfg.PageLimit,
		Metrics:   m,
		Logger:    logger,
	})

	cli := newCLI(s, stdin, os.Stdout, logger)
	unsubscribe := s.Subscribe(cli.render)
	defer unsubscribe()

	if err := s.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%sCould not load the chat: %s%s\n", colorRed, describe(err), colorReset)
		os.Exit(1)
	}
	defer s.Close()

	// Ctrl-C cancels a reply in progress; otherwise it exits
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		for range interrupts {
			if s.CancelStream() {
				logger.Info("stream cancelled by user")
				continue
			}
			fmt.Println()
			s.Close()
			os.Exit(130)
		}
	}()

	cli.run(ctx)
}

// signIn asks for an email and the emailed code, then stores the token
func signIn(ctx context.Context, api *httpclient.Client, tokens *auth.TokenStore, in *bufio.Reader, email string) error {
	if email == "" {
		fmt.Print("Email: ")
		email = readLine(in)
	}
	if err := api.SendCode(ctx, email); err != nil {
		return err
	}

	fmt.Printf("%sA login code was sent to %s.%s\nCode: ", colorCyan, email, colorReset)
	code := readLine(in)
	if _, err := api.Login(ctx, email, code, tokens); err != nil {
		return err
	}

	user, err := api.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s✓ Signed in as %s%s\n", colorGreen, user.Email, colorReset)
	return nil
}

func readLine(in *bufio.Reader) string {
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}
