// ABOUTME: Entry point for the repurpo-chat terminal client.
// ABOUTME: Streams agent responses, persists messages, and exports documents.

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/neelamnagarajgithub/repurpoai/internal/auth"
	"github.com/neelamnagarajgithub/repurpoai/internal/config"
	"github.com/neelamnagarajgithub/repurpoai/internal/document"
	"github.com/neelamnagarajgithub/repurpoai/internal/relay"
	"github.com/neelamnagarajgithub/repurpoai/internal/session"
	"github.com/neelamnagarajgithub/repurpoai/internal/store"
	"github.com/neelamnagarajgithub/repurpoai/internal/stream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___ _ __  _   _ _ __ _ __   ___
| '__/ _ \ '_ \| | | | '__| '_ \ / _ \
| | |  __/ |_) | |_| | |  | |_) | (_) |
|_|  \___| .__/ \__,_|_|  | .__/ \___/
         |_|              |_|
`

// getConfigPath returns the path to the chat config file.
// Priority: REPURPO_CONFIG env var > XDG_CONFIG_HOME/repurpo/chat.yaml > ~/.config/repurpo/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("REPURPO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "repurpo", "chat.yaml")
}

// getDataPath returns the path to the repurpo data directory.
// Priority: XDG_DATA_HOME/repurpo > ~/.local/share/repurpo
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "repurpo")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: repurpo-chat <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  chat         Start an interactive conversation")
		fmt.Println("  downloads    List registered downloads")
		fmt.Println("  version      Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx)
	case "downloads":
		err = runDownloads(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:     %s\n", cfg.Backend.APIURL)
	green.Print("    ▶ ")
	fmt.Printf("Stream:  %s\n", cfg.Backend.StreamURL)
	fmt.Println()

	tokens := tokenProvider(cfg, logger)
	token, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	rl := relay.New(relay.Config{
		BaseURL: cfg.Backend.APIURL,
		Tokens:  tokens,
		Logger:  logger,
	})

	sess := stream.NewSession(stream.Config{
		URL:       cfg.Backend.StreamURL,
		AuthToken: token,
		Logger:    logger,
	})

	var mirror session.Mirror
	if cfg.History.Enabled {
		history, err := store.NewHistoryStore(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer history.Close()
		mirror = history
	}

	artifactDir := cfg.Artifacts.Dir
	if artifactDir == "" {
		artifactDir = filepath.Join(getDataPath(), "artifacts")
	}

	coord := session.New(session.Config{
		Stream:         sess,
		Relay:          rl,
		Sink:           document.DirSink{Dir: artifactDir},
		Mirror:         mirror,
		PersistTimeout: cfg.Persistence.Timeout,
		Logger:         logger,
	})
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Close()

	return chatLoop(ctx, coord)
}

// chatLoop reads user input and renders streamed responses until EOF,
// /quit, or the stream closes.
func chatLoop(ctx context.Context, coord *session.Coordinator) error {
	updates, _ := coord.Subscribe(ctx)

	var mu sync.Mutex
	var lastAssistant string

	assistant := color.New(color.FgCyan)
	info := color.New(color.FgHiBlack)
	errc := color.New(color.FgRed)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for u := range updates {
			switch u.Kind {
			case session.UpdateFragment:
				assistant.Print(u.Text)
			case session.UpdateFinalized:
				mu.Lock()
				last := lastAssistant
				mu.Unlock()
				if u.Handle == last {
					fmt.Println()
				}
			case session.UpdateIdentity:
				info.Printf("  [conversation %s]\n", u.ConversationID)
			case session.UpdateError:
				if u.Err != nil {
					errc.Printf("\n  ✗ %v\n", u.Err)
				}
			case session.UpdateClosed:
				if u.Err != nil {
					errc.Printf("\n  ✗ connection lost: %v\n", u.Err)
				}
				return
			}
		}
	}()

	fmt.Println("Type a message, /reply <text>, /interrupt, /export, /id, or /quit.")
	scanner := bufio.NewScanner(os.Stdin)
	prompt := color.New(color.FgGreen)

	for {
		prompt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		select {
		case <-closed:
			return fmt.Errorf("stream closed")
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit":
			coord.Flush()
			return nil

		case line == "/id":
			if id, ok := coord.ConversationID(); ok {
				fmt.Printf("conversation: %s\n", id)
			} else {
				fmt.Println("conversation identity not assigned yet")
			}

		case line == "/interrupt":
			if err := coord.Interrupt(); err != nil {
				errc.Printf("✗ %v\n", err)
			}

		case line == "/export":
			mu.Lock()
			handle := lastAssistant
			mu.Unlock()
			if handle == "" {
				fmt.Println("nothing to export yet")
				continue
			}
			exportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			location, err := coord.ExportDocument(exportCtx, handle)
			cancel()
			if err != nil {
				errc.Printf("✗ %v\n", err)
				continue
			}
			fmt.Printf("exported: %s\n", location)

		case strings.HasPrefix(line, "/reply "):
			if _, err := coord.Reply(strings.TrimPrefix(line, "/reply ")); err != nil {
				errc.Printf("✗ %v\n", err)
			}

		default:
			_, assistantHandle, err := coord.Send(line)
			if err != nil {
				errc.Printf("✗ %v\n", err)
				continue
			}
			mu.Lock()
			lastAssistant = assistantHandle
			mu.Unlock()
		}
	}
}

func runDownloads(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	rl := relay.New(relay.Config{
		BaseURL: cfg.Backend.APIURL,
		Tokens:  tokenProvider(cfg, logger),
		Logger:  logger,
	})

	downloads, err := rl.ListDownloads(ctx, 50)
	if err != nil {
		return fmt.Errorf("listing downloads: %w", err)
	}

	if len(downloads) == 0 {
		fmt.Println("No downloads registered.")
		return nil
	}

	for _, d := range downloads {
		fmt.Printf("%-40s %s\n", d.Filename, d.URL)
	}
	return nil
}

// tokenProvider picks between a configured static token and password login.
func tokenProvider(cfg *config.Config, logger *slog.Logger) relay.TokenProvider {
	if cfg.Auth.Token != "" {
		return auth.StaticToken(cfg.Auth.Token)
	}
	return auth.NewTokenSource(auth.Config{
		BaseURL:  cfg.Backend.APIURL,
		Email:    cfg.Auth.Email,
		Password: cfg.Auth.Password,
		Logger:   logger,
	})
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
