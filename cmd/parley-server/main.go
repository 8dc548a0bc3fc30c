// ABOUTME: Entry point for the parley conversation server
// ABOUTME: Hosts the broker, HTTP/websocket surfaces, and storage backends

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/local"
	"github.com/2389/parley/internal/server"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
 _ __   __ _ _ __ ___| | ___ _   _
| '_ \ / _' | '__/ _ \ |/ _ \ | | |
| |_) | (_| | | |  __/ |  __/ |_| |
| .__/ \__,_|_|  \___|_|\___|\__, |
|_|                          |___/
`

// getConfigPath returns the path to the server config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/server.yaml > ~/.config/parley/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "server.yaml")
}

// loadConfig reads the config file, falling back to defaults when it is
// absent.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: parley-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the conversation server")
		fmt.Println("  health                       Check server health")
		fmt.Println("  token --sub NAME [--ttl DUR] Mint an admin bearer token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:    %s\n", cfg.Storage.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Workspaces: %s\n", cfg.Workspace.Root)
	if cfg.Auth.JWTSecret == "" {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Println("Auth:       disabled")
	}
	fmt.Println()

	logger.Info("starting parley-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
	)

	presets, err := agent.LoadPresets(cfg.Agents.PresetsPath)
	if err != nil {
		return err
	}

	brokerOpts := local.Options{
		WorkspaceRoot: cfg.Workspace.Root,
		FanoutTimeout: cfg.Broker.FanoutTimeout,
		Logger:        logger,
	}
	if cfg.Storage.Backend == "sqlite" {
		if err := wireSQLite(cfg.Storage.Path, &brokerOpts); err != nil {
			return err
		}
	}

	broker, err := local.NewBroker(brokerOpts)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	srv := server.NewServer(server.Options{
		Broker:        broker,
		Presets:       presets,
		DefaultPreset: cfg.Agents.DefaultPreset,
		Verifier:      verifier,
		DestroyGrace:  cfg.Broker.DestroyGrace,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Broker.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return broker.Shutdown(shutdownCtx, cfg.Broker.ShutdownGrace)
}

// wireSQLite points the broker's store constructors at per-conversation
// database files under dir, plus a shared conversations database.
func wireSQLite(dir string, opts *local.Options) error {
	if dir == "" {
		return fmt.Errorf("storage.path is required for the sqlite backend")
	}
	db, err := storage.OpenSQLite(filepath.Join(dir, "conversations.db"))
	if err != nil {
		return err
	}
	infos, err := storage.NewSQLiteStorage(db, "conversations", conversation.Identity, conversation.Codec)
	if err != nil {
		return err
	}
	opts.InfoStore = infos
	opts.NewEventStore = func(id uuid.UUID) (storage.Storage[event.Event], error) {
		db, err := storage.OpenSQLite(filepath.Join(dir, id.String()+".db"))
		if err != nil {
			return nil, err
		}
		return storage.NewSQLiteStorage(db, "events", event.Identity, event.Codec)
	}
	opts.NewTaskStore = func(id uuid.UUID) (storage.Storage[task.Task], error) {
		db, err := storage.OpenSQLite(filepath.Join(dir, id.String()+".db"))
		if err != nil {
			return nil, err
		}
		return storage.NewSQLiteStorage(db, "tasks", task.Identity, task.Codec)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runToken(args []string) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	subject := ""
	ttl := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--sub":
			i++
			if i >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			subject = args[i]
		case "--ttl":
			i++
			if i >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			ttl, err = time.ParseDuration(args[i])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if subject == "" {
		return fmt.Errorf("--sub is required")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
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
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler writes colorized single-line log records. Writes are
// serialized through the mutex.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	// Handler-level attrs (from With) come before record attrs.
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

func (h *colorHandler) WithGroup(string) slog.Handler {
	// Groups are not rendered; attrs keep their plain keys.
	return h
}
