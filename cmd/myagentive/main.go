// ABOUTME: Entry point for the myagentive conversation server
// ABOUTME: Wires the store, session manager, web hub, and bot bridge together

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
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

	"github.com/AgentiveAU/MyAgentive/internal/botbridge"
	"github.com/AgentiveAU/MyAgentive/internal/config"
	"github.com/AgentiveAU/MyAgentive/internal/engine"
	"github.com/AgentiveAU/MyAgentive/internal/replies"
	"github.com/AgentiveAU/MyAgentive/internal/session"
	"github.com/AgentiveAU/MyAgentive/internal/store"
	"github.com/AgentiveAU/MyAgentive/internal/webhub"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _   _
 _ __ ___  _   _  __ _  __ _  ___ _ __ | |_(_)_   _____
| '_ ' _ \| | | |/ _' |/ _' |/ _ \ '_ \| __| \ \ / / _ \
| | | | | | |_| | (_| | (_| |  __/ | | | |_| |\ V /  __/
|_| |_| |_|\__, |\__,_|\__, |\___|_| |_|\__|_| \_/ \___|
           |___/       |___/
`

// getConfigPath returns the path to the config file.
// Priority: MYAGENTIVE_CONFIG env var > XDG_CONFIG_HOME/myagentive/myagentive.yaml > ~/.config/myagentive/myagentive.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MYAGENTIVE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "myagentive.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "myagentive", "myagentive.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/myagentive > ~/.local/share/myagentive
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "myagentive")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: myagentive <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the conversation server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
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

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)

	if cfg.Bot.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Bot:      ")
		cyan.Print("enabled")
		if mode := cfg.Bot.ReplyMode; mode != "" && mode != "off" {
			yellow.Printf(" [replies: %s]", mode)
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting myagentive",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"bot_enabled", cfg.Bot.Enabled,
	)

	// Open the store
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// Engine working directory; each conversation gets a subdirectory.
	workDir := cfg.Engine.WorkDir
	if workDir == "" {
		workDir = filepath.Join(getDataPath(), "workspaces")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}

	filesURLBase := cfg.Web.FilesURLBase
	if filesURLBase == "" {
		filesURLBase = "/files"
	}

	manager := session.NewManager(session.Config{
		Store:    st,
		Launcher: engine.CommandLauncher,
		Engine: engine.Config{
			Command:      cfg.Engine.Command,
			SystemPrompt: cfg.Engine.SystemPrompt,
			AllowedTools: cfg.Engine.AllowedTools,
			WorkDir:      workDir,
		},
		FileURLBase:      filesURLBase,
		MaxContextTokens: cfg.Engine.MaxContextTokens,
		Logger:           logger,
	})
	defer manager.Close()

	// HTTP surface: WebSocket hub, health, and delivered output files.
	mux := http.NewServeMux()
	hub := webhub.New(manager, logger)
	defer hub.Close()

	mux.Handle("/ws", hub)
	mux.Handle(strings.TrimRight(filesURLBase, "/")+"/",
		http.StripPrefix(strings.TrimRight(filesURLBase, "/")+"/", http.FileServer(http.Dir(workDir))))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Bot transport
	if cfg.Bot.Enabled {
		bridge := botbridge.New(manager, botbridge.Config{
			Token:           cfg.Bot.Token,
			APIBase:         cfg.Bot.APIBase,
			ReplyMode:       replies.Mode(cfg.Bot.ReplyMode),
			AllowedChats:    cfg.Bot.AllowedChats,
			ResponseTimeout: cfg.Bot.ResponseTimeout,
			EditInterval:    cfg.Bot.EditInterval,
			Logger:          logger,
		})
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("bot bridge: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
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

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
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
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("myagentive configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "myagentive.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Engine
	fmt.Println("\n--- Engine Configuration ---")
	engineCmd := prompt(reader, "Engine command", "claude")
	workDir := prompt(reader, "Engine work directory", filepath.Join(defaultDataPath, "workspaces"))

	// Bot
	fmt.Println("\n--- Bot Configuration ---")
	enableBot := prompt(reader, "Enable the Telegram bot?", "no")
	botEnabled := strings.ToLower(enableBot) == "yes" || strings.ToLower(enableBot) == "y"

	var botToken, replyMode string
	if botEnabled {
		botToken = prompt(reader, "Bot token (or ${ENV_VAR} reference)", "${TELEGRAM_BOT_TOKEN}")
		replyMode = prompt(reader, "Reply threading (off/first/all)", "off")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# myagentive configuration\n")
	cfg.WriteString("# Generated by myagentive init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("engine:\n")
	cfg.WriteString(fmt.Sprintf("  command: \"%s\"\n", engineCmd))
	cfg.WriteString(fmt.Sprintf("  work_dir: \"%s\"\n", workDir))
	cfg.WriteString("\n")

	cfg.WriteString("bot:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", botEnabled))
	if botEnabled {
		cfg.WriteString(fmt.Sprintf("  token: \"%s\"\n", botToken))
		cfg.WriteString(fmt.Sprintf("  reply_mode: \"%s\"\n", replyMode))
		cfg.WriteString("  response_timeout: \"5m\"\n")
		cfg.WriteString("  edit_interval: \"1500ms\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("web:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  files_url_base: \"/files\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  myagentive serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
