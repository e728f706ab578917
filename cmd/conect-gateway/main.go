// ABOUTME: Entry point for the conect-gateway server
// ABOUTME: Manages multi-tenant chat network sessions and the HTTP control surface

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
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

	"github.com/bigconect/conect-gateway/internal/auth"
	"github.com/bigconect/conect-gateway/internal/chat"
	"github.com/bigconect/conect-gateway/internal/chat/matrix"
	"github.com/bigconect/conect-gateway/internal/config"
	"github.com/bigconect/conect-gateway/internal/dedupe"
	"github.com/bigconect/conect-gateway/internal/governor"
	"github.com/bigconect/conect-gateway/internal/httpapi"
	"github.com/bigconect/conect-gateway/internal/orchestrator"
	"github.com/bigconect/conect-gateway/internal/registry"
	"github.com/bigconect/conect-gateway/internal/webhook"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                _                       _
  ___ ___  _ __   ___  ___ ___| |_       __ _  __ _  _| |_ _____      ____ _ _   _
 / __/ _ \| '_ \ / _ \/ __|_  / __|____ / _' |/ _' |/_  __/ _ \ \ /\ / / _' | | | |
| (_| (_) | | | |  __/ (__ / /| ||_____| (_| | (_| |  | | |  __/\ V  V / (_| | |_| |
 \___\___/|_| |_|\___|\___/___|\__|     \__, |\__,_|  |_|  \___| \_/\_/ \__,_|\__, |
                                        |___/                                 |___/
`

const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 10000
)

// getConfigPath returns the path to the gateway config file.
// Priority: CONECT_CONFIG env var > XDG_CONFIG_HOME/conect/gateway.yaml > ~/.config/conect/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONECT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "conect", "gateway.yaml")
}

// getDataPath returns the path to the conect data directory.
// Priority: XDG_DATA_HOME/conect > ~/.local/share/conect
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "conect")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: conect-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                Start the gateway server")
		fmt.Println("  init                 Create a new config file interactively")
		fmt.Println("  token --sub NAME     Mint an operator bearer token")
		fmt.Println("  health               Check gateway health")
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
	case "token":
		err = runToken()
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

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Chat.Provider != "" {
		green.Print("    ▶ ")
		fmt.Printf("Chat:     ")
		cyan.Print(cfg.Chat.Provider)
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting conect-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	store, err := registry.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening session registry: %w", err)
	}
	defer store.Close()

	gov := governor.New(
		governor.Limits{
			PerMinute: cfg.Governor.PerMinute,
			PerHour:   cfg.Governor.PerHour,
			PerDay:    cfg.Governor.PerDay,
		},
		governor.CooldownBand{
			Min: cfg.Governor.CooldownMin,
			Max: cfg.Governor.CooldownMax,
		},
		logger,
	)

	webhooks := webhook.New(webhook.Options{
		DefaultURL:  cfg.Webhook.DefaultURL,
		Timeout:     cfg.Webhook.Timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		RetryDelay:  cfg.Webhook.RetryDelay,
	}, logger)

	seen := dedupe.New(dedupeTTL, dedupeMaxSize)
	defer seen.Close()

	dial, err := buildDialer(cfg, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(store, gov, webhooks, seen, dial, orchestrator.ReconnectPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	}, logger)
	defer orch.Close()

	if err := orch.Restore(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	authenticator := auth.New(cfg.Auth.APIKey, []byte(cfg.Auth.JWTSecret))
	api := httpapi.NewServer(orch, authenticator, logger)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("gateway ready", "http_addr", cfg.Server.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// buildDialer selects the chat backend from config.
func buildDialer(cfg *config.Config, logger *slog.Logger) (chat.DialFunc, error) {
	switch cfg.Chat.Provider {
	case "matrix":
		return matrix.Dialer(matrix.Config{
			Homeserver:  cfg.Chat.Matrix.Homeserver,
			UserID:      cfg.Chat.Matrix.UserID,
			AccessToken: cfg.Chat.Matrix.AccessToken,
		}, logger), nil
	case "":
		return nil, fmt.Errorf("chat.provider is required to serve")
	default:
		return nil, fmt.Errorf("chat.provider %q is not supported", cfg.Chat.Provider)
	}
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

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

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
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints an operator bearer token signed with the configured secret.
// Supports both "--sub value" and "--sub=value" formats, plus --ttl.
func runToken() error {
	var subject string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sub" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--sub="):
			subject = strings.TrimPrefix(arg, "--sub=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if subject == "" {
		return fmt.Errorf("--sub flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	authenticator := auth.New(cfg.Auth.APIKey, []byte(cfg.Auth.JWTSecret))
	token, err := authenticator.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("conect-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "sessions.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Chat Configuration ---")
	homeserver := prompt(reader, "Matrix homeserver URL", "https://matrix.example.com")
	userID := prompt(reader, "Matrix user id", "@gateway:example.com")
	accessToken := prompt(reader, "Matrix access token (or ${MATRIX_TOKEN})", "${MATRIX_TOKEN}")

	fmt.Println("\n--- Webhook Configuration ---")
	webhookURL := prompt(reader, "Default webhook URL (empty to disable)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Random credentials for the control surface
	apiKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# conect-gateway configuration\n")
	cfg.WriteString("# Generated by conect-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", apiKey))
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	cfg.WriteString("  provider: \"matrix\"\n")
	cfg.WriteString("  matrix:\n")
	cfg.WriteString(fmt.Sprintf("    homeserver: \"%s\"\n", homeserver))
	cfg.WriteString(fmt.Sprintf("    user_id: \"%s\"\n", userID))
	cfg.WriteString(fmt.Sprintf("    access_token: \"%s\"\n", accessToken))
	cfg.WriteString("\n")

	cfg.WriteString("reconnect:\n")
	cfg.WriteString("  max_attempts: 5\n")
	cfg.WriteString("  base_delay: \"5s\"\n")
	cfg.WriteString("  max_delay: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("governor:\n")
	cfg.WriteString("  per_minute: 30\n")
	cfg.WriteString("  per_hour: 200\n")
	cfg.WriteString("  per_day: 1000\n")
	cfg.WriteString("  cooldown_min: \"1s\"\n")
	cfg.WriteString("  cooldown_max: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("webhook:\n")
	if webhookURL != "" {
		cfg.WriteString(fmt.Sprintf("  default_url: \"%s\"\n", webhookURL))
	}
	cfg.WriteString("  timeout: \"15s\"\n")
	cfg.WriteString("  retry_delay: \"2s\"\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Printf("API key: %s\n", apiKey)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  conect-gateway serve\n")

	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
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
