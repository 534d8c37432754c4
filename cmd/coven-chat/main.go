// ABOUTME: Entry point for the coven-chat server
// ABOUTME: Serves the chat API and provides config, credential and usage subcommands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/coven-chat > ~/.local/share/coven-chat
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-chat")
}

func usage() {
	fmt.Println("Usage: coven-chat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the chat server (default)")
	fmt.Println("  init [path]                    Write a default config file")
	fmt.Println("  token <owner> [tier] [ttl]     Issue a bearer token")
	fmt.Println("  hash-key <key>                 Hash an API key for auth.api_keys")
	fmt.Println("  usage <owner> [since]          Show token usage for an owner")
	fmt.Println("  health                         Check server readiness")
	fmt.Println("  version                        Print the version")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "hash-key":
		err = runHashKey(args)
	case "usage":
		err = runUsage(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := config.SetupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.Model.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Streams:   ")
	if cfg.Stream.Enabled {
		fmt.Printf("resumable (%s)\n", cfg.Stream.Backend)
	} else {
		yellow.Println("not resumable")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes the default configuration with a fresh JWT secret.
func runInit(args []string) error {
	outputFile := getConfigPath()
	if len(args) > 0 {
		outputFile = args[0]
	}

	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("%s already exists", outputFile)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	cfg := config.Default()
	cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secretBytes)
	cfg.Database.Path = filepath.Join(getDataPath(), "chat.db")
	cfg.Stream.Path = filepath.Join(getDataPath(), "streams")

	data, err := cfg.Marshal(config.FormatFor(outputFile))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(getDataPath(), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", outputFile)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    export OPENAI_API_KEY=...")
	fmt.Println("    coven-chat token <owner>     # issue a bearer token")
	fmt.Println("    coven-chat serve")
	return nil
}

// runToken issues a signed bearer token for an owner.
func runToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coven-chat token <owner> [tier] [ttl]")
	}
	owner := strings.TrimSpace(args[0])
	if owner == "" {
		return fmt.Errorf("owner cannot be empty")
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	var tier string
	if len(args) > 1 {
		tier = args[1]
		if _, ok := cfg.Quota.Tiers[tier]; !ok {
			return fmt.Errorf("unknown tier %q (known: %s)", tier, strings.Join(cfg.TierNames(), ", "))
		}
	}

	ttl := defaultTokenTTL
	if len(args) > 2 {
		ttl, err = time.ParseDuration(args[2])
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(owner, tier, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// runHashKey prints the bcrypt hash to paste into auth.api_keys.
func runHashKey(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: coven-chat hash-key <key>")
	}
	hash, err := auth.HashAPIKey(args[0])
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}
	fmt.Println(hash)
	return nil
}

// runUsage reads token usage straight from the database.
func runUsage(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coven-chat usage <owner> [since]")
	}
	since := 30 * 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parsing since: %w", err)
		}
		since = d
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	stats, err := s.GetUsageStats(ctx, args[0], time.Now().Add(-since))
	if err != nil {
		return fmt.Errorf("reading usage: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("  Usage for %s (last %s)\n", args[0], since)
	fmt.Printf("  Turns:            %d\n", stats.Turns)
	fmt.Printf("  Input tokens:     %d\n", stats.InputTokens)
	fmt.Printf("  Output tokens:    %d\n", stats.OutputTokens)
	fmt.Printf("  Reasoning tokens: %d\n", stats.ReasoningTokens)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
