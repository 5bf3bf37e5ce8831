// The proxy server: an Anthropic Messages API front end for Google's
// Cloud Code backend, multiplexed over a pool of Google accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/auth"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/clock"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/server"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		debug      bool
		fallback   bool
		port       int
		host       string
	)
	pflag.StringVar(&configPath, "config", "", "Path to config file")
	pflag.BoolVar(&debug, "debug", false, "Enable verbose logging")
	pflag.BoolVar(&fallback, "fallback", false, "Enable model fallback when all accounts are rate limited")
	pflag.IntVar(&port, "port", 0, "Listen port (default 8080)")
	pflag.StringVar(&host, "host", "", "Bind address (default 0.0.0.0)")
	pflag.Parse()

	cfg := config.Default()
	if err := cfg.Load(configPath); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	if fallback {
		cfg.FallbackEnabled = true
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	log := utils.NewLogger(cfg.Debug)

	store, cleanup, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	manager := account.NewManager(store, clock.System(), cfg.StickyWindowMs, log)

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Initialize(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("loading account pool: %w", err)
	}
	log.Success("[Startup] Account pool: %s", manager.GetStatus().Summary)

	resolver := account.NewResolver(account.ResolverOptions{
		Refresher:        auth.NewOAuthRefresher(nil, log),
		DBReader:         auth.NewDatabaseReader("", log),
		Discoverer:       auth.NewProjectDiscovery(nil, log),
		Manager:          manager,
		Logger:           log,
		DefaultProjectID: cfg.DefaultProjectID,
	})

	client := cloudcode.NewClient(manager, resolver, cfg, log)
	srv := server.New(cfg, manager, resolver, client, log)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := srv.Run(ctx, addr); err != nil {
		return err
	}

	// Persist final pool state (cursor, cooldowns) on the way out.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Save(saveCtx); err != nil {
		log.Warn("[Shutdown] Failed to save account pool: %v", err)
	}

	log.Success("Server stopped")
	return nil
}

// buildStore picks the account store: Redis when an address is
// configured, the JSON file otherwise.
func buildStore(cfg *config.Config, log *utils.Logger) (account.Store, func(), error) {
	if cfg.RedisAddr != "" {
		store, err := account.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to Redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info("[Startup] Using Redis account store at %s", cfg.RedisAddr)
		return store, func() { store.Close() }, nil
	}
	return account.NewFileStore(cfg.AccountConfigPath, log), func() {}, nil
}

func printBanner(cfg *config.Config) {
	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Printf("\nAntigravity Claude Proxy v%s\n", config.Version)
	fmt.Printf("  Listening:  http://%s:%d\n", displayHost, cfg.Port)
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/messages      Anthropic Messages API")
	fmt.Println("    GET  /v1/models        Model catalog")
	fmt.Println("    GET  /health           Pool status")
	fmt.Println("    POST /refresh-token    Drop credential caches")
	if cfg.FallbackEnabled {
		fmt.Println("  Model fallback: enabled")
	}
	fmt.Println("\n  Usage with Claude Code:")
	fmt.Printf("    export ANTHROPIC_BASE_URL=http://%s:%d\n", displayHost, cfg.Port)
	if cfg.APIKey != "" {
		fmt.Println("    export ANTHROPIC_API_KEY=<configured key>")
	}
	fmt.Println()
}
