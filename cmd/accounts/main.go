// The account management CLI: sign in Google accounts, inspect the
// pool, and prune stale entries. Run it while the proxy is stopped so
// the server picks up the changes on its next start.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/auth"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

type cli struct {
	cfg     *config.Config
	store   account.Store
	cleanup func()
	log     *utils.Logger
	scanner *bufio.Scanner
}

func main() {
	var (
		configPath string
		noBrowser  bool
	)
	pflag.StringVar(&configPath, "config", "", "Path to config file")
	pflag.BoolVar(&noBrowser, "no-browser", false, "Manual authorization code input (for headless servers)")
	pflag.Parse()

	command := "add"
	if args := pflag.Args(); len(args) > 0 {
		command = args[0]
	}

	cfg := config.Default()
	if err := cfg.Load(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	app, err := newCLI(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer app.cleanup()

	printBanner()

	switch command {
	case "add":
		app.ensureServerStopped()
		app.interactiveAdd(noBrowser)
	case "list":
		app.listAccounts()
	case "verify":
		app.verifyAccounts()
	case "remove":
		app.ensureServerStopped()
		app.interactiveRemove()
	case "clear":
		app.ensureServerStopped()
		app.clearAccounts()
	case "import-db":
		app.ensureServerStopped()
		app.importFromDatabase()
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
		os.Exit(1)
	}
}

func newCLI(cfg *config.Config) (*cli, error) {
	log := utils.NewLogger(cfg.Debug)

	if cfg.RedisAddr != "" {
		store, err := account.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to Redis at %s: %w", cfg.RedisAddr, err)
		}
		return &cli{
			cfg:     cfg,
			store:   store,
			cleanup: func() { store.Close() },
			log:     log,
			scanner: bufio.NewScanner(os.Stdin),
		}, nil
	}

	return &cli{
		cfg:     cfg,
		store:   account.NewFileStore(cfg.AccountConfigPath, log),
		cleanup: func() {},
		log:     log,
		scanner: bufio.NewScanner(os.Stdin),
	}, nil
}

func printBanner() {
	fmt.Println("Antigravity Claude Proxy - Account Manager")
	fmt.Println("Use --no-browser for headless machines.")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  accounts add        Sign in a Google account via OAuth")
	fmt.Println("  accounts list       List saved accounts")
	fmt.Println("  accounts verify     Test each account's refresh token")
	fmt.Println("  accounts remove     Remove accounts interactively")
	fmt.Println("  accounts clear      Remove all accounts")
	fmt.Println("  accounts import-db  Import the Antigravity desktop app credential")
	fmt.Println("  accounts help       Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --config <path>  Config file")
	fmt.Println("  --no-browser     Manual authorization code input (for headless servers)")
}

// ensureServerStopped refuses to mutate the pool while the proxy is
// serving from it.
func (a *cli) ensureServerStopped() {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", a.cfg.Port), time.Second)
	if err != nil {
		return
	}
	conn.Close()

	fmt.Printf("\nError: the proxy server is running on port %d.\n", a.cfg.Port)
	fmt.Println("Stop it (Ctrl+C) before managing accounts, so your changes are")
	fmt.Println("loaded when it restarts.")
	os.Exit(1)
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Println("\nCould not open browser automatically.")
		fmt.Println("Open this URL manually:", url)
	}
}

func (a *cli) loadPool() *account.Pool {
	pool, err := a.store.Load(context.Background())
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return account.NewPool()
	}
	return pool
}

func (a *cli) savePool(pool *account.Pool) {
	if err := a.store.Save(context.Background(), pool); err != nil {
		fmt.Println("Error saving accounts:", err)
	}
}

func displayAccounts(pool *account.Pool) {
	if len(pool.Accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(pool.Accounts))
	for i, acc := range pool.Accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid)"
			if acc.InvalidReason != nil {
				status = fmt.Sprintf(" (invalid: %s)", *acc.InvalidReason)
			}
		}
		fmt.Printf("  %d. %s [%s]%s\n", i+1, acc.Email, acc.Source, status)
	}
}

func (a *cli) prompt(message string) string {
	fmt.Print(message)
	if a.scanner.Scan() {
		return strings.TrimSpace(a.scanner.Text())
	}
	return ""
}

// signIn runs the OAuth flow and returns the authenticated identity.
func (a *cli) signIn(noBrowser bool) *auth.FlowResult {
	authURL, err := auth.BuildAuthorizationURL("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	var code string
	if noBrowser {
		fmt.Println("\nOpen this URL in a browser on any device:")
		fmt.Printf("   %s\n\n", authURL.URL)
		fmt.Println("After signing in you will be redirected to a localhost URL.")
		fmt.Println("Copy the ENTIRE redirect URL, or just the authorization code.")

		input := a.prompt("Paste the callback URL or authorization code: ")
		extracted, err := auth.ExtractCode(input)
		if err != nil {
			fmt.Printf("\nAuthentication failed: %v\n", err)
			return nil
		}
		if extracted.State != "" && extracted.State != authURL.State {
			fmt.Println("\nWarning: state mismatch; proceeding since the code was pasted manually.")
		}
		code = extracted.Code
	} else {
		fmt.Println("\nOpening browser for Google sign-in...")
		fmt.Println("(If the browser does not open, copy this URL manually)")
		fmt.Printf("   %s\n\n", authURL.URL)
		openBrowser(authURL.URL)

		fmt.Println("Waiting for authentication (timeout: 2 minutes)...")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		code, err = auth.NewCallbackServer(authURL.State).Wait(ctx)
		if err != nil {
			fmt.Printf("\nAuthentication failed: %v\n", err)
			return nil
		}
	}

	fmt.Println("Exchanging authorization code for tokens...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := auth.CompleteFlow(ctx, code, authURL.Verifier)
	if err != nil {
		fmt.Printf("\nAuthentication failed: %v\n", err)
		return nil
	}
	return result
}

func (a *cli) interactiveAdd(noBrowser bool) {
	pool := a.loadPool()

	if len(pool.Accounts) > 0 {
		displayAccounts(pool)

		choice := strings.ToLower(a.prompt("\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: "))
		switch choice {
		case "r":
			a.interactiveRemove()
			return
		case "f":
			fmt.Println("\nStarting fresh; existing accounts will be replaced.")
			pool = account.NewPool()
		case "e":
			fmt.Println("\nExiting...")
			return
		}
	}

	if len(pool.Accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	result := a.signIn(noBrowser)
	if result == nil {
		return
	}

	if existing := pool.FindAccount(result.Email); existing != nil {
		fmt.Printf("\nAccount %s already exists. Updating its refresh token.\n", result.Email)
		existing.RefreshToken = result.RefreshToken
		existing.IsInvalid = false
		existing.InvalidReason = nil
		existing.InvalidAt = nil
	} else {
		pool.Accounts = append(pool.Accounts, &account.Account{
			Email:           result.Email,
			Source:          account.SourceOAuth,
			RefreshToken:    result.RefreshToken,
			AddedAt:         time.Now().UnixMilli(),
			ModelRateLimits: map[string]account.ModelRateLimit{},
		})
		fmt.Printf("\nAuthenticated: %s\n", result.Email)
		fmt.Println("  Project will be discovered on first API request.")
	}

	a.savePool(pool)
	displayAccounts(pool)
	fmt.Println("\nTo add more accounts, run this command again.")
}

func (a *cli) interactiveRemove() {
	for {
		pool := a.loadPool()
		if len(pool.Accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(pool)
		answer := a.prompt("\nEnter account number to remove (or 0 to cancel): ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(pool.Accounts) {
			fmt.Println("\nInvalid selection.")
			continue
		}
		if index == 0 {
			return
		}

		removed := pool.Accounts[index-1]
		confirm := a.prompt(fmt.Sprintf("\nRemove %s? [y/N]: ", removed.Email))
		if strings.ToLower(confirm) == "y" {
			pool.Accounts = append(pool.Accounts[:index-1], pool.Accounts[index:]...)
			pool.Normalize()
			a.savePool(pool)
			fmt.Printf("\nRemoved %s\n", removed.Email)
		} else {
			fmt.Println("\nCancelled.")
		}

		if strings.ToLower(a.prompt("\nRemove another account? [y/N]: ")) != "y" {
			return
		}
	}
}

func (a *cli) listAccounts() {
	displayAccounts(a.loadPool())
}

func (a *cli) clearAccounts() {
	pool := a.loadPool()
	if len(pool.Accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	displayAccounts(pool)
	if strings.ToLower(a.prompt("\nRemove ALL accounts? [y/N]: ")) == "y" {
		a.savePool(account.NewPool())
		fmt.Println("All accounts removed.")
	} else {
		fmt.Println("Cancelled.")
	}
}

// verifyAccounts refreshes every stored token and reports which
// accounts still authenticate.
func (a *cli) verifyAccounts() {
	pool := a.loadPool()
	if len(pool.Accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")
	refresher := auth.NewOAuthRefresher(nil, a.log)
	ctx := context.Background()

	for _, acc := range pool.Accounts {
		if acc.RefreshToken == "" {
			fmt.Printf("  - %s - no refresh token (source: %s)\n", acc.Email, acc.Source)
			continue
		}

		result, err := refresher.Refresh(ctx, acc.RefreshToken)
		if err != nil {
			fmt.Printf("  x %s - %v\n", acc.Email, err)
			continue
		}

		email, err := refresher.GetUserEmail(ctx, result.AccessToken)
		if err != nil {
			fmt.Printf("  x %s - %v\n", acc.Email, err)
			continue
		}
		fmt.Printf("  + %s - OK\n", email)
	}
}

// importFromDatabase registers the Antigravity desktop app's
// credential as a source=database account. The token itself stays in
// the app's state database; the proxy reads it at request time.
func (a *cli) importFromDatabase() {
	reader := auth.NewDatabaseReader("", a.log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbAuth, err := reader.Read(ctx)
	if err != nil {
		fmt.Println("Could not read the Antigravity desktop app database:", err)
		fmt.Println("Is the app installed and signed in?")
		return
	}

	pool := a.loadPool()
	if existing := pool.FindAccount(dbAuth.Email); existing != nil {
		fmt.Printf("Account %s is already configured (source: %s).\n", dbAuth.Email, existing.Source)
		return
	}
	if len(pool.Accounts) >= config.MaxAccounts {
		fmt.Printf("Maximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	pool.Accounts = append(pool.Accounts, &account.Account{
		Email:           dbAuth.Email,
		Source:          account.SourceDatabase,
		AddedAt:         time.Now().UnixMilli(),
		ModelRateLimits: map[string]account.ModelRateLimit{},
	})
	a.savePool(pool)
	fmt.Printf("Imported %s from the desktop app.\n", dbAuth.Email)
	displayAccounts(pool)
}
