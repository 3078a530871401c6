// ABOUTME: Entry point for booking-bridge
// ABOUTME: Serves the Slack and Matrix frontends, writes starter config, and registers the assistant

package main

import (
	"context"
	"errors"
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

	"github.com/2389/booking-bridge/internal/assistant"
	"github.com/2389/booking-bridge/internal/config"
	"github.com/2389/booking-bridge/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _                 _    _
| |__   ___   ___ | | _(_)_ __   __ _
| '_ \ / _ \ / _ \| |/ / | '_ \ / _' |
| |_) | (_) | (_) |   <| | | | | (_| |
|_.__/ \___/ \___/|_|\_\_|_| |_|\__, |  bridge
                                |___/
`

const healthTimeout = 5 * time.Second

func usage() {
	fmt.Println("Usage: booking-bridge <command> [config-path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Start the bridge")
	fmt.Println("  init [--force]     Write a starter config file")
	fmt.Println("  create-assistant   Register the booking assistant and print its id")
	fmt.Println("  health             Check a running bridge")
	fmt.Println("  threads [-n N]     List recently mapped threads")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, configPath(args))
	case "init":
		err = runInit(args)
	case "create-assistant":
		err = runCreateAssistant(ctx, configPath(args))
	case "health":
		err = runHealth(ctx, configPath(args), os.Stdout)
	case "threads":
		err = runThreads(ctx, args, os.Stdout)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath returns the first positional argument, or the default location.
func configPath(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return config.DefaultPath()
}

func runServe(ctx context.Context, path string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Assistant: %s\n", cfg.Assistant.AssistantID)

	green.Print("    ▶ ")
	fmt.Print("Frontends:")
	if cfg.SlackEnabled() {
		cyan.Print(" slack")
	}
	if cfg.Matrix.Enabled {
		cyan.Print(" matrix")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting booking-bridge",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runInit(args []string) error {
	force := false
	for _, a := range args {
		if a == "--force" || a == "-f" {
			force = true
		}
	}
	path := configPath(args)
	dbPath := filepath.Join(config.DefaultDataDir(), "threads.db")

	if err := writeConfig(path, dbPath, force); err != nil {
		return err
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Set SLACK_BOT_TOKEN, SLACK_SIGNING_SECRET, OPENAI_API_KEY, GOOGLE_SHEET_URL and")
	fmt.Println("GOOGLE_SHEET_WEBHOOK_URL, then run `booking-bridge create-assistant` for ASSISTANT_ID.")
	return nil
}

// writeConfig writes the starter config, refusing to overwrite unless force is set.
func writeConfig(path, dbPath string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(config.Template, dbPath)), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func runCreateAssistant(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	spec := assistant.DefaultSpec()
	if cfg.Assistant.Model != "" {
		spec.Model = cfg.Assistant.Model
	}

	client := assistant.NewOpenAIClient(cfg.Assistant.APIKey, cfg.Assistant.BaseURL, nil)
	id, err := assistant.Register(ctx, client, spec)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Created assistant %q (%s)\n", spec.Name, spec.Model)
	fmt.Printf("ASSISTANT_ID=%s\n", id)
	return nil
}

func runHealth(ctx context.Context, path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return checkHealth(ctx, "http://"+localAddr(cfg.Server.HTTPAddr), out)
}

// checkHealth probes /health and /ready on a running bridge.
func checkHealth(ctx context.Context, baseURL string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	for _, endpoint := range []string{"/health", "/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+endpoint, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		fmt.Fprintf(out, "%s: %s\n", endpoint, strings.TrimSpace(string(body)))
	}
	return nil
}

// localAddr rewrites a wildcard listen address to loopback.
func localAddr(addr string) string {
	for _, wildcard := range []string{"0.0.0.0:", "[::]:"} {
		if rest, ok := strings.CutPrefix(addr, wildcard); ok {
			return "127.0.0.1:" + rest
		}
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
