// ABOUTME: Entry point for the coven-gatekeeper coordination server
// ABOUTME: serve runs the server, health probes a running one, version prints the build

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-gatekeeper/internal/config"
	"github.com/2389/coven-gatekeeper/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                   _    _
  __ _  __ _| |_ ___| | _____  ___ _ __   ___ _ __
 / _' |/ _' | __/ _ \ |/ / _ \/ _ \ '_ \ / _ \ '__|
| (_| | (_| | ||  __/   <  __/  __/ |_) |  __/ |
 \__, |\__,_|\__\___|_|\_\___|\___| .__/ \___|_|
 |___/                            |_|
`

// getConfigPath returns the path to the gatekeeper config file.
// Priority: GATEKEEPER_CONFIG env var > XDG_CONFIG_HOME/coven/gatekeeper.yaml > ~/.config/coven/gatekeeper.yaml
func getConfigPath() string {
	if envPath := os.Getenv("GATEKEEPER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gatekeeper.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "gatekeeper.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gatekeeper <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gatekeeper server")
		fmt.Println("  health    Check gatekeeper health")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
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

func runServe(ctx context.Context) error {
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

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    %s\n", cfg.Matrix.RoomID)
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("Matrix:    disabled (questions answerable over the API only)")
	}
	fmt.Println()

	logger.Info("starting coven-gatekeeper",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
