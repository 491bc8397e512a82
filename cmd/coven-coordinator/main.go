// ABOUTME: Entry point for coven-coordinator
// ABOUTME: Hosts the coordination core, runs demos and inspects persisted history

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___ ___   ___  _ __ __| |
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \ / _ \| '__/ _' |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | (_) | | | (_| |
 \___\___/ \_/ \___|_| |_|      \___\___/ \___/|_|  \__,_|
`

// getConfigPath returns the path to the coordinator config file.
// Priority: COVEN_COORDINATOR_CONFIG env var > XDG_CONFIG_HOME/coven/coordinator.yaml > ~/.config/coven/coordinator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_COORDINATOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "coordinator.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-coordinator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the coordinator with its configured agents")
		fmt.Println("  demo                     Run a workflow and a consensus round in-process")
		fmt.Println("  history [CORRELATION_ID] Show stored messages, or recent consensus rounds")
		fmt.Println("  health                   Query agent health from a running coordinator")
		fmt.Println("  init                     Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "demo":
		err = runDemo(ctx)
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "init":
		err = runInit()
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
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	if cfg.Health.GRPCAddr != "" {
		fmt.Printf("Health:    %s\n", cfg.Health.GRPCAddr)
	} else {
		fmt.Printf("Health:    ")
		gray.Println("(no endpoint)")
	}
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d built-in\n", len(cfg.Agents))
	fmt.Println()

	logger.Info("starting coven-coordinator",
		"config", configPath,
		"health_addr", cfg.Health.GRPCAddr,
		"agents", len(cfg.Agents),
	)

	srv, err := coordinator.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func runHistory(ctx context.Context, args []string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// The store logs through slog.Default; keep the table readable
	setupLogger(config.LoggingConfig{Level: "error", Format: cfg.Logging.Format})

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	gray := color.New(color.FgHiBlack)

	if len(args) == 0 {
		rounds, err := s.ListConsensus(ctx, 20)
		if err != nil {
			return fmt.Errorf("listing consensus rounds: %w", err)
		}
		if len(rounds) == 0 {
			fmt.Println("no consensus rounds recorded")
			return nil
		}
		for _, r := range rounds {
			decision := r.DecisionJSON
			if decision == "" {
				decision = "(none)"
			}
			gray.Printf("%s  ", r.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("%-36s  %-8s %6.2f  %s  ", r.DecisionID, r.Level, r.AgreementScore, decision)
			gray.Printf("%q\n", r.Topic)
		}
		return nil
	}

	msgs, err := s.ListMessages(ctx, args[0], 0)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Printf("no messages for %s\n", args[0])
		return nil
	}
	for _, m := range msgs {
		gray.Printf("%s  ", m.Timestamp.Local().Format("15:04:05.000"))
		fmt.Printf("%-17s %s -> %s  %v\n", m.Kind, m.From, m.To, map[string]any(m.Payload))
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Health.GRPCAddr == "" {
		return fmt.Errorf("health.grpc_addr is not configured")
	}

	conn, err := grpc.NewClient(cfg.Health.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Printf("coordinator: %s\n", strings.ToLower(resp.GetStatus().String()))

	unhealthy := 0
	for _, a := range cfg.Agents {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: a.ID})
		status := "unknown"
		if err == nil {
			status = strings.ToLower(resp.GetStatus().String())
		}
		if status != "serving" {
			unhealthy++
		}
		fmt.Printf("  %-24s %s\n", a.ID, status)
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d agent(s) not serving", unhealthy)
	}
	return nil
}
