package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/WORKHIVE/internal/config"
	"github.com/WORKHIVE/internal/daemon"
)

func main() {
	// Parse command line flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	configPath := flag.String("config", "configs/workhive.yaml", "Daemon configuration file")
	statePath := flag.String("state", "", "State database path (overrides config)")
	noNATS := flag.Bool("no-nats", false, "Disable the NATS messaging plane")
	flag.Parse()

	basePath, err := getBasePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to determine base path: %v\n", err)
		os.Exit(1)
	}
	if !filepath.IsAbs(*configPath) {
		*configPath = filepath.Join(basePath, *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *statePath != "" {
		cfg.Storage.Path = *statePath
	}
	if !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(basePath, cfg.Storage.Path)
	}
	if *noNATS {
		cfg.NATS.Enabled = false
	}

	printBanner()

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  State at %s\n", cfg.Storage.Path)
	fmt.Printf("  API on :%d\n", cfg.Server.Port)
	if cfg.NATS.Enabled {
		fmt.Printf("  NATS on %s\n", cfg.NATSURL())
	}
	fmt.Println()
	fmt.Println("  Press Ctrl+C to shutdown")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx)
	}()

	select {
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println()
		fmt.Println("Shutting down...")
	}

	cancel()
	d.Shutdown()
	fmt.Println("Goodbye!")
}

// getBasePath returns the directory containing the executable,
// or the current working directory if running via `go run`
func getBasePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return os.Getwd()
	}

	dir := filepath.Dir(exe)
	if filepath.Base(dir) == "exe" || filepath.Base(filepath.Dir(dir)) == "go-build" {
		return os.Getwd()
	}
	return dir, nil
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║                 WORKHIVE v1.0.0                       ║")
	fmt.Println("  ║          Task Orchestration Daemon                    ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()
}
