// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/peervoice/peervoice/config"
	"github.com/peervoice/peervoice/internal/app"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("peervoice v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: peervoice run <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "init":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path and user id")
			fmt.Fprintln(os.Stderr, "Usage: peervoice init <peer-directory> <user-id>")
			os.Exit(1)
		}
		initPeer(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "voice.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func initPeer(dirArg, userID string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "voice.json")
	cfg, created, err := config.Ensure(cfgPath, userID)
	if err != nil {
		log.Fatalf("Failed to prepare config: %v", err)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg = app.PromptInteractive(absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	fmt.Printf("Start the peer with: peervoice run %s\n", dirArg)
}

func showUsage() {
	fmt.Println("peervoice - peer to peer voice calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peervoice run <directory>             Run a peer")
	fmt.Println("  peervoice init <directory> <user-id>  Create a peer config interactively")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        The directory must contain a voice.json configuration file")
	fmt.Println()
	fmt.Println("  init <directory> <user-id>")
	fmt.Println("        Create the directory and walk through the configuration")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Set up a peer")
	fmt.Println("  peervoice init ./peers/alice alice")
	fmt.Println()
	fmt.Println("  # Run it")
	fmt.Println("  peervoice run ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   peervoice peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s\n", cfg.Identity.UserID)
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Backend)
	fmt.Printf("Storage:        %s\n", cfg.Storage.Driver)
	if cfg.Media.TURNURL != "" {
		fmt.Printf("TURN relay:     %s\n", cfg.Media.TURNURL)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
