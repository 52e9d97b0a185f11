package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}
	dir := "."
	if len(args) > 1 {
		dir = args[1]
	}

	switch args[0] {
	case "relay":
		runRelay(dir)
	case "client":
		runClient(dir)
	case "init":
		runInit(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// resolveDir returns the absolute working directory and its config path.
func resolveDir(dirArg string) (string, string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	return absDir, filepath.Join(absDir, config.FileName)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRelay(dirArg string) {
	dir, cfgPath := resolveDir(dirArg)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}, func(addr string) {
		fmt.Printf("Relay listening on %s (Ctrl+C to stop)\n", addr)
	}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func runClient(dirArg string) {
	dir, cfgPath := resolveDir(dirArg)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v (run 'parley init %s' first)", err, dirArg)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunClient(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func runInit(dirArg string) {
	dir, cfgPath := resolveDir(dirArg)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, dir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("parley - presence and calls over a relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley relay  [directory]   Run the relay hub")
	fmt.Println("  parley client [directory]   Run a console client")
	fmt.Println("  parley init   [directory]   Write parley.json interactively")
	fmt.Println()
	fmt.Println("The directory defaults to the current one and holds parley.json.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
