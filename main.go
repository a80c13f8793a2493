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

	"github.com/careport/signcall/internal/app"
	"github.com/careport/signcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dirFlag  = flag.String("dir", ".", "Working directory (config file and local data)")
	joinFlag = flag.String("join", "", "Join an existing room by id instead of creating one")
	consent  = flag.Bool("consent", false, "Grant machine-translation consent for this run")
	userFlag = flag.String("user", "", "Override identity.user_id from the config")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("signcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absDir, err := filepath.Abs(*dirFlag)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "signcall.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	if *userFlag != "" {
		cfg.Identity.UserID = *userFlag
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nHanging up...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:          absDir,
		CfgPath:      cfgPath,
		Cfg:          cfg,
		RoomID:       *joinFlag,
		GrantConsent: *consent,
	}); err != nil {
		log.Fatalf("Call failed: %v", err)
	}
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("signcall — accessible video consultation")
	fmt.Printf("  dir:     %s\n", dir)
	fmt.Printf("  config:  %s\n", cfgPath)
	fmt.Printf("  store:   %s\n", cfg.Store.Backend)
	if cfg.Identity.UserID != "" {
		fmt.Printf("  user:    %s\n", cfg.Identity.UserID)
	}
	fmt.Println()
}

func showUsage() {
	fmt.Println("Usage: signcall [flags]")
	fmt.Println()
	fmt.Println("Creates a call room and waits, or joins one with -join.")
	fmt.Println("Type chat lines on stdin; /quit hangs up.")
	fmt.Println()
	flag.PrintDefaults()
}
