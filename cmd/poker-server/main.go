package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/abrezinsky/planningpoker/internal/app"
	"github.com/abrezinsky/planningpoker/internal/config"
	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/web"
)

var (
	version = "dev"
)

func showBanner() {
	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Planning", pterm.FgCyan.ToStyle()),
		putils.LettersFromStringWithStyle("Poker", pterm.FgYellow.ToStyle()),
	).Render()
	pterm.Info.Printfln("planningpoker %s", version)
}

// printKeyboardHelp displays all available keyboard shortcuts
func printKeyboardHelp(out *crlfWriter) {
	rows := [][]string{
		{"Key", "Action"},
		{"o", "Open the app in a browser"},
		{"s", "Show live session stats"},
		{"h", "Toggle HTTP request logging"},
		{"l", "Cycle log level (debug, info, warn, error)"},
		{"q", "Quit server"},
		{"?", "Show this help"},
	}
	table, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	fmt.Fprint(out, "\n"+table+"\n\n")
}

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	decksFile := flag.String("decks", "", "YAML file with extra decks (overrides DECKS_FILE)")
	envFile := flag.String("env", ".env", "Env file to load before reading the environment")
	noKeyboard := flag.Bool("nokeyboard", false, "Disable keyboard shortcuts")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Planning Poker - real-time estimation server

Usage:
  poker-server [options]

Options:
  -port int        HTTP server port (default 3001)
  -db string       SQLite database path (default "planningpoker.db")
  -loglevel str    Log level: debug, info, warn, error (default "info")
  -decks string    YAML file with extra decks
  -env string      Env file to load (default ".env")
  -nokeyboard      Disable keyboard shortcuts
  -version         Show version and exit

Settings are read from the environment (PORT, DB_PATH, LOG_LEVEL,
LOG_FORMAT, BASE_URL, DECKS_FILE, ALLOWED_ORIGINS, SESSION_TTL, ...);
flags take precedence.

`)
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("planningpoker %s\n", version)
		return 0
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		pterm.Error.Println(err)
		return 1
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *decksFile != "" {
		cfg.DecksFile = *decksFile
	}
	if err := cfg.Validate(); err != nil {
		pterm.Error.Println(err)
		return 1
	}

	showBanner()

	out := &crlfWriter{w: os.Stderr}
	appLog := logger.NewWithOptions(logger.Options{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: logger.ParseFormat(cfg.LogFormat),
		Output: out,
	})

	a, err := app.New(cfg, appLog, web.GetStaticFS(), version)
	if err != nil {
		appLog.Error("Failed to initialize application", "error", err)
		return 1
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.Run()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quit := make(chan struct{})
	if !*noKeyboard {
		kb := &keyboard{app: a, log: appLog, out: out, quit: quit}
		if kb.start() {
			defer kb.restore()
			printKeyboardHelp(out)
		}
	} else {
		pterm.Warning.Println("Keyboard shortcuts disabled")
	}

	exitCode := 0
	select {
	case err := <-serverErr:
		if err != nil {
			appLog.Error("Server failed", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
		appLog.Info("Signal received, shutting down")
	case <-quit:
		appLog.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Shutdown incomplete", "error", err)
		exitCode = 1
	}
	return exitCode
}
