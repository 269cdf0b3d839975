// Command pokerctl is a terminal client for a planning poker server.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/abrezinsky/planningpoker/internal/client"
	"github.com/abrezinsky/planningpoker/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", "ws://localhost:3001/ws", "WebSocket endpoint of the server")
	identityPath := flag.String("identity", "", "Identity file (default: user config dir)")
	logLevel := flag.String("loglevel", "warn", "Log level: debug, info, warn, error")
	flag.Parse()

	path := *identityPath
	if path == "" {
		p, err := client.DefaultIdentityPath()
		if err != nil {
			pterm.Error.Printfln("no identity path: %v", err)
			return 1
		}
		path = p
	}

	log := logger.NewWithOptions(logger.Options{
		Level:  logger.ParseLevel(*logLevel),
		Format: logger.FormatText,
		Output: os.Stderr,
	})

	ui := newView(os.Stdout)
	sess := client.New(client.Options{
		URL:      *server,
		Store:    client.NewFileStore(path),
		Logger:   log,
		OnChange: ui.update,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
	}()

	pterm.Info.Printfln("Connecting to %s. Type 'help' for commands.", *server)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := execute(sess, ui, line)
			if err != nil {
				pterm.Error.Println(err)
			}
			if quit {
				break loop
			}
		}
	}
	stop()
	<-done
	return 0
}
