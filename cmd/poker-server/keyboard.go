package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/abrezinsky/planningpoker/internal/app"
	"github.com/abrezinsky/planningpoker/internal/browser"
	"github.com/abrezinsky/planningpoker/internal/logger"
)

// crlfWriter translates newlines while the terminal is in raw mode, where
// output post-processing is off.
type crlfWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw atomic.Bool
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.raw.Load() {
		return c.w.Write(p)
	}
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

type keyboard struct {
	app  *app.App
	log  *logger.SlogLogger
	out  *crlfWriter
	quit chan struct{}

	fd       int
	oldState *term.State
	once     sync.Once
}

// start puts stdin into raw mode and listens for single-key commands. It
// returns false when stdin is not a terminal.
func (k *keyboard) start() bool {
	k.fd = int(os.Stdin.Fd())
	if !term.IsTerminal(k.fd) {
		return false
	}
	state, err := term.MakeRaw(k.fd)
	if err != nil {
		k.log.Warn("Keyboard shortcuts unavailable", "error", err)
		return false
	}
	k.oldState = state
	k.out.raw.Store(true)
	go k.listen()
	return true
}

func (k *keyboard) restore() {
	if k.oldState == nil {
		return
	}
	k.out.raw.Store(false)
	term.Restore(k.fd, k.oldState)
}

func (k *keyboard) printf(format string, args ...any) {
	fmt.Fprint(k.out, pterm.Sprintf(format, args...)+"\n")
}

func (k *keyboard) listen() {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		switch strings.ToLower(string(buf[0])) {
		case "o":
			url := k.app.BaseURL()
			k.printf("%s", pterm.Cyan("Opening "+url))
			if err := browser.Open(url); err != nil {
				k.printf("%s", pterm.Red("Error opening browser: ", err))
			}
		case "s":
			k.showStats()
		case "h":
			if k.log.IsHTTPLoggingEnabled() {
				k.log.DisableHTTPLogging()
				k.printf("%s", pterm.Yellow("HTTP logging disabled"))
			} else {
				k.log.EnableHTTPLogging()
				k.printf("%s", pterm.Green("HTTP logging enabled"))
			}
		case "l":
			next := logger.NextLevel(k.log.GetLevel())
			k.log.SetLevel(next)
			k.printf("Log level: %s", pterm.Yellow(strings.ToLower(next.String())))
		case "?":
			printKeyboardHelp(k.out)
		case "q", "\x03":
			k.once.Do(func() { close(k.quit) })
			return
		}
	}
}

func (k *keyboard) showStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := k.app.Stats(ctx)
	if err != nil {
		k.printf("%s", pterm.Red("Stats unavailable: ", err))
		return
	}
	rows := [][]string{
		{"Connections", "Tracked", "Sessions", "Participants", "Active rooms"},
		{fmt.Sprint(st.Connections), fmt.Sprint(st.Tracked), fmt.Sprint(st.Sessions), fmt.Sprint(st.Participants), fmt.Sprint(st.ActiveRooms)},
	}
	table, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	fmt.Fprint(k.out, table+"\n")
}
