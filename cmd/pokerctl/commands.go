package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/abrezinsky/planningpoker/internal/client"
)

// controller is the part of client.Sync the command line drives
type controller interface {
	State() client.State
	Create(playerName string, isWatcher bool, deckType string) error
	Join(sessionID, playerName string, isWatcher bool) error
	Leave() error
	CastVote(card string) error
	Reveal() error
	Reset() error
	ChangeDeck(deckType string) error
	CreateCustomDeck(name string, cards []string) error
	EditCustomDeck(name string, cards []string) error
	ToggleRole() error
	Rename(newName string) error
	Resume() bool
}

var errUsage = errors.New("usage")

const helpText = `Commands:
  create <name> [--deck=<type>] [--watch]
                                     start a session
  join <session> <name> [--watch]    join a session
  vote <card>                        pick a card
  reveal | reset                     show votes, start a new round
  deck <type>                        switch to a deck by key
  custom <name> <card,card,...>      create the custom deck
  edit <name> <card,card,...>        edit the custom deck
  role                               toggle voter / watcher
  rename <name>                      change your display name
  leave                              leave the session
  resume                             reconnect and rejoin now
  stats                              statistics of the revealed round
  show                               print the session
  quit                               exit`

// execute runs one input line. It reports whether the user asked to quit.
func execute(c controller, ui *view, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	watch, deck := false, ""
	var args []string
	for _, f := range fields[1:] {
		switch {
		case f == "--watch" || f == "-w":
			watch = true
		case strings.HasPrefix(f, "--deck="):
			deck = strings.TrimPrefix(f, "--deck=")
		default:
			args = append(args, f)
		}
	}

	var err error
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "help", "?":
		ui.println(helpText)
	case "quit", "exit", "q":
		return true, nil
	case "create":
		if len(args) < 1 {
			return false, fmt.Errorf("%w: create <name> [--deck=<type>] [--watch]", errUsage)
		}
		err = c.Create(strings.Join(args, " "), watch, deck)
	case "join":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: join <session> <name> [--watch]", errUsage)
		}
		err = c.Join(args[0], strings.Join(args[1:], " "), watch)
	case "vote":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: vote <card>", errUsage)
		}
		err = c.CastVote(args[0])
	case "reveal":
		err = c.Reveal()
	case "reset":
		err = c.Reset()
	case "deck":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: deck <type>", errUsage)
		}
		err = c.ChangeDeck(args[0])
	case "custom", "edit":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: %s <name> <card,card,...>", errUsage, cmd)
		}
		name := strings.Join(args[:len(args)-1], " ")
		cards := splitCards(args[len(args)-1])
		if cmd == "custom" {
			err = c.CreateCustomDeck(name, cards)
		} else {
			err = c.EditCustomDeck(name, cards)
		}
	case "role":
		err = c.ToggleRole()
	case "rename":
		if len(args) < 1 {
			return false, fmt.Errorf("%w: rename <name>", errUsage)
		}
		err = c.Rename(strings.Join(args, " "))
	case "leave":
		err = c.Leave()
	case "resume":
		if !c.Resume() {
			ui.println("Nothing to resume.")
		}
	case "stats":
		ui.stats(c.State())
	case "show":
		ui.render(c.State())
	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	return false, err
}

func splitCards(s string) []string {
	parts := strings.Split(s, ",")
	cards := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cards = append(cards, p)
		}
	}
	return cards
}
