package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/abrezinsky/planningpoker/internal/client"
	"github.com/abrezinsky/planningpoker/internal/stats"
)

// view prints the mirrored session whenever it changes
type view struct {
	mu        sync.Mutex
	out       io.Writer
	last      string
	lastError string
	status    client.Status
}

func newView(out io.Writer) *view {
	return &view{out: out}
}

func (v *view) println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

// update is the client's change callback. Repeated notifications with the
// same content print nothing.
func (v *view) update(st client.State) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if st.Status != v.status {
		v.status = st.Status
		fmt.Fprintln(v.out, pterm.Gray("status: "+string(st.Status)))
	}
	if st.LastError != "" && st.LastError != v.lastError {
		fmt.Fprintln(v.out, pterm.Red(st.LastError))
	}
	v.lastError = st.LastError

	key := fingerprint(st)
	if key == v.last {
		return
	}
	v.last = key
	v.renderLocked(st)
}

func fingerprint(st client.State) string {
	data, _ := json.Marshal(struct {
		ID      string
		Name    string
		Watcher bool
		View    any
		Loading bool
		Manual  bool
	}{st.SessionID, st.ParticipantName, st.IsWatcher, st.View, st.Loading, st.NeedsManualJoin})
	return string(data)
}

func (v *view) render(st client.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.renderLocked(st)
}

func (v *view) renderLocked(st client.State) {
	switch {
	case st.NeedsManualJoin:
		fmt.Fprintln(v.out, pterm.Yellow("Connection lost. Type 'resume' to rejoin ", st.SessionID, "."))
		return
	case st.Loading:
		fmt.Fprintln(v.out, pterm.Gray("joining ", st.SessionID, "..."))
		return
	case st.View == nil:
		fmt.Fprintln(v.out, pterm.Gray("not in a session"))
		return
	}

	sv := st.View
	deckName := sv.Deck.Name
	fmt.Fprintf(v.out, "\nSession %s  deck %s: %s\n", pterm.Cyan(sv.ID), deckName, strings.Join(sv.Deck.Cards, " "))

	rows := [][]string{{"Name", "Role", "Vote"}}
	for _, p := range sv.Participants {
		name := p.Name
		if p.ID == st.ConnectionID {
			name += " (you)"
		}
		role, vote := "voter", ""
		if p.IsWatcher {
			role = "watcher"
		} else if sv.Revealed {
			vote = sv.Votes[p.ID]
		} else if p.HasVoted {
			vote = "ready"
		}
		rows = append(rows, []string{name, role, vote})
	}
	table, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	fmt.Fprintln(v.out, table)

	switch {
	case sv.Revealed:
		v.statsLocked(st)
	case sv.AllVoted:
		fmt.Fprintln(v.out, pterm.Green("Everyone has voted. Type 'reveal'."))
	}
}

func (v *view) stats(st client.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statsLocked(st)
}

func (v *view) statsLocked(st client.State) {
	if st.View == nil || !st.View.Revealed {
		fmt.Fprintln(v.out, "Votes are not revealed yet.")
		return
	}
	sum := stats.Summarize(*st.View)
	if sum.TotalVotes == 0 {
		fmt.Fprintln(v.out, "No votes.")
		return
	}

	cards := make([]string, 0, len(sum.Distribution))
	for c := range sum.Distribution {
		cards = append(cards, c)
	}
	sort.Strings(cards)
	dist := make([]string, 0, len(cards))
	for _, c := range cards {
		dist = append(dist, fmt.Sprintf("%s x%d", c, sum.Distribution[c]))
	}

	fmt.Fprintf(v.out, "Votes: %d  distribution: %s\n", sum.TotalVotes, strings.Join(dist, ", "))
	if sum.NumericVotes > 0 {
		fmt.Fprintf(v.out, "Average %.1f  median %.1f  range %g-%g  suggestion %d\n",
			sum.Average, sum.Median, sum.Min, sum.Max, sum.Suggestion)
	}
	if sum.Consensus {
		fmt.Fprintln(v.out, pterm.Green("Consensus on ", sum.ConsensusCard))
	}
}
