// Package stats derives round results from a revealed session view.
package stats

import (
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/abrezinsky/planningpoker/internal/models"
)

var tshirtValues = map[string]float64{
	"XS": 1, "S": 2, "M": 3, "L": 5, "XL": 8, "XXL": 13,
}

var fibonacci = []int{0, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89}

var numericLabel = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Summary describes the votes of one revealed round
type Summary struct {
	TotalVotes    int            `json:"totalVotes"`
	NumericVotes  int            `json:"numericVotes"`
	UniqueValues  int            `json:"uniqueValues"`
	Average       float64        `json:"average"`
	Median        float64        `json:"median"`
	Min           float64        `json:"min"`
	Max           float64        `json:"max"`
	Suggestion    int            `json:"suggestion"`
	Consensus     bool           `json:"consensus"`
	ConsensusCard string         `json:"consensusCard,omitempty"`
	Distribution  map[string]int `json:"distribution"`
}

// voterVotes returns the revealed votes of current non-watchers
func voterVotes(view models.SessionView) []string {
	cards := make([]string, 0, len(view.Votes))
	for _, p := range view.Participants {
		if p.IsWatcher {
			continue
		}
		if card, ok := view.Votes[p.ID]; ok {
			cards = append(cards, card)
		}
	}
	return cards
}

// Consensus reports the agreed card when at least two voters revealed the
// same label and nobody disagreed
func Consensus(view models.SessionView) (string, bool) {
	cards := voterVotes(view)
	if len(cards) < 2 {
		return "", false
	}
	for _, c := range cards[1:] {
		if c != cards[0] {
			return "", false
		}
	}
	return cards[0], true
}

// NumericValue maps a card label to a number: plain integers and decimals,
// plus t-shirt sizes. Anything else is not numeric.
func NumericValue(card string) (float64, bool) {
	if v, ok := tshirtValues[card]; ok {
		return v, true
	}
	if !numericLabel.MatchString(card) {
		return 0, false
	}
	v, err := strconv.ParseFloat(card, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// NearestFibonacci returns the Fibonacci estimate closest to x. Ties go to
// the smaller value.
func NearestFibonacci(x float64) int {
	if x <= 0 {
		return 0
	}
	best := fibonacci[0]
	bestDiff := math.Abs(x - float64(best))
	for _, f := range fibonacci[1:] {
		if d := math.Abs(x - float64(f)); d < bestDiff {
			best, bestDiff = f, d
		}
	}
	return best
}

// Summarize computes round statistics. An unrevealed view has no votes and
// yields an empty summary.
func Summarize(view models.SessionView) Summary {
	cards := voterVotes(view)
	s := Summary{
		TotalVotes:   len(cards),
		Distribution: make(map[string]int, len(cards)),
	}
	for _, c := range cards {
		s.Distribution[c]++
	}
	s.UniqueValues = len(s.Distribution)
	s.ConsensusCard, s.Consensus = Consensus(view)

	values := make([]float64, 0, len(cards))
	for _, c := range cards {
		if v, ok := NumericValue(c); ok {
			values = append(values, v)
		}
	}
	s.NumericVotes = len(values)
	if len(values) == 0 {
		return s
	}

	sort.Float64s(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}

	s.Average = round1(sum / float64(len(values)))
	s.Median = round1(median)
	s.Min = values[0]
	s.Max = values[len(values)-1]
	s.Suggestion = NearestFibonacci(s.Average)
	return s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
