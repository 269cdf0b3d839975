package decks

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abrezinsky/planningpoker/internal/errors"
	"github.com/abrezinsky/planningpoker/internal/models"
)

// DefaultType is used whenever a requested deck type is unknown
const DefaultType = "fibonacci"

var builtinOrder = []string{"fibonacci", "tshirt", "powersOf2", "linear"}

var builtins = map[string]models.Deck{
	"fibonacci": {
		Name:  "Fibonacci",
		Cards: []string{"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "∞", "?", "☕"},
	},
	"tshirt": {
		Name:  "T-Shirt Sizing",
		Cards: []string{"XS", "S", "M", "L", "XL", "XXL", "?", "☕"},
	},
	"powersOf2": {
		Name:  "Powers of 2",
		Cards: []string{"0", "1", "2", "4", "8", "16", "32", "?", "☕"},
	},
	"linear": {
		Name:  "Linear (1-10)",
		Cards: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "?", "☕"},
	},
}

// Catalog is the immutable set of predefined decks
type Catalog struct {
	decks map[string]models.Deck
	order []string
}

// Default returns a catalog holding only the built-in decks
func Default() *Catalog {
	c, _ := New(nil)
	return c
}

// New builds a catalog from the built-in decks plus extra. Extra decks may
// not replace a built-in, use the reserved custom type, or be empty.
func New(extra map[string]models.Deck) (*Catalog, error) {
	c := &Catalog{
		decks: make(map[string]models.Deck, len(builtins)+len(extra)),
		order: append([]string(nil), builtinOrder...),
	}
	for key, d := range builtins {
		c.decks[key] = d.Clone()
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := extra[key]
		switch {
		case strings.TrimSpace(key) == "":
			return nil, errors.Validation("deck key cannot be empty")
		case key == models.CustomDeckType:
			return nil, errors.Validationf("deck key %q is reserved", key)
		case isBuiltin(key):
			return nil, errors.Validationf("deck %q cannot override a built-in deck", key)
		}
		cards := cleanCards(d.Cards)
		if len(cards) == 0 {
			return nil, errors.Validationf("deck %q has no cards", key)
		}
		name := strings.TrimSpace(d.Name)
		if name == "" {
			name = key
		}
		c.decks[key] = models.Deck{Name: name, Cards: cards}
		c.order = append(c.order, key)
	}
	return c, nil
}

// fileFormat is the on-disk layout of an extra deck file:
//
//	decks:
//	  hours:
//	    name: Hours
//	    cards: ["1", "2", "4", "8", "?"]
type fileFormat struct {
	Decks map[string]struct {
		Name  string   `yaml:"name"`
		Cards []string `yaml:"cards"`
	} `yaml:"decks"`
}

// LoadFile builds a catalog from the built-ins plus the decks in a YAML file.
// An empty path yields the default catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deck file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML deck definitions
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse deck file: %w", err)
	}
	extra := make(map[string]models.Deck, len(f.Decks))
	for key, d := range f.Decks {
		extra[key] = models.Deck{Name: d.Name, Cards: d.Cards}
	}
	return New(extra)
}

// List returns every deck keyed by type. The result is a copy.
func (c *Catalog) List() map[string]models.Deck {
	out := make(map[string]models.Deck, len(c.decks))
	for key, d := range c.decks {
		out[key] = d.Clone()
	}
	return out
}

// Keys returns deck types in display order, built-ins first
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.order...)
}

// Get returns the deck for key
func (c *Catalog) Get(key string) (models.Deck, bool) {
	d, ok := c.decks[key]
	if !ok {
		return models.Deck{}, false
	}
	return d.Clone(), true
}

// Resolve returns the deck type and deck for key, falling back to
// DefaultType when key is unknown
func (c *Catalog) Resolve(key string) (string, models.Deck) {
	if d, ok := c.Get(key); ok {
		return key, d
	}
	d, _ := c.Get(DefaultType)
	return DefaultType, d
}

// CleanCards trims labels and drops blank ones, keeping order
func CleanCards(cards []string) []string {
	return cleanCards(cards)
}

func cleanCards(cards []string) []string {
	out := make([]string, 0, len(cards))
	for _, card := range cards {
		if card = strings.TrimSpace(card); card != "" {
			out = append(out, card)
		}
	}
	return out
}

func isBuiltin(key string) bool {
	_, ok := builtins[key]
	return ok
}
