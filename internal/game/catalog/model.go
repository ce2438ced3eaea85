// Package catalog holds the game templates rooms are created from.
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownGame is returned when a game id is not in the catalog.
var ErrUnknownGame = errors.New("unknown game")

// Voice configures the voice channel of rooms created for a game.
type Voice struct {
	// Proximity limits voice routing to members within Threshold of each other.
	Proximity bool
	Threshold float64
}

// Game is a template: the defaults applied to every room of that game.
type Game struct {
	ID   string
	Name string
	// Capacity is the room capacity used for client-created and matchmade rooms.
	Capacity int
	// MatchSize is how many tickets the matchmaker groups into one room.
	MatchSize int
	Voice     Voice
}

// Validate checks that the game's settings are usable.
//
// Postcondition: Returns nil if valid, or an error describing the first violation.
func (g *Game) Validate() error {
	if g.ID == "" {
		return errors.New("game id must not be empty")
	}
	if g.Capacity < 2 || g.Capacity > 32 {
		return fmt.Errorf("game %q: capacity %d must be between 2 and 32", g.ID, g.Capacity)
	}
	if g.MatchSize < 2 || g.MatchSize > g.Capacity {
		return fmt.Errorf("game %q: match_size %d must be between 2 and capacity %d", g.ID, g.MatchSize, g.Capacity)
	}
	if g.Voice.Proximity && g.Voice.Threshold <= 0 {
		return fmt.Errorf("game %q: proximity voice requires a positive threshold", g.ID)
	}
	return nil
}

// Catalog resolves game ids to templates. It is immutable once built.
type Catalog struct {
	defaults Game
	games    map[string]Game
}

// NewCatalog builds a catalog from games. defaults supplies the settings for
// any game id when games is empty, so a server without a catalog directory
// accepts every game id.
//
// Postcondition: Returns an error on a duplicate id.
func NewCatalog(defaults Game, games ...*Game) (*Catalog, error) {
	c := &Catalog{defaults: defaults, games: make(map[string]Game, len(games))}
	for _, g := range games {
		if _, dup := c.games[g.ID]; dup {
			return nil, fmt.Errorf("duplicate game id %q", g.ID)
		}
		c.games[g.ID] = *g
	}
	return c, nil
}

// Resolve returns the template for id.
func (c *Catalog) Resolve(id string) (Game, error) {
	if id == "" {
		return Game{}, fmt.Errorf("empty game id: %w", ErrUnknownGame)
	}
	if len(c.games) == 0 {
		g := c.defaults
		g.ID = id
		if g.Name == "" {
			g.Name = id
		}
		return g, nil
	}
	g, ok := c.games[id]
	if !ok {
		return Game{}, fmt.Errorf("%q: %w", id, ErrUnknownGame)
	}
	return g, nil
}

// Games returns every configured game ordered by id.
func (c *Catalog) Games() []Game {
	out := make([]Game, 0, len(c.games))
	for _, g := range c.games {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
