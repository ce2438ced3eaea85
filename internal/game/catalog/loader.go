package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlGameFile is the top-level YAML structure for game files.
type yamlGameFile struct {
	Game yamlGame `yaml:"game"`
}

type yamlGame struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	Capacity  int       `yaml:"capacity"`
	MatchSize int       `yaml:"match_size"`
	Voice     yamlVoice `yaml:"voice"`
}

type yamlVoice struct {
	Proximity bool    `yaml:"proximity"`
	Threshold float64 `yaml:"threshold"`
}

// LoadGameFromFile reads and validates a single game YAML file.
//
// Precondition: path must point to a valid YAML game file.
// Postcondition: Returns a validated Game or a non-nil error.
func LoadGameFromFile(path string, defaults Game) (*Game, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading game file %s: %w", path, err)
	}
	return LoadGameFromBytes(data, defaults)
}

// LoadGameFromBytes parses and validates a game from YAML bytes. Fields left
// unset fall back to defaults.
func LoadGameFromBytes(data []byte, defaults Game) (*Game, error) {
	var file yamlGameFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing game YAML: %w", err)
	}

	yg := file.Game
	g := &Game{
		ID:        yg.ID,
		Name:      yg.Name,
		Capacity:  yg.Capacity,
		MatchSize: yg.MatchSize,
		Voice:     Voice{Proximity: yg.Voice.Proximity, Threshold: yg.Voice.Threshold},
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	if g.Capacity == 0 {
		g.Capacity = defaults.Capacity
	}
	if g.MatchSize == 0 {
		g.MatchSize = min(defaults.MatchSize, g.Capacity)
	}
	if g.Voice.Proximity && g.Voice.Threshold == 0 {
		g.Voice.Threshold = defaults.Voice.Threshold
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("validating game: %w", err)
	}
	return g, nil
}

// LoadGamesFromDir loads every .yaml/.yml file in dir as a game.
//
// Postcondition: Returns all validated games or the first error encountered.
// An empty directory yields an empty slice.
func LoadGamesFromDir(dir string, defaults Game) ([]*Game, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog directory %s: %w", dir, err)
	}

	var games []*Game
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		g, err := LoadGameFromFile(filepath.Join(dir, name), defaults)
		if err != nil {
			return nil, fmt.Errorf("loading game from %s: %w", name, err)
		}
		games = append(games, g)
	}
	return games, nil
}

// Load builds a Catalog from dir. An empty dir yields a catalog that accepts
// every game id with defaults.
func Load(dir string, defaults Game) (*Catalog, error) {
	if dir == "" {
		return NewCatalog(defaults)
	}
	games, err := LoadGamesFromDir(dir, defaults)
	if err != nil {
		return nil, err
	}
	return NewCatalog(defaults, games...)
}
