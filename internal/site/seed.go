package site

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/celerix-dev/celerix-cms/pkg/schema"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the default content of every store.
type Seed struct {
	Clients  []schema.Client    `yaml:"clients"`
	Partners []schema.Partner   `yaml:"partners"`
	Projects []schema.Project   `yaml:"projects"`
	Users    []schema.AdminUser `yaml:"users"`
	Stats    []schema.Stat      `yaml:"stats"`
}

// DefaultSeed returns the built-in content.
func DefaultSeed() Seed {
	s, err := ParseSeed(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("site: built-in seed is invalid: %v", err))
	}
	return s
}

// LoadSeed reads a seed file. An empty path means the built-in content.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes YAML seed data and checks that ids are set and unique.
func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parsing seed: %w", err)
	}
	for name, ids := range map[string][]string{
		"clients":  idsOf(s.Clients),
		"partners": idsOf(s.Partners),
		"projects": idsOf(s.Projects),
		"users":    idsOf(s.Users),
		"stats":    idsOf(s.Stats),
	} {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if id == "" {
				return Seed{}, fmt.Errorf("seed %s: entry without id", name)
			}
			if seen[id] {
				return Seed{}, fmt.Errorf("seed %s: duplicate id %q", name, id)
			}
			seen[id] = true
		}
	}
	return s, nil
}

func idsOf[T interface{ EntityID() string }](items []T) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.EntityID()
	}
	return out
}
