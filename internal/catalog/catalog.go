// Package catalog loads the crawl target catalog produced by the
// external discovery process.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// Catalog is the full target set for one run: the stores to crawl and
// the (store, category) listing URLs. Immutable after Load.
type Catalog struct {
	Stores  []scrape.StoreRef `yaml:"stores"`
	Targets []scrape.Target   `yaml:"targets"`
}

// Load reads and validates a catalog file. The target order is made
// deterministic so worker assignment is reproducible across runs.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	sort.SliceStable(cat.Targets, func(i, j int) bool {
		if cat.Targets[i].StoreID != cat.Targets[j].StoreID {
			return cat.Targets[i].StoreID < cat.Targets[j].StoreID
		}
		return cat.Targets[i].CategoryID < cat.Targets[j].CategoryID
	})
	return cat, nil
}

// Validate rejects catalogs the crawler cannot act on.
func (c Catalog) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("catalog contains no targets")
	}
	stores := make(map[string]struct{}, len(c.Stores))
	for _, s := range c.Stores {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("catalog store with empty id")
		}
		if _, dup := stores[s.ID]; dup {
			return fmt.Errorf("duplicate store id %q", s.ID)
		}
		stores[s.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		switch {
		case strings.TrimSpace(t.StoreID) == "":
			return fmt.Errorf("target with empty store id")
		case strings.TrimSpace(t.CategoryID) == "":
			return fmt.Errorf("target %s with empty category id", t.StoreID)
		case strings.TrimSpace(t.URL) == "":
			return fmt.Errorf("target %s has no url", t.Key())
		}
		if _, ok := stores[t.StoreID]; !ok {
			return fmt.Errorf("target %s references unknown store %q", t.Key(), t.StoreID)
		}
		if _, dup := seen[t.Key()]; dup {
			return fmt.Errorf("duplicate target %s", t.Key())
		}
		seen[t.Key()] = struct{}{}
	}
	return nil
}

// Store returns the StoreRef for id, if present.
func (c Catalog) Store(id string) (scrape.StoreRef, bool) {
	for _, s := range c.Stores {
		if s.ID == id {
			return s, true
		}
	}
	return scrape.StoreRef{}, false
}

// TargetsByStore groups targets per store, preserving catalog order.
// Each group is the target set handed to a single worker.
func (c Catalog) TargetsByStore() [][]scrape.Target {
	byStore := make(map[string][]scrape.Target)
	var order []string
	for _, t := range c.Targets {
		if _, ok := byStore[t.StoreID]; !ok {
			order = append(order, t.StoreID)
		}
		byStore[t.StoreID] = append(byStore[t.StoreID], t)
	}
	groups := make([][]scrape.Target, 0, len(order))
	for _, id := range order {
		groups = append(groups, byStore[id])
	}
	return groups
}
