// Package registry holds the catalog of known MDM vendor definitions.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pandeptwidyaop/mdm-migrate/internal/assets"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// GenericRemovalCommand removes every installed configuration profile. It is
// the removal script of any vendor the registry does not know.
var GenericRemovalCommand = models.RemovalCommand{
	Path:           "/usr/bin/profiles",
	Args:           []string{"remove", "-all", "-forced"},
	Description:    "Remove all configuration profiles",
	TimeoutSeconds: 120,
}

// Registry is a concurrency-safe vendor catalog. Entries are upserted by
// identifier and never deleted.
type Registry struct {
	mu      sync.RWMutex
	vendors map[string]models.VendorDefinition
	order   map[string]int
	seq     int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		vendors: make(map[string]models.VendorDefinition),
		order:   make(map[string]int),
	}
}

// NewDefault returns a registry seeded with the embedded vendor catalog.
func NewDefault() (*Registry, error) {
	defs, err := Parse(assets.VendorCatalog)
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor catalog: %w", err)
	}

	r := New()
	for _, def := range defs {
		r.RegisterVendor(def)
	}
	return r, nil
}

// Parse decodes a YAML list of vendor definitions.
func Parse(data []byte) ([]models.VendorDefinition, error) {
	var defs []models.VendorDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, err
	}

	for i := range defs {
		if defs[i].Identifier == "" {
			return nil, fmt.Errorf("vendor definition %d has no id", i)
		}
		if defs[i].Handler == "" {
			defs[i].Handler = models.HandlerGeneric
		}
	}
	return defs, nil
}

// RegisterVendor inserts or replaces a definition (last write wins). A
// replaced vendor keeps its original registration position.
func (r *Registry) RegisterVendor(def models.VendorDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.order[def.Identifier]; !ok {
		r.order[def.Identifier] = r.seq
		r.seq++
	}
	r.vendors[def.Identifier] = def
}

// GetVendor returns the definition registered under id.
func (r *Registry) GetVendor(id string) (models.VendorDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.vendors[id]
	return def, ok
}

// GetVendorByProfilePattern returns the first vendor, in detection order,
// with a profile pattern contained in probe.
func (r *Registry) GetVendorByProfilePattern(probe string) (models.VendorDefinition, bool) {
	for _, def := range r.Vendors() {
		if _, ok := MatchPattern(probe, def.ProfilePatterns); ok {
			return def, true
		}
	}
	return models.VendorDefinition{}, false
}

// GetRemovalCommands returns the ordered removal script for id. Unknown
// vendors get the single generic "remove all" command.
func (r *Registry) GetRemovalCommands(id string) []models.RemovalCommand {
	def, ok := r.GetVendor(id)
	if !ok {
		return []models.RemovalCommand{GenericRemovalCommand}
	}
	return append([]models.RemovalCommand(nil), def.RemovalCommands...)
}

// LongestCommandTimeout returns the largest budget of any removal or unenroll
// command the helper may run, including the generic removal script.
func (r *Registry) LongestCommandTimeout() time.Duration {
	longest := GenericRemovalCommand.TimeoutSeconds
	for _, def := range r.Vendors() {
		for _, cmd := range def.RemovalCommands {
			longest = max(longest, cmd.TimeoutSeconds)
		}
		if def.UnenrollCommand != nil {
			longest = max(longest, def.UnenrollCommand.TimeoutSeconds)
		}
	}
	return time.Duration(longest) * time.Second
}

// Vendors returns every definition ordered by detection priority, ties broken
// by registration order.
func (r *Registry) Vendors() []models.VendorDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]models.VendorDefinition, 0, len(r.vendors))
	for _, def := range r.vendors {
		defs = append(defs, def)
	}

	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].DetectionPriority != defs[j].DetectionPriority {
			return defs[i].DetectionPriority < defs[j].DetectionPriority
		}
		return r.order[defs[i].Identifier] < r.order[defs[j].Identifier]
	})
	return defs
}

// MatchPattern reports the first pattern contained in text, ignoring case.
func MatchPattern(text string, patterns []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// MatchingIdentifiers returns the identifiers that contain any of patterns,
// ignoring case.
func MatchingIdentifiers(identifiers, patterns []string) []string {
	var out []string
	for _, id := range identifiers {
		if _, ok := MatchPattern(id, patterns); ok {
			out = append(out, id)
		}
	}
	return out
}
