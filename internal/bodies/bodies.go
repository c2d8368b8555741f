// Package bodies maps NAIF integer body codes to human-readable names.
// The catalog is embedded at build time; lookups by name are
// case-insensitive and tolerate the usual spelling variants
// ("earth barycenter", "EARTH_BARYCENTER").
package bodies

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed bodies.yaml
var catalogYAML []byte

// Body is one catalog entry.
type Body struct {
	ID      int      `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

type catalog struct {
	Bodies []Body `yaml:"bodies"`
}

var (
	byID   = map[int]Body{}
	byName = map[string]Body{}
	all    []Body
)

func init() {
	var c catalog
	if err := yaml.Unmarshal(catalogYAML, &c); err != nil {
		panic(fmt.Sprintf("bodies: embedded catalog is invalid: %v", err))
	}

	all = c.Bodies
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	for _, b := range all {
		byID[b.ID] = b
		byName[canon(b.Name)] = b
		for _, a := range b.Aliases {
			byName[canon(a)] = b
		}
	}
}

// canon normalizes a body reference for name matching: uppercase with
// separator characters removed.
func canon(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, s)
}

// Name returns the catalog name for a NAIF code, or a numeric placeholder
// for codes the catalog does not know. Kernels may carry segments for
// bodies outside the catalog; those still need a printable label.
func Name(id int) string {
	if b, ok := byID[id]; ok {
		return b.Name
	}
	return fmt.Sprintf("Body %d", id)
}

// ByID returns the catalog entry for a NAIF code.
func ByID(id int) (Body, bool) {
	b, ok := byID[id]
	return b, ok
}

// Lookup resolves a body reference that is either a NAIF code in decimal
// ("399") or a name or alias ("earth", "EMB").
func Lookup(ref string) (Body, bool) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.Atoi(ref); err == nil {
		// Numeric references resolve even for uncataloged codes so callers
		// can address any segment a kernel happens to carry.
		if b, ok := byID[id]; ok {
			return b, true
		}
		return Body{ID: id, Name: Name(id)}, true
	}

	b, ok := byName[canon(ref)]
	return b, ok
}

// All returns the catalog in ascending NAIF code order.
func All() []Body {
	out := make([]Body, len(all))
	copy(out, all)
	return out
}
