package pattern

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrUnknownPattern is returned when an intent references a pattern id the
// catalog does not carry.
var ErrUnknownPattern = errors.New("unknown pattern")

// Offset is a single live cell position relative to a pattern's anchor.
type Offset struct {
	DX int `json:"dx" jsonschema:"title=Column offset,description=Horizontal distance from the anchor cell"`
	DY int `json:"dy" jsonschema:"title=Row offset,description=Vertical distance from the anchor cell"`
}

// Definition models one catalog entry. It is shared with the schema generator
// so externally authored pattern files can be validated before loading.
type Definition struct {
	ID    string   `json:"id" jsonschema:"title=Pattern id,pattern=^[a-z0-9-]+$,description=Identifier referenced by placement intents"`
	Name  string   `json:"name" jsonschema:"title=Display name,description=Human readable name shown in pattern menus"`
	Cells []Offset `json:"cells" jsonschema:"title=Live cells,description=Offsets of the live cells relative to the anchor"`
}

// FileDefinitions represents the contents of an externally authored pattern
// file. The canonical format is a flat array of definitions.
type FileDefinitions []Definition

// Catalog is an immutable lookup table of pattern definitions.
type Catalog struct {
	entries map[string]Definition
}

// Default returns the built-in catalog of well-known Life patterns.
func Default() *Catalog {
	catalog, err := New([]Definition{
		{ID: "block", Name: "Block", Cells: offsets(0, 0, 1, 0, 0, 1, 1, 1)},
		{ID: "blinker", Name: "Blinker", Cells: offsets(0, 0, 1, 0, 2, 0)},
		{ID: "toad", Name: "Toad", Cells: offsets(1, 0, 2, 0, 3, 0, 0, 1, 1, 1, 2, 1)},
		{ID: "beacon", Name: "Beacon", Cells: offsets(0, 0, 1, 0, 0, 1, 3, 2, 2, 3, 3, 3)},
		{ID: "glider", Name: "Glider", Cells: offsets(1, 0, 2, 1, 0, 2, 1, 2, 2, 2)},
		{ID: "r-pentomino", Name: "R-Pentomino", Cells: offsets(1, 0, 2, 0, 0, 1, 1, 1, 1, 2)},
	})
	if err != nil {
		// The built-in table is static; a failure here is a programmer error.
		panic(err)
	}
	return catalog
}

// New builds a catalog from the provided definitions, rejecting duplicates
// and structurally invalid entries.
func New(definitions []Definition) (*Catalog, error) {
	entries := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		if def.ID == "" {
			return nil, fmt.Errorf("pattern definition missing id")
		}
		if len(def.Cells) == 0 {
			return nil, fmt.Errorf("pattern %q has no live cells", def.ID)
		}
		if _, exists := entries[def.ID]; exists {
			return nil, fmt.Errorf("duplicate pattern id %q", def.ID)
		}
		def.Cells = append([]Offset(nil), def.Cells...)
		entries[def.ID] = def
	}
	return &Catalog{entries: entries}, nil
}

// Load parses a JSON pattern file and merges it over the receiver, returning
// a new catalog. Entries in the file shadow built-ins with the same id.
func (c *Catalog) Load(r io.Reader) (*Catalog, error) {
	var file FileDefinitions
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode pattern file: %w", err)
	}
	merged := make([]Definition, 0, len(c.entries)+len(file))
	seen := make(map[string]struct{}, len(file))
	for _, def := range file {
		seen[def.ID] = struct{}{}
		merged = append(merged, def)
	}
	for id, def := range c.entries {
		if _, shadowed := seen[id]; shadowed {
			continue
		}
		merged = append(merged, def)
	}
	return New(merged)
}

// Resolve looks up a definition by id.
func (c *Catalog) Resolve(id string) (Definition, bool) {
	def, ok := c.entries[id]
	return def, ok
}

// IDs returns the catalog's pattern ids in lexical order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func offsets(pairs ...int) []Offset {
	cells := make([]Offset, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		cells = append(cells, Offset{DX: pairs[i], DY: pairs[i+1]})
	}
	return cells
}
