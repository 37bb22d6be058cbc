// Package roi describes tally-sheet templates and maps their proportional
// regions onto a preprocessed image.
package roi

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var builtin embed.FS

// DefaultTemplateName is the template used when none is configured.
const DefaultTemplateName = "bo-2020-presidential"

// Field keys shared by every template.
const (
	KeyTableCode    = "tableCode"
	KeyTableNumber  = "tableNumber"
	KeyDepartment   = "department"
	KeyProvince     = "province"
	KeyMunicipality = "municipality"
	KeyLocality     = "locality"
	KeyPollingPlace = "pollingPlace"
	KeyValidVotes   = "validVotes"
	KeyBlankVotes   = "blankVotes"
	KeyNullVotes    = "nullVotes"
	PartyPrefix     = "party_"
)

// LocationKeys lists the location fields in display order.
var LocationKeys = []string{KeyDepartment, KeyProvince, KeyMunicipality, KeyLocality, KeyPollingPlace}

// ErrUnknownTemplate is returned when a template name is not registered.
var ErrUnknownTemplate = errors.New("unknown template")

// Mode selects how a region is read.
type Mode string

const (
	ModeNumeric Mode = "numeric"
	ModeText    Mode = "text"
)

// Anchor selects the frame a region's box is expressed in.
type Anchor string

const (
	AnchorPage  Anchor = "page"
	AnchorTable Anchor = "table"
)

// Box is a rectangle in fractions of the page.
type Box struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	W float64 `yaml:"w" json:"w"`
	H float64 `yaml:"h" json:"h"`
}

// Region is one named field of a template.
type Region struct {
	Key    string `yaml:"key" json:"key"`
	Mode   Mode   `yaml:"mode" json:"mode"`
	Anchor Anchor `yaml:"anchor" json:"anchor"`
	Box    Box    `yaml:"box" json:"box"`
}

// PartyID returns the party abbreviation of a party region, or "".
func (r Region) PartyID() string {
	if id, ok := strings.CutPrefix(r.Key, PartyPrefix); ok {
		return id
	}
	return ""
}

// Template is the layout descriptor of one tally-sheet form. Table is the
// nominal position of the printed vote table; table-anchored regions move
// with the detected table.
type Template struct {
	Name         string              `yaml:"name" json:"name"`
	Jurisdiction string              `yaml:"jurisdiction" json:"jurisdiction"`
	Version      string              `yaml:"version" json:"version"`
	Table        Box                 `yaml:"table" json:"table"`
	Barcode      *Box                `yaml:"barcode,omitempty" json:"barcode,omitempty"` // table code barcode, page relative
	Regions      []Region            `yaml:"regions" json:"regions"`
	Gazetteer    map[string][]string `yaml:"gazetteer" json:"gazetteer,omitempty"`
}

// Parties returns the party abbreviations in template order.
func (t *Template) Parties() []string {
	var out []string
	for _, r := range t.Regions {
		if id := r.PartyID(); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Region returns the region with the given key.
func (t *Template) Region(key string) (Region, bool) {
	for _, r := range t.Regions {
		if r.Key == key {
			return r, true
		}
	}
	return Region{}, false
}

// Validate checks keys are unique and every box lies within the page.
func (t *Template) Validate() error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if len(t.Regions) == 0 {
		return fmt.Errorf("template %s: no regions", t.Name)
	}
	seen := make(map[string]bool, len(t.Regions))
	needsTable := false
	for _, r := range t.Regions {
		if r.Key == "" {
			return fmt.Errorf("template %s: region without key", t.Name)
		}
		if seen[r.Key] {
			return fmt.Errorf("template %s: duplicate region %q", t.Name, r.Key)
		}
		seen[r.Key] = true
		switch r.Mode {
		case ModeNumeric, ModeText:
		default:
			return fmt.Errorf("template %s: region %q: invalid mode %q", t.Name, r.Key, r.Mode)
		}
		switch r.Anchor {
		case AnchorPage, "":
		case AnchorTable:
			needsTable = true
		default:
			return fmt.Errorf("template %s: region %q: invalid anchor %q", t.Name, r.Key, r.Anchor)
		}
		if err := r.Box.validate(); err != nil {
			return fmt.Errorf("template %s: region %q: %w", t.Name, r.Key, err)
		}
	}
	if needsTable {
		if err := t.Table.validate(); err != nil {
			return fmt.Errorf("template %s: table: %w", t.Name, err)
		}
	}
	if t.Barcode != nil {
		if err := t.Barcode.validate(); err != nil {
			return fmt.Errorf("template %s: barcode: %w", t.Name, err)
		}
	}
	return nil
}

func (b Box) validate() error {
	if b.W <= 0 || b.H <= 0 {
		return errors.New("box must have positive size")
	}
	if b.X < 0 || b.Y < 0 || b.X+b.W > 1.0001 || b.Y+b.H > 1.0001 {
		return errors.New("box must lie within the page")
	}
	return nil
}

// Parse decodes and validates a YAML template.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	for i := range t.Regions {
		if t.Regions[i].Anchor == "" {
			t.Regions[i].Anchor = AnchorPage
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadFile reads a template from a YAML file.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: template path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return Parse(data)
}

var defaultTemplate = sync.OnceValue(func() *Template {
	data, err := builtin.ReadFile("templates/" + DefaultTemplateName + ".yaml")
	if err != nil {
		panic(err)
	}
	t, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return t
})

// Default returns a copy of the built-in presidential template.
func Default() *Template {
	t := *defaultTemplate()
	t.Regions = append([]Region(nil), t.Regions...)
	if t.Barcode != nil {
		b := *t.Barcode
		t.Barcode = &b
	}
	return &t
}

// Registry selects templates by name.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry holding the built-in template.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*Template)}
	r.Register(Default())
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
}

// LoadFile parses a YAML template file and registers it.
func (r *Registry) LoadFile(path string) (*Template, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r.Register(t)
	return t, nil
}

// LoadDir registers every *.yaml and *.yml file in dir.
func (r *Registry) LoadDir(dir string) error {
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if _, err := r.LoadFile(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns the named template; an empty name selects the default.
func (r *Registry) Get(name string) (*Template, error) {
	if name == "" {
		name = DefaultTemplateName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return t, nil
}

// Names lists the registered templates in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
