package entitlement

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/songforge/pkg/models"
)

//go:embed plans.toml
var defaultCatalogTOML string

// Plan is one subscription tier.
type Plan struct {
	Name             string           `toml:"name"              yaml:"name"`
	MonthlyAllowance int              `toml:"monthly_allowance" yaml:"monthly_allowance"`
	Models           []string         `toml:"models"            yaml:"models"`
	DefaultModel     string           `toml:"default_model"     yaml:"default_model"`
	Costs            map[string]int64 `toml:"costs"             yaml:"costs"`
}

// Cost returns the credit cost of one task of the given kind. Kinds without an entry are free.
func (p *Plan) Cost(kind models.Kind) int64 {
	return p.Costs[string(kind)]
}

// Catalog is the set of known plans.
type Catalog struct {
	DefaultPlan string `toml:"default_plan" yaml:"default_plan"`
	Plans       []Plan `toml:"plans"        yaml:"plans"`

	byName map[string]*Plan
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(defaultCatalogTOML, &c); err != nil {
		return nil, fmt.Errorf("decode default plan catalog: %w", err)
	}
	return c.index()
}

// LoadCatalog reads a catalog from path, choosing the decoder by extension.
// An empty path yields the embedded default.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}

	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return nil, fmt.Errorf("decode plan catalog %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode plan catalog %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("plan catalog %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return c.index()
}

func (c *Catalog) index() (*Catalog, error) {
	if len(c.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog has no plans")
	}
	c.byName = make(map[string]*Plan, len(c.Plans))
	for i := range c.Plans {
		p := &c.Plans[i]
		if p.Name == "" {
			return nil, fmt.Errorf("plan %d has no name", i)
		}
		if p.MonthlyAllowance < 0 {
			return nil, fmt.Errorf("plan %s: monthly_allowance must be >= 0", p.Name)
		}
		if p.DefaultModel == "" || !contains(p.Models, p.DefaultModel) {
			return nil, fmt.Errorf("plan %s: default_model %q must be one of its models", p.Name, p.DefaultModel)
		}
		for kind, cost := range p.Costs {
			if !models.Kind(kind).Valid() {
				return nil, fmt.Errorf("plan %s: unknown task kind %q in costs", p.Name, kind)
			}
			if cost < 0 {
				return nil, fmt.Errorf("plan %s: cost for %s must be >= 0", p.Name, kind)
			}
		}
		c.byName[p.Name] = p
	}
	if c.DefaultPlan == "" {
		c.DefaultPlan = c.Plans[0].Name
	}
	if _, ok := c.byName[c.DefaultPlan]; !ok {
		return nil, fmt.Errorf("default_plan %q is not defined", c.DefaultPlan)
	}
	return c, nil
}

// Plan returns the named plan, or the default plan for unknown names.
func (c *Catalog) Plan(name string) *Plan {
	if p, ok := c.byName[name]; ok {
		return p
	}
	return c.byName[c.DefaultPlan]
}

// Lookup returns the named plan without falling back to the default.
func (c *Catalog) Lookup(name string) (*Plan, bool) {
	p, ok := c.byName[name]
	return p, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
