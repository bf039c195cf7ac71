package route

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML layout of a catalog.
type File struct {
	Routes []Route `yaml:"routes" validate:"dive"`
	Trips  []Plan  `yaml:"trips" validate:"dive"`
}

// LoadFile reads and validates a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	c := NewCatalog()
	for _, r := range f.Routes {
		if err := c.AddRoute(r); err != nil {
			return nil, err
		}
	}
	for _, p := range f.Trips {
		if err := c.AddPlan(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}
