package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the gateway capability file, keyed by driver key:
//
//	gateways:
//	  sandbox:
//	    refundable: true
//	    token_billing: true
//	    methods: [1, 2]
//	    system_log_type: 300
type Catalog struct {
	Gateways map[string]Capabilities `yaml:"gateways"`
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse gateway catalog: %w", err)
	}
	return &c, nil
}

// Apply overrides the registry capabilities of every cataloged driver.
// Entries for drivers that are not registered are an error.
func (c *Catalog) Apply(r *Registry) error {
	for key, caps := range c.Gateways {
		if err := r.Override(key, caps); err != nil {
			return err
		}
	}
	return nil
}
