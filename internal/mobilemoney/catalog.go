package mobilemoney

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadCatalog reads a provider catalog from a YAML file:
//
//	providers:
//	  - name: orange_money
//	    display_name: Orange Money
//	    active: true
//	    min_amount: 100
//	    max_amount: 1000000000
//	    fee_bps: 150
func LoadCatalog(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML provider catalog.
func ParseCatalog(data []byte) ([]Provider, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog lists no providers")
	}

	seen := make(map[string]bool, len(f.Providers))
	for i, p := range f.Providers {
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("provider %d: name is required", i)
		case seen[p.Name]:
			return nil, fmt.Errorf("provider %s listed twice", p.Name)
		case p.MinAmount <= 0 || p.MaxAmount < p.MinAmount:
			return nil, fmt.Errorf("provider %s: need 0 < min_amount <= max_amount", p.Name)
		case p.FeeBasisPoints < 0 || p.FeeBasisPoints > 10000:
			return nil, fmt.Errorf("provider %s: fee_bps must be between 0 and 10000", p.Name)
		}
		seen[p.Name] = true
		if p.DisplayName == "" {
			f.Providers[i].DisplayName = p.Name
		}
	}
	return f.Providers, nil
}
